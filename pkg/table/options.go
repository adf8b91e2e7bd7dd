package table

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"tabledb/pkg/compaction"
	"tabledb/pkg/dberrors"
	"tabledb/pkg/metrics"
	"tabledb/pkg/msg"
	"tabledb/pkg/scheduler"
	"tabledb/pkg/segment"
)

const (
	lockFileName      = "LOCK"
	chunksDirName     = "chunks"
	generationDirName = "generations"
)

type iTimeProvider interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type iScheduler interface {
	SubmitUnique(name string, fn scheduler.TaskFunc) (bool, error)
}

// Options configure one table replica writer.
type Options struct {
	Table   string
	Replica string
	// Path is the database root; the replica lives in Path/Table/Replica.
	Path   string
	Schema *msg.Schema

	Scheduler   iScheduler
	Codec       segment.Codec
	MergePolicy *compaction.Policy
	// GCDelay is how long a chunk stays Deleting before GC may remove it.
	GCDelay time.Duration

	Metrics *metrics.Registry
	Logger  *slog.Logger
	Clock   iTimeProvider
}

func (o *Options) validate() error {
	if o.Table == "" || o.Replica == "" || o.Path == "" {
		return fmt.Errorf("%w: table, replica and path are required", dberrors.ErrInvalidArgument)
	}
	for _, name := range []string{o.Table, o.Replica} {
		if name == "." || name == ".." || filepath.Base(name) != name {
			return fmt.Errorf("%w: %q is not a valid directory name", dberrors.ErrInvalidArgument, name)
		}
	}
	if err := o.Schema.Check(); err != nil {
		return err
	}
	if o.GCDelay < 0 {
		return fmt.Errorf("%w: negative gc delay", dberrors.ErrInvalidArgument)
	}
	return nil
}

func (o *Options) withDefaults() error {
	if o.MergePolicy == nil {
		p, err := compaction.NewPolicy(compaction.PolicyOptions{})
		if err != nil {
			return err
		}
		o.MergePolicy = p
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = systemClock{}
	}
	return nil
}

// ReplicaDir returns the directory of one table replica under root.
func ReplicaDir(root, table, replica string) string {
	return filepath.Join(root, table, replica)
}

// ChunkDir returns the chunk directory inside a replica directory.
func ChunkDir(replicaDir string) string {
	return filepath.Join(replicaDir, chunksDirName)
}

// GenerationDir returns the manifest directory inside a replica directory.
func GenerationDir(replicaDir string) string {
	return filepath.Join(replicaDir, generationDirName)
}
