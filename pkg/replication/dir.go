package replication

import (
	"context"
	"fmt"
	"io"
	"os"

	"tabledb/pkg/dberrors"
	"tabledb/pkg/generation"
	"tabledb/pkg/segment"
	"tabledb/pkg/table"
)

// DirSource reads another replica directly from a shared or mounted
// database root. It never takes the replica lock; manifests and chunks are
// immutable once written, so reading them while the owner runs is safe.
type DirSource struct {
	root    string
	replica string
}

func NewDirSource(root, replica string) *DirSource {
	return &DirSource{root: root, replica: replica}
}

func (s *DirSource) replicaDir(tableName string) string {
	return table.ReplicaDir(s.root, tableName, s.replica)
}

func (s *DirSource) Descriptor(_ context.Context, tableName string) (generation.Descriptor, error) {
	dir := table.GenerationDir(s.replicaDir(tableName))
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return generation.Descriptor{}, fmt.Errorf("%w: no replica %s of table %s in %s", dberrors.ErrNotFound, s.replica, tableName, s.root)
		}
		return generation.Descriptor{}, err
	}
	store, err := generation.NewStore(dir)
	if err != nil {
		return generation.Descriptor{}, err
	}
	gen, err := store.LoadLatest()
	if err != nil {
		return generation.Descriptor{}, err
	}
	return generation.Descriptor{Source: "dir:" + s.replicaDir(tableName), Generation: gen}, nil
}

func (s *DirSource) FetchChunk(_ context.Context, tableName string, ref segment.Ref) (io.ReadCloser, error) {
	f, err := os.Open(ref.Path(table.ChunkDir(s.replicaDir(tableName))))
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk %d: %w", ref.SequenceID, err)
	}
	return f, nil
}
