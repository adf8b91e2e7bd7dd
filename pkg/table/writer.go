package table

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"tabledb/pkg/arena"
	"tabledb/pkg/artifact"
	"tabledb/pkg/clock"
	"tabledb/pkg/compaction"
	"tabledb/pkg/dberrors"
	"tabledb/pkg/fsutil"
	"tabledb/pkg/generation"
	"tabledb/pkg/lockfile"
	"tabledb/pkg/metrics"
	"tabledb/pkg/msg"
	"tabledb/pkg/segment"
)

// sealed records of an arena whose chunk has not been written yet
type pendingArena struct {
	records []msg.Object
	size    uint64
}

// Writer owns one table replica: its arenas, generation history and
// artifact index.
//
// Lock order is mergeMu, gcMu, mu. mu guards the arenas and every index
// mutation and head publish; merges and GC do their file work outside it.
type Writer struct {
	table    string
	replica  string
	dir      string
	chunkDir string

	schema    *msg.Schema
	segWriter segment.Writer
	policy    *compaction.Policy
	scheduler iScheduler
	metrics   *metrics.Registry
	logger    *slog.Logger
	clock     iTimeProvider
	gcDelay   time.Duration

	lock     *lockfile.Lock
	index    *artifact.Index
	store    *generation.Store
	registry *generation.Registry
	seq      *clock.Sequence

	mu        sync.Mutex
	arena     *arena.Arena
	pending   []pendingArena
	summaries []SummaryFactory

	mergeMu sync.Mutex
	gcMu    sync.Mutex
	closed  atomic.Bool
	// output seq+1 of the merge being written, 0 when idle
	inflightMerge atomic.Uint64

	// test hooks
	beforeManifest     func() error
	beforeMergePublish func(plan *compaction.Plan)
}

// Open acquires the replica lock and restores the latest generation. It
// fails with dberrors.ErrLocked when another process owns the replica.
func Open(opts Options) (*Writer, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := opts.withDefaults(); err != nil {
		return nil, err
	}

	dir := ReplicaDir(opts.Path, opts.Table, opts.Replica)
	lock, err := lockfile.Acquire(filepath.Join(dir, lockFileName))
	if err != nil {
		return nil, err
	}

	w := &Writer{
		table:     opts.Table,
		replica:   opts.Replica,
		dir:       dir,
		chunkDir:  filepath.Join(dir, chunksDirName),
		schema:    opts.Schema,
		segWriter: segment.Writer{Codec: opts.Codec},
		policy:    opts.MergePolicy,
		scheduler: opts.Scheduler,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With("table", opts.Table, "replica", opts.Replica),
		clock:     opts.Clock,
		gcDelay:   opts.GCDelay,
		lock:      lock,
		arena:     arena.New(),
	}

	if err := w.restore(); err != nil {
		_ = lock.Release()
		return nil, err
	}
	return w, nil
}

func (w *Writer) restore() error {
	if err := os.MkdirAll(w.chunkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create chunk directory: %w", err)
	}
	for _, d := range []string{w.dir, w.chunkDir, filepath.Join(w.dir, generationDirName)} {
		removed, err := fsutil.RemoveTemps(d)
		if err != nil {
			return err
		}
		if len(removed) > 0 {
			w.logger.Info("removed unfinished temp files", "dir", d, "files", removed)
		}
	}

	index, err := artifact.Open(filepath.Join(w.dir, artifact.FileName), w.clock)
	if err != nil {
		return err
	}
	store, err := generation.NewStore(filepath.Join(w.dir, generationDirName))
	if err != nil {
		return err
	}

	head, err := store.LoadLatest()
	switch {
	case errors.Is(err, dberrors.ErrNotFound):
		// an empty head over live chunks would let GC reclaim committed data
		if live := index.ListChunks(artifact.StatusActive, artifact.StatusDeleting); len(live) > 0 {
			return fmt.Errorf("%w: no generation manifest but the artifact index tracks %d live chunks",
				dberrors.ErrCorruptSegment, len(live))
		}
		head = generation.Initial(w.table, w.replica, w.clock.Now())
		if err := store.Write(head); err != nil {
			return err
		}
	case err != nil:
		return err
	}
	if head.Table != w.table || head.Replica != w.replica {
		return fmt.Errorf("%w: manifest belongs to %s/%s", dberrors.ErrInvalidArgument, head.Table, head.Replica)
	}

	next := head.HeadSequence
	if max, ok := head.MaxChunkSequence(); ok && max+1 > next {
		next = max + 1
	}
	if max, ok := index.MaxSequence(); ok && max+1 > next {
		next = max + 1
	}

	for _, c := range head.Chunks {
		if ok, err := fsutil.FileExists(c.Path(w.chunkDir)); err == nil && !ok {
			w.logger.Warn("head generation references a missing chunk", "seq", c.SequenceID, "generation", head.Number)
		}
	}

	w.index = index
	w.store = store
	w.registry = generation.NewRegistry(head)
	w.seq = clock.NewSequence(next)
	w.metrics.UpdateHead(w.table, head.Number, len(head.Chunks), head.ByteSize())

	w.logger.Info("table opened",
		"generation", head.Number,
		"chunks", len(head.Chunks),
		"records", head.RecordCount(),
		"next_seq", next,
	)
	return nil
}

func (w *Writer) Name() string {
	return w.table
}

func (w *Writer) Replica() string {
	return w.replica
}

func (w *Writer) Schema() *msg.Schema {
	return w.schema
}

// Dir is the replica directory.
func (w *Writer) Dir() string {
	return w.dir
}

// ChunkDir holds the chunk files of the replica.
func (w *Writer) ChunkDir() string {
	return w.chunkDir
}

// AddRecord appends one record to the current arena.
func (w *Writer) AddRecord(obj msg.Object) error {
	return w.AddRecords([]msg.Object{obj})
}

// AddRecords appends a batch. The batch is validated as a whole, so either
// every record is buffered or none is.
func (w *Writer) AddRecords(batch []msg.Object) error {
	for i, obj := range batch {
		if err := w.schema.Validate(obj); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.Load() {
		return dberrors.ErrClosed
	}
	for _, obj := range batch {
		if err := w.arena.AddRecord(obj); err != nil {
			return err
		}
	}
	w.metrics.RecordAppend(w.table, len(batch))
	w.metrics.SetArenaBytes(w.table, w.arena.ApproximateSize())
	return nil
}

// AddEncodedRecords appends a buffer of length-prefixed encoded records.
func (w *Writer) AddEncodedRecords(buf []byte) (int, error) {
	batch, err := msg.ReadRecords(buf)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", dberrors.ErrInvalidArgument, err)
	}
	if err := w.AddRecords(batch); err != nil {
		return 0, err
	}
	return len(batch), nil
}

// ArenaSize estimates the bytes buffered and not yet committed. It is meant
// to be polled to decide when to commit.
func (w *Writer) ArenaSize() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	size := w.arena.ApproximateSize()
	for _, p := range w.pending {
		size += p.size
	}
	return size
}

// Snapshot pins the head generation until the snapshot is released.
func (w *Writer) Snapshot() *generation.Snapshot {
	return w.registry.Acquire()
}

// Head returns the current generation without pinning it.
func (w *Writer) Head() *generation.Generation {
	return w.registry.Head()
}

// ArtifactIndex exposes the chunk registry of the replica.
func (w *Writer) ArtifactIndex() *artifact.Index {
	return w.index
}

// NextSequence returns the id the next chunk will get.
func (w *Writer) NextSequence() uint64 {
	return w.seq.Peek()
}

// Descriptor describes the head generation for another replica.
func (w *Writer) Descriptor(source string) generation.Descriptor {
	return generation.Descriptor{Source: source, Generation: w.registry.Head()}
}

// Close commits buffered records, waits for running maintenance and
// releases the replica lock.
func (w *Writer) Close() error {
	w.mergeMu.Lock()
	defer w.mergeMu.Unlock()
	w.gcMu.Lock()
	defer w.gcMu.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed.Swap(true) {
		return nil
	}

	_, cerr := w.commitWithLock()
	if cerr != nil {
		w.logger.Error("failed to commit buffered records on close", "error", cerr)
	}
	if err := w.lock.Release(); err != nil {
		return errors.Join(cerr, err)
	}
	w.logger.Info("table closed")
	return cerr
}

func (w *Writer) publishWithLock(prev, next *generation.Generation) error {
	if err := w.registry.Publish(prev, next); err != nil {
		return fmt.Errorf("failed to publish generation %d: %w", next.Number, err)
	}
	w.metrics.UpdateHead(w.table, next.Number, len(next.Chunks), next.ByteSize())
	return nil
}
