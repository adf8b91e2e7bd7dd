package table

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"tabledb/pkg/artifact"
	"tabledb/pkg/dberrors"
	"tabledb/pkg/fsutil"
	"tabledb/pkg/generation"
	"tabledb/pkg/segment"
)

// ChunkFetcher streams the bytes of a chunk held by another replica.
type ChunkFetcher interface {
	FetchChunk(ctx context.Context, ref segment.Ref) (io.ReadCloser, error)
}

// ReplicateFrom adopts the generation described by desc as the new head.
// Chunks already present locally with the same checksum are reused; the
// rest are fetched and verified against their reference before anything is
// published. Local chunks the remote generation does not list become
// Deleting. On any error the head is unchanged.
func (w *Writer) ReplicateFrom(ctx context.Context, desc generation.Descriptor, fetcher ChunkFetcher) error {
	if err := desc.Validate(w.table); err != nil {
		return err
	}
	w.mergeMu.Lock()
	defer w.mergeMu.Unlock()
	w.gcMu.Lock()
	defer w.gcMu.Unlock()
	if w.closed.Load() {
		return dberrors.ErrClosed
	}

	start := time.Now()
	remote := desc.Generation
	if max, ok := remote.MaxChunkSequence(); ok {
		// keep local commits from allocating ids the remote chunks use
		w.seq.AdvanceTo(max + 1)
	}

	var fetched []segment.Ref
	cleanup := func() {
		for _, ref := range fetched {
			w.discardChunk(ref.SequenceID, ref.Path(w.chunkDir))
		}
	}

	for _, ref := range remote.Chunks {
		reuse, err := w.localCopy(ref)
		if err != nil {
			cleanup()
			return err
		}
		if reuse {
			continue
		}
		if err := w.fetchChunk(ctx, fetcher, ref); err != nil {
			cleanup()
			return fmt.Errorf("failed to fetch chunk %d from %s: %w", ref.SequenceID, desc.Source, err)
		}
		fetched = append(fetched, ref)
	}

	next, err := w.adoptWithLock(remote)
	if err != nil {
		cleanup()
		return err
	}

	for _, ref := range fetched {
		w.rebuildSummaries(ref)
	}
	w.metrics.RecordReplication(w.table, len(fetched))
	w.logger.Info("replicated generation",
		"source", desc.Source,
		"remote_generation", remote.Number,
		"generation", next.Number,
		"chunks", len(remote.Chunks),
		"fetched", len(fetched),
		"duration", time.Since(start),
	)
	return nil
}

// localCopy reports whether ref is already on disk and intact. A local
// chunk with the same id but different content is a conflict.
func (w *Writer) localCopy(ref segment.Ref) (bool, error) {
	e, ok := w.index.Get(ref.SequenceID)
	if !ok {
		return false, nil
	}
	if e.Ref.Checksum != ref.Checksum || e.Ref.ByteSize != ref.ByteSize {
		return false, fmt.Errorf("%w: chunk %d has checksum %016x locally, %016x remotely",
			dberrors.ErrReplicaConflict, ref.SequenceID, e.Ref.Checksum, ref.Checksum)
	}
	if e.Status == artifact.StatusDeleted {
		return false, nil
	}
	if err := segment.Verify(ref.Path(w.chunkDir), ref, true); err != nil {
		return false, nil
	}
	return true, nil
}

// fetchChunk downloads ref into a temp file, checks size and checksum, and
// renames it into place.
func (w *Writer) fetchChunk(ctx context.Context, fetcher ChunkFetcher, ref segment.Ref) error {
	rc, err := fetcher.FetchChunk(ctx, ref)
	if err != nil {
		return err
	}
	defer rc.Close()

	path := ref.Path(w.chunkDir)
	tmp := fsutil.TempPath(path)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	fail := func(err error) error {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}

	h, err := segment.NewHash()
	if err != nil {
		return fail(err)
	}
	n, err := io.Copy(io.MultiWriter(f, h), rc)
	if err != nil {
		return fail(fmt.Errorf("failed to download: %w", err))
	}
	if uint64(n) != ref.ByteSize {
		return fail(fmt.Errorf("%w: received %d bytes, expected %d", dberrors.ErrChecksumMismatch, n, ref.ByteSize))
	}
	if sum := h.Sum64(); sum != ref.Checksum {
		return fail(fmt.Errorf("%w: received %016x, expected %016x", dberrors.ErrChecksumMismatch, sum, ref.Checksum))
	}
	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("failed to sync %s: %w", tmp, err))
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return fsutil.SyncDir(w.chunkDir)
}

// adoptWithLock registers the remote chunks, retires local ones the remote
// generation drops and publishes the successor.
func (w *Writer) adoptWithLock(remote *generation.Generation) (*generation.Generation, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	saved := make(map[uint64]*artifact.Entry)
	save := func(seq uint64) {
		if _, done := saved[seq]; done {
			return
		}
		if e, ok := w.index.Get(seq); ok {
			saved[seq] = &e
			return
		}
		saved[seq] = nil
	}

	adopted := make(map[uint64]struct{}, len(remote.Chunks))
	for _, ref := range remote.Chunks {
		adopted[ref.SequenceID] = struct{}{}
		save(ref.SequenceID)
		w.index.Put(artifact.Entry{Ref: ref, Status: artifact.StatusActive, UpdatedAt: w.clock.Now()})
	}

	prev := w.registry.Head()
	for _, c := range prev.Chunks {
		if _, ok := adopted[c.SequenceID]; ok {
			continue
		}
		save(c.SequenceID)
		if err := w.index.SetStatus(c.SequenceID, artifact.StatusDeleting); err != nil && !errors.Is(err, dberrors.ErrNotFound) {
			return nil, w.rollbackIndexWithLock(saved, err)
		}
	}
	if err := w.index.Persist(); err != nil {
		return nil, w.rollbackIndexWithLock(saved, err)
	}

	headSeq := w.seq.Peek()
	if remote.HeadSequence > headSeq {
		headSeq = remote.HeadSequence
	}
	next := prev.Successor(remote.Chunks, headSeq, w.clock.Now())
	if err := w.store.Write(next); err != nil {
		return nil, w.rollbackIndexWithLock(saved, err)
	}
	if err := w.publishWithLock(prev, next); err != nil {
		return nil, err
	}
	w.seq.AdvanceTo(headSeq)
	return next, nil
}

// rollbackIndexWithLock puts back the entries saved before an adoption and
// persists the result.
func (w *Writer) rollbackIndexWithLock(saved map[uint64]*artifact.Entry, cause error) error {
	for seq, e := range saved {
		if e == nil {
			w.index.Remove(seq)
			continue
		}
		w.index.Put(*e)
	}
	if err := w.index.Persist(); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to roll back artifact index: %w", err))
	}
	return cause
}

func (w *Writer) rebuildSummaries(ref segment.Ref) {
	factories := w.summaryFactories()
	if len(factories) == 0 {
		return
	}
	records, err := segment.ReadFile(ref.Path(w.chunkDir))
	if err != nil {
		w.logger.Warn("failed to read replicated chunk for summaries", "seq", ref.SequenceID, "error", err)
		return
	}
	builders := newBuilders(factories)
	for _, rec := range records {
		w.feedSummaries(builders, ref.SequenceID, rec)
	}
	w.persistSummaries(ref.SequenceID, builders)
}
