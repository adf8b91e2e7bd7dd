package table

import (
	"fmt"
	"os"
	"time"

	"tabledb/pkg/arena"
	"tabledb/pkg/artifact"
	"tabledb/pkg/dberrors"
	"tabledb/pkg/msg"
)

// Commit turns buffered records into a chunk and publishes a generation
// that includes it. It returns the number of records committed; with
// nothing buffered it returns 0 and the head is unchanged.
//
// If a chunk cannot be made durable the records stay buffered and the
// previous head remains current; the next Commit retries them.
func (w *Writer) Commit() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.Load() {
		return 0, dberrors.ErrClosed
	}
	return w.commitWithLock()
}

func (w *Writer) commitWithLock() (int, error) {
	if !w.arena.Empty() {
		size := w.arena.ApproximateSize()
		records, err := w.arena.Flush()
		if err != nil {
			return 0, err
		}
		w.pending = append(w.pending, pendingArena{records: records, size: size})
		w.arena = arena.New()
		w.metrics.SetArenaBytes(w.table, 0)
	}
	if len(w.pending) == 0 {
		return 0, nil
	}

	start := time.Now()
	committed := 0
	for len(w.pending) > 0 {
		n, err := w.writeChunkWithLock(w.pending[0].records)
		if err != nil {
			w.metrics.RecordCommit(w.table, "error", committed, time.Since(start))
			return committed, fmt.Errorf("failed to commit %d records: %w", len(w.pending[0].records), err)
		}
		w.pending[0] = pendingArena{}
		w.pending = w.pending[1:]
		committed += n
	}
	w.pending = nil
	w.metrics.RecordCommit(w.table, "ok", committed, time.Since(start))
	return committed, nil
}

// writeChunkWithLock makes records durable as one chunk: file, then index,
// then manifest, then head swap.
func (w *Writer) writeChunkWithLock(records []msg.Object) (int, error) {
	seq := w.seq.Next()
	ref, err := w.segWriter.WriteFile(w.chunkDir, seq, records)
	if err != nil {
		return 0, err
	}
	w.writeSummaries(ref, records)

	if err := w.index.AddChunk(ref, artifact.StatusActive); err != nil {
		w.discardChunk(ref.SequenceID, ref.Path(w.chunkDir))
		return 0, err
	}
	if err := w.index.Persist(); err != nil {
		w.index.Remove(ref.SequenceID)
		w.discardChunk(ref.SequenceID, ref.Path(w.chunkDir))
		return 0, err
	}

	if w.beforeManifest != nil {
		if err := w.beforeManifest(); err != nil {
			w.abandonChunkWithLock(ref.SequenceID)
			return 0, err
		}
	}

	prev := w.registry.Head()
	next := prev.WithAppended(ref, w.seq.Peek(), w.clock.Now())
	if err := w.store.Write(next); err != nil {
		w.abandonChunkWithLock(ref.SequenceID)
		return 0, err
	}
	if err := w.publishWithLock(prev, next); err != nil {
		return 0, err
	}

	w.logger.Debug("committed chunk",
		"seq", ref.SequenceID,
		"records", ref.RecordCount,
		"bytes", ref.ByteSize,
		"generation", next.Number,
	)
	return len(records), nil
}

// abandonChunkWithLock hands a durable but unpublished chunk to GC.
func (w *Writer) abandonChunkWithLock(seq uint64) {
	if err := w.index.SetStatus(seq, artifact.StatusDeleting); err != nil {
		w.logger.Warn("failed to mark unpublished chunk for deletion", "seq", seq, "error", err)
		return
	}
	if err := w.index.Persist(); err != nil {
		w.logger.Warn("failed to persist index after abandoning chunk", "seq", seq, "error", err)
	}
}

// discardChunk removes a chunk file that no index entry refers to.
func (w *Writer) discardChunk(seq uint64, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("failed to remove discarded chunk", "seq", seq, "error", err)
	}
	w.removeSummaries(seq)
}
