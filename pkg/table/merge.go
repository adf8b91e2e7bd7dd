package table

import (
	"fmt"
	"time"

	"tabledb/pkg/artifact"
	"tabledb/pkg/compaction"
	"tabledb/pkg/dberrors"
	"tabledb/pkg/msg"
	"tabledb/pkg/segment"
)

// Merge runs one size-tiered compaction step. It returns true when a merge
// was published. When no group qualifies, or another writer already merged
// or retired an input, it returns false and a nil error. A damaged input
// returns false with the error; the head and index are left untouched.
//
// minMerged and maxMerged bound the total size of the inputs; zero
// maxMerged means unbounded.
func (w *Writer) Merge(minMerged, maxMerged uint64) (bool, error) {
	w.mergeMu.Lock()
	defer w.mergeMu.Unlock()
	if w.closed.Load() {
		return false, dberrors.ErrClosed
	}

	start := time.Now()
	snap := w.registry.Acquire()
	defer snap.Release()

	plan, ok := w.policy.FindNextMerge(snap.Generation(), minMerged, maxMerged, w.seq.Next)
	if !ok {
		w.metrics.RecordMerge(w.table, "none", 0, time.Since(start))
		return false, nil
	}

	w.inflightMerge.Store(plan.Output.SequenceID + 1)
	defer w.inflightMerge.Store(0)

	builders := newBuilders(w.summaryFactories())
	m := compaction.SegmentMerge{
		Dir:    w.chunkDir,
		Inputs: plan.Inputs,
		Output: plan.Output,
		Writer: w.segWriter,
		Visit: func(obj msg.Object) error {
			w.feedSummaries(builders, plan.Output.SequenceID, obj)
			return nil
		},
	}
	out, err := m.Merge()
	if err != nil {
		w.logger.Warn("merge aborted",
			"inputs", seqs(plan.Inputs),
			"output", plan.Output.SequenceID,
			"error", err,
		)
		w.metrics.RecordMerge(w.table, "failed", 0, time.Since(start))
		return false, fmt.Errorf("failed to merge chunks %v: %w", seqs(plan.Inputs), err)
	}

	if w.beforeMergePublish != nil {
		w.beforeMergePublish(plan)
	}

	published, err := w.publishMerge(plan, out)
	switch {
	case err != nil:
		w.metrics.RecordMerge(w.table, "failed", 0, time.Since(start))
		return false, err
	case !published:
		w.logger.Info("merge collided with a concurrent change, output discarded",
			"inputs", seqs(plan.Inputs),
			"output", out.SequenceID,
		)
		w.metrics.RecordMerge(w.table, "collision", 0, time.Since(start))
		return false, nil
	}

	w.persistSummaries(out.SequenceID, builders)
	w.metrics.RecordMerge(w.table, "merged", plan.InputBytes(), time.Since(start))
	w.logger.Info("merged chunks",
		"inputs", seqs(plan.Inputs),
		"output", out.SequenceID,
		"records", out.RecordCount,
		"bytes", out.ByteSize,
		"duration", time.Since(start),
	)
	return true, nil
}

// publishMerge re-validates the inputs against the durable index and the
// current head, then swaps the inputs for out. The new generation derives
// from the head at publish time so commits made during the merge survive.
func (w *Writer) publishMerge(plan *compaction.Plan, out segment.Ref) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	path := out.Path(w.chunkDir)
	if err := w.index.Reload(); err != nil {
		w.discardChunk(out.SequenceID, path)
		return false, err
	}
	for _, in := range plan.Inputs {
		e, ok := w.index.Get(in.SequenceID)
		if !ok || e.Status != artifact.StatusActive || e.Ref != in {
			w.discardChunk(out.SequenceID, path)
			return false, nil
		}
	}
	prev := w.registry.Head()
	if prev.IndexOf(plan.Inputs) < 0 {
		w.discardChunk(out.SequenceID, path)
		return false, nil
	}

	if err := w.index.AddChunk(out, artifact.StatusActive); err != nil {
		w.discardChunk(out.SequenceID, path)
		return false, err
	}
	for _, in := range plan.Inputs {
		if err := w.index.SetStatus(in.SequenceID, artifact.StatusDeleting); err != nil {
			w.rollbackMergeWithLock(plan, out)
			return false, err
		}
	}
	if err := w.index.Persist(); err != nil {
		w.rollbackMergeWithLock(plan, out)
		return false, err
	}

	next, err := prev.Replace(plan.Inputs, out, w.seq.Peek(), w.clock.Now())
	if err != nil {
		w.rollbackMergeWithLock(plan, out)
		return false, err
	}
	if err := w.store.Write(next); err != nil {
		w.rollbackMergeWithLock(plan, out)
		return false, err
	}
	if err := w.publishWithLock(prev, next); err != nil {
		return false, err
	}
	return true, nil
}

// rollbackMergeWithLock restores the inputs to Active and drops the output.
func (w *Writer) rollbackMergeWithLock(plan *compaction.Plan, out segment.Ref) {
	for _, in := range plan.Inputs {
		_ = w.index.SetStatus(in.SequenceID, artifact.StatusActive)
	}
	w.index.Remove(out.SequenceID)
	if err := w.index.Persist(); err != nil {
		w.logger.Warn("failed to persist index after merge rollback", "output", out.SequenceID, "error", err)
	}
	w.discardChunk(out.SequenceID, out.Path(w.chunkDir))
}

func seqs(refs []segment.Ref) []uint64 {
	out := make([]uint64, len(refs))
	for i, r := range refs {
		out[i] = r.SequenceID
	}
	return out
}
