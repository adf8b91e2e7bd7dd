package table

import (
	"context"
	"fmt"

	"tabledb/pkg/dberrors"
	"tabledb/pkg/scheduler"
)

// SubmitCommit queues a commit on the scheduler. It returns false when a
// commit of this replica is already queued.
func (w *Writer) SubmitCommit() (bool, error) {
	return w.submit("commit", func(context.Context) error {
		_, err := w.Commit()
		return err
	})
}

// SubmitMerge queues one merge step.
func (w *Writer) SubmitMerge(minMerged, maxMerged uint64) (bool, error) {
	return w.submit("merge", func(context.Context) error {
		_, err := w.Merge(minMerged, maxMerged)
		return err
	})
}

// SubmitGC queues a garbage collection pass.
func (w *Writer) SubmitGC(keep, max int) (bool, error) {
	return w.submit("gc", func(context.Context) error {
		_, err := w.GC(keep, max)
		return err
	})
}

func (w *Writer) taskName(kind string) string {
	return fmt.Sprintf("%s/%s:%s", w.table, w.replica, kind)
}

func (w *Writer) submit(kind string, fn scheduler.TaskFunc) (bool, error) {
	if w.scheduler == nil {
		return false, fmt.Errorf("%w: table %s has no scheduler", dberrors.ErrInvalidArgument, w.table)
	}
	if w.closed.Load() {
		return false, dberrors.ErrClosed
	}
	queued, err := w.scheduler.SubmitUnique(w.taskName(kind), func(ctx context.Context) error {
		err := fn(ctx)
		result := "ok"
		if err != nil {
			result = "error"
		}
		w.metrics.RecordTask(w.table, kind, result)
		return err
	})
	if err != nil {
		w.metrics.RecordTask(w.table, kind, "rejected")
		return false, err
	}
	return queued, nil
}
