package table

import (
	"fmt"
	"os"
	"path/filepath"

	"tabledb/pkg/artifact"
	"tabledb/pkg/dberrors"
	"tabledb/pkg/generation"
	"tabledb/pkg/segment"
)

const (
	DefaultKeepGenerations = 2
	DefaultMaxGenerations  = 10
)

// GCStats describes one garbage collection pass.
type GCStats struct {
	MarkedChunks        int `json:"marked_chunks"`
	DeletedChunks       int `json:"deleted_chunks"`
	UntrackedChunks     int `json:"untracked_chunks"`
	DeletedGenerations  int `json:"deleted_generations"`
	RetainedGenerations int `json:"retained_generations"`
}

// GC trims generation history and reclaims chunks nothing can reach.
//
// The keep most recent generations are always retained. Older ones up to
// max are retained only while a snapshot holds them; the rest of the
// history is removed. A chunk referenced by a retained or pinned generation
// is never touched. Other Active chunks become Deleting, and Deleting
// chunks older than the GC delay are removed from disk and marked Deleted.
func (w *Writer) GC(keep, max int) (GCStats, error) {
	w.gcMu.Lock()
	defer w.gcMu.Unlock()
	if w.closed.Load() {
		return GCStats{}, dberrors.ErrClosed
	}

	if keep < 1 {
		keep = 1
	}
	if max < keep {
		max = keep
	}

	var stats GCStats
	head := w.registry.Head()
	protected := make(map[uint64]struct{})
	protect := func(g *generation.Generation) {
		for _, c := range g.Chunks {
			protected[c.SequenceID] = struct{}{}
		}
	}
	protect(head)
	for _, g := range w.registry.Pinned() {
		protect(g)
	}

	numbers, err := w.store.List()
	if err != nil {
		return stats, err
	}
	var drop []uint64
	rank := 0
	for i := len(numbers) - 1; i >= 0; i-- {
		n := numbers[i]
		if n > head.Number {
			continue
		}
		switch {
		case n == head.Number:
		case rank < keep:
			g, err := w.store.Load(n)
			if err != nil {
				return stats, fmt.Errorf("failed to load retained generation %d: %w", n, err)
			}
			protect(g)
		case rank < max && w.registry.IsPinned(n):
		default:
			drop = append(drop, n)
			rank++
			continue
		}
		stats.RetainedGenerations++
		rank++
	}

	for _, n := range drop {
		if err := w.store.Remove(n); err != nil {
			return stats, err
		}
		stats.DeletedGenerations++
	}
	if len(drop) > 0 {
		if err := w.store.Sync(); err != nil {
			return stats, err
		}
	}

	if err := w.collectChunks(protected, &stats); err != nil {
		return stats, err
	}

	w.metrics.RecordGC(w.table, stats.DeletedChunks+stats.UntrackedChunks, stats.DeletedGenerations)
	w.metrics.SetPinnedGenerations(w.table, len(w.registry.Pinned()))
	if stats.DeletedChunks+stats.UntrackedChunks+stats.DeletedGenerations+stats.MarkedChunks > 0 {
		w.logger.Info("garbage collected",
			"marked_chunks", stats.MarkedChunks,
			"deleted_chunks", stats.DeletedChunks,
			"untracked_chunks", stats.UntrackedChunks,
			"deleted_generations", stats.DeletedGenerations,
			"retained_generations", stats.RetainedGenerations,
		)
	}
	return stats, nil
}

func (w *Writer) collectChunks(protected map[uint64]struct{}, stats *GCStats) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	head := w.registry.Head()
	keep := func(seq uint64) bool {
		if _, ok := protected[seq]; ok {
			return true
		}
		return head.Contains(seq)
	}

	changed := false
	for _, e := range w.index.ListChunks(artifact.StatusActive) {
		if keep(e.Ref.SequenceID) {
			continue
		}
		if err := w.index.SetStatus(e.Ref.SequenceID, artifact.StatusDeleting); err != nil {
			return err
		}
		stats.MarkedChunks++
		changed = true
	}

	now := w.clock.Now()
	for _, e := range w.index.ListChunks(artifact.StatusDeleting) {
		seq := e.Ref.SequenceID
		if keep(seq) || e.UpdatedAt.Add(w.gcDelay).After(now) {
			continue
		}
		if err := os.Remove(e.Ref.Path(w.chunkDir)); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("failed to remove chunk", "seq", seq, "error", err)
			continue
		}
		w.removeSummaries(seq)
		if err := w.index.SetStatus(seq, artifact.StatusDeleted); err != nil {
			return err
		}
		stats.DeletedChunks++
		changed = true
	}

	if changed {
		if err := w.index.Persist(); err != nil {
			return err
		}
	}

	n, err := w.removeUntrackedWithLock(keep)
	stats.UntrackedChunks = n
	return err
}

// removeUntrackedWithLock deletes chunk files left by writes that never
// reached the index, such as a crash between the file and index writes.
func (w *Writer) removeUntrackedWithLock(keep func(uint64) bool) (int, error) {
	files, err := w.chunkFiles()
	if err != nil {
		return 0, err
	}
	removed := 0
	for seq := range files {
		if _, ok := w.index.Get(seq); ok || keep(seq) || w.isInflight(seq) {
			continue
		}
		if err := os.Remove(filepath.Join(w.chunkDir, segment.FileName(seq))); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("failed to remove untracked chunk", "seq", seq, "error", err)
			continue
		}
		w.removeSummaries(seq)
		removed++
	}
	return removed, nil
}

func (w *Writer) isInflight(seq uint64) bool {
	v := w.inflightMerge.Load()
	return v != 0 && v-1 == seq
}

// chunkFiles lists chunk files on disk by sequence id with their sizes.
func (w *Writer) chunkFiles() (map[uint64]int64, error) {
	entries, err := os.ReadDir(w.chunkDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	out := make(map[uint64]int64, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq, ok := segment.ParseFileName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out[seq] = info.Size()
	}
	return out, nil
}
