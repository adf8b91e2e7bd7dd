package table

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tabledb/pkg/artifact"
	"tabledb/pkg/segment"
)

func fileExists(t *testing.T, path string) bool {
	t.Helper()
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestWriter_GCRespectsKeepWindow(t *testing.T) {
	w := openWriter(t, tieredOptions(t, t.TempDir(), 3))
	commitChunks(t, w, 1, 2, 3)
	inputs := w.Head().Chunks

	merged, err := w.Merge(0, 0)
	require.NoError(t, err)
	require.True(t, merged)

	stats, err := w.GC(2, 10)
	require.NoError(t, err)
	require.Zero(t, stats.DeletedChunks, "the previous generation still references the inputs")
	require.Equal(t, 2, stats.RetainedGenerations)
	require.Equal(t, 3, stats.DeletedGenerations)
	for _, c := range inputs {
		require.True(t, fileExists(t, c.Path(w.ChunkDir())))
	}

	stats, err = w.GC(1, 10)
	require.NoError(t, err)
	require.Equal(t, 3, stats.DeletedChunks)
	require.Equal(t, 1, stats.RetainedGenerations)
	for _, c := range inputs {
		require.False(t, fileExists(t, c.Path(w.ChunkDir())))
		e, ok := w.ArtifactIndex().Get(c.SequenceID)
		require.True(t, ok, "deleted chunks stay as tombstones")
		require.Equal(t, artifact.StatusDeleted, e.Status)
	}

	numbers, err := w.store.List()
	require.NoError(t, err)
	require.Equal(t, []uint64{w.Head().Number}, numbers)
}

func TestWriter_GCRespectsSnapshots(t *testing.T) {
	w := openWriter(t, tieredOptions(t, t.TempDir(), 3))
	commitChunks(t, w, 1, 2, 3)

	snap := w.Snapshot()
	pinned := snap.Generation()
	merged, err := w.Merge(0, 0)
	require.NoError(t, err)
	require.True(t, merged)
	commitChunks(t, w, 1)

	stats, err := w.GC(1, 10)
	require.NoError(t, err)
	require.Zero(t, stats.DeletedChunks)
	require.Equal(t, 2, stats.RetainedGenerations)

	var total uint64
	for _, c := range pinned.Chunks {
		recs, err := segment.ReadFile(c.Path(w.ChunkDir()))
		require.NoError(t, err, "snapshot chunks stay readable")
		total += uint64(len(recs))
	}
	require.Equal(t, pinned.RecordCount(), total)

	snap.Release()
	snap.Release()

	stats, err = w.GC(1, 10)
	require.NoError(t, err)
	require.Equal(t, 3, stats.DeletedChunks)
	for _, c := range pinned.Chunks {
		require.False(t, fileExists(t, c.Path(w.ChunkDir())))
	}
	for _, c := range w.Head().Chunks {
		require.True(t, fileExists(t, c.Path(w.ChunkDir())))
	}
}

func TestWriter_GCMaxGenerationsDropsPinnedHistory(t *testing.T) {
	w := openWriter(t, testOptions(t.TempDir()))
	commitChunks(t, w, 1)
	snap := w.Snapshot()
	defer snap.Release()
	commitChunks(t, w, 1, 1, 1)

	stats, err := w.GC(1, 2)
	require.NoError(t, err)
	require.Equal(t, 1, stats.RetainedGenerations)
	require.Equal(t, 4, stats.DeletedGenerations)
	require.Zero(t, stats.DeletedChunks, "the head still lists the pinned chunk")
	require.True(t, fileExists(t, snap.Generation().Chunks[0].Path(w.ChunkDir())))
}

func TestWriter_GCDelay(t *testing.T) {
	clock := newMockTime()
	opts := tieredOptions(t, t.TempDir(), 3)
	opts.Clock = clock
	opts.GCDelay = time.Hour
	w := openWriter(t, opts)
	commitChunks(t, w, 1, 1, 1)
	merged, err := w.Merge(0, 0)
	require.NoError(t, err)
	require.True(t, merged)

	stats, err := w.GC(1, 1)
	require.NoError(t, err)
	require.Zero(t, stats.DeletedChunks)

	clock.Advance(59 * time.Minute)
	stats, err = w.GC(1, 1)
	require.NoError(t, err)
	require.Zero(t, stats.DeletedChunks)

	clock.Advance(time.Minute)
	stats, err = w.GC(1, 1)
	require.NoError(t, err)
	require.Equal(t, 3, stats.DeletedChunks)
}

func TestWriter_GCRemovesUntrackedFiles(t *testing.T) {
	w := openWriter(t, testOptions(t.TempDir()))
	commitChunks(t, w, 2)

	ref, err := segment.Writer{}.WriteFile(w.ChunkDir(), 7, records(0, 1))
	require.NoError(t, err)

	report, err := w.RunConsistencyCheck(false, true)
	require.NoError(t, err)
	require.Equal(t, 1, report.Count(IssueUntrackedFile))
	require.False(t, report.Issues[0].Repaired)

	stats, err := w.GC(2, 10)
	require.NoError(t, err)
	require.Equal(t, 1, stats.UntrackedChunks)
	require.False(t, fileExists(t, ref.Path(w.ChunkDir())))
	require.True(t, fileExists(t, w.Head().Chunks[0].Path(w.ChunkDir())))
}
