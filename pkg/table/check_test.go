package table

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"tabledb/pkg/artifact"
	"tabledb/pkg/segment"
)

func TestWriter_ConsistencyCheckClean(t *testing.T) {
	w := openWriter(t, tieredOptions(t, t.TempDir(), 3))
	commitChunks(t, w, 1, 2, 3)
	_, err := w.Merge(0, 0)
	require.NoError(t, err)
	commitChunks(t, w, 4)

	report, err := w.RunConsistencyCheck(true, false)
	require.NoError(t, err)
	require.True(t, report.OK(), "%+v", report.Issues)
	require.Equal(t, 2, report.CheckedChunks)
	require.Equal(t, w.Head().Number, report.Generation)
}

func TestWriter_ConsistencyRepairFixesMetadataOnly(t *testing.T) {
	w := openWriter(t, testOptions(t.TempDir()))
	commitChunks(t, w, 2, 3)
	head := w.Head()

	require.NoError(t, w.ArtifactIndex().SetStatus(0, artifact.StatusDeleting))
	require.NoError(t, os.Remove(head.Chunks[1].Path(w.ChunkDir())))

	report, err := w.RunConsistencyCheck(false, true)
	require.NoError(t, err)
	require.Equal(t, 1, report.Count(IssueIndexStatus))
	require.Equal(t, 1, report.Count(IssueMissingChunk))
	for _, is := range report.Issues {
		require.Equal(t, !is.Kind.DataLoss(), is.Repaired, "%+v", is)
	}

	e, ok := w.ArtifactIndex().Get(0)
	require.True(t, ok)
	require.Equal(t, artifact.StatusActive, e.Status)

	report, err = w.RunConsistencyCheck(false, true)
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	require.Equal(t, IssueMissingChunk, report.Issues[0].Kind)
	require.Len(t, report.Unrepaired(), 1)
	_, err = os.Stat(head.Chunks[1].Path(w.ChunkDir()))
	require.True(t, os.IsNotExist(err), "lost data is never recreated")
}

func TestWriter_ConsistencyChecksums(t *testing.T) {
	w := openWriter(t, testOptions(t.TempDir()))
	commitChunks(t, w, 5)
	path := w.Head().Chunks[0].Path(w.ChunkDir())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-9] ^= 0x80
	require.NoError(t, os.WriteFile(path, data, 0o644))

	report, err := w.RunConsistencyCheck(false, false)
	require.NoError(t, err)
	require.True(t, report.OK(), "size alone looks fine")

	report, err = w.RunConsistencyCheck(true, true)
	require.NoError(t, err)
	require.Equal(t, 1, report.Count(IssueChecksumMismatch))
	require.False(t, report.Issues[0].Repaired)

	require.NoError(t, os.WriteFile(path, data[:len(data)-1], 0o644))
	report, err = w.RunConsistencyCheck(false, false)
	require.NoError(t, err)
	require.Equal(t, 1, report.Count(IssueSizeMismatch))
}

func TestWriter_ConsistencyIndexLifecycle(t *testing.T) {
	w := openWriter(t, tieredOptions(t, t.TempDir(), 2))
	commitChunks(t, w, 1, 1)
	merged, err := w.Merge(0, 0)
	require.NoError(t, err)
	require.True(t, merged)
	idx := w.ArtifactIndex()

	// input 0 vanished while Deleting, input 1 was marked Deleted with its
	// file still present, and the index lost the head chunk
	require.NoError(t, os.Remove(filepath.Join(w.ChunkDir(), segment.FileName(0))))
	require.NoError(t, idx.SetStatus(1, artifact.StatusDeleted))
	idx.Remove(2)

	report, err := w.RunConsistencyCheck(false, true)
	require.NoError(t, err)
	require.Equal(t, 1, report.Count(IssueDeletingFileMissing))
	require.Equal(t, 1, report.Count(IssueDeletedFilePresent))
	require.Equal(t, 1, report.Count(IssueIndexMissing))
	require.Empty(t, report.Unrepaired())

	require.NoError(t, idx.Reload())
	e, _ := idx.Get(0)
	require.Equal(t, artifact.StatusDeleted, e.Status)
	e, _ = idx.Get(1)
	require.Equal(t, artifact.StatusDeleting, e.Status)
	e, ok := idx.Get(2)
	require.True(t, ok, "repairs are persisted")
	require.Equal(t, artifact.StatusActive, e.Status)

	report, err = w.RunConsistencyCheck(true, false)
	require.NoError(t, err)
	require.True(t, report.OK(), "%+v", report.Issues)
}
