package compaction

import (
	"os"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"tabledb/pkg/dberrors"
	"tabledb/pkg/msg"
	"tabledb/pkg/segment"
)

func writeChunk(t *testing.T, dir string, seq uint64, first, n int) segment.Ref {
	t.Helper()
	records := make([]msg.Object, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, msg.NewObject(msg.F(1, msg.Int64(int64(first+i)))))
	}
	ref, err := segment.Writer{Codec: segment.CodecSnappy}.WriteFile(dir, seq, records)
	require.NoError(t, err)
	return ref
}

func TestSegmentMerge_Concatenates(t *testing.T) {
	dir := t.TempDir()
	inputs := []segment.Ref{
		writeChunk(t, dir, 0, 0, 3),
		writeChunk(t, dir, 1, 3, 4),
		writeChunk(t, dir, 2, 7, 5),
	}

	visited := 0
	m := &SegmentMerge{
		Dir:    dir,
		Inputs: inputs,
		Output: segment.Ref{SequenceID: 9},
		Writer: segment.Writer{Codec: segment.CodecZstd},
		Visit: func(msg.Object) error {
			visited++
			return nil
		},
	}
	out, err := m.Merge()
	require.NoError(t, err)
	require.Equal(t, uint64(9), out.SequenceID)
	require.Equal(t, uint64(12), out.RecordCount)
	require.Equal(t, 12, visited)

	records, err := segment.ReadFile(out.Path(dir))
	require.NoError(t, err)
	for i, rec := range records {
		v, _ := rec.Get(1)
		require.Equal(t, int64(i), v.Int64)
	}
}

func TestSegmentMerge_CorruptInputLeavesNoOutput(t *testing.T) {
	dir := t.TempDir()
	a := writeChunk(t, dir, 0, 0, 3)
	b := writeChunk(t, dir, 1, 3, 3)

	data, err := os.ReadFile(b.Path(dir))
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(b.Path(dir), data, 0o644))

	m := &SegmentMerge{Dir: dir, Inputs: []segment.Ref{a, b}, Output: segment.Ref{SequenceID: 2}}
	_, err = m.Merge()
	require.ErrorIs(t, err, dberrors.ErrChecksumMismatch)

	_, err = os.Stat(segment.Ref{Filename: segment.FileName(2)}.Path(dir))
	require.True(t, os.IsNotExist(err))

	require.NoError(t, os.Remove(b.Path(dir)))
	_, err = m.Merge()
	require.Error(t, err)
}

func TestSegmentMerge_PreservesCountAndOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20

	properties := gopter.NewProperties(parameters)
	properties.Property("output is the concatenation of inputs", prop.ForAll(
		func(sizes []int) bool {
			dir := t.TempDir()
			var (
				inputs []segment.Ref
				total  int
			)
			for i, n := range sizes {
				inputs = append(inputs, writeChunk(t, dir, uint64(i), total, n))
				total += n
			}
			m := &SegmentMerge{Dir: dir, Inputs: inputs, Output: segment.Ref{SequenceID: uint64(len(sizes))}}
			out, err := m.Merge()
			if err != nil || out.RecordCount != uint64(total) || out.RecordCount != segment.TotalRecords(inputs) {
				return false
			}
			records, err := segment.ReadFile(out.Path(dir))
			if err != nil || len(records) != total {
				return false
			}
			for i, rec := range records {
				if v, _ := rec.Get(1); v.Int64 != int64(i) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(4, gen.IntRange(0, 30)).SuchThat(func(s []int) bool { return len(s) > 0 }),
	))
	properties.TestingRun(t)
}
