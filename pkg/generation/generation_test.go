package generation

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tabledb/pkg/dberrors"
	"tabledb/pkg/segment"
)

var now = time.Unix(1700000000, 0).UTC()

func chunk(seq, records uint64) segment.Ref {
	return segment.Ref{
		SequenceID:  seq,
		Filename:    segment.FileName(seq),
		ByteSize:    records * 10,
		RecordCount: records,
		Checksum:    seq + 1,
	}
}

func TestGeneration_Successors(t *testing.T) {
	g0 := Initial("events", "r1", now)
	require.Equal(t, uint64(0), g0.Number)
	require.Empty(t, g0.Chunks)

	g1 := g0.WithAppended(chunk(0, 3), 1, now)
	g2 := g1.WithAppended(chunk(1, 4), 2, now)
	g3 := g2.WithAppended(chunk(2, 5), 3, now)

	require.Equal(t, uint64(3), g3.Number)
	require.Equal(t, uint64(2), g3.Parent)
	require.Equal(t, uint64(12), g3.RecordCount())
	require.Len(t, g1.Chunks, 1, "predecessors are never modified")

	merged, err := g3.Replace([]segment.Ref{chunk(0, 3), chunk(1, 4)}, chunk(3, 7), 4, now)
	require.NoError(t, err)
	require.Equal(t, []uint64{3, 2}, seqs(merged))
	require.Equal(t, g3.RecordCount(), merged.RecordCount())

	_, err = g3.Replace([]segment.Ref{chunk(0, 3), chunk(2, 5)}, chunk(3, 8), 4, now)
	require.Error(t, err, "non-contiguous run")
	_, err = merged.Replace([]segment.Ref{chunk(0, 3)}, chunk(4, 3), 5, now)
	require.Error(t, err, "input already gone")

	require.True(t, merged.Contains(3))
	require.False(t, merged.Contains(0))
	max, ok := merged.MaxChunkSequence()
	require.True(t, ok)
	require.Equal(t, uint64(3), max)
}

func TestGeneration_HeadSequenceNeverDecreases(t *testing.T) {
	g := Initial("t", "r", now).WithAppended(chunk(5, 1), 6, now)
	next := g.Successor(g.Chunks, 2, now)
	require.Equal(t, uint64(6), next.HeadSequence)
}

func TestGeneration_Validate(t *testing.T) {
	g := Initial("t", "r", now).WithAppended(chunk(0, 1), 1, now)
	require.NoError(t, g.Validate())

	dup := g.WithAppended(chunk(0, 1), 2, now)
	require.Error(t, dup.Validate())

	bad := g.WithAppended(chunk(7, 1), 3, now)
	require.Error(t, bad.Validate(), "chunk id above head sequence")
}

func seqs(g *Generation) []uint64 {
	out := make([]uint64, 0, len(g.Chunks))
	for _, c := range g.Chunks {
		out = append(out, c.SequenceID)
	}
	return out
}

func TestStore_WriteLoadLatest(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "generations")
	s, err := NewStore(dir)
	require.NoError(t, err)

	_, err = s.LoadLatest()
	require.ErrorIs(t, err, dberrors.ErrNotFound)

	g0 := Initial("t", "r", now)
	g1 := g0.WithAppended(chunk(0, 3), 1, now)
	g2 := g1.WithAppended(chunk(1, 2), 2, now)
	for _, g := range []*Generation{g0, g1, g2} {
		require.NoError(t, s.Write(g))
	}

	latest, err := s.LoadLatest()
	require.NoError(t, err)
	require.Equal(t, uint64(2), latest.Number)
	require.Equal(t, []uint64{0, 1}, seqs(latest))
	require.True(t, latest.CreatedAt.Equal(now))

	// a torn manifest is skipped in favour of its predecessor
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestName(3)), []byte(`{"number": 3, "chu`), 0o644))
	latest, err = s.LoadLatest()
	require.NoError(t, err)
	require.Equal(t, uint64(2), latest.Number)

	numbers, err := s.List()
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 1, 2, 3}, numbers)

	require.NoError(t, s.Remove(3))
	require.NoError(t, s.Remove(3), "removing twice is fine")
	_, err = s.Load(3)
	require.True(t, errors.Is(err, dberrors.ErrNotFound))
}

func TestStore_LoadLatestAllDamaged(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "generations")
	s, err := NewStore(dir)
	require.NoError(t, err)

	g0 := Initial("t", "r", now)
	require.NoError(t, s.Write(g0))
	require.NoError(t, s.Write(g0.WithAppended(chunk(0, 3), 1, now)))
	for _, n := range []uint64{0, 1} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, manifestName(n)), []byte("garbage"), 0o644))
	}

	_, err = s.LoadLatest()
	require.ErrorIs(t, err, dberrors.ErrCorruptSegment)
	require.False(t, errors.Is(err, dberrors.ErrNotFound))
}

func TestRegistry_PublishCAS(t *testing.T) {
	g0 := Initial("t", "r", now)
	r := NewRegistry(g0)

	g1 := g0.WithAppended(chunk(0, 1), 1, now)
	require.NoError(t, r.Publish(g0, g1))
	require.Same(t, g1, r.Head())

	stale := g0.WithAppended(chunk(1, 1), 2, now)
	require.ErrorIs(t, r.Publish(g0, stale), ErrHeadMoved)
	require.Same(t, g1, r.Head())
}

func TestRegistry_Snapshots(t *testing.T) {
	g0 := Initial("t", "r", now)
	r := NewRegistry(g0)

	s1 := r.Acquire()
	s2 := r.Acquire()
	require.Same(t, g0, s1.Generation())
	require.Equal(t, 2, r.Refs(0))

	g1 := g0.WithAppended(chunk(0, 1), 1, now)
	require.NoError(t, r.Publish(g0, g1))
	require.Same(t, g0, s1.Generation(), "snapshot keeps its generation after publish")

	s3 := r.Acquire()
	require.Equal(t, []uint64{0, 1}, pinnedNumbers(r))

	s1.Release()
	s1.Release()
	require.Equal(t, 1, r.Refs(0), "release is idempotent")
	s2.Release()
	require.False(t, r.IsPinned(0))
	require.Equal(t, []uint64{1}, pinnedNumbers(r))

	s3.Release()
	require.Empty(t, r.Pinned())
}

func TestRegistry_ConcurrentAcquireRelease(t *testing.T) {
	r := NewRegistry(Initial("t", "r", now))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s := r.Acquire()
				s.Release()
			}
		}()
	}
	wg.Wait()
	require.Empty(t, r.Pinned())
}

func pinnedNumbers(r *Registry) []uint64 {
	var out []uint64
	for _, g := range r.Pinned() {
		out = append(out, g.Number)
	}
	return out
}

func TestDescriptor_Validate(t *testing.T) {
	g := Initial("events", "r1", now).WithAppended(chunk(0, 1), 1, now)
	require.NoError(t, Descriptor{Source: "peer", Generation: g}.Validate("events"))
	require.ErrorIs(t, Descriptor{}.Validate("events"), dberrors.ErrInvalidArgument)
	require.ErrorIs(t, Descriptor{Generation: g}.Validate("other"), dberrors.ErrInvalidArgument)
}
