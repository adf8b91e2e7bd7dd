package table

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tabledb/pkg/msg"
	"tabledb/pkg/scheduler"
)

func TestWriter_FieldRangeSummaries(t *testing.T) {
	w := openWriter(t, tieredOptions(t, t.TempDir(), 2))
	factory, err := FieldRangeSummary(testSchema, "id")
	require.NoError(t, err)
	require.NoError(t, w.AddSummary(factory))

	commitChunks(t, w, 3, 4)
	r, err := w.ReadFieldRange(1, "id")
	require.NoError(t, err)
	require.Equal(t, FieldRange{Field: "id", Records: 4, Present: 4, Min: 3, Max: 6}, r)

	merged, err := w.Merge(0, 0)
	require.NoError(t, err)
	require.True(t, merged)
	r, err = w.ReadFieldRange(2, "id")
	require.NoError(t, err)
	require.Equal(t, uint64(7), r.Records)
	require.Equal(t, float64(0), r.Min)
	require.Equal(t, float64(6), r.Max)

	_, err = w.GC(1, 1)
	require.NoError(t, err)
	_, err = w.ReadFieldRange(0, "id")
	require.True(t, os.IsNotExist(err), "summaries go with their chunk")
}

type rejectingSummary struct{}

func (rejectingSummary) Name() string            { return "reject" }
func (rejectingSummary) Add(msg.Object) error    { return errors.New("unsupported record") }
func (rejectingSummary) Encode() ([]byte, error) { return []byte("{}"), nil }

func TestWriter_SummaryRejectionsAreLogged(t *testing.T) {
	root := t.TempDir()
	src := openWriter(t, testOptions(root))
	commitChunks(t, src, 2, 3)

	var logs bytes.Buffer
	opts := tieredOptions(t, root, 2)
	opts.Replica = "r2"
	opts.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	dst := openWriter(t, opts)
	require.NoError(t, dst.AddSummary(func() SummaryBuilder { return rejectingSummary{} }))

	// replicated chunks 0 and 1
	require.NoError(t, dst.ReplicateFrom(context.Background(), src.Descriptor("r1"), &dirFetcher{dir: src.ChunkDir()}))
	// merge output 2
	merged, err := dst.Merge(0, 0)
	require.NoError(t, err)
	require.True(t, merged)
	// committed chunk 3
	commitChunks(t, dst, 1)

	for seq := 0; seq <= 3; seq++ {
		require.Contains(t, logs.String(), fmt.Sprintf("summary=reject seq=%d", seq))
	}
	require.Equal(t, 2+3+5+1, strings.Count(logs.String(), `msg="summary rejected record"`))
}

func TestFieldRangeSummary_Rejects(t *testing.T) {
	schema := &msg.Schema{Name: "s", Fields: []msg.FieldDef{
		{ID: 1, Name: "label", Type: msg.TypeString},
		{ID: 2, Name: "tags", Type: msg.TypeInt64, Repeated: true},
	}}
	_, err := FieldRangeSummary(schema, "missing")
	require.Error(t, err)
	_, err = FieldRangeSummary(schema, "label")
	require.Error(t, err)
	_, err = FieldRangeSummary(schema, "tags")
	require.Error(t, err)
}

func TestWriter_SubmitTasks(t *testing.T) {
	sched := scheduler.New(scheduler.Config{Workers: 1, QueueSize: 8})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	opts := tieredOptions(t, t.TempDir(), 2)
	opts.Scheduler = sched
	w := openWriter(t, opts)

	for i := 0; i < 2; i++ {
		require.NoError(t, w.AddRecords(records(i*10, 5)))
		_, err := w.SubmitCommit()
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return len(w.Head().Chunks) == i+1
		}, 5*time.Second, 10*time.Millisecond)
	}

	_, err := w.SubmitMerge(0, 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(w.Head().Chunks) == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err = w.SubmitGC(1, 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		files, err := w.chunkFiles()
		return err == nil && len(files) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, uint64(10), w.Head().RecordCount())
}

func TestWriter_SubmitWithoutScheduler(t *testing.T) {
	w := openWriter(t, testOptions(t.TempDir()))
	_, err := w.SubmitCommit()
	require.Error(t, err)
}
