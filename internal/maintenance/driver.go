package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tabledb/pkg/generation"
	"tabledb/pkg/scheduler"
)

type Table interface {
	Name() string
	ArenaSize() uint64
	SubmitCommit() (bool, error)
	SubmitMerge(minMerged, maxMerged uint64) (bool, error)
	SubmitGC(keep, max int) (bool, error)
	Snapshot() *generation.Snapshot
	ChunkDir() string
}

type iExporter interface {
	Export(ctx context.Context, desc generation.Descriptor, chunkDir string) (int, error)
}

type iScheduler interface {
	SubmitUnique(name string, fn scheduler.TaskFunc) (bool, error)
}

type Config struct {
	FlushThreshold uint64
	PollInterval   time.Duration

	MergeInterval time.Duration
	MinChunkSize  uint64
	MaxChunkSize  uint64

	GCInterval      time.Duration
	KeepGenerations int
	MaxGenerations  int
}

var _ scheduler.Job = (*Driver)(nil)

// Driver polls the arenas of its tables and submits commits once they
// pass the flush threshold, plus merges and GC on fixed intervals. It
// never runs maintenance itself; the tables hand the work to the
// scheduler.
type Driver struct {
	cfg    Config
	tables []Table

	// optional head export after each GC round
	exporter  iExporter
	scheduler iScheduler

	wg     sync.WaitGroup
	cancel func()
}

func New(cfg Config, tables ...Table) *Driver {
	return &Driver{cfg: cfg, tables: tables, cancel: func() {}}
}

// WithExport submits an export of every table head after each GC round.
func (d *Driver) WithExport(exporter iExporter, sched iScheduler) *Driver {
	d.exporter = exporter
	d.scheduler = sched
	return d
}

func (d *Driver) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx)
	}()
}

func (d *Driver) Stop() {
	d.cancel()
	d.wg.Wait()
}

func (d *Driver) run(ctx context.Context) {
	poll := time.NewTicker(d.cfg.PollInterval)
	defer poll.Stop()
	merge := time.NewTicker(d.cfg.MergeInterval)
	defer merge.Stop()
	gc := time.NewTicker(d.cfg.GCInterval)
	defer gc.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			d.Poll()
		case <-merge.C:
			d.MergeAll()
		case <-gc.C:
			d.GCAll()
		}
	}
}

// Poll submits a commit for every table whose arena reached the flush
// threshold.
func (d *Driver) Poll() {
	for _, t := range d.tables {
		if t.ArenaSize() < d.cfg.FlushThreshold {
			continue
		}
		if _, err := t.SubmitCommit(); err != nil {
			slog.Warn("failed to submit commit", "table", t.Name(), "error", err)
		}
	}
}

func (d *Driver) MergeAll() {
	for _, t := range d.tables {
		if _, err := t.SubmitMerge(d.cfg.MinChunkSize, d.cfg.MaxChunkSize); err != nil {
			slog.Warn("failed to submit merge", "table", t.Name(), "error", err)
		}
	}
}

func (d *Driver) GCAll() {
	for _, t := range d.tables {
		if _, err := t.SubmitGC(d.cfg.KeepGenerations, d.cfg.MaxGenerations); err != nil {
			slog.Warn("failed to submit gc", "table", t.Name(), "error", err)
		}
		if d.exporter != nil {
			d.submitExport(t)
		}
	}
}

func (d *Driver) submitExport(t Table) {
	_, err := d.scheduler.SubmitUnique(t.Name()+":export", func(ctx context.Context) error {
		// the pin keeps GC away from the chunks while they upload
		snap := t.Snapshot()
		defer snap.Release()
		desc := generation.Descriptor{Generation: snap.Generation()}
		n, err := d.exporter.Export(ctx, desc, t.ChunkDir())
		if err != nil {
			return err
		}
		slog.Info("exported table head", "table", t.Name(), "uploaded_chunks", n)
		return nil
	})
	if err != nil {
		slog.Warn("failed to submit export", "table", t.Name(), "error", err)
	}
}
