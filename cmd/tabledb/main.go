package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	tablehttp "tabledb/internal/http"
	"tabledb/internal/maintenance"
	"tabledb/pkg/config"
	"tabledb/pkg/dberrors"
	"tabledb/pkg/metrics"
	"tabledb/pkg/replication"
	"tabledb/pkg/scheduler"
	"tabledb/pkg/table"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	bootstrap := flag.Bool("bootstrap", false, "adopt the head of the configured replication source before serving")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	if err := run(ctx, &cfg, *bootstrap); err != nil {
		if errors.Is(err, dberrors.ErrLocked) {
			slog.Error("table replica is owned by another process", "error", err)
		} else {
			slog.Error("tabledb failed", "error", err)
		}
		os.Exit(1)
	}
	slog.Info("tabledb stopped")
}

func run(ctx context.Context, cfg *config.Config, bootstrap bool) error {
	reg := metrics.NewRegistry()
	sched := scheduler.New(scheduler.Config{
		Workers:   cfg.Scheduler.Workers,
		QueueSize: cfg.Scheduler.QueueSize,
	})

	writers, err := openTables(cfg, sched, reg)
	if err != nil {
		return err
	}
	defer func() {
		for _, w := range writers {
			if err := w.Close(); err != nil {
				slog.Warn("failed to close table", "table", w.Name(), "error", err)
			}
		}
	}()

	if bootstrap {
		src, err := initSource(ctx, cfg)
		if err != nil {
			return err
		}
		for _, w := range writers {
			if err := replication.Bootstrap(ctx, w, src); err != nil {
				return err
			}
		}
	}

	sched.Start(ctx)
	defer sched.Stop()

	driver := maintenance.New(maintenance.Config{
		FlushThreshold:  cfg.Arena.FlushThresholdBytes,
		PollInterval:    cfg.Arena.PollInterval,
		MergeInterval:   cfg.Merge.Interval,
		MinChunkSize:    cfg.Merge.MinChunkSize,
		MaxChunkSize:    cfg.Merge.MaxChunkSize,
		GCInterval:      cfg.GC.Interval,
		KeepGenerations: cfg.GC.KeepGenerations,
		MaxGenerations:  cfg.GC.MaxGenerations,
	}, tables(writers)...)
	exporter, err := initExporter(ctx, cfg)
	if err != nil {
		return err
	}
	if exporter != nil {
		driver.WithExport(exporter, sched)
	}
	driver.Start(ctx)
	defer driver.Stop()

	server := tablehttp.NewServer(strconv.Itoa(cfg.Server.Port), reg, httpTables(writers)...)
	server.SetReadHeaderTimeout(cfg.Server.ReadHeaderTimeout)
	if err := server.Start(); err != nil {
		return err
	}
	slog.Info("tabledb started", "tables", len(writers), "replica", cfg.Replica, "path", cfg.Path)

	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Warn("error stopping server", "error", err)
	}
	return nil
}

func tables(writers []*table.Writer) []maintenance.Table {
	out := make([]maintenance.Table, 0, len(writers))
	for _, w := range writers {
		out = append(out, w)
	}
	return out
}

func httpTables(writers []*table.Writer) []tablehttp.Table {
	out := make([]tablehttp.Table, 0, len(writers))
	for _, w := range writers {
		out = append(out, w)
	}
	return out
}
