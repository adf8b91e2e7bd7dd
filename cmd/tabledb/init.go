package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"tabledb/pkg/compaction"
	"tabledb/pkg/config"
	"tabledb/pkg/metrics"
	"tabledb/pkg/replication"
	"tabledb/pkg/scheduler"
	"tabledb/pkg/table"
)

// initLogger sets up the global slog.Logger (JSON or text).
func initLogger(cfg *config.Config) {
	opts := &slog.HandlerOptions{AddSource: true, Level: cfg.Logger.SlogLevel()}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
}

// openTables opens one writer per configured table. On failure the writers
// opened so far are closed again.
func openTables(cfg *config.Config, sched *scheduler.Scheduler, reg *metrics.Registry) ([]*table.Writer, error) {
	codec, err := cfg.Codec()
	if err != nil {
		return nil, err
	}

	var writers []*table.Writer
	closeAll := func() {
		for _, w := range writers {
			_ = w.Close()
		}
	}

	for _, tc := range cfg.Tables {
		schema, err := tc.Schema()
		if err != nil {
			closeAll()
			return nil, err
		}
		// each table gets its own policy so seeded selection is per table
		policy, err := compaction.NewPolicy(cfg.Merge.PolicyOptions())
		if err != nil {
			closeAll()
			return nil, err
		}
		w, err := table.Open(table.Options{
			Table:       tc.Name,
			Replica:     cfg.Replica,
			Path:        cfg.Path,
			Schema:      schema,
			Scheduler:   sched,
			Codec:       codec,
			MergePolicy: policy,
			GCDelay:     cfg.GC.Delay,
			Metrics:     reg,
			Logger:      slog.Default(),
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to open table %s: %w", tc.Name, err)
		}
		writers = append(writers, w)

		for _, field := range tc.Summaries {
			factory, err := table.FieldRangeSummary(schema, field)
			if err == nil {
				err = w.AddSummary(factory)
			}
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("failed to add summary %s.%s: %w", tc.Name, field, err)
			}
		}
	}
	return writers, nil
}

// initSource builds the bootstrap source named by the replication section,
// or nil when none is configured.
func initSource(ctx context.Context, cfg *config.Config) (replication.Source, error) {
	rc := cfg.Replication
	switch rc.Source {
	case "", "none":
		return nil, nil
	case "dir":
		replica := rc.DirReplica
		if replica == "" {
			replica = cfg.Replica
		}
		return replication.NewDirSource(rc.Dir, replica), nil
	case "http":
		return replication.NewHTTPSource(rc.PeerURL, nil), nil
	case "s3":
		client, err := replication.NewS3Client(ctx, s3Config(rc.S3))
		if err != nil {
			return nil, err
		}
		return replication.NewS3Source(client, rc.S3.Bucket, rc.S3.Prefix), nil
	}
	return nil, fmt.Errorf("unknown replication source %q", rc.Source)
}

func initExporter(ctx context.Context, cfg *config.Config) (*replication.S3Exporter, error) {
	s3cfg := cfg.Replication.S3
	if !s3cfg.Export {
		return nil, nil
	}
	client, err := replication.NewS3Client(ctx, s3Config(s3cfg))
	if err != nil {
		return nil, err
	}
	return replication.NewS3Exporter(client, s3cfg.Bucket, s3cfg.Prefix), nil
}

func s3Config(c config.S3Config) replication.S3Config {
	return replication.S3Config{
		Bucket:          c.Bucket,
		Prefix:          c.Prefix,
		Region:          c.Region,
		Endpoint:        c.Endpoint,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		UsePathStyle:    c.UsePathStyle,
	}
}
