package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tabledb/pkg/dberrors"
	"tabledb/pkg/msg"
	"tabledb/pkg/segment"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(&cfg))
}

func TestLoad_MissingFileUsesDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
logger:
  level: WARN
  json: true
db:
  path: /var/lib/tabledb
  replica: r2
  tables:
    - name: metrics
      fields:
        - {id: 1, name: ts, type: int64}
        - {id: 2, name: tags, type: string, repeated: true}
        - id: 3
          name: point
          type: message
          fields:
            - {id: 1, name: x, type: float64}
      summaries: [ts]
  segment:
    compression: snappy
  merge:
    min_group: 3
    steps:
      - {min: 0, max: 1024}
  gc:
    keep_generations: 3
    max_generations: 5
    delay: 2m
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "WARN", cfg.Logger.Level)
	require.True(t, cfg.Logger.JSON)
	require.Equal(t, slog.LevelWarn, cfg.Logger.SlogLevel())
	require.Equal(t, "/var/lib/tabledb", cfg.Path)
	require.Equal(t, "r2", cfg.Replica)
	require.Equal(t, 3, cfg.GC.KeepGenerations)
	require.Equal(t, 2*time.Minute, cfg.GC.Delay)
	// untouched sections keep their defaults
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, Default().Merge.Interval, cfg.Merge.Interval)

	codec, err := cfg.Codec()
	require.NoError(t, err)
	require.Equal(t, segment.CodecSnappy, codec)

	opts := cfg.Merge.PolicyOptions()
	require.Equal(t, 3, opts.MinGroup)
	require.Len(t, opts.Steps, 1)

	require.Len(t, cfg.Tables, 1)
	schema, err := cfg.Tables[0].Schema()
	require.NoError(t, err)
	require.Equal(t, "metrics", schema.Name)
	tags, ok := schema.FieldByName("tags")
	require.True(t, ok)
	require.Equal(t, msg.TypeString, tags.Type)
	require.True(t, tags.Repeated)
	point, ok := schema.FieldByName("point")
	require.True(t, ok)
	require.Equal(t, msg.TypeMessage, point.Type)
	require.NotNil(t, point.Schema)
	require.Len(t, point.Schema.Fields, 1)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad level", func(c *Config) { c.Logger.Level = "TRACE" }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"no tables", func(c *Config) { c.Tables = nil }},
		{"table path", func(c *Config) { c.Tables[0].Name = "a/b" }},
		{"replica path", func(c *Config) { c.Replica = ".." }},
		{"duplicate table", func(c *Config) { c.Tables = append(c.Tables, c.Tables[0]) }},
		{"duplicate field id", func(c *Config) { c.Tables[0].Fields[1].ID = 1 }},
		{"unknown type", func(c *Config) { c.Tables[0].Fields[0].Type = "decimal" }},
		{"message without fields", func(c *Config) {
			c.Tables[0].Fields = append(c.Tables[0].Fields, FieldConfig{ID: 9, Name: "m", Type: "message"})
		}},
		{"codec", func(c *Config) { c.Segment.Compression = "lz4" }},
		{"keep above max", func(c *Config) { c.GC.KeepGenerations = 20 }},
		{"chunk bounds", func(c *Config) { c.Merge.MinChunkSize = c.Merge.MaxChunkSize + 1 }},
		{"dir source without dir", func(c *Config) { c.Replication.Source = "dir" }},
		{"http source without url", func(c *Config) { c.Replication.Source = "http" }},
		{"s3 source without bucket", func(c *Config) { c.Replication.Source = "s3" }},
		{"unknown source", func(c *Config) { c.Replication.Source = "ftp" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			require.ErrorIs(t, Validate(&cfg), dberrors.ErrInvalidArgument)
		})
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "db: [unclosed"))
	require.Error(t, err)
}
