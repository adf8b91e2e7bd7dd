package config

import (
	"time"

	"tabledb/pkg/compaction"
)

// Config is the root of the daemon configuration.
// yaml and validate tags drive parsing and validation.
type Config struct {
	Logger LoggerConfig `yaml:"logger" validate:"required"`
	Server ServerConfig `yaml:"http-server" validate:"required"`
	DB     `yaml:"db" validate:"required"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"required,gt=0"`
}

type DB struct {
	Path        string            `yaml:"path" validate:"required"`
	Replica     string            `yaml:"replica" validate:"required"`
	Tables      []TableConfig     `yaml:"tables" validate:"required,min=1,dive"`
	Arena       ArenaConfig       `yaml:"arena" validate:"required"`
	Segment     SegmentConfig     `yaml:"segment"`
	Merge       MergeConfig       `yaml:"merge" validate:"required"`
	GC          GCConfig          `yaml:"gc" validate:"required"`
	Scheduler   SchedulerConfig   `yaml:"scheduler" validate:"required"`
	Replication ReplicationConfig `yaml:"replication"`
}

type TableConfig struct {
	Name   string        `yaml:"name" validate:"required"`
	Fields []FieldConfig `yaml:"fields" validate:"required,min=1,dive"`
	// Summaries lists numeric fields that get a per-chunk min/max summary.
	Summaries []string `yaml:"summaries"`
}

type FieldConfig struct {
	ID       uint32        `yaml:"id" validate:"required"`
	Name     string        `yaml:"name" validate:"required"`
	Type     string        `yaml:"type" validate:"required,oneof=int32 int64 uint64 float32 float64 bool string bytes message"`
	Repeated bool          `yaml:"repeated"`
	Optional bool          `yaml:"optional"`
	Fields   []FieldConfig `yaml:"fields" validate:"required_if=Type message,dive"`
}

type ArenaConfig struct {
	FlushThresholdBytes uint64        `yaml:"flush_threshold" validate:"required,min=1"`
	PollInterval        time.Duration `yaml:"poll_interval" validate:"required,gt=0"`
}

type SegmentConfig struct {
	Compression string `yaml:"compression" validate:"omitempty,oneof=none snappy zstd"`
}

type MergeConfig struct {
	Interval     time.Duration     `yaml:"interval" validate:"required,gt=0"`
	MinChunkSize uint64            `yaml:"min_chunk_size"`
	MaxChunkSize uint64            `yaml:"max_chunk_size" validate:"required,gtefield=MinChunkSize"`
	MinGroup     int               `yaml:"min_group" validate:"min=0"`
	RandomOffset int               `yaml:"random_offset" validate:"min=0"`
	Seed         uint64            `yaml:"seed"`
	Steps        []compaction.Step `yaml:"steps" validate:"dive"`
}

type GCConfig struct {
	Interval        time.Duration `yaml:"interval" validate:"required,gt=0"`
	KeepGenerations int           `yaml:"keep_generations" validate:"required,min=1"`
	MaxGenerations  int           `yaml:"max_generations" validate:"required,gtefield=KeepGenerations"`
	Delay           time.Duration `yaml:"delay" validate:"min=0"`
}

type SchedulerConfig struct {
	Workers   int `yaml:"workers" validate:"required,min=1"`
	QueueSize int `yaml:"queue_size" validate:"required,min=1"`
}

type ReplicationConfig struct {
	Source string `yaml:"source" validate:"omitempty,oneof=none dir http s3"`
	// Dir is the database root of the source replica for the dir source.
	Dir        string   `yaml:"dir" validate:"required_if=Source dir"`
	DirReplica string   `yaml:"dir_replica"`
	PeerURL    string   `yaml:"peer_url" validate:"required_if=Source http"`
	S3         S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	// Export uploads every table head to the bucket after each GC cycle.
	Export bool `yaml:"export"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		DB: DB{
			Path:    "./data",
			Replica: "r1",
			Tables: []TableConfig{
				{
					Name: "events",
					Fields: []FieldConfig{
						{ID: 1, Name: "id", Type: "int64"},
						{ID: 2, Name: "kind", Type: "string", Optional: true},
						{ID: 3, Name: "value", Type: "float64", Optional: true},
					},
					Summaries: []string{"id"},
				},
			},
			Arena: ArenaConfig{
				FlushThresholdBytes: 4 * compaction.MB,
				PollInterval:        time.Second,
			},
			Segment: SegmentConfig{
				Compression: "zstd",
			},
			Merge: MergeConfig{
				Interval:     10 * time.Second,
				MinChunkSize: 0,
				MaxChunkSize: 512 * compaction.MB,
				MinGroup:     4,
			},
			GC: GCConfig{
				Interval:        30 * time.Second,
				KeepGenerations: 2,
				MaxGenerations:  10,
				Delay:           time.Minute,
			},
			Scheduler: SchedulerConfig{
				Workers:   2,
				QueueSize: 64,
			},
			Replication: ReplicationConfig{
				Source: "none",
			},
		},
	}
}
