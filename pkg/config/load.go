package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"

	"tabledb/pkg/compaction"
	"tabledb/pkg/dberrors"
	"tabledb/pkg/msg"
	"tabledb/pkg/segment"
)

var validate = validator.New()

// Load reads a YAML config over Default(). A missing file yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	// a file that sets tables replaces the default table list
	cfg.Tables = nil
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks struct tags and the cross-field rules tags cannot
// express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("%w: config field %s failed on %q", dberrors.ErrInvalidArgument, e.Namespace(), e.Tag())
		}
		return fmt.Errorf("%w: %v", dberrors.ErrInvalidArgument, err)
	}

	if !validName(cfg.Replica) {
		return fmt.Errorf("%w: replica %q is not a valid directory name", dberrors.ErrInvalidArgument, cfg.Replica)
	}
	seen := make(map[string]struct{}, len(cfg.Tables))
	for _, tc := range cfg.Tables {
		if !validName(tc.Name) {
			return fmt.Errorf("%w: table %q is not a valid directory name", dberrors.ErrInvalidArgument, tc.Name)
		}
		if _, dup := seen[tc.Name]; dup {
			return fmt.Errorf("%w: duplicate table %q", dberrors.ErrInvalidArgument, tc.Name)
		}
		seen[tc.Name] = struct{}{}
		if _, err := tc.Schema(); err != nil {
			return err
		}
	}
	if _, err := cfg.Codec(); err != nil {
		return fmt.Errorf("%w: %v", dberrors.ErrInvalidArgument, err)
	}
	if cfg.Replication.Source == "s3" && cfg.Replication.S3.Bucket == "" {
		return fmt.Errorf("%w: s3 replication needs a bucket", dberrors.ErrInvalidArgument)
	}
	return nil
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && filepath.Base(name) == name
}

// Schema converts the configured fields into a record schema.
func (tc TableConfig) Schema() (*msg.Schema, error) {
	fields, err := fieldDefs(tc.Name, tc.Fields)
	if err != nil {
		return nil, err
	}
	s := &msg.Schema{Name: tc.Name, Fields: fields}
	if err := s.Check(); err != nil {
		return nil, err
	}
	return s, nil
}

func fieldDefs(owner string, fields []FieldConfig) ([]msg.FieldDef, error) {
	defs := make([]msg.FieldDef, 0, len(fields))
	for _, f := range fields {
		typ, err := msg.ParseType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", dberrors.ErrInvalidArgument, owner, f.Name, err)
		}
		def := msg.FieldDef{
			ID:       f.ID,
			Name:     f.Name,
			Type:     typ,
			Repeated: f.Repeated,
			Optional: f.Optional,
		}
		if typ == msg.TypeMessage {
			nested, err := fieldDefs(owner+"."+f.Name, f.Fields)
			if err != nil {
				return nil, err
			}
			def.Schema = &msg.Schema{Name: f.Name, Fields: nested}
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (cfg *Config) Codec() (segment.Codec, error) {
	return segment.ParseCodec(cfg.Segment.Compression)
}

// PolicyOptions maps the merge section onto the merge policy.
func (m MergeConfig) PolicyOptions() compaction.PolicyOptions {
	return compaction.PolicyOptions{
		Steps:        m.Steps,
		MinGroup:     m.MinGroup,
		RandomOffset: m.RandomOffset,
		Seed:         m.Seed,
	}
}

// SlogLevel maps the configured level name onto slog.
func (l LoggerConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}
