package generation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"tabledb/pkg/dberrors"
	"tabledb/pkg/fsutil"
)

const (
	manifestPrefix = "gen-"
	manifestSuffix = ".json"
)

// Store keeps sequentially numbered generation manifests in one directory.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create manifest directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func manifestName(n uint64) string {
	return fmt.Sprintf("%s%020d%s", manifestPrefix, n, manifestSuffix)
}

func parseManifestName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, manifestPrefix) || !strings.HasSuffix(name, manifestSuffix) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, manifestPrefix), manifestSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Write durably persists gen. Once Write returns, a restart recovers gen.
func (s *Store) Write(gen *Generation) error {
	data, err := json.MarshalIndent(gen, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal generation %d: %w", gen.Number, err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(s.dir, manifestName(gen.Number)), data, 0o644); err != nil {
		return fmt.Errorf("failed to write generation %d: %w", gen.Number, err)
	}
	return nil
}

// Load reads generation n.
func (s *Store) Load(n uint64) (*Generation, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, manifestName(n)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: generation %d", dberrors.ErrNotFound, n)
		}
		return nil, fmt.Errorf("failed to read generation %d: %w", n, err)
	}

	var gen Generation
	if err := json.Unmarshal(data, &gen); err != nil {
		return nil, fmt.Errorf("failed to parse generation %d: %w", n, err)
	}
	if gen.Number != n {
		return nil, fmt.Errorf("manifest %s holds generation %d", manifestName(n), gen.Number)
	}
	if err := gen.Validate(); err != nil {
		return nil, err
	}
	return &gen, nil
}

// List returns the numbers of all manifest files in ascending order.
func (s *Store) List() ([]uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list manifests: %w", err)
	}
	var out []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := parseManifestName(e.Name()); ok {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// LoadLatest returns the highest numbered manifest that parses and
// validates. Damaged manifests are skipped. It returns ErrNotFound when the
// directory holds no manifest at all and ErrCorruptSegment when manifests
// exist but none of them is valid.
func (s *Store) LoadLatest() (*Generation, error) {
	numbers, err := s.List()
	if err != nil {
		return nil, err
	}
	for i := len(numbers) - 1; i >= 0; i-- {
		gen, err := s.Load(numbers[i])
		if err != nil {
			slog.Warn("skipping unreadable generation manifest", "dir", s.dir, "generation", numbers[i], "error", err)
			continue
		}
		return gen, nil
	}
	if len(numbers) > 0 {
		return nil, fmt.Errorf("%w: none of the %d generation manifests in %s is valid",
			dberrors.ErrCorruptSegment, len(numbers), s.dir)
	}
	return nil, fmt.Errorf("%w: no generation in %s", dberrors.ErrNotFound, s.dir)
}

// Remove deletes the manifest of generation n.
func (s *Store) Remove(n uint64) error {
	err := os.Remove(filepath.Join(s.dir, manifestName(n)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove generation %d: %w", n, err)
	}
	return nil
}

// Sync flushes directory entries after removals.
func (s *Store) Sync() error {
	return fsutil.SyncDir(s.dir)
}
