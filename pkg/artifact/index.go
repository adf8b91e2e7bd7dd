package artifact

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"tabledb/pkg/dberrors"
	"tabledb/pkg/fsutil"
	"tabledb/pkg/segment"
)

// FileName of the index inside a table replica directory.
const FileName = "ARTIFACTS"

type Status uint8

const (
	StatusActive Status = iota + 1
	StatusDeleting
	StatusDeleted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusDeleting:
		return "deleting"
	case StatusDeleted:
		return "deleted"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "active":
		*s = StatusActive
	case "deleting":
		*s = StatusDeleting
	case "deleted":
		*s = StatusDeleted
	default:
		return fmt.Errorf("unknown artifact status %q", b)
	}
	return nil
}

// Entry is the durable record of one chunk artifact.
type Entry struct {
	Ref       segment.Ref `json:"ref"`
	Status    Status      `json:"status"`
	UpdatedAt time.Time   `json:"updated_at"`
}

type iTimeProvider interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Index maps chunk sequence ids to their reference and lifecycle status.
// Mutations stay in memory until Persist.
type Index struct {
	mu      sync.RWMutex
	path    string
	clock   iTimeProvider
	entries map[uint64]Entry
}

// Open loads the index at path. A missing file yields an empty index.
func Open(path string, clock iTimeProvider) (*Index, error) {
	if clock == nil {
		clock = systemClock{}
	}
	idx := &Index{
		path:    path,
		clock:   clock,
		entries: make(map[uint64]Entry),
	}
	if err := idx.Reload(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) Path() string {
	return idx.path
}

// AddChunk registers ref with status. Re-adding an id is allowed only for
// the same artifact.
func (idx *Index) AddChunk(ref segment.Ref, status Status) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if prev, ok := idx.entries[ref.SequenceID]; ok && prev.Ref != ref {
		return fmt.Errorf("%w: chunk %d already registered as %s", dberrors.ErrInvalidArgument, ref.SequenceID, prev.Ref)
	}
	idx.entries[ref.SequenceID] = Entry{Ref: ref, Status: status, UpdatedAt: idx.clock.Now()}
	return nil
}

// SetStatus moves chunk seq to status.
func (idx *Index) SetStatus(seq uint64, status Status) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.entries[seq]
	if !ok {
		return fmt.Errorf("%w: chunk %d", dberrors.ErrNotFound, seq)
	}
	if e.Status != status {
		e.Status = status
		e.UpdatedAt = idx.clock.Now()
		idx.entries[seq] = e
	}
	return nil
}

// Put stores e verbatim, replacing any entry with the same id. It is used
// to roll back changes that were never published.
func (idx *Index) Put(e Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries[e.Ref.SequenceID] = e
}

// Remove forgets chunk seq entirely.
func (idx *Index) Remove(seq uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.entries, seq)
}

func (idx *Index) Get(seq uint64) (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[seq]
	return e, ok
}

// ListChunks returns entries in ascending sequence order, restricted to the
// given statuses when any are passed.
func (idx *Index) ListChunks(filter ...Status) []Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]Entry, 0, len(idx.entries))
	for _, e := range idx.entries {
		if len(filter) > 0 && !hasStatus(filter, e.Status) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.SequenceID < out[j].Ref.SequenceID })
	return out
}

func hasStatus(set []Status, s Status) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

// MaxSequence returns the highest id ever registered.
func (idx *Index) MaxSequence() (uint64, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var (
		max   uint64
		found bool
	)
	for seq := range idx.entries {
		if !found || seq > max {
			max, found = seq, true
		}
	}
	return max, found
}

func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Persist atomically replaces the index file with the in-memory state.
func (idx *Index) Persist() error {
	idx.mu.RLock()
	data, err := encodeEntries(idx.entries)
	idx.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(idx.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to persist artifact index: %w", err)
	}
	return nil
}

// Reload replaces the in-memory state with the index file contents.
func (idx *Index) Reload() error {
	data, err := os.ReadFile(idx.path)
	if err != nil {
		if os.IsNotExist(err) {
			idx.mu.Lock()
			idx.entries = make(map[uint64]Entry)
			idx.mu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to read artifact index: %w", err)
	}

	entries, err := decodeEntries(data)
	if err != nil {
		return fmt.Errorf("failed to load artifact index %s: %w", idx.path, err)
	}

	idx.mu.Lock()
	idx.entries = entries
	idx.mu.Unlock()
	return nil
}
