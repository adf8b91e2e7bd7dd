package generation

import (
	"errors"
	"sync"

	"github.com/zhangyunhao116/skipmap"
)

// ErrHeadMoved is returned by Publish when the head is no longer the
// generation the caller derived its successor from.
var ErrHeadMoved = errors.New("generation head moved")

type pin struct {
	gen  *Generation
	refs int
}

type pinSet = skipmap.FuncMap[uint64, *pin]

// Registry owns the head pointer and counts live snapshots per generation.
type Registry struct {
	headMu sync.RWMutex
	head   *Generation

	pinMu sync.Mutex
	pins  *pinSet
}

func NewRegistry(head *Generation) *Registry {
	return &Registry{
		head: head,
		pins: skipmap.NewFunc[uint64, *pin](func(a, b uint64) bool {
			return a < b
		}),
	}
}

// Head returns the current generation.
func (r *Registry) Head() *Generation {
	r.headMu.RLock()
	defer r.headMu.RUnlock()
	return r.head
}

// Publish swaps the head from prev to next. It fails with ErrHeadMoved when
// another publish happened since prev was read.
func (r *Registry) Publish(prev, next *Generation) error {
	r.headMu.Lock()
	defer r.headMu.Unlock()
	if r.head != prev {
		return ErrHeadMoved
	}
	r.head = next
	return nil
}

// Acquire returns a snapshot of the current head. The generation stays
// pinned until the snapshot is released.
func (r *Registry) Acquire() *Snapshot {
	r.headMu.RLock()
	gen := r.head
	r.pin(gen)
	r.headMu.RUnlock()
	return &Snapshot{gen: gen, registry: r}
}

func (r *Registry) pin(gen *Generation) {
	r.pinMu.Lock()
	defer r.pinMu.Unlock()
	if p, ok := r.pins.Load(gen.Number); ok {
		p.refs++
		return
	}
	r.pins.Store(gen.Number, &pin{gen: gen, refs: 1})
}

func (r *Registry) unpin(number uint64) {
	r.pinMu.Lock()
	defer r.pinMu.Unlock()
	p, ok := r.pins.Load(number)
	if !ok {
		return
	}
	p.refs--
	if p.refs <= 0 {
		r.pins.Delete(number)
	}
}

// Pinned returns the generations held by live snapshots, oldest first.
func (r *Registry) Pinned() []*Generation {
	r.pinMu.Lock()
	defer r.pinMu.Unlock()
	out := make([]*Generation, 0, r.pins.Len())
	r.pins.Range(func(_ uint64, p *pin) bool {
		out = append(out, p.gen)
		return true
	})
	return out
}

// IsPinned reports whether generation number has a live snapshot.
func (r *Registry) IsPinned(number uint64) bool {
	_, ok := r.pins.Load(number)
	return ok
}

// Refs returns the live snapshot count of generation number.
func (r *Registry) Refs(number uint64) int {
	r.pinMu.Lock()
	defer r.pinMu.Unlock()
	if p, ok := r.pins.Load(number); ok {
		return p.refs
	}
	return 0
}

// Snapshot is a read-only handle onto one generation.
type Snapshot struct {
	gen      *Generation
	registry *Registry
	once     sync.Once
}

func (s *Snapshot) Generation() *Generation {
	return s.gen
}

// Release drops the handle. Calling it more than once is a no-op.
func (s *Snapshot) Release() {
	s.once.Do(func() {
		s.registry.unpin(s.gen.Number)
	})
}
