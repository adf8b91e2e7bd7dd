package clock

import "sync/atomic"

// Sequence hands out chunk sequence ids. Ids are never handed out twice,
// even when the counter is raised concurrently by AdvanceTo.
type Sequence struct {
	next atomic.Uint64
}

// NewSequence returns a sequence whose first Next() call yields init.
func NewSequence(init uint64) *Sequence {
	var s Sequence
	s.next.Store(init)
	return &s
}

// Peek returns the id the next call to Next will produce.
func (s *Sequence) Peek() uint64 {
	return s.next.Load()
}

// Next reserves and returns the next id.
func (s *Sequence) Next() uint64 {
	return s.next.Add(1) - 1
}

// AdvanceTo raises the counter so that every future id is >= min.
// It never moves the counter backwards.
func (s *Sequence) AdvanceTo(min uint64) {
	for {
		cur := s.next.Load()
		if cur >= min {
			return
		}
		if s.next.CompareAndSwap(cur, min) {
			return
		}
	}
}
