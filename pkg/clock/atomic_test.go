package clock

import (
	"sync"
	"testing"
)

func TestSequenceNext(t *testing.T) {
	s := NewSequence(5)
	if got := s.Next(); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
	if got := s.Peek(); got != 6 {
		t.Fatalf("expected peek 6, got %d", got)
	}
}

func TestSequenceAdvanceTo(t *testing.T) {
	s := NewSequence(10)
	s.AdvanceTo(3)
	if got := s.Peek(); got != 10 {
		t.Fatalf("AdvanceTo moved the counter backwards: %d", got)
	}
	s.AdvanceTo(42)
	if got := s.Next(); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestSequenceConcurrentUnique(t *testing.T) {
	s := NewSequence(0)

	const (
		workers = 8
		perWork = 1000
	)

	var (
		mu   sync.Mutex
		seen = make(map[uint64]struct{}, workers*perWork)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]uint64, 0, perWork)
			for i := 0; i < perWork; i++ {
				local = append(local, s.Next())
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWork {
		t.Fatalf("expected %d unique ids, got %d", workers*perWork, len(seen))
	}
}
