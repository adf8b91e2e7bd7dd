package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrQueueFull = errors.New("scheduler queue is full")
	ErrStopped   = errors.New("scheduler stopped")
)

// TaskFunc is one unit of work. The context is cancelled when the
// scheduler stops.
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	fn       TaskFunc
	enqueued time.Time
	unique   bool
}

var _ Job = (*Scheduler)(nil)

type Config struct {
	Workers   int
	QueueSize int
}

// Scheduler runs submitted tasks on a fixed pool of workers. Tasks are
// dequeued in submission order; with more than one worker they may finish
// out of order.
type Scheduler struct {
	queue   chan task
	workers []*Listener[task]

	mu      sync.Mutex
	pending map[string]struct{}
	stopped bool
}

func New(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	s := &Scheduler{
		queue:   make(chan task, cfg.QueueSize),
		pending: make(map[string]struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.workers = append(s.workers, NewListener(s.queue, s.execute, s.failed))
	}
	return s
}

func (s *Scheduler) Start(ctx context.Context) {
	for _, w := range s.workers {
		w.Start(ctx)
	}
}

// Stop cancels running tasks and waits for the workers to exit. Queued
// tasks that have not started are dropped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	for _, w := range s.workers {
		w.Stop()
	}
}

// Submit enqueues fn without blocking.
func (s *Scheduler) Submit(name string, fn TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	return s.enqueue(task{name: name, fn: fn, enqueued: time.Now()})
}

// SubmitUnique enqueues fn unless a task with the same name is queued or
// running. It reports whether the task was enqueued.
func (s *Scheduler) SubmitUnique(name string, fn TaskFunc) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false, ErrStopped
	}
	if _, busy := s.pending[name]; busy {
		return false, nil
	}
	if err := s.enqueue(task{name: name, fn: fn, enqueued: time.Now(), unique: true}); err != nil {
		return false, err
	}
	s.pending[name] = struct{}{}
	return true, nil
}

func (s *Scheduler) enqueue(t task) error {
	select {
	case s.queue <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued tasks.
func (s *Scheduler) Pending() int {
	return len(s.queue)
}

func (s *Scheduler) execute(ctx context.Context, t task) error {
	if t.unique {
		defer s.done(t.name)
	}

	start := time.Now()
	err := t.fn(ctx)
	slog.Debug("task finished",
		"task", t.name,
		"queued", start.Sub(t.enqueued),
		"took", time.Since(start),
		"error", err,
	)
	return err
}

func (s *Scheduler) done(name string) {
	s.mu.Lock()
	delete(s.pending, name)
	s.mu.Unlock()
}

func (s *Scheduler) failed(t task, err error) {
	slog.Warn("task failed", "task", t.name, "error", err)
}
