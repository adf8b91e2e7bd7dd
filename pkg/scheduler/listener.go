package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener drains a channel and hands every item to a handler on its own
// goroutine until stopped. Handler errors and panics are reported through
// onError and do not stop the listener.
type Listener[T any] struct {
	handler     func(ctx context.Context, input T) error
	onError     func(input T, err error)
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

func NewListener[T any](
	in <-chan T,
	handler func(context.Context, T) error,
	onError func(T, error),
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}
	if onError == nil {
		onError = func(_ T, err error) {
			slog.Error("listener handler failed", "error", err)
		}
	}

	return &Listener[T]{
		in:          in,
		handler:     handler,
		onError:     onError,
		cancel:      func() {},
		stopHandler: stopHandler[0],
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			if err := l.run(ctx); errors.Is(err, errListenerStopped) {
				return
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		if err := l.handle(ctx, inp); err != nil {
			l.onError(inp, fmt.Errorf("failed to handle input: %w", err))
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

func (l *Listener[T]) handle(ctx context.Context, inp T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return l.handler(ctx, inp)
}

func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
