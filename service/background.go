package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
)

// Background wraps a blocking run loop as a service. Start launches run in
// its own goroutine; Stop cancels it and waits for it to return. A run that
// exits on its own reports unhealthy.
//
// run receives a context that is detached from the one passed to Start, so
// only Stop ends it.
func Background(name string, run func(ctx context.Context) error, opts ...Option) *BaseService {
	b := &background{run: run}
	opts = append([]Option{WithHealthCheck(b.check)}, opts...)
	return New(name, b.start, b.stop, opts...)
}

type background struct {
	run func(ctx context.Context) error

	mu      sync.Mutex
	cancel  context.CancelFunc
	exited  chan struct{}
	exitErr error
}

func (b *background) start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	exited := make(chan struct{})

	b.mu.Lock()
	b.cancel = cancel
	b.exited = exited
	b.exitErr = nil
	b.mu.Unlock()

	go func() {
		defer close(exited)
		err := b.run(runCtx)
		b.mu.Lock()
		b.exitErr = err
		b.mu.Unlock()
	}()
	return nil
}

func (b *background) stop(ctx context.Context) error {
	b.mu.Lock()
	cancel, exited := b.cancel, b.exited
	b.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-exited:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exitErr != nil && !stderrors.Is(b.exitErr, context.Canceled) {
		return b.exitErr
	}
	return nil
}

func (b *background) check() error {
	b.mu.Lock()
	exited := b.exited
	b.mu.Unlock()
	if exited == nil {
		return nil
	}

	select {
	case <-exited:
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.exitErr != nil {
			return fmt.Errorf("run loop exited: %w", b.exitErr)
		}
		return stderrors.New("run loop exited")
	default:
		return nil
	}
}
