package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/metric"
)

type testWork struct {
	id    int
	delay time.Duration
	fail  bool
}

func process(ctx context.Context, w testWork) error {
	if w.delay > 0 {
		select {
		case <-time.After(w.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if w.fail {
		return errors.New("work failed")
	}
	return nil
}

func TestNewPool_Defaults(t *testing.T) {
	pool, err := NewPool(5, 100, process)
	require.NoError(t, err)
	assert.Equal(t, 5, pool.workers)
	assert.Equal(t, 100, pool.queueSize)

	pool, err = NewPool(0, 0, process)
	require.NoError(t, err)
	assert.Equal(t, 10, pool.workers)
	assert.Equal(t, 1000, pool.queueSize)
}

func TestNewPool_NilProcessor(t *testing.T) {
	_, err := NewPool[testWork](5, 100, nil)
	assert.ErrorIs(t, err, ErrNilProcessor)
}

func TestPool_ProcessesAllSubmittedWork(t *testing.T) {
	var count atomic.Int64
	pool, err := NewPool(4, 100, func(_ context.Context, _ testWork) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 50; i++ {
		require.NoError(t, pool.Submit(testWork{id: i}))
	}
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, int64(50), count.Load())
	stats := pool.Stats()
	assert.Equal(t, int64(50), stats.Submitted)
	assert.Equal(t, int64(50), stats.Processed)
	assert.Zero(t, stats.Failed)
}

func TestPool_QueueFull(t *testing.T) {
	release := make(chan struct{})
	pool, err := NewPool(1, 2, func(_ context.Context, _ testWork) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	defer func() {
		close(release)
		_ = pool.Stop(time.Second)
	}()

	// One item occupies the worker, two fill the queue.
	require.NoError(t, pool.Submit(testWork{id: 0}))
	require.Eventually(t, func() bool { return pool.Stats().Busy == 1 }, time.Second, time.Millisecond)
	require.NoError(t, pool.Submit(testWork{id: 1}))
	require.NoError(t, pool.Submit(testWork{id: 2}))

	err = pool.Submit(testWork{id: 3})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.True(t, errs.IsTransient(err))
	assert.Equal(t, int64(1), pool.Stats().Dropped)
}

func TestPool_ProcessingErrors(t *testing.T) {
	pool, err := NewPool(2, 10, process)
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 6; i++ {
		require.NoError(t, pool.Submit(testWork{id: i, fail: i%2 == 0}))
	}
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(6), stats.Processed)
	assert.Equal(t, int64(3), stats.Failed)
}

func TestPool_RecoversPanics(t *testing.T) {
	var after atomic.Bool
	pool, err := NewPool(1, 10, func(_ context.Context, w testWork) error {
		if w.id == 0 {
			panic("boom")
		}
		after.Store(true)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(testWork{id: 0}))
	require.NoError(t, pool.Submit(testWork{id: 1}))
	require.NoError(t, pool.Stop(time.Second))

	assert.True(t, after.Load(), "worker should survive a panicking item")
	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Panicked)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestPool_SafeProcessWrapsPanic(t *testing.T) {
	pool, err := NewPool(1, 1, func(_ context.Context, _ testWork) error { panic("bad item") })
	require.NoError(t, err)

	err = pool.safeProcess(context.Background(), testWork{})
	assert.ErrorIs(t, err, ErrWorkPanicked)
	assert.Contains(t, err.Error(), "bad item")
}

func TestPool_ContextCancellationStopsWorkers(t *testing.T) {
	pool, err := NewPool(2, 10, process)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx))
	require.NoError(t, pool.Submit(testWork{delay: time.Minute}))

	cancel()
	assert.NoError(t, pool.Stop(time.Second))
}

func TestPool_StopTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	pool, err := NewPool(1, 1, func(_ context.Context, _ testWork) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testWork{}))
	require.Eventually(t, func() bool { return pool.Stats().Busy == 1 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, pool.Stop(20*time.Millisecond), ErrStopTimeout)
	// The pool is stopped even though the worker has not returned.
	assert.ErrorIs(t, pool.Submit(testWork{}), ErrPoolStopped)
}

func TestPool_ConcurrentSubmissions(t *testing.T) {
	var count atomic.Int64
	pool, err := NewPool(8, 1000, func(_ context.Context, _ testWork) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				assert.NoError(t, pool.Submit(testWork{id: g*100 + i}))
			}
		}(g)
	}
	wg.Wait()
	require.NoError(t, pool.Stop(2*time.Second))

	assert.Equal(t, int64(500), count.Load())
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pool, err := NewPool(2, 10, process, WithMetricsRegistry[testWork](registry, "test"))
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(testWork{id: i}))
	}
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, 3.0, testutil.ToFloat64(pool.metrics.submitted))
	assert.Equal(t, 0.0, testutil.ToFloat64(pool.metrics.busyWorkers))

	// A second pool with the same name collides in the registry.
	_, err = NewPool(1, 1, process, WithMetricsRegistry[testWork](registry, "test"))
	assert.Error(t, err)
}
