package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_LifecycleErrors(t *testing.T) {
	noop := func(_ context.Context, _ testWork) error { return nil }

	t.Run("submit before start", func(t *testing.T) {
		pool, err := NewPool(2, 10, noop)
		require.NoError(t, err)
		assert.Equal(t, ErrPoolNotStarted, pool.Submit(testWork{}))
	})

	t.Run("start twice", func(t *testing.T) {
		pool, err := NewPool(2, 10, noop)
		require.NoError(t, err)
		require.NoError(t, pool.Start(context.Background()))
		defer pool.Stop(time.Second)

		assert.Equal(t, ErrPoolAlreadyStarted, pool.Start(context.Background()))
	})

	t.Run("submit after stop", func(t *testing.T) {
		pool, err := NewPool(2, 10, noop)
		require.NoError(t, err)
		require.NoError(t, pool.Start(context.Background()))
		require.NoError(t, pool.Stop(time.Second))

		assert.Equal(t, ErrPoolStopped, pool.Submit(testWork{}))
	})

	t.Run("start after stop", func(t *testing.T) {
		pool, err := NewPool(2, 10, noop)
		require.NoError(t, err)
		require.NoError(t, pool.Start(context.Background()))
		require.NoError(t, pool.Stop(time.Second))

		assert.Equal(t, ErrPoolStopped, pool.Start(context.Background()))
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		pool, err := NewPool(2, 10, noop)
		require.NoError(t, err)
		assert.NoError(t, pool.Stop(time.Second), "stop before start")

		require.NoError(t, pool.Start(context.Background()))
		assert.NoError(t, pool.Stop(time.Second))
		assert.NoError(t, pool.Stop(time.Second))
	})
}
