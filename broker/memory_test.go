package broker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_PublishSubscribe(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var got [][]byte
	_, err := m.Subscribe(ctx, "orders", func(_ context.Context, data []byte) {
		got = append(got, data)
	})
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, "orders", []byte("one")))
	require.NoError(t, m.Publish(ctx, "other", []byte("ignored")))

	assert.Equal(t, [][]byte{[]byte("one")}, got)
	assert.Equal(t, 2, m.PublishCount())
	assert.Len(t, m.Messages("orders"), 1)
}

func TestMemory_PublishBeforeSubscribeIsLost(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, "replies", []byte("early")))

	called := false
	_, err := m.Subscribe(ctx, "replies", func(context.Context, []byte) { called = true })
	require.NoError(t, err)

	assert.False(t, called)
}

func TestMemory_QueueGroupDeliversToOneMember(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	counts := make([]int, 3)
	for i := range counts {
		i := i
		_, err := m.QueueSubscribe(ctx, "work", "workers", func(context.Context, []byte) { counts[i]++ })
		require.NoError(t, err)
	}

	for i := 0; i < 9; i++ {
		require.NoError(t, m.Publish(ctx, "work", []byte("job")))
	}

	assert.Equal(t, []int{3, 3, 3}, counts)
}

func TestMemory_HandlerMayPublish(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Subscribe(ctx, "ping", func(ctx context.Context, data []byte) {
		_ = m.Publish(ctx, "pong", data)
	})
	require.NoError(t, err)

	var reply []byte
	_, err = m.Subscribe(ctx, "pong", func(_ context.Context, data []byte) { reply = data })
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, "ping", []byte("hi")))
	assert.Equal(t, []byte("hi"), reply)
}

func TestMemory_Unsubscribe(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	calls := 0
	sub, err := m.Subscribe(ctx, "s", func(context.Context, []byte) { calls++ })
	require.NoError(t, err)
	assert.Equal(t, "s", sub.Subject())
	assert.Equal(t, 1, m.SubscriberCount("s"))

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, 0, m.SubscriberCount("s"))

	require.NoError(t, m.Publish(ctx, "s", nil))
	assert.Zero(t, calls)
}

func TestMemory_InjectedFailures(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	m.FailPublish(boom)
	assert.ErrorIs(t, m.Publish(ctx, "s", nil), boom)
	assert.Zero(t, m.PublishCount())
	m.FailPublish(nil)
	assert.NoError(t, m.Publish(ctx, "s", nil))

	m.FailFlush(boom)
	assert.ErrorIs(t, m.Flush(ctx), boom)

	m.FailConnection(boom)
	assert.ErrorIs(t, m.WaitForConnection(ctx), boom)
}

func TestMemory_Closed(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Close())

	assert.ErrorIs(t, m.Publish(ctx, "s", nil), ErrClosed)
	_, err := m.Subscribe(ctx, "s", func(context.Context, []byte) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemory_ConcurrentPublish(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var mu sync.Mutex
	total := 0
	_, err := m.Subscribe(ctx, "s", func(context.Context, []byte) {
		mu.Lock()
		total++
		mu.Unlock()
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Publish(ctx, "s", []byte("x"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, total)
}
