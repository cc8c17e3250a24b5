package correlator

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/metric"
)

func TestRegister_UniqueIDs(t *testing.T) {
	c := New()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, p := c.Register()
		require.NotEmpty(t, id)
		assert.Equal(t, id, p.ID)
		assert.False(t, seen[id], "duplicate correlation id %s", id)
		seen[id] = true
	}
	assert.Equal(t, 1000, c.Len())
}

func TestComplete_ResolvesWaiter(t *testing.T) {
	c := New()
	id, p := c.Register()

	go func() {
		time.Sleep(10 * time.Millisecond)
		assert.True(t, c.Complete(id, []byte(`{"subjectId":"u1"}`), nil))
	}()

	payload, err := p.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"subjectId":"u1"}`, string(payload))
	assert.Equal(t, 0, c.Len())
}

func TestComplete_BeforeAwait(t *testing.T) {
	c := New()
	id, _ := c.Register()

	require.True(t, c.Complete(id, []byte("early"), nil))

	payload, err := c.Await(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "early", string(payload))
	assert.Equal(t, 0, c.Len())
}

func TestComplete_Failure(t *testing.T) {
	c := New()
	id, p := c.Register()

	remote := errors.Downstream("verify-credential", "unauthorized", "token expired")
	require.True(t, c.Complete(id, nil, remote))

	_, err := p.Wait(context.Background(), time.Second)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindDownstream))
	assert.Equal(t, "unauthorized", errors.RemoteKindOf(err))
}

func TestComplete_UnknownIDIsDropped(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c := New(WithMetrics(registry.CoreMetrics()))

	assert.False(t, c.Complete("does-not-exist", []byte("x"), nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(registry.CoreMetrics().DroppedReplies.WithLabelValues("unknown")))
}

func TestComplete_SecondReplyIsDropped(t *testing.T) {
	c := New()
	id, p := c.Register()

	assert.True(t, c.Complete(id, []byte("first"), nil))
	assert.False(t, c.Complete(id, []byte("second"), nil))

	payload, err := p.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", string(payload))
}

func TestAwait_Timeout(t *testing.T) {
	c := New()
	id, p := c.Register()

	start := time.Now()
	_, err := p.Wait(context.Background(), 30*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 0, c.Len())

	// A late reply finds no entry.
	assert.False(t, c.Complete(id, []byte("late"), nil))
}

func TestAwait_Canceled(t *testing.T) {
	c := New()
	_, p := c.Register()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := p.Wait(ctx, time.Minute)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindCanceled))
	assert.True(t, stderrors.Is(err, context.Canceled))
	assert.Equal(t, 0, c.Len())
}

func TestAwait_CallerDeadlineIsTimeout(t *testing.T) {
	c := New()
	id, p := c.Register()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Wait(ctx, time.Minute)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindTimeout))
	assert.True(t, stderrors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Complete(id, []byte("late"), nil))
}

func TestAwait_UnknownID(t *testing.T) {
	c := New()

	_, err := c.Await(context.Background(), "missing", time.Second)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindTimeout))
}

func TestDiscard(t *testing.T) {
	c := New()
	id, _ := c.Register()

	c.Discard(id)
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Complete(id, nil, nil))
}

func TestSweep_ExpiresOldCalls(t *testing.T) {
	c := New()
	now := time.Now()
	c.now = func() time.Time { return now }

	_, old := c.Register()
	settledID, _ := c.Register()
	c.Complete(settledID, []byte("never collected"), nil)

	now = now.Add(time.Minute)
	_, fresh := c.Register()

	removed := c.Sweep(30 * time.Second)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())

	_, err := old.Wait(context.Background(), time.Second)
	assert.True(t, errors.IsKind(err, errors.KindTimeout))

	assert.True(t, c.Complete(fresh.ID, []byte("ok"), nil))
}

func TestRun_StopsOnCancel(t *testing.T) {
	c := New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.Run(ctx, 5*time.Millisecond, 0)
		close(done)
	}()

	c.Register()
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// Exactly one outcome is observed when replies race the timeout.
func TestConcurrent_CompleteRacesTimeout(t *testing.T) {
	c := New()

	const calls = 200
	var wg sync.WaitGroup
	var mu sync.Mutex
	resolved, timedOut, completed := 0, 0, 0

	for i := 0; i < calls; i++ {
		id, p := c.Register()
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := p.Wait(context.Background(), time.Millisecond)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				resolved++
			} else {
				timedOut++
			}
		}()
		go func() {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			ok := c.Complete(id, []byte("r"), nil)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				completed++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, calls, resolved+timedOut)
	assert.Equal(t, resolved, completed)
	assert.Equal(t, 0, c.Len())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "unresolved", Unresolved.String())
	assert.Equal(t, "resolved", Resolved.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "timed_out", TimedOut.String())
	assert.Equal(t, "canceled", Canceled.String())
	assert.Equal(t, "unknown", State(9).String())
}
