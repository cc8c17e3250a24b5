// Package correlator matches asynchronous replies to the calls waiting for
// them.
//
// Each call registers a PendingCall under a fresh correlation id. A reply
// arriving on the broker settles the call with Complete; the caller collects
// the outcome with Await. Exactly one of resolution, failure or timeout is
// observed per call: Complete and the timeout path race under one mutex and
// the first to settle the entry wins.
package correlator

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/metric"
)

// State of a PendingCall
type State int

// PendingCall states
const (
	Unresolved State = iota
	Resolved
	Failed
	TimedOut
	Canceled
)

// String returns the state name
func (s State) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// PendingCall is a call awaiting its reply. It is settled at most once.
type PendingCall struct {
	ID        string
	CreatedAt time.Time

	c       *Correlator
	state   State
	payload []byte
	err     error
	done    chan struct{}
}

// Wait is Await on this call's id.
func (p *PendingCall) Wait(ctx context.Context, timeout time.Duration) ([]byte, error) {
	return p.c.Await(ctx, p.ID, timeout)
}

// Correlator is the table of pending calls. The zero value is not usable;
// call New.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*PendingCall

	logger  *slog.Logger
	metrics *metric.Metrics
	now     func() time.Time
}

// Option configures a Correlator
type Option func(*Correlator)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Correlator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records the pending table size and dropped replies.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Correlator) { c.metrics = m }
}

// New creates an empty Correlator.
func New(opts ...Option) *Correlator {
	c := &Correlator{
		pending: make(map[string]*PendingCall),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "correlator")
	return c
}

// Register creates an Unresolved call under a new random correlation id.
func (c *Correlator) Register() (string, *PendingCall) {
	p := &PendingCall{
		ID:        uuid.NewString(),
		CreatedAt: c.now(),
		c:         c,
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	c.pending[p.ID] = p
	n := len(c.pending)
	c.mu.Unlock()

	c.metrics.SetPendingCalls(n)
	return p.ID, p
}

// Complete settles the call with id: Resolved with payload when err is nil,
// Failed with err otherwise. Replies for unknown or already settled ids are
// dropped and Complete returns false.
func (c *Correlator) Complete(id string, payload []byte, err error) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok || p.state != Unresolved {
		c.mu.Unlock()
		c.logger.Debug("dropping reply without waiter", "correlation_id", id)
		c.metrics.RecordDroppedReply("unknown")
		return false
	}
	if err != nil {
		p.state = Failed
		p.err = err
	} else {
		p.state = Resolved
		p.payload = payload
	}
	close(p.done)
	c.mu.Unlock()
	return true
}

// Await blocks until the call with id is settled, timeout elapses, or ctx is
// done, and removes the call from the table. A timeout or a passed ctx
// deadline returns a Timeout error and a canceled ctx a Canceled error; a
// later Complete for the id is then a no-op. A non-positive timeout waits on ctx alone.
func (c *Correlator) Await(ctx context.Context, id string, timeout time.Duration) ([]byte, error) {
	const op = "correlator.Await"

	c.mu.Lock()
	p, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return nil, errors.NewKind(errors.KindTimeout, op, "no pending call "+id)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-p.done:
		return c.collect(p)
	case <-expired:
		return c.abandon(p, TimedOut, errors.NewKind(errors.KindTimeout, op,
			"no reply within "+timeout.String()))
	case <-ctx.Done():
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return c.abandon(p, TimedOut, errors.WrapKind(errors.KindTimeout, op,
				"caller deadline passed", ctx.Err()))
		}
		return c.abandon(p, Canceled, errors.WrapKind(errors.KindCanceled, op,
			"caller gave up waiting", ctx.Err()))
	}
}

// collect removes a settled call and returns its outcome.
func (c *Correlator) collect(p *PendingCall) ([]byte, error) {
	c.mu.Lock()
	delete(c.pending, p.ID)
	n := len(c.pending)
	payload, err := p.payload, p.err
	c.mu.Unlock()

	c.metrics.SetPendingCalls(n)
	return payload, err
}

// abandon settles p with state and cause unless a reply won the race, in
// which case the reply's outcome is returned.
func (c *Correlator) abandon(p *PendingCall, state State, cause error) ([]byte, error) {
	c.mu.Lock()
	if p.state != Unresolved {
		c.mu.Unlock()
		return c.collect(p)
	}
	p.state = state
	p.err = cause
	close(p.done)
	delete(c.pending, p.ID)
	n := len(c.pending)
	c.mu.Unlock()

	c.metrics.SetPendingCalls(n)
	return nil, cause
}

// Discard drops the call with id without settling it.
func (c *Correlator) Discard(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	n := len(c.pending)
	c.mu.Unlock()

	c.metrics.SetPendingCalls(n)
}

// Len returns the number of calls in the table.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Sweep fails every Unresolved call older than maxAge with a Timeout error
// and drops settled calls older than maxAge that were never collected. It
// returns the number of calls removed.
func (c *Correlator) Sweep(maxAge time.Duration) int {
	cutoff := c.now().Add(-maxAge)
	removed := 0

	c.mu.Lock()
	for id, p := range c.pending {
		if p.CreatedAt.After(cutoff) {
			continue
		}
		if p.state == Unresolved {
			p.state = TimedOut
			p.err = errors.NewKind(errors.KindTimeout, "correlator.Sweep", "call expired")
			close(p.done)
		}
		delete(c.pending, id)
		removed++
	}
	n := len(c.pending)
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("swept stale calls", "removed", removed)
		c.metrics.SetPendingCalls(n)
	}
	return removed
}

// Run sweeps calls older than maxAge every interval until ctx is done.
func (c *Correlator) Run(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(maxAge)
		}
	}
}
