package broker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by a closed Memory broker.
var ErrClosed = errors.New("broker: closed")

// messageTimeout bounds the per-message context handed to handlers.
const messageTimeout = 30 * time.Second

// Memory is an in-process Broker. Subjects match exactly (no wildcards).
// Handlers run synchronously on the publishing goroutine, outside the lock,
// so a handler may publish again.
type Memory struct {
	mu        sync.Mutex
	subs      map[string][]*memorySub
	rr        map[string]int // next queue member per subject+queue
	published map[string][][]byte
	closed    bool

	publishErr error
	flushErr   error
	connectErr error
}

type memorySub struct {
	m       *Memory
	subject string
	queue   string
	handler Handler
	once    sync.Once
}

// NewMemory creates an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{
		subs:      make(map[string][]*memorySub),
		rr:        make(map[string]int),
		published: make(map[string][][]byte),
	}
}

// Publish delivers data to every plain subscriber of subject and to one member
// of each queue group.
func (m *Memory) Publish(ctx context.Context, subject string, data []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.publishErr != nil {
		err := m.publishErr
		m.mu.Unlock()
		return err
	}

	msg := append([]byte(nil), data...)
	m.published[subject] = append(m.published[subject], msg)

	var targets []Handler
	groups := make(map[string][]*memorySub)
	for _, s := range m.subs[subject] {
		if s.queue == "" {
			targets = append(targets, s.handler)
			continue
		}
		groups[s.queue] = append(groups[s.queue], s)
	}
	for queue, members := range groups {
		key := subject + "\x00" + queue
		idx := m.rr[key] % len(members)
		m.rr[key] = idx + 1
		targets = append(targets, members[idx].handler)
	}
	m.mu.Unlock()

	for _, h := range targets {
		msgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), messageTimeout)
		h(msgCtx, msg)
		cancel()
	}
	return nil
}

// Subscribe registers h for every message on subject.
func (m *Memory) Subscribe(ctx context.Context, subject string, h Handler) (Subscription, error) {
	return m.subscribe(ctx, subject, "", h)
}

// QueueSubscribe registers h as a member of queue on subject.
func (m *Memory) QueueSubscribe(ctx context.Context, subject, queue string, h Handler) (Subscription, error) {
	return m.subscribe(ctx, subject, queue, h)
}

func (m *Memory) subscribe(ctx context.Context, subject, queue string, h Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	s := &memorySub{m: m, subject: subject, queue: queue, handler: h}
	m.subs[subject] = append(m.subs[subject], s)
	return s, nil
}

// Flush is immediate for the in-process broker unless a failure was injected.
func (m *Memory) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.flushErr
}

// WaitForConnection reports the injected connection error, if any.
func (m *Memory) WaitForConnection(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.connectErr
}

// Close drops all subscriptions; later calls fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[string][]*memorySub)
	return nil
}

// FailPublish makes every Publish return err until called with nil.
func (m *Memory) FailPublish(err error) {
	m.mu.Lock()
	m.publishErr = err
	m.mu.Unlock()
}

// FailFlush makes Flush return err until called with nil.
func (m *Memory) FailFlush(err error) {
	m.mu.Lock()
	m.flushErr = err
	m.mu.Unlock()
}

// FailConnection makes WaitForConnection return err until called with nil.
func (m *Memory) FailConnection(err error) {
	m.mu.Lock()
	m.connectErr = err
	m.mu.Unlock()
}

// Messages returns a copy of everything published on subject.
func (m *Memory) Messages(subject string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.published[subject]
	out := make([][]byte, len(msgs))
	copy(out, msgs)
	return out
}

// PublishCount returns the number of messages published on any subject.
func (m *Memory) PublishCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, msgs := range m.published {
		n += len(msgs)
	}
	return n
}

// SubscriberCount returns the number of live subscriptions on subject.
func (m *Memory) SubscriberCount(subject string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[subject])
}

func (s *memorySub) Subject() string { return s.subject }

func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		s.m.mu.Lock()
		defer s.m.mu.Unlock()

		subs := s.m.subs[s.subject]
		for i, other := range subs {
			if other == s {
				s.m.subs[s.subject] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(s.m.subs[s.subject]) == 0 {
			delete(s.m.subs, s.subject)
		}
	})
	return nil
}
