// Package requestreply emulates synchronous calls over a publish/subscribe
// broker.
//
// A Client must declare the operations it will call, subscribe to their
// reply topics, and confirm those subscriptions with the broker before the
// first request is sent; replies published before the subscription exists
// would otherwise be lost. The lifecycle is
//
//	Uninitialized -> SubscriptionPending -> Subscribed -> Connected -> Ready
//
// and Send fails with a NotReady error in every state but Ready.
package requestreply

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/taskmesh/broker"
	"github.com/c360/taskmesh/correlator"
	"github.com/c360/taskmesh/envelope"
	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/metric"
	"github.com/c360/taskmesh/pkg/retry"
)

// State is the client lifecycle state
type State int32

// Lifecycle states, in order
const (
	Uninitialized State = iota
	SubscriptionPending
	Subscribed
	Connected
	Ready
)

// String returns the state name
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case SubscriptionPending:
		return "subscription_pending"
	case Subscribed:
		return "subscribed"
	case Connected:
		return "connected"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// Binding pairs a request topic with the reply topic this client listens on.
type Binding struct {
	RequestTopic string
	ReplyTopic   string
	Subscribed   bool
	Connected    bool
}

// DefaultTimeout bounds each Send when no timeout is configured.
const DefaultTimeout = 5 * time.Second

// Client sends requests and awaits correlated replies.
type Client struct {
	broker     broker.Broker
	codec      envelope.Codec
	correlator *correlator.Correlator
	instanceID string
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metric.Metrics

	state atomic.Int32

	mu       sync.RWMutex // guards transitions, bindings and subs
	bindings map[string]*Binding
	order    []string
	subs     []broker.Subscription
}

// Option configures a Client
type Option func(*Client)

// WithCodec selects the envelope codec. Defaults to JSON.
func WithCodec(codec envelope.Codec) Option {
	return func(c *Client) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithTimeout sets how long Send waits for a reply.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithInstanceID sets the suffix of this client's reply topics. Replicas
// must use distinct ids. Defaults to a random uuid.
func WithInstanceID(id string) Option {
	return func(c *Client) {
		if id != "" {
			c.instanceID = id
		}
	}
}

// WithCorrelator shares a correlator, e.g. one swept by a background Run.
func WithCorrelator(corr *correlator.Correlator) Option {
	return func(c *Client) {
		if corr != nil {
			c.correlator = corr
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records call outcomes and latency.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates an Uninitialized client on top of b.
func New(b broker.Broker, opts ...Option) *Client {
	c := &Client{
		broker:     b,
		codec:      envelope.JSON,
		instanceID: uuid.NewString(),
		timeout:    DefaultTimeout,
		logger:     slog.Default(),
		bindings:   make(map[string]*Binding),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "requestreply", "instance", c.instanceID)
	if c.correlator == nil {
		c.correlator = correlator.New(correlator.WithLogger(c.logger), correlator.WithMetrics(c.metrics))
	}
	return c
}

// State returns the current lifecycle state
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.logger.Debug("state change", "from", old, "to", s)
	}
}

// InstanceID returns the reply topic suffix of this client.
func (c *Client) InstanceID() string {
	return c.instanceID
}

// Codec returns the codec used for envelopes and payloads.
func (c *Client) Codec() envelope.Codec {
	return c.codec
}

// Bindings returns a snapshot of the bindings in declaration order.
func (c *Client) Bindings() []Binding {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Binding, 0, len(c.order))
	for _, topic := range c.order {
		out = append(out, *c.bindings[topic])
	}
	return out
}

// SubscribeToResponseOf declares reply interest for each request topic.
// Allowed only before Connect succeeds; topics already declared are ignored.
func (c *Client) SubscribeToResponseOf(topics ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case Uninitialized, SubscriptionPending:
	default:
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Client", "SubscribeToResponseOf",
			"reply topics are fixed once connected")
	}
	if len(topics) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Client", "SubscribeToResponseOf", "no topics given")
	}

	for _, topic := range topics {
		if topic == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Client", "SubscribeToResponseOf", "empty topic")
		}
		if _, ok := c.bindings[topic]; ok {
			continue
		}
		c.bindings[topic] = &Binding{
			RequestTopic: topic,
			ReplyTopic:   envelope.ReplyTopic(topic, c.instanceID),
		}
		c.order = append(c.order, topic)
	}

	c.setState(SubscriptionPending)
	return nil
}

// Connect subscribes every reply topic, waits for the broker to confirm the
// subscriptions, then for the connection to be healthy, and moves to Ready.
// On failure it removes the partial subscriptions, stays in
// SubscriptionPending and returns a BrokerUnavailable error. Connect on a
// Ready client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	const op = "requestreply.Connect"

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case Ready:
		return nil
	case SubscriptionPending:
	default:
		return errors.NewKind(errors.KindNotReady, op, "no reply topics declared")
	}

	for _, topic := range c.order {
		b := c.bindings[topic]
		sub, err := c.broker.Subscribe(ctx, b.ReplyTopic, c.replyHandler(topic))
		if err != nil {
			return c.abortConnect(op, "subscribe "+b.ReplyTopic, err)
		}
		c.subs = append(c.subs, sub)
	}

	if err := c.broker.Flush(ctx); err != nil {
		return c.abortConnect(op, "confirm reply subscriptions", err)
	}
	for _, b := range c.bindings {
		b.Subscribed = true
	}
	c.setState(Subscribed)

	if err := c.broker.WaitForConnection(ctx); err != nil {
		return c.abortConnect(op, "wait for broker connection", err)
	}
	for _, b := range c.bindings {
		b.Connected = true
	}
	c.setState(Connected)

	c.setState(Ready)
	c.logger.Info("request-reply client ready", "topics", len(c.order))
	return nil
}

// abortConnect undoes a partial Connect. Called with mu held.
func (c *Client) abortConnect(op, action string, cause error) error {
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn("unsubscribe after failed connect", "subject", sub.Subject(), "error", err)
		}
	}
	c.subs = nil
	for _, b := range c.bindings {
		b.Subscribed = false
		b.Connected = false
	}
	c.setState(SubscriptionPending)

	c.logger.Warn("connect failed", "action", action, "error", cause)
	return errors.WrapKind(errors.KindBrokerUnavailable, op, action, cause)
}

// ConnectWithRetry retries Connect with cfg while the broker is unavailable.
func (c *Client) ConnectWithRetry(ctx context.Context, cfg retry.Config) error {
	if cfg.OnRetry == nil {
		cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
			c.logger.Info("retrying connect", "attempt", attempt, "delay", delay, "error", err)
		}
	}
	return retry.Do(ctx, cfg, func() error {
		err := c.Connect(ctx)
		if err != nil && !errors.IsKind(err, errors.KindBrokerUnavailable) {
			return retry.NonRetryable(err)
		}
		return err
	})
}

// replyHandler completes pending calls from envelopes arriving on the reply
// topic of requestTopic.
func (c *Client) replyHandler(requestTopic string) broker.Handler {
	return func(_ context.Context, data []byte) {
		env, err := c.codec.DecodeEnvelope(data)
		if err != nil {
			c.logger.Warn("dropping undecodable reply", "topic", requestTopic, "error", err)
			c.metrics.RecordDroppedReply("malformed")
			return
		}
		if env.Error != nil {
			c.correlator.Complete(env.CorrelationID, nil,
				errors.Downstream(requestTopic, env.Error.Kind, env.Error.Message))
			return
		}
		c.correlator.Complete(env.CorrelationID, env.Payload, nil)
	}
}

// Send publishes payload on topic and waits for the correlated reply, up to
// the client timeout or ctx's end. payload is encoded with the client codec;
// a []byte payload is sent as is and nil sends no body.
//
// Errors carry a kind: NotReady before Ready or for a topic that was never
// declared, BrokerUnavailable when publishing fails, Timeout or Canceled
// when no reply arrives, DownstreamError when the handler replied with an
// error.
func (c *Client) Send(ctx context.Context, topic string, payload any) ([]byte, error) {
	const op = "requestreply.Send"

	if s := c.State(); s != Ready {
		return nil, errors.NewKind(errors.KindNotReady, op, "client is "+s.String())
	}

	c.mu.RLock()
	b, ok := c.bindings[topic]
	var replyTopic string
	if ok {
		replyTopic = b.ReplyTopic
	}
	c.mu.RUnlock()
	if !ok {
		return nil, errors.NewKind(errors.KindNotReady, op, "no reply subscription for "+topic)
	}

	body, err := c.encodePayload(payload)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Client", "Send", "encode payload")
	}

	id, pending := c.correlator.Register()
	data, err := c.codec.EncodeEnvelope(envelope.Envelope{
		CorrelationID: id,
		ReplyTo:       replyTopic,
		Payload:       body,
	})
	if err != nil {
		c.correlator.Discard(id)
		return nil, errors.WrapInvalid(err, "Client", "Send", "encode envelope")
	}

	start := time.Now()
	if err := c.broker.Publish(ctx, topic, data); err != nil {
		c.correlator.Discard(id)
		c.metrics.RecordCall(topic, "broker_unavailable", time.Since(start))
		return nil, errors.WrapKind(errors.KindBrokerUnavailable, op, "publish "+topic, err)
	}

	reply, err := pending.Wait(ctx, c.timeout)
	c.metrics.RecordCall(topic, outcome(err), time.Since(start))
	if err != nil {
		c.logger.Debug("call failed", "topic", topic, "correlation_id", id, "error", err)
		return nil, err
	}
	return reply, nil
}

func (c *Client) encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	default:
		return c.codec.Marshal(payload)
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	switch errors.KindOf(err) {
	case errors.KindTimeout:
		return "timeout"
	case errors.KindCanceled:
		return "canceled"
	case errors.KindDownstream:
		return "downstream_error"
	default:
		return "error"
	}
}

// Call sends req on topic and decodes the reply payload into Resp. A reply
// that cannot be decoded is a DownstreamError of remote kind internal.
func Call[Req, Resp any](ctx context.Context, c *Client, topic string, req Req) (Resp, error) {
	var resp Resp

	data, err := c.Send(ctx, topic, req)
	if err != nil {
		return resp, err
	}
	if len(data) == 0 {
		return resp, nil
	}
	if err := c.codec.Unmarshal(data, &resp); err != nil {
		return resp, &errors.Error{
			Kind:       errors.KindDownstream,
			Op:         topic,
			Message:    "malformed reply payload",
			RemoteKind: envelope.RemoteInternal,
			Err:        err,
		}
	}
	return resp, nil
}

// Close unsubscribes the reply topics and returns the client to
// Uninitialized. Calls in flight run until their own timeout.
func (c *Client) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", sub.Subject(), err))
		}
	}
	c.subs = nil
	c.bindings = make(map[string]*Binding)
	c.order = nil
	c.setState(Uninitialized)

	return stderrors.Join(errs...)
}
