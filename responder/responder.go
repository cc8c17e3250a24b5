// Package responder hosts remote call handlers on request topics.
//
// A Responder queue-subscribes every registered topic under its service
// name, so replicas of one service share the load. Each request envelope is
// handed to a bounded worker pool; the handler's result or error is encoded
// into a reply envelope carrying the request's correlation id and published
// on the request's replyTo subject.
package responder

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/taskmesh/broker"
	"github.com/c360/taskmesh/envelope"
	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/metric"
	"github.com/c360/taskmesh/pkg/worker"
)

// Reply messages for failures the handler does not describe itself.
const (
	MsgInternal   = "internal server error"
	MsgOverloaded = "service overloaded"
)

// Handled message outcomes recorded in metrics.
const (
	OutcomeOK         = "ok"
	OutcomeError      = "error"
	OutcomeMalformed  = "malformed"
	OutcomeNoReplyTo  = "no_reply_to"
	OutcomeOverloaded = "overloaded"
)

// DefaultHandlerTimeout bounds one handler invocation.
const DefaultHandlerTimeout = 30 * time.Second

type request struct {
	topic string
	env   envelope.Envelope
}

// Responder serves the topics registered with Handle.
type Responder struct {
	name     string
	broker   broker.Broker
	codec    envelope.Codec
	prefix   string
	logger   *slog.Logger
	metrics  *metric.Metrics
	registry *metric.MetricsRegistry

	workers        int
	queueSize      int
	handlerTimeout time.Duration

	mu       sync.Mutex
	handlers map[string]Handler
	order    []string
	subs     []broker.Subscription
	pool     *worker.Pool[request]
	started  bool
	stopped  bool
}

// Option configures a Responder
type Option func(*Responder)

// WithCodec sets the codec for envelopes and payloads. Default JSON.
func WithCodec(c envelope.Codec) Option {
	return func(r *Responder) {
		if c != nil {
			r.codec = c
		}
	}
}

// WithTopicPrefix namespaces every topic passed to Handle.
func WithTopicPrefix(prefix string) Option {
	return func(r *Responder) { r.prefix = prefix }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Responder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records handled messages and registers the worker pool's
// metrics with registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(r *Responder) {
		r.registry = registry
		r.metrics = registry.CoreMetrics()
	}
}

// WithWorkers sizes the worker pool.
func WithWorkers(workers, queueSize int) Option {
	return func(r *Responder) {
		r.workers = workers
		r.queueSize = queueSize
	}
}

// WithHandlerTimeout bounds each handler invocation.
func WithHandlerTimeout(d time.Duration) Option {
	return func(r *Responder) {
		if d > 0 {
			r.handlerTimeout = d
		}
	}
}

// New creates a Responder for the service called name. The name is also the
// queue group shared by the service's replicas.
func New(name string, b broker.Broker, opts ...Option) *Responder {
	r := &Responder{
		name:           name,
		broker:         b,
		codec:          envelope.JSON,
		logger:         slog.Default(),
		workers:        8,
		queueSize:      256,
		handlerTimeout: DefaultHandlerTimeout,
		handlers:       make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "responder", "service", name)
	return r
}

// Name returns the service name
func (r *Responder) Name() string {
	return r.name
}

// Topics returns the full topics served, in registration order.
func (r *Responder) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Handle registers h for operation op. It must be called before Start.
func (r *Responder) Handle(op string, h Handler) error {
	if op == "" || h == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Responder", "Handle", "register handler")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Responder", "Handle", "register "+op)
	}
	topic := envelope.Topic(r.prefix, op)
	if _, dup := r.handlers[topic]; dup {
		return errors.WrapInvalid(fmt.Errorf("duplicate handler for %s", topic), "Responder", "Handle", "register "+op)
	}
	r.handlers[topic] = h
	r.order = append(r.order, topic)
	return nil
}

// Start launches the worker pool, subscribes every topic and flushes so
// requests published after Start returns are delivered. Handlers run under
// ctx; canceling it stops the workers.
func (r *Responder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started || r.stopped {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Responder", "Start", "start "+r.name)
	}
	if len(r.order) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Responder", "Start", "no handlers for "+r.name)
	}

	var poolOpts []worker.Option[request]
	poolOpts = append(poolOpts, worker.WithLogger[request](r.logger))
	if r.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[request](r.registry, "responder_"+r.name))
	}
	pool, err := worker.NewPool(r.workers, r.queueSize, r.process, poolOpts...)
	if err != nil {
		return errors.WrapFatal(err, "Responder", "Start", "create worker pool")
	}
	if err := pool.Start(ctx); err != nil {
		return errors.WrapFatal(err, "Responder", "Start", "start worker pool")
	}

	subs, err := r.subscribeAll(ctx)
	if err == nil {
		err = r.broker.Flush(ctx)
	}
	if err != nil {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
		_ = pool.Stop(time.Second)
		return errors.WrapTransient(err, "Responder", "Start", "subscribe "+r.name+" topics")
	}

	r.subs = subs
	r.pool = pool
	r.started = true
	r.logger.Info("responder started", "topics", r.order, "workers", r.workers)
	return nil
}

func (r *Responder) subscribeAll(ctx context.Context) ([]broker.Subscription, error) {
	var (
		mu   sync.Mutex
		subs []broker.Subscription
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range r.order {
		topic := topic
		g.Go(func() error {
			sub, err := r.broker.QueueSubscribe(gctx, topic, r.name, r.receiver(topic))
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", topic, err)
			}
			mu.Lock()
			subs = append(subs, sub)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return subs, err
}

// receiver decodes an incoming envelope and queues it for the pool.
func (r *Responder) receiver(topic string) broker.Handler {
	return func(ctx context.Context, data []byte) {
		env, err := r.codec.DecodeEnvelope(data)
		if err != nil {
			r.logger.Warn("dropping undecodable request", "topic", topic, "error", err)
			r.metrics.RecordHandled(topic, OutcomeMalformed)
			return
		}
		if env.ReplyTo == "" {
			r.logger.Warn("dropping request without reply subject",
				"topic", topic, "correlation_id", env.CorrelationID)
			r.metrics.RecordHandled(topic, OutcomeNoReplyTo)
			return
		}

		r.mu.Lock()
		pool := r.pool
		r.mu.Unlock()
		if pool == nil {
			return
		}

		switch err := pool.Submit(request{topic: topic, env: env}); {
		case err == nil:
		case stderrors.Is(err, worker.ErrQueueFull):
			r.logger.Warn("worker queue full", "topic", topic, "correlation_id", env.CorrelationID)
			r.metrics.RecordHandled(topic, OutcomeOverloaded)
			r.reply(ctx, env, envelope.Envelope{
				Error: envelope.NewRemoteError(envelope.RemoteInternal, MsgOverloaded),
			})
		default:
			r.logger.Debug("dropping request after stop", "topic", topic, "error", err)
		}
	}
}

// process runs the handler for one request and publishes the reply.
func (r *Responder) process(ctx context.Context, req request) error {
	r.mu.Lock()
	h := r.handlers[req.topic]
	r.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, r.handlerTimeout)
	defer cancel()

	reply := r.invoke(hctx, req, h)
	outcome := OutcomeOK
	if reply.Error != nil {
		outcome = OutcomeError
	}
	r.metrics.RecordHandled(req.topic, outcome)
	return r.reply(ctx, req.env, reply)
}

func (r *Responder) invoke(ctx context.Context, req request, h Handler) envelope.Envelope {
	result, err := h.Serve(ctx, r.codec, req.env.Payload)
	if err != nil {
		var remote *envelope.RemoteError
		if stderrors.As(err, &remote) {
			return envelope.Envelope{Error: remote}
		}
		r.logger.Error("handler failed", "topic", req.topic,
			"correlation_id", req.env.CorrelationID, "error", err)
		return envelope.Envelope{Error: envelope.NewRemoteError(envelope.RemoteInternal, MsgInternal)}
	}

	if result == nil {
		return envelope.Envelope{}
	}
	payload, err := r.codec.Marshal(result)
	if err != nil {
		r.logger.Error("encode reply payload", "topic", req.topic, "error", err)
		return envelope.Envelope{Error: envelope.NewRemoteError(envelope.RemoteInternal, MsgInternal)}
	}
	return envelope.Envelope{Payload: payload}
}

func (r *Responder) reply(ctx context.Context, req, reply envelope.Envelope) error {
	reply.CorrelationID = req.CorrelationID
	data, err := r.codec.EncodeEnvelope(reply)
	if err != nil {
		return errors.Wrap(err, "Responder", "reply", "encode envelope")
	}
	if err := r.broker.Publish(ctx, req.ReplyTo, data); err != nil {
		r.logger.Warn("publish reply failed", "reply_to", req.ReplyTo,
			"correlation_id", req.CorrelationID, "error", err)
		return errors.WrapTransient(err, "Responder", "reply", "publish to "+req.ReplyTo)
	}
	return nil
}

// Stop unsubscribes every topic, then waits up to timeout for queued
// requests to be answered.
func (r *Responder) Stop(timeout time.Duration) error {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	subs := r.subs
	r.subs = nil
	pool := r.pool
	r.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", sub.Subject(), err))
		}
	}
	if err := pool.Stop(timeout); err != nil {
		errs = append(errs, err)
	}
	r.logger.Info("responder stopped", "stats", pool.Stats())
	return stderrors.Join(errs...)
}

// Stats returns the worker pool statistics, zero before Start.
func (r *Responder) Stats() worker.PoolStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pool == nil {
		return worker.PoolStats{}
	}
	return r.pool.Stats()
}
