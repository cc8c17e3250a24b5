// Package gateway is the HTTP front door. Each route turns an HTTP request
// into one or more remote calls over a request-reply client and shapes the
// replies into JSON responses.
//
// Responses are {"status": <code>, "data": <payload>} on success and
// {"error": <message>, "status": <code>} on failure. Protected routes run the
// auth chain first and read the principal from the request context.
package gateway

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/taskmesh/auth"
	"github.com/c360/taskmesh/envelope"
	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/health"
	"github.com/c360/taskmesh/metric"
	"github.com/c360/taskmesh/requestreply"
)

// Gateway serves the public HTTP API.
type Gateway struct {
	cfg     Config
	client  *requestreply.Client
	auth    *auth.Orchestrator
	checker *health.Checker
	logger  *slog.Logger
	metrics *metric.Metrics

	topics  remoteTopics
	schemas map[string]*gojsonschema.Schema
	limiter *ipLimiter
	router  chi.Router

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

type remoteTopics struct {
	register, login, findAll            string
	createCredential, destroyCredential string
	createTask, listTasks               string
}

// Option configures a Gateway
type Option func(*Gateway)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithMetrics records HTTP requests by route, method and status.
func WithMetrics(m *metric.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithHealthChecker sets the checker served on /healthz. The gateway adds a
// check for the request-reply client to it.
func WithHealthChecker(c *health.Checker) Option {
	return func(g *Gateway) {
		if c != nil {
			g.checker = c
		}
	}
}

// New builds the gateway and its router. client must be subscribed to the
// replies of Topics before requests arrive.
func New(cfg Config, client *requestreply.Client, orchestrator *auth.Orchestrator, opts ...Option) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Gateway", "New", "config validation")
	}
	if client == nil || orchestrator == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Gateway", "New",
			"request-reply client and auth orchestrator are required")
	}

	schemas, err := compileSchemas()
	if err != nil {
		return nil, errors.WrapFatal(err, "Gateway", "New", "compile body schemas")
	}

	p := cfg.TopicPrefix
	g := &Gateway{
		cfg:     cfg,
		client:  client,
		auth:    orchestrator,
		checker: health.NewChecker("taskmesh"),
		logger:  slog.Default(),
		schemas: schemas,
		topics: remoteTopics{
			register:          envelope.Topic(p, envelope.TopicRegister),
			login:             envelope.Topic(p, envelope.TopicLogin),
			findAll:           envelope.Topic(p, envelope.TopicFindAllUsers),
			createCredential:  envelope.Topic(p, envelope.TopicCreateCredential),
			destroyCredential: envelope.Topic(p, envelope.TopicDestroyCredential),
			createTask:        envelope.Topic(p, envelope.TopicCreateTask),
			listTasks:         envelope.Topic(p, envelope.TopicListTasks),
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gateway")

	if cfg.RateLimit.RPS > 0 {
		g.limiter = newIPLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}
	g.checker.Register("request_reply", g.clientHealth)
	g.router = g.routes()
	return g, nil
}

// Topics returns the remote request topics the routes call. The auth
// chain's topics are not included.
func (g *Gateway) Topics() []string {
	t := g.topics
	return []string{
		t.register, t.login, t.findAll,
		t.createCredential, t.destroyCredential,
		t.createTask, t.listTasks,
	}
}

// Handler returns the router.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Start listens on the configured address and serves until Stop. It
// returns once the listener is bound; serve errors are logged.
func (g *Gateway) Start(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.server != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Gateway", "Start", "gateway already running")
	}

	ln, err := net.Listen("tcp", g.cfg.ListenAddr)
	if err != nil {
		return errors.WrapFatal(err, "Gateway", "Start", "listen on "+g.cfg.ListenAddr)
	}

	srv := &http.Server{
		Handler:           g.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       g.cfg.ReadTimeout,
		WriteTimeout:      g.cfg.WriteTimeout,
		ErrorLog:          slog.NewLogLogger(g.logger.Handler(), slog.LevelWarn),
	}
	g.server = srv
	g.listener = ln

	go func() {
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server failed", "error", err)
		}
	}()
	g.logger.Info("gateway listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (g *Gateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Stop shuts the server down gracefully. It is a no-op when not started.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	srv := g.server
	g.server = nil
	g.listener = nil
	g.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "Gateway", "Stop", "shutdown")
	}
	g.logger.Info("gateway stopped")
	return nil
}

func (g *Gateway) clientHealth(_ context.Context) health.Status {
	state := g.client.State()
	if state == requestreply.Ready {
		return health.NewHealthy("request_reply", "ready")
	}
	return health.NewUnhealthy("request_reply", "client is "+state.String())
}
