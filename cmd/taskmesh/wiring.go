package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/c360/taskmesh/auth"
	"github.com/c360/taskmesh/broker"
	"github.com/c360/taskmesh/config"
	"github.com/c360/taskmesh/correlator"
	"github.com/c360/taskmesh/envelope"
	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/gateway"
	"github.com/c360/taskmesh/health"
	"github.com/c360/taskmesh/metric"
	"github.com/c360/taskmesh/natsclient"
	"github.com/c360/taskmesh/pkg/password"
	"github.com/c360/taskmesh/pkg/sqlitepool"
	"github.com/c360/taskmesh/requestreply"
	"github.com/c360/taskmesh/responder"
	"github.com/c360/taskmesh/service"
	"github.com/c360/taskmesh/tasks"
	"github.com/c360/taskmesh/tokens"
	"github.com/c360/taskmesh/users"
)

const healthInterval = 10 * time.Second

// deps are the process-wide pieces shared by every service.
type deps struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	monitor  *health.Monitor
	broker   broker.Broker
	nats     *natsclient.Client
	codec    envelope.Codec
}

func (d *deps) serviceOpts(extra ...service.Option) []service.Option {
	return append([]service.Option{
		service.WithLogger(d.logger),
		service.WithMetrics(d.registry.CoreMetrics()),
		service.WithHealthMonitor(d.monitor),
		service.WithHealthInterval(healthInterval),
	}, extra...)
}

func (d *deps) newResponder(name string) *responder.Responder {
	return responder.New(name, d.broker,
		responder.WithCodec(d.codec),
		responder.WithTopicPrefix(d.cfg.Transport.TopicPrefix),
		responder.WithLogger(d.logger),
		responder.WithMetrics(d.registry),
		responder.WithWorkers(d.cfg.Responder.Workers, d.cfg.Responder.QueueSize),
		responder.WithHandlerTimeout(d.cfg.Transport.Timeout()),
	)
}

// buildServices connects the broker and registers every enabled service.
// Services are stopped in reverse order, so the broker goes last.
func buildServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*service.Manager, error) {
	codec, err := envelope.ByName(cfg.Transport.Codec)
	if err != nil {
		return nil, err
	}
	d := &deps{
		cfg:      cfg,
		logger:   logger,
		registry: metric.NewMetricsRegistry(),
		monitor:  health.NewMonitor(),
		codec:    codec,
	}
	manager := service.NewManager(logger)

	brokerSvc, err := connectBroker(ctx, d)
	if err != nil {
		return nil, err
	}
	if err := manager.Register(brokerSvc); err != nil {
		return nil, err
	}

	builders := []struct {
		enabled bool
		build   func(context.Context, *deps) ([]service.Service, error)
	}{
		{cfg.Services.Users.Enabled, buildUsers},
		{cfg.Services.Tokens.Enabled, buildTokens},
		{cfg.Services.Tasks.Enabled, buildTasks},
		{cfg.Services.Gateway.Enabled, buildGateway},
		{cfg.Metrics.Enabled, buildMetrics},
	}
	for _, b := range builders {
		if !b.enabled {
			continue
		}
		svcs, err := b.build(ctx, d)
		if err != nil {
			_ = brokerSvc.Stop(5 * time.Second)
			return nil, err
		}
		for _, svc := range svcs {
			if err := manager.Register(svc); err != nil {
				return nil, err
			}
		}
	}
	return manager, nil
}

// connectBroker returns the broker as a service whose Stop closes it.
func connectBroker(ctx context.Context, d *deps) (service.Service, error) {
	if d.cfg.Transport.Kind == config.TransportMemory {
		mem := broker.NewMemory()
		d.broker = mem
		d.logger.Info("Using in-process broker")
		return service.New("broker", nil,
			func(context.Context) error { return mem.Close() },
			d.serviceOpts()...), nil
	}

	nc := d.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(d.logger),
		natsclient.WithMetrics(d.registry),
		natsclient.WithReconnect(nc.MaxReconnects, nc.ReconnectDelay()),
		natsclient.WithName(nc.Name),
		natsclient.WithCompression(nc.Compression),
		natsclient.OnHealthChange(func(healthy bool) {
			if healthy {
				d.monitor.Update("nats", health.NewHealthy("nats", "connected"))
			} else {
				d.monitor.Update("nats", health.NewUnhealthy("nats", "disconnected"))
			}
		}),
	}
	if nc.Username != "" {
		opts = append(opts, natsclient.WithCredentials(nc.Username, nc.Password))
	}
	if nc.Token != "" {
		opts = append(opts, natsclient.WithToken(nc.Token))
	}
	if nc.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(nc.TLS.CertFile, nc.TLS.KeyFile, nc.TLS.CAFile))
	}

	client, err := natsclient.NewClient(strings.Join(nc.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "servers", len(nc.URLs))
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}

	d.broker = client
	d.nats = client
	return service.New("broker", nil, client.Close,
		d.serviceOpts(service.WithHealthCheck(func() error {
			if !client.IsHealthy() {
				return natsclient.ErrNotConnected
			}
			return nil
		}))...), nil
}

func buildUsers(ctx context.Context, d *deps) ([]service.Service, error) {
	var store users.Store
	switch d.cfg.Users.Store {
	case config.UserStoreMemory:
		store = users.NewMemoryStore()
	default:
		bucket, err := d.nats.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      d.cfg.Users.Bucket,
			Description: "taskmesh users",
			History:     1,
		})
		if err != nil {
			return nil, fmt.Errorf("users bucket: %w", err)
		}
		store = users.NewKVStore(d.nats.NewKVStore(bucket))
	}

	hasher, err := password.NewHasher(password.DefaultParams())
	if err != nil {
		return nil, err
	}
	svc, err := users.NewService(store, hasher, users.WithLogger(d.logger))
	if err != nil {
		return nil, err
	}

	r := d.newResponder("users")
	if err := svc.Mount(r); err != nil {
		return nil, err
	}
	return []service.Service{responderService(d, r, nil)}, nil
}

func buildTokens(_ context.Context, d *deps) ([]service.Service, error) {
	tc := d.cfg.Tokens
	manager, err := tokens.NewManager(tokens.Config{
		Secret: []byte(tc.Secret),
		Issuer: tc.Issuer,
		TTL:    tc.TokenTTL(),
		Leeway: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("credential manager: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     tc.Redis.Addr,
		Password: tc.Redis.Password,
		DB:       tc.Redis.DB,
	})
	store := tokens.NewRedisStore(rdb)
	svc := tokens.NewService(manager, store, d.logger)

	r := d.newResponder("tokens")
	if err := svc.Mount(r); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return []service.Service{
		responderService(d, r, func(ctx context.Context) error {
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return store.Ping(pingCtx)
		}, rdb.Close),
	}, nil
}

func buildTasks(_ context.Context, d *deps) ([]service.Service, error) {
	store, pool, err := tasks.OpenSQLiteStore(sqlitepool.Config{
		Path:     d.cfg.Tasks.SQLitePath,
		PoolSize: d.cfg.Tasks.PoolSize,
		Logger:   d.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("task store: %w", err)
	}
	svc := tasks.NewService(store, d.logger)

	r := d.newResponder("tasks")
	if err := svc.Mount(r); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return []service.Service{responderService(d, r, nil, pool.Close)}, nil
}

// responderService runs r as a service. ping, when set, becomes the health
// check; closers run after the responder has drained.
func responderService(d *deps, r *responder.Responder, ping func(context.Context) error, closers ...func() error) service.Service {
	var opts []service.Option
	if ping != nil {
		opts = append(opts, service.WithHealthCheck(func() error { return ping(context.Background()) }))
	}
	stop := func(ctx context.Context) error {
		err := r.Stop(remaining(ctx))
		for _, c := range closers {
			if cerr := c(); cerr != nil && err == nil {
				err = cerr
			}
		}
		return err
	}
	return service.New(r.Name(), r.Start, stop, d.serviceOpts(opts...)...)
}

func buildGateway(_ context.Context, d *deps) ([]service.Service, error) {
	core := d.registry.CoreMetrics()
	timeout := d.cfg.Transport.Timeout()

	corr := correlator.New(correlator.WithLogger(d.logger), correlator.WithMetrics(core))
	client := requestreply.New(d.broker,
		requestreply.WithCodec(d.codec),
		requestreply.WithTimeout(timeout),
		requestreply.WithInstanceID(instanceID(d.cfg)),
		requestreply.WithCorrelator(corr),
		requestreply.WithLogger(d.logger),
		requestreply.WithMetrics(core),
	)

	authority := auth.NewRemoteAuthority(client, d.cfg.Transport.TopicPrefix)
	orchestrator := auth.NewOrchestrator(authority, authority,
		auth.WithLogger(d.logger), auth.WithMetrics(core))

	checker := health.NewChecker(appName)
	checker.Register("services", d.monitor.Check("services"))

	gw, err := gateway.New(gatewayConfig(d.cfg), client, orchestrator,
		gateway.WithLogger(d.logger),
		gateway.WithMetrics(core),
		gateway.WithHealthChecker(checker))
	if err != nil {
		return nil, err
	}

	topics := append(gw.Topics(), authority.Topics()...)
	if err := client.SubscribeToResponseOf(topics...); err != nil {
		return nil, err
	}

	start := func(ctx context.Context) error {
		if err := client.ConnectWithRetry(ctx, errors.DefaultRetryConfig().ToRetryConfig()); err != nil {
			return err
		}
		return gw.Start(ctx)
	}
	stop := func(ctx context.Context) error {
		err := gw.Stop(ctx)
		if cerr := client.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
		return err
	}
	gatewaySvc := service.New("gateway", start, stop, d.serviceOpts(service.WithHealthCheck(func() error {
		if state := client.State(); state != requestreply.Ready {
			return fmt.Errorf("request-reply client is %s", state)
		}
		return nil
	}))...)

	// Calls abandoned by a crashed caller path are swept after twice the
	// request timeout.
	sweeper := service.Background("reply-sweeper", func(ctx context.Context) error {
		corr.Run(ctx, timeout, 2*timeout)
		return nil
	}, d.serviceOpts()...)

	return []service.Service{gatewaySvc, sweeper}, nil
}

func buildMetrics(_ context.Context, d *deps) ([]service.Service, error) {
	srv := metric.NewServer(d.cfg.Metrics.Port, d.cfg.Metrics.Path, d.registry)
	return []service.Service{
		service.Background("metrics", func(ctx context.Context) error {
			d.logger.Info("Metrics server listening", "address", srv.Address())
			return srv.Serve(ctx)
		}, d.serviceOpts()...),
	}, nil
}

func gatewayConfig(cfg *config.Config) gateway.Config {
	g := cfg.Gateway
	read, write := g.Timeouts()
	return gateway.Config{
		ListenAddr:     g.ListenAddr,
		TopicPrefix:    cfg.Transport.TopicPrefix,
		MaxRequestSize: g.MaxRequestSize,
		EnableCORS:     g.EnableCORS,
		CORSOrigins:    g.CORSOrigins,
		RateLimit:      gateway.RateLimitConfig{RPS: g.RateLimit.RPS, Burst: g.RateLimit.Burst},
		ReadTimeout:    read,
		WriteTimeout:   write,
	}
}

// instanceID names this process's reply topics: transport.instance_id, then
// platform.instance_id, else a random id chosen by the client.
func instanceID(cfg *config.Config) string {
	if cfg.Transport.InstanceID != "" {
		return cfg.Transport.InstanceID
	}
	return cfg.Platform.InstanceID
}

func remaining(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
	}
	return time.Second
}
