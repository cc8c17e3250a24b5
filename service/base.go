// Package service runs the long-lived parts of a taskmesh process
// (responders, the HTTP gateway, the metrics endpoint and background sweepers)
// under one lifecycle with health reporting.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/health"
	"github.com/c360/taskmesh/metric"
)

// Status represents the current status of a service
type Status int

// Possible service statuses
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Service is the contract the Manager drives.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	Status() Status
	Health() health.Status
}

// Info holds runtime information for a service
type Info struct {
	Name               string        `json:"name"`
	Status             string        `json:"status"`
	Uptime             time.Duration `json:"uptime"`
	StartTime          time.Time     `json:"start_time"`
	HealthChecks       int64         `json:"health_checks"`
	FailedHealthChecks int64         `json:"failed_health_checks"`
}

// StartFunc brings the wrapped component up. It must not block.
type StartFunc func(ctx context.Context) error

// StopFunc shuts the wrapped component down before ctx expires.
type StopFunc func(ctx context.Context) error

// HealthCheckFunc defines a custom health check function
type HealthCheckFunc func() error

// Option is a functional option for configuring BaseService
type Option func(*BaseService)

// BaseService adapts a component with start and stop hooks into a Service.
type BaseService struct {
	name    string
	start   StartFunc
	stop    StopFunc
	logger  *slog.Logger
	metrics *metric.Metrics
	monitor *health.Monitor

	status    atomic.Value // Status
	startTime atomic.Value // time.Time
	healthy   atomic.Bool
	lastErr   atomic.Value // string

	healthChecks       atomic.Int64
	failedHealthChecks atomic.Int64

	healthCheckFunc HealthCheckFunc
	healthInterval  time.Duration
	onHealthChange  func(bool)

	done      chan struct{}
	waitGroup sync.WaitGroup
	mu        sync.Mutex
}

// New wraps start and stop hooks as a named service. Either hook may be nil.
func New(name string, start StartFunc, stop StopFunc, opts ...Option) *BaseService {
	s := &BaseService{
		name:           name,
		start:          start,
		stop:           stop,
		healthInterval: 30 * time.Second,
		logger:         slog.Default().With("service", name),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.status.Store(StatusStopped)
	s.startTime.Store(time.Time{})
	s.lastErr.Store("")
	s.metrics.RecordServiceStatus(name, int(StatusStopped))
	return s
}

// WithLogger sets a custom logger for the service
func WithLogger(logger *slog.Logger) Option {
	return func(s *BaseService) {
		if logger != nil {
			s.logger = logger.With("service", s.name)
		}
	}
}

// WithMetrics records lifecycle transitions on the service status gauge.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *BaseService) {
		s.metrics = m
	}
}

// WithHealthMonitor publishes every health check result to m.
func WithHealthMonitor(m *health.Monitor) Option {
	return func(s *BaseService) {
		s.monitor = m
	}
}

// WithHealthCheck sets a custom health check function
func WithHealthCheck(fn HealthCheckFunc) Option {
	return func(s *BaseService) {
		s.healthCheckFunc = fn
	}
}

// WithHealthInterval sets the health check interval
func WithHealthInterval(interval time.Duration) Option {
	return func(s *BaseService) {
		s.healthInterval = interval
	}
}

// OnHealthChange sets a callback for health state changes
func OnHealthChange(fn func(bool)) Option {
	return func(s *BaseService) {
		s.onHealthChange = fn
	}
}

// Name returns the service name
func (s *BaseService) Name() string {
	return s.name
}

// Status returns the current service status
func (s *BaseService) Status() Status {
	return s.status.Load().(Status)
}

func (s *BaseService) setStatus(st Status) {
	s.status.Store(st)
	s.metrics.RecordServiceStatus(s.name, int(st))
}

// IsHealthy returns whether the last health check passed
func (s *BaseService) IsHealthy() bool {
	return s.healthy.Load()
}

// Health returns the standard health status for the service
func (s *BaseService) Health() health.Status {
	switch st := s.Status(); st {
	case StatusRunning:
		if !s.healthy.Load() {
			msg := s.lastErr.Load().(string)
			if msg == "" {
				msg = "health check failed"
			}
			return health.FromError(s.name, fmt.Errorf("%s (failed checks: %d)", msg, s.failedHealthChecks.Load()))
		}
		return health.NewHealthy(s.name, "Service operating normally")
	case StatusStarting:
		return health.NewDegraded(s.name, "Service is starting")
	case StatusStopping:
		return health.NewDegraded(s.name, "Service is stopping")
	default:
		return health.NewUnhealthy(s.name, "Service is "+st.String())
	}
}

// Start runs the start hook and begins health monitoring. Starting a
// running service is a no-op.
func (s *BaseService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.Status(); st == StatusRunning || st == StatusStarting {
		return nil
	}
	s.setStatus(StatusStarting)

	if s.start != nil {
		if err := s.start(ctx); err != nil {
			s.setStatus(StatusStopped)
			return errors.Wrap(err, "Service", "Start", "start "+s.name)
		}
	}

	s.startTime.Store(time.Now())
	s.done = make(chan struct{})
	s.setStatus(StatusRunning)
	s.performHealthCheck()

	if s.healthCheckFunc != nil && s.healthInterval > 0 {
		s.waitGroup.Add(1)
		go s.healthMonitor(ctx, time.NewTicker(s.healthInterval))
	}
	s.logger.Debug("service started")
	return nil
}

// Stop runs the stop hook with a deadline of timeout (5s when zero).
func (s *BaseService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.Status(); st == StatusStopped || st == StatusStopping {
		return nil
	}
	s.setStatus(StatusStopping)
	close(s.done)
	s.waitGroup.Wait()

	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var err error
	if s.stop != nil {
		if err = s.stop(ctx); err != nil {
			err = errors.Wrap(err, "Service", "Stop", "stop "+s.name)
		}
	}

	s.setStatus(StatusStopped)
	s.healthy.Store(false)
	s.publishHealth()
	s.logger.Debug("service stopped", "error", err)
	return err
}

// GetStatus returns the current service information
func (s *BaseService) GetStatus() Info {
	startTime := s.startTime.Load().(time.Time)
	uptime := time.Duration(0)
	if !startTime.IsZero() && s.Status() == StatusRunning {
		uptime = time.Since(startTime)
	}

	return Info{
		Name:               s.name,
		Status:             s.Status().String(),
		Uptime:             uptime,
		StartTime:          startTime,
		HealthChecks:       s.healthChecks.Load(),
		FailedHealthChecks: s.failedHealthChecks.Load(),
	}
}

func (s *BaseService) healthMonitor(ctx context.Context, ticker *time.Ticker) {
	defer s.waitGroup.Done()
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.performHealthCheck()
		}
	}
}

func (s *BaseService) performHealthCheck() {
	s.healthChecks.Add(1)

	var err error
	if s.healthCheckFunc != nil {
		err = s.healthCheckFunc()
	}

	wasHealthy := s.healthy.Load()
	isHealthy := err == nil
	if err != nil {
		s.failedHealthChecks.Add(1)
		s.lastErr.Store(err.Error())
	} else {
		s.lastErr.Store("")
	}
	s.healthy.Store(isHealthy)
	s.publishHealth()

	if wasHealthy != isHealthy {
		if !isHealthy {
			s.logger.Warn("service unhealthy", "error", err)
		}
		if s.onHealthChange != nil {
			go s.onHealthChange(isHealthy)
		}
	}
}

func (s *BaseService) publishHealth() {
	if s.monitor != nil {
		s.monitor.Update(s.name, s.Health())
	}
}
