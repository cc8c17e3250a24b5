package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/health"
)

// Manager starts registered services concurrently and stops them in reverse
// registration order.
type Manager struct {
	mu       sync.RWMutex
	services []Service
	names    map[string]struct{}
	logger   *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		names:  make(map[string]struct{}),
		logger: logger.With("component", "service-manager"),
	}
}

// Register adds svc. Names must be unique.
func (m *Manager) Register(svc Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.names[svc.Name()]; dup {
		return errors.WrapInvalid(fmt.Errorf("service %q already registered", svc.Name()),
			"Manager", "Register", "register service")
	}
	m.names[svc.Name()] = struct{}{}
	m.services = append(m.services, svc)
	return nil
}

// Services returns the registered services in registration order.
func (m *Manager) Services() []Service {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Service(nil), m.services...)
}

// StartAll starts every service concurrently. ctx is the lifetime handed to
// each service, not a startup deadline. If any start fails, the services
// that did start are stopped again and the first error is returned.
func (m *Manager) StartAll(ctx context.Context) error {
	services := m.Services()
	m.logger.Debug("starting services", "count", len(services))

	var g errgroup.Group
	for _, svc := range services {
		svc := svc
		g.Go(func() error {
			start := time.Now()
			if err := svc.Start(ctx); err != nil {
				m.logger.Error("service failed to start", "service", svc.Name(), "error", err)
				return fmt.Errorf("failed to start service %s: %w", svc.Name(), err)
			}
			m.logger.Debug("service started", "service", svc.Name(),
				"duration_ms", time.Since(start).Milliseconds())
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if stopErr := m.stop(services, 5*time.Second); stopErr != nil {
			m.logger.Warn("rollback after failed start", "error", stopErr)
		}
		return err
	}
	m.logger.Info("all services started", "count", len(services))
	return nil
}

// StopAll stops every service in reverse registration order, giving each up
// to timeout.
func (m *Manager) StopAll(timeout time.Duration) error {
	return m.stop(m.Services(), timeout)
}

func (m *Manager) stop(services []Service, timeout time.Duration) error {
	overallStart := time.Now()

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		if svc.Status() == StatusStopped {
			continue
		}
		start := time.Now()
		if err := svc.Stop(timeout); err != nil {
			m.logger.Error("service stop failed", "service", svc.Name(),
				"duration_ms", time.Since(start).Milliseconds(), "error", err)
			errs = append(errs, fmt.Errorf("failed to stop service %s: %w", svc.Name(), err))
			continue
		}
		m.logger.Debug("service stopped", "service", svc.Name(),
			"duration_ms", time.Since(start).Milliseconds())
	}

	m.logger.Debug("service shutdown sequence completed",
		"duration_ms", time.Since(overallStart).Milliseconds(),
		"error_count", len(errs))
	return stderrors.Join(errs...)
}

// Health aggregates the health of every registered service.
func (m *Manager) Health() health.Status {
	services := m.Services()
	subs := make([]health.Status, 0, len(services))
	for _, svc := range services {
		subs = append(subs, svc.Health())
	}
	return health.Aggregate("services", subs)
}

// Check exposes Health as a health.Check.
func (m *Manager) Check() health.Check {
	return func(_ context.Context) health.Status {
		return m.Health()
	}
}
