package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/taskmesh/errors"
)

// Registrar accepts service-owned collectors. A (service, name) pair can be
// held by one collector at a time.
type Registrar interface {
	Register(service, name string, c prometheus.Collector) error
	Unregister(service, name string) bool
}

// MetricsRegistry owns a private prometheus registry holding the core
// metrics, Go runtime collectors, and any service metrics registered later.
type MetricsRegistry struct {
	prom    *prometheus.Registry
	Metrics *Metrics

	mu    sync.Mutex
	owned map[string]prometheus.Collector
}

var _ Registrar = (*MetricsRegistry)(nil)

func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prom:    prometheus.NewRegistry(),
		Metrics: NewMetrics(),
		owned:   make(map[string]prometheus.Collector),
	}
	r.prom.MustRegister(r.Metrics.collectors()...)
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry is the gatherer served on the metrics endpoint.
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prom
}

// CoreMetrics returns the core metrics. Safe on a nil registry.
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	if r == nil {
		return nil
	}
	return r.Metrics
}

// Register adds c under service/name. Reusing a key, or a collector whose
// descriptors clash with one already registered, is an invalid-class error.
func (r *MetricsRegistry) Register(service, name string, c prometheus.Collector) error {
	key := service + "." + name

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.owned[key]; taken {
		return errors.WrapInvalid(fmt.Errorf("metric %s already registered for service %s", name, service),
			"MetricsRegistry", "Register", "duplicate metric registration")
	}
	if err := r.prom.Register(c); err != nil {
		var conflict prometheus.AlreadyRegisteredError
		if stderrors.As(err, &conflict) {
			return errors.WrapInvalid(err, "MetricsRegistry", "Register", "prometheus conflict for "+name)
		}
		return errors.WrapFatal(err, "MetricsRegistry", "Register", "register with prometheus")
	}
	r.owned[key] = c
	return nil
}

// Unregister frees service/name. It reports whether anything was removed.
func (r *MetricsRegistry) Unregister(service, name string) bool {
	key := service + "." + name

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.owned[key]
	if !ok || !r.prom.Unregister(c) {
		return false
	}
	delete(r.owned, key)
	return true
}
