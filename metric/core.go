package metric

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "taskmesh"

// Metrics contains the process-wide metrics. All recording methods are safe
// on a nil receiver so components can run without a registry.
type Metrics struct {
	ServiceStatus *prometheus.GaugeVec

	// Request-reply transport
	CallsTotal     *prometheus.CounterVec
	CallDuration   *prometheus.HistogramVec
	PendingCalls   prometheus.Gauge
	DroppedReplies *prometheus.CounterVec

	// Authorization
	AuthDecisions *prometheus.CounterVec

	// Remote handlers
	HandledMessages *prometheus.CounterVec

	// HTTP gateway
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// NATS
	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates the core metrics. They are unregistered until passed
// through NewMetricsRegistry.
func NewMetrics() *Metrics {
	return &Metrics{
		ServiceStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "status",
			Help:      "Service status (0=stopped, 1=starting, 2=running, 3=stopping)",
		}, []string{"service"}),

		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Request-reply calls by topic and outcome",
		}, []string{"topic", "outcome"}),

		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Time from publish to settled reply",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"topic"}),

		PendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "pending_calls",
			Help:      "Calls awaiting a correlated reply",
		}),

		DroppedReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "dropped_replies_total",
			Help:      "Replies dropped because no call was waiting for them",
		}, []string{"reason"}),

		AuthDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "decisions_total",
			Help:      "Authorization decisions by outcome and failing stage",
		}, []string{"outcome", "stage"}),

		HandledMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "responder",
			Name:      "handled_total",
			Help:      "Requests handled by remote handlers",
		}, []string{"topic", "outcome"}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method and status",
		}, []string{"route", "method", "status"}),

		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),

		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total NATS reconnections",
		}),

		NATSCircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "circuit_breaker",
			Help:      "Circuit breaker state (0=closed, 1=open)",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ServiceStatus,
		m.CallsTotal,
		m.CallDuration,
		m.PendingCalls,
		m.DroppedReplies,
		m.AuthDecisions,
		m.HandledMessages,
		m.HTTPRequests,
		m.HTTPDuration,
		m.NATSConnected,
		m.NATSReconnects,
		m.NATSCircuitBreaker,
	}
}

// RecordServiceStatus records a service lifecycle status
func (m *Metrics) RecordServiceStatus(service string, status int) {
	if m == nil {
		return
	}
	m.ServiceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordCall records one settled request-reply call
func (m *Metrics) RecordCall(topic, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(topic, outcome).Inc()
	m.CallDuration.WithLabelValues(topic).Observe(d.Seconds())
}

// SetPendingCalls records the size of the pending call table
func (m *Metrics) SetPendingCalls(n int) {
	if m == nil {
		return
	}
	m.PendingCalls.Set(float64(n))
}

// RecordDroppedReply counts a reply nobody was waiting for
func (m *Metrics) RecordDroppedReply(reason string) {
	if m == nil {
		return
	}
	m.DroppedReplies.WithLabelValues(reason).Inc()
}

// RecordAuthDecision counts an authorization decision. stage is empty on success.
func (m *Metrics) RecordAuthDecision(outcome, stage string) {
	if m == nil {
		return
	}
	if stage == "" {
		stage = "none"
	}
	m.AuthDecisions.WithLabelValues(outcome, stage).Inc()
}

// RecordHandled counts one request processed by a remote handler
func (m *Metrics) RecordHandled(topic, outcome string) {
	if m == nil {
		return
	}
	m.HandledMessages.WithLabelValues(topic, outcome).Inc()
}

// RecordHTTPRequest records one HTTP request
func (m *Metrics) RecordHTTPRequest(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

// RecordNATSStatus records NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.NATSConnected.Set(1)
	} else {
		m.NATSConnected.Set(0)
	}
}

// RecordNATSReconnect counts a NATS reconnection
func (m *Metrics) RecordNATSReconnect() {
	if m == nil {
		return
	}
	m.NATSReconnects.Inc()
}

// RecordCircuitBreakerState records circuit breaker state (0=closed, 1=open)
func (m *Metrics) RecordCircuitBreakerState(state int) {
	if m == nil {
		return
	}
	m.NATSCircuitBreaker.Set(float64(state))
}
