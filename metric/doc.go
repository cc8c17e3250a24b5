// Package metric provides the Prometheus registry, the process-wide core
// metrics, and the HTTP server that exposes them.
//
// Core metrics cover the request-reply transport (calls, pending table,
// dropped replies), authorization decisions, remote handlers, the HTTP
// gateway, and the NATS connection. Services add their own collectors
// through Registrar; each name may be registered once per service.
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry)
//	go func() { _ = server.Serve(ctx) }()
//
//	registry.CoreMetrics().RecordCall("verify-credential", "ok", elapsed)
//
// Every recording method on *Metrics tolerates a nil receiver, so components
// built without a registry simply skip recording.
package metric
