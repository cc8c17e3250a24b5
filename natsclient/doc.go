// Package natsclient wraps a NATS connection for the request-reply transport.
//
// Client tracks a small status machine (disconnected, connecting, connected,
// reconnecting, circuit_open) and opens a circuit breaker after repeated
// connection failures; while open, Connect fails fast with ErrCircuitOpen and
// the backoff doubles on each opening up to the configured maximum.
//
// Client implements broker.Broker: Publish, Subscribe, QueueSubscribe,
// Flush and WaitForConnection. Subscription handlers receive a context that
// survives the caller's cancellation and is bounded to 30 seconds per message.
//
// KVStore adds compare-and-swap helpers over a JetStream key-value bucket.
// Create fails with ErrKVKeyExists when the key is present, Update with
// ErrKVRevisionMismatch on a stale revision, and UpdateWithRetry retries
// conflicts through pkg/retry.
//
// NewTestClient starts a disposable NATS server with testcontainers for
// integration tests.
package natsclient
