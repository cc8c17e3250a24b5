package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/taskmesh/metric"
)

// ClientOption configures a Client. An option returning an error makes
// NewClient fail with an invalid-class error.
type ClientOption func(*Client) error

// WithReconnect bounds automatic reconnection. max of -1 retries forever;
// a zero wait keeps the default.
func WithReconnect(max int, wait time.Duration) ClientOption {
	return func(c *Client) error {
		if wait < 0 {
			return fmt.Errorf("reconnect wait must not be negative, got %v", wait)
		}
		c.maxReconnects = max
		if wait > 0 {
			c.reconnectWait = wait
		}
		return nil
	}
}

// WithTimeouts sets the connect/flush timeout and the drain bound used by
// Close. A zero drain keeps the default.
func WithTimeouts(request, drain time.Duration) ClientOption {
	return func(c *Client) error {
		if request <= 0 {
			return fmt.Errorf("timeout must be positive, got %v", request)
		}
		c.timeout = request
		if drain > 0 {
			c.drainTimeout = drain
		}
		return nil
	}
}

// WithCircuitBreaker sets how many consecutive connect failures open the
// circuit and the ceiling for its backoff. Out of range values fall back to
// 5 failures and one minute.
func WithCircuitBreaker(threshold int32, maxBackoff time.Duration) ClientOption {
	return func(c *Client) error {
		if threshold < 1 {
			threshold = 5
		}
		if maxBackoff < time.Second {
			maxBackoff = time.Minute
		}
		c.circuitThreshold = threshold
		c.maxBackoff = maxBackoff
		return nil
	}
}

// WithHealthInterval sets how often the connection is probed. Zero disables it.
func WithHealthInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d < 0 {
			return fmt.Errorf("health interval must not be negative, got %v", d)
		}
		c.healthInterval = d
		return nil
	}
}

// OnHealthChange registers fn for connect, disconnect and close transitions.
func OnHealthChange(fn func(healthy bool)) ClientOption {
	return func(c *Client) error {
		c.onHealthChange = fn
		return nil
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username, c.password = username, password
		return nil
	}
}

func WithToken(token string) ClientOption {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithTLS turns TLS on. The client cert and key are optional but must come
// as a pair; caFile may be empty to use the system roots.
func WithTLS(certFile, keyFile, caFile string) ClientOption {
	return func(c *Client) error {
		if (certFile == "") != (keyFile == "") {
			return fmt.Errorf("TLS cert and key must be set together")
		}
		c.tlsEnabled = true
		c.tlsCertFile, c.tlsKeyFile, c.tlsCAFile = certFile, keyFile, caFile
		return nil
	}
}

// WithName is reported to the server and shows up in its connz output.
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

func WithCompression(enabled bool) ClientOption {
	return func(c *Client) error {
		c.compression = enabled
		return nil
	}
}

// WithMetrics records connection status, reconnects and circuit breaker
// state into the registry's core metrics.
func WithMetrics(registry *metric.MetricsRegistry) ClientOption {
	return func(c *Client) error {
		c.metrics = registry.CoreMetrics()
		return nil
	}
}
