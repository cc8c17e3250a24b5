package gateway

import (
	"fmt"
	"time"

	"github.com/c360/taskmesh/errors"
)

// RateLimitConfig is a per-client-IP token bucket. RPS 0 disables limiting.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// Config holds the gateway settings.
type Config struct {
	ListenAddr string

	// TopicPrefix namespaces every remote topic the routes call.
	TopicPrefix string

	// MaxRequestSize limits request bodies in bytes (default: 1MB)
	MaxRequestSize int64

	// EnableCORS requires explicit CORSOrigins. ["*"] is for development.
	EnableCORS  bool
	CORSOrigins []string

	RateLimit RateLimitConfig

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8080",
		MaxRequestSize: 1024 * 1024,
		CORSOrigins:    []string{},
		RateLimit:      RateLimitConfig{RPS: 20, Burst: 40},
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
	}
}

// Validate checks the configuration and fills zero sizes with defaults.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"listen_addr cannot be empty")
	}

	if c.MaxRequestSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_request_size cannot be negative")
	}
	if c.MaxRequestSize == 0 {
		c.MaxRequestSize = 1024 * 1024
	}
	if c.MaxRequestSize > 100*1024*1024 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_request_size cannot exceed 100MB")
	}

	if c.EnableCORS && len(c.CORSOrigins) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"enable_cors requires explicit cors_origins configuration (use [\"*\"] for development only)")
	}

	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("invalid rate limit: rps=%v burst=%d", c.RateLimit.RPS, c.RateLimit.Burst))
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 1
	}

	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"timeouts cannot be negative")
	}
	return nil
}
