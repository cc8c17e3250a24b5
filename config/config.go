// Package config loads the taskmesh process configuration.
//
// Configuration is built in layers: defaults, then each file added with
// AddLayer (.json, .jsonc or .yaml/.yml) deep-merged in order, then
// TASKMESH_* environment overrides, then Validate. Durations are strings
// such as "5s" or "7d" and are read through accessor methods.
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/production.jsonc")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Transport kinds
const (
	TransportNATS   = "nats"
	TransportMemory = "memory"
)

// User store kinds
const (
	UserStoreKV     = "kv"
	UserStoreMemory = "memory"
)

// Config is the complete process configuration.
type Config struct {
	Platform  PlatformConfig  `json:"platform"`
	NATS      NATSConfig      `json:"nats"`
	Transport TransportConfig `json:"transport"`
	Gateway   GatewayConfig   `json:"gateway"`
	Users     UsersConfig     `json:"users"`
	Tokens    TokensConfig    `json:"tokens"`
	Tasks     TasksConfig     `json:"tasks"`
	Responder ResponderConfig `json:"responder"`
	Metrics   MetricsConfig   `json:"metrics"`
	Services  ServicesConfig  `json:"services"`
}

// PlatformConfig identifies this deployment.
type PlatformConfig struct {
	Org         string `json:"org"`
	ID          string `json:"id"`
	InstanceID  string `json:"instance_id,omitempty"`
	Environment string `json:"environment,omitempty"` // "prod", "dev", "test"
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait string        `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	TLS           NATSTLSConfig `json:"tls,omitempty"`
	Name          string        `json:"name,omitempty"`
	Compression   bool          `json:"compression,omitempty"`
}

// NATSTLSConfig for secure NATS connections
type NATSTLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// TransportConfig selects the broker and wire codec for remote calls.
type TransportConfig struct {
	Kind           string `json:"kind"`
	Codec          string `json:"codec"`
	TopicPrefix    string `json:"topic_prefix,omitempty"`
	RequestTimeout string `json:"request_timeout"`
	// InstanceID names this process's reply topics. Empty means a random id.
	InstanceID string `json:"instance_id,omitempty"`
}

// RateLimitConfig is the per-client-IP token bucket. RPS 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `json:"rps"`
	Burst int     `json:"burst"`
}

// GatewayConfig configures the HTTP gateway.
type GatewayConfig struct {
	ListenAddr     string          `json:"listen_addr"`
	MaxRequestSize int64           `json:"max_request_size"`
	EnableCORS     bool            `json:"enable_cors"`
	CORSOrigins    []string        `json:"cors_origins,omitempty"`
	RateLimit      RateLimitConfig `json:"rate_limit"`
	ReadTimeout    string          `json:"read_timeout"`
	WriteTimeout   string          `json:"write_timeout"`
}

// UsersConfig configures the user service store.
type UsersConfig struct {
	Store  string `json:"store"`
	Bucket string `json:"bucket"`
}

// RedisConfig addresses the credential store.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db"`
}

// TokensConfig configures credential issuing.
type TokensConfig struct {
	Secret string      `json:"secret"`
	Issuer string      `json:"issuer"`
	TTL    string      `json:"ttl"`
	Redis  RedisConfig `json:"redis"`
}

// TasksConfig configures the task store.
type TasksConfig struct {
	SQLitePath string `json:"sqlite_path"`
	PoolSize   int    `json:"pool_size"`
}

// ResponderConfig sizes each service's worker pool.
type ResponderConfig struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queue_size"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// ServiceToggle turns one in-process service on or off.
type ServiceToggle struct {
	Enabled bool `json:"enabled"`
}

// ServicesConfig selects which services this process runs.
type ServicesConfig struct {
	Gateway ServiceToggle `json:"gateway"`
	Users   ServiceToggle `json:"users"`
	Tokens  ServiceToggle `json:"tokens"`
	Tasks   ServiceToggle `json:"tasks"`
}

// Default returns the built-in configuration. It does not validate on its
// own: tokens.secret has no default.
func Default() *Config {
	return &Config{
		Platform: PlatformConfig{Org: "c360", ID: "taskmesh", Environment: "dev"},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: "2s",
			Name:          "taskmesh",
		},
		Transport: TransportConfig{
			Kind:           TransportNATS,
			Codec:          "json",
			RequestTimeout: "5s",
		},
		Gateway: GatewayConfig{
			ListenAddr:     ":8080",
			MaxRequestSize: 1024 * 1024,
			RateLimit:      RateLimitConfig{RPS: 20, Burst: 40},
			ReadTimeout:    "10s",
			WriteTimeout:   "30s",
		},
		Users:     UsersConfig{Store: UserStoreKV, Bucket: "users"},
		Tokens:    TokensConfig{Issuer: "taskmesh", TTL: "24h", Redis: RedisConfig{Addr: "localhost:6379"}},
		Tasks:     TasksConfig{SQLitePath: "taskmesh-tasks.db", PoolSize: 4},
		Responder: ResponderConfig{Workers: 8, QueueSize: 256},
		Metrics:   MetricsConfig{Enabled: true, Port: 9090, Path: "/metrics"},
		Services: ServicesConfig{
			Gateway: ServiceToggle{Enabled: true},
			Users:   ServiceToggle{Enabled: true},
			Tokens:  ServiceToggle{Enabled: true},
			Tasks:   ServiceToggle{Enabled: true},
		},
	}
}

// Validate checks the configuration and normalizes platform.org to lower
// case.
func (c *Config) Validate() error {
	if c.Platform.Org == "" {
		return errors.New("platform.org is required")
	}
	c.Platform.Org = strings.ToLower(c.Platform.Org)
	if !isValidSubjectPart(c.Platform.Org) {
		return fmt.Errorf("platform.org '%s' is not valid for topics (must be alphanumeric with dots, dashes, underscores)",
			c.Platform.Org)
	}
	if c.Platform.ID == "" {
		return errors.New("platform.id is required")
	}

	if err := c.validateTransport(); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	if err := c.validateGateway(); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	if err := c.validateServices(); err != nil {
		return err
	}

	if c.Responder.Workers < 0 || c.Responder.QueueSize < 0 {
		return errors.New("responder.workers and responder.queue_size cannot be negative")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port %d out of range", c.Metrics.Port)
	}
	return nil
}

func (c *Config) validateTransport() error {
	t := c.Transport
	switch t.Kind {
	case TransportNATS:
		if len(c.NATS.URLs) == 0 {
			return errors.New("nats.urls is required for the nats transport")
		}
		if _, err := parseDurationWithDays(c.NATS.ReconnectWait); err != nil && c.NATS.ReconnectWait != "" {
			return fmt.Errorf("nats.reconnect_wait: %w", err)
		}
		if err := c.validateTLS(); err != nil {
			return err
		}
	case TransportMemory:
	default:
		return fmt.Errorf("kind %q must be %q or %q", t.Kind, TransportNATS, TransportMemory)
	}

	switch t.Codec {
	case "json", "cbor":
	default:
		return fmt.Errorf("codec %q must be \"json\" or \"cbor\"", t.Codec)
	}
	if t.TopicPrefix != "" && !isValidSubjectPart(t.TopicPrefix) {
		return fmt.Errorf("topic_prefix %q is not a valid topic segment", t.TopicPrefix)
	}
	if err := positiveDuration("request_timeout", t.RequestTimeout); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateTLS() error {
	tls := c.NATS.TLS
	if !tls.Enabled {
		return nil
	}
	for name, path := range map[string]string{"cert_file": tls.CertFile, "key_file": tls.KeyFile, "ca_file": tls.CAFile} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("nats.tls.%s: %w", name, err)
		}
	}
	if (tls.CertFile == "") != (tls.KeyFile == "") {
		return errors.New("nats.tls.cert_file and nats.tls.key_file must be set together")
	}
	return nil
}

func (c *Config) validateGateway() error {
	if !c.Services.Gateway.Enabled {
		return nil
	}
	g := c.Gateway
	if g.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if g.MaxRequestSize < 0 {
		return errors.New("max_request_size cannot be negative")
	}
	if g.EnableCORS && len(g.CORSOrigins) == 0 {
		return errors.New("enable_cors requires cors_origins")
	}
	if g.RateLimit.RPS < 0 || g.RateLimit.Burst < 0 {
		return errors.New("rate_limit values cannot be negative")
	}
	if err := positiveDuration("read_timeout", g.ReadTimeout); err != nil {
		return err
	}
	return positiveDuration("write_timeout", g.WriteTimeout)
}

func (c *Config) validateServices() error {
	s := c.Services
	if !s.Gateway.Enabled && !s.Users.Enabled && !s.Tokens.Enabled && !s.Tasks.Enabled {
		return errors.New("services: at least one service must be enabled")
	}

	if s.Users.Enabled {
		switch c.Users.Store {
		case UserStoreMemory:
		case UserStoreKV:
			if c.Transport.Kind != TransportNATS {
				return errors.New("users.store kv requires the nats transport")
			}
			if c.Users.Bucket == "" {
				return errors.New("users.bucket is required for the kv store")
			}
		default:
			return fmt.Errorf("users.store %q must be %q or %q", c.Users.Store, UserStoreKV, UserStoreMemory)
		}
	}

	if s.Tokens.Enabled {
		if c.Tokens.Secret == "" {
			return errors.New("tokens.secret is required")
		}
		if c.Tokens.Issuer == "" {
			return errors.New("tokens.issuer is required")
		}
		if err := positiveDuration("tokens.ttl", c.Tokens.TTL); err != nil {
			return err
		}
		if c.Tokens.Redis.Addr == "" {
			return errors.New("tokens.redis.addr is required")
		}
	}

	if s.Tasks.Enabled && c.Tasks.SQLitePath == "" {
		return errors.New("tasks.sqlite_path is required")
	}

	// Without a broker every service must share the process.
	if c.Transport.Kind == TransportMemory && !(s.Gateway.Enabled && s.Users.Enabled && s.Tokens.Enabled && s.Tasks.Enabled) {
		return errors.New("the memory transport requires every service enabled in one process")
	}
	return nil
}

// isValidSubjectPart reports whether s is usable inside a topic name.
func isValidSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

func positiveDuration(name, value string) error {
	d, err := parseDurationWithDays(value)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive", name)
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// duration returns the parsed value, or 0 when s does not parse. Validate
// rejects unparsable values first.
func duration(s string) time.Duration {
	d, _ := parseDurationWithDays(s)
	return d
}

// ReconnectDelay returns nats.reconnect_wait.
func (n NATSConfig) ReconnectDelay() time.Duration { return duration(n.ReconnectWait) }

// Timeout returns transport.request_timeout.
func (t TransportConfig) Timeout() time.Duration { return duration(t.RequestTimeout) }

// Timeouts returns the gateway read and write timeouts.
func (g GatewayConfig) Timeouts() (read, write time.Duration) {
	return duration(g.ReadTimeout), duration(g.WriteTimeout)
}

// TokenTTL returns tokens.ttl.
func (t TokensConfig) TokenTTL() time.Duration { return duration(t.TTL) }

// String renders the configuration as JSON with secrets redacted.
func (c *Config) String() string {
	redacted := *c
	redact := func(s *string) {
		if *s != "" {
			*s = "[REDACTED]"
		}
	}
	redact(&redacted.NATS.Password)
	redact(&redacted.NATS.Token)
	redact(&redacted.Tokens.Secret)
	redact(&redacted.Tokens.Redis.Password)

	data, _ := json.MarshalIndent(&redacted, "", "  ")
	return string(data)
}
