package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TASKMESH"

// Config file formats
const (
	formatJSON  = "json"
	formatJSONC = "jsonc"
	formatYAML  = "yaml"
)

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON
	case ".jsonc":
		return formatJSONC
	case ".yaml", ".yml":
		return formatYAML
	default:
		return ""
	}
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{envPrefix: EnvPrefix, getenv: os.Getenv}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		if cfg, err = mergeFromMap(cfg, raw); err != nil {
			return nil, fmt.Errorf("failed to apply %s: %w", path, err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}
	return cfg, nil
}

// loadRaw reads one layer into a generic map.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch formatOf(path) {
	case formatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	case formatJSONC:
		data = jsonc.ToJSON(data)
		fallthrough
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields
// present in the map.
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies TASKMESH_* variables. Lists are comma
// separated.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	str := map[string]*string{
		"PLATFORM_ID":           &cfg.Platform.ID,
		"PLATFORM_INSTANCE_ID":  &cfg.Platform.InstanceID,
		"PLATFORM_ENVIRONMENT":  &cfg.Platform.Environment,
		"NATS_USERNAME":         &cfg.NATS.Username,
		"NATS_PASSWORD":         &cfg.NATS.Password,
		"NATS_TOKEN":            &cfg.NATS.Token,
		"TRANSPORT_KIND":        &cfg.Transport.Kind,
		"TRANSPORT_CODEC":       &cfg.Transport.Codec,
		"TRANSPORT_PREFIX":      &cfg.Transport.TopicPrefix,
		"GATEWAY_LISTEN_ADDR":   &cfg.Gateway.ListenAddr,
		"USERS_STORE":           &cfg.Users.Store,
		"TOKENS_SECRET":         &cfg.Tokens.Secret,
		"TOKENS_REDIS_ADDR":     &cfg.Tokens.Redis.Addr,
		"TOKENS_REDIS_PASSWORD": &cfg.Tokens.Redis.Password,
		"TASKS_SQLITE_PATH":     &cfg.Tasks.SQLitePath,
	}
	for suffix, dst := range str {
		val, err := l.env(suffix)
		if err != nil {
			return err
		}
		if val != "" {
			*dst = val
		}
	}

	ints := map[string]*int{
		"METRICS_PORT":    &cfg.Metrics.Port,
		"TOKENS_REDIS_DB": &cfg.Tokens.Redis.DB,
	}
	for suffix, dst := range ints {
		val, err := l.env(suffix)
		if err != nil {
			return err
		}
		if val == "" {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s_%s: %w", l.envPrefix, suffix, err)
		}
		*dst = n
	}

	val, err := l.env("NATS_URLS")
	if err != nil {
		return err
	}
	if val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	return nil
}

func (l *Loader) env(suffix string) (string, error) {
	key := l.envPrefix + "_" + suffix
	val := l.getenv(key)
	if err := validateEnvVar(key, val); err != nil {
		return "", err
	}
	return val, nil
}
