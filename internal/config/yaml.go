// Package config loads and validates the keygate configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keygatedb/keygate/internal/model"
	"github.com/keygatedb/keygate/internal/ratelimit"
)

// YAMLConfig represents the top-level keygate configuration file.
type YAMLConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Store    StoreConfig    `yaml:"store"`
	Redis    RedisConfig    `yaml:"redis"`
	Limits   []RuleYAML     `yaml:"limits"`
	Penalty  PenaltyConfig  `yaml:"penalty"`
	Rotation RotationConfig `yaml:"rotation"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host"`
	Port            int        `yaml:"port"`
	ShutdownTimeout string     `yaml:"shutdown_timeout"`
	CORS            CORSConfig `yaml:"cors"`
	TLS             TLSConfig  `yaml:"tls"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
	Methods []string `yaml:"methods"`
}

// TLSConfig controls TLS termination at the server level.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig controls credential hashing, admin sessions, and the
// fail-open posture.
type AuthConfig struct {
	// SigningKey keys the HMAC over API key secrets. Required; rotating
	// it invalidates every stored hash.
	SigningKey string `yaml:"signing_key"`

	JWTSecret string `yaml:"jwt_secret"`
	JWTExpiry string `yaml:"jwt_expiry"`

	// FailOpen admits traffic when the rate-limit store is unreachable.
	// Denied by default.
	FailOpen bool `yaml:"fail_open"`
}

// StoreConfig selects the key record database.
type StoreConfig struct {
	Driver  string `yaml:"driver"` // sqlite, postgres, mysql
	DSN     string `yaml:"dsn"`
	DataDir string `yaml:"data_dir"` // sqlite only
}

// RedisConfig selects the shared counter backend. Disabled means
// counters live in process memory.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RuleYAML defines one rate-limit rule in the configuration file.
type RuleYAML struct {
	ID              string  `yaml:"id"`
	Scope           string  `yaml:"scope"`
	Algorithm       string  `yaml:"algorithm"`
	Capacity        int64   `yaml:"capacity"`
	Window          string  `yaml:"window"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
	Burst           int64   `yaml:"burst"`
	Endpoint        string  `yaml:"endpoint"`
}

// PenaltyConfig controls progressive penalties for repeat violators.
type PenaltyConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Threshold     int64   `yaml:"threshold"`
	Window        string  `yaml:"window"`
	Factor        float64 `yaml:"factor"`
	MaxMultiplier float64 `yaml:"max_multiplier"`
	Cooldown      string  `yaml:"cooldown"`
}

// RotationConfig controls key rotation defaults.
type RotationConfig struct {
	Grace string `yaml:"grace"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadYAMLConfig reads and parses a YAML configuration file. Environment
// variables referenced as ${VAR_NAME} in the file are expanded before
// parsing, and the rule set is validated so a bad rule fails at startup
// rather than on the first request.
func LoadYAMLConfig(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables: ${VAR_NAME}
	content := os.ExpandEnv(string(data))

	cfg := DefaultYAMLConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks everything that can be checked without touching the
// network: rules, durations, and the store driver.
func (c *YAMLConfig) Validate() error {
	if _, err := c.Rules(); err != nil {
		return err
	}
	if _, err := c.PenaltyPolicy(); err != nil {
		return err
	}
	if _, err := c.RotationGrace(); err != nil {
		return err
	}
	switch c.Store.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("store: unsupported driver %q", c.Store.Driver)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis: addr is required when enabled")
	}
	return nil
}

// Rules converts the configured limits into validated rule values.
func (c *YAMLConfig) Rules() ([]model.RateLimitRule, error) {
	rules := make([]model.RateLimitRule, 0, len(c.Limits))
	for i, r := range c.Limits {
		var window time.Duration
		if r.Window != "" {
			w, err := parseDuration(r.Window)
			if err != nil {
				return nil, fmt.Errorf("limits[%d] (%s): window: %w", i, r.ID, err)
			}
			window = w
		}
		rule := model.RateLimitRule{
			ID:              r.ID,
			Scope:           model.Scope(r.Scope),
			Algorithm:       model.Algorithm(r.Algorithm),
			Capacity:        r.Capacity,
			Window:          window,
			RefillPerSecond: r.RefillPerSecond,
			Burst:           r.Burst,
			Endpoint:        r.Endpoint,
		}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("limits[%d]: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// PenaltyPolicy converts the penalty section, falling back to defaults
// for unset fields.
func (c *YAMLConfig) PenaltyPolicy() (ratelimit.PenaltyPolicy, error) {
	p := ratelimit.DefaultPenaltyPolicy()
	p.Enabled = c.Penalty.Enabled
	if c.Penalty.Threshold > 0 {
		p.Threshold = c.Penalty.Threshold
	}
	if c.Penalty.Factor > 0 {
		p.Factor = c.Penalty.Factor
	}
	if c.Penalty.MaxMultiplier > 0 {
		p.MaxMultiplier = c.Penalty.MaxMultiplier
	}
	if c.Penalty.Window != "" {
		w, err := parseDuration(c.Penalty.Window)
		if err != nil {
			return p, fmt.Errorf("penalty: window: %w", err)
		}
		p.Window = w
	}
	if c.Penalty.Cooldown != "" {
		cd, err := parseDuration(c.Penalty.Cooldown)
		if err != nil {
			return p, fmt.Errorf("penalty: cooldown: %w", err)
		}
		p.Cooldown = cd
	}
	return p, nil
}

// RotationGrace returns the configured rotation grace window.
func (c *YAMLConfig) RotationGrace() (time.Duration, error) {
	if c.Rotation.Grace == "" {
		return 24 * time.Hour, nil
	}
	g, err := parseDuration(c.Rotation.Grace)
	if err != nil {
		return 0, fmt.Errorf("rotation: grace: %w", err)
	}
	return g, nil
}

// JWTExpiry returns the admin session lifetime.
func (c *YAMLConfig) JWTExpiry() (time.Duration, error) {
	if c.Auth.JWTExpiry == "" {
		return 24 * time.Hour, nil
	}
	d, err := parseDuration(c.Auth.JWTExpiry)
	if err != nil {
		return 0, fmt.Errorf("auth: jwt_expiry: %w", err)
	}
	return d, nil
}

// ShutdownTimeout returns the graceful shutdown deadline.
func (c *YAMLConfig) ShutdownTimeout() (time.Duration, error) {
	if c.Server.ShutdownTimeout == "" {
		return 30 * time.Second, nil
	}
	d, err := parseDuration(c.Server.ShutdownTimeout)
	if err != nil {
		return 0, fmt.Errorf("server: shutdown_timeout: %w", err)
	}
	return d, nil
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}

// DefaultYAMLConfig returns a YAMLConfig pre-filled with sensible defaults.
func DefaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			CORS: CORSConfig{
				Origins: []string{"*"},
				Methods: []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
			},
		},
		Auth: AuthConfig{
			JWTExpiry: "24h",
		},
		Store: StoreConfig{
			Driver:  "sqlite",
			DataDir: "./data",
		},
		Limits: []RuleYAML{
			{ID: "per-key-default", Scope: "per_api_key", Algorithm: "token_bucket", RefillPerSecond: 10, Burst: 100},
		},
		Penalty: PenaltyConfig{
			Enabled:       true,
			Threshold:     5,
			Window:        "1m",
			Factor:        2,
			MaxMultiplier: 8,
			Cooldown:      "5m",
		},
		Rotation: RotationConfig{Grace: "24h"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	cfg := DefaultYAMLConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
