// Package config loads ManagerAgent configuration from
// <workspace>/.magent/config.yaml, applies defaults, and layers environment
// overrides (MAGENT_*) on top of the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// StateDirName is the per-workspace state directory.
const StateDirName = ".magent"

// Config holds all ManagerAgent configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Subsystems
	Gateway   GatewayConfig   `yaml:"gateway"`
	Bus       BusConfig       `yaml:"bus"`
	Registry  RegistryConfig  `yaml:"registry"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Backup    BackupConfig    `yaml:"backup"`
	Health    HealthConfig    `yaml:"health"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// GatewayConfig configures the API gateway.
type GatewayConfig struct {
	Listen string `yaml:"listen" env:"MAGENT_GATEWAY_LISTEN"`

	// Routes map path prefixes to backend services. Longest prefix wins.
	Routes []RouteConfig `yaml:"routes"`

	// Circuit breaker settings, applied per route.
	BreakerFailureThreshold int    `yaml:"breaker_failure_threshold" env:"MAGENT_GATEWAY_BREAKER_THRESHOLD"`
	BreakerCooldown         string `yaml:"breaker_cooldown" env:"MAGENT_GATEWAY_BREAKER_COOLDOWN"`

	// Default upstream timeout for routes that do not set one.
	DefaultTimeout string `yaml:"default_timeout" env:"MAGENT_GATEWAY_TIMEOUT"`
}

// RouteConfig is one gateway route as written in config.yaml.
type RouteConfig struct {
	PathPrefix  string `yaml:"path_prefix"`
	Service     string `yaml:"service"`
	StripPrefix bool   `yaml:"strip_prefix"`
	Timeout     string `yaml:"timeout"`
}

// BusConfig configures the event bus.
type BusConfig struct {
	Workers      int     `yaml:"workers" env:"MAGENT_BUS_WORKERS"`
	QueueSize    int     `yaml:"queue_size" env:"MAGENT_BUS_QUEUE_SIZE"`
	MaxAttempts  int     `yaml:"max_attempts" env:"MAGENT_BUS_MAX_ATTEMPTS"`
	RetryBase    string  `yaml:"retry_base" env:"MAGENT_BUS_RETRY_BASE"`
	RetryCap     string  `yaml:"retry_cap" env:"MAGENT_BUS_RETRY_CAP"`
	RetryFactor  float64 `yaml:"retry_factor" env:"MAGENT_BUS_RETRY_FACTOR"`
	DrainTimeout string  `yaml:"drain_timeout" env:"MAGENT_BUS_DRAIN_TIMEOUT"`
}

// RegistryConfig configures the service registry.
type RegistryConfig struct {
	DefaultTTL   string `yaml:"default_ttl" env:"MAGENT_REGISTRY_TTL"`
	ReapInterval string `yaml:"reap_interval" env:"MAGENT_REGISTRY_REAP_INTERVAL"`
}

// SchedulerConfig configures the plan scheduler.
type SchedulerConfig struct {
	Workers     int    `yaml:"workers" env:"MAGENT_SCHEDULER_WORKERS"`
	MaxAttempts int    `yaml:"max_attempts" env:"MAGENT_SCHEDULER_MAX_ATTEMPTS"`
	RetryBase   string `yaml:"retry_base" env:"MAGENT_SCHEDULER_RETRY_BASE"`
	RetryCap    string `yaml:"retry_cap" env:"MAGENT_SCHEDULER_RETRY_CAP"`
}

// BackupConfig configures state backups.
type BackupConfig struct {
	Dir       string `yaml:"dir" env:"MAGENT_BACKUP_DIR"`
	Retention int    `yaml:"retention" env:"MAGENT_BACKUP_RETENTION"` // newest N kept by prune
}

// HealthConfig configures the status checker.
type HealthConfig struct {
	ProbeInterval    string `yaml:"probe_interval" env:"MAGENT_HEALTH_INTERVAL"`
	ProbeTimeout     string `yaml:"probe_timeout" env:"MAGENT_HEALTH_TIMEOUT"`
	DegradedLatency  string `yaml:"degraded_latency" env:"MAGENT_HEALTH_DEGRADED_LATENCY"`
	Path             string `yaml:"path" env:"MAGENT_HEALTH_PATH"` // probe path on each service
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level" env:"MAGENT_LOG_LEVEL"`   // debug, info, warn, error
	DebugMode  bool            `yaml:"debug_mode" env:"MAGENT_DEBUG"`  // master toggle, false = no category logs
	JSONFormat bool            `yaml:"json_format" env:"MAGENT_LOG_JSON"`
	Categories map[string]bool `yaml:"categories"`
}

// IsCategoryEnabled returns whether logging is enabled for a category.
// Returns false when debug_mode is off; unlisted categories default to on.
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	if !c.DebugMode {
		return false
	}
	if c.Categories == nil {
		return true
	}
	enabled, exists := c.Categories[category]
	if !exists {
		return true
	}
	return enabled
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "ManagerAgent",
		Version: "2.0.0",

		Gateway: GatewayConfig{
			Listen:                  "127.0.0.1:3000",
			BreakerFailureThreshold: 5,
			BreakerCooldown:         "15s",
			DefaultTimeout:          "30s",
		},

		Bus: BusConfig{
			Workers:      4,
			QueueSize:    256,
			MaxAttempts:  5,
			RetryBase:    "200ms",
			RetryCap:     "30s",
			RetryFactor:  2.0,
			DrainTimeout: "10s",
		},

		Registry: RegistryConfig{
			DefaultTTL:   "30s",
			ReapInterval: "10s",
		},

		Scheduler: SchedulerConfig{
			Workers:     4,
			MaxAttempts: 3,
			RetryBase:   "500ms",
			RetryCap:    "1m",
		},

		Backup: BackupConfig{
			Dir:       "backups",
			Retention: 10,
		},

		Health: HealthConfig{
			ProbeInterval:   "30s",
			ProbeTimeout:    "5s",
			DegradedLatency: "1s",
			Path:            "/health",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, StateDirName, "config.yaml")
}

// Load loads configuration for a workspace: defaults, then config.yaml if
// present, then MAGENT_* environment overrides.
func Load(workspace string) (*Config, error) {
	return LoadFile(Path(workspace))
}

// LoadFile loads configuration from an explicit file path.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No file: defaults plus env overrides.
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes configuration to a YAML file, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (c *Config) validate() error {
	if c.Bus.Workers < 1 {
		return fmt.Errorf("bus.workers must be >= 1, got %d", c.Bus.Workers)
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be >= 1, got %d", c.Scheduler.Workers)
	}
	if c.Gateway.BreakerFailureThreshold < 1 {
		return fmt.Errorf("gateway.breaker_failure_threshold must be >= 1, got %d", c.Gateway.BreakerFailureThreshold)
	}
	seen := make(map[string]bool)
	for _, r := range c.Gateway.Routes {
		if r.PathPrefix == "" || r.Service == "" {
			return fmt.Errorf("gateway route needs path_prefix and service: %+v", r)
		}
		if seen[r.PathPrefix] {
			return fmt.Errorf("duplicate gateway route prefix %q", r.PathPrefix)
		}
		seen[r.PathPrefix] = true
	}
	return nil
}

// Duration parses a duration string with a fallback default. Config duration
// fields are strings so they stay readable in YAML; callers get a safe value
// even when the field is unset or malformed.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
