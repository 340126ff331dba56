package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/calyptra/hubble/pkg/audit"
	"github.com/calyptra/hubble/pkg/observability"
)

// Config holds all hub configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	Spawner       SpawnerConfig       `yaml:"spawner"`
	Proxy         ProxyConfig         `yaml:"proxy"`
	Redis         RedisConfig         `yaml:"redis"`
	Audit         AuditConfig         `yaml:"audit"`
	Cull          CullConfig          `yaml:"cull"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	HealthPort      string        `yaml:"health_port"`
	BaseURL         string        `yaml:"base_url"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects where users, tokens, and roles persist
type DatabaseConfig struct {
	// Type is "memory", "sqlite", or "postgres"
	Type string `yaml:"type"`
	// URL is the DSN for sqlite and postgres
	URL string `yaml:"url"`
}

// AuthConfig configures the login pipeline
type AuthConfig struct {
	// Backend is a registered authenticator: "local", "oidc", "dummy"
	Backend string `yaml:"backend"`
	// Options is passed through to the backend factory
	Options map[string]interface{} `yaml:"options"`
	// SessionTTL bounds login session tokens
	SessionTTL time.Duration `yaml:"session_ttl"`
	// WhitelistFile restricts logins when set; hot-reloaded on change
	WhitelistFile string `yaml:"whitelist_file"`
	// Admins are flagged as administrators at startup
	Admins []string `yaml:"admins"`
}

// SpawnerConfig configures server lifecycle management
type SpawnerConfig struct {
	// Backend is a registered spawner: "local", "docker"
	Backend string `yaml:"backend"`
	// Options is passed through to the backend factory
	Options map[string]interface{} `yaml:"options"`
	// StartTimeout bounds how long a server may take to become ready
	StartTimeout time.Duration `yaml:"start_timeout"`
	// HealthInterval is the poll cadence for running servers
	HealthInterval time.Duration `yaml:"health_interval"`
}

// ProxyConfig points the hub at the reverse proxy's control API
type ProxyConfig struct {
	APIURL            string        `yaml:"api_url"`
	AuthToken         string        `yaml:"auth_token"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// RedisConfig enables distributed rate limiting when Addr is set
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuditConfig selects audit sinks
type AuditConfig struct {
	// File appends events as JSON lines when set
	File string `yaml:"file"`
	// S3 archives event batches when Bucket is set
	S3 audit.S3Config `yaml:"s3"`
	// FlushInterval is the S3 batch cadence
	FlushInterval time.Duration `yaml:"flush_interval"`
	// MemoryEvents bounds the in-memory event buffer for the admin API
	MemoryEvents int `yaml:"memory_events"`
}

// CullConfig controls the idle server culler
type CullConfig struct {
	Enabled bool `yaml:"enabled"`
	// IdleTimeout stops servers whose owner has been inactive this long
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// Schedule is a cron expression for cull sweeps
	Schedule string `yaml:"schedule"`
}

// ObservabilityConfig holds logging, metrics, and tracing settings
type ObservabilityConfig struct {
	LogLevel           string `yaml:"log_level"`
	MetricsEnabled     bool   `yaml:"metrics_enabled"`
	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"`
}

// Default returns the baseline configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8081",
			HealthPort:      "9090",
			BaseURL:         "http://localhost:8081",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{Type: "memory"},
		Auth: AuthConfig{
			Backend:    "dummy",
			SessionTTL: 14 * 24 * time.Hour,
		},
		Spawner: SpawnerConfig{
			Backend:        "docker",
			StartTimeout:   60 * time.Second,
			HealthInterval: 30 * time.Second,
		},
		Proxy: ProxyConfig{
			APIURL:            "http://127.0.0.1:8001",
			ReconcileInterval: 60 * time.Second,
		},
		Audit: AuditConfig{
			FlushInterval: 5 * time.Minute,
			MemoryEvents:  1000,
		},
		Cull: CullConfig{
			IdleTimeout: time.Hour,
			Schedule:    "*/5 * * * *",
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "hubble",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// HUBBLE_CONFIG_FILE (if any), then environment overrides, validated.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("HUBBLE_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadFile reads the YAML config at path over the defaults
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnv("HUBBLE_HOST", c.Server.Host)
	c.Server.Port = getEnv("HUBBLE_PORT", c.Server.Port)
	c.Server.HealthPort = getEnv("HUBBLE_HEALTH_PORT", c.Server.HealthPort)
	c.Server.BaseURL = getEnv("HUBBLE_PUBLIC_URL", c.Server.BaseURL)

	c.Database.Type = getEnv("HUBBLE_DB_TYPE", c.Database.Type)
	c.Database.URL = getEnv("HUBBLE_DB_URL", c.Database.URL)

	c.Auth.Backend = getEnv("HUBBLE_AUTH_BACKEND", c.Auth.Backend)
	c.Auth.WhitelistFile = getEnv("HUBBLE_WHITELIST_FILE", c.Auth.WhitelistFile)
	c.Auth.SessionTTL = getEnvDuration("HUBBLE_SESSION_TTL", c.Auth.SessionTTL)
	if admins := getEnv("HUBBLE_ADMINS", ""); admins != "" {
		c.Auth.Admins = splitList(admins)
	}

	c.Spawner.Backend = getEnv("HUBBLE_SPAWNER_BACKEND", c.Spawner.Backend)
	c.Spawner.StartTimeout = getEnvDuration("HUBBLE_SPAWN_TIMEOUT", c.Spawner.StartTimeout)
	c.Spawner.HealthInterval = getEnvDuration("HUBBLE_HEALTH_INTERVAL", c.Spawner.HealthInterval)

	c.Proxy.APIURL = getEnv("HUBBLE_PROXY_API_URL", c.Proxy.APIURL)
	c.Proxy.AuthToken = getEnv("HUBBLE_PROXY_AUTH_TOKEN", c.Proxy.AuthToken)
	c.Proxy.ReconcileInterval = getEnvDuration("HUBBLE_PROXY_RECONCILE_INTERVAL", c.Proxy.ReconcileInterval)

	c.Redis.Addr = getEnv("HUBBLE_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("HUBBLE_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("HUBBLE_REDIS_DB", c.Redis.DB)

	c.Audit.File = getEnv("HUBBLE_AUDIT_FILE", c.Audit.File)
	c.Audit.S3.Bucket = getEnv("HUBBLE_AUDIT_S3_BUCKET", c.Audit.S3.Bucket)
	c.Audit.S3.Region = getEnv("HUBBLE_AUDIT_S3_REGION", c.Audit.S3.Region)
	c.Audit.S3.Endpoint = getEnv("HUBBLE_AUDIT_S3_ENDPOINT", c.Audit.S3.Endpoint)
	c.Audit.S3.AccessKey = getEnv("HUBBLE_AUDIT_S3_ACCESS_KEY", c.Audit.S3.AccessKey)
	c.Audit.S3.SecretKey = getEnv("HUBBLE_AUDIT_S3_SECRET_KEY", c.Audit.S3.SecretKey)

	c.Cull.Enabled = getEnvBool("HUBBLE_CULL_ENABLED", c.Cull.Enabled)
	c.Cull.IdleTimeout = getEnvDuration("HUBBLE_CULL_IDLE_TIMEOUT", c.Cull.IdleTimeout)
	c.Cull.Schedule = getEnv("HUBBLE_CULL_SCHEDULE", c.Cull.Schedule)

	c.Observability.LogLevel = getEnv("HUBBLE_LOG_LEVEL", c.Observability.LogLevel)
	c.Observability.MetricsEnabled = getEnvBool("HUBBLE_METRICS_ENABLED", c.Observability.MetricsEnabled)
	c.Observability.OTelEnabled = getEnvBool("HUBBLE_OTEL_ENABLED", c.Observability.OTelEnabled)
	c.Observability.OTelEndpoint = getEnv("HUBBLE_OTEL_ENDPOINT", c.Observability.OTelEndpoint)
	c.Observability.OTelServiceName = getEnv("HUBBLE_OTEL_SERVICE_NAME", c.Observability.OTelServiceName)
}

// Validate checks if the configuration is usable
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Database.Type {
	case "memory":
	case "sqlite", "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database URL is required for %s storage", c.Database.Type)
		}
	default:
		return fmt.Errorf("invalid database type: %s (must be memory, sqlite, or postgres)", c.Database.Type)
	}

	if c.Auth.Backend == "" {
		return fmt.Errorf("auth backend is required")
	}
	if c.Spawner.Backend == "" {
		return fmt.Errorf("spawner backend is required")
	}
	if c.Proxy.APIURL == "" {
		return fmt.Errorf("proxy API URL is required")
	}
	if c.Spawner.StartTimeout <= 0 {
		return fmt.Errorf("spawn start timeout must be positive")
	}

	if c.Observability.OTelEnabled && c.Observability.OTelEndpoint == "" {
		return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
	}
	return nil
}

// LogLevel parses the configured level
func (c *ObservabilityConfig) ParsedLogLevel() observability.LogLevel {
	return observability.ParseLogLevel(c.LogLevel)
}

// DriverName maps the database type to its SQL driver
func (c *DatabaseConfig) DriverName() string {
	if c.Type == "sqlite" {
		return "sqlite3"
	}
	return "postgres"
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
