package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HUBBLE_PORT", "9999")
	t.Setenv("HUBBLE_AUTH_BACKEND", "local")
	t.Setenv("HUBBLE_ADMINS", "mal, zoe")
	t.Setenv("HUBBLE_SESSION_TTL", "2h")
	t.Setenv("HUBBLE_CULL_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, "local", cfg.Auth.Backend)
	assert.Equal(t, []string{"mal", "zoe"}, cfg.Auth.Admins)
	assert.Equal(t, 2*time.Hour, cfg.Auth.SessionTTL)
	assert.True(t, cfg.Cull.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hubble.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "8088"
  base_url: http://hub.example.com
database:
  type: sqlite
  url: /var/lib/hubble/hub.db
auth:
  backend: local
  options:
    users:
      mal: $2a$10$abcdefghijklmnopqrstuv
spawner:
  backend: local
  options:
    command: ["hubble-singleuser"]
`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "8088", cfg.Server.Port)
	assert.Equal(t, "http://hub.example.com", cfg.Server.BaseURL)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "sqlite3", cfg.Database.DriverName())
	assert.Equal(t, "local", cfg.Auth.Backend)
	assert.Contains(t, cfg.Auth.Options, "users")
	// Untouched sections keep their defaults
	assert.Equal(t, "9090", cfg.Server.HealthPort)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hubble.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"8088\"\n"), 0o600))
	t.Setenv("HUBBLE_CONFIG_FILE", path)
	t.Setenv("HUBBLE_PORT", "7777")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "7777", cfg.Server.Port, "environment wins over the file")
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing port", func(c *Config) { c.Server.Port = "" }},
		{"port collision", func(c *Config) { c.Server.HealthPort = c.Server.Port }},
		{"unknown database", func(c *Config) { c.Database.Type = "cassandra" }},
		{"sqlite without url", func(c *Config) { c.Database.Type = "sqlite" }},
		{"missing auth backend", func(c *Config) { c.Auth.Backend = "" }},
		{"missing spawner backend", func(c *Config) { c.Spawner.Backend = "" }},
		{"zero spawn timeout", func(c *Config) { c.Spawner.StartTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
