package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Config Loading Tests
// =============================================================================

func TestLoadConfig_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, int64(256<<20), cfg.Server.MaxUploadBytes)
	assert.Equal(t, "/opt/webtops/uploads", cfg.Registry.Root)
	assert.Equal(t, "workload_", cfg.Registry.DirPrefix)
	assert.Equal(t, "run.sh", cfg.Registry.ScriptName)
	assert.Equal(t, "./data/webtopd.db", cfg.Database.DSN)
	assert.True(t, cfg.Database.Enabled)
	assert.Equal(t, DriverCLI, cfg.Runtime.Driver)
	assert.Equal(t, "docker", cfg.Runtime.DockerBinary)
	assert.Equal(t, 30*time.Second, cfg.Runtime.CommandTimeout)
	assert.Equal(t, 120*time.Second, cfg.Runtime.DownTimeout)
	assert.Equal(t, "bash", cfg.Launcher.Shell)
	assert.Equal(t, 65536, cfg.Launcher.OutputLimit)
	assert.Equal(t, "webtop-ubuntu-xfce", cfg.Naming.ContainerPrefix)
	assert.Equal(t, "webtop", cfg.Naming.ImagePrefix)
	assert.Equal(t, 3000, cfg.Naming.ContainerPort)
	assert.Equal(t, "default_user", cfg.Naming.DefaultIdentity)
	assert.Equal(t, 4, cfg.Lifecycle.ListConcurrency)
	assert.True(t, cfg.Poller.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Poller.Interval)
	assert.True(t, cfg.Stream.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_FromFile(t *testing.T) {
	clearEnv(t)

	configContent := `
server:
  host: "127.0.0.1"
  port: 9000
  shutdown_timeout: 15s

registry:
  root: "/srv/webtops"

database:
  enabled: false

runtime:
  driver: sdk
  docker_host: "unix:///var/run/docker.sock"

naming:
  container_prefix: "desk"

log:
  level: "debug"
  format: "text"
`
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(configContent), 0644))

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "/srv/webtops", cfg.Registry.Root)
	assert.False(t, cfg.Database.Enabled)
	assert.Equal(t, DriverSDK, cfg.Runtime.Driver)
	assert.Equal(t, "unix:///var/run/docker.sock", cfg.Runtime.DockerHost)
	assert.Equal(t, "desk", cfg.Naming.ContainerPrefix)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	clearEnv(t)

	t.Setenv("WEBTOP_SERVER_PORT", "7000")
	t.Setenv("WEBTOP_REGISTRY_ROOT", "/data/uploads")
	t.Setenv("WEBTOP_DATABASE_DSN", "/custom/path.db")
	t.Setenv("WEBTOP_RUNTIME_DRIVER", "sdk")
	t.Setenv("WEBTOP_POLLER_ENABLED", "false")
	t.Setenv("WEBTOP_LOG_LEVEL", "warn")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "/data/uploads", cfg.Registry.Root)
	assert.Equal(t, "/custom/path.db", cfg.Database.DSN)
	assert.Equal(t, DriverSDK, cfg.Runtime.Driver)
	assert.False(t, cfg.Poller.Enabled)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadConfig_FileNotFound_UsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Server.Port)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	clearEnv(t)

	tmpFile := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte("invalid: yaml: content: [[["), 0644))

	_, err := LoadConfig(tmpFile)
	assert.Error(t, err)
}

// =============================================================================
// Config Validation Tests
// =============================================================================

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"unknown driver", func(c *Config) { c.Runtime.Driver = "podman" }, "runtime.driver"},
		{"empty root", func(c *Config) { c.Registry.Root = " " }, "registry.root"},
		{"bad default identity", func(c *Config) { c.Naming.DefaultIdentity = "bob smith" }, "naming.default_identity"},
		{"zero command timeout", func(c *Config) { c.Runtime.CommandTimeout = 0 }, "runtime.command_timeout"},
		{"negative down timeout", func(c *Config) { c.Runtime.DownTimeout = -time.Second }, "runtime.down_timeout"},
		{"script in subdir", func(c *Config) { c.Registry.ScriptName = "bin/run.sh" }, "registry.script_name"},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"enabled database without dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"poller without interval", func(c *Config) { c.Poller.Interval = 0 }, "poller.interval"},
		{"poller negative timeout", func(c *Config) { c.Poller.Timeout = -time.Second }, "poller.timeout"},
		{"poller zero concurrency", func(c *Config) { c.Poller.MaxConcurrent = 0 }, "poller.max_concurrent"},
		{"poller negative concurrency", func(c *Config) { c.Poller.MaxConcurrent = -1 }, "poller.max_concurrent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			cfg, err := LoadConfig("")
			require.NoError(t, err)

			tt.mutate(cfg)

			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Validate_DisabledDatabaseNeedsNoDSN(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	cfg.Database.Enabled = false
	cfg.Database.DSN = ""

	assert.NoError(t, cfg.Validate())
}

func TestConfig_Address(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 5000,
		},
	}

	assert.Equal(t, "localhost:5000", cfg.Server.Address())
}

// =============================================================================
// Logger Setup Tests
// =============================================================================

func TestSetupLogger(t *testing.T) {
	for _, lc := range []LogConfig{
		{Level: "info", Format: "json"},
		{Level: "debug", Format: "text"},
		{Level: "warn", Format: "json"},
		{Level: "error", Format: "json"},
		{Level: "invalid", Format: "json"},
	} {
		logger := SetupLogger(&Config{Log: lc})
		assert.NotNil(t, logger, "%+v", lc)
	}
}

// =============================================================================
// Test Helpers
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"WEBTOP_SERVER_HOST",
		"WEBTOP_SERVER_PORT",
		"WEBTOP_REGISTRY_ROOT",
		"WEBTOP_DATABASE_DSN",
		"WEBTOP_DATABASE_ENABLED",
		"WEBTOP_RUNTIME_DRIVER",
		"WEBTOP_POLLER_ENABLED",
		"WEBTOP_LOG_LEVEL",
		"WEBTOP_LOG_FORMAT",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}
