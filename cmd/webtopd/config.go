package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/artpar/webtopd/internal/core/workload"
	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Launcher  LauncherConfig  `mapstructure:"launcher"`
	Naming    NamingConfig    `mapstructure:"naming"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Poller    PollerConfig    `mapstructure:"poller"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RegistryConfig locates the workload directories.
type RegistryConfig struct {
	Root       string `mapstructure:"root"`
	DirPrefix  string `mapstructure:"dir_prefix"`
	ScriptName string `mapstructure:"script_name"`
}

// DatabaseConfig holds deployment index configuration.
type DatabaseConfig struct {
	DSN     string `mapstructure:"dsn"`
	Enabled bool   `mapstructure:"enabled"`
}

// RuntimeConfig selects and configures the container runtime adapter.
type RuntimeConfig struct {
	// Driver is "cli" (docker binary) or "sdk" (Engine API for queries).
	Driver         string        `mapstructure:"driver"`
	DockerBinary   string        `mapstructure:"docker_binary"`
	DockerHost     string        `mapstructure:"docker_host"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	DownTimeout    time.Duration `mapstructure:"down_timeout"`
}

// LauncherConfig configures how run scripts are spawned.
type LauncherConfig struct {
	Shell       string `mapstructure:"shell"`
	OutputLimit int    `mapstructure:"output_limit"`
}

// NamingConfig holds the manifest naming conventions.
type NamingConfig struct {
	ContainerPrefix string `mapstructure:"container_prefix"`
	ImagePrefix     string `mapstructure:"image_prefix"`
	ContainerPort   int    `mapstructure:"container_port"`
	DefaultIdentity string `mapstructure:"default_identity"`
}

// LifecycleConfig holds lifecycle manager limits.
type LifecycleConfig struct {
	ListConcurrency int `mapstructure:"list_concurrency"`
}

// PollerConfig configures the status poller worker.
type PollerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
}

// StreamConfig toggles the live run-output websocket.
type StreamConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Runtime drivers.
const (
	DriverCLI = "cli"
	DriverSDK = "sdk"
)

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.max_upload_bytes", 256<<20)
	v.SetDefault("registry.root", "/opt/webtops/uploads")
	v.SetDefault("registry.dir_prefix", workload.DefaultDirPrefix)
	v.SetDefault("registry.script_name", workload.ScriptName)
	v.SetDefault("database.dsn", "./data/webtopd.db")
	v.SetDefault("database.enabled", true)
	v.SetDefault("runtime.driver", DriverCLI)
	v.SetDefault("runtime.docker_binary", "docker")
	v.SetDefault("runtime.docker_host", "")
	v.SetDefault("runtime.command_timeout", "30s")
	v.SetDefault("runtime.down_timeout", "120s")
	v.SetDefault("launcher.shell", "bash")
	v.SetDefault("launcher.output_limit", 64*1024)
	v.SetDefault("naming.container_prefix", workload.DefaultContainerPrefix)
	v.SetDefault("naming.image_prefix", workload.DefaultImagePrefix)
	v.SetDefault("naming.container_port", workload.DefaultContainerPort)
	v.SetDefault("naming.default_identity", workload.DefaultIdentity)
	v.SetDefault("lifecycle.list_concurrency", 4)
	v.SetDefault("poller.enabled", true)
	v.SetDefault("poller.interval", "30s")
	v.SetDefault("poller.timeout", "10s")
	v.SetDefault("poller.max_concurrent", 8)
	v.SetDefault("stream.enabled", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var parseErr viper.ConfigParseError
			if errors.As(err, &parseErr) {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	v.SetEnvPrefix("WEBTOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("server.max_upload_bytes must be positive"))
	}
	if strings.TrimSpace(c.Registry.Root) == "" {
		errs = append(errs, errors.New("registry.root is required"))
	}
	if c.Registry.ScriptName == "" || strings.ContainsAny(c.Registry.ScriptName, `/\`) {
		errs = append(errs, fmt.Errorf("registry.script_name must be a plain file name: %q", c.Registry.ScriptName))
	}
	if c.Database.Enabled && c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required when the database is enabled"))
	}
	switch c.Runtime.Driver {
	case DriverCLI, DriverSDK:
	default:
		errs = append(errs, fmt.Errorf("runtime.driver must be %q or %q, got %q", DriverCLI, DriverSDK, c.Runtime.Driver))
	}
	if c.Runtime.CommandTimeout <= 0 {
		errs = append(errs, errors.New("runtime.command_timeout must be positive"))
	}
	if c.Runtime.DownTimeout <= 0 {
		errs = append(errs, errors.New("runtime.down_timeout must be positive"))
	}
	if c.Naming.ContainerPort <= 0 || c.Naming.ContainerPort > 65535 {
		errs = append(errs, fmt.Errorf("naming.container_port out of range: %d", c.Naming.ContainerPort))
	}
	if !workload.ValidIdentity(c.Naming.DefaultIdentity) {
		errs = append(errs, fmt.Errorf("naming.default_identity is not a valid identity: %q", c.Naming.DefaultIdentity))
	}
	if c.Poller.Enabled {
		if c.Poller.Interval <= 0 {
			errs = append(errs, errors.New("poller.interval must be positive"))
		}
		if c.Poller.Timeout <= 0 {
			errs = append(errs, errors.New("poller.timeout must be positive"))
		}
		if c.Poller.MaxConcurrent <= 0 {
			errs = append(errs, fmt.Errorf("poller.max_concurrent must be positive: %d", c.Poller.MaxConcurrent))
		}
	}

	return errors.Join(errs...)
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
