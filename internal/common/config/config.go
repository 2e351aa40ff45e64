// Package config provides configuration management for the edge worker.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the edge worker.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Events    EventsConfig    `mapstructure:"events"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	// Empty value means derive from runtime data identity.
	Namespace string `mapstructure:"namespace"`
}

// DockerConfig holds Docker client configuration, used by the container
// runner transport (SPEC_FULL.md §4.4b).
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	TLSVerify      bool   `mapstructure:"tlsVerify"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	VolumeBasePath string `mapstructure:"volumeBasePath"`
}

// RunnerConfig holds settings for spawning agent runner subprocesses.
type RunnerConfig struct {
	ClaudeBinary      string `mapstructure:"claudeBinary"`
	CodexBinary       string `mapstructure:"codexBinary"`
	GeminiBinary      string `mapstructure:"geminiBinary"`
	StopDrainSeconds  int    `mapstructure:"stopDrainSeconds"`
	InitTimeoutSecond int    `mapstructure:"initTimeoutSeconds"`
	McpServerEnabled  bool   `mapstructure:"mcpServerEnabled"`
	McpServerHost     string `mapstructure:"mcpServerHost"`
	McpServerPort     int    `mapstructure:"mcpServerPort"`
}

// TrackerConfig holds issue tracker (Linear) connection configuration.
type TrackerConfig struct {
	APIKey     string `mapstructure:"apiKey"`
	WebhookURL string `mapstructure:"webhookUrl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// WorkspaceConfig controls how a session's working directory is provisioned.
type WorkspaceConfig struct {
	BasePath  string `mapstructure:"basePath"`
	Isolation string `mapstructure:"isolation"` // "local" or "container"
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	OTLPEndpoint   string  `mapstructure:"otlpEndpoint"`
	ServiceName    string  `mapstructure:"serviceName"`
	SampleFraction float64 `mapstructure:"sampleFraction"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// StopDrainDuration returns the runner stop drain window as a time.Duration.
func (r *RunnerConfig) StopDrainDuration() time.Duration {
	if r.StopDrainSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(r.StopDrainSeconds) * time.Second
}

// InitTimeoutDuration returns the runner initialize timeout as a time.Duration.
func (r *RunnerConfig) InitTimeoutDuration() time.Duration {
	if r.InitTimeoutSecond <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.InitTimeoutSecond) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CYRUS_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./cyrus-edge-worker.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "cyrus")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "cyrus")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "cyrus-cluster")
	v.SetDefault("nats.clientId", "cyrus-edge-worker")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.tlsVerify", false)
	v.SetDefault("docker.defaultNetwork", "cyrus-network")
	v.SetDefault("docker.volumeBasePath", defaultDockerVolumePath())

	v.SetDefault("runner.claudeBinary", "claude")
	v.SetDefault("runner.codexBinary", "codex")
	v.SetDefault("runner.geminiBinary", "gemini")
	v.SetDefault("runner.stopDrainSeconds", 5)
	v.SetDefault("runner.initTimeoutSeconds", 30)
	v.SetDefault("runner.mcpServerEnabled", true)
	v.SetDefault("runner.mcpServerHost", "127.0.0.1")
	v.SetDefault("runner.mcpServerPort", 9610)

	v.SetDefault("tracker.apiKey", "")
	v.SetDefault("tracker.webhookUrl", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("workspace.basePath", "~/.cyrus/workspaces")
	v.SetDefault("workspace.isolation", "local")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlpEndpoint", "")
	v.SetDefault("tracing.serviceName", "cyrus-edge-worker")
	v.SetDefault("tracing.sampleFraction", 1.0)
}

// DefaultDockerHost returns the platform-appropriate Docker socket path.
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// defaultDockerVolumePath returns the platform-appropriate volume base path.
func defaultDockerVolumePath() string {
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			localAppData = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
		return filepath.Join(localAppData, "cyrus", "volumes")
	}
	return "/var/lib/cyrus/volumes"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CYRUS_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CYRUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("tracker.apiKey", "CYRUS_LINEAR_API_KEY")
	_ = v.BindEnv("tracker.webhookUrl", "CYRUS_LINEAR_WEBHOOK_URL")
	_ = v.BindEnv("runner.mcpServerPort", "CYRUS_RUNNER_MCP_SERVER_PORT")
	_ = v.BindEnv("logging.level", "CYRUS_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "CYRUS_EVENTS_NAMESPACE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/cyrus/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	} else if cfg.Database.Driver != "sqlite" {
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	validIsolation := map[string]bool{"local": true, "container": true}
	if !validIsolation[cfg.Workspace.Isolation] {
		errs = append(errs, "workspace.isolation must be one of: local, container")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
