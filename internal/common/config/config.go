// Package config provides configuration management for msfailab.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for msfailab.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Msgrpc    MsgrpcConfig    `mapstructure:"msgrpc"`
	Console   ConsoleConfig   `mapstructure:"console"`
	Container ContainerConfig `mapstructure:"container"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Chat      ChatConfig      `mapstructure:"chat"`
	SecDB     SecDBConfig     `mapstructure:"secdb"`
	Trace     TraceConfig     `mapstructure:"trace"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client and managed-container configuration.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`

	// NetworkMode selects how RPC endpoints are resolved:
	// "host" (container shares the host network, localhost + labeled port),
	// "port-mapping" (labeled port published to a dynamic host port),
	// "network" (user network, container name as host).
	NetworkMode    string `mapstructure:"networkMode"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`

	// Image is the Metasploit image run for every managed container.
	Image string `mapstructure:"image"`

	// NamePrefix is the first segment of every managed container name.
	NamePrefix string `mapstructure:"namePrefix"`

	PortRangeStart int `mapstructure:"portRangeStart"`
	PortRangeEnd   int `mapstructure:"portRangeEnd"`

	StopTimeout int `mapstructure:"stopTimeout"` // in seconds
}

// MsgrpcConfig holds credentials and retry policy for the in-container
// Metasploit RPC daemon.
type MsgrpcConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`

	// ConnectAttempts bounds login retries while a container starts.
	ConnectAttempts int `mapstructure:"connectAttempts"`
	// ConnectDelayMs is the backoff base for login retries.
	ConnectDelayMs int `mapstructure:"connectDelayMs"`
	// ConnectDelayMaxMs caps the login backoff.
	ConnectDelayMaxMs int `mapstructure:"connectDelayMaxMs"`
	// CallTimeout bounds a single RPC round trip, in seconds.
	CallTimeout int `mapstructure:"callTimeout"`
}

// ConsoleConfig holds timing for console actors.
type ConsoleConfig struct {
	PollIntervalMs      int   `mapstructure:"pollIntervalMs"`
	KeepaliveIntervalMs int   `mapstructure:"keepaliveIntervalMs"`
	ReadMaxRetries      int   `mapstructure:"readMaxRetries"`
	ReadRetryDelaysMs   []int `mapstructure:"readRetryDelaysMs"`
}

// ContainerConfig holds lifecycle and supervision policy for container actors.
type ContainerConfig struct {
	RestartBackoffBaseMs int `mapstructure:"restartBackoffBaseMs"`
	RestartBackoffMaxMs  int `mapstructure:"restartBackoffMaxMs"`

	ConsoleMaxRestarts    int `mapstructure:"consoleMaxRestarts"`
	ConsoleBackoffBaseMs  int `mapstructure:"consoleBackoffBaseMs"`
	ConsoleBackoffMaxMs   int `mapstructure:"consoleBackoffMaxMs"`
	ConsoleCooldownMs     int `mapstructure:"consoleCooldownMs"`
	StartupProbeTimeoutMs int `mapstructure:"startupProbeTimeoutMs"`
}

// ToolsConfig holds tool execution defaults.
type ToolsConfig struct {
	// DefaultTimeoutMs applies to console and shell tools whose descriptor
	// carries no explicit timeout. Zero disables the default.
	DefaultTimeoutMs int `mapstructure:"defaultTimeoutMs"`
}

// ChatConfig holds per-track chat defaults.
type ChatConfig struct {
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"systemPrompt"`
	// Autonomous auto-approves every tool call on new tracks.
	Autonomous bool `mapstructure:"autonomous"`
}

// SecDBConfig holds the read-only Metasploit database connection.
// An empty host disables the security database surface.
type SecDBConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbName"`
	SSLMode      string `mapstructure:"sslMode"`
	MaxConns     int    `mapstructure:"maxConns"`
	PollInterval int    `mapstructure:"pollInterval"` // in seconds, for the change watcher
}

// TraceConfig holds the command trace sink configuration.
// An empty path disables tracing.
type TraceConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
	MaxSizeMB  int    `mapstructure:"maxSizeMb"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAgeDays"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// StopTimeoutDuration returns the container stop grace period as a time.Duration.
func (d *DockerConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(d.StopTimeout) * time.Second
}

// PollInterval returns the console poll interval as a time.Duration.
func (c *ConsoleConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// KeepaliveInterval returns the keepalive delay as a time.Duration.
func (c *ConsoleConfig) KeepaliveInterval() time.Duration {
	return time.Duration(c.KeepaliveIntervalMs) * time.Millisecond
}

// ReadRetryDelays returns the per-attempt read retry delays.
func (c *ConsoleConfig) ReadRetryDelays() []time.Duration {
	out := make([]time.Duration, len(c.ReadRetryDelaysMs))
	for i, ms := range c.ReadRetryDelaysMs {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}

// CallTimeoutDuration returns the RPC round-trip timeout as a time.Duration.
func (m *MsgrpcConfig) CallTimeoutDuration() time.Duration {
	return time.Duration(m.CallTimeout) * time.Second
}

// PollIntervalDuration returns the watcher poll interval as a time.Duration.
func (s *SecDBConfig) PollIntervalDuration() time.Duration {
	return time.Duration(s.PollInterval) * time.Second
}

// Enabled reports whether a security database connection is configured.
func (s *SecDBConfig) Enabled() bool {
	return s.Host != ""
}

// DSN returns the PostgreSQL connection string.
func (s *SecDBConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		s.Host, s.Port, s.User, s.Password, s.DBName, s.SSLMode,
	)
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("MSFAILAB_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "msfailab")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.networkMode", "port-mapping")
	v.SetDefault("docker.defaultNetwork", "msfailab-network")
	v.SetDefault("docker.image", "metasploitframework/metasploit-framework:latest")
	v.SetDefault("docker.namePrefix", "msfailab")
	v.SetDefault("docker.portRangeStart", 50000)
	v.SetDefault("docker.portRangeEnd", 60000)
	v.SetDefault("docker.stopTimeout", 10)

	// MSGRPC defaults
	v.SetDefault("msgrpc.user", "msf")
	v.SetDefault("msgrpc.password", "")
	v.SetDefault("msgrpc.connectAttempts", 10)
	v.SetDefault("msgrpc.connectDelayMs", 500)
	v.SetDefault("msgrpc.connectDelayMaxMs", 10000)
	v.SetDefault("msgrpc.callTimeout", 30)

	// Console actor defaults
	v.SetDefault("console.pollIntervalMs", 100)
	v.SetDefault("console.keepaliveIntervalMs", 60000)
	v.SetDefault("console.readMaxRetries", 3)
	v.SetDefault("console.readRetryDelaysMs", []int{100, 200, 400})

	// Container actor defaults
	v.SetDefault("container.restartBackoffBaseMs", 1000)
	v.SetDefault("container.restartBackoffMaxMs", 60000)
	v.SetDefault("container.consoleMaxRestarts", 10)
	v.SetDefault("container.consoleBackoffBaseMs", 1000)
	v.SetDefault("container.consoleBackoffMaxMs", 60000)
	v.SetDefault("container.consoleCooldownMs", 30000)
	v.SetDefault("container.startupProbeTimeoutMs", 30000)

	// Tool execution defaults
	v.SetDefault("tools.defaultTimeoutMs", 300000)

	// Chat defaults
	v.SetDefault("chat.model", "claude-sonnet-4-20250514")
	v.SetDefault("chat.systemPrompt", "")
	v.SetDefault("chat.autonomous", false)

	// Security database defaults - empty host disables the surface
	v.SetDefault("secdb.host", "")
	v.SetDefault("secdb.port", 5432)
	v.SetDefault("secdb.user", "msf")
	v.SetDefault("secdb.password", "")
	v.SetDefault("secdb.dbName", "msf")
	v.SetDefault("secdb.sslMode", "disable")
	v.SetDefault("secdb.maxConns", 10)
	v.SetDefault("secdb.pollInterval", 10)

	// Trace defaults
	v.SetDefault("trace.path", "msfailab-trace.db")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix MSFAILAB_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/msfailab/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("MSFAILAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("msgrpc.password", "MSFAILAB_MSGRPC_PASSWORD")
	_ = v.BindEnv("docker.namePrefix", "MSFAILAB_DOCKER_NAME_PREFIX")
	_ = v.BindEnv("docker.portRangeStart", "MSFAILAB_DOCKER_PORT_RANGE_START")
	_ = v.BindEnv("docker.portRangeEnd", "MSFAILAB_DOCKER_PORT_RANGE_END")
	_ = v.BindEnv("secdb.dbName", "MSFAILAB_SECDB_DB_NAME")
	_ = v.BindEnv("chat.systemPrompt", "MSFAILAB_CHAT_SYSTEM_PROMPT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/msfailab/")

	// Read config file (ignore if not found)
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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Docker validation
	switch cfg.Docker.NetworkMode {
	case "host", "port-mapping", "network":
	default:
		errs = append(errs, "docker.networkMode must be one of: host, port-mapping, network")
	}
	if cfg.Docker.PortRangeStart <= 0 || cfg.Docker.PortRangeEnd > 65535 ||
		cfg.Docker.PortRangeStart > cfg.Docker.PortRangeEnd {
		errs = append(errs, "docker.portRangeStart..portRangeEnd must be a valid port range")
	}
	if cfg.Docker.NamePrefix == "" {
		errs = append(errs, "docker.namePrefix is required")
	}

	// MSGRPC validation
	if cfg.Msgrpc.ConnectAttempts <= 0 {
		errs = append(errs, "msgrpc.connectAttempts must be positive")
	}

	// Console validation
	if cfg.Console.PollIntervalMs <= 0 {
		errs = append(errs, "console.pollIntervalMs must be positive")
	}
	if cfg.Console.ReadMaxRetries < 0 {
		errs = append(errs, "console.readMaxRetries must not be negative")
	}

	// Container validation
	if cfg.Container.RestartBackoffBaseMs <= 0 ||
		cfg.Container.RestartBackoffMaxMs < cfg.Container.RestartBackoffBaseMs {
		errs = append(errs, "container restart backoff base must be positive and not exceed max")
	}
	if cfg.Container.ConsoleMaxRestarts < 0 {
		errs = append(errs, "container.consoleMaxRestarts must not be negative")
	}

	// Security database validation - only if host is set (disabled otherwise)
	if cfg.SecDB.Host != "" {
		if cfg.SecDB.Port <= 0 || cfg.SecDB.Port > 65535 {
			errs = append(errs, "secdb.port must be between 1 and 65535")
		}
		if cfg.SecDB.User == "" {
			errs = append(errs, "secdb.user is required when secdb.host is set")
		}
		if cfg.SecDB.DBName == "" {
			errs = append(errs, "secdb.dbName is required when secdb.host is set")
		}
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
