// ABOUTME: Configuration loading and parsing for session-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Engine providers understood by the engine adapter.
const (
	ProviderArk  = "ark"
	ProviderMock = "mock"
)

// Database drivers. Both speak SQLite; sqlite3 is the cgo driver.
const (
	DriverSQLite  = "sqlite"
	DriverSQLite3 = "sqlite3"
)

// Config represents the complete session-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Engine    EngineConfig    `yaml:"engine" toml:"engine"`
	Gateway   GatewayConfig   `yaml:"gateway" toml:"gateway"`
	Native    NativeConfig    `yaml:"native" toml:"native"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// ServerConfig holds listener addresses and server-level timeouts
type ServerConfig struct {
	HTTPAddr     string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr     string `yaml:"grpc_addr" toml:"grpc_addr"` // optional gRPC health endpoint
	NativeSocket string `yaml:"native_socket" toml:"native_socket"`

	HealthTimeout   time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	HealthTimeoutRaw   string `yaml:"health_timeout" toml:"health_timeout"`
	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
}

// EngineConfig selects and configures the conversational engine
type EngineConfig struct {
	Provider     string   `yaml:"provider" toml:"provider"`
	APIKey       string   `yaml:"api_key" toml:"api_key"`
	AccessKey    string   `yaml:"access_key" toml:"access_key"`
	SecretKey    string   `yaml:"secret_key" toml:"secret_key"`
	BaseURL      string   `yaml:"base_url" toml:"base_url"`
	Region       string   `yaml:"region" toml:"region"`
	DefaultModel string   `yaml:"default_model" toml:"default_model"`
	Models       []string `yaml:"models" toml:"models"`
	Temperature  *float32 `yaml:"temperature" toml:"temperature"`
	MaxTokens    *int     `yaml:"max_tokens" toml:"max_tokens"`

	StartupTimeout time.Duration `yaml:"-" toml:"-"`
	CallTimeout    time.Duration `yaml:"-" toml:"-"`
	MockTokenDelay time.Duration `yaml:"-" toml:"-"`

	StartupTimeoutRaw string `yaml:"startup_timeout" toml:"startup_timeout"`
	CallTimeoutRaw    string `yaml:"call_timeout" toml:"call_timeout"`
	MockTokenDelayRaw string `yaml:"mock_token_delay" toml:"mock_token_delay"`
}

// HasCredentials reports whether enough credentials are present to reach the
// real engine.
func (e EngineConfig) HasCredentials() bool {
	return e.APIKey != "" || (e.AccessKey != "" && e.SecretKey != "")
}

// GatewayConfig holds façade behaviour knobs
type GatewayConfig struct {
	StreamBuffer   int  `yaml:"stream_buffer" toml:"stream_buffer"`
	ReplaceStreams bool `yaml:"replace_streams" toml:"replace_streams"` // new stream aborts the running one
	MaxPromptBytes int  `yaml:"max_prompt_bytes" toml:"max_prompt_bytes"`
}

// NativeConfig holds framed transport limits
type NativeConfig struct {
	MaxFrameSize int `yaml:"max_frame_size" toml:"max_frame_size"`

	DedupeTTL    time.Duration `yaml:"-" toml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration usable without any file: local HTTP
// listener, SQLite next to the working directory, ark engine when credentials
// exist in the environment.
func Default() *Config {
	cfg := &Config{
		Server:   ServerConfig{HTTPAddr: "127.0.0.1:8787"},
		Database: DatabaseConfig{Driver: DriverSQLite, Path: "session-gateway.db"},
		Engine: EngineConfig{
			Provider:  ProviderArk,
			APIKey:    os.Getenv("ARK_API_KEY"),
			AccessKey: os.Getenv("ARK_ACCESS_KEY"),
			SecretKey: os.Getenv("ARK_SECRET_KEY"),
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DefaultPath resolves the config file location: SESSION_GATEWAY_CONFIG first,
// then $XDG_CONFIG_HOME/session-gateway/gateway.yaml. The returned path may
// not exist.
func DefaultPath() string {
	if p := os.Getenv("SESSION_GATEWAY_CONFIG"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "session-gateway", "gateway.yaml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverSQLite
	}
	if cfg.Engine.Provider == "" {
		cfg.Engine.Provider = ProviderArk
	}
	if cfg.Engine.BaseURL == "" {
		cfg.Engine.BaseURL = "https://ark.cn-beijing.volces.com/api/v3"
	}
	if cfg.Engine.Region == "" {
		cfg.Engine.Region = "cn-beijing"
	}
	if cfg.Engine.DefaultModel == "" {
		if len(cfg.Engine.Models) > 0 {
			cfg.Engine.DefaultModel = cfg.Engine.Models[0]
		} else {
			cfg.Engine.DefaultModel = "doubao-seed-1-6"
		}
	}
	if cfg.Engine.StartupTimeout == 0 {
		cfg.Engine.StartupTimeout = 10 * time.Second
	}
	if cfg.Engine.CallTimeout == 0 {
		cfg.Engine.CallTimeout = 30 * time.Second
	}
	if cfg.Engine.MockTokenDelay == 0 {
		cfg.Engine.MockTokenDelay = 30 * time.Millisecond
	}
	if cfg.Server.HealthTimeout == 0 {
		cfg.Server.HealthTimeout = 2 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Gateway.StreamBuffer <= 0 {
		cfg.Gateway.StreamBuffer = 64
	}
	if cfg.Gateway.MaxPromptBytes <= 0 {
		cfg.Gateway.MaxPromptBytes = 256 * 1024
	}
	if cfg.Native.MaxFrameSize <= 0 {
		cfg.Native.MaxFrameSize = 1 << 20
	}
	if cfg.Native.DedupeTTL == 0 {
		cfg.Native.DedupeTTL = 5 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" && c.Server.NativeSocket == "" {
		return fmt.Errorf("server.http_addr or server.native_socket is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Database.Driver {
	case DriverSQLite, DriverSQLite3:
	default:
		return fmt.Errorf("database.driver %q is not supported (use %q or %q)", c.Database.Driver, DriverSQLite, DriverSQLite3)
	}

	switch c.Engine.Provider {
	case ProviderArk, ProviderMock:
	default:
		return fmt.Errorf("engine.provider %q is not supported (use %q or %q)", c.Engine.Provider, ProviderArk, ProviderMock)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.health_timeout", cfg.Server.HealthTimeoutRaw, &cfg.Server.HealthTimeout},
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"engine.startup_timeout", cfg.Engine.StartupTimeoutRaw, &cfg.Engine.StartupTimeout},
		{"engine.call_timeout", cfg.Engine.CallTimeoutRaw, &cfg.Engine.CallTimeout},
		{"engine.mock_token_delay", cfg.Engine.MockTokenDelayRaw, &cfg.Engine.MockTokenDelay},
		{"native.dedupe_ttl", cfg.Native.DedupeTTLRaw, &cfg.Native.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
