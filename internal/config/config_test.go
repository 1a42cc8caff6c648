// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "127.0.0.1:9000"
  grpc_addr: "127.0.0.1:9001"
  native_socket: "/tmp/sg.sock"
  health_timeout: "1500ms"
  shutdown_timeout: "3s"

database:
  driver: "sqlite3"
  path: "./test.db"

engine:
  provider: "mock"
  default_model: "doubao-lite"
  models: ["doubao-lite", "doubao-pro"]
  startup_timeout: "2s"
  call_timeout: "20s"
  mock_token_delay: "5ms"
  max_tokens: 512

gateway:
  stream_buffer: 16
  replace_streams: true

native:
  max_frame_size: 4096
  dedupe_ttl: "1m"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9000" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:9000")
	}
	if cfg.Server.HealthTimeout != 1500*time.Millisecond {
		t.Errorf("Server.HealthTimeout = %v, want 1.5s", cfg.Server.HealthTimeout)
	}
	if cfg.Server.ShutdownTimeout != 3*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 3s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Database.Driver != DriverSQLite3 {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, DriverSQLite3)
	}
	if cfg.Engine.Provider != ProviderMock {
		t.Errorf("Engine.Provider = %q, want %q", cfg.Engine.Provider, ProviderMock)
	}
	if cfg.Engine.CallTimeout != 20*time.Second {
		t.Errorf("Engine.CallTimeout = %v, want 20s", cfg.Engine.CallTimeout)
	}
	if cfg.Engine.MockTokenDelay != 5*time.Millisecond {
		t.Errorf("Engine.MockTokenDelay = %v, want 5ms", cfg.Engine.MockTokenDelay)
	}
	if cfg.Engine.MaxTokens == nil || *cfg.Engine.MaxTokens != 512 {
		t.Errorf("Engine.MaxTokens = %v, want 512", cfg.Engine.MaxTokens)
	}
	if len(cfg.Engine.Models) != 2 {
		t.Errorf("Engine.Models len = %d, want 2", len(cfg.Engine.Models))
	}
	if cfg.Gateway.StreamBuffer != 16 || !cfg.Gateway.ReplaceStreams {
		t.Errorf("Gateway = %+v, want buffer 16 and replace_streams", cfg.Gateway)
	}
	if cfg.Native.MaxFrameSize != 4096 || cfg.Native.DedupeTTL != time.Minute {
		t.Errorf("Native = %+v", cfg.Native)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "gateway.toml", `
[server]
http_addr = "127.0.0.1:7000"

[database]
path = "toml.db"

[engine]
provider = "mock"
call_timeout = "4s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:7000" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Path != "toml.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Engine.CallTimeout != 4*time.Second {
		t.Errorf("Engine.CallTimeout = %v, want 4s", cfg.Engine.CallTimeout)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("SG_TEST_ARK_KEY", "ark-secret")
	t.Setenv("SG_TEST_DB", "/tmp/expanded.db")

	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "${SG_TEST_DB}"
engine:
  api_key: "${SG_TEST_ARK_KEY}"
  secret_key: "${SG_TEST_UNSET_VARIABLE}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/tmp/expanded.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Engine.APIKey != "ark-secret" {
		t.Errorf("Engine.APIKey = %q", cfg.Engine.APIKey)
	}
	if cfg.Engine.SecretKey != "" {
		t.Errorf("unset variable should expand to empty, got %q", cfg.Engine.SecretKey)
	}
	if !cfg.Engine.HasCredentials() {
		t.Error("HasCredentials() = false, want true with api key")
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "d.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Driver != DriverSQLite {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, DriverSQLite)
	}
	if cfg.Engine.Provider != ProviderArk {
		t.Errorf("Engine.Provider = %q, want %q", cfg.Engine.Provider, ProviderArk)
	}
	if cfg.Server.HealthTimeout != 2*time.Second {
		t.Errorf("Server.HealthTimeout = %v, want 2s", cfg.Server.HealthTimeout)
	}
	if cfg.Gateway.StreamBuffer != 64 {
		t.Errorf("Gateway.StreamBuffer = %d, want 64", cfg.Gateway.StreamBuffer)
	}
	if cfg.Gateway.ReplaceStreams {
		t.Error("Gateway.ReplaceStreams should default to false")
	}
	if cfg.Native.MaxFrameSize != 1<<20 {
		t.Errorf("Native.MaxFrameSize = %d", cfg.Native.MaxFrameSize)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing listener",
			content: "database:\n  path: x.db\n",
			wantErr: "server.http_addr or server.native_socket is required",
		},
		{
			name:    "missing database path",
			content: "server:\n  http_addr: \":1\"\n",
			wantErr: "database.path is required",
		},
		{
			name:    "bad duration",
			content: "server:\n  http_addr: \":1\"\n  health_timeout: \"soon\"\ndatabase:\n  path: x.db\n",
			wantErr: "server.health_timeout",
		},
		{
			name:    "unknown provider",
			content: "server:\n  http_addr: \":1\"\ndatabase:\n  path: x.db\nengine:\n  provider: \"magic\"\n",
			wantErr: "engine.provider",
		},
		{
			name:    "unknown driver",
			content: "server:\n  http_addr: \":1\"\ndatabase:\n  path: x.db\n  driver: postgres\n",
			wantErr: "database.driver",
		},
		{
			name:    "tailscale without hostname",
			content: "tailscale:\n  enabled: true\ndatabase:\n  path: x.db\n",
			wantErr: "tailscale.hostname is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "config.yaml", tt.content))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Fatalf("Load() error = %v, want reading config file error", err)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("SESSION_GATEWAY_CONFIG", "/etc/sg.yaml")
	if got := DefaultPath(); got != "/etc/sg.yaml" {
		t.Errorf("DefaultPath() = %q", got)
	}

	t.Setenv("SESSION_GATEWAY_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != filepath.Join("/xdg", "session-gateway", "gateway.yaml") {
		t.Errorf("DefaultPath() = %q", got)
	}
}

func TestDefault(t *testing.T) {
	t.Setenv("ARK_API_KEY", "")
	t.Setenv("ARK_ACCESS_KEY", "")
	t.Setenv("ARK_SECRET_KEY", "")

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.Engine.HasCredentials() {
		t.Error("HasCredentials() = true with empty environment")
	}
}
