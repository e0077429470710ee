package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.App.Name != "tiermem" {
		t.Errorf("expected app name 'tiermem', got %s", cfg.App.Name)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected server port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.GRPC.Port != 9090 {
		t.Errorf("expected grpc port 9090, got %d", cfg.Server.GRPC.Port)
	}
	if cfg.Storage.Environment != "dev" {
		t.Errorf("expected environment 'dev', got %s", cfg.Storage.Environment)
	}
	if !cfg.Storage.EnforcePrivacyClassification {
		t.Error("expected privacy enforcement on by default")
	}
	if cfg.Tiers.ShortTerm.Backend != "memory" {
		t.Errorf("expected memory short-term backend, got %s", cfg.Tiers.ShortTerm.Backend)
	}
	if cfg.Tiers.ExpiryGrace != 24*time.Hour {
		t.Errorf("expected 24h expiry grace, got %v", cfg.Tiers.ExpiryGrace)
	}
	if cfg.Consolidation.PromoteMinAccesses != 3 {
		t.Errorf("expected promote_min_accesses 3, got %d", cfg.Consolidation.PromoteMinAccesses)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must be valid: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		field   string
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing app name", mutate: func(c *Config) { c.App.Name = "" }, field: "Config.App.Name", wantErr: true},
		{name: "invalid log level", mutate: func(c *Config) { c.Log.Level = "trace" }, field: "Config.Log.Level", wantErr: true},
		{name: "invalid environment", mutate: func(c *Config) { c.Storage.Environment = "production" }, field: "Config.Storage.Environment", wantErr: true},
		{name: "namespace with underscore", mutate: func(c *Config) { c.Storage.Namespace = "team_a" }, field: "Config.Storage.Namespace", wantErr: true},
		{name: "invalid privacy level", mutate: func(c *Config) { c.Storage.DefaultPrivacyLevel = "secret" }, field: "Config.Storage.DefaultPrivacyLevel", wantErr: true},
		{name: "zero tier timeout", mutate: func(c *Config) { c.Tiers.Timeout = 0 }, field: "Config.Tiers.Timeout", wantErr: true},
		{name: "unknown short-term backend", mutate: func(c *Config) { c.Tiers.ShortTerm.Backend = "memcached" }, field: "Config.Tiers.ShortTerm.Backend", wantErr: true},
		{name: "redis without address", mutate: func(c *Config) {
			c.Tiers.ShortTerm.Backend = "redis"
			c.Tiers.ShortTerm.Redis.Address = ""
		}, field: "Config.Tiers.ShortTerm.Redis.Address", wantErr: true},
		{name: "badger without path", mutate: func(c *Config) { c.Tiers.MidTerm.Badger.Path = "" }, field: "Config.Tiers.MidTerm.Badger.Path", wantErr: true},
		{name: "in-memory badger without path", mutate: func(c *Config) {
			c.Tiers.MidTerm.Badger.Path = ""
			c.Tiers.MidTerm.Badger.InMemory = true
		}},
		{name: "sqlite without path", mutate: func(c *Config) {
			c.Tiers.MidTerm.Backend = "sqlite"
			c.Tiers.MidTerm.SQLite.Path = ""
		}, field: "Config.Tiers.MidTerm.SQLite.Path", wantErr: true},
		{name: "hash embedder without dimensions", mutate: func(c *Config) { c.Tiers.LongTerm.Embedder.Dimensions = 0 }, field: "Config.Tiers.LongTerm.Embedder.Dimensions", wantErr: true},
		{name: "disabled long-term ignores embedder", mutate: func(c *Config) {
			c.Tiers.LongTerm.Enabled = false
			c.Tiers.LongTerm.Embedder.Dimensions = 0
		}},
		{name: "openai without key", mutate: func(c *Config) { c.Tiers.LongTerm.Embedder.Provider = "openai" }, field: "Config.Tiers.LongTerm.Embedder.APIKey", wantErr: true},
		{name: "ollama without model", mutate: func(c *Config) { c.Tiers.LongTerm.Embedder.Provider = "ollama" }, field: "Config.Tiers.LongTerm.Embedder.Model", wantErr: true},
		{name: "consolidation without schedule", mutate: func(c *Config) { c.Consolidation.Schedule = " " }, field: "Config.Consolidation.Schedule", wantErr: true},
		{name: "tracing without endpoint", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Endpoint = ""
		}, field: "Config.Tracing.Endpoint", wantErr: true},
		{name: "unknown tracing exporter", mutate: func(c *Config) { c.Tracing.Exporter = "jaeger" }, field: "Config.Tracing.Exporter", wantErr: true},
		{name: "sample rate above one", mutate: func(c *Config) { c.Tracing.SampleRate = 1.5 }, field: "Config.Tracing.SampleRate", wantErr: true},
		{name: "metrics on api port", mutate: func(c *Config) { c.Metrics.Port = c.Server.Port }, field: "Config.Metrics.Port", wantErr: true},
		{name: "host with space", mutate: func(c *Config) { c.Server.Host = "bad host" }, field: "Config.Server.Host", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				return
			}

			var details ValidationErrors
			if !errors.As(err, &details) {
				t.Fatalf("expected ValidationErrors, got %T", err)
			}
			for _, d := range details {
				if d.Field == tt.field {
					return
				}
			}
			t.Errorf("expected an error for %s, got %v", tt.field, details)
		})
	}
}

func TestValidation_InvalidPort(t *testing.T) {
	tests := []struct {
		name    string
		port    int
		wantErr bool
	}{
		{"valid port 80", 80, false},
		{"valid port 65535", 65535, false},
		{"invalid port 0", 0, true},
		{"invalid port -1", -1, true},
		{"invalid port 65536", 65536, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Server.Port = tt.port
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("port %d: expected error=%v, got error=%v", tt.port, tt.wantErr, err)
			}
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	if got := (ValidationErrors{}).Error(); got != "no validation errors" {
		t.Errorf("unexpected empty message %q", got)
	}

	errs := ValidationErrors{
		{Field: "server.port", Message: "must be at most 65535", Value: 99999},
		{Field: "log.level", Message: "must be one of [debug info warn error]", Value: "trace"},
	}
	msg := errs.Error()
	if !strings.Contains(msg, "server.port: must be at most 65535 (got 99999)") {
		t.Errorf("missing port detail in %q", msg)
	}
	if !strings.Contains(msg, "log.level") {
		t.Errorf("missing log detail in %q", msg)
	}
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tiers.ShortTerm.Redis.Password = "hunter2"
	cfg.Tiers.LongTerm.Embedder.APIKey = "sk-secret"

	s := cfg.String()
	if !strings.Contains(s, "Namespace: default") {
		t.Errorf("expected namespace in %q", s)
	}
	if strings.Contains(s, "hunter2") || strings.Contains(s, "sk-secret") {
		t.Errorf("secrets leaked into %q", s)
	}
}

func TestLoader_Get(t *testing.T) {
	loader := NewLoader()
	if _, err := loader.Load("", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if loader.Get("app.name") == nil {
		t.Error("expected non-nil value for app.name")
	}
	if got := loader.GetString("storage.namespace"); got != "default" {
		t.Errorf("expected 'default', got '%s'", got)
	}
	if got := loader.GetDuration("tiers.short_term.ttl"); got != time.Hour {
		t.Errorf("expected 1h, got %v", got)
	}
}

func TestLoader_Set(t *testing.T) {
	loader := NewLoader()
	_, _ = loader.Load("", nil)

	if err := loader.Set("app.name", "custom-app"); err != nil {
		t.Errorf("unexpected error setting value: %v", err)
	}
	if loader.GetString("app.name") != "custom-app" {
		t.Errorf("expected 'custom-app', got '%s'", loader.GetString("app.name"))
	}
}

func TestLoader_Print(t *testing.T) {
	loader := NewLoader()
	_, _ = loader.Load("", nil)

	if loader.Print() == "" {
		t.Error("expected non-empty print output")
	}
}

func TestLoadOrDie_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for missing config file")
		}
	}()

	LoadOrDie("/nonexistent/path/config.yaml", nil)
}

func TestLoader_LoadFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "tiermem.yaml")
	yamlContent := `
app:
  name: yaml-test
server:
  port: 9999
log:
  level: debug
  format: text
storage:
  environment: staging
  namespace: team-a
  enable_dev_notes: true
tiers:
  timeout: 500ms
  short_term:
    backend: redis
    ttl: 2h
    redis:
      address: redis:6379
  mid_term:
    backend: sqlite
    retention: 168h
    sqlite:
      path: /var/lib/tiermem/mid.db
  long_term:
    enabled: false
consolidation:
  schedule: "0 3 * * *"
  promote_min_accesses: 5
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := NewLoader().Load(configPath, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Name != "yaml-test" {
		t.Errorf("expected 'yaml-test', got '%s'", cfg.App.Name)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("expected 9999, got %d", cfg.Server.Port)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("expected 'text', got '%s'", cfg.Log.Format)
	}
	if cfg.Storage.Environment != "staging" || cfg.Storage.Namespace != "team-a" || !cfg.Storage.EnableDevNotes {
		t.Errorf("unexpected storage config %+v", cfg.Storage)
	}
	if cfg.Tiers.Timeout != 500*time.Millisecond {
		t.Errorf("expected 500ms tier timeout, got %v", cfg.Tiers.Timeout)
	}
	if cfg.Tiers.ShortTerm.TTL != 2*time.Hour {
		t.Errorf("expected 2h ttl, got %v", cfg.Tiers.ShortTerm.TTL)
	}
	if cfg.Tiers.ShortTerm.Redis.Address != "redis:6379" {
		t.Errorf("expected redis address, got %q", cfg.Tiers.ShortTerm.Redis.Address)
	}
	if cfg.Tiers.ShortTerm.Capacity != 10000 {
		t.Errorf("expected default capacity to survive, got %d", cfg.Tiers.ShortTerm.Capacity)
	}
	if cfg.Tiers.MidTerm.Backend != "sqlite" || cfg.Tiers.MidTerm.Retention != 7*24*time.Hour {
		t.Errorf("unexpected mid-term config %+v", cfg.Tiers.MidTerm)
	}
	if cfg.Tiers.LongTerm.Enabled {
		t.Error("expected long-term disabled")
	}
	if cfg.Consolidation.Schedule != "0 3 * * *" || cfg.Consolidation.PromoteMinAccesses != 5 {
		t.Errorf("unexpected consolidation config %+v", cfg.Consolidation)
	}
}

func TestLoader_LoadJSONFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "tiermem.json")
	jsonContent := `{
		"app": {"name": "json-test"},
		"server": {"port": 8888},
		"log": {"level": "warn", "format": "json"},
		"storage": {"namespace": "json-ns", "default_privacy_level": "sensitive"}
	}`
	if err := os.WriteFile(configPath, []byte(jsonContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := NewLoader().Load(configPath, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Name != "json-test" {
		t.Errorf("expected 'json-test', got '%s'", cfg.App.Name)
	}
	if cfg.Server.Port != 8888 {
		t.Errorf("expected 8888, got %d", cfg.Server.Port)
	}
	if cfg.Storage.DefaultPrivacyLevel != "sensitive" {
		t.Errorf("expected 'sensitive', got '%s'", cfg.Storage.DefaultPrivacyLevel)
	}
}

func TestLoader_LoadInvalidFile(t *testing.T) {
	if _, err := NewLoader().Load("/nonexistent/config.yaml", nil); err == nil {
		t.Error("expected error for non-existent file")
	}

	configPath := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(configPath, []byte("storage:\n  namespace: bad_ns\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := NewLoader().Load(configPath, nil); err == nil {
		t.Error("expected validation error for invalid namespace")
	}
}

func TestLoader_LoadUnsupportedFormat(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configPath, []byte("app = 'test'"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := NewLoader().Load(configPath, nil); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestLoader_EnvVars(t *testing.T) {
	t.Setenv("TIERMEM_LOG__LEVEL", "error")
	t.Setenv("TIERMEM_SERVER__PORT", "7777")
	t.Setenv("TIERMEM_TIERS__SHORT_TERM__TTL", "45m")
	t.Setenv("TIERMEM_STORAGE__ENABLE_DEV_NOTES", "true")

	cfg, err := NewLoader().Load("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Log.Level != "error" {
		t.Errorf("expected 'error', got '%s'", cfg.Log.Level)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("expected 7777, got %d", cfg.Server.Port)
	}
	if cfg.Tiers.ShortTerm.TTL != 45*time.Minute {
		t.Errorf("expected 45m, got %v", cfg.Tiers.ShortTerm.TTL)
	}
	if !cfg.Storage.EnableDevNotes {
		t.Error("expected dev notes enabled")
	}
}

func TestLoader_OverridesWin(t *testing.T) {
	t.Setenv("TIERMEM_STORAGE__NAMESPACE", "from-env")

	cfg, err := Load("", map[string]any{"storage.namespace": "from-flag"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Storage.Namespace != "from-flag" {
		t.Errorf("expected override to win, got '%s'", cfg.Storage.Namespace)
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"TIERMEM_LOG__LEVEL":                      "log.level",
		"TIERMEM_TIERS__SHORT_TERM__TTL":          "tiers.short_term.ttl",
		"TIERMEM_STORAGE__ENABLE_DEV_NOTES":       "storage.enable_dev_notes",
		"TIERMEM_CONSOLIDATION__LOCK_TTL":         "consolidation.lock_ttl",
		"TIERMEM_SERVER__GRPC__RATE_LIMIT__BURST": "server.grpc.rate_limit.burst",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGRPCConfig_ToGRPCConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.GRPC.RateLimit.Enabled = true

	grpcCfg := cfg.Server.GRPC.ToGRPCConfig("127.0.0.1", true)

	if grpcCfg.Address != "127.0.0.1:9090" {
		t.Errorf("expected '127.0.0.1:9090', got '%s'", grpcCfg.Address)
	}
	if grpcCfg.MaxRecvMsgSize != 4*1024*1024 {
		t.Errorf("expected %d, got %d", 4*1024*1024, grpcCfg.MaxRecvMsgSize)
	}
	if !grpcCfg.EnableTracing {
		t.Error("expected tracing enabled")
	}
	if !grpcCfg.RateLimit.Enabled || grpcCfg.RateLimit.Burst != 100 {
		t.Errorf("unexpected rate limit %+v", grpcCfg.RateLimit)
	}
	if grpcCfg.Keepalive == nil {
		t.Error("expected default keepalive settings")
	}
	if err := grpcCfg.Validate(); err != nil {
		t.Errorf("converted config must be valid: %v", err)
	}
}
