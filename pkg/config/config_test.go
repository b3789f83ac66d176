package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aixgo-dev/promptly/pkg/security"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}
	return path
}

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoadConfig_FileSizeLimit(t *testing.T) {
	path := writeConfig(t, strings.Repeat("x: value\n", 200000)) // ~1.6MB

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for large file")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected 'too large' error, got: %v", err)
	}
}

func TestLoadConfig_ValidFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9999"
  shutdown_timeout: 5s
store:
  backend: redis
  redis:
    addr: "redis:6379"
    prefix: "test:"
completion:
  backend: mock
  temperature: 0.2
orchestration:
  context_max_chars: 1500
rate_limit:
  enabled: true
  rate: "10/second"
  backend: memory
logging:
  level: debug
  format: json
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Errorf("expected addr :9999, got %s", cfg.Server.Addr)
	}
	if cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Errorf("expected 5s shutdown timeout, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Store.Redis.Prefix != "test:" {
		t.Errorf("expected redis prefix test:, got %s", cfg.Store.Redis.Prefix)
	}
	if cfg.Completion.Temperature != 0.2 {
		t.Errorf("expected temperature 0.2, got %v", cfg.Completion.Temperature)
	}
	// Unset fields keep their defaults.
	if cfg.Completion.MaxAttempts != 3 {
		t.Errorf("expected default max attempts 3, got %d", cfg.Completion.MaxAttempts)
	}
	if cfg.Orchestration.ContextMaxChars != 1500 {
		t.Errorf("expected context max 1500, got %d", cfg.Orchestration.ContextMaxChars)
	}
}

func TestLoadConfig_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Orchestration.ContextMaxChars != 2000 {
		t.Errorf("expected default context max 2000, got %d", cfg.Orchestration.ContextMaxChars)
	}
}

func TestLoadConfig_NonexistentFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/path/config.yaml"); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":8080"
invalid yaml here: [[[
`)
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadConfig_UnknownField(t *testing.T) {
	path := writeConfig(t, "server:\n  adr: \":8080\"\n")
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for unknown field")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"GEMINI_API_KEY":              "g-key",
		"GEMINI_MODEL":                "gemini-pro",
		"REDIS_URL":                   "redis://:secret@cache:6380/2",
		"MINIO_ENDPOINT":              "minio:9000",
		"MINIO_SECURE":                "true",
		"MINIO_ACCESS_KEY":            "ak",
		"MINIO_SECRET_KEY":            "sk",
		"MINIO_BUCKET":                "uploads",
		"MINIO_URL_EXPIRY_HOURS":      "2",
		"PROMPTLY_AUTH_MODE":          "delegated",
		"OTEL_EXPORTER_OTLP_ENDPOINT": "collector:4318",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Completion.Gemini.APIKey != "g-key" || cfg.Completion.Gemini.Model != "gemini-pro" {
		t.Errorf("unexpected gemini config: %+v", cfg.Completion.Gemini)
	}
	if cfg.Store.Redis.Addr != "cache:6380" || cfg.Store.Redis.Password != "secret" || cfg.Store.Redis.DB != 2 {
		t.Errorf("unexpected redis config: %+v", cfg.Store.Redis)
	}
	if cfg.Blob.S3.Endpoint != "https://minio:9000" {
		t.Errorf("expected https endpoint, got %s", cfg.Blob.S3.Endpoint)
	}
	if cfg.Blob.S3.Bucket != "uploads" || cfg.Blob.S3.AccessKey != "ak" || cfg.Blob.S3.SecretKey != "sk" {
		t.Errorf("unexpected s3 config: %+v", cfg.Blob.S3)
	}
	if cfg.Blob.S3.URLExpiry != 2*time.Hour {
		t.Errorf("expected 2h expiry, got %v", cfg.Blob.S3.URLExpiry)
	}
	if cfg.Auth.Mode != security.AuthModeDelegated {
		t.Errorf("expected delegated auth, got %s", cfg.Auth.Mode)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Endpoint != "collector:4318" {
		t.Errorf("unexpected tracing config: %+v", cfg.Tracing)
	}
}

func TestApplyEnv_Invalid(t *testing.T) {
	tests := map[string]map[string]string{
		"redis url":   {"REDIS_URL": "not-a-url"},
		"expiry":      {"MINIO_URL_EXPIRY_HOURS": "soon"},
		"zero expiry": {"MINIO_URL_EXPIRY_HOURS": "0"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			if err := Default().ApplyEnv(envMap(env)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"ops addr", func(c *Config) { c.Ops.Addr = "" }},
		{"auth mode", func(c *Config) { c.Auth.Mode = "oauth" }},
		{"rate", func(c *Config) { c.RateLimit.Rate = "lots" }},
		{"store backend", func(c *Config) { c.Store.Backend = "postgres" }},
		{"firestore project", func(c *Config) { c.Store.Backend = "firestore" }},
		{"completion backend", func(c *Config) { c.Completion.Backend = "openai" }},
		{"vertex project", func(c *Config) { c.Completion.Backend = "vertexai" }},
		{"attempts", func(c *Config) { c.Completion.MaxAttempts = 0 }},
		{"blob backend", func(c *Config) { c.Blob.Backend = "gcs" }},
		{"bucket", func(c *Config) { c.Blob.Backend = "s3"; c.Blob.S3.Bucket = "" }},
		{"context", func(c *Config) { c.Orchestration.ContextMaxChars = -1 }},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record should be filtered: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"k":"v"`) {
		t.Errorf("expected json warn record, got: %s", out)
	}
}

func TestLoadConfig_Example(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "config.example.yaml"))
	if err != nil {
		t.Fatalf("example config should load: %v", err)
	}
	if cfg.Blob.S3.URLExpiry != 24*time.Hour {
		t.Errorf("expected 24h url expiry, got %v", cfg.Blob.S3.URLExpiry)
	}
}
