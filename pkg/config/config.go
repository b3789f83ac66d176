// Package config loads the promptly server configuration from YAML and
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aixgo-dev/promptly/pkg/blob"
	"github.com/aixgo-dev/promptly/pkg/security"
)

// MaxConfigBytes bounds the size of a configuration file.
const MaxConfigBytes = 1 << 20

// Config is the full server configuration.
type Config struct {
	Server        ServerConfig             `yaml:"server"`
	Ops           OpsConfig                `yaml:"ops"`
	Auth          security.AuthConfig      `yaml:"auth"`
	RateLimit     security.RateLimitConfig `yaml:"rate_limit"`
	Store         StoreConfig              `yaml:"store"`
	Completion    CompletionConfig         `yaml:"completion"`
	Orchestration OrchestrationConfig      `yaml:"orchestration"`
	Blob          BlobConfig               `yaml:"blob"`
	Tracing       TracingConfig            `yaml:"tracing"`
	Logging       LoggingConfig            `yaml:"logging"`
}

// ServerConfig configures the public API listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxBodyBytes bounds JSON request bodies. Uploads use blob limits.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// OpsConfig configures the health and metrics listener.
type OpsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// StoreConfig selects the conversation store backend.
type StoreConfig struct {
	Backend   string          `yaml:"backend"` // memory, redis, firestore
	Redis     RedisConfig     `yaml:"redis"`
	Firestore FirestoreConfig `yaml:"firestore"`
}

// RedisConfig configures the Redis store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	PoolSize int    `yaml:"pool_size"`
}

// FirestoreConfig configures the Firestore store.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

// CompletionConfig selects and tunes the completion backend.
type CompletionConfig struct {
	Backend string `yaml:"backend"` // gemini, vertexai, mock

	Gemini   GeminiConfig   `yaml:"gemini"`
	VertexAI VertexAIConfig `yaml:"vertexai"`

	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`

	Temperature     float64 `yaml:"temperature"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	TopP            float64 `yaml:"top_p"`
	TopK            int     `yaml:"top_k"`
}

// GeminiConfig configures the Gemini REST backend.
type GeminiConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// VertexAIConfig configures the Vertex AI backend.
type VertexAIConfig struct {
	ProjectID string `yaml:"project_id"`
	Location  string `yaml:"location"`
	Model     string `yaml:"model"`
}

// OrchestrationConfig tunes the question loop.
type OrchestrationConfig struct {
	ContextMaxChars int `yaml:"context_max_chars"`
}

// BlobConfig configures file uploads.
type BlobConfig struct {
	Backend string        `yaml:"backend"` // s3, memory, none
	S3      blob.S3Config `yaml:"s3"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // otlp, stdout, none
	Endpoint string `yaml:"endpoint"`
	Headers  string `yaml:"headers"`
	Insecure bool   `yaml:"insecure"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Ops: OpsConfig{Enabled: true, Addr: ":9090"},
		Auth: security.AuthConfig{
			Mode:      security.AuthModeDisabled,
			DevUserID: security.DefaultDevUserID,
		},
		RateLimit: security.RateLimitConfig{
			Enabled:       true,
			Rate:          security.DefaultRate,
			Backend:       security.RateLimitMemory,
			IdleTTL:       10 * time.Minute,
			PruneSchedule: "@every 5m",
		},
		Store: StoreConfig{
			Backend: "memory",
			Redis:   RedisConfig{Addr: "localhost:6379", Prefix: "promptly:", PoolSize: 10},
		},
		Completion: CompletionConfig{
			Backend:         "gemini",
			Gemini:          GeminiConfig{BaseURL: "https://generativelanguage.googleapis.com/v1beta", Model: "gemini-2.0-flash-exp"},
			VertexAI:        VertexAIConfig{Location: "us-central1", Model: "gemini-2.0-flash-exp"},
			Timeout:         30 * time.Second,
			MaxAttempts:     3,
			Temperature:     0.7,
			MaxOutputTokens: 4096,
			TopP:            0.95,
			TopK:            64,
		},
		Orchestration: OrchestrationConfig{ContextMaxChars: 2000},
		Blob: BlobConfig{
			Backend: "memory",
			S3: blob.S3Config{
				Endpoint:     "http://localhost:9000",
				Region:       "us-east-1",
				Bucket:       "promptly-files",
				PathStyle:    true,
				CreateBucket: true,
				URLExpiry:    blob.DefaultURLExpiry,
				MaxRetries:   3,
			},
		},
		Tracing: TracingConfig{Exporter: "otlp", Endpoint: "localhost:4318"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads path over the defaults, applies environment overrides
// and validates the result. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if info.Size() > MaxConfigBytes {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxConfigBytes)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	limits := security.DefaultYAMLLimits()
	limits.MaxBytes = MaxConfigBytes
	if err := security.DecodeYAML(f, c, limits); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from environment variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("PROMPTLY_ADDR", &c.Server.Addr)
	str("PROMPTLY_OPS_ADDR", &c.Ops.Addr)
	str("PROMPTLY_STORE", &c.Store.Backend)
	str("PROMPTLY_COMPLETION_BACKEND", &c.Completion.Backend)
	str("PROMPTLY_BLOB_BACKEND", &c.Blob.Backend)
	str("PROMPTLY_RATE_LIMIT", &c.RateLimit.Rate)
	str("PROMPTLY_LOG_LEVEL", &c.Logging.Level)
	str("PROMPTLY_LOG_FORMAT", &c.Logging.Format)
	if v, ok := lookup("PROMPTLY_AUTH_MODE"); ok && v != "" {
		c.Auth.Mode = security.AuthMode(v)
	}

	str("GEMINI_API_KEY", &c.Completion.Gemini.APIKey)
	str("GEMINI_BASE_URL", &c.Completion.Gemini.BaseURL)
	str("GEMINI_MODEL", &c.Completion.Gemini.Model)
	str("GOOGLE_CLOUD_PROJECT", &c.Completion.VertexAI.ProjectID)
	str("GOOGLE_CLOUD_LOCATION", &c.Completion.VertexAI.Location)
	str("GOOGLE_CLOUD_PROJECT", &c.Store.Firestore.ProjectID)
	str("FIRESTORE_PROJECT_ID", &c.Store.Firestore.ProjectID)
	str("GOOGLE_APPLICATION_CREDENTIALS", &c.Store.Firestore.CredentialsFile)

	if v, ok := lookup("REDIS_URL"); ok && v != "" {
		opts, err := redis.ParseURL(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		c.Store.Redis.Addr = opts.Addr
		c.Store.Redis.Password = opts.Password
		c.Store.Redis.DB = opts.DB
	}

	if v, ok := lookup("MINIO_ENDPOINT"); ok && v != "" {
		scheme := "http://"
		if secure, _ := lookup("MINIO_SECURE"); strings.EqualFold(secure, "true") {
			scheme = "https://"
		}
		if !strings.Contains(v, "://") {
			v = scheme + v
		}
		c.Blob.S3.Endpoint = v
		c.Blob.S3.PathStyle = true
	}
	str("MINIO_ACCESS_KEY", &c.Blob.S3.AccessKey)
	str("MINIO_SECRET_KEY", &c.Blob.S3.SecretKey)
	str("MINIO_BUCKET", &c.Blob.S3.Bucket)
	if v, ok := lookup("MINIO_URL_EXPIRY_HOURS"); ok && v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours <= 0 {
			return fmt.Errorf("invalid MINIO_URL_EXPIRY_HOURS: %q", v)
		}
		c.Blob.S3.URLExpiry = time.Duration(hours) * time.Hour
	}

	if v, ok := lookup("OTEL_EXPORTER_OTLP_ENDPOINT"); ok && v != "" {
		c.Tracing.Enabled = true
		c.Tracing.Endpoint = v
	}
	str("OTEL_EXPORTER_OTLP_HEADERS", &c.Tracing.Headers)
	str("OTEL_TRACES_EXPORTER", &c.Tracing.Exporter)
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Ops.Enabled && c.Ops.Addr == "" {
		return fmt.Errorf("ops.addr is required when ops is enabled")
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}

	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis store")
		}
	case "firestore":
		if c.Store.Firestore.ProjectID == "" {
			return fmt.Errorf("store.firestore.project_id is required for the firestore store")
		}
	default:
		return fmt.Errorf("unsupported store backend: %q", c.Store.Backend)
	}
	if c.RateLimit.Enabled && c.RateLimit.Backend == security.RateLimitRedis && c.Store.Redis.Addr == "" {
		return fmt.Errorf("store.redis.addr is required for the redis rate limiter")
	}

	switch c.Completion.Backend {
	case "gemini", "mock":
		// A missing Gemini key surfaces per call, so the server can start without one.
	case "vertexai":
		if c.Completion.VertexAI.ProjectID == "" {
			return fmt.Errorf("completion.vertexai.project_id is required for the vertexai backend")
		}
	default:
		return fmt.Errorf("unsupported completion backend: %q", c.Completion.Backend)
	}
	if c.Completion.MaxAttempts < 1 {
		return fmt.Errorf("completion.max_attempts must be at least 1")
	}

	switch c.Blob.Backend {
	case "memory", "none":
	case "s3":
		if c.Blob.S3.Bucket == "" {
			return fmt.Errorf("blob.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unsupported blob backend: %q", c.Blob.Backend)
	}

	if c.Orchestration.ContextMaxChars < 0 {
		return fmt.Errorf("orchestration.context_max_chars must not be negative")
	}
	return c.Logging.validate()
}
