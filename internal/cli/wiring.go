package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/aixgo-dev/promptly/internal/llm/provider"
	tracing "github.com/aixgo-dev/promptly/internal/observability"
	"github.com/aixgo-dev/promptly/pkg/blob"
	"github.com/aixgo-dev/promptly/pkg/config"
	"github.com/aixgo-dev/promptly/pkg/security"
	"github.com/aixgo-dev/promptly/pkg/session"
)

func newStore(ctx context.Context, cfg config.StoreConfig) (session.Store, error) {
	switch cfg.Backend {
	case "memory":
		return session.NewMemoryBackend(), nil
	case "redis":
		return session.NewRedisBackend(session.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			PoolSize: cfg.Redis.PoolSize,
		})
	case "firestore":
		opts := []session.FirestoreOption{session.WithProjectID(cfg.Firestore.ProjectID)}
		if cfg.Firestore.CredentialsFile != "" {
			opts = append(opts, session.WithCredentialsFile(cfg.Firestore.CredentialsFile))
		}
		return session.NewFirestoreBackend(ctx, opts...)
	}
	return nil, fmt.Errorf("unsupported store backend: %q", cfg.Backend)
}

func generationConfig(cfg config.CompletionConfig) provider.GenerationConfig {
	gen := provider.DefaultGenerationConfig()
	if cfg.Temperature > 0 {
		gen.Temperature = cfg.Temperature
	}
	if cfg.MaxOutputTokens > 0 {
		gen.MaxOutputTokens = cfg.MaxOutputTokens
	}
	if cfg.TopP > 0 {
		gen.TopP = cfg.TopP
	}
	if cfg.TopK > 0 {
		gen.TopK = cfg.TopK
	}
	return gen
}

func newCompleter(ctx context.Context, cfg config.CompletionConfig, logger *slog.Logger) (provider.Completer, error) {
	retry := provider.DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.MaxAttempts
	}

	switch cfg.Backend {
	case "gemini":
		if cfg.Gemini.APIKey == "" {
			logger.Warn("GEMINI_API_KEY is not set; completions will fail")
		}
		return provider.NewGeminiClient(provider.GeminiConfig{
			APIKey:     cfg.Gemini.APIKey,
			BaseURL:    cfg.Gemini.BaseURL,
			Model:      cfg.Gemini.Model,
			Timeout:    cfg.Timeout,
			Generation: generationConfig(cfg),
			Retry:      retry,
		}, provider.WithLogger(logger)), nil
	case "vertexai":
		return provider.NewVertexAIClient(ctx, provider.VertexAIConfig{
			ProjectID:  cfg.VertexAI.ProjectID,
			Location:   cfg.VertexAI.Location,
			Model:      cfg.VertexAI.Model,
			Timeout:    cfg.Timeout,
			Generation: generationConfig(cfg),
			Retry:      retry,
		}, logger)
	case "mock":
		logger.Warn("using the mock completion backend")
		return provider.NewMockCompleter(), nil
	}
	return nil, fmt.Errorf("unsupported completion backend: %q", cfg.Backend)
}

// newBlobStore returns nil when uploads are disabled.
func newBlobStore(ctx context.Context, cfg config.BlobConfig, logger *slog.Logger) (blob.Store, error) {
	switch cfg.Backend {
	case "none":
		return nil, nil
	case "memory":
		return blob.NewMemoryStore(), nil
	case "s3":
		return blob.NewS3Store(ctx, cfg.S3, logger)
	}
	return nil, fmt.Errorf("unsupported blob backend: %q", cfg.Backend)
}

// limiter bundles the configured limiter with what serve must manage.
type limiter struct {
	security.Limiter
	memory *security.MemoryLimiter
	close  func() error
}

// newLimiter returns nil when rate limiting is disabled.
func newLimiter(cfg config.Config) (*limiter, error) {
	if !cfg.RateLimit.Enabled {
		return nil, nil
	}
	rate, err := security.ParseRate(cfg.RateLimit.Rate)
	if err != nil {
		return nil, err
	}

	switch cfg.RateLimit.Backend {
	case security.RateLimitMemory:
		mem := security.NewMemoryLimiter(rate)
		return &limiter{Limiter: mem, memory: mem, close: func() error { return nil }}, nil
	case security.RateLimitRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		return &limiter{
			Limiter: security.NewRedisLimiter(client, rate, cfg.Store.Redis.Prefix+"ratelimit:"),
			close:   client.Close,
		}, nil
	}
	return nil, fmt.Errorf("unsupported rate limit backend: %q", cfg.RateLimit.Backend)
}

func tracingConfig(cfg config.TracingConfig) tracing.Config {
	return tracing.Config{
		ServiceName:  "promptly",
		Enabled:      cfg.Enabled,
		ExporterType: cfg.Exporter,
		OTLPEndpoint: cfg.Endpoint,
		OTLPHeaders:  tracing.ParseHeaders(cfg.Headers),
		Insecure:     cfg.Insecure,
	}
}
