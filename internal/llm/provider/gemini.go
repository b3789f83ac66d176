package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	tracing "github.com/aixgo-dev/promptly/internal/observability"
	"github.com/aixgo-dev/promptly/pkg/observability"
)

const (
	// DefaultGeminiBaseURL is the public Generative Language API.
	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	// DefaultGeminiModel is used when no model is configured.
	DefaultGeminiModel = "gemini-2.0-flash-exp"
	// DefaultAttemptTimeout bounds a single HTTP attempt.
	DefaultAttemptTimeout = 30 * time.Second

	maxResponseSize = 10 * 1024 * 1024
)

// GeminiConfig configures the Gemini REST client.
type GeminiConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	Generation GenerationConfig
	Retry      RetryPolicy
}

// GeminiOption configures a GeminiClient.
type GeminiOption func(*GeminiClient)

// WithHTTPClient shares an existing HTTP client and its connection pool.
func WithHTTPClient(c *http.Client) GeminiOption {
	return func(g *GeminiClient) {
		g.httpClient = c
	}
}

// WithLogger sets the logger for request diagnostics.
func WithLogger(l *slog.Logger) GeminiOption {
	return func(g *GeminiClient) {
		g.logger = l
	}
}

// GeminiClient calls the generateContent endpoint over REST.
type GeminiClient struct {
	cfg        GeminiConfig
	httpClient *http.Client
	logger     *slog.Logger
	retry      retrier
	closeOnce  sync.Once
}

type geminiRequest struct {
	Contents         []Content        `json:"contents"`
	GenerationConfig GenerationConfig `json:"generationConfig"`
}

type geminiErrorBody struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// NewGeminiClient creates a Gemini client. An empty API key is accepted
// here and reported as a ConfigError by Complete.
func NewGeminiClient(cfg GeminiConfig, opts ...GeminiOption) *GeminiClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGeminiBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAttemptTimeout
	}
	if cfg.Generation == (GenerationConfig{}) {
		cfg.Generation = DefaultGenerationConfig()
	}

	g := &GeminiClient{cfg: cfg}
	for _, opt := range opts {
		opt(g)
	}
	if g.httpClient == nil {
		g.httpClient = &http.Client{}
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.retry = newRetrier(g.Name(), cfg.Retry, g.logger)
	return g
}

// Name returns the backend name
func (g *GeminiClient) Name() string {
	return "gemini"
}

func (g *GeminiClient) endpoint() string {
	return fmt.Sprintf("%s/models/%s:generateContent", g.cfg.BaseURL, g.cfg.Model)
}

// Complete implements Completer.
func (g *GeminiClient) Complete(ctx context.Context, prompt string, opts Options) (result *Result, err error) {
	if g.cfg.APIKey == "" {
		return nil, &ConfigError{Provider: g.Name(), Message: "GEMINI_API_KEY not set"}
	}

	ctx, span := tracing.StartSpan(ctx, "completion.complete", map[string]any{
		"backend":      g.Name(),
		"model":        g.cfg.Model,
		"prompt_chars": len([]rune(prompt)),
	})
	start := time.Now()
	defer func() {
		observability.RecordCompletion(g.Name(), time.Since(start))
		tracing.EndSpan(span, err)
	}()

	body, err := json.Marshal(geminiRequest{
		Contents: []Content{
			{Parts: []Part{{Text: SystemContext}}},
			{Parts: []Part{{Text: Truncate(prompt, MaxPromptChars)}}},
		},
		GenerationConfig: opts.Resolve(g.cfg.Generation),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	err = g.retry.do(ctx, func(ctx context.Context, attempt int) error {
		r, err := g.attempt(ctx, body)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (g *GeminiClient) attempt(ctx context.Context, body []byte) (*Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, g.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.cfg.APIKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, g.transportError(ctx, attemptCtx, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, g.transportError(ctx, attemptCtx, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result Result
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		result.Raw = json.RawMessage(data)
		return &result, nil
	case resp.StatusCode >= 500:
		return nil, &ServerError{Provider: g.Name(), Status: resp.StatusCode, Body: errorDetail(data)}
	default:
		return nil, &ClientError{Provider: g.Name(), Status: resp.StatusCode, Body: errorDetail(data)}
	}
}

// transportError classifies a failed round trip. Deadline overruns of the
// attempt become TimeoutError; cancellation of the caller's context is
// returned as is.
func (g *GeminiClient) transportError(ctx, attemptCtx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Provider: g.Name(), Err: err}
	}
	return &ServerError{Provider: g.Name(), Err: err}
}

// errorDetail prefers the API's error message over the raw body.
func errorDetail(data []byte) string {
	var body geminiErrorBody
	if err := json.Unmarshal(data, &body); err == nil && body.Error != nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return string(data)
}

// Close releases idle connections of the shared HTTP client.
func (g *GeminiClient) Close() error {
	g.closeOnce.Do(func() {
		g.httpClient.CloseIdleConnections()
	})
	return nil
}
