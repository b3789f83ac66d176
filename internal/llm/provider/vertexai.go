package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"google.golang.org/genai"

	tracing "github.com/aixgo-dev/promptly/internal/observability"
	"github.com/aixgo-dev/promptly/pkg/observability"
)

const (
	// DefaultVertexLocation is used when no region is configured.
	DefaultVertexLocation = "us-central1"

	vertexAIClientTimeout = 30 * time.Second
)

// VertexAIConfig configures the Vertex AI backend.
type VertexAIConfig struct {
	ProjectID  string
	Location   string
	Model      string
	Timeout    time.Duration
	Generation GenerationConfig
	Retry      RetryPolicy
}

// generateFunc matches genai's Models.GenerateContent.
type generateFunc func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

// VertexAIClient implements Completer with the Google Gen AI SDK on the
// Vertex AI backend. It uses Application Default Credentials.
type VertexAIClient struct {
	cfg      VertexAIConfig
	generate generateFunc
	logger   *slog.Logger
	retry    retrier
}

// NewVertexAIClient creates a Vertex AI completion client.
func NewVertexAIClient(ctx context.Context, cfg VertexAIConfig, logger *slog.Logger) (*VertexAIClient, error) {
	if cfg.ProjectID == "" {
		return nil, &ConfigError{Provider: "vertexai", Message: "GOOGLE_CLOUD_PROJECT not set"}
	}
	if cfg.Location == "" {
		cfg.Location = DefaultVertexLocation
	}

	ctx, cancel := context.WithTimeout(ctx, vertexAIClientTimeout)
	defer cancel()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  cfg.ProjectID,
		Location: cfg.Location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Vertex AI client: %w", err)
	}

	return newVertexAIClient(cfg, client.Models.GenerateContent, logger), nil
}

func newVertexAIClient(cfg VertexAIConfig, generate generateFunc, logger *slog.Logger) *VertexAIClient {
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAttemptTimeout
	}
	if cfg.Generation == (GenerationConfig{}) {
		cfg.Generation = DefaultGenerationConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &VertexAIClient{cfg: cfg, generate: generate, logger: logger}
	c.retry = newRetrier(c.Name(), cfg.Retry, logger)
	return c
}

// Name returns the backend name
func (c *VertexAIClient) Name() string {
	return "vertexai"
}

// Complete implements Completer.
func (c *VertexAIClient) Complete(ctx context.Context, prompt string, opts Options) (result *Result, err error) {
	ctx, span := tracing.StartSpan(ctx, "completion.complete", map[string]any{
		"backend":      c.Name(),
		"model":        c.cfg.Model,
		"prompt_chars": len([]rune(prompt)),
	})
	start := time.Now()
	defer func() {
		observability.RecordCompletion(c.Name(), time.Since(start))
		tracing.EndSpan(span, err)
	}()

	gen := opts.Resolve(c.cfg.Generation)
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(gen.Temperature)),
		TopP:        genai.Ptr(float32(gen.TopP)),
		TopK:        genai.Ptr(float32(gen.TopK)),
	}
	if gen.MaxOutputTokens > 0 && gen.MaxOutputTokens <= math.MaxInt32 {
		config.MaxOutputTokens = int32(gen.MaxOutputTokens)
	}
	contents := []*genai.Content{
		{Role: genai.RoleUser, Parts: []*genai.Part{{Text: SystemContext}}},
		{Role: genai.RoleUser, Parts: []*genai.Part{{Text: Truncate(prompt, MaxPromptChars)}}},
	}

	err = c.retry.do(ctx, func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		resp, err := c.generate(attemptCtx, c.cfg.Model, contents, config)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return c.wrapError(attemptCtx, err)
		}
		result, err = convertGenAIResponse(resp)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// convertGenAIResponse maps the SDK response onto Result, keeping the SDK's
// JSON encoding as the raw payload.
func convertGenAIResponse(resp *genai.GenerateContentResponse) (*Result, error) {
	result := &Result{}
	if resp == nil {
		return result, nil
	}

	for _, cand := range resp.Candidates {
		if cand == nil {
			continue
		}
		out := Candidate{FinishReason: string(cand.FinishReason)}
		if cand.Content != nil {
			out.Content.Role = cand.Content.Role
			for _, p := range cand.Content.Parts {
				if p != nil && p.Text != "" {
					out.Content.Parts = append(out.Content.Parts, Part{Text: p.Text})
				}
			}
		}
		result.Candidates = append(result.Candidates, out)
	}
	if um := resp.UsageMetadata; um != nil {
		result.UsageMetadata = &UsageMetadata{
			PromptTokenCount:     int(um.PromptTokenCount),
			CandidatesTokenCount: int(um.CandidatesTokenCount),
			TotalTokenCount:      int(um.TotalTokenCount),
		}
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	result.Raw = raw
	return result, nil
}

// wrapError classifies SDK errors by message, since the SDK does not expose
// a stable status accessor across transports.
func (c *VertexAIClient) wrapError(attemptCtx context.Context, err error) error {
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Provider: c.Name(), Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return &TimeoutError{Provider: c.Name(), Err: err}
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "504") ||
		strings.Contains(msg, "unavailable") || strings.Contains(msg, "internal"):
		return &ServerError{Provider: c.Name(), Status: statusFromMessage(msg, 500), Body: err.Error(), Err: err}
	default:
		return &ClientError{Provider: c.Name(), Status: statusFromMessage(msg, 400), Body: err.Error()}
	}
}

func statusFromMessage(msg string, fallback int) int {
	for _, code := range []int{400, 401, 403, 404, 409, 429, 500, 502, 503, 504} {
		if strings.Contains(msg, fmt.Sprint(code)) {
			return code
		}
	}
	return fallback
}

// Close is a no-op; the SDK client holds no closable resources.
func (c *VertexAIClient) Close() error {
	return nil
}
