package provider

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"google.golang.org/genai"
)

func TestVertexAIClient_Complete(t *testing.T) {
	var gotConfig *genai.GenerateContentConfig
	var gotContents []*genai.Content
	calls := 0
	generate := func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		calls++
		gotConfig = config
		gotContents = contents
		if calls == 1 {
			return nil, errors.New("Error 503, Message: service unavailable")
		}
		return &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				Content:      &genai.Content{Role: "model", Parts: []*genai.Part{{Text: `{"finalPrompt":"done"}`}}},
				FinishReason: genai.FinishReasonStop,
			}},
			UsageMetadata: &genai.GenerateContentResponseUsageMetadata{TotalTokenCount: 7},
		}, nil
	}

	c := newVertexAIClient(VertexAIConfig{ProjectID: "p"}, generate, nil)
	sleeps := 0
	c.retry.sleep = func(context.Context, time.Duration) error { sleeps++; return nil }

	result, err := c.Complete(context.Background(), "prompt", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 || sleeps != 1 {
		t.Errorf("expected 2 calls and 1 sleep, got %d and %d", calls, sleeps)
	}
	text, ok := result.Text()
	if !ok || text != `{"finalPrompt":"done"}` {
		t.Errorf("Text() = %q", text)
	}
	if result.UsageMetadata.TotalTokenCount != 7 {
		t.Errorf("usage not mapped: %+v", result.UsageMetadata)
	}
	if len(result.Raw) == 0 {
		t.Error("raw payload missing")
	}
	if *gotConfig.Temperature != float32(DefaultTemperature) || gotConfig.MaxOutputTokens != DefaultMaxOutputTokens {
		t.Errorf("unexpected config: %+v", gotConfig)
	}
	if len(gotContents) != 2 || gotContents[0].Parts[0].Text != SystemContext {
		t.Fatalf("expected system line and prompt as separate contents, got %d contents", len(gotContents))
	}
	if len(gotContents[1].Parts) != 1 || gotContents[1].Parts[0].Text == SystemContext {
		t.Error("prompt content missing")
	}
}

func TestVertexAIClient_ErrorClassification(t *testing.T) {
	c := newVertexAIClient(VertexAIConfig{ProjectID: "p"}, nil, nil)
	ctx := context.Background()

	tests := []struct {
		msg  string
		want string
	}{
		{"Error 400, Message: invalid argument", "client"},
		{"Error 403, permission denied", "client"},
		{"Error 500, internal", "server"},
		{"service unavailable", "server"},
		{"context deadline exceeded", "timeout"},
	}

	for _, tt := range tests {
		err := c.wrapError(ctx, errors.New(tt.msg))
		var (
			ce *ClientError
			se *ServerError
			te *TimeoutError
		)
		got := ""
		switch {
		case errors.As(err, &ce):
			got = "client"
		case errors.As(err, &se):
			got = "server"
		case errors.As(err, &te):
			got = "timeout"
		}
		if got != tt.want {
			t.Errorf("%q classified as %s, want %s", tt.msg, got, tt.want)
		}
	}
}

func TestVertexAIClient_ClientErrorStops(t *testing.T) {
	calls := 0
	generate := func(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		calls++
		return nil, errors.New("Error 400, Message: bad prompt")
	}
	c := newVertexAIClient(VertexAIConfig{ProjectID: "p"}, generate, nil)

	_, err := c.Complete(context.Background(), "prompt", Options{})
	var ce *ClientError
	if !errors.As(err, &ce) || ce.Status != 400 {
		t.Fatalf("expected 400 ClientError, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if !strings.Contains(ce.Body, "bad prompt") {
		t.Errorf("Body = %q", ce.Body)
	}
}

func TestNewVertexAIClient_RequiresProject(t *testing.T) {
	_, err := NewVertexAIClient(context.Background(), VertexAIConfig{}, nil)
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}
