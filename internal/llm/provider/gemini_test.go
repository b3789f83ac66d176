package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const okBody = `{"candidates":[{"content":{"role":"model","parts":[{"text":"Hello from Gemini!"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5,"totalTokenCount":15}}`

// scriptedServer replies with the given status codes in order, then 200s.
func scriptedServer(t *testing.T, statuses ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		status := http.StatusOK
		if n <= len(statuses) {
			status = statuses[n-1]
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = io.WriteString(w, okBody)
			return
		}
		_, _ = io.WriteString(w, `{"error":{"code":`+strconv.Itoa(status)+`,"message":"upstream said no"}}`)
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

// newTestClient returns a client whose sleeps are recorded instead of taken.
func newTestClient(baseURL string) (*GeminiClient, *[]time.Duration) {
	c := NewGeminiClient(GeminiConfig{APIKey: "test-key", BaseURL: baseURL})
	var sleeps []time.Duration
	c.retry.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	c.retry.jitter = func(time.Duration) time.Duration { return 0 }
	return c, &sleeps
}

func TestGeminiClient_Name(t *testing.T) {
	c := NewGeminiClient(GeminiConfig{APIKey: "k"})
	if c.Name() != "gemini" {
		t.Errorf("expected 'gemini', got %s", c.Name())
	}
}

func TestGeminiClient_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Error("missing API key header")
		}
		if !strings.HasSuffix(r.URL.Path, "/models/"+DefaultGeminiModel+":generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}

		var req geminiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Contents) != 2 || len(req.Contents[0].Parts) != 1 || len(req.Contents[1].Parts) != 1 {
			t.Fatalf("expected two single-part contents, got %+v", req.Contents)
		}
		if req.Contents[0].Parts[0].Text != SystemContext {
			t.Errorf("first content should be the system line, got %q", req.Contents[0].Parts[0].Text)
		}
		if req.Contents[1].Parts[0].Text != "Hi" {
			t.Errorf("second content should be the prompt, got %q", req.Contents[1].Parts[0].Text)
		}
		want := GenerationConfig{Temperature: 0.2, MaxOutputTokens: DefaultMaxOutputTokens, TopP: DefaultTopP, TopK: 10}
		if req.GenerationConfig != want {
			t.Errorf("generationConfig = %+v, want %+v", req.GenerationConfig, want)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, okBody)
	}))
	defer server.Close()

	c, _ := newTestClient(server.URL)
	temp := 0.2
	result, err := c.Complete(context.Background(), "Hi", Options{Temperature: &temp, TopK: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	text, ok := result.Text()
	if !ok || text != "Hello from Gemini!" {
		t.Errorf("expected 'Hello from Gemini!', got %q (ok=%v)", text, ok)
	}
	if result.UsageMetadata == nil || result.UsageMetadata.TotalTokenCount != 15 {
		t.Errorf("unexpected usage: %+v", result.UsageMetadata)
	}
	if string(result.Raw) != okBody {
		t.Errorf("raw payload not preserved: %s", result.Raw)
	}
}

func TestGeminiClient_TruncatesPrompt(t *testing.T) {
	var sent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req geminiRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		sent = req.Contents[1].Parts[0].Text
		_, _ = io.WriteString(w, okBody)
	}))
	defer server.Close()

	c, _ := newTestClient(server.URL)
	if _, err := c.Complete(context.Background(), strings.Repeat("é", 2500), Options{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := len([]rune(sent)); n != MaxPromptChars {
		t.Errorf("sent %d characters, want %d", n, MaxPromptChars)
	}
	if !strings.HasSuffix(sent, TruncationMarker) {
		t.Error("truncated prompt should end with the marker")
	}
}

func TestGeminiClient_RetryRecovers(t *testing.T) {
	server, calls := scriptedServer(t, 500, 500)
	c, sleeps := newTestClient(server.URL)

	result, err := c.Complete(context.Background(), "Hi", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := result.Text(); !ok {
		t.Error("expected text in final result")
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
	if len(*sleeps) != 2 {
		t.Fatalf("expected 2 sleeps, got %d", len(*sleeps))
	}
	if (*sleeps)[0] != time.Second || (*sleeps)[1] != 2*time.Second {
		t.Errorf("unexpected backoff: %v", *sleeps)
	}
}

func TestGeminiClient_RetryExhausted(t *testing.T) {
	server, calls := scriptedServer(t, 500, 500, 500)
	c, sleeps := newTestClient(server.URL)

	_, err := c.Complete(context.Background(), "Hi", Options{})
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("expected ServerError, got %v", err)
	}
	if se.Status != http.StatusInternalServerError {
		t.Errorf("Status = %d, want 500", se.Status)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
	if len(*sleeps) != 2 {
		t.Errorf("expected 2 sleeps, got %d", len(*sleeps))
	}
}

func TestGeminiClient_ClientErrorNotRetried(t *testing.T) {
	for _, status := range []int{400, 401, 404, 429} {
		server, calls := scriptedServer(t, status)
		c, sleeps := newTestClient(server.URL)

		_, err := c.Complete(context.Background(), "Hi", Options{})
		var ce *ClientError
		if !errors.As(err, &ce) {
			t.Fatalf("status %d: expected ClientError, got %v", status, err)
		}
		if ce.Status != status {
			t.Errorf("Status = %d, want %d", ce.Status, status)
		}
		if ce.Body != "upstream said no" {
			t.Errorf("Body = %q", ce.Body)
		}
		if calls.Load() != 1 || len(*sleeps) != 0 {
			t.Errorf("status %d: expected 1 call and no sleeps, got %d calls %d sleeps", status, calls.Load(), len(*sleeps))
		}
	}
}

func TestGeminiClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	c := NewGeminiClient(GeminiConfig{APIKey: "k", BaseURL: server.URL, Timeout: 20 * time.Millisecond})
	var sleeps int
	c.retry.sleep = func(context.Context, time.Duration) error { sleeps++; return nil }

	_, err := c.Complete(context.Background(), "Hi", Options{})
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if StatusCode(err) != http.StatusRequestTimeout {
		t.Errorf("StatusCode = %d, want 408", StatusCode(err))
	}
	if sleeps != 2 {
		t.Errorf("expected 2 sleeps, got %d", sleeps)
	}
}

func TestGeminiClient_MissingKey(t *testing.T) {
	c := NewGeminiClient(GeminiConfig{})
	_, err := c.Complete(context.Background(), "Hi", Options{})
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestGeminiClient_ContextCancelled(t *testing.T) {
	server, _ := scriptedServer(t, 500, 500)
	c := NewGeminiClient(GeminiConfig{APIKey: "k", BaseURL: server.URL})

	ctx, cancel := context.WithCancel(context.Background())
	c.retry.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepContext(ctx, d)
	}

	_, err := c.Complete(ctx, "Hi", Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestGeminiClient_CloseIdempotent(t *testing.T) {
	c := NewGeminiClient(GeminiConfig{APIKey: "k"}, WithHTTPClient(&http.Client{}))
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}
