// Package provider implements the completion service client: a blocking
// Complete call against an LLM endpoint with input truncation, a fixed
// system line, generation defaults and bounded retries.
package provider

import (
	"context"
	"encoding/json"
	"strings"
	"unicode/utf8"
)

const (
	// MaxPromptChars is the longest prompt sent to the completion service.
	MaxPromptChars = 2000

	// TruncationMarker is appended to prompts cut at MaxPromptChars.
	TruncationMarker = "…[truncated]"

	// SystemContext is sent ahead of every prompt.
	SystemContext = "You are Gemini 2.5, respond concisely."
)

// Default generation parameters.
const (
	DefaultTemperature     = 0.7
	DefaultMaxOutputTokens = 4096
	DefaultTopP            = 0.95
	DefaultTopK            = 64
)

// Completer sends a prompt to a completion service.
// Implementations must be safe for concurrent use.
type Completer interface {
	// Complete sends prompt and returns the parsed payload.
	Complete(ctx context.Context, prompt string, opts Options) (*Result, error)

	// Name returns the backend name (e.g., "gemini", "vertexai")
	Name() string

	// Close releases pooled connections. It is safe to call more than once.
	Close() error
}

// Options overrides generation parameters for one call. Nil or zero
// fields use the defaults.
type Options struct {
	Temperature     *float64
	MaxOutputTokens int
	TopP            *float64
	TopK            int
}

// GenerationConfig is the resolved set of generation parameters.
type GenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
	TopP            float64 `json:"topP"`
	TopK            int     `json:"topK"`
}

// DefaultGenerationConfig returns the package defaults.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Temperature:     DefaultTemperature,
		MaxOutputTokens: DefaultMaxOutputTokens,
		TopP:            DefaultTopP,
		TopK:            DefaultTopK,
	}
}

// Resolve applies o on top of base.
func (o Options) Resolve(base GenerationConfig) GenerationConfig {
	if o.Temperature != nil {
		base.Temperature = *o.Temperature
	}
	if o.MaxOutputTokens > 0 {
		base.MaxOutputTokens = o.MaxOutputTokens
	}
	if o.TopP != nil {
		base.TopP = *o.TopP
	}
	if o.TopK > 0 {
		base.TopK = o.TopK
	}
	return base
}

// Result is the completion payload, shaped like a generateContent response.
type Result struct {
	Candidates    []Candidate    `json:"candidates"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`

	// Raw holds the response body as received.
	Raw json.RawMessage `json:"-"`
}

// Candidate is one generated alternative.
type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

// Content is a list of parts.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Part is a text fragment.
type Part struct {
	Text string `json:"text"`
}

// UsageMetadata reports token usage.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// Text returns the first part of the first candidate. ok is false when the
// payload has no candidates or the first candidate has no parts.
func (r *Result) Text() (text string, ok bool) {
	if r == nil || len(r.Candidates) == 0 || len(r.Candidates[0].Content.Parts) == 0 {
		return "", false
	}
	return r.Candidates[0].Content.Parts[0].Text, true
}

// RawString returns the raw payload, re-encoding the result if no body was kept.
func (r *Result) RawString() string {
	if r == nil {
		return ""
	}
	if len(r.Raw) > 0 {
		return string(r.Raw)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return string(data)
}

// NewTextResult builds a single-candidate result carrying text.
func NewTextResult(text string) *Result {
	r := &Result{
		Candidates: []Candidate{{
			Content:      Content{Role: "model", Parts: []Part{{Text: text}}},
			FinishReason: "STOP",
		}},
	}
	r.Raw, _ = json.Marshal(r)
	return r
}

// Truncate cuts prompt so that, with TruncationMarker appended, it is at
// most limit characters long. Prompts within the limit are returned as is.
func Truncate(prompt string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(prompt) <= limit {
		return prompt
	}
	keep := limit - utf8.RuneCountInString(TruncationMarker)
	if keep < 0 {
		keep = 0
	}
	var b strings.Builder
	b.Grow(len(prompt))
	n := 0
	for _, r := range prompt {
		if n == keep {
			break
		}
		b.WriteRune(r)
		n++
	}
	b.WriteString(TruncationMarker)
	return b.String()
}
