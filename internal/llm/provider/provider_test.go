package provider

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"short", "hello", 10, "hello"},
		{"exact", "0123456789", 10, "0123456789"},
		{"no limit", strings.Repeat("x", 5000), 0, strings.Repeat("x", 5000)},
		{"cut", strings.Repeat("x", 30), 20, strings.Repeat("x", 20-utf8.RuneCountInString(TruncationMarker)) + TruncationMarker},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.in, tt.limit)
			if got != tt.want {
				t.Errorf("Truncate() = %q, want %q", got, tt.want)
			}
			if tt.limit > 0 && utf8.RuneCountInString(got) > tt.limit {
				t.Errorf("result exceeds limit: %d", utf8.RuneCountInString(got))
			}
		})
	}
}

func TestOptionsResolve(t *testing.T) {
	zero := 0.0
	got := Options{Temperature: &zero, MaxOutputTokens: 100}.Resolve(DefaultGenerationConfig())
	want := GenerationConfig{Temperature: 0, MaxOutputTokens: 100, TopP: DefaultTopP, TopK: DefaultTopK}
	if got != want {
		t.Errorf("Resolve() = %+v, want %+v", got, want)
	}
}

func TestResultText(t *testing.T) {
	var nilResult *Result
	if _, ok := nilResult.Text(); ok {
		t.Error("nil result should have no text")
	}
	if _, ok := (&Result{}).Text(); ok {
		t.Error("empty result should have no text")
	}
	if _, ok := (&Result{Candidates: []Candidate{{}}}).Text(); ok {
		t.Error("candidate without parts should have no text")
	}

	r := NewTextResult("hi")
	if text, ok := r.Text(); !ok || text != "hi" {
		t.Errorf("Text() = %q, %v", text, ok)
	}
	if !strings.Contains(r.RawString(), `"text":"hi"`) {
		t.Errorf("RawString() = %s", r.RawString())
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	if d := p.Delay(0, 0); d != time.Second {
		t.Errorf("Delay(0) = %v", d)
	}
	if d := p.Delay(2, 100*time.Millisecond); d != 4*time.Second+100*time.Millisecond {
		t.Errorf("Delay(2) = %v", d)
	}
	for range 100 {
		if j := cryptoJitter(p.MaxJitter); j < 0 || j > p.MaxJitter {
			t.Fatalf("jitter out of range: %v", j)
		}
	}
}
