package session

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validParams() NewParams {
	return NewParams{
		ID:            "s1",
		UserID:        "u1",
		StarterPrompt: "Help me write a cover letter",
		MaxQuestions:  5,
		TargetModel:   "claude-3-opus",
	}
}

func TestNewSession(t *testing.T) {
	now := time.Now().UTC()
	s, err := NewSession(validParams(), now)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if s.Status != StatusActive {
		t.Errorf("Status = %s, want active", s.Status)
	}
	if !s.CreatedAt.Equal(now) || !s.UpdatedAt.Equal(now) {
		t.Error("timestamps not set")
	}
	if s.Settings.ContextSources == nil {
		t.Error("ContextSources should be an empty list")
	}
}

func TestNewParams_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*NewParams)
		field  string
	}{
		{"empty prompt", func(p *NewParams) { p.StarterPrompt = "" }, "starterPrompt"},
		{"long prompt", func(p *NewParams) { p.StarterPrompt = strings.Repeat("a", MaxStarterPromptChars+1) }, "starterPrompt"},
		{"zero questions", func(p *NewParams) { p.MaxQuestions = 0 }, "maxQuestions"},
		{"too many questions", func(p *NewParams) { p.MaxQuestions = 21 }, "maxQuestions"},
		{"unknown model", func(p *NewParams) { p.TargetModel = "gpt-17" }, "targetModel"},
		{"long title", func(p *NewParams) { p.Title = strings.Repeat("t", MaxTitleChars+1) }, "title"},
		{"negative word limit", func(p *NewParams) { p.Settings.WordLimit = -1 }, "settings.wordLimit"},
		{"long tone", func(p *NewParams) { p.Settings.Tone = strings.Repeat("t", MaxToneChars+1) }, "settings.tone"},
		{"missing user", func(p *NewParams) { p.UserID = "" }, "userId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams()
			tt.mutate(&p)
			err := p.Validate()
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Field = %s, want %s", verr.Field, tt.field)
			}
		})
	}

	p := validParams()
	p.StarterPrompt = strings.Repeat("é", MaxStarterPromptChars)
	if err := p.Validate(); err != nil {
		t.Errorf("prompt at the limit counted in characters should pass: %v", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusCancelled, true},
		{StatusActive, StatusActive, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCompleted, StatusActive, false},
		{StatusCancelled, StatusCompleted, false},
		{StatusCancelled, StatusActive, false},
	}

	for _, tt := range tests {
		s := &Session{Status: tt.from}
		at := time.Now()
		err := s.Transition(tt.to, at)
		if tt.ok {
			if err != nil {
				t.Errorf("%s -> %s: unexpected error %v", tt.from, tt.to, err)
			}
			if s.Status != tt.to || !s.UpdatedAt.Equal(at) {
				t.Errorf("%s -> %s: session not updated", tt.from, tt.to)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", tt.from, tt.to, err)
		}
		if s.Status != tt.from {
			t.Errorf("%s -> %s: status changed on failure", tt.from, tt.to)
		}
	}
}

func TestSessionClone(t *testing.T) {
	s := &Session{
		ID:       "s1",
		Settings: Settings{ContextSources: []ContextSource{{FileID: "f1"}}},
		Metadata: map[string]any{"k": "v"},
	}
	c := s.Clone()
	c.Settings.ContextSources[0].FileID = "changed"
	c.Metadata["k"] = "changed"

	if s.Settings.ContextSources[0].FileID != "f1" || s.Metadata["k"] != "v" {
		t.Error("Clone shares state with the original")
	}
}
