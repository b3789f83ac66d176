// Package session holds the persisted state of prompt-crafting sessions:
// the Session record and the tree of conversation Nodes hanging off it,
// together with transactional storage backends for both.
package session

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
	"unicode/utf8"
)

// Limits enforced when a session is created.
const (
	MaxStarterPromptChars = 5000
	MaxTitleChars         = 200
	MaxToneChars          = 100
	MinMaxQuestions       = 1
	MaxMaxQuestions       = 20
)

// TargetModels is the allow-list of models a session may optimize a prompt for.
var TargetModels = []string{
	"gpt-4",
	"gpt-4-turbo",
	"gpt-3.5-turbo",
	"claude-3-opus",
	"claude-3-sonnet",
	"claude-3-haiku",
	"llama-2-70b",
	"llama-2-13b",
	"gemini-pro",
}

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusActive sessions accept answers.
	StatusActive Status = "active"
	// StatusCompleted sessions produced a final prompt or ran out of questions.
	StatusCompleted Status = "completed"
	// StatusCancelled sessions were stopped by their owner.
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransitionTo reports whether s may move to next.
// Only active sessions move, and only forward.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusActive && next.Terminal()
}

// Role identifies who authored a node.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// NodeType identifies what a node carries.
type NodeType string

const (
	// NodeQuestion is a clarifying question asked by the assistant.
	NodeQuestion NodeType = "question"
	// NodeAnswer is a user answer picked from the offered options.
	NodeAnswer NodeType = "answer"
	// NodeCustomAnswer is a free-text user answer.
	NodeCustomAnswer NodeType = "custom_answer"
	// NodeFinal is the assistant's refined prompt.
	NodeFinal NodeType = "final"
)

// ContextSource describes a file attached to a session.
type ContextSource struct {
	Type        string    `json:"type" firestore:"type"`
	FileID      string    `json:"fileId" firestore:"fileId"`
	Filename    string    `json:"filename" firestore:"filename"`
	Size        int64     `json:"size" firestore:"size"`
	ContentType string    `json:"contentType" firestore:"contentType"`
	UploadedAt  time.Time `json:"uploadedAt" firestore:"uploadedAt"`
}

// Settings tune the prompt the session is crafting.
type Settings struct {
	Tone           string          `json:"tone" firestore:"tone"`
	WordLimit      int             `json:"wordLimit" firestore:"wordLimit"`
	ContextSources []ContextSource `json:"contextSources" firestore:"contextSources"`
}

// Session is one prompt-crafting conversation owned by a single user.
type Session struct {
	ID            string         `json:"id" firestore:"id"`
	UserID        string         `json:"userId" firestore:"user_id"`
	Title         string         `json:"title,omitempty" firestore:"title"`
	StarterPrompt string         `json:"starterPrompt" firestore:"starter_prompt"`
	MaxQuestions  int            `json:"maxQuestions" firestore:"max_questions"`
	TargetModel   string         `json:"targetModel" firestore:"target_model"`
	Settings      Settings       `json:"settings" firestore:"settings"`
	Metadata      map[string]any `json:"metadata,omitempty" firestore:"metadata"`
	Status        Status         `json:"status" firestore:"status"`
	CreatedAt     time.Time      `json:"createdAt" firestore:"created_at"`
	UpdatedAt     time.Time      `json:"updatedAt" firestore:"updated_at"`
}

// Transition moves the session to status next, bumping UpdatedAt.
func (s *Session) Transition(next Status, at time.Time) error {
	if !s.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
	}
	s.Status = next
	s.UpdatedAt = at
	return nil
}

// AddContextSource appends src to the session settings.
func (s *Session) AddContextSource(src ContextSource, at time.Time) {
	s.Settings.ContextSources = append(s.Settings.ContextSources, src)
	s.UpdatedAt = at
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Settings.ContextSources = slices.Clone(s.Settings.ContextSources)
	c.Metadata = maps.Clone(s.Metadata)
	return &c
}

// Node is a single persisted turn in a session's conversation.
type Node struct {
	ID        string         `json:"id" firestore:"id"`
	SessionID string         `json:"sessionId" firestore:"session_id"`
	ParentID  string         `json:"parentId,omitempty" firestore:"parent_id"`
	Role      Role           `json:"role" firestore:"role"`
	Type      NodeType       `json:"type" firestore:"type"`
	Content   string         `json:"content" firestore:"content"`
	Extra     map[string]any `json:"extra,omitempty" firestore:"extra"`
	CreatedAt time.Time      `json:"createdAt" firestore:"created_at"`
}

// IsRoot reports whether n starts its session's chain.
func (n *Node) IsRoot() bool { return n.ParentID == "" }

// Clone returns a copy of n. Extra is copied one level deep.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Extra = maps.Clone(n.Extra)
	return &c
}

// NewParams are the caller-supplied fields of a new session.
type NewParams struct {
	ID            string
	UserID        string
	Title         string
	StarterPrompt string
	MaxQuestions  int
	TargetModel   string
	Settings      Settings
	Metadata      map[string]any
}

// ValidationError reports a session field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Validate checks p against the session creation rules.
func (p NewParams) Validate() error {
	if p.UserID == "" {
		return &ValidationError{Field: "userId", Message: "required"}
	}
	n := utf8.RuneCountInString(p.StarterPrompt)
	if n < 1 || n > MaxStarterPromptChars {
		return &ValidationError{Field: "starterPrompt", Message: fmt.Sprintf("must be 1-%d characters", MaxStarterPromptChars)}
	}
	if p.MaxQuestions < MinMaxQuestions || p.MaxQuestions > MaxMaxQuestions {
		return &ValidationError{Field: "maxQuestions", Message: fmt.Sprintf("must be between %d and %d", MinMaxQuestions, MaxMaxQuestions)}
	}
	if !slices.Contains(TargetModels, p.TargetModel) {
		return &ValidationError{Field: "targetModel", Message: fmt.Sprintf("must be one of %v", TargetModels)}
	}
	if utf8.RuneCountInString(p.Title) > MaxTitleChars {
		return &ValidationError{Field: "title", Message: fmt.Sprintf("must be at most %d characters", MaxTitleChars)}
	}
	if utf8.RuneCountInString(p.Settings.Tone) > MaxToneChars {
		return &ValidationError{Field: "settings.tone", Message: fmt.Sprintf("must be at most %d characters", MaxToneChars)}
	}
	if p.Settings.WordLimit < 0 {
		return &ValidationError{Field: "settings.wordLimit", Message: "must not be negative"}
	}
	return nil
}

// NewSession validates p and returns an active session created at now.
func NewSession(p NewParams, now time.Time) (*Session, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, &ValidationError{Field: "id", Message: "required"}
	}
	settings := p.Settings
	settings.ContextSources = slices.Clone(p.Settings.ContextSources)
	if settings.ContextSources == nil {
		settings.ContextSources = []ContextSource{}
	}
	return &Session{
		ID:            p.ID,
		UserID:        p.UserID,
		Title:         p.Title,
		StarterPrompt: p.StarterPrompt,
		MaxQuestions:  p.MaxQuestions,
		TargetModel:   p.TargetModel,
		Settings:      settings,
		Metadata:      maps.Clone(p.Metadata),
		Status:        StatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}
