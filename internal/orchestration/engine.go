// Package orchestration drives the clarifying-question loop of a session:
// it decides when to stop, persists each turn, and asks the completion
// service for the next question or the final prompt.
package orchestration

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aixgo-dev/promptly/internal/llm/parser"
	"github.com/aixgo-dev/promptly/internal/llm/provider"
	"github.com/aixgo-dev/promptly/pkg/session"
)

// DefaultContextMaxChars bounds the rendered conversation context.
const DefaultContextMaxChars = 2000

// answerNamespace derives answer node ids from the answered node, so two
// answers to the same question collide in the store.
var answerNamespace = uuid.MustParse("6f1c2b4e-8a47-4d0e-9a5c-3e2f7b9d1a60")

// Engine runs session turns against a store and a completion service.
type Engine struct {
	store      session.Store
	completer  provider.Completer
	parser     *parser.Parser
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
	maxContext int
	generation provider.Options
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides the generator of session and assistant node ids.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// WithContextMaxChars bounds the conversation context. n <= 0 keeps the default.
func WithContextMaxChars(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxContext = n
		}
	}
}

// WithGeneration sets per-call generation overrides.
func WithGeneration(opts provider.Options) Option {
	return func(e *Engine) { e.generation = opts }
}

// NewEngine creates an Engine.
func NewEngine(store session.Store, completer provider.Completer, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		completer:  completer,
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
		maxContext: DefaultContextMaxChars,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.parser = parser.New(e.logger)
	return e
}

func answerNodeID(parentID string) string {
	return uuid.NewSHA1(answerNamespace, []byte(parentID)).String()
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// sessionReader is satisfied by both session.Store and session.Tx.
type sessionReader interface {
	GetSession(ctx context.Context, id string) (*session.Session, error)
}

func ownedSession(ctx context.Context, r sessionReader, id, userID string) (*session.Session, error) {
	sess, err := r.GetSession(ctx, id)
	if errors.Is(err, session.ErrSessionNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrForbidden
	}
	return sess, nil
}

// publicError passes caller-facing errors through and hides the rest
// behind ErrInternal after logging them.
func (e *Engine) publicError(op string, err error) error {
	var stopErr *StopError
	var upstream *UpstreamError
	switch {
	case errors.As(err, &stopErr), errors.As(err, &upstream):
		return err
	case errors.Is(err, ErrInvalidID), errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrForbidden), errors.Is(err, ErrAlreadyAnswered), errors.Is(err, ErrConflict):
		return err
	case errors.Is(err, session.ErrConflict):
		return ErrConflict
	}
	e.logger.Error("operation failed", "op", op, "error", err)
	return ErrInternal
}
