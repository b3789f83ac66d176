package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	tracing "github.com/aixgo-dev/promptly/internal/observability"
	"github.com/aixgo-dev/promptly/pkg/observability"
	"github.com/aixgo-dev/promptly/pkg/session"
)

// Listing bounds.
const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

// CreateRequest holds the fields of a new session.
type CreateRequest struct {
	UserID        string
	Title         string
	StarterPrompt string
	MaxQuestions  int
	TargetModel   string
	Settings      session.Settings
	Metadata      map[string]any
}

// StartResult is a newly created session and its seed turn.
type StartResult struct {
	Session *session.Session
	Turn    *TurnResult
}

// Start creates a session and its root assistant turn. The seed question
// counts toward MaxQuestions. A seed that is already a final prompt
// completes the session immediately.
func (e *Engine) Start(ctx context.Context, req CreateRequest) (res *StartResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "orchestration.start", map[string]any{
		"target_model": req.TargetModel,
	})
	defer func() { tracing.EndSpan(span, err) }()

	sess, err := session.NewSession(session.NewParams{
		ID:            e.newID(),
		UserID:        req.UserID,
		Title:         req.Title,
		StarterPrompt: req.StarterPrompt,
		MaxQuestions:  req.MaxQuestions,
		TargetModel:   req.TargetModel,
		Settings:      req.Settings,
		Metadata:      req.Metadata,
	}, e.now())
	var verr *session.ValidationError
	if errors.As(err, &verr) {
		return nil, fmt.Errorf("%w: %s", ErrValidation, verr.Error())
	}
	if err != nil {
		return nil, e.publicError("start", err)
	}

	turn, raw, err := e.complete(ctx, sess, nil, sess.MaxQuestions)
	if err != nil {
		return nil, err
	}

	var result *TurnResult
	err = e.store.RunInTransaction(ctx, func(ctx context.Context, tx session.Tx) error {
		s := sess.Clone()
		node := e.assistantNode(s.ID, "", turn, raw)
		result = turnResult(node.ID, turn)
		if result.Final() {
			if err := s.Transition(session.StatusCompleted, e.now()); err != nil {
				return err
			}
		}
		result.Status = s.Status
		if err := tx.CreateSession(ctx, s); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		if err := tx.InsertNode(ctx, node); err != nil {
			return fmt.Errorf("insert seed turn: %w", err)
		}
		sess = s
		return nil
	})
	if err != nil {
		return nil, e.publicError("start", err)
	}

	observability.RecordSessionCreated(sess.TargetModel)
	e.logger.Info("session created", "session_id", sess.ID, "user_id", sess.UserID, "final", result.Final())
	return &StartResult{Session: sess, Turn: result}, nil
}

// Session returns a session owned by userID.
func (e *Engine) Session(ctx context.Context, userID, id string) (*session.Session, error) {
	if !validID(id) {
		return nil, ErrInvalidID
	}
	sess, err := ownedSession(ctx, e.store, id, userID)
	if err != nil {
		return nil, e.publicError("get session", err)
	}
	return sess, nil
}

// Sessions lists the sessions of userID, newest first. limit must be within
// 1..MaxListLimit; callers apply DefaultListLimit when none was given.
func (e *Engine) Sessions(ctx context.Context, userID string, limit, offset int) ([]*session.Session, error) {
	if limit < 1 || limit > MaxListLimit {
		return nil, validationf("limit must be between 1 and %d", MaxListLimit)
	}
	if offset < 0 {
		return nil, validationf("skip must not be negative")
	}
	sessions, err := e.store.ListSessions(ctx, userID, session.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		return nil, e.publicError("list sessions", err)
	}
	return sessions, nil
}

// Conversation returns every node of a session owned by userID, oldest first.
func (e *Engine) Conversation(ctx context.Context, userID, id string) ([]*session.Node, error) {
	if _, err := e.Session(ctx, userID, id); err != nil {
		return nil, err
	}
	nodes, err := e.store.SessionNodes(ctx, id)
	if err != nil {
		return nil, e.publicError("list nodes", err)
	}
	return nodes, nil
}

// AttachFile links an uploaded file to a session owned by userID.
func (e *Engine) AttachFile(ctx context.Context, userID, sessionID string, src session.ContextSource) (*session.Session, error) {
	if !validID(sessionID) {
		return nil, ErrInvalidID
	}
	if src.UploadedAt.IsZero() {
		src.UploadedAt = e.now()
	}
	if src.Type == "" {
		src.Type = "file"
	}

	var updated *session.Session
	err := e.store.RunInTransaction(ctx, func(ctx context.Context, tx session.Tx) error {
		sess, err := ownedSession(ctx, tx, sessionID, userID)
		if err != nil {
			return err
		}
		sess.AddContextSource(src, e.now())
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return err
		}
		updated = sess
		return nil
	})
	if err != nil {
		return nil, e.publicError("attach file", err)
	}
	return updated, nil
}

// Now reports the engine clock. Handlers use it to stamp uploads.
func (e *Engine) Now() time.Time { return e.now() }
