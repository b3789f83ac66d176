package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	llmctx "github.com/aixgo-dev/promptly/internal/llm/context"
	"github.com/aixgo-dev/promptly/internal/llm/parser"
	"github.com/aixgo-dev/promptly/internal/llm/prompt"
	"github.com/aixgo-dev/promptly/internal/llm/provider"
	tracing "github.com/aixgo-dev/promptly/internal/observability"
	"github.com/aixgo-dev/promptly/pkg/observability"
	"github.com/aixgo-dev/promptly/pkg/session"
)

// AnswerSeparator joins multiple selected options into one answer.
const AnswerSeparator = "; "

// AnswerRequest is a user's reply to an assistant question.
type AnswerRequest struct {
	SessionID      string
	NodeID         string
	UserID         string
	Selected       []string
	IsCustomAnswer bool
	Cancel         bool
}

// TurnResult is the assistant turn produced in response. Exactly one of
// Question and FinalPrompt is set.
type TurnResult struct {
	NodeID      string
	Question    *parser.QuestionTurn
	FinalPrompt string
	Status      session.Status
}

// Final reports whether the turn finished the session.
func (r *TurnResult) Final() bool { return r.Question == nil }

// Answer records the answer to req.NodeID and persists the next assistant
// turn, all in one store transaction. The completion call runs inside the
// transaction without holding any in-process lock; a concurrent change to
// the session makes the commit fail with ErrConflict.
func (e *Engine) Answer(ctx context.Context, req AnswerRequest) (res *TurnResult, err error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "orchestration.answer", map[string]any{
		"session.id": req.SessionID,
		"node.id":    req.NodeID,
		"cancel":     req.Cancel,
	})
	defer func() {
		tracing.EndSpan(span, err)
		observability.RecordTurn(turnOutcome(res, err), time.Since(start))
	}()

	if !validID(req.SessionID) || !validID(req.NodeID) {
		return nil, ErrInvalidID
	}
	if len(req.Selected) == 0 {
		return nil, validationf("at least one option must be selected")
	}

	var stopErr *StopError
	err = e.store.RunInTransaction(ctx, func(ctx context.Context, tx session.Tx) error {
		stopErr, res = nil, nil

		sess, err := ownedSession(ctx, tx, req.SessionID, req.UserID)
		if err != nil {
			return err
		}
		node, err := tx.GetNode(ctx, req.NodeID)
		if errors.Is(err, session.ErrNodeNotFound) || (err == nil && node.SessionID != sess.ID) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		decision, err := ShouldStop(ctx, tx, sess, req.Cancel)
		if err != nil {
			return err
		}
		if decision.Stop {
			if status, ok := decision.TerminalStatus(); ok {
				if err := e.finish(ctx, tx, sess, status); err != nil {
					return err
				}
			}
			stopErr = &StopError{Reason: decision.Reason}
			return nil
		}

		answer, err := e.recordAnswer(ctx, tx, node, req)
		if err != nil {
			return err
		}

		nodes, err := tx.SessionNodes(ctx, sess.ID)
		if err != nil {
			return err
		}
		turns := llmctx.Turns(llmctx.Chain(nodes, answer.ID))

		res, err = e.nextTurn(ctx, tx, sess, answer.ID, turns, sess.MaxQuestions-decision.Asked)
		return err
	})
	if err != nil {
		return nil, e.publicError("answer", err)
	}
	if stopErr != nil {
		observability.RecordStop(stopErr.Reason)
		e.logger.Info("conversation stopped", "session_id", req.SessionID, "reason", stopErr.Reason)
		return nil, stopErr
	}
	return res, nil
}

func (e *Engine) recordAnswer(ctx context.Context, tx session.Tx, question *session.Node, req AnswerRequest) (*session.Node, error) {
	if question.Role != session.RoleAssistant || question.Type != session.NodeQuestion {
		return nil, validationf("node %s is not a question", question.ID)
	}
	children, err := tx.ChildNodes(ctx, question.SessionID, question.ID)
	if err != nil {
		return nil, err
	}
	if len(children) > 0 {
		return nil, ErrAlreadyAnswered
	}

	typ := session.NodeAnswer
	if req.IsCustomAnswer {
		typ = session.NodeCustomAnswer
	}
	answer := &session.Node{
		ID:        answerNodeID(question.ID),
		SessionID: question.SessionID,
		ParentID:  question.ID,
		Role:      session.RoleUser,
		Type:      typ,
		Content:   strings.Join(req.Selected, AnswerSeparator),
		Extra:     map[string]any{},
		CreatedAt: e.now(),
	}
	if err := tx.InsertNode(ctx, answer); err != nil {
		return nil, fmt.Errorf("insert answer: %w", err)
	}
	return answer, nil
}

// nextTurn asks the completion service to continue from turns and stages
// the resulting assistant node under parentID.
func (e *Engine) nextTurn(ctx context.Context, tx session.Tx, sess *session.Session, parentID string, turns []llmctx.Turn, remaining int) (*TurnResult, error) {
	turn, raw, err := e.complete(ctx, sess, turns, remaining)
	if err != nil {
		return nil, err
	}
	node := e.assistantNode(sess.ID, parentID, turn, raw)
	if err := tx.InsertNode(ctx, node); err != nil {
		return nil, fmt.Errorf("insert assistant turn: %w", err)
	}

	res := turnResult(node.ID, turn)
	if res.Final() {
		if err := e.finish(ctx, tx, sess, session.StatusCompleted); err != nil {
			return nil, err
		}
	}
	res.Status = sess.Status
	return res, nil
}

// complete renders the instruction for sess and parses the reply.
func (e *Engine) complete(ctx context.Context, sess *session.Session, turns []llmctx.Turn, remaining int) (parser.Turn, string, error) {
	req := prompt.Request{
		TargetModel: sess.TargetModel,
		Tone:        sess.Settings.Tone,
		WordLimit:   sess.Settings.WordLimit,
		Sources:     sess.Settings.ContextSources,
		Remaining:   remaining,
	}
	budget := min(e.maxContext, prompt.ContextBudget(req, provider.MaxPromptChars))
	req.Context = llmctx.Build(turns, sess.StarterPrompt, budget)

	result, err := e.completer.Complete(ctx, prompt.Instruction(req), e.generation)
	if err != nil {
		e.logger.Warn("completion failed", "session_id", sess.ID, "backend", e.completer.Name(), "error", err)
		return nil, "", &UpstreamError{Err: err}
	}
	return e.parser.Parse(result), result.RawString(), nil
}

func (e *Engine) assistantNode(sessionID, parentID string, turn parser.Turn, raw string) *session.Node {
	node := &session.Node{
		ID:        e.newID(),
		SessionID: sessionID,
		ParentID:  parentID,
		Role:      session.RoleAssistant,
		Extra:     map[string]any{"raw": raw},
		CreatedAt: e.now(),
	}
	switch t := turn.(type) {
	case *parser.QuestionTurn:
		node.Type = session.NodeQuestion
		node.Content = t.Render()
	case *parser.FinalTurn:
		node.Type = session.NodeFinal
		node.Content = t.Prompt
	}
	return node
}

func (e *Engine) finish(ctx context.Context, tx session.Tx, sess *session.Session, status session.Status) error {
	if err := sess.Transition(status, e.now()); err != nil {
		return err
	}
	return tx.UpdateSession(ctx, sess)
}

func turnResult(nodeID string, turn parser.Turn) *TurnResult {
	res := &TurnResult{NodeID: nodeID}
	switch t := turn.(type) {
	case *parser.QuestionTurn:
		res.Question = t
	case *parser.FinalTurn:
		res.FinalPrompt = t.Prompt
	}
	return res
}

func turnOutcome(res *TurnResult, err error) string {
	var stopErr *StopError
	var upstream *UpstreamError
	switch {
	case errors.As(err, &stopErr):
		return "stopped"
	case errors.As(err, &upstream):
		return "upstream_error"
	case err != nil:
		return "error"
	case res != nil && res.Final():
		return "final"
	}
	return "question"
}
