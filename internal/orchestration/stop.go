package orchestration

import (
	"context"
	"fmt"

	"github.com/aixgo-dev/promptly/pkg/session"
)

// Stop reasons.
const (
	ReasonCancelled    = "cancelled"
	ReasonMaxQuestions = "max_questions_reached"
	statusReasonPrefix = "session_"
)

// NodeCounter counts a session's nodes. session.Tx satisfies it.
type NodeCounter interface {
	CountNodes(ctx context.Context, sessionID string, role session.Role, typ session.NodeType) (int, error)
}

// Decision is the outcome of a stop check.
type Decision struct {
	Stop   bool
	Reason string
	// Asked is the number of questions asked so far. It is only counted
	// for active sessions that were not cancelled.
	Asked int
}

// TerminalStatus is the status to persist for the decision, if any.
// Stops of already finished sessions need no write.
func (d Decision) TerminalStatus() (session.Status, bool) {
	switch d.Reason {
	case ReasonCancelled:
		return session.StatusCancelled, true
	case ReasonMaxQuestions:
		return session.StatusCompleted, true
	}
	return "", false
}

// ShouldStop decides whether sess may take another turn. It performs no
// writes, so calling it repeatedly yields the same decision.
//
// A finished session reports session_<status> even when cancel is set.
func ShouldStop(ctx context.Context, counter NodeCounter, sess *session.Session, cancel bool) (Decision, error) {
	if sess.Status != session.StatusActive {
		return Decision{Stop: true, Reason: statusReasonPrefix + string(sess.Status)}, nil
	}
	if cancel {
		return Decision{Stop: true, Reason: ReasonCancelled}, nil
	}

	asked, err := counter.CountNodes(ctx, sess.ID, session.RoleAssistant, session.NodeQuestion)
	if err != nil {
		return Decision{}, fmt.Errorf("count questions: %w", err)
	}
	if asked >= sess.MaxQuestions {
		return Decision{Stop: true, Reason: ReasonMaxQuestions, Asked: asked}, nil
	}
	return Decision{Asked: asked}, nil
}
