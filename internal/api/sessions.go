package api

import (
	"net/http"
	"strconv"

	"github.com/aixgo-dev/promptly/internal/llm/parser"
	"github.com/aixgo-dev/promptly/internal/orchestration"
	"github.com/aixgo-dev/promptly/pkg/security"
	"github.com/aixgo-dev/promptly/pkg/session"
)

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	Title         string           `json:"title,omitempty"`
	StarterPrompt string           `json:"starterPrompt"`
	MaxQuestions  int              `json:"maxQuestions"`
	TargetModel   string           `json:"targetModel"`
	Settings      session.Settings `json:"settings"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
}

// CreateSessionResponse is the reply to POST /sessions.
type CreateSessionResponse struct {
	Session *session.Session `json:"session"`
	Turn    TurnResponse     `json:"turn"`
}

// ListSessionsResponse is the reply to GET /sessions.
type ListSessionsResponse struct {
	Sessions []*session.Session `json:"sessions"`
	Limit    int                `json:"limit"`
	Skip     int                `json:"skip"`
}

// ListNodesResponse is the reply to GET /sessions/{id}/nodes.
type ListNodesResponse struct {
	Nodes []*session.Node `json:"nodes"`
}

// AnswerRequest is the body of POST /sessions/{id}/answer.
type AnswerRequest struct {
	NodeID         string   `json:"nodeId"`
	Selected       []string `json:"selected"`
	IsCustomAnswer bool     `json:"isCustomAnswer,omitempty"`
	Cancel         bool     `json:"cancel,omitempty"`
}

// TurnResponse is an assistant turn: either a question with its options or
// the final prompt.
type TurnResponse struct {
	NodeID            string                 `json:"nodeId"`
	Question          string                 `json:"question,omitempty"`
	Options           []string               `json:"options,omitempty"`
	SelectionMethod   parser.SelectionMethod `json:"selectionMethod,omitempty"`
	AllowCustomAnswer *bool                  `json:"allowCustomAnswer,omitempty"`
	FinalPrompt       string                 `json:"finalPrompt,omitempty"`
	Status            session.Status         `json:"status,omitempty"`
}

func newTurnResponse(res *orchestration.TurnResult) TurnResponse {
	out := TurnResponse{NodeID: res.NodeID, Status: res.Status}
	if q := res.Question; q != nil {
		allow := q.AllowCustomAnswer
		out.Question = q.Question
		out.Options = q.Options
		out.SelectionMethod = q.SelectionMethod
		out.AllowCustomAnswer = &allow
		return out
	}
	out.FinalPrompt = res.FinalPrompt
	return out
}

// userID returns the authenticated caller. The auth middleware guarantees it.
func userID(r *http.Request) string {
	principal, ok := security.GetPrincipal(r.Context())
	if !ok || principal == nil {
		return ""
	}
	return principal.ID
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	res, err := s.engine.Start(r.Context(), orchestration.CreateRequest{
		UserID:        userID(r),
		Title:         req.Title,
		StarterPrompt: req.StarterPrompt,
		MaxQuestions:  req.MaxQuestions,
		TargetModel:   req.TargetModel,
		Settings:      req.Settings,
		Metadata:      req.Metadata,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/sessions/"+res.Session.ID)
	writeJSON(w, http.StatusCreated, CreateSessionResponse{
		Session: res.Session,
		Turn:    newTurnResponse(res.Turn),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", orchestration.DefaultListLimit)
	if !ok {
		writeMessage(w, http.StatusUnprocessableEntity, "limit must be an integer")
		return
	}
	skip, ok := queryInt(r, "skip", 0)
	if !ok {
		writeMessage(w, http.StatusUnprocessableEntity, "skip must be an integer")
		return
	}

	sessions, err := s.engine.Sessions(r.Context(), userID(r), limit, skip)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, ListSessionsResponse{Sessions: sessions, Limit: limit, Skip: skip})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.Session(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.engine.Conversation(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if nodes == nil {
		nodes = []*session.Node{}
	}
	writeJSON(w, http.StatusOK, ListNodesResponse{Nodes: nodes})
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	res, err := s.engine.Answer(r.Context(), orchestration.AnswerRequest{
		SessionID:      r.PathValue("id"),
		NodeID:         req.NodeID,
		UserID:         userID(r),
		Selected:       req.Selected,
		IsCustomAnswer: req.IsCustomAnswer,
		Cancel:         req.Cancel,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTurnResponse(res))
}

func queryInt(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
