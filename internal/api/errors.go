package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aixgo-dev/promptly/internal/orchestration"
	"github.com/aixgo-dev/promptly/pkg/blob"
	"github.com/aixgo-dev/promptly/pkg/security"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// statusFor maps engine errors onto HTTP statuses and public messages.
func statusFor(err error) (int, ErrorResponse) {
	var stop *orchestration.StopError
	var upstream *orchestration.UpstreamError

	switch {
	case errors.As(err, &stop):
		return http.StatusBadRequest, ErrorResponse{Error: "conversation stopped", Reason: stop.Reason}
	case errors.As(err, &upstream):
		return http.StatusBadGateway, ErrorResponse{Error: "completion service unavailable"}
	case errors.Is(err, orchestration.ErrInvalidID):
		return http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error()}
	case errors.Is(err, orchestration.ErrValidation):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error()}
	case errors.Is(err, orchestration.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: err.Error()}
	case errors.Is(err, orchestration.ErrForbidden):
		return http.StatusForbidden, ErrorResponse{Error: err.Error()}
	case errors.Is(err, orchestration.ErrAlreadyAnswered), errors.Is(err, orchestration.ErrConflict):
		return http.StatusConflict, ErrorResponse{Error: err.Error()}
	case errors.Is(err, security.ErrUnauthenticated), errors.Is(err, security.ErrInvalidToken):
		return http.StatusUnauthorized, ErrorResponse{Error: err.Error()}
	case errors.Is(err, blob.ErrDangerousType):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error()}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: "internal error"}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, body := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", RequestIDFrom(r.Context()),
			"error", err)
	}
	writeJSON(w, code, body)
}

func (s *Server) authError(w http.ResponseWriter, r *http.Request, err error) {
	if !errors.Is(err, security.ErrInvalidToken) {
		err = security.ErrUnauthenticated
	}
	w.Header().Set("WWW-Authenticate", "Bearer")
	s.writeError(w, r, err)
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeMessage(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeMessage(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
