package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
)

// TurnRequest is the body of POST /chat and POST /negotiate.
type TurnRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// missing lists the names of empty required fields.
func (r TurnRequest) missing() []string {
	var out []string
	if strings.TrimSpace(r.UserID) == "" {
		out = append(out, "user_id")
	}
	if strings.TrimSpace(r.SessionID) == "" {
		out = append(out, "session_id")
	}
	if strings.TrimSpace(r.Message) == "" {
		out = append(out, "message")
	}
	return out
}

// TurnResponse is the body of a successful turn.
type TurnResponse struct {
	Reply string `json:"reply"`
}

// TurnSnapshot is one history entry of a [SessionSnapshot].
type TurnSnapshot struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StepSnapshot is one negotiation progress note.
type StepSnapshot struct {
	Phase string `json:"phase"`
	Note  string `json:"note"`
	Done  bool   `json:"done"`
}

// NegotiationSnapshot is the plan state of a negotiated session.
type NegotiationSnapshot struct {
	Objective   string         `json:"objective"`
	Plan        []string       `json:"plan"`
	CurrentStep int            `json:"current_step"`
	Phase       string         `json:"phase"`
	StepResults []StepSnapshot `json:"step_results"`
}

// SessionSnapshot is the body of GET /sessions/{userID}/{sessionID}.
type SessionSnapshot struct {
	UserID      string               `json:"user_id"`
	SessionID   string               `json:"session_id"`
	Summary     string               `json:"summary"`
	History     []TurnSnapshot       `json:"history"`
	TurnCount   int                  `json:"turn_count"`
	LastUpdated time.Time            `json:"last_updated"`
	Negotiation *NegotiationSnapshot `json:"negotiation,omitempty"`
}

func snapshot(st *session.State) SessionSnapshot {
	out := SessionSnapshot{
		UserID:      st.Key.UserID,
		SessionID:   st.Key.SessionID,
		Summary:     st.Summary,
		History:     make([]TurnSnapshot, 0, len(st.History)),
		TurnCount:   st.TurnCount,
		LastUpdated: st.LastUpdated,
	}
	for _, t := range st.History {
		out.History = append(out.History, TurnSnapshot{Role: t.Role, Content: t.Content})
	}
	if n := st.Negotiation; n.Initialised() {
		ns := &NegotiationSnapshot{
			Objective:   n.Objective,
			Plan:        n.Plan,
			CurrentStep: n.CurrentStep,
			Phase:       n.Phase(),
			StepResults: make([]StepSnapshot, 0, len(n.StepResults)),
		}
		for _, r := range n.StepResults {
			ns.StepResults = append(ns.StepResults, StepSnapshot{Phase: r.Phase, Note: r.Note, Done: r.Done})
		}
		out.Negotiation = ns
	}
	return out
}

// turnHandler serves one turn through runner. The session lock is held from
// load to save so concurrent requests on one key cannot lose updates.
func (s *Server) turnHandler(mode string, runner TurnRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
		var req TurnRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			Error(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if missing := req.missing(); len(missing) > 0 {
			Error(w, http.StatusBadRequest, "missing required fields: "+strings.Join(missing, ", "))
			return
		}

		key := session.Key{UserID: req.UserID, SessionID: req.SessionID}
		ctx := observe.WithConversation(r.Context(), observe.Conversation{UserID: key.UserID, SessionID: key.SessionID, Mode: mode})
		log := observe.Logger(ctx)

		unlock, err := s.store.Lock(ctx, key)
		if err != nil {
			log.Warn("httpapi: gave up waiting for session", "err", err)
			s.lockFailed(w, err)
			return
		}
		defer unlock()

		st, err := s.store.GetOrCreate(ctx, key)
		if err != nil {
			log.Error("httpapi: load session", "err", err)
			Error(w, http.StatusInternalServerError, "internal error")
			return
		}

		reply, err := runner.RunTurn(ctx, st, req.Message)
		switch {
		case errors.Is(err, session.ErrGeneration):
			log.Warn("httpapi: generation failed", "err", err)
			Error(w, http.StatusBadGateway, session.ErrGeneration.Error())
			return
		case err != nil:
			log.Error("httpapi: turn failed", "err", err)
			Error(w, http.StatusInternalServerError, "internal error")
			return
		}
		JSON(w, http.StatusOK, TurnResponse{Reply: reply})
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)
	ctx := observe.WithConversation(r.Context(), observe.Conversation{UserID: key.UserID, SessionID: key.SessionID})
	st, err := s.store.Get(ctx, key)
	switch {
	case errors.Is(err, session.ErrNotFound):
		Error(w, http.StatusNotFound, "session not found")
		return
	case errors.Is(err, session.ErrInvalidKey):
		Error(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		observe.Logger(ctx).Error("httpapi: get session", "err", err)
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	JSON(w, http.StatusOK, snapshot(st))
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)
	if !key.Valid() {
		Error(w, http.StatusBadRequest, session.ErrInvalidKey.Error())
		return
	}

	ctx := observe.WithConversation(r.Context(), observe.Conversation{UserID: key.UserID, SessionID: key.SessionID})
	unlock, err := s.store.Lock(ctx, key)
	if err != nil {
		s.lockFailed(w, err)
		return
	}
	defer unlock()

	if err := s.store.Reset(ctx, key); err != nil {
		observe.Logger(ctx).Error("httpapi: reset session", "err", err)
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// lockFailed answers a request whose context ended while it queued behind
// another request on the same session. A request deadline is answered by the
// timeout middleware.
func (s *Server) lockFailed(w http.ResponseWriter, err error) {
	if s.requestTimeout > 0 && errors.Is(err, context.DeadlineExceeded) {
		return
	}
	Error(w, http.StatusServiceUnavailable, "session busy")
}

func sessionKey(r *http.Request) session.Key {
	return session.Key{
		UserID:    chi.URLParam(r, "userID"),
		SessionID: chi.URLParam(r, "sessionID"),
	}
}

// JSON writes v as a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes {"error": message} with the given status code.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
