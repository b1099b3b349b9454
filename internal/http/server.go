// Package http exposes the training service as a JSON API. Routing stays on
// a plain ServeHTTP switch to keep dependencies light.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"patientsim/internal/db"
	"patientsim/internal/engine"
	"patientsim/internal/llm"
	"patientsim/internal/logging"
	"patientsim/pkg"
)

// Server bundles the dependencies required by the HTTP handlers. It
// implements http.Handler so it can be passed to http.ListenAndServe.
type Server struct {
	Sessions *db.SessionRepo
	Cases    *db.CaseRepo
	Messages *db.MessageRepo
	Engine   *engine.Engine
	Locker   SessionLocker
	Notifier *db.Notifier
	Log      *logging.Logger
}

func NewServer(
	sessions *db.SessionRepo,
	cases *db.CaseRepo,
	messages *db.MessageRepo,
	eng *engine.Engine,
	locker SessionLocker,
	notifier *db.Notifier,
	log *logging.Logger,
) *Server {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Server{
		Sessions: sessions,
		Cases:    cases,
		Messages: messages,
		Engine:   eng,
		Locker:   locker,
		Notifier: notifier,
		Log:      log,
	}
}

// ServeHTTP dispatches incoming requests based on the URL path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/api/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case path == "/api/sessions" && r.Method == http.MethodPost:
		s.handleCreateSession(w, r)
		return
	case path == "/api/sessions" && r.Method == http.MethodGet:
		s.handleListSessions(w, r)
		return
	case strings.HasPrefix(path, "/api/sessions/"):
		rest := strings.TrimPrefix(path, "/api/sessions/")
		parts := strings.Split(rest, "/")
		sessionID := parts[0]
		if sessionID == "" {
			http.NotFound(w, r)
			return
		}
		switch {
		case len(parts) == 1 && r.Method == http.MethodGet:
			s.handleGetSession(w, r, sessionID)
		case len(parts) == 2 && parts[1] == "send" && r.Method == http.MethodPost:
			s.handleSend(w, r, sessionID)
		case len(parts) == 2 && parts[1] == "endvisit" && r.Method == http.MethodPost:
			s.handleEndVisit(w, r, sessionID)
		case len(parts) == 2 && parts[1] == "close" && r.Method == http.MethodPost:
			s.handleClose(w, r, sessionID)
		case len(parts) == 2 && parts[1] == "summarize" && r.Method == http.MethodPost:
			s.handleSummarize(w, r, sessionID)
		case len(parts) == 2 && parts[1] == "history" && r.Method == http.MethodGet:
			s.handleHistory(w, r, sessionID)
		default:
			http.NotFound(w, r)
		}
		return
	default:
		http.NotFound(w, r)
	}
}

type createSessionRequest struct {
	CaseID string `json:"case_id"`
	Level  int    `json:"level"`
}

// handleCreateSession starts a new session for the caller and persists the
// scripted visit intro so the first GET already shows the patient greeting.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docID := doctorID(r)
	if docID == "" {
		writeError(w, http.StatusUnauthorized, "missing X-Doctor-Id or X-Guest-Id header")
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CaseID == "" {
		writeError(w, http.StatusBadRequest, "case_id is required")
		return
	}
	if req.Level < 0 || req.Level > 4 {
		writeError(w, http.StatusBadRequest, "level must be between 0 and 4")
		return
	}
	caseDoc, err := s.Cases.Get(ctx, req.CaseID)
	if err != nil {
		s.internalError(w, "load case", err)
		return
	}
	if caseDoc == nil {
		writeError(w, http.StatusNotFound, "case not found")
		return
	}

	sess := &pkg.Session{
		ID:       uuid.New().String(),
		DoctorID: docID,
		CaseID:   req.CaseID,
		Level:    req.Level,
	}
	if err := s.Sessions.Create(ctx, sess); err != nil {
		s.internalError(w, "create session", err)
		return
	}
	intro, err := s.Engine.InitSession(ctx, sess.ID, docID)
	if err != nil {
		s.internalError(w, "persist visit intro", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": sess.ID,
		"case_id":    sess.CaseID,
		"level":      sess.Level,
		"visit_no":   1,
		"intro":      intro,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	docID := doctorID(r)
	if docID == "" {
		writeError(w, http.StatusUnauthorized, "missing X-Doctor-Id or X-Guest-Id header")
		return
	}
	sessions, err := s.Sessions.ListByDoctor(r.Context(), docID)
	if err != nil {
		s.internalError(w, "list sessions", err)
		return
	}
	if sessions == nil {
		sessions = []pkg.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// loadOwnedSession fetches a session and enforces that the caller owns it.
// It writes the error response itself and returns nil when handling is done.
func (s *Server) loadOwnedSession(w http.ResponseWriter, r *http.Request, sessionID string) *pkg.Session {
	docID := doctorID(r)
	if docID == "" {
		writeError(w, http.StatusUnauthorized, "missing X-Doctor-Id or X-Guest-Id header")
		return nil
	}
	sess, err := s.Sessions.Get(r.Context(), sessionID)
	if err != nil {
		s.internalError(w, "load session", err)
		return nil
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return nil
	}
	if sess.DoctorID != docID {
		writeError(w, http.StatusForbidden, "session belongs to a different doctor")
		return nil
	}
	return sess
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess := s.loadOwnedSession(w, r, sessionID)
	if sess == nil {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type sendRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx := r.Context()
	sess := s.loadOwnedSession(w, r, sessionID)
	if sess == nil {
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	release, err := s.Locker.Acquire(ctx, sessionID)
	if err != nil {
		var busy ErrTurnInProgress
		if errors.As(err, &busy) {
			writeError(w, http.StatusConflict, busy.Error())
			return
		}
		s.internalError(w, "acquire session lock", err)
		return
	}
	defer release()

	result, err := s.Engine.HandleMessage(ctx, sessionID, sess.DoctorID, req.Message)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEndVisit(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx := r.Context()
	sess := s.loadOwnedSession(w, r, sessionID)
	if sess == nil {
		return
	}
	release, err := s.Locker.Acquire(ctx, sessionID)
	if err != nil {
		var busy ErrTurnInProgress
		if errors.As(err, &busy) {
			writeError(w, http.StatusConflict, busy.Error())
			return
		}
		s.internalError(w, "acquire session lock", err)
		return
	}
	defer release()

	result, err := s.Engine.EndVisit(ctx, sessionID, sess.DoctorID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.notify(sessionID)
	writeJSON(w, http.StatusOK, result)
}

// handleClose permanently closes a session. Closing twice is a no-op so
// clients can retry safely.
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx := r.Context()
	sess := s.loadOwnedSession(w, r, sessionID)
	if sess == nil {
		return
	}
	if err := s.Engine.CloseSession(ctx, sessionID, sess.DoctorID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": sessionID,
		"status":     string(pkg.StatusClosed),
	})
}

// handleSummarize produces a summary of the current visit on demand, without
// ending the visit.
func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx := r.Context()
	sess := s.loadOwnedSession(w, r, sessionID)
	if sess == nil {
		return
	}
	summary, err := s.Engine.SummarizeVisit(ctx, sessionID, sess.VisitNo)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.notify(sessionID)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":   sessionID,
		"visit_no":     sess.VisitNo,
		"summary_text": summary,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess := s.loadOwnedSession(w, r, sessionID)
	if sess == nil {
		return
	}
	messages, err := s.Messages.ListAll(r.Context(), sessionID)
	if err != nil {
		s.internalError(w, "load transcript", err)
		return
	}
	if messages == nil {
		messages = []pkg.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"visit_no":   sess.VisitNo,
		"messages":   messages,
	})
}

// writeEngineError maps engine errors onto HTTP statuses. Quota exhaustion
// maps to 429 so clients back off and retry the same message; the turn was
// not persisted.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrSessionNotFound), errors.Is(err, engine.ErrCaseNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrEmptyMessage), errors.Is(err, engine.ErrEmptyVisit):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrSessionClosed), errors.Is(err, engine.ErrMaxVisitsReached):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, llm.ErrQuotaExhausted):
		writeError(w, http.StatusTooManyRequests, "generative backend quota exhausted, retry later")
	case errors.Is(err, engine.ErrGenerativeUnavailable):
		writeError(w, http.StatusServiceUnavailable, "generative backend unavailable, retry later")
	default:
		s.internalError(w, "handle turn", err)
	}
}

func (s *Server) notify(sessionID string) {
	if s.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Notifier.Notify(ctx, sessionID); err != nil {
		s.Log.Warn("summary notify failed", "session_id", sessionID, "error", err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, what string, err error) {
	s.Log.Error(what+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
