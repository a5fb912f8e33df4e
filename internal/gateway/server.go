// Package gateway adapts external HTTP, SSE, and WebSocket requests
// into runtime calls. It is deliberately thin: JSON decoding, auth
// header extraction, and event serialization — every decision of
// substance happens in the runtime and the security gate.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ensemble-run/ensemble/internal/runtime"
	"github.com/ensemble-run/ensemble/internal/security"
	"github.com/ensemble-run/ensemble/internal/sessions"
	"github.com/ensemble-run/ensemble/pkg/models"
)

// Server is the HTTP front of the runtime.
type Server struct {
	runtime   *runtime.Runtime
	gate      *security.Gate
	store     sessions.Store
	policy    *sessions.AccessPolicy
	lifecycle *sessions.Lifecycle
	logger    *slog.Logger
	mux       *http.ServeMux
}

// NewServer wires the route table.
func NewServer(rt *runtime.Runtime, gate *security.Gate, store sessions.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		runtime:   rt,
		gate:      gate,
		store:     store,
		policy:    sessions.NewAccessPolicy(),
		lifecycle: sessions.NewLifecycle(store, logger),
		logger:    logger,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("POST /v1/auth/token", s.handleToken)
	s.mux.HandleFunc("POST /v1/auth/refresh", s.handleRefresh)

	s.mux.HandleFunc("POST /v1/turns", s.requireAuth(s.handleTurn))
	s.mux.HandleFunc("POST /v1/turns/stream", s.requireAuth(s.handleTurnStream))
	s.mux.HandleFunc("GET /v1/ws", s.requireAuth(s.handleWS))

	s.mux.HandleFunc("GET /v1/sessions", s.requireAuth(s.handleSessionList))
	s.mux.HandleFunc("GET /v1/sessions/{id}", s.requireAuth(s.handleSessionGet))
	s.mux.HandleFunc("DELETE /v1/sessions/{id}", s.requireAuth(s.handleSessionDelete))
	s.mux.HandleFunc("PATCH /v1/sessions/{id}/status", s.requireAuth(s.handleSessionStatus))
	s.mux.HandleFunc("GET /v1/templates", s.requireAuth(s.handleTemplateList))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe runs until ctx is cancelled, then drains with a grace
// period.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("gateway listening", "addr", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type ctxKey int

const authKey ctxKey = iota

// requireAuth authenticates the request via X-API-Key or Authorization
// Bearer and stashes the AuthResult in the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		var jwt string
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			jwt = strings.TrimPrefix(h, "Bearer ")
		}
		auth, err := s.gate.Authenticate(r.Context(), apiKey, jwt)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), authKey, auth)))
	}
}

func authFrom(r *http.Request) *models.AuthResult {
	auth, _ := r.Context().Value(authKey).(*models.AuthResult)
	return auth
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Statistics(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": stats,
	})
}

// turnRequestBody is the JSON shape of a turn request.
type turnRequestBody struct {
	Template  string `json:"template"`
	Input     string `json:"input"`
	SessionID string `json:"session_id,omitempty"`
	UserName  string `json:"user_name,omitempty"`
	System    string `json:"system,omitempty"`
}

func (s *Server) decodeTurn(r *http.Request) (*runtime.TurnRequest, error) {
	var body turnRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, err
	}
	if body.Template == "" || body.Input == "" {
		return nil, errors.New("template and input are required")
	}
	return &runtime.TurnRequest{
		Template:       body.Template,
		Input:          body.Input,
		SessionID:      body.SessionID,
		UserName:       body.UserName,
		SystemOverride: body.System,
		Auth:           authFrom(r),
	}, nil
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeTurn(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	result := s.runtime.RunTurn(r.Context(), req)
	s.writeJSON(w, statusForResult(result), result)
}

// handleTurnStream delivers the turn as Server-Sent Events: one
// "event: <type>" block per stream event, data JSON-encoded.
func (s *Server) handleTurnStream(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeTurn(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range s.runtime.StreamTurn(r.Context(), req) {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		if _, err := w.Write([]byte("event: " + string(event.Type) + "\ndata: " + string(data) + "\n\n")); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	auth := authFrom(r)
	filter := sessions.ListFilter{OwnerID: auth.Subject}
	if tag := r.URL.Query().Get("tag"); tag != "" {
		filter.Tag = tag
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = models.SessionStatus(status)
	}
	ids, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": ids})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	auth := authFrom(r)
	session, err := s.store.Load(r.Context(), r.PathValue("id"))
	if sessions.IsNotFound(err) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !s.policy.CanRead(&session.Metadata, auth.Subject, auth.Roles) {
		s.writeError(w, http.StatusForbidden, errors.New("access denied"))
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	auth := authFrom(r)
	id := r.PathValue("id")
	session, err := s.store.Load(r.Context(), id)
	if sessions.IsNotFound(err) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !s.policy.CanDelete(&session.Metadata, auth.Subject, auth.Roles) {
		s.writeError(w, http.StatusForbidden, errors.New("access denied"))
		return
	}
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSessionStatus drives lifecycle transitions. Restricted to
// callers holding session:any (admins) since pause/resume/end is an
// operational action, not a conversation one.
func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	auth := authFrom(r)
	if err := s.gate.RequirePermission(auth, "session:any"); err != nil {
		s.writeError(w, http.StatusForbidden, err)
		return
	}
	var body struct {
		Status models.SessionStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Status == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("status required"))
		return
	}
	id := r.PathValue("id")
	if err := s.lifecycle.Transition(r.Context(), id, body.Status); err != nil {
		if sessions.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusConflict, err)
		return
	}
	session, err := s.store.Load(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"status":     session.Metadata.Status,
	})
}

func (s *Server) handleTemplateList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"templates": s.runtime.Templates().List(),
	})
}

// handleToken exchanges an API key for a JWT pair, letting short-lived
// tokens front long-lived keys.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.gate.JWT == nil || !s.gate.JWT.Enabled() {
		s.writeError(w, http.StatusNotImplemented, errors.New("jwt not configured"))
		return
	}
	apiKey := r.Header.Get("X-API-Key")
	auth, err := s.gate.Authenticate(r.Context(), apiKey, "")
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	pair, err := s.gate.JWT.Issue(auth.Subject, auth.SubjectName, auth.Roles, auth.Permissions, auth.Metadata)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.gate.JWT == nil || !s.gate.JWT.Enabled() {
		s.writeError(w, http.StatusNotImplemented, errors.New("jwt not configured"))
		return
	}
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RefreshToken == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("refresh_token required"))
		return
	}
	pair, err := s.gate.JWT.Refresh(body.RefreshToken)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pair)
}

func statusForResult(result *models.TurnResult) int {
	switch result.ErrorKind {
	case "":
		return http.StatusOK
	case models.KindAuthFailed:
		return http.StatusUnauthorized
	case models.KindPermissionDenied, models.KindContentBlocked:
		return http.StatusForbidden
	case models.KindRateLimited:
		return http.StatusTooManyRequests
	case models.KindQuotaExceeded:
		return http.StatusPaymentRequired
	case models.KindSessionNotFound, models.KindTemplateNotFound:
		return http.StatusNotFound
	case models.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"kind":  models.KindOf(err),
	})
}
