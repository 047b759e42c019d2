// Package httpapi serves the orchestrator's public HTTP surface.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"

	"github.com/botlabs-edu/sessiond/internal/api"
	"github.com/botlabs-edu/sessiond/internal/lifecycle"
	"github.com/botlabs-edu/sessiond/internal/metrics"
	"github.com/botlabs-edu/sessiond/internal/session"
)

// Orchestrator is the lifecycle surface the HTTP layer exposes. Satisfied by
// *lifecycle.Service.
type Orchestrator interface {
	RequestSession(ctx context.Context, userID, challengeID, profileName string) (lifecycle.StartResult, error)
	Get(ctx context.Context, sessionID string) (session.View, error)
	List(ctx context.Context, userID string, statuses []session.Status) ([]session.View, error)
	SwitchChallenge(ctx context.Context, sessionID, newChallengeID string, saveCurrentWork bool) (session.View, error)
	ExitChallenge(ctx context.Context, sessionID string) (session.View, error)
	KeepAlive(ctx context.Context, sessionID string) (session.View, error)
	Terminate(ctx context.Context, sessionID string) (session.View, error)
}

// ServerConfig configures the API server.
type ServerConfig struct {
	ListenAddr   string
	Orchestrator Orchestrator
	Logger       *log.Logger
}

// Server is the orchestrator HTTP server.
type Server struct {
	orch       Orchestrator
	logger     *log.Logger
	httpServer *http.Server

	mu      sync.Mutex
	started bool
	addr    string
}

// NewServer creates an API server. Call Start to begin listening.
func NewServer(cfg ServerConfig) *Server {
	addr := cfg.ListenAddr
	if addr == "" {
		addr = ":8370"
	}

	s := &Server{
		orch:   cfg.Orchestrator,
		logger: cfg.Logger,
		addr:   addr,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/sessions", s.handleStartSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", s.handleTerminate).Methods(http.MethodDelete)
	v1.HandleFunc("/sessions/{id}/keepalive", s.handleKeepAlive).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/challenge", s.handleSwitchChallenge).Methods(http.MethodPut)
	v1.HandleFunc("/sessions/{id}/challenge", s.handleExitChallenge).Methods(http.MethodDelete)

	s.httpServer = &http.Server{
		Handler:           s.loggingMiddleware(r),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// Start begins listening for connections in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("api server already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.started = true
	s.addr = ln.Addr().String()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.logger != nil {
				s.logger.Error("api server error", "error", err)
			}
		}
	}()

	if s.logger != nil {
		s.logger.Info("api server started", "addr", s.addr)
	}
	return nil
}

// Addr returns the listener address. Only meaningful after Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.logger != nil {
			s.logger.Debug("request",
				"method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
		}
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req api.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" || req.ChallengeID == "" {
		writeError(w, http.StatusBadRequest, "user_id and challenge_id are required")
		return
	}

	res, err := s.orch.RequestSession(r.Context(), req.UserID, req.ChallengeID, req.ResourceProfile)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusAccepted
	}
	writeJSON(w, status, api.StartSessionResponse{
		Session:               res.Session,
		Created:               res.Created,
		EstimatedReadySeconds: int64(res.EstimatedReady / time.Second),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.orch.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.SessionResponse{Session: view})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}

	var statuses []session.Status
	for _, raw := range r.URL.Query()["status"] {
		statuses = append(statuses, session.Status(raw))
	}

	views, err := s.orch.List(r.Context(), userID, statuses)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.ListSessionsResponse{Sessions: views})
}

func (s *Server) handleSwitchChallenge(w http.ResponseWriter, r *http.Request) {
	var req api.SwitchChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ChallengeID == "" {
		writeError(w, http.StatusBadRequest, "challenge_id is required")
		return
	}

	view, err := s.orch.SwitchChallenge(r.Context(), mux.Vars(r)["id"], req.ChallengeID, req.SaveCurrentWork)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.SessionResponse{Session: view})
}

func (s *Server) handleExitChallenge(w http.ResponseWriter, r *http.Request) {
	view, err := s.orch.ExitChallenge(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.SessionResponse{Session: view})
}

func (s *Server) handleKeepAlive(w http.ResponseWriter, r *http.Request) {
	view, err := s.orch.KeepAlive(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.SessionResponse{Session: view})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	view, err := s.orch.Terminate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.SessionResponse{Session: view})
}

// writeLifecycleError maps controller errors onto HTTP statuses. A challenge
// conflict carries the loaded challenge id so clients can prompt the user.
func (s *Server) writeLifecycleError(w http.ResponseWriter, err error) {
	var conflict *lifecycle.ChallengeConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, api.ErrorResponse{
			Error:              conflict.Error(),
			CurrentChallengeID: conflict.CurrentChallengeID,
		})
	case errors.Is(err, lifecycle.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, lifecycle.ErrSessionExpired):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		if s.logger != nil {
			s.logger.Error("request failed", "error", err)
		}
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.ErrorResponse{Error: msg})
}
