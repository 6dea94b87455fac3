package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/chatd/internal/llm"
	"github.com/xaenox/chatd/internal/relay"
	"github.com/xaenox/chatd/internal/storage"
	"go.uber.org/zap"
)

// Settings is the runtime configuration exposed on /api/settings.
type Settings struct {
	Provider     string `json:"provider"`
	OllamaURL    string `json:"ollama_url,omitempty"`
	DefaultModel string `json:"default_model"`
}

type Server struct {
	store    storage.Storage
	llm      llm.Client
	relay    *relay.Relay
	settings Settings
	logger   *zap.Logger
	http     *http.Server
}

func New(store storage.Storage, client llm.Client, r *relay.Relay, settings Settings, logger *zap.Logger) *Server {
	return &Server{
		store:    store,
		llm:      client,
		relay:    r,
		settings: settings,
		logger:   logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Users
	mux.HandleFunc("POST /api/users", s.handleCreateUser)
	mux.HandleFunc("GET /api/users/{id}", s.handleGetUser)
	mux.HandleFunc("PUT /api/users/{id}", s.handleUpdateUser)
	mux.HandleFunc("DELETE /api/users/{id}", s.handleDeleteUser)

	// Threads
	mux.HandleFunc("POST /api/chat/threads", s.handleCreateThread)
	mux.HandleFunc("GET /api/chat/threads", s.handleListThreads)
	mux.HandleFunc("GET /api/chat/threads/{threadID}", s.handleGetThread)
	mux.HandleFunc("PUT /api/chat/threads/{threadID}", s.handleUpdateThread)
	mux.HandleFunc("DELETE /api/chat/threads/{threadID}", s.handleDeleteThread)

	// Messages
	mux.HandleFunc("POST /api/chat/threads/{threadID}/messages", s.handleCreateMessage)
	mux.HandleFunc("GET /api/chat/threads/{threadID}/messages", s.handleGetMessages)

	// Streaming chat
	mux.HandleFunc("POST /api/chat/threads/{threadID}/stream", s.handleStreamChat)

	// Vision
	mux.HandleFunc("POST /api/vision", s.handleVision)

	mux.HandleFunc("GET /api/settings", s.handleSettings)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.logRequests(mux)
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: streaming responses stay open for the full
		// generation, which can take minutes.
	}

	s.logger.Info("Starting HTTP server", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.logger.Info("Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", recorder.status),
			zap.Duration("duration", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// userIDFromRequest reads the user_id query parameter. Authentication is out
// of scope; the caller supplies its identity directly.
func userIDFromRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.URL.Query().Get("user_id")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "user_id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// llmErrorStatus maps backend failures to HTTP statuses for the
// non-streaming endpoints.
func llmErrorStatus(err error) int {
	var notFound *llm.ModelNotFoundError
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.Is(err, llm.ErrBackendUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, llm.ErrEmptyResponse):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
