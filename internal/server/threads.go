package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/xaenox/chatd/internal/models"
	"github.com/xaenox/chatd/internal/storage"
	"go.uber.org/zap"
)

type createThreadRequest struct {
	ThreadID string `json:"thread_id"`
	Title    string `json:"title"`
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(w, r)
	if !ok {
		return
	}

	var req createThreadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ThreadID == "" || req.Title == "" {
		writeError(w, http.StatusBadRequest, "thread_id and title are required")
		return
	}

	if _, err := s.store.GetUser(r.Context(), userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		s.logger.Error("Failed to look up user", zap.Error(err), zap.String("user_id", userID.String()))
		writeError(w, http.StatusInternalServerError, "failed to create thread")
		return
	}

	thread, err := s.store.CreateThread(r.Context(), userID, req.ThreadID, req.Title)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("chat thread %q already exists", req.ThreadID))
			return
		}
		s.logger.Error("Failed to create thread",
			zap.Error(err),
			zap.String("user_id", userID.String()),
			zap.String("thread_id", req.ThreadID))
		writeError(w, http.StatusInternalServerError, "failed to create thread")
		return
	}

	writeJSON(w, http.StatusCreated, thread)
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(w, r)
	if !ok {
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	threads, err := s.store.ListThreads(r.Context(), userID, limit)
	if err != nil {
		s.logger.Error("Failed to list threads", zap.Error(err), zap.String("user_id", userID.String()))
		writeError(w, http.StatusInternalServerError, "failed to list threads")
		return
	}
	if threads == nil {
		threads = []*models.Thread{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(w, r)
	if !ok {
		return
	}
	threadID := r.PathValue("threadID")

	thread, err := s.store.GetThread(r.Context(), userID, threadID, true)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Chat thread not found")
			return
		}
		s.logger.Error("Failed to get thread",
			zap.Error(err),
			zap.String("user_id", userID.String()),
			zap.String("thread_id", threadID))
		writeError(w, http.StatusInternalServerError, "failed to get thread")
		return
	}

	writeJSON(w, http.StatusOK, thread)
}

type updateThreadRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleUpdateThread(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(w, r)
	if !ok {
		return
	}
	threadID := r.PathValue("threadID")

	var req updateThreadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	thread, err := s.store.UpdateThreadTitle(r.Context(), userID, threadID, req.Title)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Chat thread not found")
			return
		}
		s.logger.Error("Failed to update thread",
			zap.Error(err),
			zap.String("user_id", userID.String()),
			zap.String("thread_id", threadID))
		writeError(w, http.StatusInternalServerError, "failed to update thread")
		return
	}

	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(w, r)
	if !ok {
		return
	}
	threadID := r.PathValue("threadID")

	if err := s.store.DeleteThread(r.Context(), userID, threadID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Chat thread not found")
			return
		}
		s.logger.Error("Failed to delete thread",
			zap.Error(err),
			zap.String("user_id", userID.String()),
			zap.String("thread_id", threadID))
		writeError(w, http.StatusInternalServerError, "failed to delete thread")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("chat thread %q deleted successfully", threadID),
	})
}

type createMessageRequest struct {
	Role     string         `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(w, r)
	if !ok {
		return
	}
	threadID := r.PathValue("threadID")

	var req createMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !models.ValidRole(req.Role) {
		writeError(w, http.StatusBadRequest, "role must be 'user' or 'assistant'")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	message, err := s.store.AppendMessage(r.Context(), userID, threadID, req.Role, req.Content, req.Metadata)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Chat thread not found")
			return
		}
		s.logger.Error("Failed to create message",
			zap.Error(err),
			zap.String("user_id", userID.String()),
			zap.String("thread_id", threadID))
		writeError(w, http.StatusInternalServerError, "failed to create message")
		return
	}

	writeJSON(w, http.StatusCreated, message)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(w, r)
	if !ok {
		return
	}
	threadID := r.PathValue("threadID")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	messages, err := s.store.GetMessages(r.Context(), userID, threadID, limit)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Chat thread not found")
			return
		}
		s.logger.Error("Failed to get messages",
			zap.Error(err),
			zap.String("user_id", userID.String()),
			zap.String("thread_id", threadID))
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id": threadID,
		"messages":  messages,
		"count":     len(messages),
	})
}
