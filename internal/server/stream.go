package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/xaenox/chatd/internal/relay"
	"go.uber.org/zap"
)

type streamChatRequest struct {
	Content string `json:"content"`
}

// handleStreamChat runs one conversation turn and pushes the generated reply
// to the caller as Server-Sent Events, one data record per fragment plus a
// single terminal record.
func (s *Server) handleStreamChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(w, r)
	if !ok {
		return
	}
	threadID := r.PathValue("threadID")

	var req streamChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	send := func(event relay.Event) error {
		// Detect a gone caller before writing: ResponseWriter errors lag
		// behind the actual disconnect.
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	s.relay.StreamTurn(ctx, userID, threadID, req.Content, send)
}

type visionRequest struct {
	ImageBase64 string `json:"image_base64"`
	ImageFormat string `json:"image_format"`
	Prompt      string `json:"prompt"`
	Model       string `json:"model,omitempty"`
}

func (s *Server) handleVision(w http.ResponseWriter, r *http.Request) {
	var req visionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ImageBase64 == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "image_base64 and prompt are required")
		return
	}
	if req.ImageFormat == "" {
		req.ImageFormat = "png"
	}

	result, err := s.llm.VisionComplete(r.Context(), req.ImageBase64, req.ImageFormat, req.Prompt, req.Model)
	if err != nil {
		s.logger.Error("Vision completion failed", zap.Error(err))
		writeError(w, llmErrorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"result": result})
}
