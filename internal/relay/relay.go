package relay

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/chatd/internal/llm"
	"github.com/xaenox/chatd/internal/models"
	"github.com/xaenox/chatd/internal/storage"
	"go.uber.org/zap"
)

// persistTimeout bounds the assistant-turn write that happens after the
// stream has ended.
const persistTimeout = 10 * time.Second

// Event is one record in the stream pushed back to the caller. A turn emits
// zero or more fragment events (Done=false) followed by exactly one terminal
// event: either Done=true with Saved set, or Done=true with Error set.
type Event struct {
	Content *string `json:"content,omitempty"`
	Error   string  `json:"error,omitempty"`
	Done    bool    `json:"done"`
	Saved   *bool   `json:"saved,omitempty"`
}

func fragmentEvent(content string) Event {
	return Event{Content: &content}
}

func doneEvent(saved bool) Event {
	empty := ""
	return Event{Content: &empty, Done: true, Saved: &saved}
}

func errorEvent(message string) Event {
	return Event{Error: message, Done: true}
}

// Relay orchestrates one chat turn: load history, persist the user turn,
// stream the completion to the caller while accumulating it, then persist
// the assistant turn.
type Relay struct {
	store  storage.Storage
	llm    llm.Client
	opts   llm.Options
	logger *zap.Logger
}

func New(store storage.Storage, client llm.Client, opts llm.Options, logger *zap.Logger) *Relay {
	return &Relay{
		store:  store,
		llm:    client,
		opts:   opts,
		logger: logger,
	}
}

// StreamTurn runs one conversation turn, pushing events through send in
// order. It always finishes with a terminal event unless send itself fails
// (the caller is gone and can observe nothing).
//
// The user turn is committed before generation starts, so the caller's input
// survives any later failure. The assistant turn is committed through a
// fresh store transaction after the stream ends: generation can outlive the
// request that started it, and the original request-scoped resources must
// not be assumed alive by then.
func (r *Relay) StreamTurn(ctx context.Context, userID uuid.UUID, threadID, content string, send func(Event) error) {
	thread, err := r.store.GetThread(ctx, userID, threadID, true)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			r.send(send, errorEvent("chat thread not found"))
			return
		}
		r.logger.Error("Failed to load thread history",
			zap.Error(err),
			zap.String("user_id", userID.String()),
			zap.String("thread_id", threadID))
		r.send(send, errorEvent("failed to load thread"))
		return
	}

	if _, err := r.store.AppendMessage(ctx, userID, threadID, models.RoleUser, content, map[string]any{}); err != nil {
		r.logger.Error("Failed to save user message",
			zap.Error(err),
			zap.String("user_id", userID.String()),
			zap.String("thread_id", threadID))
		r.send(send, errorEvent("failed to save message"))
		return
	}

	turns := make([]llm.Turn, 0, len(thread.Messages)+1)
	for _, msg := range thread.Messages {
		turns = append(turns, llm.Turn{Role: msg.Role, Content: msg.Content})
	}
	turns = append(turns, llm.Turn{Role: llm.RoleUser, Content: content})

	// Cancel the backend stream when this turn is abandoned.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, err := r.llm.StreamComplete(streamCtx, turns, r.opts)
	if err != nil {
		// Failed before the first fragment: nothing to persist.
		r.logger.Error("Failed to open completion stream",
			zap.Error(err),
			zap.String("thread_id", threadID))
		r.send(send, errorEvent(err.Error()))
		return
	}

	var accumulated strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			r.finishInterrupted(ctx, userID, threadID, accumulated.String(), chunk.Err, send)
			return
		}

		// Push first, then accumulate: the caller sees every fragment in
		// arrival order with no batching.
		if err := send(fragmentEvent(chunk.Content)); err != nil {
			r.logger.Warn("Caller disconnected mid-stream, abandoning generation",
				zap.Error(err),
				zap.String("thread_id", threadID))
			cancel()
			r.persistPartial(ctx, userID, threadID, accumulated.String()+chunk.Content)
			return
		}
		accumulated.WriteString(chunk.Content)
	}

	response := accumulated.String()
	if response == "" {
		r.send(send, errorEvent(llm.ErrEmptyResponse.Error()))
		return
	}

	saved := r.persistAssistant(ctx, userID, threadID, response, map[string]any{})
	r.send(send, doneEvent(saved))
}

// finishInterrupted handles a backend failure after streaming began. Partial
// output already delivered is persisted so the crashed generation leaves a
// recoverable answer in history.
func (r *Relay) finishInterrupted(ctx context.Context, userID uuid.UUID, threadID, partial string, cause error, send func(Event) error) {
	r.logger.Error("Completion stream failed mid-generation",
		zap.Error(cause),
		zap.String("thread_id", threadID),
		zap.Int("partial_length", len(partial)))

	if partial != "" {
		r.persistPartial(ctx, userID, threadID, partial)
	}
	r.send(send, errorEvent(cause.Error()))
}

func (r *Relay) persistPartial(ctx context.Context, userID uuid.UUID, threadID, partial string) {
	if partial == "" {
		return
	}
	r.persistAssistant(ctx, userID, threadID, partial, map[string]any{
		"error":   "Streaming interrupted",
		"partial": true,
	})
}

// persistAssistant writes the assistant turn using a store call that is not
// tied to the (possibly already canceled) request context. Failure here is
// non-fatal: the content was already delivered, so it is logged and reported
// through the saved flag instead of an error event.
func (r *Relay) persistAssistant(ctx context.Context, userID uuid.UUID, threadID, content string, metadata map[string]any) bool {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if _, err := r.store.AppendMessage(saveCtx, userID, threadID, models.RoleAssistant, content, metadata); err != nil {
		r.logger.Error("Failed to save assistant message, response lost from history",
			zap.Error(err),
			zap.String("user_id", userID.String()),
			zap.String("thread_id", threadID),
			zap.Int("content_length", len(content)))
		return false
	}
	return true
}

func (r *Relay) send(send func(Event) error, event Event) {
	if err := send(event); err != nil {
		r.logger.Warn("Failed to push event to caller", zap.Error(err))
	}
}
