package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Turn roles, normalized regardless of backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one role-tagged message in a conversation.
type Turn struct {
	Role    string
	Content string
}

// Options control a single completion request. Zero-value fields fall back
// to the client's defaults.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Chunk is one incremental piece of generated text. A Chunk with Err set is
// the final element on the channel and signals a mid-stream failure; content
// received before it is still valid partial output.
type Chunk struct {
	Content string
	Err     error
}

// Client is the capability surface over a text/vision generation backend.
//
// StreamComplete distinguishes two failure domains: errors before the first
// fragment are returned synchronously, errors after streaming has begun
// arrive as a trailing Chunk with Err set. Callers can salvage partial
// output in the second case but not the first.
type Client interface {
	// CheckModel reports whether the model is available. It never fails:
	// backends without a discoverable registry report true, network failure
	// reports false.
	CheckModel(ctx context.Context, model string) bool

	Complete(ctx context.Context, turns []Turn, opts Options) (string, error)

	StreamComplete(ctx context.Context, turns []Turn, opts Options) (<-chan Chunk, error)

	// VisionComplete generates text from a prompt plus one inline
	// base64-encoded image.
	VisionComplete(ctx context.Context, imageBase64, imageFormat, prompt, model string) (string, error)
}

var (
	// ErrBackendUnavailable indicates a transport-level failure reaching the
	// generation backend.
	ErrBackendUnavailable = errors.New("llm backend unavailable")

	// ErrEmptyResponse indicates a syntactically valid but content-free
	// backend result.
	ErrEmptyResponse = errors.New("llm backend returned an empty response")
)

// ModelNotFoundError indicates the backend does not have the requested model
// loaded. Hint tells the operator how to provision it.
type ModelNotFoundError struct {
	Model string
	Hint  string
}

func (e *ModelNotFoundError) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("model %q not found", e.Model)
	}
	return fmt.Sprintf("model %q not found: %s", e.Model, e.Hint)
}

// FlattenTurns builds a single prompt from role-labeled turns for backends
// without native multi-turn chat. The format (role prefix, blank-line
// separator) is load-bearing: changing it changes every prompt the backend
// sees.
func FlattenTurns(turns []Turn) string {
	parts := make([]string, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case RoleSystem:
			parts = append(parts, "System: "+turn.Content)
		case RoleUser:
			parts = append(parts, "User: "+turn.Content)
		case RoleAssistant:
			parts = append(parts, "Assistant: "+turn.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}
