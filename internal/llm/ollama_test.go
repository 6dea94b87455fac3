package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestOllama(t *testing.T, handler http.HandlerFunc) *OllamaClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewOllamaClient(server.URL, "llama2", "llava", zap.NewNop())
}

func collectChunks(t *testing.T, chunks <-chan Chunk) ([]string, error) {
	t.Helper()
	var contents []string
	for chunk := range chunks {
		if chunk.Err != nil {
			return contents, chunk.Err
		}
		contents = append(contents, chunk.Content)
	}
	return contents, nil
}

func TestOllamaStreamComplete(t *testing.T) {
	client := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama2", req.Model)
		assert.True(t, req.Stream)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, RoleUser, req.Messages[1].Role)

		flusher := w.(http.Flusher)
		for _, content := range []string{"Hel", "lo", "!"} {
			fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", content)
			flusher.Flush()
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	})

	turns := []Turn{
		{Role: RoleAssistant, Content: "Hi there"},
		{Role: RoleUser, Content: "Say hello"},
	}
	chunks, err := client.StreamComplete(context.Background(), turns, Options{Temperature: 0.7})
	require.NoError(t, err)

	contents, err := collectChunks(t, chunks)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo", "!"}, contents)
}

func TestOllamaStreamCompleteSkipsMalformedFrames(t *testing.T) {
	client := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"good"},"done":false}`)
		fmt.Fprintln(w, `{not json at all`)
		fmt.Fprintln(w, `{"message":{"content":"still good"},"done":true}`)
	})

	chunks, err := client.StreamComplete(context.Background(), []Turn{{Role: RoleUser, Content: "hi"}}, Options{})
	require.NoError(t, err)

	contents, err := collectChunks(t, chunks)
	require.NoError(t, err)
	assert.Equal(t, []string{"good", "still good"}, contents)
}

func TestOllamaStreamCompleteMidStreamDrop(t *testing.T) {
	client := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		// Partial output, then the connection closes without a done frame.
		fmt.Fprintln(w, `{"message":{"content":"partial"},"done":false}`)
	})

	chunks, err := client.StreamComplete(context.Background(), []Turn{{Role: RoleUser, Content: "hi"}}, Options{})
	require.NoError(t, err)

	contents, err := collectChunks(t, chunks)
	assert.Equal(t, []string{"partial"}, contents)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestOllamaStreamCompleteModelNotFound(t *testing.T) {
	client := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	})

	_, err := client.StreamComplete(context.Background(), []Turn{{Role: RoleUser, Content: "hi"}}, Options{})
	require.Error(t, err)

	var notFound *ModelNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "llama2", notFound.Model)
	assert.Contains(t, notFound.Hint, "ollama pull llama2")
}

func TestOllamaStreamCompleteBackendDown(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()
	client := NewOllamaClient(server.URL, "llama2", "llava", zap.NewNop())

	_, err := client.StreamComplete(context.Background(), []Turn{{Role: RoleUser, Content: "hi"}}, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestOllamaComplete(t *testing.T) {
	client := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)

		var req ollamaGenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		// The flattened prompt preserves role labels and blank-line
		// separation.
		assert.Equal(t, "System: be brief\n\nUser: hello", req.Prompt)

		json.NewEncoder(w).Encode(map[string]any{"response": "hi there", "done": true})
	})

	turns := []Turn{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hello"},
	}
	result, err := client.Complete(context.Background(), turns, Options{Temperature: 0.5, MaxTokens: 100})
	require.NoError(t, err)
	assert.Equal(t, "hi there", result)
}

func TestOllamaCompleteEmptyResponse(t *testing.T) {
	client := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"response": "   ", "done": true})
	})

	_, err := client.Complete(context.Background(), []Turn{{Role: RoleUser, Content: "hello"}}, Options{})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestOllamaVisionComplete(t *testing.T) {
	client := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		var req ollamaGenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llava", req.Model)
		assert.Equal(t, []string{"aW1hZ2U="}, req.Images)
		assert.Equal(t, "describe this", req.Prompt)

		json.NewEncoder(w).Encode(map[string]any{"response": "a test image", "done": true})
	})

	result, err := client.VisionComplete(context.Background(), "aW1hZ2U=", "png", "describe this", "")
	require.NoError(t, err)
	assert.Equal(t, "a test image", result)
}

func TestOllamaCheckModel(t *testing.T) {
	client := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]string{{"name": "llama2"}, {"name": "mistral"}},
		})
	})

	assert.True(t, client.CheckModel(context.Background(), "llama2"))
	assert.True(t, client.CheckModel(context.Background(), "")) // default model
	assert.False(t, client.CheckModel(context.Background(), "unknown"))
}

func TestOllamaCheckModelBackendDown(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()
	client := NewOllamaClient(server.URL, "llama2", "llava", zap.NewNop())

	// Availability checks never fail, they report false.
	assert.False(t, client.CheckModel(context.Background(), "llama2"))
}

func TestFlattenTurns(t *testing.T) {
	turns := []Turn{
		{Role: RoleSystem, Content: "You are helpful."},
		{Role: RoleUser, Content: "Hi"},
		{Role: RoleAssistant, Content: "Hello!"},
		{Role: "tool", Content: "ignored"},
	}

	assert.Equal(t,
		"System: You are helpful.\n\nUser: Hi\n\nAssistant: Hello!",
		FlattenTurns(turns))
}

func TestModelNotFoundError(t *testing.T) {
	err := error(&ModelNotFoundError{Model: "llama2", Hint: "pull it first: ollama pull llama2"})
	assert.Contains(t, err.Error(), "llama2")
	assert.Contains(t, err.Error(), "ollama pull")
	assert.False(t, errors.Is(err, ErrBackendUnavailable))
}
