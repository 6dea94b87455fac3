package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// Generation can take minutes; availability checks should fail fast.
	ollamaGenerateTimeout = 5 * time.Minute
	ollamaCheckTimeout    = 5 * time.Second
)

// OllamaClient talks to a local Ollama server over its line-framed JSON API.
type OllamaClient struct {
	baseURL     string
	model       string
	visionModel string
	httpClient  *http.Client
	checkClient *http.Client
	logger      *zap.Logger
}

func NewOllamaClient(baseURL, model, visionModel string, logger *zap.Logger) *OllamaClient {
	return &OllamaClient{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		model:       model,
		visionModel: visionModel,
		httpClient:  &http.Client{Timeout: ollamaGenerateTimeout},
		checkClient: &http.Client{Timeout: ollamaCheckTimeout},
		logger:      logger,
	}
}

// BaseURL returns the configured Ollama endpoint.
func (c *OllamaClient) BaseURL() string { return c.baseURL }

// DefaultModel returns the configured default model name.
func (c *OllamaClient) DefaultModel() string { return c.model }

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Images  []string       `json:"images,omitempty"`
	Stream  bool           `json:"stream"`
	Options *ollamaOptions `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (c *OllamaClient) CheckModel(ctx context.Context, model string) bool {
	if model == "" {
		model = c.model
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}

	resp, err := c.checkClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return false
	}
	for _, m := range tags.Models {
		if m.Name == model {
			return true
		}
	}
	return false
}

func (c *OllamaClient) modelNotFound(model string) *ModelNotFoundError {
	return &ModelNotFoundError{
		Model: model,
		Hint:  fmt.Sprintf("pull it first: ollama pull %s", model),
	}
}

// post sends a JSON request and maps transport and status failures to the
// shared error taxonomy. The caller owns the response body on success.
func (c *OllamaClient) post(ctx context.Context, path, model string, payload any) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(data))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to Ollama at %s: %v", ErrBackendUnavailable, c.baseURL, err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, c.modelNotFound(model)
		}
		return nil, fmt.Errorf("ollama API error (%d): %s", resp.StatusCode, string(body))
	}

	return resp, nil
}

func (c *OllamaClient) Complete(ctx context.Context, turns []Turn, opts Options) (string, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}

	// Ollama's /api/generate has no chat structure, so the turns are
	// flattened into a single role-labeled prompt.
	req := ollamaGenerateRequest{
		Model:  model,
		Prompt: FlattenTurns(turns),
		Stream: false,
		Options: &ollamaOptions{
			Temperature: opts.Temperature,
			NumPredict:  opts.MaxTokens,
		},
	}

	resp, err := c.post(ctx, "/api/generate", model, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}

	text := strings.TrimSpace(result.Response)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// StreamComplete opens a streaming chat completion. The response is a
// sequence of newline-delimited JSON frames; a malformed frame is skipped,
// a frame with done=true terminates the stream. A connection drop before
// the done frame surfaces as a trailing Chunk with Err set.
func (c *OllamaClient) StreamComplete(ctx context.Context, turns []Turn, opts Options) (<-chan Chunk, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}

	messages := make([]ollamaMessage, 0, len(turns))
	for _, turn := range turns {
		messages = append(messages, ollamaMessage{Role: turn.Role, Content: turn.Content})
	}

	req := ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
		Options: &ollamaOptions{
			Temperature: opts.Temperature,
			NumPredict:  opts.MaxTokens,
		},
	}

	resp, err := c.post(ctx, "/api/chat", model, req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		done := false
		for {
			line, err := reader.ReadBytes('\n')
			if len(bytes.TrimSpace(line)) > 0 {
				var frame ollamaChatResponse
				if jsonErr := json.Unmarshal(line, &frame); jsonErr != nil {
					// Skip malformed frames rather than aborting the stream
					c.logger.Debug("skipping malformed stream frame", zap.Error(jsonErr))
					continue
				}
				if frame.Message.Content != "" {
					select {
					case chunks <- Chunk{Content: frame.Message.Content}:
					case <-ctx.Done():
						return
					}
				}
				if frame.Done {
					done = true
					break
				}
			}
			if err != nil {
				if err == io.EOF {
					break
				}
				select {
				case chunks <- Chunk{Err: fmt.Errorf("%w: stream read error: %v", ErrBackendUnavailable, err)}:
				case <-ctx.Done():
				}
				return
			}
		}

		// EOF without a final frame means the backend dropped the
		// connection mid-generation.
		if !done {
			select {
			case chunks <- Chunk{Err: fmt.Errorf("%w: stream ended before completion", ErrBackendUnavailable)}:
			case <-ctx.Done():
			}
		}
	}()

	return chunks, nil
}

func (c *OllamaClient) VisionComplete(ctx context.Context, imageBase64, imageFormat, prompt, model string) (string, error) {
	if model == "" {
		model = c.visionModel
	}

	req := ollamaGenerateRequest{
		Model:  model,
		Prompt: prompt,
		Images: []string{imageBase64},
		Stream: false,
	}

	resp, err := c.post(ctx, "/api/generate", model, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}

	text := strings.TrimSpace(result.Response)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
