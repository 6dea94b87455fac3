package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	defaultOpenAIModel       = "gpt-4"
	defaultOpenAIVisionModel = "gpt-4o"
	visionMaxTokens          = 1000
)

// OpenAIClient is the cloud backend implementation of Client.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	visionModel string
	logger      *zap.Logger
}

func NewOpenAIClient(apiKey, model, visionModel string, logger *zap.Logger) *OpenAIClient {
	if model == "" {
		model = defaultOpenAIModel
	}
	if visionModel == "" {
		visionModel = defaultOpenAIVisionModel
	}
	return &OpenAIClient{
		client:      openai.NewClient(apiKey),
		model:       model,
		visionModel: visionModel,
		logger:      logger,
	}
}

// CheckModel always reports true: the OpenAI backend loads models on
// demand, there is no registry to consult.
func (c *OpenAIClient) CheckModel(ctx context.Context, model string) bool {
	return true
}

func toOpenAIMessages(turns []Turn) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, turn := range turns {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    turn.Role,
			Content: turn.Content,
		})
	}
	return messages
}

// mapError translates go-openai failures into the shared taxonomy.
func (c *OpenAIClient) mapError(err error, model string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusNotFound {
			return &ModelNotFoundError{
				Model: model,
				Hint:  "check the model name against https://platform.openai.com/docs/models",
			}
		}
		return fmt.Errorf("openai API error (%d): %w", apiErr.HTTPStatusCode, err)
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

func (c *OpenAIClient) Complete(ctx context.Context, turns []Turn, opts Options) (string, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(turns),
		MaxTokens:   opts.MaxTokens,
		Temperature: float32(opts.Temperature),
	})
	if err != nil {
		return "", c.mapError(err, model)
	}

	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}

func (c *OpenAIClient) StreamComplete(ctx context.Context, turns []Turn, opts Options) (<-chan Chunk, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(turns),
		MaxTokens:   opts.MaxTokens,
		Temperature: float32(opts.Temperature),
		Stream:      true,
	})
	if err != nil {
		return nil, c.mapError(err, model)
	}

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				select {
				case chunks <- Chunk{Err: c.mapError(err, model)}:
				case <-ctx.Done():
				}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case chunks <- Chunk{Content: delta}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return chunks, nil
}

func (c *OpenAIClient) VisionComplete(ctx context.Context, imageBase64, imageFormat, prompt, model string) (string, error) {
	if model == "" {
		model = c.visionModel
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     model,
		MaxTokens: visionMaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: prompt,
					},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL: fmt.Sprintf("data:image/%s;base64,%s", imageFormat, imageBase64),
						},
					},
				},
			},
		},
	})
	if err != nil {
		return "", c.mapError(err, model)
	}

	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}
