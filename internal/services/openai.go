package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"

	"github.com/MegaGrindStone/chat-explorer/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI provides an implementation of the streaming chat capability for OpenAI and OpenAI-compatible APIs.
type OpenAI struct {
	systemPrompt string

	params LLMParameters

	client *goopenai.Client

	logger *slog.Logger
}

// LLMParameters are optional sampling parameters. Nil fields are left to the provider's defaults.
type LLMParameters struct {
	Temperature      *float32 `yaml:"temperature"`
	TopP             *float32 `yaml:"topP"`
	Stop             []string `yaml:"stop"`
	PresencePenalty  *float32 `yaml:"presencePenalty"`
	FrequencyPenalty *float32 `yaml:"frequencyPenalty"`
	Seed             *int     `yaml:"seed"`
	MaxTokens        *int     `yaml:"maxTokens"`
}

// NewOpenAI creates a new OpenAI instance with the specified API key and system prompt. A non-empty baseURL
// points the client at an OpenAI-compatible server.
func NewOpenAI(apiKey, baseURL, systemPrompt string, params LLMParameters, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return OpenAI{
		systemPrompt: systemPrompt,
		params:       params,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

func openAIMessages(history []models.Turn) []goopenai.ChatCompletionMessage {
	turns := sendableTurns(history)
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(turns))
	for _, turn := range turns {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    string(turn.Role),
			Content: turn.Content,
		})
	}
	return msgs
}

// Stream is a wrapper around the OpenAI chat completion streaming API. Opening the stream is the dispatch
// step; receive errors are yielded by the returned sequence.
func (o OpenAI) Stream(
	ctx context.Context,
	history []models.Turn,
	opts models.ChatOptions,
) (iter.Seq2[models.Chunk, error], error) {
	msgs := openAIMessages(history)
	if o.systemPrompt != "" {
		msgs = slices.Insert(msgs, 0, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: o.systemPrompt,
		})
	}

	req := o.chatRequest(opts.Model, msgs, opts.Stream)

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, classifyOpenAIError(fmt.Errorf("error sending request: %w", err))
	}

	return func(yield func(models.Chunk, error) bool) {
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				yield(models.Chunk{}, fmt.Errorf("error receiving response: %w", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			if text := response.Choices[0].Delta.Content; text != "" {
				if !yield(models.Chunk{Text: text}, nil) {
					return
				}
			}
		}
	}, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 && !models.RetryableStatus(apiErr.HTTPStatusCode) {
		return models.Permanent(err)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 && !models.RetryableStatus(reqErr.HTTPStatusCode) {
		return models.Permanent(err)
	}
	return err
}

func (o OpenAI) chatRequest(
	model string,
	messages []goopenai.ChatCompletionMessage,
	stream bool,
) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.Stop != nil {
		req.Stop = o.params.Stop
	}
	if o.params.PresencePenalty != nil {
		req.PresencePenalty = *o.params.PresencePenalty
	}
	if o.params.Seed != nil {
		req.Seed = o.params.Seed
	}
	if o.params.FrequencyPenalty != nil {
		req.FrequencyPenalty = *o.params.FrequencyPenalty
	}
	if o.params.MaxTokens != nil {
		req.MaxTokens = *o.params.MaxTokens
	}

	return req
}
