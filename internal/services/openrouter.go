package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"slices"

	"github.com/MegaGrindStone/chat-explorer/internal/models"
	"github.com/tmaxmax/go-sse"
)

// OpenRouter provides an implementation of the streaming chat capability for OpenRouter's language models.
type OpenRouter struct {
	apiKey       string
	endpoint     string
	systemPrompt string

	client *http.Client

	logger *slog.Logger
}

type openRouterChatRequest struct {
	Model    string              `json:"model"`
	Messages []openRouterMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type openRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

type openRouterStreamingResponse struct {
	Choices []openRouterStreamingChoice `json:"choices"`
	Error   *openRouterError            `json:"error,omitempty"`
}

type openRouterStreamingChoice struct {
	Delta openRouterMessage `json:"delta"`
}

type openRouterError struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
}

const (
	openRouterAPIEndpoint = "https://openrouter.ai/api/v1"
)

// NewOpenRouter creates a new OpenRouter instance with the specified API key and system prompt. An empty
// endpoint selects the public API.
func NewOpenRouter(apiKey, endpoint, systemPrompt string, logger *slog.Logger) OpenRouter {
	if endpoint == "" {
		endpoint = openRouterAPIEndpoint
	}
	return OpenRouter{
		apiKey:       apiKey,
		endpoint:     endpoint,
		systemPrompt: systemPrompt,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "openrouter")),
	}
}

// Stream sends history to the chat completions endpoint and returns the stream of deltas. The sequence must
// be consumed to release the connection.
func (o OpenRouter) Stream(
	ctx context.Context,
	history []models.Turn,
	opts models.ChatOptions,
) (iter.Seq2[models.Chunk, error], error) {
	resp, err := o.doRequest(ctx, history, opts)
	if err != nil {
		return nil, err
	}

	return func(yield func(models.Chunk, error) bool) {
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield(models.Chunk{}, fmt.Errorf("error reading response: %w", err))
				return
			}

			o.logger.Debug("Received event", slog.String("event", ev.Data))

			if ev.Data == "[DONE]" {
				return
			}

			var res openRouterStreamingResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				yield(models.Chunk{}, fmt.Errorf("error unmarshaling response: %w", err))
				return
			}
			if res.Error != nil {
				yield(models.Chunk{}, fmt.Errorf("openrouter error %v: %s", res.Error.Code, res.Error.Message))
				return
			}
			if len(res.Choices) == 0 {
				continue
			}

			if text := res.Choices[0].Delta.Content; text != "" {
				if !yield(models.Chunk{Text: text}, nil) {
					return
				}
			}
		}
	}, nil
}

func (o OpenRouter) doRequest(
	ctx context.Context,
	history []models.Turn,
	opts models.ChatOptions,
) (*http.Response, error) {
	turns := sendableTurns(history)
	msgs := make([]openRouterMessage, 0, len(turns)+1)
	for _, turn := range turns {
		msgs = append(msgs, openRouterMessage{
			Role:    string(turn.Role),
			Content: turn.Content,
		})
	}
	if o.systemPrompt != "" {
		msgs = slices.Insert(msgs, 0, openRouterMessage{
			Role:    "system",
			Content: o.systemPrompt,
		})
	}

	reqBody := openRouterChatRequest{
		Model:    opts.Model,
		Messages: msgs,
		Stream:   opts.Stream,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, models.Permanent(fmt.Errorf("error marshaling request: %w", err))
	}

	o.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.endpoint+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, models.Permanent(fmt.Errorf("error creating request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/MegaGrindStone/chat-explorer/")
	req.Header.Set("X-Title", "Chat Explorer")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp, openRouterErrorMessage)
	}

	return resp, nil
}

func openRouterErrorMessage(body []byte) string {
	var res openRouterStreamingResponse
	if err := json.Unmarshal(body, &res); err != nil || res.Error == nil {
		return ""
	}
	return res.Error.Message
}
