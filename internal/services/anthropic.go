package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/chat-explorer/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Anthropic provides an interface to the Anthropic API for large language model interactions. It implements
// the streaming chat capability using Claude models.
type Anthropic struct {
	apiKey       string
	endpoint     string
	systemPrompt string
	maxTokens    int

	client *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint = "https://api.anthropic.com/v1"
	anthropicVersion     = "2023-06-01"
)

// NewAnthropic creates a new Anthropic instance with the specified API key, system prompt and maximum token
// limit. An empty endpoint selects the public API.
func NewAnthropic(apiKey, endpoint, systemPrompt string, maxTokens int, logger *slog.Logger) Anthropic {
	if endpoint == "" {
		endpoint = anthropicAPIEndpoint
	}
	return Anthropic{
		apiKey:       apiKey,
		endpoint:     endpoint,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
		client:       &http.Client{},
		logger:       logger.With(slog.String("module", "anthropic")),
	}
}

// Stream sends history to the messages endpoint. The returned error covers the request up to a successful
// response status; errors while reading the event stream are yielded by the sequence, which must be consumed
// to release the connection.
func (a Anthropic) Stream(
	ctx context.Context,
	history []models.Turn,
	opts models.ChatOptions,
) (iter.Seq2[models.Chunk, error], error) {
	system := a.systemPrompt
	msgs := make([]anthropicMessage, 0, len(history))
	for _, turn := range sendableTurns(history) {
		// Anthropic takes system instructions out of band.
		if turn.Role == models.RoleSystem {
			system = joinSystem(system, turn.Content)
			continue
		}
		msgs = append(msgs, anthropicMessage{
			Role:    string(turn.Role),
			Content: turn.Content,
		})
	}

	reqBody := anthropicChatRequest{
		Model:     opts.Model,
		Messages:  msgs,
		System:    system,
		MaxTokens: a.maxTokens,
		Stream:    opts.Stream,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, models.Permanent(fmt.Errorf("error marshaling request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, models.Permanent(fmt.Errorf("error creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp, anthropicErrorMessage)
	}

	return func(yield func(models.Chunk, error) bool) {
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield(models.Chunk{}, fmt.Errorf("error reading response: %w", err))
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield(models.Chunk{}, fmt.Errorf("error unmarshaling error: %w", err))
					return
				}
				yield(models.Chunk{}, fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message))
				return
			case "message_stop":
				return
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield(models.Chunk{}, fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				if !yield(models.Chunk{Text: res.Delta.Text}, nil) {
					return
				}
			default:
				a.logger.Debug("Skipping event", slog.String("type", ev.Type))
			}
		}
	}, nil
}

func anthropicErrorMessage(body []byte) string {
	var e anthropicError
	if err := json.Unmarshal(body, &e); err != nil || e.Error.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Error.Type, e.Error.Message)
}

// statusError converts a non-2xx response into an error, marking client errors as permanent. describe may
// extract a provider-specific message from the body.
func statusError(resp *http.Response, describe func([]byte) string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := ""
	if describe != nil {
		msg = describe(body)
	}
	if msg == "" {
		msg = string(bytes.TrimSpace(body))
	}

	err := fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, msg)
	if !models.RetryableStatus(resp.StatusCode) {
		return models.Permanent(err)
	}
	return err
}

// sendableTurns drops turns no provider accepts: error markers and empty content.
func sendableTurns(history []models.Turn) []models.Turn {
	turns := make([]models.Turn, 0, len(history))
	for _, t := range history {
		if t.Role == models.RoleError || t.Content == "" {
			continue
		}
		turns = append(turns, t)
	}
	return turns
}

func joinSystem(prompt, extra string) string {
	if prompt == "" {
		return extra
	}
	return prompt + "\n\n" + extra
}
