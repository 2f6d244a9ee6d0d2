package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"slices"

	"github.com/MegaGrindStone/chat-explorer/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama provides an implementation of the streaming chat capability for Ollama's language models. It manages
// connections to an Ollama server instance.
type Ollama struct {
	host         string
	systemPrompt string

	client *api.Client

	logger *slog.Logger
}

type ollamaEvent struct {
	text string
	err  error
}

// NewOllama creates a new Ollama instance with the specified host URL. The host parameter should be a valid URL
// pointing to an Ollama server; an empty host uses the client's environment defaults.
func NewOllama(host, systemPrompt string, logger *slog.Logger) (Ollama, error) {
	var client *api.Client
	if host == "" {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			return Ollama{}, fmt.Errorf("error creating ollama client: %w", err)
		}
		client = c
	} else {
		u, err := url.Parse(host)
		if err != nil {
			return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
		}
		client = api.NewClient(u, &http.Client{})
	}

	return Ollama{
		host:         host,
		systemPrompt: systemPrompt,
		client:       client,
		logger:       logger.With(slog.String("module", "ollama")),
	}, nil
}

// Stream starts a streamed chat with the Ollama server. The Ollama client reports responses through a callback,
// so the request runs in its own goroutine; Stream returns once the first response or a failure arrives, which
// keeps connection failures on the dispatch side. Breaking out of the returned sequence cancels the request; a
// canceled ctx ends the sequence with its error.
func (o Ollama) Stream(
	ctx context.Context,
	history []models.Turn,
	opts models.ChatOptions,
) (iter.Seq2[models.Chunk, error], error) {
	turns := sendableTurns(history)
	msgs := make([]api.Message, len(turns))
	for i, turn := range turns {
		msgs[i] = api.Message{
			Role:    string(turn.Role),
			Content: turn.Content,
		}
	}
	if o.systemPrompt != "" {
		msgs = slices.Insert(msgs, 0, api.Message{
			Role:    "system",
			Content: o.systemPrompt,
		})
	}

	stream := opts.Stream
	req := api.ChatRequest{
		Model:    opts.Model,
		Messages: msgs,
		Stream:   &stream,
	}

	o.logger.Debug("Dispatching chat",
		slog.String("host", o.host),
		slog.String("model", opts.Model),
		slog.Int("messages", len(msgs)))

	reqCtx, cancel := context.WithCancel(ctx)
	events := make(chan ollamaEvent)
	// stopped is closed once nothing reads events anymore.
	stopped := make(chan struct{})
	stop := func() {
		cancel()
		close(stopped)
	}

	go func() {
		defer close(events)
		err := o.client.Chat(reqCtx, &req, func(res api.ChatResponse) error {
			select {
			case events <- ollamaEvent{text: res.Message.Content}:
				return nil
			case <-stopped:
				return context.Canceled
			}
		})
		if err == nil {
			return
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		select {
		case events <- ollamaEvent{err: err}:
		case <-stopped:
		}
	}()

	first, ok := <-events
	if !ok {
		stop()
		return func(func(models.Chunk, error) bool) {}, nil
	}
	if first.err != nil {
		stop()
		return nil, classifyOllamaError(fmt.Errorf("error sending request: %w", first.err))
	}

	return func(yield func(models.Chunk, error) bool) {
		defer stop()

		ev, more := first, true
		for more {
			if ev.err != nil {
				yield(models.Chunk{}, fmt.Errorf("error receiving response: %w", ev.err))
				return
			}
			if ev.text != "" && !yield(models.Chunk{Text: ev.text}, nil) {
				return
			}
			ev, more = <-events
		}
	}, nil
}

func classifyOllamaError(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) && !models.RetryableStatus(statusErr.StatusCode) {
		return models.Permanent(err)
	}
	return err
}
