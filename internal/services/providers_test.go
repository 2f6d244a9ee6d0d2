package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MegaGrindStone/chat-explorer/internal/models"
	"github.com/MegaGrindStone/chat-explorer/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testHistory = []models.Turn{
	{Role: models.RoleUser, Content: "Hi"},
	{Role: models.RoleAssistant, Content: "Hello!"},
	{Role: models.RoleError, Content: "dropped"},
	{Role: models.RoleAssistant, Content: ""},
	{Role: models.RoleUser, Content: "Say hello world"},
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collect(t *testing.T, seq iter.Seq2[models.Chunk, error]) (string, error) {
	t.Helper()
	var sb strings.Builder
	for chunk, err := range seq {
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(chunk.Text)
	}
	return sb.String(), nil
}

func writeSSE(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, ev := range events {
		fmt.Fprint(w, ev)
	}
}

func TestAnthropicStream(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		System   string `json:"system"`
		Stream   bool   `json:"stream"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		writeSSE(w,
			"event: message_start\ndata: {\"type\":\"message_start\"}\n\n",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"Hello, \"}}\n\n",
			"event: ping\ndata: {\"type\":\"ping\"}\n\n",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"world\"}}\n\n",
			"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
		)
	}))
	defer srv.Close()

	a := services.NewAnthropic("test-key", srv.URL, "be brief", 1024, discardLogger())
	seq, err := a.Stream(context.Background(), testHistory, models.ChatOptions{Model: "claude-opus-4", Stream: true})
	require.NoError(t, err)

	text, err := collect(t, seq)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", text)

	assert.Equal(t, "claude-opus-4", got.Model)
	assert.Equal(t, "be brief", got.System)
	assert.True(t, got.Stream)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "Say hello world", got.Messages[2].Content)
}

func TestAnthropicStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(w,
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"partial\"}}\n\n",
			"event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n",
		)
	}))
	defer srv.Close()

	a := services.NewAnthropic("k", srv.URL, "", 1024, discardLogger())
	seq, err := a.Stream(context.Background(), testHistory, models.ChatOptions{Model: "m", Stream: true})
	require.NoError(t, err)

	text, err := collect(t, seq)
	assert.Equal(t, "partial", text)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded_error: Overloaded")
}

func TestAnthropicDispatchStatus(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantRetryable bool
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, wantRetryable: false},
		{name: "rate limited", status: http.StatusTooManyRequests, wantRetryable: true},
		{name: "server error", status: http.StatusInternalServerError, wantRetryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"type":"error","error":{"type":"some_error","message":"nope"}}`)
			}))
			defer srv.Close()

			a := services.NewAnthropic("k", srv.URL, "", 1024, discardLogger())
			seq, err := a.Stream(context.Background(), testHistory, models.ChatOptions{Model: "m", Stream: true})
			assert.Nil(t, seq)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "some_error: nope")
			assert.Equal(t, tt.wantRetryable, models.Retryable(err))
		})
	}
}

func TestOpenRouterStream(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role string `json:"role"`
		} `json:"messages"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer or-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		writeSSE(w,
			"data: {\"choices\":[{\"delta\":{\"role\":\"assistant\",\"content\":\"Hel\"}}]}\n\n",
			"data: {\"choices\":[]}\n\n",
			"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n",
			"data: [DONE]\n\n",
		)
	}))
	defer srv.Close()

	o := services.NewOpenRouter("or-key", srv.URL, "system prompt", discardLogger())
	seq, err := o.Stream(context.Background(), testHistory, models.ChatOptions{Model: "perplexity/sonar-pro", Stream: true})
	require.NoError(t, err)

	text, err := collect(t, seq)
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, "perplexity/sonar-pro", got.Model)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "system", got.Messages[0].Role)
}

func TestOpenRouterMidStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(w,
			"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n",
			"data: {\"error\":{\"code\":502,\"message\":\"provider disconnected\"}}\n\n",
		)
	}))
	defer srv.Close()

	o := services.NewOpenRouter("k", srv.URL, "", discardLogger())
	seq, err := o.Stream(context.Background(), testHistory, models.ChatOptions{Model: "m", Stream: true})
	require.NoError(t, err)

	_, err = collect(t, seq)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider disconnected")
}

func TestOpenAIStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))

		var req struct {
			Model    string `json:"model"`
			Stream   bool   `json:"stream"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o", req.Model)
		assert.True(t, req.Stream)
		assert.Len(t, req.Messages, 3)

		writeSSE(w,
			"data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hel\"}}]}\n\n",
			"data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo, world\"}}]}\n\n",
			"data: [DONE]\n\n",
		)
	}))
	defer srv.Close()

	o := services.NewOpenAI("sk-test", srv.URL+"/v1", "", services.LLMParameters{}, discardLogger())
	seq, err := o.Stream(context.Background(), testHistory, models.ChatOptions{Model: "gpt-4o", Stream: true})
	require.NoError(t, err)

	text, err := collect(t, seq)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", text)
}

func TestOpenAIDispatchUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	o := services.NewOpenAI("sk-bad", srv.URL+"/v1", "", services.LLMParameters{}, discardLogger())
	_, err := o.Stream(context.Background(), testHistory, models.ChatOptions{Model: "gpt-4o", Stream: true})
	require.Error(t, err)
	assert.False(t, models.Retryable(err))
}

func TestOllamaStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, part := range []string{"Hel", "lo, ", "world"} {
			fmt.Fprintf(w, `{"model":"llama3","message":{"role":"assistant","content":%q},"done":false}`+"\n", part)
		}
		fmt.Fprint(w, `{"model":"llama3","message":{"role":"assistant","content":""},"done":true}`+"\n")
	}))
	defer srv.Close()

	o, err := services.NewOllama(srv.URL, "", discardLogger())
	require.NoError(t, err)

	seq, err := o.Stream(context.Background(), testHistory, models.ChatOptions{Model: "llama3", Stream: true})
	require.NoError(t, err)

	text, err := collect(t, seq)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", text)
}

func TestOllamaDispatchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"model runner crashed"}`)
	}))
	defer srv.Close()

	o, err := services.NewOllama(srv.URL, "", discardLogger())
	require.NoError(t, err)

	seq, err := o.Stream(context.Background(), testHistory, models.ChatOptions{Model: "llama3", Stream: true})
	assert.Nil(t, seq)
	require.Error(t, err)
	assert.True(t, models.Retryable(err))
}

func TestOllamaStreamCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprint(w, `{"model":"llama3","message":{"role":"assistant","content":"Hel"},"done":false}`+"\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	o, err := services.NewOllama(srv.URL, "", discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seq, err := o.Stream(ctx, testHistory, models.ChatOptions{Model: "llama3", Stream: true})
	require.NoError(t, err)

	var (
		text      strings.Builder
		streamErr error
	)
	for chunk, err := range seq {
		if err != nil {
			streamErr = err
			break
		}
		text.WriteString(chunk.Text)
		cancel()
	}

	assert.Equal(t, "Hel", text.String())
	require.Error(t, streamErr)
	assert.True(t, errors.Is(streamErr, context.Canceled))
}

type fakeStreamer struct {
	gotModel string
}

func (f *fakeStreamer) Stream(
	_ context.Context,
	_ []models.Turn,
	opts models.ChatOptions,
) (iter.Seq2[models.Chunk, error], error) {
	f.gotModel = opts.Model
	return func(func(models.Chunk, error) bool) {}, nil
}

func TestRouter(t *testing.T) {
	anthropic := &fakeStreamer{}
	openrouter := &fakeStreamer{}
	openai := &fakeStreamer{}

	r, err := services.NewRouter([]services.Route{
		{Name: "anthropic", Models: []string{"claude-opus-4", "claude-sonnet-4"}, Streamer: anthropic},
		{Name: "openrouter", Prefix: "openrouter:", Streamer: openrouter},
		{Name: "openai", Default: true, Streamer: openai},
	}, discardLogger())
	require.NoError(t, err)

	tests := []struct {
		model     string
		wantFake  *fakeStreamer
		wantModel string
	}{
		{model: "claude-opus-4", wantFake: anthropic, wantModel: "claude-opus-4"},
		{model: "openrouter:perplexity/sonar-pro", wantFake: openrouter, wantModel: "perplexity/sonar-pro"},
		{model: "gpt-4.1-mini", wantFake: openai, wantModel: "gpt-4.1-mini"},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			_, err := r.Stream(context.Background(), nil, models.ChatOptions{Model: tt.model, Stream: true})
			require.NoError(t, err)
			assert.Equal(t, tt.wantModel, tt.wantFake.gotModel)
		})
	}
}

func TestRouterWithoutProvider(t *testing.T) {
	r, err := services.NewRouter([]services.Route{
		{Name: "anthropic", Models: []string{"claude-opus-4"}, Streamer: &fakeStreamer{}},
	}, discardLogger())
	require.NoError(t, err)

	_, err = r.Stream(context.Background(), nil, models.ChatOptions{Model: "gpt-4o"})
	assert.ErrorIs(t, err, models.ErrStreamingUnavailable)
	assert.False(t, models.Retryable(err))

	_, err = services.NewRouter([]services.Route{
		{Name: "a", Default: true, Streamer: &fakeStreamer{}},
		{Name: "b", Default: true, Streamer: &fakeStreamer{}},
	}, discardLogger())
	assert.Error(t, err)

	_, err = services.NewRouter([]services.Route{{Name: "empty"}}, discardLogger())
	assert.Error(t, err)
}
