package handlers_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/chat-explorer/internal/chat"
	"github.com/MegaGrindStone/chat-explorer/internal/engine"
	"github.com/MegaGrindStone/chat-explorer/internal/handlers"
	"github.com/MegaGrindStone/chat-explorer/internal/models"
	"github.com/MegaGrindStone/chat-explorer/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLLM struct {
	responses []string
	err       error
}

func (m mockLLM) Stream(
	_ context.Context,
	_ []models.Turn,
	_ models.ChatOptions,
) (iter.Seq2[models.Chunk, error], error) {
	if m.err != nil {
		return nil, m.err
	}
	return func(yield func(models.Chunk, error) bool) {
		for _, resp := range m.responses {
			if !yield(models.Chunk{Text: resp}, nil) {
				return
			}
		}
	}, nil
}

type testServer struct {
	main   handlers.Main
	engine *engine.Engine
	sink   *notify.Sink
	srv    *httptest.Server
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, llm mockLLM) testServer {
	t.Helper()

	logger := discardLogger()
	e := engine.New(context.Background(), nil, engine.Config{Logger: logger})
	sink := notify.NewSink(notify.Config{Logger: logger})
	ctrl := chat.NewController(e, llm, sink,
		chat.WithLogger(logger),
		chat.WithMaxAttempts(1),
		chat.WithFlushInterval(0))

	m := handlers.NewMain(context.Background(), e, ctrl, sink, time.UTC, logger)
	srv := httptest.NewServer(m.Handler())

	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
		srv.Close()
		sink.Close()
	})

	return testServer{main: m, engine: e, sink: sink, srv: srv}
}

func (ts testServer) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHandleState(t *testing.T) {
	ts := newTestServer(t, mockLLM{})

	resp := ts.do(t, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"conversations":[],"busy":false,"sidebarVisible":false}`, string(body))
}

func TestConversationLifecycle(t *testing.T) {
	ts := newTestServer(t, mockLLM{})

	resp := ts.do(t, http.MethodPost, "/api/conversations", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decode[models.Conversation](t, resp)
	assert.Equal(t, models.DefaultTitle, first.Title)

	resp = ts.do(t, http.MethodPost, "/api/conversations", "")
	second := decode[models.Conversation](t, resp)
	assert.Equal(t, second.ID, ts.engine.State().ActiveConversationID)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantActive string
	}{
		{
			name:       "Select existing",
			method:     http.MethodPost,
			path:       "/api/conversations/" + first.ID + "/select",
			wantStatus: http.StatusNoContent,
			wantActive: first.ID,
		},
		{
			name:       "Select unknown",
			method:     http.MethodPost,
			path:       "/api/conversations/chat_unknown/select",
			wantStatus: http.StatusNotFound,
			wantActive: first.ID,
		},
		{
			name:       "Delete active",
			method:     http.MethodDelete,
			path:       "/api/conversations/" + first.ID,
			wantStatus: http.StatusNoContent,
			wantActive: second.ID,
		},
		{
			name:       "Delete unknown",
			method:     http.MethodDelete,
			path:       "/api/conversations/" + first.ID,
			wantStatus: http.StatusNotFound,
			wantActive: second.ID,
		},
		{
			name:       "Delete last",
			method:     http.MethodDelete,
			path:       "/api/conversations/" + second.ID,
			wantStatus: http.StatusNoContent,
			wantActive: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, tt.method, tt.path, "")
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantActive, ts.engine.State().ActiveConversationID)
		})
	}

	assert.Empty(t, ts.engine.State().Conversations)
}

func TestHandleSetModel(t *testing.T) {
	ts := newTestServer(t, mockLLM{})

	resp := ts.do(t, http.MethodPut, "/api/model", `{"model":"gpt-4o"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	ts.engine.CreateConversation()

	resp = ts.do(t, http.MethodPut, "/api/model", `{"model":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPut, "/api/model", `{"model":"gpt-4o"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := decode[models.State](t, resp)
	active, ok := state.ActiveConversation()
	require.True(t, ok)
	assert.Equal(t, "gpt-4o", active.Model)
}

func TestHandleToggleSidebar(t *testing.T) {
	ts := newTestServer(t, mockLLM{})

	resp := ts.do(t, http.MethodPost, "/api/sidebar/toggle", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[models.State](t, resp).SidebarVisible)

	resp = ts.do(t, http.MethodPost, "/api/sidebar/toggle", "")
	assert.False(t, decode[models.State](t, resp).SidebarVisible)
}

func TestHandleSendMessage(t *testing.T) {
	ts := newTestServer(t, mockLLM{responses: []string{"Hel", "lo, ", "world"}})

	// No active conversation: rejected without changes.
	resp := ts.do(t, http.MethodPost, "/api/messages", `{"content":"Hi"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	conv := ts.engine.CreateConversation()

	resp = ts.do(t, http.MethodPut, "/api/draft", `{"content":"Say hello"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/draft", "")
	assert.Equal(t, "Say hello", decode[map[string]string](t, resp)["content"])

	resp = ts.do(t, http.MethodPost, "/api/messages?wait=true", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		MessageID string `json:"messageId"`
		Result    struct {
			Phase string `json:"phase"`
		} `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, string(chat.PhaseCompleted), body.Result.Phase)

	got, ok := ts.engine.State().Conversation(conv.ID)
	require.True(t, ok)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "Say hello", got.Messages[0].Content)
	assert.Equal(t, body.MessageID, got.Messages[1].ID)
	assert.Equal(t, "Hello, world", got.Messages[1].Content)
	assert.Equal(t, "Say hello", got.Title)

	resp = ts.do(t, http.MethodGet, "/api/draft", "")
	assert.Empty(t, decode[map[string]string](t, resp)["content"])
}

func TestHandleSendMessageContentOverridesDraft(t *testing.T) {
	ts := newTestServer(t, mockLLM{responses: []string{"ok"}})
	conv := ts.engine.CreateConversation()

	resp := ts.do(t, http.MethodPut, "/api/draft", `{"content":"unsent draft"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/messages?wait=true", `{"content":"from the request"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, _ := ts.engine.State().Conversation(conv.ID)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "from the request", got.Messages[0].Content)

	// Rejected while busy: the request content stays in the draft.
	ts.engine.SetBusy(true)
	resp = ts.do(t, http.MethodPost, "/api/messages", `{"content":"try later"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/draft", "")
	assert.Equal(t, "try later", decode[map[string]string](t, resp)["content"])
}

func TestHandleSendMessageFailure(t *testing.T) {
	ts := newTestServer(t, mockLLM{err: models.Permanent(errors.New("invalid api key"))})
	ts.engine.CreateConversation()

	resp := ts.do(t, http.MethodPost, "/api/messages?wait=true", `{"content":"Hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "invalid api key", body.Error)

	resp = ts.do(t, http.MethodGet, "/api/notifications", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	active := decode[[]notify.Notification](t, resp)
	require.Len(t, active, 1)
	assert.Equal(t, notify.KindError, active[0].Kind)
	assert.Equal(t, "API Error: invalid api key", active[0].Message)

	resp = ts.do(t, http.MethodDelete, "/api/notifications/"+active[0].ID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, ts.sink.Active())
}

func TestHandleStatsAndExport(t *testing.T) {
	ts := newTestServer(t, mockLLM{})

	resp := ts.do(t, http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	conv := ts.engine.CreateConversation()
	ts.engine.AppendMessage(models.RoleUser, "What is Go?", "")
	ts.engine.AppendMessage(models.RoleAssistant, "A language.", "claude-opus-4")

	resp = ts.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[map[string]any](t, resp)
	assert.Equal(t, conv.ID, stats["conversationId"])
	assert.InDelta(t, 2, stats["messages"], 0)
	assert.InDelta(t, 6, stats["estimatedTokens"], 0)

	resp = ts.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/export", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `attachment; filename="chat-What_is_Go_.md"`, resp.Header.Get("Content-Disposition"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "# Chat: What is Go?\n\n**Model:** claude-opus-4\n\n---\n\n"))
	assert.Contains(t, string(body), "**ASSISTANT**")

	resp = ts.do(t, http.MethodGet, "/api/conversations/chat_missing/export", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSSEPublishesState(t *testing.T) {
	ts := newTestServer(t, mockLLM{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.srv.URL+"/sse?topic=state", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := make(chan string, 16)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for scanner.Scan() {
			events <- scanner.Text()
		}
	}()

	// The subscription is registered asynchronously; keep creating until an event arrives.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	sawType := false
	for {
		select {
		case line, ok := <-events:
			require.True(t, ok, "stream closed before a state event arrived")
			if strings.HasPrefix(line, "event:") {
				sawType = strings.TrimSpace(strings.TrimPrefix(line, "event:")) == "state"
				continue
			}
			if sawType && strings.HasPrefix(line, "data:") {
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				var state models.State
				require.NoError(t, json.Unmarshal([]byte(data), &state))
				assert.NotEmpty(t, state.Conversations)
				return
			}
		case <-ticker.C:
			ts.engine.CreateConversation()
		case <-ctx.Done():
			t.Fatal("timed out waiting for a state event")
		}
	}
}
