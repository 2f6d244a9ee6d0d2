package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/chat-explorer/internal/chat"
	"github.com/MegaGrindStone/chat-explorer/internal/engine"
	"github.com/MegaGrindStone/chat-explorer/internal/models"
	"github.com/MegaGrindStone/chat-explorer/internal/notify"
	"github.com/tmaxmax/go-sse"
)

// Engine is the conversation state the presentation layer reads and mutates.
type Engine interface {
	State() models.State
	Subscribe(fn func(models.State))
	CreateConversation() models.Conversation
	SelectConversation(id string)
	DeleteConversation(id string)
	SetModel(model string)
	ToggleSidebar()
	Stats(id string) engine.Stats
}

// Sender owns the input buffer and runs sends of it.
type Sender interface {
	SetDraft(s string)
	Draft() string
	Start(ctx context.Context) (string, <-chan chat.Result, bool)
	StartWith(ctx context.Context, content string) (string, <-chan chat.Result, bool)
}

// Notifier exposes the active notifications.
type Notifier interface {
	Active() []notify.Notification
	Remove(id string)
	Subscribe(fn func([]notify.Notification))
}

// Main serves the JSON API and the server-sent event stream that mirrors the engine state and the
// notifications to the presentation layer.
type Main struct {
	sseSrv *sse.Server

	engine   Engine
	sender   Sender
	notifier Notifier

	// sendCtx bounds sends started through the API; it outlives individual requests.
	sendCtx  context.Context
	location *time.Location

	logger *slog.Logger
}

// SSE topics and event types.
const (
	stateSSETopic         = "state"
	notificationsSSETopic = "notifications"

	errLoggerKey = "error"
)

var (
	stateSSEType         = sse.Type("state")
	notificationsSSEType = sse.Type("notifications")
)

// NewMain creates a new Main over the engine, the sender and the notifier, and subscribes to both so every
// committed state and every change of the active notifications is published to connected clients. sendCtx
// bounds sends started through the API. Transcripts are rendered in location, or the local time zone if nil.
func NewMain(
	sendCtx context.Context,
	eng Engine,
	sender Sender,
	notifier Notifier,
	location *time.Location,
	logger *slog.Logger,
) Main {
	if location == nil {
		location = time.Local
	}

	m := Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				// Clients may narrow the stream to a single topic.
				topics := []string{sse.DefaultTopic, stateSSETopic, notificationsSSETopic}
				if topic := s.Req.URL.Query().Get("topic"); topic == stateSSETopic || topic == notificationsSSETopic {
					topics = []string{sse.DefaultTopic, topic}
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		engine:   eng,
		sender:   sender,
		notifier: notifier,
		sendCtx:  sendCtx,
		location: location,
		logger:   logger.With(slog.String("module", "main")),
	}

	eng.Subscribe(m.publishState)
	if notifier != nil {
		notifier.Subscribe(m.publishNotifications)
	}

	return m
}

// Handler returns the routes of the API.
func (m Main) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/state", m.HandleState)
	mux.HandleFunc("GET /api/stats", m.HandleStats)

	mux.HandleFunc("POST /api/conversations", m.HandleCreateConversation)
	mux.HandleFunc("POST /api/conversations/{id}/select", m.HandleSelectConversation)
	mux.HandleFunc("DELETE /api/conversations/{id}", m.HandleDeleteConversation)
	mux.HandleFunc("GET /api/conversations/{id}/export", m.HandleExport)

	mux.HandleFunc("PUT /api/model", m.HandleSetModel)
	mux.HandleFunc("POST /api/sidebar/toggle", m.HandleToggleSidebar)

	mux.HandleFunc("GET /api/draft", m.HandleDraft)
	mux.HandleFunc("PUT /api/draft", m.HandleSetDraft)
	mux.HandleFunc("POST /api/messages", m.HandleSendMessage)

	mux.HandleFunc("GET /api/notifications", m.HandleNotifications)
	mux.HandleFunc("DELETE /api/notifications/{id}", m.HandleDismissNotification)

	mux.Handle("GET /sse", m.sseSrv)

	return mux
}

func (m Main) publishState(state models.State) {
	data, err := json.Marshal(state)
	if err != nil {
		m.logger.Error("Failed to marshal state", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{
		Type: stateSSEType,
	}
	msg.AppendData(string(data))

	if err := m.sseSrv.Publish(&msg, stateSSETopic); err != nil {
		m.logger.Error("Failed to publish state", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) publishNotifications(active []notify.Notification) {
	if active == nil {
		active = []notify.Notification{}
	}
	data, err := json.Marshal(active)
	if err != nil {
		m.logger.Error("Failed to marshal notifications", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{
		Type: notificationsSSEType,
	}
	msg.AppendData(string(data))

	if err := m.sseSrv.Publish(&msg, notificationsSSETopic); err != nil {
		m.logger.Error("Failed to publish notifications", slog.String(errLoggerKey, err.Error()))
	}
}

// Shutdown gracefully terminates the Main instance's SSE server. It broadcasts a close message to all
// connected clients and waits up to 5 seconds for connections to terminate. After the timeout, any
// remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("close")}
	// SSE requires data on every event.
	e.AppendData("bye")

	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func (m Main) respond(w http.ResponseWriter, status int, v any) {
	if err := writeJSON(w, status, v); err != nil {
		m.logger.Error("Failed to write response", slog.String(errLoggerKey, err.Error()))
	}
}
