package handlers

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/chat-explorer/internal/export"
	"github.com/MegaGrindStone/chat-explorer/internal/models"
	"github.com/MegaGrindStone/chat-explorer/internal/notify"
)

type statsResponse struct {
	ConversationID  string `json:"conversationId"`
	Messages        int    `json:"messages"`
	EstimatedTokens int    `json:"estimatedTokens"`
}

// HandleState returns the current state snapshot.
func (m Main) HandleState(w http.ResponseWriter, _ *http.Request) {
	state := m.engine.State()
	if state.Conversations == nil {
		state.Conversations = []models.Conversation{}
	}
	m.respond(w, http.StatusOK, state)
}

// HandleStats returns the message count and estimated tokens of the conversation named by the
// conversation_id query parameter, or of the active conversation.
func (m Main) HandleStats(w http.ResponseWriter, r *http.Request) {
	state := m.engine.State()

	id := r.URL.Query().Get("conversation_id")
	if id == "" {
		id = state.ActiveConversationID
	}
	if _, ok := state.Conversation(id); !ok {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}

	stats := m.engine.Stats(id)
	m.respond(w, http.StatusOK, statsResponse{
		ConversationID:  id,
		Messages:        stats.Messages,
		EstimatedTokens: stats.EstimatedTokens,
	})
}

// HandleExport downloads the conversation in the path as a markdown transcript.
func (m Main) HandleExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, ok := m.engine.State().Conversation(id)
	if !ok {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename(conv.Title)))
	if _, err := w.Write([]byte(export.Markdown(conv, m.location))); err != nil {
		m.logger.Error("Failed to write transcript",
			slog.String("conversationID", id),
			slog.String(errLoggerKey, err.Error()))
	}
}

// HandleNotifications returns the active notifications, oldest first.
func (m Main) HandleNotifications(w http.ResponseWriter, _ *http.Request) {
	active := []notify.Notification{}
	if m.notifier != nil {
		if a := m.notifier.Active(); a != nil {
			active = a
		}
	}
	m.respond(w, http.StatusOK, active)
}

// HandleDismissNotification removes the notification in the path before it expires.
func (m Main) HandleDismissNotification(w http.ResponseWriter, r *http.Request) {
	if m.notifier != nil {
		m.notifier.Remove(r.PathValue("id"))
	}
	w.WriteHeader(http.StatusNoContent)
}
