package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/chat-explorer/internal/chat"
)

type modelRequest struct {
	Model string `json:"model"`
}

type draftRequest struct {
	Content string `json:"content"`
}

type sendRequest struct {
	// Content replaces the draft before sending when set.
	Content *string `json:"content"`
}

type sendResponse struct {
	MessageID string       `json:"messageId"`
	Result    *chat.Result `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// HandleCreateConversation creates a new conversation and makes it active.
func (m Main) HandleCreateConversation(w http.ResponseWriter, _ *http.Request) {
	conv := m.engine.CreateConversation()
	m.respond(w, http.StatusCreated, conv)
}

// HandleSelectConversation makes the conversation in the path active.
func (m Main) HandleSelectConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := m.engine.State().Conversation(id); !ok {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}

	m.engine.SelectConversation(id)
	w.WriteHeader(http.StatusNoContent)
}

// HandleDeleteConversation deletes the conversation in the path. Deleting the active conversation activates the
// first remaining one.
func (m Main) HandleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := m.engine.State().Conversation(id); !ok {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}

	m.engine.DeleteConversation(id)
	w.WriteHeader(http.StatusNoContent)
}

// HandleSetModel changes the model of the active conversation.
func (m Main) HandleSetModel(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := decodeJSON(r, &req); err != nil {
		m.logger.Error("Failed to decode request", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		http.Error(w, "Model is required", http.StatusBadRequest)
		return
	}
	if _, ok := m.engine.State().ActiveConversation(); !ok {
		http.Error(w, "No active conversation", http.StatusConflict)
		return
	}

	m.engine.SetModel(model)
	m.respond(w, http.StatusOK, m.engine.State())
}

// HandleToggleSidebar flips the sidebar visibility.
func (m Main) HandleToggleSidebar(w http.ResponseWriter, _ *http.Request) {
	m.engine.ToggleSidebar()
	m.respond(w, http.StatusOK, m.engine.State())
}

// HandleDraft returns the input buffer.
func (m Main) HandleDraft(w http.ResponseWriter, _ *http.Request) {
	m.respond(w, http.StatusOK, draftRequest{Content: m.sender.Draft()})
}

// HandleSetDraft replaces the input buffer.
func (m Main) HandleSetDraft(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if err := decodeJSON(r, &req); err != nil {
		m.logger.Error("Failed to decode request", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.sender.SetDraft(req.Content)
	w.WriteHeader(http.StatusNoContent)
}

// HandleSendMessage sends the draft to the model of the active conversation. The response carries the id of
// the assistant message the reply streams into; its content follows through the state events. With
// ?wait=true the handler blocks until the send ends and includes its result.
//
// A send that is rejected, because the draft is empty, no conversation is active or another send is in
// flight, answers 204 and changes nothing.
func (m Main) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		m.logger.Error("Failed to decode request", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var (
		messageID string
		done      <-chan chat.Result
		ok        bool
	)
	if req.Content != nil {
		messageID, done, ok = m.sender.StartWith(m.sendCtx, *req.Content)
	} else {
		messageID, done, ok = m.sender.Start(m.sendCtx)
	}
	if !ok {
		m.logger.Debug("Send rejected")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.URL.Query().Get("wait") != "true" {
		go m.awaitSend(messageID, done)
		m.respond(w, http.StatusAccepted, sendResponse{MessageID: messageID})
		return
	}

	var res chat.Result
	select {
	case res = <-done:
	case <-r.Context().Done():
		go m.awaitSend(messageID, done)
		return
	}

	resp := sendResponse{MessageID: messageID, Result: &res}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	m.respond(w, http.StatusOK, resp)
}

func (m Main) awaitSend(messageID string, done <-chan chat.Result) {
	res := <-done
	if res.Err != nil {
		// The controller has already reported the failure to the user.
		m.logger.Debug("Send failed",
			slog.String("messageID", messageID),
			slog.String(errLoggerKey, res.Err.Error()))
		return
	}
	m.logger.Debug("Send finished",
		slog.String("messageID", messageID),
		slog.String("phase", string(res.Phase)))
}

// decodeJSON decodes the request body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
