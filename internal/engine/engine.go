// Package engine owns the authoritative conversation state. All changes go through Reduce; the Engine wraps it
// with id and clock generation, persistence of the conversation list after every committed change, and
// observer notification in commit order.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/chat-explorer/internal/models"
	"github.com/google/uuid"
)

// Store persists the conversation list under a single key. Load reports false when nothing is stored.
type Store interface {
	Load(ctx context.Context, key string) ([]models.Conversation, bool, error)
	Save(ctx context.Context, key string, conversations []models.Conversation) error
}

// Config holds the optional collaborators of an Engine. Zero values fall back to sensible defaults.
type Config struct {
	// Key is the store key the conversation list is kept under.
	Key string
	// DefaultModel is used for new conversations until a model is chosen.
	DefaultModel   string
	SidebarVisible bool

	Logger *slog.Logger
	Now    func() time.Time
	NewID  func(prefix string) string
	// OnPersistError is called, outside of the engine lock, whenever saving the conversation list fails.
	OnPersistError func(error)
}

// Stats summarizes a single conversation.
type Stats struct {
	Messages        int `json:"messages"`
	EstimatedTokens int `json:"estimatedTokens"`
}

// DefaultStoreKey is the key conversations are stored under when Config.Key is empty.
const DefaultStoreKey = "ai-chat-explorer-chats"

const errLoggerKey = "error"

// Engine is the single writer of the conversation state. It is safe for concurrent use; each operation is an
// atomic transition producing a new immutable State.
type Engine struct {
	store          Store
	key            string
	defaultModel   string
	lastModel      string
	now            func() time.Time
	newID          func(prefix string) string
	onPersistError func(error)
	logger         *slog.Logger

	mu    sync.Mutex
	state models.State

	// notifyMu is taken before mu is released so observers see commits in order.
	notifyMu  sync.Mutex
	observers []func(models.State)
}

// New creates an Engine hydrated from store. A missing or unreadable stored list leaves the engine empty; the
// failure is logged and the session continues.
func New(ctx context.Context, store Store, cfg Config) *Engine {
	e := &Engine{
		store:          store,
		key:            cfg.Key,
		defaultModel:   cfg.DefaultModel,
		now:            cfg.Now,
		newID:          cfg.NewID,
		onPersistError: cfg.OnPersistError,
		logger:         cfg.Logger,
	}
	if e.key == "" {
		e.key = DefaultStoreKey
	}
	if e.defaultModel == "" {
		e.defaultModel = models.DefaultModel
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = func(prefix string) string { return prefix + uuid.NewString() }
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With(slog.String("module", "engine"))
	e.lastModel = e.defaultModel

	state := models.State{SidebarVisible: cfg.SidebarVisible}
	if store != nil {
		convs, found, err := store.Load(ctx, e.key)
		switch {
		case err != nil:
			e.logger.Warn("Failed to load conversations, starting empty",
				slog.String("key", e.key),
				slog.String(errLoggerKey, err.Error()))
		case found:
			state = Reduce(state, SetConversations{Conversations: convs})
			if len(convs) > 0 && convs[0].Model != "" {
				e.lastModel = convs[0].Model
			}
			e.logger.Info("Loaded conversations", slog.Int("count", len(convs)))
		}
	}
	e.state = state

	return e
}

// State returns the current snapshot. Callers must treat it as read-only.
func (e *Engine) State() models.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Subscribe registers fn to be called with every committed state, in commit order. fn must not call back into
// the engine's mutating operations.
func (e *Engine) Subscribe(fn func(models.State)) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	e.observers = append(e.observers, fn)
}

// Dispatch applies a to the current state, persists the conversation list if it changed and notifies
// observers. It returns the committed state.
func (e *Engine) Dispatch(a Action) models.State {
	e.mu.Lock()
	next := e.commitLocked(a)
	return e.publishAndUnlock(next)
}

// commitLocked applies actions in order as one commit and persists the result. e.mu must be held.
func (e *Engine) commitLocked(actions ...Action) committed {
	prev := e.state
	next := prev
	for _, a := range actions {
		next = Reduce(next, a)
	}
	e.state = next

	c := committed{state: next}
	c.changed = next.Busy != prev.Busy ||
		next.SidebarVisible != prev.SidebarVisible ||
		next.ActiveConversationID != prev.ActiveConversationID ||
		!sameConversations(next.Conversations, prev.Conversations)

	if e.store != nil && !sameConversations(next.Conversations, prev.Conversations) {
		if err := e.store.Save(context.Background(), e.key, next.Conversations); err != nil {
			e.logger.Error("Failed to persist conversations",
				slog.String("key", e.key),
				slog.String(errLoggerKey, err.Error()))
			c.persistErr = fmt.Errorf("failed to persist conversations: %w", err)
		}
	}
	return c
}

type committed struct {
	state      models.State
	changed    bool
	persistErr error
}

// publishAndUnlock releases e.mu and notifies observers, keeping commit order.
func (e *Engine) publishAndUnlock(c committed) models.State {
	e.notifyMu.Lock()
	e.mu.Unlock()
	defer e.notifyMu.Unlock()

	if c.persistErr != nil && e.onPersistError != nil {
		e.onPersistError(c.persistErr)
	}
	if c.changed {
		for _, fn := range e.observers {
			fn(c.state)
		}
	}
	return c.state
}

// uniqueIDLocked returns a fresh id that no conversation or message currently uses. e.mu must be held.
func (e *Engine) uniqueIDLocked(prefix string) string {
	for {
		id := e.newID(prefix)
		if _, ok := e.state.Conversation(id); ok {
			continue
		}
		if e.state.HasMessage(id) {
			continue
		}
		return id
	}
}

// CreateConversation inserts a new, empty conversation at the front of the list using the last used model and
// makes it active.
func (e *Engine) CreateConversation() models.Conversation {
	e.mu.Lock()
	now := e.now()
	conv := models.Conversation{
		ID:            e.uniqueIDLocked("chat_"),
		Title:         models.DefaultTitle,
		Messages:      []models.Message{},
		Model:         e.lastModel,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	c := e.commitLocked(CreateConversation{Conversation: conv})
	e.publishAndUnlock(c)
	return conv
}

// SelectConversation makes id the active conversation if it exists.
func (e *Engine) SelectConversation(id string) {
	e.Dispatch(SelectConversation{ID: id})
}

// DeleteConversation removes the conversation with id, or the active one if id is empty.
func (e *Engine) DeleteConversation(id string) {
	e.mu.Lock()
	if id == "" {
		id = e.state.ActiveConversationID
	}
	if id == "" {
		e.mu.Unlock()
		return
	}
	c := e.commitLocked(DeleteConversation{ID: id})
	e.publishAndUnlock(c)
}

// AppendMessage appends a new message to the active conversation. It reports false, changing nothing, when no
// conversation is active.
func (e *Engine) AppendMessage(role models.Role, content, model string) (models.Message, bool) {
	e.mu.Lock()
	convID := e.state.ActiveConversationID
	if convID == "" {
		e.mu.Unlock()
		return models.Message{}, false
	}
	now := e.now()
	msg := models.Message{
		ID:        e.uniqueIDLocked("msg_"),
		Role:      role,
		Content:   content,
		Timestamp: now,
		Model:     model,
	}
	c := e.commitLocked(AppendMessage{ConversationID: convID, Message: msg, At: now})
	e.publishAndUnlock(c)
	return msg, true
}

// UpdateMessageContent replaces the content of the message with id in whichever conversation holds it.
// Unknown ids are ignored.
func (e *Engine) UpdateMessageContent(id, content string) {
	e.Dispatch(UpdateMessageContent{MessageID: id, Content: content})
}

// SetModel sets the model of the active conversation. It does nothing when no conversation is active.
func (e *Engine) SetModel(model string) {
	e.mu.Lock()
	convID := e.state.ActiveConversationID
	if convID == "" {
		e.mu.Unlock()
		return
	}
	e.lastModel = model
	c := e.commitLocked(SetModel{ConversationID: convID, Model: model})
	e.publishAndUnlock(c)
}

// SetBusy sets the busy flag unconditionally.
func (e *Engine) SetBusy(busy bool) {
	e.Dispatch(SetBusy{Busy: busy})
}

// TryAcquireBusy sets the busy flag if it is clear and reports whether it did.
func (e *Engine) TryAcquireBusy() bool {
	e.mu.Lock()
	if e.state.Busy {
		e.mu.Unlock()
		return false
	}
	c := e.commitLocked(SetBusy{Busy: true})
	e.publishAndUnlock(c)
	return true
}

// BeginTurn starts an exchange in the active conversation as a single commit: it takes the busy flag and
// appends a user message with content followed by an empty assistant placeholder carrying the conversation's
// model. It returns the conversation as it was before the user message. It reports false, changing nothing,
// when the engine is busy or no conversation is active.
func (e *Engine) BeginTurn(content string) (models.Conversation, models.Message, models.Message, bool) {
	e.mu.Lock()
	conv, ok := e.state.ActiveConversation()
	if !ok || e.state.Busy {
		e.mu.Unlock()
		return models.Conversation{}, models.Message{}, models.Message{}, false
	}

	now := e.now()
	user := models.Message{
		ID:        e.uniqueIDLocked("msg_"),
		Role:      models.RoleUser,
		Content:   content,
		Timestamp: now,
	}
	placeholder := models.Message{
		ID:        e.uniqueIDLocked("msg_"),
		Role:      models.RoleAssistant,
		Timestamp: now,
		Model:     conv.Model,
	}
	for placeholder.ID == user.ID {
		placeholder.ID = e.uniqueIDLocked("msg_")
	}

	c := e.commitLocked(
		SetBusy{Busy: true},
		AppendMessage{ConversationID: conv.ID, Message: user, At: now},
		AppendMessage{ConversationID: conv.ID, Message: placeholder, At: now},
	)
	e.publishAndUnlock(c)
	return conv, user, placeholder, true
}

// ToggleSidebar flips the sidebar visibility flag.
func (e *Engine) ToggleSidebar() {
	e.Dispatch(ToggleSidebar{})
}

// ActiveConversation returns the active conversation, if any.
func (e *Engine) ActiveConversation() (models.Conversation, bool) {
	return e.State().ActiveConversation()
}

// Stats summarizes the conversation with id. The zero Stats is returned for unknown ids.
func (e *Engine) Stats(id string) Stats {
	conv, ok := e.State().Conversation(id)
	if !ok {
		return Stats{}
	}
	return Stats{
		Messages:        len(conv.Messages),
		EstimatedTokens: conv.EstimatedTokens(),
	}
}
