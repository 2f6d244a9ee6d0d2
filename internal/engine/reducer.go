package engine

import (
	"slices"
	"time"

	"github.com/MegaGrindStone/chat-explorer/internal/models"
)

// Action is a state transition. The set of actions is closed: only the types in this file implement it.
type Action interface {
	action()
}

// SetConversations replaces the conversation list, used when hydrating from the store.
type SetConversations struct {
	Conversations []models.Conversation
}

// CreateConversation inserts Conversation at the front of the list and makes it active.
type CreateConversation struct {
	Conversation models.Conversation
}

// SelectConversation makes ID active if it exists.
type SelectConversation struct {
	ID string
}

// DeleteConversation removes the conversation with ID.
type DeleteConversation struct {
	ID string
}

// AppendMessage appends Message to the conversation with ConversationID.
type AppendMessage struct {
	ConversationID string
	Message        models.Message
	At             time.Time
}

// UpdateMessageContent replaces the content of the message with MessageID, in whichever conversation holds it.
type UpdateMessageContent struct {
	MessageID string
	Content   string
}

// SetModel changes the model of the conversation with ConversationID.
type SetModel struct {
	ConversationID string
	Model          string
}

// SetBusy sets the send mutual-exclusion flag.
type SetBusy struct {
	Busy bool
}

// ToggleSidebar flips sidebar visibility.
type ToggleSidebar struct{}

func (SetConversations) action()     {}
func (CreateConversation) action()   {}
func (SelectConversation) action()   {}
func (DeleteConversation) action()   {}
func (AppendMessage) action()        {}
func (UpdateMessageContent) action() {}
func (SetModel) action()             {}
func (SetBusy) action()              {}
func (ToggleSidebar) action()        {}

// Reduce applies a to s and returns the resulting state. It performs no I/O and never modifies s: every slice
// that changes is copied first, so a previously returned State stays valid for its readers.
func Reduce(s models.State, a Action) models.State {
	switch a := a.(type) {
	case SetConversations:
		s.Conversations = slices.Clone(a.Conversations)
		if _, ok := s.Conversation(s.ActiveConversationID); !ok {
			s.ActiveConversationID = ""
		}
		return s

	case CreateConversation:
		convs := make([]models.Conversation, 0, len(s.Conversations)+1)
		convs = append(convs, a.Conversation)
		convs = append(convs, s.Conversations...)
		s.Conversations = convs
		s.ActiveConversationID = a.Conversation.ID
		return s

	case SelectConversation:
		if _, ok := s.Conversation(a.ID); ok {
			s.ActiveConversationID = a.ID
		}
		return s

	case DeleteConversation:
		idx := slices.IndexFunc(s.Conversations, func(c models.Conversation) bool { return c.ID == a.ID })
		if idx == -1 {
			return s
		}
		s.Conversations = slices.Delete(slices.Clone(s.Conversations), idx, idx+1)
		if s.ActiveConversationID == a.ID {
			s.ActiveConversationID = ""
			if len(s.Conversations) > 0 {
				s.ActiveConversationID = s.Conversations[0].ID
			}
		}
		return s

	case AppendMessage:
		return updateConversation(s, a.ConversationID, func(c models.Conversation) models.Conversation {
			if a.Message.Role == models.RoleUser && c.Title == models.DefaultTitle && !c.HasUserMessage() {
				c.Title = models.TitleFromContent(a.Message.Content)
			}
			msgs := make([]models.Message, 0, len(c.Messages)+1)
			msgs = append(msgs, c.Messages...)
			c.Messages = append(msgs, a.Message)
			c.LastUpdatedAt = a.At
			return c
		})

	case UpdateMessageContent:
		for ci, c := range s.Conversations {
			mi := slices.IndexFunc(c.Messages, func(m models.Message) bool { return m.ID == a.MessageID })
			if mi == -1 {
				continue
			}
			if c.Messages[mi].Content == a.Content {
				return s
			}
			c.Messages = slices.Clone(c.Messages)
			c.Messages[mi].Content = a.Content
			s.Conversations = slices.Clone(s.Conversations)
			s.Conversations[ci] = c
			return s
		}
		return s

	case SetModel:
		return updateConversation(s, a.ConversationID, func(c models.Conversation) models.Conversation {
			c.Model = a.Model
			return c
		})

	case SetBusy:
		s.Busy = a.Busy
		return s

	case ToggleSidebar:
		s.SidebarVisible = !s.SidebarVisible
		return s
	}
	return s
}

func updateConversation(
	s models.State,
	id string,
	fn func(models.Conversation) models.Conversation,
) models.State {
	idx := slices.IndexFunc(s.Conversations, func(c models.Conversation) bool { return c.ID == id })
	if idx == -1 {
		return s
	}
	s.Conversations = slices.Clone(s.Conversations)
	s.Conversations[idx] = fn(s.Conversations[idx])
	return s
}

// sameConversations reports whether a and b share the same backing list, which is how Reduce signals that
// the conversations were left untouched.
func sameConversations(a, b []models.Conversation) bool {
	if len(a) != len(b) {
		return false
	}
	return len(a) == 0 || &a[0] == &b[0]
}
