package models

import (
	"time"
	"unicode/utf8"
)

const (
	// DefaultTitle is the placeholder title of a conversation until its first user message arrives.
	DefaultTitle = "New Chat"

	// DefaultModel is used for new conversations when no model has been selected yet.
	DefaultModel = "claude-opus-4"

	titleMaxRunes = 35
	titleEllipsis = "..."
)

// Conversation is a titled, ordered sequence of messages with an associated model selection. Messages are
// append-only: their order is the display order and is never rearranged.
type Conversation struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Messages      []Message `json:"messages"`
	Model         string    `json:"model"`
	CreatedAt     time.Time `json:"createdAt"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

// State is the process-wide snapshot of every conversation. A State value is immutable once published:
// transitions build a new State and never write into the slices of a previous one.
type State struct {
	Conversations []Conversation `json:"conversations"`
	// ActiveConversationID is empty when no conversation is active.
	ActiveConversationID string `json:"activeConversationId,omitempty"`
	Busy                 bool   `json:"busy"`
	SidebarVisible       bool   `json:"sidebarVisible"`
}

// Conversation returns the conversation with the given id.
func (s State) Conversation(id string) (Conversation, bool) {
	if id == "" {
		return Conversation{}, false
	}
	for _, c := range s.Conversations {
		if c.ID == id {
			return c, true
		}
	}
	return Conversation{}, false
}

// ActiveConversation returns the active conversation, if any.
func (s State) ActiveConversation() (Conversation, bool) {
	return s.Conversation(s.ActiveConversationID)
}

// HasMessage reports whether a message with the given id exists in any conversation.
func (s State) HasMessage(id string) bool {
	for _, c := range s.Conversations {
		for _, m := range c.Messages {
			if m.ID == id {
				return true
			}
		}
	}
	return false
}

// HasUserMessage reports whether the conversation already holds a user-authored message.
func (c Conversation) HasUserMessage() bool {
	for _, m := range c.Messages {
		if m.Role == RoleUser {
			return true
		}
	}
	return false
}

// History returns the role and content of every message in display order.
func (c Conversation) History() []Turn {
	turns := make([]Turn, len(c.Messages))
	for i, m := range c.Messages {
		turns[i] = Turn{Role: m.Role, Content: m.Content}
	}
	return turns
}

// EstimatedTokens is a rough token count for the whole conversation.
func (c Conversation) EstimatedTokens() int {
	total := 0
	for _, m := range c.Messages {
		total += EstimateTokens(m.Content)
	}
	return total
}

// TitleFromContent derives a conversation title from the first user message: the first 35 characters,
// followed by an ellipsis when the content was longer.
func TitleFromContent(content string) string {
	if utf8.RuneCountInString(content) <= titleMaxRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:titleMaxRunes]) + titleEllipsis
}

// EstimateTokens approximates the token count of text at four characters per token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
