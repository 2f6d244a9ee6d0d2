package models

import "time"

// Message is an individual entry of a conversation. Its identity is fixed at creation; Content is the only
// field that changes afterwards, while the message is the target of a streamed response.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Model     string    `json:"model,omitempty"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the model.
	RoleAssistant Role = "assistant"
	// RoleSystem represents an instruction message.
	RoleSystem Role = "system"
	// RoleError represents a message that only carries an error description.
	RoleError Role = "error"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleError:
		return true
	}
	return false
}

// Turn is the provider-facing view of a message: only its role and content.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatOptions are the options sent along with a history to a streaming provider.
type ChatOptions struct {
	Model  string
	Stream bool
}

// Chunk is an incremental piece of generated text. Text is an additive delta, never a full snapshot.
type Chunk struct {
	Text string
}
