package store

import "time"

// Role identifies the author of one half of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Attachment is a reference to an external artifact mentioned in a turn.
// Only the URL and a short prompt are stored, never raw binary.
type Attachment struct {
	URL    string
	Prompt string
}

// ConversationTurn represents one user/assistant exchange.
// Turns are append-only: once created they are never mutated, only removed
// by session eviction or explicit deletion.
type ConversationTurn struct {
	TurnID     string
	UserID     string
	ChatID     string
	UserPrompt string
	AIResponse string
	Timestamp  time.Time
	Attachment *Attachment
}

// FindConversationTurn specifies the conditions for finding turns.
type FindConversationTurn struct {
	UserID string
	ChatID string // empty means all chats of the user
	Limit  int
}
