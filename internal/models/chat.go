package models

import (
	"strings"
	"time"
)

// Message represents an individual entry of a conversation sent to the upstream model. It contains the
// participant's role, the text content, and the time when the message was created.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Turn is one question and its answer. The answer grows while the response is streamed and is final
// once the stream ends. Errored marks a turn whose stream was interrupted or failed; the partial answer
// is kept.
type Turn struct {
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Errored   bool      `json:"errored"`
	CreatedAt time.Time `json:"createdAt"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the model.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Prompt returns the conversation that should be relayed upstream. It fails with ErrInvalidRequest if
// the conversation is empty, contains an unknown role, or does not end with a non-blank user message.
func Prompt(messages []Message) ([]Message, error) {
	if len(messages) == 0 {
		return nil, ErrInvalidRequest
	}
	for _, msg := range messages {
		if !msg.Role.Valid() {
			return nil, ErrInvalidRequest
		}
	}
	last := messages[len(messages)-1]
	if last.Role != RoleUser || strings.TrimSpace(last.Content) == "" {
		return nil, ErrInvalidRequest
	}
	return messages, nil
}

// LastQuestion returns the content of the last user message.
func LastQuestion(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
