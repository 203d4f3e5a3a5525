package models

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is one entry of a chat. TokenCount <= 0 means it was never estimated.
type Message struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chat_id"`
	Role       Role      `json:"role"`
	Parts      Parts     `json:"parts"`
	CreatedAt  time.Time `json:"created_at"`
	TokenCount int       `json:"token_count,omitempty"`
}

// Text joins the text parts of the message.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// HasToolParts reports whether any part is a tool call or a tool result.
func (m Message) HasToolParts() bool {
	for _, p := range m.Parts {
		switch p.(type) {
		case ToolCallPart, ToolResultPart:
			return true
		}
	}
	return false
}

// Persistable returns a copy that keeps only text and step markers.
// The cached token count is cleared because the parts changed.
func (m Message) Persistable() Message {
	out := m
	out.Parts = make(Parts, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.(type) {
		case TextPart, StepStartPart, StepFinishPart:
			out.Parts = append(out.Parts, p)
		}
	}
	out.TokenCount = 0
	return out
}

// NewUserMessage builds a single-text user message.
func NewUserMessage(id, chatID, text string) Message {
	return Message{
		ID:        id,
		ChatID:    chatID,
		Role:      RoleUser,
		Parts:     Parts{TextPart{Text: text}},
		CreatedAt: time.Now().UTC(),
	}
}
