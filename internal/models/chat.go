package models

import "time"

// Chat groups a sequence of messages.
type Chat struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	LastContext *UsageRecord `json:"last_context,omitempty"`
}
