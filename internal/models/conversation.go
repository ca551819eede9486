package models

import "time"

// Conversation groups an ordered sequence of messages.
type Conversation struct {
	ID        string     `json:"conversation_id"`
	Title     string     `json:"title"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Messages  []*Message `json:"messages"`
}

type ConversationSummary struct {
	ID        string    `json:"conversation_id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
}
