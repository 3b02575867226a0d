package domain

import "time"

// Turn is one completed exchange. Turns are append-only.
type Turn struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	UserMessage      string    `json:"user_message"`
	AssistantMessage string    `json:"assistant_message"`
	CitedChunkIDs    []string  `json:"cited_chunk_ids"`
	CreatedAt        time.Time `json:"created_at"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest is a fully assembled prompt for a single LLM call.
type GenerateRequest struct {
	System   string
	Messages []ChatMessage
}
