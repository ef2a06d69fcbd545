package models

import "time"

// GenerationEvent is one analytics record per model call (or cache hit).
type GenerationEvent struct {
	ID             string    `json:"id" bson:"_id"`
	ConversationID string    `json:"conversation_id" bson:"conversation_id"`
	Model          string    `json:"model" bson:"model"`
	PresetID       string    `json:"preset_id" bson:"preset_id"`
	Stage          string    `json:"stage,omitempty" bson:"stage,omitempty"`
	PromptChars    int       `json:"prompt_chars" bson:"prompt_chars"`
	ResponseChars  int       `json:"response_chars" bson:"response_chars"`
	MaxNewTokens   int       `json:"max_new_tokens" bson:"max_new_tokens"`
	Cached         bool      `json:"cached" bson:"cached"`
	LatencyMS      int64     `json:"latency_ms" bson:"latency_ms"`
	Error          string    `json:"error,omitempty" bson:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at" bson:"created_at"`
}
