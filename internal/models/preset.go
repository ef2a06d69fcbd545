package models

import "time"

// Preset is a named system prompt that steers the model.
type Preset struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	SystemPrompt string    `json:"system_prompt"`
	Builtin      bool      `json:"builtin"`
	CreatedAt    time.Time `json:"created_at"`
}
