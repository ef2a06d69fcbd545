package models

import "time"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	StageChat        = "chat"
	StageNeedProblem = "need_problem"
	StageNeedClarify = "need_clarify"
	StageDone        = "done"
)

// Message is a single chat turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is the server side replacement for a browser chat session.
// Messages[0] is always the system prompt of the selected preset.
type Conversation struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Model     string           `json:"model"`
	PresetID  string           `json:"preset_id"`
	Stage     string           `json:"stage"`
	Messages  []Message        `json:"messages"`
	Params    GenerationParams `json:"params"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Clone returns a deep copy so stores never share message slices with callers.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Messages = append([]Message(nil), c.Messages...)
	if c.Params.DoSample != nil {
		sample := *c.Params.DoSample
		clone.Params.DoSample = &sample
	}
	return &clone
}

// VisibleMessages returns the messages a user should see (no system prompts).
func (c *Conversation) VisibleMessages() []Message {
	result := make([]Message, 0, len(c.Messages))
	for _, msg := range c.Messages {
		if msg.Role == RoleSystem {
			continue
		}
		result = append(result, msg)
	}
	return result
}

// LastAssistant returns the most recent assistant message, if any.
func (c *Conversation) LastAssistant() (Message, bool) {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleAssistant {
			return c.Messages[i], true
		}
	}
	return Message{}, false
}

// IsDiagnosis reports whether the conversation runs the staged problem-solving flow.
func (c *Conversation) IsDiagnosis() bool {
	switch c.Stage {
	case StageNeedProblem, StageNeedClarify, StageDone:
		return true
	default:
		return false
	}
}
