// Package prompt turns conversations into instruction-framed prompts and keeps
// the catalogue of system prompt presets.
package prompt

import (
	"strings"

	"github.com/wuwenbin0122/jechat/internal/models"
)

const (
	instOpen  = "<s>[INST] "
	instClose = " [/INST]"
)

// Build renders messages in the Mistral-instruct format expected by
// zephyr/mistral style models. System and user turns are wrapped in
// [INST] blocks, assistant turns are appended as plain text, and the prompt
// ends with a single space so the model continues as the assistant.
func Build(messages []models.Message) string {
	var builder strings.Builder
	for _, msg := range messages {
		content := strings.TrimSpace(msg.Content)
		switch msg.Role {
		case models.RoleSystem, models.RoleUser:
			builder.WriteString(instOpen)
			builder.WriteString(content)
			builder.WriteString(instClose)
		case models.RoleAssistant:
			builder.WriteString(" ")
			builder.WriteString(content)
			builder.WriteString(" ")
		}
	}
	builder.WriteString(" ")
	return builder.String()
}
