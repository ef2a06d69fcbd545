// Package export renders conversations as downloadable Markdown or JSON.
package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wuwenbin0122/jechat/internal/models"
)

var (
	ErrUnsupportedFormat = errors.New("export: unsupported format")
	ErrNilConversation   = errors.New("export: conversation is nil")
)

// Exporter converts a conversation to a file body.
type Exporter interface {
	Export(conv *models.Conversation) ([]byte, error)
	FileExtension() string
	MimeType() string
}

type Options struct {
	// IncludeSystem keeps system prompts in the output. Only JSON honours it.
	IncludeSystem bool
	Now           func() time.Time
}

// ForFormat picks an exporter by name.
func ForFormat(format string, opts Options) (Exporter, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "md", "markdown":
		return MarkdownExporter{}, nil
	case "json":
		return JSONExporter{opts: opts}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// Filename is the download name for the exported file.
func Filename(exporter Exporter) string {
	return "chat" + exporter.FileExtension()
}

// MarkdownExporter writes "**role**: content" per visible turn, separated by
// blank lines.
type MarkdownExporter struct{}

func (MarkdownExporter) Export(conv *models.Conversation) ([]byte, error) {
	if conv == nil {
		return nil, ErrNilConversation
	}

	visible := conv.VisibleMessages()
	parts := make([]string, 0, len(visible))
	for _, msg := range visible {
		parts = append(parts, fmt.Sprintf("**%s**: %s", msg.Role, msg.Content))
	}
	return []byte(strings.Join(parts, "\n\n")), nil
}

func (MarkdownExporter) FileExtension() string { return ".md" }

func (MarkdownExporter) MimeType() string { return "text/markdown; charset=utf-8" }

type jsonMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type jsonDocument struct {
	ID         string                  `json:"id"`
	Title      string                  `json:"title"`
	Model      string                  `json:"model"`
	Preset     string                  `json:"preset"`
	Params     models.GenerationParams `json:"params"`
	ExportedAt time.Time               `json:"exported_at"`
	Messages   []jsonMessage           `json:"messages"`
}

type JSONExporter struct {
	opts Options
}

func (e JSONExporter) Export(conv *models.Conversation) ([]byte, error) {
	if conv == nil {
		return nil, ErrNilConversation
	}

	source := conv.Messages
	if !e.opts.IncludeSystem {
		source = conv.VisibleMessages()
	}

	now := time.Now
	if e.opts.Now != nil {
		now = e.opts.Now
	}

	doc := jsonDocument{
		ID:         conv.ID,
		Title:      conv.Title,
		Model:      conv.Model,
		Preset:     conv.PresetID,
		Params:     conv.Params,
		ExportedAt: now().UTC(),
		Messages:   make([]jsonMessage, 0, len(source)),
	}
	for _, msg := range source {
		doc.Messages = append(doc.Messages, jsonMessage{Role: msg.Role, Content: msg.Content, CreatedAt: msg.CreatedAt})
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export: marshal json: %w", err)
	}
	return data, nil
}

func (JSONExporter) FileExtension() string { return ".json" }

func (JSONExporter) MimeType() string { return "application/json" }
