package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/jechat/internal/analytics"
	"github.com/wuwenbin0122/jechat/internal/cache"
	"github.com/wuwenbin0122/jechat/internal/db"
	"github.com/wuwenbin0122/jechat/internal/export"
	"github.com/wuwenbin0122/jechat/internal/metrics"
	"github.com/wuwenbin0122/jechat/internal/models"
	"github.com/wuwenbin0122/jechat/internal/prompt"
)

const (
	ModeChat      = "chat"
	ModeDiagnosis = "diagnosis"

	maxTitleRunes = 60
)

var (
	ErrEmptyMessage     = errors.New("chat: message cannot be empty")
	ErrConversationDone = errors.New("chat: analysis is complete, start a new one")
	ErrUnknownModel     = errors.New("chat: model is not available")
	ErrUnknownMode      = errors.New("chat: unknown conversation mode")
	ErrNotFound         = errors.New("chat: conversation not found")
)

type ChatConfig struct {
	DefaultModel string
	Models       []string
	Defaults     models.GenerationParams
	CacheTTL     time.Duration
}

// ChatService owns conversation state and turns user input into model replies.
type ChatService struct {
	store     db.ConversationStore
	presets   *PresetService
	generator Generator
	cache     cache.Cache
	recorder  *analytics.Recorder
	cfg       ChatConfig
	logger    *zap.SugaredLogger
	locker    Locker
	now       func() time.Time
}

func NewChatService(cfg ChatConfig, store db.ConversationStore, presets *PresetService, generator Generator, replyCache cache.Cache, recorder *analytics.Recorder, logger *zap.SugaredLogger) *ChatService {
	if replyCache == nil {
		replyCache = cache.NoopCache{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Defaults.MaxNewTokens == 0 {
		cfg.Defaults = models.DefaultParams()
	}
	if cfg.DefaultModel == "" && len(cfg.Models) > 0 {
		cfg.DefaultModel = cfg.Models[0]
	}

	return &ChatService{
		store:     store,
		presets:   presets,
		generator: generator,
		cache:     replyCache,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger,
		locker:    NewLocalLocker(),
		now:       time.Now,
	}
}

// WithLocker replaces the in-process conversation lock.
func (s *ChatService) WithLocker(locker Locker) *ChatService {
	if locker != nil {
		s.locker = locker
	}
	return s
}

// Models lists the models offered by the model selector.
func (s *ChatService) Models() []string {
	return append([]string(nil), s.cfg.Models...)
}

func (s *ChatService) DefaultModel() string {
	return s.cfg.DefaultModel
}

func (s *ChatService) DefaultParams() models.GenerationParams {
	return s.cfg.Defaults
}

type StartInput struct {
	PresetID string
	Model    string
	Mode     string
	Title    string
	Params   models.GenerationParams
}

// StartConversation creates a conversation seeded with the preset's system prompt.
func (s *ChatService) StartConversation(ctx context.Context, input StartInput) (*models.Conversation, error) {
	preset, err := s.presets.Get(input.PresetID)
	if err != nil {
		return nil, err
	}

	model, err := s.resolveModel(input.Model)
	if err != nil {
		return nil, err
	}

	if err := input.Params.Validate(); err != nil {
		return nil, err
	}

	stage, err := initialStage(input.Mode)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	conv := &models.Conversation{
		ID:       uuid.NewString(),
		Title:    strings.TrimSpace(input.Title),
		Model:    model,
		PresetID: preset.ID,
		Stage:    stage,
		Messages: []models.Message{{
			Role:      models.RoleSystem,
			Content:   preset.SystemPrompt,
			CreatedAt: now,
		}},
		Params:    s.cfg.Defaults.Merge(input.Params),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("chat: create conversation: %w", err)
	}
	metrics.ConversationsCreatedTotal.WithLabelValues(preset.ID).Inc()

	return conv, nil
}

func (s *ChatService) Get(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrConversationNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("chat: load conversation: %w", err)
	}
	return conv, nil
}

// Reply is the outcome of one user turn.
type Reply struct {
	Message      models.Message
	Cached       bool
	Conversation *models.Conversation
}

// SendMessage appends the user turn, asks the model for a reply and stores
// both. On failure the conversation is left unchanged so the user can retry.
func (s *ChatService) SendMessage(ctx context.Context, id, text string, override models.GenerationParams) (*Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if err := override.Validate(); err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conv, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Stage == models.StageDone {
		return nil, ErrConversationDone
	}

	now := s.now().UTC()
	params := conv.Params.Merge(override)
	conv.Messages = append(conv.Messages, models.Message{Role: models.RoleUser, Content: text, CreatedAt: now})

	var step prompt.Step
	diagnosis := conv.IsDiagnosis()
	if diagnosis {
		step, _ = prompt.DiagnosisStep(conv.Stage)
		conv.Messages = append(conv.Messages, models.Message{Role: models.RoleSystem, Content: step.Instruction, CreatedAt: now})
		if override.MaxNewTokens == 0 {
			params.MaxNewTokens = step.MaxNewTokens
		}
	}

	if conv.Title == "" {
		conv.Title = titleFrom(text)
	}

	rendered := prompt.Build(conv.Messages)
	key := cache.Key(conv.Model, rendered, params)

	event := models.GenerationEvent{
		ConversationID: conv.ID,
		Model:          conv.Model,
		PresetID:       conv.PresetID,
		Stage:          conv.Stage,
		PromptChars:    len(rendered),
		MaxNewTokens:   params.MaxNewTokens,
	}

	started := s.now()
	replyText, cached := s.cache.Get(ctx, key)
	if !cached {
		replyText, err = s.generator.Generate(ctx, conv.Model, rendered, params)
		event.LatencyMS = s.now().Sub(started).Milliseconds()
		if err != nil {
			event.Error = err.Error()
			s.recorder.Record(ctx, event)
			s.logger.Warnw("generation failed", "conversation_id", conv.ID, "model", conv.Model, "error", err)
			return nil, err
		}
		s.cache.Set(ctx, key, replyText, s.cfg.CacheTTL)
	}
	event.Cached = cached
	event.ResponseChars = len(replyText)

	reply := models.Message{Role: models.RoleAssistant, Content: replyText, CreatedAt: s.now().UTC()}
	conv.Messages = append(conv.Messages, reply)
	if diagnosis {
		conv.Stage = step.Next
	}
	conv.UpdatedAt = reply.CreatedAt

	if err := s.store.Save(ctx, conv); err != nil {
		return nil, fmt.Errorf("chat: save conversation: %w", err)
	}
	s.recorder.Record(ctx, event)

	return &Reply{Message: reply, Cached: cached, Conversation: conv}, nil
}

// Reset keeps only the system prompt and restarts the flow.
func (s *ChatService) Reset(ctx context.Context, id string) (*models.Conversation, error) {
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conv, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if len(conv.Messages) > 1 {
		conv.Messages = conv.Messages[:1]
	}
	if conv.IsDiagnosis() {
		conv.Stage = models.StageNeedProblem
	}
	conv.Title = ""
	conv.UpdatedAt = s.now().UTC()

	if err := s.store.Save(ctx, conv); err != nil {
		return nil, fmt.Errorf("chat: save conversation: %w", err)
	}
	return conv, nil
}

type SettingsInput struct {
	Model    string
	PresetID string
	Params   models.GenerationParams
}

// UpdateSettings applies model selector and parameter changes. Switching
// presets replaces the leading system prompt.
func (s *ChatService) UpdateSettings(ctx context.Context, id string, input SettingsInput) (*models.Conversation, error) {
	if err := input.Params.Validate(); err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conv, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(input.Model) != "" {
		model, err := s.resolveModel(input.Model)
		if err != nil {
			return nil, err
		}
		conv.Model = model
	}

	if strings.TrimSpace(input.PresetID) != "" {
		preset, err := s.presets.Get(input.PresetID)
		if err != nil {
			return nil, err
		}
		conv.PresetID = preset.ID
		if len(conv.Messages) > 0 && conv.Messages[0].Role == models.RoleSystem {
			conv.Messages[0].Content = preset.SystemPrompt
		}
	}

	conv.Params = conv.Params.Merge(input.Params)
	conv.UpdatedAt = s.now().UTC()

	if err := s.store.Save(ctx, conv); err != nil {
		return nil, fmt.Errorf("chat: save conversation: %w", err)
	}
	return conv, nil
}

// Export is a rendered download.
type Export struct {
	Filename string
	MimeType string
	Data     []byte
}

func (s *ChatService) Export(ctx context.Context, id, format string, includeSystem bool) (*Export, error) {
	exporter, err := export.ForFormat(format, export.Options{IncludeSystem: includeSystem, Now: s.now})
	if err != nil {
		return nil, err
	}

	conv, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	data, err := exporter.Export(conv)
	if err != nil {
		return nil, err
	}

	return &Export{Filename: export.Filename(exporter), MimeType: exporter.MimeType(), Data: data}, nil
}

func (s *ChatService) resolveModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return s.cfg.DefaultModel, nil
	}
	for _, allowed := range s.cfg.Models {
		if allowed == model {
			return model, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownModel, model)
}

func initialStage(mode string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeChat:
		return models.StageChat, nil
	case ModeDiagnosis:
		return models.StageNeedProblem, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}
}

func titleFrom(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= maxTitleRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxTitleRunes]) + "…"
}
