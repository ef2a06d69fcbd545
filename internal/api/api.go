package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/jechat/internal/analytics"
	"github.com/wuwenbin0122/jechat/internal/auth"
	"github.com/wuwenbin0122/jechat/internal/export"
	"github.com/wuwenbin0122/jechat/internal/models"
	"github.com/wuwenbin0122/jechat/internal/prompt"
	"github.com/wuwenbin0122/jechat/internal/services"
)

const sessionCookie = "session"

type Handler struct {
	authService *auth.Service
	chat        *services.ChatService
	presets     *services.PresetService
	recorder    *analytics.Recorder
	logger      *zap.SugaredLogger

	limits *Limiters
}

func NewHandler(authService *auth.Service, chat *services.ChatService, presets *services.PresetService, recorder *analytics.Recorder, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{
		authService: authService,
		chat:        chat,
		presets:     presets,
		recorder:    recorder,
		logger:      logger,
	}
}

// WithRateLimit caps generation requests per client and minute. Zero disables it.
func (h *Handler) WithRateLimit(perMinute float64) *Handler {
	h.limits = nil
	if perMinute > 0 {
		h.limits = NewLimiters(perMinute, limiterCapacity)
	}
	return h
}

// allowGeneration reports whether key may start another generation.
func (h *Handler) allowGeneration(key string) bool {
	return h.limits == nil || h.limits.Allow(key)
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/", h.handleIndex)

	apiGroup := router.Group("/api")
	apiGroup.GET("/app", h.handleApp)
	apiGroup.GET("/models", h.handleModels)
	apiGroup.GET("/analytics", h.handleAnalytics)

	presetGroup := apiGroup.Group("/presets")
	presetGroup.GET("", h.handleListPresets)
	presetGroup.POST("", h.handleCreatePreset)
	presetGroup.DELETE("/:id", h.handleDeletePreset)

	apiGroup.POST("/conversations", h.handleStartConversation)

	convGroup := apiGroup.Group("/conversation", RequireSession(h.authService))
	convGroup.GET("", h.handleGetConversation)
	convGroup.POST("/reset", h.handleReset)
	convGroup.PATCH("/settings", h.handleSettings)
	convGroup.GET("/export", h.handleExport)

	generation := []gin.HandlerFunc{}
	if h.limits != nil {
		generation = append(generation, RateLimit(h.limits))
	}
	convGroup.POST("/messages", append(generation, h.handleSendMessage)...)
	convGroup.GET("/ws", h.handleWebsocket)
}

type paramsRequest struct {
	MaxNewTokens      int     `json:"max_new_tokens"`
	Temperature       float64 `json:"temperature"`
	TopP              float64 `json:"top_p"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
	DoSample          *bool   `json:"do_sample"`
}

func (p *paramsRequest) toParams() models.GenerationParams {
	if p == nil {
		return models.GenerationParams{}
	}
	return models.GenerationParams{
		MaxNewTokens:      p.MaxNewTokens,
		Temperature:       p.Temperature,
		TopP:              p.TopP,
		RepetitionPenalty: p.RepetitionPenalty,
		DoSample:          p.DoSample,
	}
}

type startRequest struct {
	PresetID string         `json:"preset_id"`
	Model    string         `json:"model"`
	Mode     string         `json:"mode"`
	Title    string         `json:"title"`
	Params   *paramsRequest `json:"params"`
}

type messageRequest struct {
	Content string         `json:"content"`
	Params  *paramsRequest `json:"params"`
}

type settingsRequest struct {
	Model    string         `json:"model"`
	PresetID string         `json:"preset_id"`
	Params   *paramsRequest `json:"params"`
}

type presetRequest struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`
}

func (h *Handler) handleApp(c *gin.Context) {
	app := h.presets.App()
	c.JSON(http.StatusOK, gin.H{
		"appName":        app.AppName,
		"pageIcon":       app.PageIcon,
		"defaultPreset":  h.presets.Default().ID,
		"presets":        presetViews(h.presets.List()),
		"models":         h.chat.Models(),
		"defaultModel":   h.chat.DefaultModel(),
		"defaultParams":  h.chat.DefaultParams(),
		"analytics":      h.recorder.Enabled(),
		"maxTokensLimit": models.MaxNewTokensLimit,
	})
}

func (h *Handler) handleModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"models":  h.chat.Models(),
		"default": h.chat.DefaultModel(),
	})
}

func (h *Handler) handleListPresets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"presets": presetViews(h.presets.List())})
}

func (h *Handler) handleCreatePreset(c *gin.Context) {
	var req presetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	preset, err := h.presets.Create(c.Request.Context(), services.PresetInput{
		ID:           req.ID,
		Name:         req.Name,
		SystemPrompt: req.SystemPrompt,
	})
	if err != nil {
		h.fail(c, "failed to create preset", err)
		return
	}

	c.JSON(http.StatusCreated, presetView(preset))
}

func (h *Handler) handleDeletePreset(c *gin.Context) {
	if err := h.presets.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, "failed to delete preset", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) handleStartConversation(c *gin.Context) {
	var req startRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid payload", err)
			return
		}
	}

	conv, err := h.chat.StartConversation(c.Request.Context(), services.StartInput{
		PresetID: req.PresetID,
		Model:    req.Model,
		Mode:     req.Mode,
		Title:    req.Title,
		Params:   req.Params.toParams(),
	})
	if err != nil {
		h.fail(c, "failed to start conversation", err)
		return
	}

	session, err := h.authService.Issue(conv.ID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to issue session", err)
		return
	}

	maxAge := int(time.Until(session.ExpiresAt).Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, session.Token, maxAge, "/", "", false, true)

	c.JSON(http.StatusCreated, gin.H{
		"token":        session.Token,
		"expiresAt":    session.ExpiresAt.Format(time.RFC3339),
		"conversation": conversationView(conv),
	})
}

func (h *Handler) handleGetConversation(c *gin.Context) {
	conv, err := h.chat.Get(c.Request.Context(), ConversationID(c))
	if err != nil {
		h.fail(c, "failed to load conversation", err)
		return
	}
	c.JSON(http.StatusOK, conversationView(conv))
}

func (h *Handler) handleSendMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	reply, err := h.chat.SendMessage(c.Request.Context(), ConversationID(c), req.Content, req.Params.toParams())
	if err != nil {
		h.fail(c, "failed to generate reply", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":      reply.Message,
		"cached":       reply.Cached,
		"conversation": conversationView(reply.Conversation),
	})
}

func (h *Handler) handleReset(c *gin.Context) {
	conv, err := h.chat.Reset(c.Request.Context(), ConversationID(c))
	if err != nil {
		h.fail(c, "failed to reset conversation", err)
		return
	}
	c.JSON(http.StatusOK, conversationView(conv))
}

func (h *Handler) handleSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	conv, err := h.chat.UpdateSettings(c.Request.Context(), ConversationID(c), services.SettingsInput{
		Model:    req.Model,
		PresetID: req.PresetID,
		Params:   req.Params.toParams(),
	})
	if err != nil {
		h.fail(c, "failed to update settings", err)
		return
	}
	c.JSON(http.StatusOK, conversationView(conv))
}

func (h *Handler) handleExport(c *gin.Context) {
	includeSystem, _ := strconv.ParseBool(c.DefaultQuery("system", "false"))

	result, err := h.chat.Export(c.Request.Context(), ConversationID(c), c.Query("format"), includeSystem)
	if err != nil {
		h.fail(c, "failed to export conversation", err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+result.Filename+`"`)
	c.Data(http.StatusOK, result.MimeType, result.Data)
}

func (h *Handler) handleAnalytics(c *gin.Context) {
	summary, err := h.recorder.Summary(c.Request.Context())
	if err != nil {
		h.fail(c, "analytics unavailable", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) fail(c *gin.Context, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Errorw(message, "path", c.FullPath(), "request_id", RequestIDFromContext(c), "error", err)
	}
	writeError(c, status, message, err)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var inference *services.InferenceError
	switch {
	case errors.Is(err, services.ErrEmptyMessage),
		errors.Is(err, services.ErrUnknownModel),
		errors.Is(err, services.ErrUnknownMode),
		errors.Is(err, models.ErrInvalidParams),
		errors.Is(err, prompt.ErrInvalidPreset),
		errors.Is(err, prompt.ErrPresetBuiltin),
		errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrNotFound),
		errors.Is(err, prompt.ErrPresetNotFound),
		errors.Is(err, analytics.ErrDisabled):
		return http.StatusNotFound
	case errors.Is(err, services.ErrConversationDone),
		errors.Is(err, prompt.ErrPresetExists):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &inference):
		if inference.Loading() {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case errors.Is(err, services.ErrEmptyResult):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func conversationView(conv *models.Conversation) gin.H {
	view := gin.H{
		"id":        conv.ID,
		"title":     conv.Title,
		"model":     conv.Model,
		"presetId":  conv.PresetID,
		"stage":     conv.Stage,
		"params":    conv.Params,
		"messages":  conv.VisibleMessages(),
		"done":      conv.Stage == models.StageDone,
		"createdAt": conv.CreatedAt.Format(time.RFC3339),
		"updatedAt": conv.UpdatedAt.Format(time.RFC3339),
	}
	if step, ok := prompt.DiagnosisStep(conv.Stage); ok {
		view["placeholder"] = step.Placeholder
	}
	if conv.Stage == models.StageDone {
		if last, ok := conv.LastAssistant(); ok {
			view["analysis"] = last.Content
		}
	}
	return view
}

func presetView(preset models.Preset) gin.H {
	return gin.H{
		"id":           preset.ID,
		"name":         preset.Name,
		"systemPrompt": preset.SystemPrompt,
		"builtin":      preset.Builtin,
	}
}

func presetViews(presets []models.Preset) []gin.H {
	result := make([]gin.H, 0, len(presets))
	for _, preset := range presets {
		result = append(result, presetView(preset))
	}
	return result
}

func writeError(c *gin.Context, status int, message string, err error) {
	c.JSON(status, gin.H{
		"error":   message,
		"details": strings.TrimSpace(err.Error()),
	})
}
