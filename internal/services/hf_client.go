package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/wuwenbin0122/jechat/internal/metrics"
	"github.com/wuwenbin0122/jechat/internal/models"
	"github.com/wuwenbin0122/jechat/internal/utils"
)

const maxErrorSnippet = 256

var (
	ErrTokenRequired = errors.New("inference: api token is required")
	ErrEmptyResult   = errors.New("inference: response contained no generated text")
)

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Generator produces a continuation for a prompt.
type Generator interface {
	Generate(ctx context.Context, model, prompt string, params models.GenerationParams) (string, error)
}

// InferenceError is a non-2xx reply from the inference API.
type InferenceError struct {
	StatusCode    int
	Message       string
	EstimatedTime float64
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference api error (%d): %s", e.StatusCode, e.Message)
}

// Loading reports whether the model was still being loaded upstream.
func (e *InferenceError) Loading() bool {
	return e.StatusCode == http.StatusServiceUnavailable
}

type hfErrorEnvelope struct {
	Error         json.RawMessage `json:"error"`
	EstimatedTime float64         `json:"estimated_time"`
}

type hfRequest struct {
	Inputs     string       `json:"inputs"`
	Parameters hfParameters `json:"parameters"`
}

type hfParameters struct {
	MaxNewTokens      int     `json:"max_new_tokens,omitempty"`
	Temperature       float64 `json:"temperature,omitempty"`
	TopP              float64 `json:"top_p,omitempty"`
	RepetitionPenalty float64 `json:"repetition_penalty,omitempty"`
	DoSample          *bool   `json:"do_sample,omitempty"`
}

type hfGeneration struct {
	GeneratedText string `json:"generated_text"`
}

// HFClient calls the HuggingFace hosted inference API for text generation.
type HFClient struct {
	cfg    utils.HuggingFaceConfig
	client httpDoer
	logger *zap.SugaredLogger
	sleep  func(context.Context, time.Duration) error
}

func NewHFClient(cfg utils.HuggingFaceConfig, logger *zap.SugaredLogger) *HFClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	return &HFClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
		sleep:  sleepContext,
	}
}

// Generate sends the prompt and returns only the newly generated text.
// A 503 reply means the model is still loading and is retried after a wait.
func (c *HFClient) Generate(ctx context.Context, model, prompt string, params models.GenerationParams) (string, error) {
	if strings.TrimSpace(c.cfg.APIToken) == "" {
		return "", ErrTokenRequired
	}

	body, err := json.Marshal(hfRequest{
		Inputs: prompt,
		Parameters: hfParameters{
			MaxNewTokens:      params.MaxNewTokens,
			Temperature:       params.Temperature,
			TopP:              params.TopP,
			RepetitionPenalty: params.RepetitionPenalty,
			DoSample:          params.DoSample,
		},
	})
	if err != nil {
		return "", fmt.Errorf("inference: marshal payload: %w", err)
	}

	endpoint := c.cfg.ModelURL(model)
	retries := c.cfg.LoadingRetries
	for attempt := 0; ; attempt++ {
		text, err := c.do(ctx, endpoint, body)
		if err == nil {
			return stripPrompt(text, prompt), nil
		}

		var apiErr *InferenceError
		if !errors.As(err, &apiErr) {
			return "", err
		}
		metrics.RecordUpstreamError(model, apiErr.StatusCode)
		if !apiErr.Loading() || attempt >= retries {
			return "", err
		}

		wait := c.cfg.LoadingWait
		if apiErr.EstimatedTime > 0 {
			if estimated := time.Duration(apiErr.EstimatedTime * float64(time.Second)); wait <= 0 || estimated < wait {
				wait = estimated
			}
		}
		if c.logger != nil {
			c.logger.Infow("model is loading, retrying", "model", model, "wait", wait.String(), "attempt", attempt+1)
		}
		if err := c.sleep(ctx, wait); err != nil {
			return "", fmt.Errorf("inference: wait for model: %w", err)
		}
	}
}

func (c *HFClient) do(ctx context.Context, endpoint string, body []byte) (string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("inference: create request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	request.Header.Set("Content-Type", "application/json")

	response, err := c.client.Do(request)
	if err != nil {
		return "", fmt.Errorf("inference: call api: %w", err)
	}
	defer response.Body.Close()

	respBody, err := io.ReadAll(response.Body)
	if err != nil {
		return "", fmt.Errorf("inference: read response: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return "", buildInferenceError(response.StatusCode, respBody)
	}

	return decodeGeneration(respBody)
}

func decodeGeneration(body []byte) (string, error) {
	trimmed := bytes.TrimSpace(body)

	var list []hfGeneration
	if err := json.Unmarshal(trimmed, &list); err == nil {
		if len(list) == 0 || list[0].GeneratedText == "" {
			return "", ErrEmptyResult
		}
		return list[0].GeneratedText, nil
	}

	var single hfGeneration
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return "", fmt.Errorf("inference: decode response: %w", err)
	}
	if single.GeneratedText == "" {
		return "", ErrEmptyResult
	}
	return single.GeneratedText, nil
}

func buildInferenceError(statusCode int, body []byte) error {
	apiErr := &InferenceError{StatusCode: statusCode}

	var envelope hfErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil {
		apiErr.EstimatedTime = envelope.EstimatedTime
		apiErr.Message = decodeErrorMessage(envelope.Error)
	}

	if apiErr.Message == "" {
		snippet := strings.TrimSpace(string(body))
		if snippet == "" {
			snippet = http.StatusText(statusCode)
		}
		if len(snippet) > maxErrorSnippet {
			snippet = snippet[:maxErrorSnippet]
		}
		apiErr.Message = snippet
	}

	return apiErr
}

// decodeErrorMessage accepts both "error": "text" and "error": ["a", "b"].
func decodeErrorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return strings.TrimSpace(text)
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.TrimSpace(strings.Join(list, "; "))
	}
	return ""
}

// stripPrompt removes the echoed prompt from generated_text.
func stripPrompt(generated, prompt string) string {
	if strings.HasPrefix(generated, prompt) {
		generated = generated[len(prompt):]
	}
	return strings.TrimLeftFunc(generated, unicode.IsSpace)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
