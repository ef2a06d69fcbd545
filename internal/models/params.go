package models

import (
	"errors"
	"fmt"
)

const (
	DefaultMaxNewTokens      = 512
	DefaultTemperature       = 0.7
	DefaultTopP              = 0.95
	DefaultRepetitionPenalty = 1.1

	MaxNewTokensLimit = 2048
)

var ErrInvalidParams = errors.New("models: invalid generation parameters")

// GenerationParams are the knobs forwarded to the text-generation endpoint.
// Zero values mean "not set" and are filled from the defaults.
type GenerationParams struct {
	MaxNewTokens      int     `json:"max_new_tokens,omitempty"`
	Temperature       float64 `json:"temperature,omitempty"`
	TopP              float64 `json:"top_p,omitempty"`
	RepetitionPenalty float64 `json:"repetition_penalty,omitempty"`
	DoSample          *bool   `json:"do_sample,omitempty"`
}

func DefaultParams() GenerationParams {
	sample := true
	return GenerationParams{
		MaxNewTokens:      DefaultMaxNewTokens,
		Temperature:       DefaultTemperature,
		TopP:              DefaultTopP,
		RepetitionPenalty: DefaultRepetitionPenalty,
		DoSample:          &sample,
	}
}

// Merge overlays the non-zero fields of override on top of p.
func (p GenerationParams) Merge(override GenerationParams) GenerationParams {
	if override.MaxNewTokens > 0 {
		p.MaxNewTokens = override.MaxNewTokens
	}
	if override.Temperature > 0 {
		p.Temperature = override.Temperature
	}
	if override.TopP > 0 {
		p.TopP = override.TopP
	}
	if override.RepetitionPenalty > 0 {
		p.RepetitionPenalty = override.RepetitionPenalty
	}
	if override.DoSample != nil {
		sample := *override.DoSample
		p.DoSample = &sample
	}
	return p
}

// Validate checks the ranges accepted by the service. Zero fields are allowed.
func (p GenerationParams) Validate() error {
	if p.MaxNewTokens < 0 || p.MaxNewTokens > MaxNewTokensLimit {
		return fmt.Errorf("%w: max_new_tokens must be between 1 and %d", ErrInvalidParams, MaxNewTokensLimit)
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be between 0 and 2", ErrInvalidParams)
	}
	if p.TopP < 0 || p.TopP > 1 {
		return fmt.Errorf("%w: top_p must be between 0 and 1", ErrInvalidParams)
	}
	if p.RepetitionPenalty != 0 && (p.RepetitionPenalty < 1 || p.RepetitionPenalty > 2) {
		return fmt.Errorf("%w: repetition_penalty must be between 1 and 2", ErrInvalidParams)
	}
	return nil
}
