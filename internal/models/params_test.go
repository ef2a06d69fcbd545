package models

import (
	"errors"
	"testing"
)

func TestGenerationParamsMerge(t *testing.T) {
	off := false
	merged := DefaultParams().Merge(GenerationParams{MaxNewTokens: 256, DoSample: &off})

	if merged.MaxNewTokens != 256 {
		t.Fatalf("expected max_new_tokens 256, got %d", merged.MaxNewTokens)
	}
	if merged.Temperature != DefaultTemperature {
		t.Fatalf("expected default temperature to survive merge, got %v", merged.Temperature)
	}
	if merged.DoSample == nil || *merged.DoSample {
		t.Fatalf("expected do_sample override to false")
	}

	off = true
	if *merged.DoSample {
		t.Fatalf("merge must copy do_sample, not alias it")
	}
}

func TestGenerationParamsValidate(t *testing.T) {
	cases := []struct {
		name   string
		params GenerationParams
		ok     bool
	}{
		{name: "defaults", params: DefaultParams(), ok: true},
		{name: "empty", params: GenerationParams{}, ok: true},
		{name: "too many tokens", params: GenerationParams{MaxNewTokens: MaxNewTokensLimit + 1}},
		{name: "hot temperature", params: GenerationParams{Temperature: 2.5}},
		{name: "top_p above one", params: GenerationParams{TopP: 1.5}},
		{name: "penalty below one", params: GenerationParams{RepetitionPenalty: 0.5}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.params.Validate()
			if tc.ok && err != nil {
				t.Fatalf("expected valid params, got %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidParams) {
				t.Fatalf("expected ErrInvalidParams, got %v", err)
			}
		})
	}
}
