package api

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestGenerationConfigFromMap(t *testing.T) {
	cfg := DefaultGenerationConfig()
	err := cfg.FromMap(map[string]any{
		"temperature": float64(0),
		"top_k":       int64(40),
		"top_p":       float64(0.9),
		"max_length":  float64(8192),
		"thinking":    true,
		"stop":        []any{"</s>", "<|end|>"},
	})
	require.NoError(t, err)

	want := GenerationConfig{
		Temperature:  0,
		TopK:         40,
		TopP:         0.9,
		Seed:         -1,
		MaxNewTokens: 0,
		MaxLength:    8192,
		Thinking:     true,
		Stop:         []string{"</s>", "<|end|>"},
	}

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("FromMap result mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerationConfigFromMapSkipsUnknownKey(t *testing.T) {
	cfg := DefaultGenerationConfig()
	err := cfg.FromMap(map[string]any{"not_a_real_option": 1})
	require.NoError(t, err) // unknown keys are logged and skipped, not an error
}

func TestGenerationConfigFromMapTypeMismatch(t *testing.T) {
	cfg := DefaultGenerationConfig()
	err := cfg.FromMap(map[string]any{"top_k": "not-an-int"})
	require.Error(t, err)
}
