package runner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heyi/engine/api"
)

func TestSamplerArgmaxWhenTemperatureZero(t *testing.T) {
	cfg := api.GenerationConfig{Temperature: 0}
	s := NewSampler(cfg, 1)

	logits := []float32{0.1, 5.0, -3.0, 2.0}
	require.Equal(t, int32(1), s.Sample(logits))
}

func TestSamplerDeterministicForSameSeed(t *testing.T) {
	cfg := api.GenerationConfig{Temperature: 1.0, TopP: 1.0}
	logits := []float32{1, 2, 3, 4, 5, 1, 2, 3}

	a := NewSampler(cfg, 42).Sample(logits)
	b := NewSampler(cfg, 42).Sample(logits)
	require.Equal(t, a, b)
}

func TestSamplerTopKRestrictsToHighestLogits(t *testing.T) {
	cfg := api.GenerationConfig{Temperature: 1.0, TopK: 1}
	s := NewSampler(cfg, 7)

	logits := []float32{0.1, 0.2, 9.0, 0.3}
	require.Equal(t, int32(2), s.Sample(logits), "top_k=1 must always pick the single highest logit")
}
