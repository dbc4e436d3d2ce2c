// sampler.go - the logits pipeline: (Temperature?) -> (TopK?) -> Softmax ->
// (TopP?) -> Sample, or argmax when temperature == 0 (spec.md §6).
package runner

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/heyi/engine/api"
)

// Sampler applies one request's GenerationConfig to a logits row and draws
// the next token id. Deterministic given Seed, per spec.md §6.
type Sampler struct {
	temperature float32
	topK        int
	topP        float32
	rng         *rand.Rand
}

// NewSampler builds a Sampler from a request's generation config. A zero
// Seed still gets a distinct stream per sampler (the caller derives a random
// seed), matching the teacher's per-sequence sampler construction.
func NewSampler(cfg api.GenerationConfig, seed uint64) *Sampler {
	return &Sampler{
		temperature: cfg.Temperature,
		topK:        cfg.TopK,
		topP:        cfg.TopP,
		rng:         rand.New(rand.NewPCG(seed, seed>>32|1)),
	}
}

// Sample consumes one row of logits (length vocabSize) and returns the
// chosen token id.
func (s *Sampler) Sample(logits []float32) int32 {
	if s.temperature == 0 {
		return int32(argmax(logits))
	}

	probs := make([]float64, len(logits))
	for i, v := range logits {
		probs[i] = float64(v) / float64(s.temperature)
	}

	if s.topK > 0 && s.topK < len(probs) {
		probs = keepTopK(probs, s.topK)
	}

	softmaxInPlace(probs)

	if s.topP > 0 && s.topP < 1 {
		probs = nucleus(probs, float64(s.topP))
	}

	return int32(s.drawFrom(probs))
}

func argmax(logits []float32) int {
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return best
}

// keepTopK zeroes every probability mass outside the top-k logits, leaving
// the rest untouched for the softmax step that follows.
func keepTopK(scores []float64, k int) []float64 {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })

	out := make([]float64, len(scores))
	copy(out, scores)
	for _, i := range idx[k:] {
		out[i] = math.Inf(-1)
	}
	return out
}

func softmaxInPlace(scores []float64) {
	maxVal := floats.Max(scores)
	sum := 0.0
	for i, v := range scores {
		e := math.Exp(v - maxVal)
		scores[i] = e
		sum += e
	}
	if sum > 0 {
		floats.Scale(1/sum, scores)
	}
}

// nucleus keeps the smallest prefix (by descending probability) whose
// cumulative mass reaches p, zeroing the rest and renormalizing.
func nucleus(probs []float64, p float64) []float64 {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })

	out := make([]float64, len(probs))
	cum := 0.0
	for _, i := range idx {
		if cum >= p {
			break
		}
		out[i] = probs[i]
		cum += probs[i]
	}
	sum := floats.Sum(out)
	if sum > 0 {
		floats.Scale(1/sum, out)
	}
	return out
}

// drawFrom performs categorical sampling over probs, which need not sum to
// exactly 1 (nucleus/top-k truncation leaves a residual).
func (s *Sampler) drawFrom(probs []float64) int {
	total := floats.Sum(probs)
	if total <= 0 {
		return argmaxFloat(probs)
	}
	r := s.rng.Float64() * total
	acc := 0.0
	for i, p := range probs {
		acc += p
		if r <= acc {
			return i
		}
	}
	return len(probs) - 1
}

func argmaxFloat(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
