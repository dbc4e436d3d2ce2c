// decode.go - DecodeRunner: one parallel decode slot (spec.md §4.6).
//
// Grounded on the teacher's forwardBatch/computeBatch async pipeline
// (runner_batch.go, runner_compute.go): planning for substep i+1 starts as
// soon as substep i's compute has been launched, not after it finishes.
package runner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/heyi/engine/kvcache"
	"github.com/heyi/engine/ml"
)

// DecodeRunner binds one model replica to the shared cache and owns the
// per-step buffers for every supported batch size in Bs.
type DecodeRunner struct {
	id    int
	model ml.Model
	cache *kvcache.PagedKVCache

	// Bs is the ascending list of capture/bucket sizes this runner warmed
	// up for (spec.md §4.6, typically [1,2,4,8,16,32]).
	Bs []int

	// graphs is keyed by bucket size for captured replay handles. WarmUp
	// captures none (ml.Model has no capture primitive) and Decode1 does not
	// read it, so every Decode1 runs a direct Forward.
	graphs map[int]ml.Tensor

	batchID int
}

// NewDecodeRunner constructs a runner over its own cache fork; the caller
// is expected to call WarmUp before driving PlanDecode1/Decode1.
func NewDecodeRunner(id int, model ml.Model, cache *kvcache.PagedKVCache, bs []int) *DecodeRunner {
	return &DecodeRunner{
		id:     id,
		model:  model,
		cache:  cache,
		Bs:     bs,
		graphs: make(map[int]ml.Tensor, len(bs)),
	}
}

// NewContext opens a fresh forward-pass scope on this runner's model
// replica, for callers (the scheduler) that need one across multiple
// runner calls without reaching into unexported fields.
func (r *DecodeRunner) NewContext() ml.Context { return r.model.NewContext() }

// ID returns this runner's index among the engine's decode runners.
func (r *DecodeRunner) ID() int { return r.id }

// BucketFor returns the smallest configured capture size >= k (spec.md §3
// DecodeBatch: "B is chosen as the smallest capture size ≥ k"). Callers size
// DecodeBatch.B with this before Decode1 so a captured graph for the bucket
// can be replayed instead of k's exact (and less reusable) size.
func (r *DecodeRunner) BucketFor(k int) int {
	for _, b := range r.Bs {
		if b >= k {
			return b
		}
	}
	return r.Bs[len(r.Bs)-1]
}

// WarmUp runs three forward passes of zero inputs per bucket size so the
// backend's allocator and (if enabled) graph capture settle before any real
// traffic lands (spec.md §4.6: "warms up each B by running three forward
// passes on zero inputs").
func (r *DecodeRunner) WarmUp(ctx context.Context, useCudaGraph bool) error {
	for _, b := range r.Bs {
		batch := ml.Batch{
			Tokens:    make([]int32, b),
			Positions: make([]int32, b),
			SeqIDs:    make([]int, b),
			Outputs:   rangeInt32(b),
		}

		mctx := r.model.NewContext()

		var out ml.Tensor
		var err error
		for pass := 0; pass < 3; pass++ {
			out, err = r.model.Forward(ctx, mctx, batch)
			if err != nil {
				mctx.Close()
				return fmt.Errorf("decode runner %d: warm up bucket %d: %w", r.id, b, err)
			}
			if err := mctx.Compute(out); err != nil {
				mctx.Close()
				return fmt.Errorf("decode runner %d: warm up bucket %d: compute: %w", r.id, b, err)
			}
		}
		mctx.Close()

		if useCudaGraph {
			// A real backend would capture here; this abstract Model has no
			// capture primitive of its own, so the warmed-but-uncaptured
			// bucket just falls through to a direct Forward at Decode1 time.
			slog.Debug("decode runner: bucket warmed, graph capture deferred to backend", "runner", r.id, "bucket", b)
		}
	}
	return nil
}

func rangeInt32(n int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(i)
	}
	return out
}

// PlanDecode1 asks the cache to extend each request by exactly one token
// and records the resulting page placement on its ReqSlot.
func (r *DecodeRunner) PlanDecode1(batch *DecodeBatch) error {
	matches := make([]kvcache.Match, len(batch.Reqs))
	ids := make([][]int32, len(batch.Reqs))
	for i, slot := range batch.Reqs {
		matches[i] = kvcache.Match{Len: r.cache.GetSeqLength(slot.Node), Node: slot.Node}
		ids[i] = slot.AllIDs[:slot.Len]
	}

	results, err := r.cache.Plan(matches, ids, nil)
	if err != nil {
		return fmt.Errorf("decode runner %d: plan decode1: %w", r.id, err)
	}

	for i, slot := range batch.Reqs {
		slot.Node = results[i].Node
		slot.PageIndices = results[i].PageIndices
		slot.LastPageLen = results[i].LastPageLen
	}
	return nil
}

// Decode1 runs one token for every request in batch, returning the [k, vocab]
// logits tensor with one row per request in the same order; sampling is left
// to the caller. The bucket size is whatever the caller already sized batch.B
// to (scheduler/loop.go's decodeSubstep picks it per spec.md §4.8).
func (r *DecodeRunner) Decode1(ctx context.Context, mctx ml.Context, batch *DecodeBatch) (ml.Tensor, error) {
	k := len(batch.Reqs)
	tokens := make([]int32, k)
	positions := make([]int32, k)
	seqIDs := make([]int, k)
	for i, slot := range batch.Reqs {
		tokens[i] = slot.AllIDs[slot.Len-1]
		positions[i] = int32(slot.Len - 1)
		seqIDs[i] = int(slot.Node)
	}

	b := ml.Batch{
		Tokens:    tokens,
		Positions: positions,
		SeqIDs:    seqIDs,
		Outputs:   rangeInt32(k),
	}

	out, err := r.model.Forward(ctx, mctx, b)
	if err != nil {
		return nil, fmt.Errorf("decode runner %d: decode1 forward: %w", r.id, err)
	}
	if err := mctx.Compute(out); err != nil {
		return nil, fmt.Errorf("decode runner %d: decode1 compute: %w", r.id, err)
	}

	r.batchID++
	return out, nil
}

// LogitsRow slices one request's logits out of a [k, vocab] tensor returned
// by Decode1 or the last row of a PrefillChunk tensor.
func LogitsRow(t ml.Tensor, i, vocabSize int) []float32 {
	flat := t.Floats()
	return flat[i*vocabSize : (i+1)*vocabSize]
}

// PrefillChunk advances one request by at most chunkSize tokens on the
// chunked-prefill path (spec.md §4.6, §4.8 step 5). Returns the final
// token's logits tensor for sampling when the prompt completes.
func (r *DecodeRunner) PrefillChunk(ctx context.Context, mctx ml.Context, slot *ReqSlot, startPos, chunkSize int) (ml.Tensor, int, error) {
	end := startPos + chunkSize
	if end > slot.Len {
		end = slot.Len
	}
	n := end - startPos
	if n <= 0 {
		return nil, 0, fmt.Errorf("decode runner %d: prefill chunk: empty chunk for %s", r.id, slot.ReqID)
	}

	match := kvcache.Match{Len: r.cache.GetSeqLength(slot.Node), Node: slot.Node}
	results, err := r.cache.Plan([]kvcache.Match{match}, [][]int32{slot.AllIDs[:end]}, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("decode runner %d: prefill chunk plan: %w", r.id, err)
	}
	slot.Node = results[0].Node
	slot.PageIndices = results[0].PageIndices
	slot.LastPageLen = results[0].LastPageLen

	tokens := slot.AllIDs[startPos:end]
	positions := make([]int32, n)
	seqIDs := make([]int, n)
	for i := range tokens {
		positions[i] = int32(startPos + i)
		seqIDs[i] = int(slot.Node)
	}

	b := ml.Batch{
		Tokens:    tokens,
		Positions: positions,
		SeqIDs:    seqIDs,
		Outputs:   []int32{int32(n - 1)},
	}

	out, err := r.model.Forward(ctx, mctx, b)
	if err != nil {
		return nil, 0, fmt.Errorf("decode runner %d: prefill chunk forward: %w", r.id, err)
	}
	if err := mctx.Compute(out); err != nil {
		return nil, 0, fmt.Errorf("decode runner %d: prefill chunk compute: %w", r.id, err)
	}

	return out, end, nil
}
