// prefill.go - PrefillRunner: the layerwise-prefill path (spec.md §4.6,
// §4.7). Takes a whole prompt in one pass while StreamLoader pages expert
// weights through the device and the cache pages KV in per-layer.
package runner

import (
	"context"
	"fmt"

	"github.com/heyi/engine/kvcache"
	"github.com/heyi/engine/ml"
	"github.com/heyi/engine/streamloader"
)

// PrefillRunner drives one full-prompt layerwise prefill. Unlike
// DecodeRunner it does not warm up buckets: the whole prompt is one
// variable-length forward pass.
type PrefillRunner struct {
	model    ml.Model
	cache    *kvcache.PagedKVCache
	loader   *streamloader.StreamLoader
	migrator kvcache.DeviceMigrator

	// coLocated mirrors spec.md's layerwise_prefill_device == 0: prefill
	// runs on the same device as decode, so main-model weights and KV must
	// be evicted first and restored afterward.
	coLocated bool
}

// CoLocated reports whether this runner shares a device with the decode
// runners, requiring the engine to re-warm them after each prefill.
func (r *PrefillRunner) CoLocated() bool { return r.coLocated }

// NewPrefillRunner builds a layerwise runner over its own cache fork.
func NewPrefillRunner(model ml.Model, cache *kvcache.PagedKVCache, loader *streamloader.StreamLoader, migrator kvcache.DeviceMigrator, coLocated bool) *PrefillRunner {
	return &PrefillRunner{
		model:     model,
		cache:     cache,
		loader:    loader,
		migrator:  migrator,
		coLocated: coLocated,
	}
}

// Run executes slot's whole prompt (positions 0..slot.Len) in one pass. It
// reserves the prompt's pages itself via cache.Plan before the forward
// pass; when co-located, eviction of the main model's KV here only concerns
// device residency, not page ownership.
func (r *PrefillRunner) Run(ctx context.Context, slot *ReqSlot) (_ ml.Tensor, err error) {
	if r.coLocated {
		if err := r.migrator.MigrateAll(ctx, false); err != nil {
			return nil, fmt.Errorf("prefill runner: evict main model before layerwise prefill: %w", err)
		}
		defer func() {
			// Restoration failures are reported to the caller via the
			// returned error; a failed restore leaves the engine unable to
			// decode.
			if rerr := r.migrator.MigrateAll(ctx, true); rerr != nil && err == nil {
				err = fmt.Errorf("prefill runner: restore main model after layerwise prefill: %w", rerr)
			}
		}()
	}

	loadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	loaderDone := make(chan struct{})
	go func() {
		r.loader.Load(loadCtx)
		close(loaderDone)
	}()
	defer func() {
		cancel()
		<-loaderDone
	}()

	match := kvcache.Match{Len: r.cache.GetSeqLength(slot.Node), Node: slot.Node}
	results, err := r.cache.Plan([]kvcache.Match{match}, [][]int32{slot.AllIDs[:slot.Len]}, nil)
	if err != nil {
		return nil, fmt.Errorf("prefill runner: plan: %w", err)
	}
	slot.Node = results[0].Node
	slot.PageIndices = results[0].PageIndices
	slot.LastPageLen = results[0].LastPageLen

	tokens := slot.AllIDs[:slot.Len]
	positions := make([]int32, slot.Len)
	seqIDs := make([]int, slot.Len)
	for i := range tokens {
		positions[i] = int32(i)
		seqIDs[i] = int(slot.Node)
	}

	mctx := r.model.NewContext()
	defer mctx.Close()

	b := ml.Batch{
		Tokens:    tokens,
		Positions: positions,
		SeqIDs:    seqIDs,
		Outputs:   []int32{int32(slot.Len - 1)},
	}

	out, err := r.model.Forward(ctx, mctx, b)
	if err != nil {
		return nil, fmt.Errorf("prefill runner: forward: %w", err)
	}
	if err := mctx.Compute(out); err != nil {
		return nil, fmt.Errorf("prefill runner: compute: %w", err)
	}

	return out, nil
}
