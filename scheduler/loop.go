// loop.go - Engine.Run: the single cooperative scheduler loop (spec.md
// §4.8). Grounded on original_source/engine.py's run_engine_loop and its
// _schedule_layerwise_prefill / _handle_chunked_prefill /
// _continuous_batching helpers.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/heyi/engine/envconfig"
	"github.com/heyi/engine/ml"
	"github.com/heyi/engine/runner"
)

const maxDecodeSubsteps = 16

// layerwisePollBudget bounds how long the advance step waits on an
// in-flight layerwise prefill before yielding back to chunked prefill and
// decode (spec.md §5 "polls with a 10 ms budget").
const layerwisePollBudget = 10 * time.Millisecond

type lpResult struct {
	token int32
	slot  *runner.ReqSlot
	err   error
}

// Run drives the scheduler loop until ctx is cancelled. A KV-cache
// integrity violation is recovered once here and converted into a fatal
// ERROR transition (spec.md §7); every other error is scoped to a single
// request.
func (e *Engine) Run(ctx context.Context) {
	defer e.recoverFatal()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		e.reap()
		busy := e.busyPages()

		if e.lpActive == nil {
			e.admitLayerwisePrefill(ctx, busy)
		}
		e.advanceLayerwisePrefill(ctx)

		e.advanceChunkedPrefill(ctx, busy)

		active := e.activeDecodeCount()
		if active == 0 && e.lpActive == nil {
			time.Sleep(layerwisePollBudget)
			continue
		}

		for i := 0; i < maxDecodeSubsteps; i++ {
			if e.activeDecodeCount() == 0 {
				break
			}
			e.decodeSubstep(ctx)
		}
	}
}

// recoverFatal converts a kvcache.ErrIntegrityViolation panic into an
// ERROR state transition instead of crashing the process (spec.md §7).
func (e *Engine) recoverFatal() {
	if r := recover(); r != nil {
		e.mu.Lock()
		e.state = StateError
		e.mu.Unlock()
		slog.Error("engine: fatal integrity violation, entering ERROR state", "panic", r)
	}
}

// reap drops FINISHED/CANCELLED requests from the active list.
func (e *Engine) reap() {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.requests[:0]
	for _, r := range e.requests {
		if r.State == StateFinished || r.State == StateCancelled {
			delete(e.byID, r.ID)
			continue
		}
		kept = append(kept, r)
	}
	e.requests = kept
}

// busyPages recomputes spec.md §4.8 step 2's busy_kvcache_pages: LPREFILLING
// counts all_length, PREFILLING counts prefilled_length, DECODING counts
// all_length, each rounded up to whole pages.
func (e *Engine) busyPages() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	pageSize := e.cache.PageSize()
	busy := 0
	for _, r := range e.requests {
		switch r.State {
		case StateLPrefilling, StateDecoding:
			busy += ceilDiv(r.AllLength, pageSize)
		case StatePrefilling:
			busy += ceilDiv(r.PrefilledLength, pageSize)
		}
	}
	return busy
}

func ceilDiv(n, d int) int {
	if d <= 0 {
		return 0
	}
	return (n + d - 1) / d
}

// admitLayerwisePrefill implements spec.md §4.8 step 3.
func (e *Engine) admitLayerwisePrefill(ctx context.Context, busy int) {
	if e.lpRunner == nil {
		return
	}

	e.mu.Lock()
	threshLen := int(envconfig.LayerwisePrefillThreshLen())
	pageSize := e.cache.PageSize()
	// Gate on total capacity, not just currently-free pages: pages held by
	// evictable (finished/cancelled but still-cached) prefix-tree leaves are
	// reclaimable by LRU inside Plan, so they count toward capacity here
	// (spec.md §4.8 step 3 "extra pages... plus busy_kvcache_pages exceed
	// capacity").
	capacity := e.cache.NumPages()

	var chosen *Request
	for _, r := range e.requests {
		if r.State != StatePending && r.State != StatePrefilling {
			continue
		}
		matchedTokens := r.Match.Len * pageSize
		unmatched := r.PromptLength - matchedTokens
		if unmatched < threshLen {
			continue
		}
		extraPages := ceilDiv(r.PromptLength, pageSize) - r.Match.Len
		if extraPages+busy > capacity {
			continue
		}
		chosen = r
		break
	}
	if chosen != nil {
		chosen.State = StateLPrefilling
		chosen.Stats.OnPrefillStart()
		e.lpActive = chosen
	}
	e.mu.Unlock()

	if chosen == nil {
		return
	}

	slog.Debug("layerwise prefill admitted", "id", chosen.ID, "prompt_tokens", chosen.PromptLength)
	ch := make(chan lpResult, 1)
	e.lpDone = ch
	slot := chosen.Slot()
	go func() {
		out, err := e.lpRunner.Run(ctx, slot)
		if err != nil {
			ch <- lpResult{err: err}
			return
		}
		token := chosen.Sampler.Sample(runner.LogitsRow(out, 0, e.tokenizer.VocabSize()))
		ch <- lpResult{token: token, slot: slot}
	}()
}

// advanceLayerwisePrefill implements spec.md §4.8 step 4: poll the
// in-flight future with a small timeout; on completion sample and
// transition to DECODING.
func (e *Engine) advanceLayerwisePrefill(ctx context.Context) {
	if e.lpActive == nil || e.lpDone == nil {
		return
	}

	select {
	case res := <-e.lpDone:
		req := e.lpActive
		e.lpActive = nil
		e.lpDone = nil

		if res.err != nil {
			slog.Error("layerwise prefill failed, cancelling request", "id", req.ID, "err", res.err)
			e.mu.Lock()
			req.State = StateCancelled
			e.mu.Unlock()
			req.Stream.finish(req.Usage, "error")
			return
		}

		e.mu.Lock()
		req.adoptSlot(res.slot)
		lengthStop := req.OnPrefillDone(res.token)
		e.mu.Unlock()

		if e.lpRunner.CoLocated() {
			if err := e.rewarmDecodeRunners(ctx); err != nil {
				slog.Error("re-warm after co-located layerwise prefill failed", "err", err)
			}
		}

		reason := e.emitToken(req, res.token)
		if reason == "" {
			reason = lengthStop
		}
		if reason != "" {
			e.finishRequest(req, reason)
		}
	case <-time.After(layerwisePollBudget):
	}
}

func (e *Engine) rewarmDecodeRunners(ctx context.Context) error {
	useCudaGraph := envconfig.UseCudaGraph()
	for _, r := range e.runners {
		if err := r.WarmUp(ctx, useCudaGraph); err != nil {
			return fmt.Errorf("rewarm runner %d: %w", r.ID(), err)
		}
	}
	return nil
}

// advanceChunkedPrefill implements spec.md §4.8 step 5.
func (e *Engine) advanceChunkedPrefill(ctx context.Context, busy int) {
	chunkSize := int(envconfig.PrefillChunkSize())
	pageSize := e.cache.PageSize()

	e.mu.Lock()
	var chosen *Request
	for _, r := range e.requests {
		if r != e.lpActive && (r.State == StatePending || r.State == StatePrefilling) {
			chosen = r
			break
		}
	}
	if chosen == nil {
		e.mu.Unlock()
		return
	}

	extraPages := ceilDiv(chunkSize, pageSize)
	// As in admitLayerwisePrefill: gate on total capacity so a chunk that
	// only fits after LRU-evicting a cached-but-idle prefix isn't rejected
	// before Plan ever gets a chance to reclaim it (spec.md §4.8 step 5).
	if extraPages+busy > e.cache.NumPages() {
		e.mu.Unlock()
		return
	}

	if chosen.State == StatePending {
		chosen.State = StatePrefilling
		chosen.PrefilledLength = chosen.Match.Len * pageSize
		chosen.Stats.OnPrefillStart()
	}
	startPos := chosen.PrefilledLength
	slot := chosen.Slot()
	e.mu.Unlock()

	runner0 := e.runners[0]
	mctx := runner0.NewContext()
	defer mctx.Close()

	out, end, err := runner0.PrefillChunk(ctx, mctx, slot, startPos, chunkSize)
	if err != nil {
		slog.Error("chunked prefill failed, cancelling request", "id", chosen.ID, "err", err)
		e.mu.Lock()
		chosen.State = StateCancelled
		e.mu.Unlock()
		chosen.Stream.finish(chosen.Usage, "error")
		return
	}

	e.mu.Lock()
	chosen.adoptSlot(slot)
	done := chosen.OnPrefill1ChunkDone(end - startPos)
	e.mu.Unlock()

	if !done {
		return
	}

	token := chosen.Sampler.Sample(runner.LogitsRow(out, 0, e.tokenizer.VocabSize()))
	e.mu.Lock()
	lengthStop := chosen.OnPrefillDone(token)
	e.mu.Unlock()

	reason := e.emitToken(chosen, token)
	if reason == "" {
		reason = lengthStop
	}
	if reason != "" {
		e.finishRequest(chosen, reason)
	}
}

// activeDecodeCount reports how many requests are currently DECODING.
func (e *Engine) activeDecodeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, r := range e.requests {
		if r.State == StateDecoding {
			n++
		}
	}
	return n
}

// decodeSubstep implements spec.md §4.8 step 6, one substep.
func (e *Engine) decodeSubstep(ctx context.Context) {
	started := time.Now()

	e.mu.Lock()
	decoding := make([]*Request, 0, len(e.requests))
	for _, r := range e.requests {
		if r.State == StateDecoding {
			decoding = append(decoding, r)
		}
	}

	maxTotal := maxBs(envconfig.BatchSizesPerRunner()) * len(e.runners)
	if len(decoding) > maxTotal {
		decoding = decoding[:maxTotal]
	}

	free := e.cache.NumFreePages()
	for len(decoding) > 1 && len(decoding) > free {
		evicted := decoding[len(decoding)-1]
		decoding = decoding[:len(decoding)-1]
		evicted.State = StateCancelled
		slog.Warn("cancelling decoding request for cache pressure", "id", evicted.ID)
		go evicted.Stream.finish(evicted.Usage, "busy")
	}
	e.mu.Unlock()

	if len(decoding) == 0 {
		return
	}

	subBatches := splitRoughlyEqual(decoding, len(e.runners))

	type launch struct {
		runnerIdx int
		reqs      []*Request
		batch     *runner.DecodeBatch
	}
	var launches []launch

	for i, reqs := range subBatches {
		if len(reqs) == 0 {
			continue
		}
		slots := make([]*runner.ReqSlot, len(reqs))
		for j, r := range reqs {
			slots[j] = r.Slot()
		}
		batch := &runner.DecodeBatch{Reqs: slots, B: e.runners[i].BucketFor(len(slots))}
		if err := e.runners[i].PlanDecode1(batch); err != nil {
			slog.Error("plan decode1 failed", "runner", i, "err", err)
			e.mu.Lock()
			for _, r := range reqs {
				r.State = StateCancelled
			}
			e.mu.Unlock()
			for _, r := range reqs {
				go r.Stream.finish(r.Usage, "error")
			}
			continue
		}
		launches = append(launches, launch{runnerIdx: i, reqs: reqs, batch: batch})
	}

	type output struct {
		launch launch
		tensor ml.Tensor
		err    error
	}

	// Every PlanDecode1 above has returned before any decode1 launches; the
	// launches then run in parallel. No separate device-wide synchronize
	// call is issued between the plans and the launches.
	outputs := make([]output, len(launches))
	g, gctx := errgroup.WithContext(ctx)
	for idx, l := range launches {
		idx, l := idx, l
		g.Go(func() error {
			mctx := e.runners[l.runnerIdx].NewContext()
			defer mctx.Close()
			out, err := e.runners[l.runnerIdx].Decode1(gctx, mctx, l.batch)
			outputs[idx] = output{launch: l, tensor: out, err: err}
			return nil
		})
	}
	_ = g.Wait()

	vocab := e.tokenizer.VocabSize()
	tokensProduced := 0
	for _, o := range outputs {
		if o.err != nil {
			slog.Error("decode1 failed", "runner", o.launch.runnerIdx, "err", o.err)
			e.mu.Lock()
			for _, r := range o.launch.reqs {
				r.State = StateCancelled
			}
			e.mu.Unlock()
			for _, r := range o.launch.reqs {
				go r.Stream.finish(r.Usage, "error")
			}
			continue
		}
		if o.tensor == nil {
			continue
		}

		for i, r := range o.launch.reqs {
			e.mu.Lock()
			r.DecodeRunnerID = o.launch.runnerIdx
			r.adoptSlot(o.launch.batch.Reqs[i])
			e.mu.Unlock()

			token := r.Sampler.Sample(runner.LogitsRow(o.tensor, i, vocab))
			e.mu.Lock()
			lengthStop := r.OnDecode1Done(token)
			e.mu.Unlock()
			tokensProduced++

			reason := e.emitToken(r, token)
			if reason == "" {
				reason = lengthStop
			}
			if reason != "" {
				e.finishRequest(r, reason)
			}
		}
	}

	e.mu.Lock()
	e.decodeTokensWindow += tokensProduced
	e.decodeTimeWindow += time.Since(started).Seconds()
	e.mu.Unlock()
}

func (e *Engine) finishRequest(r *Request, reason string) {
	e.mu.Lock()
	r.Finish(reason)
	e.mu.Unlock()
}

func maxBs(bs []int) int {
	m := 0
	for _, b := range bs {
		if b > m {
			m = b
		}
	}
	return m
}

// splitRoughlyEqual divides reqs into n ordered, roughly-equal slices,
// preserving the overall FIFO order within each slice.
func splitRoughlyEqual(reqs []*Request, n int) [][]*Request {
	out := make([][]*Request, n)
	if n == 0 {
		return out
	}
	base := len(reqs) / n
	rem := len(reqs) % n
	idx := 0
	for i := 0; i < n; i++ {
		size := base
		if i < rem {
			size++
		}
		out[i] = reqs[idx : idx+size]
		idx += size
	}
	return out
}
