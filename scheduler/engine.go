// engine.go - Engine: admission (Submit/Cancel/Status) and construction.
// The main loop lives in loop.go; per-token decode/stop handling in
// decode.go. Grounded on original_source/engine.py's Engine class
// (submit/cancel/get_status/__init__).
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/heyi/engine/api"
	"github.com/heyi/engine/envconfig"
	"github.com/heyi/engine/kvcache"
	"github.com/heyi/engine/model"
	"github.com/heyi/engine/ml"
	"github.com/heyi/engine/runner"
	"github.com/heyi/engine/streamloader"
)

// EngineState mirrors spec.md §6: INIT, BOOTING, RUNNING, LPREFILLING, ERROR.
type EngineState int

const (
	StateInit EngineState = iota
	StateBooting
	StateRunning
	StateLPrefilling
	StateError
)

func (s EngineState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateBooting:
		return "BOOTING"
	case StateRunning:
		return "RUNNING"
	case StateLPrefilling:
		return "LPREFILLING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Engine owns every in-flight Request and the collaborators the main loop
// drives: the shared cache, one DecodeRunner per parallel decode slot, and
// (optionally) one PrefillRunner for layerwise prefill.
type Engine struct {
	mu    sync.Mutex
	state EngineState

	cache     *kvcache.PagedKVCache
	tokenizer model.Tokenizer
	runners   []*runner.DecodeRunner
	lpRunner  *runner.PrefillRunner
	lpActive  *Request // the one request currently LPREFILLING, if any
	lpDone    chan lpResult

	requests []*Request
	byID     map[string]*Request

	maxQueue int

	decodeTokensWindow int
	decodeTimeWindow   float64
}

// NewEngine constructs an engine over cache, giving each DecodeRunner (and
// the layerwise PrefillRunner) its own cache.Fork() of it.
// model0 is the primary model instance each DecodeRunner's Fork() derives
// from; loader/migrator are nil when layerwise prefill is disabled. license
// is consulted once here (spec.md §10 supplement 1); a nil license is
// treated as always-passing.
func NewEngine(ctx context.Context, model0 ml.Model, tokenizer model.Tokenizer, cache *kvcache.PagedKVCache, loader *streamloader.StreamLoader, migrator kvcache.DeviceMigrator, license ml.LicenseChecker) (*Engine, error) {
	e := &Engine{
		state:     StateBooting,
		cache:     cache,
		tokenizer: tokenizer,
		byID:      make(map[string]*Request),
		maxQueue:  int(envconfig.MaxBatchSize()),
	}

	if license != nil {
		if err := license.Check(ctx); err != nil {
			e.state = StateError
			return nil, fmt.Errorf("engine: license check failed: %w", err)
		}
	}

	n := int(envconfig.NumDecodeRunners())
	bs := envconfig.BatchSizesPerRunner()
	useCudaGraph := envconfig.UseCudaGraph()

	for i := 0; i < n; i++ {
		m := model0
		if i > 0 {
			forked, err := model0.Fork()
			if err != nil {
				return nil, fmt.Errorf("engine: fork decode runner %d: %w", i, err)
			}
			m = forked
		}
		dr := runner.NewDecodeRunner(i, m, cache.Fork(), bs)
		if err := dr.WarmUp(ctx, useCudaGraph); err != nil {
			return nil, fmt.Errorf("engine: warm up decode runner %d: %w", i, err)
		}
		e.runners = append(e.runners, dr)
	}

	if envconfig.EnableLayerwisePrefill() {
		lpModel, err := model0.Fork()
		if err != nil {
			return nil, fmt.Errorf("engine: fork layerwise prefill model: %w", err)
		}
		coLocated := envconfig.LayerwisePrefillDevice() == 0
		e.lpRunner = runner.NewPrefillRunner(lpModel, cache.Fork(), loader, migrator, coLocated)
	}

	e.state = StateRunning
	slog.Info("engine booted", "decode_runners", n, "layerwise_prefill", e.lpRunner != nil)
	return e, nil
}

// Submit tokenizes messages, builds a Request bound to a fresh cache
// match, and admits it in PENDING state (spec.md §6 "submit"). genCfg is
// nil-able: a nil config means "use every engine default" (mirrors a
// caller who never built a generation_config mapping at all); a non-nil
// one is expected to already carry api.DefaultGenerationConfig() values
// merged with the caller's overrides via FromMap, so this only clamps the
// two length ceilings rather than guessing which fields were "unset".
func (e *Engine) Submit(ctx context.Context, id string, messages []api.Message, genCfg *api.GenerationConfig, tools []api.Tool) (*Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.requests) >= e.maxQueue {
		return nil, ErrMaxQueue
	}

	ids, err := e.tokenizer.FormatAndTokenize(toModelMessages(messages), toolSchemas(tools))
	if err != nil {
		return nil, fmt.Errorf("engine: submit %s: tokenize: %w", id, err)
	}

	cfg := api.DefaultGenerationConfig()
	if genCfg != nil {
		cfg = *genCfg
	}
	cfg = clampGenerationConfig(cfg)

	if id == "" {
		id = uuid.NewString()
	}

	sampler := runner.NewSampler(cfg, seedFor(cfg))
	req := NewRequest(id, ids, int(envconfig.MaxLength()), cfg, sampler, e.cancelHook)
	req.Match = e.cache.Match(ids)
	req.Usage.CacheHitTokens = req.Match.Len * e.cache.PageSize()

	e.requests = append(e.requests, req)
	e.byID[id] = req

	slog.Debug("request submitted", "id", id, "prompt_tokens", len(ids))
	return req, nil
}

// clampGenerationConfig enforces the engine-wide length ceilings (spec.md
// §6 "clamped to engine limit"); sampling fields are taken as given.
func clampGenerationConfig(cfg api.GenerationConfig) api.GenerationConfig {
	maxLen := int(envconfig.MaxLength())
	maxNew := int(envconfig.MaxNewTokens())
	if cfg.MaxLength <= 0 || cfg.MaxLength > maxLen {
		cfg.MaxLength = maxLen
	}
	if cfg.MaxNewTokens <= 0 || cfg.MaxNewTokens > maxNew {
		cfg.MaxNewTokens = maxNew
	}
	return cfg
}

// toModelMessages adapts the wire-level api.Message into the tokenizer's
// model.Message, keeping the tokenizer boundary independent of the engine's
// external API types.
func toModelMessages(messages []api.Message) []model.Message {
	out := make([]model.Message, len(messages))
	for i, m := range messages {
		out[i] = model.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// toolSchemas extracts the raw schema strings model.Tokenizer expects.
func toolSchemas(tools []api.Tool) []string {
	if len(tools) == 0 {
		return nil
	}
	out := make([]string, len(tools))
	for i, t := range tools {
		out[i] = t.Schema
	}
	return out
}

// seedFor derives a sampler seed from the caller's seed option, or a
// process-wide source when unset (GenerationConfig.Seed == -1/0 by
// convention of the teacher's -1 "unset" sentinel).
func seedFor(cfg api.GenerationConfig) uint64 {
	if cfg.Seed > 0 {
		return uint64(cfg.Seed)
	}
	return uint64(uuid.New().ID())
}

// cancelHook is invoked by Stream.Close(); it must not hold e.mu itself
// since Close may run from the consumer's goroutine concurrently with the
// main loop, so it takes the lock fresh.
func (e *Engine) cancelHook(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if req, ok := e.byID[id]; ok && req.State != StateFinished && req.State != StateCancelled {
		req.State = StateCancelled
	}
}

// Cancel marks the matching request CANCELLED; returns whether one was
// found. Safe to call concurrently with Run.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.byID[id]
	if !ok {
		return false
	}
	if req.State != StateFinished && req.State != StateCancelled {
		req.State = StateCancelled
	}
	return true
}

// Status renders the current engine and per-request state, per spec.md §6.
func (e *Engine) Status() api.StatusResponse {
	e.mu.Lock()
	defer e.mu.Unlock()

	var counters api.RequestCounters
	reqs := make([]api.RequestStatus, 0, len(e.requests))
	for _, r := range e.requests {
		switch r.State {
		case StatePending:
			counters.Pending++
		case StatePrefilling, StateLPrefilling:
			counters.Prefilling++
		case StateDecoding:
			counters.Decoding++
		}
		reqs = append(reqs, api.RequestStatus{
			RequestID:      r.ID,
			State:          r.State.String(),
			Usage:          r.Usage,
			Stats:          r.Stats.Summarize(),
			DecodeRunnerID: r.DecodeRunnerID,
		})
	}

	return api.StatusResponse{
		EngineState:      e.state.String(),
		RequestCounters:  counters,
		DecodeThroughput: e.throughput(),
		Requests:         reqs,
	}
}

// throughput reports a trailing decode tokens/sec figure across all
// runners combined; callers hold e.mu.
func (e *Engine) throughput() float64 {
	if e.decodeTimeWindow <= 0 {
		return 0
	}
	return float64(e.decodeTokensWindow) / e.decodeTimeWindow
}
