// request.go - per-request state machine and output stream, grounded on
// original_source/engine/heyi/utils/request.py (AsyncStream, ReqState,
// Request, DecodeBatch).
package scheduler

import (
	"sync"

	"github.com/heyi/engine/api"
	"github.com/heyi/engine/kvcache"
	"github.com/heyi/engine/runner"
)

// ReqState is a request's position in its lifecycle (spec.md §3). All
// transitions are monotonic; terminal states are reaped on the next loop
// iteration.
type ReqState int

const (
	StatePending ReqState = iota
	StatePrefilling
	StateLPrefilling
	StateDecoding
	StateFinished
	StateCancelled
)

func (s ReqState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StatePrefilling:
		return "PREFILLING"
	case StateLPrefilling:
		return "LPREFILLING"
	case StateDecoding:
		return "DECODING"
	case StateFinished:
		return "FINISHED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// StreamItem is one element of a request's output stream: a text chunk, or
// (mutually exclusively) the final usage record, or the terminal
// (empty-text, reason) pair (spec.md §6).
type StreamItem struct {
	Text       string
	StopReason string
	Usage      *api.Usage
}

// Stream is the per-request async producer/consumer queue. The engine
// produces; the caller consumes via Items() and calls Close() to cancel
// early (mirrors AsyncStream.generator()'s GeneratorExit handling).
type Stream struct {
	id     string
	items  chan StreamItem
	quit   chan struct{}
	once   sync.Once
	cancel func(id string)
}

// NewStream builds a stream bound to id; cancel is invoked exactly once,
// with id, the first time the consumer calls Close().
func NewStream(id string, cancel func(string)) *Stream {
	return &Stream{
		id:     id,
		items:  make(chan StreamItem, 64),
		quit:   make(chan struct{}),
		cancel: cancel,
	}
}

// Items returns the channel consumers range over. It is closed once the
// terminal item has been delivered.
func (s *Stream) Items() <-chan StreamItem { return s.items }

// Close is called by the consumer to stop reading early; it cancels the
// owning request through the callback given to NewStream.
func (s *Stream) Close() {
	s.once.Do(func() {
		close(s.quit)
		if s.cancel != nil {
			s.cancel(s.id)
		}
	})
}

// put enqueues item, returning false if the consumer has already closed
// the stream (mirrors the teacher's flushPending select on seq.quit).
func (s *Stream) put(item StreamItem) bool {
	select {
	case s.items <- item:
		return true
	case <-s.quit:
		return false
	}
}

// finish pushes the final usage record and stop reason, then closes the
// channel so the consumer's range loop ends.
func (s *Stream) finish(usage api.Usage, reason string) {
	s.put(StreamItem{Usage: &usage})
	s.put(StreamItem{StopReason: reason})
	close(s.items)
}

// Request is one chat completion in flight: its token buffer, cache
// binding, generation config, and output stream. Text decoding and stop
// detection live on Engine (decode.go), which is the only piece
// holding a model.Tokenizer.
type Request struct {
	ID      string
	Stream  *Stream
	Sampler *runner.Sampler
	GenCfg  api.GenerationConfig

	State ReqState

	// AllIDs is preallocated to the engine's max_length; AllLength reports
	// how many entries are valid right now (spec.md §3).
	AllIDs []int32

	PromptLength    int
	PrefilledLength int
	AllLength       int
	GeneratedLength int

	// Match/PageIndices/LastPageLen track this request's current position
	// in the prefix tree (there is always exactly one sequence per request
	// here); refreshed by adoptSlot after every Plan call.
	Match       kvcache.Match
	PageIndices []int
	LastPageLen int

	DecodeRunnerID int // -1 until bound to a decode runner

	Stats *Stats
	Usage api.Usage

	// TokenCache buffers generated ids whose decoded text might still be an
	// incomplete rune or a forming stop sequence (spec.md §3 "token-cache
	// for partial UTF-8 decoding").
	TokenCache []int32
	Stop       []string
}

// NewRequest builds a PENDING request with promptIDs already written into
// a freshly allocated AllIDs buffer of the given capacity.
func NewRequest(id string, promptIDs []int32, maxLength int, genCfg api.GenerationConfig, sampler *runner.Sampler, cancel func(string)) *Request {
	allIDs := make([]int32, maxLength)
	copy(allIDs, promptIDs)

	return &Request{
		ID:             id,
		Stream:         NewStream(id, cancel),
		Sampler:        sampler,
		GenCfg:         genCfg,
		State:          StatePending,
		AllIDs:         allIDs,
		PromptLength:   len(promptIDs),
		AllLength:      len(promptIDs),
		DecodeRunnerID: -1,
		Stats:          NewStats(),
		Stop:           genCfg.Stop,
	}
}

// Slot builds the runner-facing view of this request's current token
// buffer and cache binding, used for one scheduler substep.
func (r *Request) Slot() *runner.ReqSlot {
	return &runner.ReqSlot{
		ReqID:       r.ID,
		AllIDs:      r.AllIDs,
		Len:         r.AllLength,
		Sampler:     r.Sampler,
		PageIndices: r.PageIndices,
		LastPageLen: r.LastPageLen,
		Node:        r.Match.Node,
	}
}

// adoptSlot copies a runner's updated cache placement back onto the
// request after PlanDecode1/Decode1/PrefillChunk ran.
func (r *Request) adoptSlot(slot *runner.ReqSlot) {
	r.Match.Node = slot.Node
	r.Match.Len = len(slot.PageIndices)
	r.PageIndices = slot.PageIndices
	r.LastPageLen = slot.LastPageLen
}

// OnPrefill1ChunkDone advances prefilledLength by one chunk; reports
// whether the whole prompt has now been prefilled.
func (r *Request) OnPrefill1ChunkDone(chunkSize int) bool {
	r.PrefilledLength += chunkSize
	if r.PrefilledLength > r.PromptLength {
		r.PrefilledLength = r.PromptLength
	}
	return r.PrefilledLength >= r.PromptLength
}

// OnPrefillDone transitions to DECODING, appends the first sampled token,
// and freezes prompt usage counters. It reports the length-based stop
// reason, same as OnDecode1Done, since a max_new_tokens=1 request can
// already be done after its very first token.
func (r *Request) OnPrefillDone(token int32) (lengthStop string) {
	r.State = StateDecoding
	r.Stats.OnPrefillDone()

	if r.GenCfg.Thinking {
		r.Emit("<think>")
	}

	r.AllIDs[r.AllLength] = token
	r.AllLength++
	r.GeneratedLength++

	r.Usage.PromptTokens = r.PromptLength
	r.Usage.CompletionTokens = r.GeneratedLength
	r.Usage.TotalTokens = r.AllLength

	if r.AllLength >= r.GenCfg.MaxLength || r.GeneratedLength >= r.GenCfg.MaxNewTokens {
		return "length"
	}
	return ""
}

// OnDecode1Done appends one generated token and updates completion usage.
// It reports the length-based stop reason ("length" or "") so the caller
// can combine it with EOS/stop-string detection before finishing.
func (r *Request) OnDecode1Done(token int32) (lengthStop string) {
	r.AllIDs[r.AllLength] = token
	r.AllLength++
	r.GeneratedLength++
	r.Stats.OnDecode1Done()

	r.Usage.CompletionTokens = r.GeneratedLength
	r.Usage.TotalTokens = r.AllLength

	if r.AllLength >= r.GenCfg.MaxLength || r.GeneratedLength >= r.GenCfg.MaxNewTokens {
		return "length"
	}
	return ""
}

// Emit pushes one decoded text chunk to the stream, non-blocking against a
// consumer that has already closed it.
func (r *Request) Emit(text string) {
	if text != "" {
		r.Stream.put(StreamItem{Text: text})
	}
}

// Finish transitions to FINISHED and delivers the terminal stream items.
func (r *Request) Finish(reason string) {
	r.State = StateFinished
	r.Stream.finish(r.Usage, reason)
}

// Cancel marks the request CANCELLED and notifies its stream, freezing
// Usage at its current value (spec.md §10: "total_tokens frozen on
// cancel").
func (r *Request) Cancel() {
	r.State = StateCancelled
	r.Stream.finish(r.Usage, "cancelled")
}
