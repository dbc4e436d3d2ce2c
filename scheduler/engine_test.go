package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/heyi/engine/api"
	"github.com/heyi/engine/kvcache"
	"github.com/heyi/engine/ml"
	"github.com/heyi/engine/model"
)

const (
	fakeVocab = 8
	fakeEOS   = int32(99) // outside vocab range: the fake model never emits it on its own
)

type fakeTensor struct {
	dims []int
	data []float32
}

func (t *fakeTensor) Dim(n int) int    { return t.dims[n] }
func (t *fakeTensor) Stride(n int) int { return 1 }
func (t *fakeTensor) DType() ml.DType  { return ml.DTypeF32 }
func (t *fakeTensor) Floats() []float32 {
	return t.data
}

type fakeContext struct{}

func (fakeContext) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return &fakeTensor{dims: shape, data: make([]float32, n)}
}
func (fakeContext) FromInts(vals []int32) ml.Tensor {
	return &fakeTensor{dims: []int{len(vals)}, data: make([]float32, len(vals))}
}
func (fakeContext) FromFloats(vals []float32, shape ...int) ml.Tensor {
	return &fakeTensor{dims: shape, data: vals}
}
func (c fakeContext) Forward(t ml.Tensor) ml.Context { return c }
func (fakeContext) Compute(outputs ...ml.Tensor) error {
	return nil
}
func (fakeContext) Close() {}

// fakeModel always favors the queried position's own last input token
// (mod vocab), so argmax sampling reproduces that token deterministically:
// a short prompt decodes into a stream of one repeated token, which makes
// the max_new_tokens stop condition exactly predictable in tests.
type fakeModel struct{}

func (fakeModel) Variant() ml.AttentionVariant { return ml.AttentionGQA }
func (fakeModel) NumLayers() int               { return 1 }
func (fakeModel) HiddenSize() int              { return 4 }
func (fakeModel) PageSize() int                { return 4 }
func (fakeModel) NewContext() ml.Context       { return fakeContext{} }
func (fakeModel) Close() error                 { return nil }
func (m fakeModel) Fork() (ml.Model, error)     { return m, nil }

func (fakeModel) Forward(ctx context.Context, mctx ml.Context, batch ml.Batch) (ml.Tensor, error) {
	k := len(batch.Outputs)
	data := make([]float32, k*fakeVocab)
	for i, outIdx := range batch.Outputs {
		favored := int(batch.Tokens[outIdx]) % fakeVocab
		data[i*fakeVocab+favored] = 10
	}
	return &fakeTensor{dims: []int{k, fakeVocab}, data: data}, nil
}

// fakeTokenizer renders each token id as a one-rune string so decoded text
// is never incomplete UTF-8 and FormatAndTokenize ignores the actual
// message content in favor of a fixed prompt, keeping tests deterministic.
type fakeTokenizer struct {
	prompt []int32
}

func (t fakeTokenizer) FormatAndTokenize(messages []model.Message, tools []string) ([]int32, error) {
	return append([]int32{}, t.prompt...), nil
}

func (fakeTokenizer) Decode(ids []int32) (string, error) {
	out := make([]rune, len(ids))
	for i, id := range ids {
		out[i] = rune('a' + int(id)%26)
	}
	return string(out), nil
}

func (fakeTokenizer) IsEOS(id int32) bool { return id == fakeEOS }
func (fakeTokenizer) VocabSize() int      { return fakeVocab }

func newTestEngine(t *testing.T, prompt []int32) *Engine {
	t.Helper()
	t.Setenv("HEYI_NUM_DECODE_RUNNERS", "1")
	t.Setenv("HEYI_BATCH_SIZES", "1,2,4")
	t.Setenv("HEYI_ENABLE_LAYERWISE_PREFILL", "false")
	t.Setenv("HEYI_MAX_LENGTH", "64")
	t.Setenv("HEYI_MAX_NEW_TOKENS", "64")
	t.Setenv("HEYI_PREFILL_CHUNK_SIZE", "4")

	cache := kvcache.NewPagedKVCache(ml.AttentionGQA, 64, 4)
	tok := fakeTokenizer{prompt: prompt}

	e, err := NewEngine(context.Background(), fakeModel{}, tok, cache, nil, nil, nil)
	require.NoError(t, err)
	return e
}

func TestEngineSubmitPopulatesCacheHitAndStatus(t *testing.T) {
	e := newTestEngine(t, []int32{1, 2, 3})

	req, err := e.Submit(context.Background(), "", nil, &api.GenerationConfig{MaxNewTokens: 3}, nil)
	require.NoError(t, err)
	require.Equal(t, StatePending, req.State)
	require.Equal(t, 0, req.Usage.CacheHitTokens) // nothing cached yet

	status := e.Status()
	require.Equal(t, 1, status.RequestCounters.Pending)
	require.Len(t, status.Requests, 1)
}

func TestEngineSubmitRejectsOverMaxQueue(t *testing.T) {
	e := newTestEngine(t, []int32{1, 2, 3})
	e.maxQueue = 1

	_, err := e.Submit(context.Background(), "a", nil, nil, nil)
	require.NoError(t, err)

	_, err = e.Submit(context.Background(), "b", nil, nil, nil)
	require.ErrorIs(t, err, ErrMaxQueue)
}

func TestEngineCancelMarksRequestAndReturnsFound(t *testing.T) {
	e := newTestEngine(t, []int32{1, 2, 3})
	req, err := e.Submit(context.Background(), "req-1", nil, nil, nil)
	require.NoError(t, err)

	require.True(t, e.Cancel(req.ID))
	require.Equal(t, StateCancelled, req.State)
	require.False(t, e.Cancel("does-not-exist"))
}

// TestEngineRunLengthStop exercises spec.md §8 scenario 6: with
// max_new_tokens=5, the engine must push exactly 5 tokens and finish with
// ("", "length").
func TestEngineRunLengthStop(t *testing.T) {
	e := newTestEngine(t, []int32{1, 2, 3})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	cfg := &api.GenerationConfig{Temperature: 0, MaxNewTokens: 5}
	req, err := e.Submit(ctx, "req-1", nil, cfg, nil)
	require.NoError(t, err)

	var textChunks int
	var finalReason string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case item, ok := <-req.Stream.Items():
			if !ok {
				require.Equal(t, "length", finalReason)
				require.Equal(t, 5, textChunks)
				require.Equal(t, 5, req.Usage.CompletionTokens)
				return
			}
			if item.Text != "" {
				textChunks++
			}
			if item.Usage != nil {
				require.Equal(t, 5, item.Usage.CompletionTokens)
			}
			if item.StopReason != "" {
				finalReason = item.StopReason
			}
		case <-timeout:
			t.Fatal("timed out waiting for request to finish")
		}
	}
}

// lruTestTokenizer derives each request's prompt from its first message's
// content byte instead of a fixed prompt, so TestEngineRunLRUEvictionUnderPressure
// can submit several distinct prompts through one engine.
type lruTestTokenizer struct{}

func (lruTestTokenizer) FormatAndTokenize(messages []model.Message, tools []string) ([]int32, error) {
	base := int32(messages[0].Content[0]) * 10
	ids := make([]int32, 8)
	for i := range ids {
		ids[i] = base + int32(i)
	}
	return ids, nil
}

func (lruTestTokenizer) Decode(ids []int32) (string, error) {
	out := make([]rune, len(ids))
	for i, id := range ids {
		out[i] = rune('a' + int(id)%26)
	}
	return string(out), nil
}

func (lruTestTokenizer) IsEOS(id int32) bool { return id == fakeEOS }
func (lruTestTokenizer) VocabSize() int      { return fakeVocab }

func drainUntilClosed(t *testing.T, s *Stream) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-s.Items():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("timed out draining stream")
		}
	}
}

// TestEngineRunLRUEvictionUnderPressure exercises spec.md §8 scenario 3: with
// a 4-page cache (page_size=4), each 8-token prompt claims exactly 2 pages,
// so the table holds at most two finished prompts' cache entries before a
// third needs to reclaim one by LRU. Before admission was made
// capacity-aware (gating on NumPages, not just NumFreePages) the third
// prompt's chunked-prefill admission was rejected every loop iteration and
// it starved forever, even though the prefix tree had an LRU-evictable
// entry that Plan could have reclaimed.
func TestEngineRunLRUEvictionUnderPressure(t *testing.T) {
	t.Setenv("HEYI_NUM_DECODE_RUNNERS", "1")
	t.Setenv("HEYI_BATCH_SIZES", "1,2,4")
	t.Setenv("HEYI_ENABLE_LAYERWISE_PREFILL", "false")
	t.Setenv("HEYI_MAX_LENGTH", "64")
	t.Setenv("HEYI_MAX_NEW_TOKENS", "64")
	t.Setenv("HEYI_PREFILL_CHUNK_SIZE", "8")

	const numPages = 4
	const pageSize = 4
	cache := kvcache.NewPagedKVCache(ml.AttentionGQA, numPages, pageSize)

	e, err := NewEngine(context.Background(), fakeModel{}, lruTestTokenizer{}, cache, nil, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	cfg := &api.GenerationConfig{Temperature: 0, MaxNewTokens: 1}
	for _, label := range []string{"A", "B", "C", "D"} {
		req, err := e.Submit(ctx, label, []api.Message{{Role: "user", Content: label}}, cfg, nil)
		require.NoError(t, err)
		drainUntilClosed(t, req.Stream)
		require.Equal(t, StateFinished, req.State)
		require.Equal(t, 1, req.Usage.CompletionTokens)
		require.LessOrEqual(t, numPages-cache.NumFreePages(), numPages,
			"table must never report more pages in use than its capacity")
	}
}

// TestEngineRunCancellation exercises spec.md §8 scenario 5: closing the
// stream mid-generation cancels the request and its final item reports
// "cancelled".
func TestEngineRunCancellation(t *testing.T) {
	e := newTestEngine(t, []int32{1, 2, 3})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	cfg := &api.GenerationConfig{Temperature: 0, MaxNewTokens: 1000}
	req, err := e.Submit(ctx, "req-1", nil, cfg, nil)
	require.NoError(t, err)

	seen := 0
	timeout := time.After(5 * time.Second)
	for seen < 3 {
		select {
		case item := <-req.Stream.Items():
			if item.Text != "" {
				seen++
			}
		case <-timeout:
			t.Fatal("timed out waiting for tokens")
		}
	}

	req.Stream.Close()

	require.Equal(t, StateCancelled, req.State)
}
