package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/heyi/engine/kvcache"
	"github.com/heyi/engine/ml"
)

const fakeVocab = 8

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

// fakeModel echoes a deterministic logit for every requested output
// position so tests can assert on exact argmax tokens without a real
// backend.
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
		// Favor the token id (mod vocab) of the output position's own input
		// token, so the test can predict the argmax deterministically.
		favored := int(batch.Tokens[outIdx]) % fakeVocab
		data[i*fakeVocab+favored] = 10
	}
	return &fakeTensor{dims: []int{k, fakeVocab}, data: data}, nil
}

func newTestCache() *kvcache.PagedKVCache {
	return kvcache.NewPagedKVCache(ml.AttentionGQA, 64, 4)
}

func TestDecodeRunnerWarmUp(t *testing.T) {
	r := NewDecodeRunner(0, fakeModel{}, newTestCache(), []int{1, 2, 4})
	require.NoError(t, r.WarmUp(context.Background(), false))
}

func TestDecodeRunnerPlanAndDecode1(t *testing.T) {
	cache := newTestCache()
	r := NewDecodeRunner(0, fakeModel{}, cache, []int{1, 2, 4})

	slot := &ReqSlot{
		ReqID:  "req-1",
		AllIDs: append(make([]int32, 0, 16), 1, 2, 3, 4, 5),
		Len:    5,
		Node:   0,
	}
	match := cache.Match(slot.AllIDs[:slot.Len])
	results, err := cache.Plan([]kvcache.Match{match}, [][]int32{slot.AllIDs[:slot.Len]}, nil)
	require.NoError(t, err)
	slot.Node = results[0].Node

	batch := &DecodeBatch{Reqs: []*ReqSlot{slot}, B: 1}
	require.NoError(t, r.PlanDecode1(batch))

	mctx := r.model.NewContext()
	defer mctx.Close()
	out, err := r.Decode1(context.Background(), mctx, batch)
	require.NoError(t, err)
	require.Equal(t, fakeVocab, len(out.Floats()))
}

func TestDecodeRunnerPrefillChunk(t *testing.T) {
	cache := newTestCache()
	r := NewDecodeRunner(0, fakeModel{}, cache, []int{1, 2, 4})

	slot := &ReqSlot{
		ReqID:  "req-2",
		AllIDs: append(make([]int32, 0, 16), 1, 2, 3, 4, 5, 6, 7, 8),
		Len:    8,
	}

	mctx := r.model.NewContext()
	defer mctx.Close()

	out, end, err := r.PrefillChunk(context.Background(), mctx, slot, 0, 4)
	require.NoError(t, err)
	require.Equal(t, 4, end)
	require.Equal(t, fakeVocab, len(out.Floats()))

	out2, end2, err := r.PrefillChunk(context.Background(), mctx, slot, end, 4)
	require.NoError(t, err)
	require.Equal(t, 8, end2)
	require.Equal(t, fakeVocab, len(out2.Floats()))
}
