// stubs.go - collaborator stubs satisfying ml.Model, model.Tokenizer,
// kvcache.DeviceMigrator, and ml.LicenseChecker. Numerical kernels, weight
// I/O, and tokenizer formatting are external collaborators out of scope for
// this module (spec.md §1); these stand in only so "serve" can construct
// and run a real Engine loop against them. A deployment wires a loaded
// checkpoint and tokenizer in their place.
package cmd

import (
	"context"
	"fmt"

	"github.com/heyi/engine/ml"
	"github.com/heyi/engine/model"
)

const stubVariant = ml.AttentionGQA

const (
	stubVocabSize  = 32000
	stubHiddenSize = 4096
	stubNumLayers  = 1
	stubPageSize   = 16
)

type stubTensor struct {
	dims []int
	data []float32
}

func (t *stubTensor) Dim(n int) int     { return t.dims[n] }
func (t *stubTensor) Stride(n int) int  { return 1 }
func (t *stubTensor) DType() ml.DType   { return ml.DTypeF32 }
func (t *stubTensor) Floats() []float32 { return t.data }

type stubContext struct{}

func (stubContext) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return &stubTensor{dims: shape, data: make([]float32, n)}
}
func (stubContext) FromInts(vals []int32) ml.Tensor {
	return &stubTensor{dims: []int{len(vals)}, data: make([]float32, len(vals))}
}
func (stubContext) FromFloats(vals []float32, shape ...int) ml.Tensor {
	return &stubTensor{dims: shape, data: vals}
}
func (c stubContext) Forward(t ml.Tensor) ml.Context { return c }
func (stubContext) Compute(outputs ...ml.Tensor) error {
	return nil
}
func (stubContext) Close() {}

// stubModel produces all-zero logits for every query; a placeholder until a
// real checkpoint is loaded (spec.md's ml.Model boundary).
type stubModel struct{}

func newStubModel() ml.Model { return stubModel{} }

func (stubModel) Variant() ml.AttentionVariant { return stubVariant }
func (stubModel) NumLayers() int               { return stubNumLayers }
func (stubModel) HiddenSize() int              { return stubHiddenSize }
func (stubModel) PageSize() int                { return stubPageSize }
func (stubModel) NewContext() ml.Context       { return stubContext{} }
func (stubModel) Close() error                 { return nil }
func (m stubModel) Fork() (ml.Model, error)     { return m, nil }

func (stubModel) Forward(ctx context.Context, mctx ml.Context, batch ml.Batch) (ml.Tensor, error) {
	k := len(batch.Outputs)
	return &stubTensor{dims: []int{k, stubVocabSize}, data: make([]float32, k*stubVocabSize)}, nil
}

// stubTokenizer renders token ids as decimal digit strings and never emits
// EOS on its own; a placeholder until a real tokenizer/chat-template is
// wired (spec.md's model.Tokenizer boundary).
type stubTokenizer struct{}

func newStubTokenizer() model.Tokenizer { return stubTokenizer{} }

func (stubTokenizer) FormatAndTokenize(messages []model.Message, tools []string) ([]int32, error) {
	ids := make([]int32, 0, len(messages))
	for i := range messages {
		ids = append(ids, int32(i))
	}
	return ids, nil
}

func (stubTokenizer) Decode(ids []int32) (string, error) {
	out := ""
	for _, id := range ids {
		out += fmt.Sprintf("%d", id)
	}
	return out, nil
}

func (stubTokenizer) IsEOS(id int32) bool { return false }
func (stubTokenizer) VocabSize() int      { return stubVocabSize }

// stubMigrator treats every layer as already device-resident; layerwise
// prefill only exercises this path when HEYI_ENABLE_LAYERWISE_PREFILL is set
// against a real backend.
type stubMigrator struct{}

func newStubMigrator() stubMigrator { return stubMigrator{} }

func (stubMigrator) MigrateLayer(ctx context.Context, layer int, toDevice bool) error { return nil }
func (stubMigrator) MigrateAll(ctx context.Context, toDevice bool) error             { return nil }

// noopLicenseChecker always passes; it is the seam spec.md §10 supplement 1
// names, not the policy.
type noopLicenseChecker struct{}

func newNoopLicenseChecker() ml.LicenseChecker { return noopLicenseChecker{} }

func (noopLicenseChecker) Check(ctx context.Context) error { return nil }
