// Package ml defines the boundary between the serving core and the
// numerical backend: tensors, execution contexts, and the model/attention
// interfaces the scheduler and runners drive. No kernel runs here.
package ml

import "context"

// DType is a tensor element type. The set mirrors what a dense-plus-expert
// MoE checkpoint actually uses; kernels decide what they accept.
type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
	DTypeI32
)

func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	case DTypeI32:
		return "i32"
	default:
		return "unknown"
	}
}

// Tensor is an opaque handle into backend-owned storage. Shape/stride
// queries are provided so callers (notably kvcache) can lay out paged
// buffers without knowing the backend's memory model.
type Tensor interface {
	Dim(n int) int
	Stride(n int) int
	DType() DType

	// Floats copies this tensor's contents out as a flat row-major slice,
	// mirroring the teacher's modelOutput.Floats() used to read logits back
	// to the host after Compute.
	Floats() []float32
}

// Context is a single forward-pass scope: tensors allocated from it are
// valid for the lifetime of one Forward call and released on Close.
type Context interface {
	Zeros(dtype DType, shape ...int) Tensor
	FromInts(vals []int32) Tensor
	FromFloats(vals []float32, shape ...int) Tensor
	Forward(t Tensor) Context
	Compute(outputs ...Tensor) error
	Close()
}

// DeviceStream is the device-side ordering primitive StreamLoader events
// attach to (a CUDA stream in the original, an opaque ordering token here).
type DeviceStream interface {
	Record() DeviceMarker
	Wait(DeviceMarker)
	Synchronize()
}

// DeviceMarker is a point on a DeviceStream's timeline.
type DeviceMarker interface {
	Reached() bool
}

// AttentionVariant selects the KV layout a model uses, per Design Note
// "capability set instead of subclassing."
type AttentionVariant int

const (
	AttentionMLA AttentionVariant = iota
	AttentionGQA
)

// Model is the abstract dense-plus-expert network the runners drive. A real
// implementation loads weights onto GPU-resident dense tensors and streams
// CPU-resident expert weights through a RingBuffer via StreamLoader.
type Model interface {
	Variant() AttentionVariant
	NumLayers() int
	HiddenSize() int
	PageSize() int

	// NewContext opens a fresh forward-pass scope, mirroring the teacher's
	// Backend().NewContext().
	NewContext() Context

	// Forward runs one step (prefill chunk or decode substep) over ctx and
	// writes per-token logits into the returned tensor.
	Forward(ctx context.Context, mctx Context, batch Batch) (Tensor, error)

	// Fork returns an independent runner-facing handle sharing dense
	// weights but owning its own per-runner scratch buffers.
	Fork() (Model, error)

	Close() error
}

// LicenseChecker is the boot-time (and periodic) licensing seam the original
// engine consults via licmgr before and during serving. spec.md leaves the
// policy external; this interface is only the integration point cmd wires a
// real checker into, defaulting to a no-op that always passes.
type LicenseChecker interface {
	Check(ctx context.Context) error
}

// Batch describes one forward-pass worth of tokens across one or more
// requests, grounded on the teacher's input.Batch shape.
type Batch struct {
	Tokens    []int32
	Positions []int32
	SeqIDs    []int
	// Outputs indexes into Tokens for the positions whose logits are wanted
	// (decode wants every position; prefill wants only the last).
	Outputs []int32
}
