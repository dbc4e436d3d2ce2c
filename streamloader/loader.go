// loader.go - the loader/unloader goroutine pair
//
// Grounded on stream_loader.py's StreamLoader.load(): two cooperating
// workers walk the same ordered op list, one switching weights on ahead of
// the compute that needs them, the other switching them back off once
// compute has moved past, bounded by a ring buffer of GPU slots.
package streamloader

import (
	"context"
	"log/slog"

	"github.com/heyi/engine/kvcache"
	"github.com/heyi/engine/ml"
)

// SwitchOp is one expert's (or expert group's) weight, able to be staged
// onto the GPU (On) and evicted back to host memory (Off).
type SwitchOp interface {
	// Key names this op for logging, derived the way
	// stream_loader.py's assign_op_keys reads module attribute names.
	Key() string
	Size() int
	On(ctx context.Context) error
	Off(ctx context.Context) error
}

// OpEv pairs an op with the Event gating its on/off transitions.
type OpEv struct {
	Op SwitchOp
	Ev *Event
}

// RegisterOpEvs builds one OpEv per op, in iteration order; order matters
// because both workers walk this slice in lock-step with the ring buffer.
func RegisterOpEvs(ops []SwitchOp, stream ml.DeviceStream) []OpEv {
	opevs := make([]OpEv, len(ops))
	for i, op := range ops {
		opevs[i] = OpEv{Op: op, Ev: NewEvent(stream)}
	}
	return opevs
}

// StreamLoader drives the two-worker pipeline over a fixed op list and a
// bounded ring buffer of GPU slots.
type StreamLoader struct {
	opevs []OpEv
	ring  *kvcache.RingBuffer

	// freeMemThreshold gates whether a non-expert op is allowed to load:
	// experts always bypass this check (they're small and load eagerly),
	// matching stream_loader.py's "or is an expert" bypass.
	freeMemBytes     func() int64
	freeMemThreshold int64
}

// NewStreamLoader constructs a loader over opevs, backed by a ring buffer
// with one slot per op allowed to be resident at once.
func NewStreamLoader(opevs []OpEv, ringLength int, freeMemBytes func() int64, freeMemThreshold int64) *StreamLoader {
	return &StreamLoader{
		opevs:            opevs,
		ring:             kvcache.NewRingBuffer(ringLength),
		freeMemBytes:     freeMemBytes,
		freeMemThreshold: freeMemThreshold,
	}
}

// isExpert is left as a hook: a real op list tags expert ops (always
// eligible to load regardless of the free-memory gate) versus dense ops.
type isExpertTagged interface {
	IsExpert() bool
}

func isExpert(op SwitchOp) bool {
	if t, ok := op.(isExpertTagged); ok {
		return t.IsExpert()
	}
	return false
}

// Load starts the loader and unloader goroutines and returns once ctx is
// cancelled and both have exited.
func (l *StreamLoader) Load(ctx context.Context) {
	onQueue := make(chan OpEv, len(l.opevs))
	done := make(chan struct{})

	go l.loadLoop(ctx, onQueue, done)
	go l.unloadLoop(ctx, onQueue, done)

	<-ctx.Done()
	<-done
	<-done
}

// loadLoop walks opevs in order, skipping any already switched on, waiting
// for a ring slot and (for non-expert ops) enough free device memory
// before switching each on.
func (l *StreamLoader) loadLoop(ctx context.Context, onQueue chan<- OpEv, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	for _, oe := range l.opevs {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if oe.Ev.QueryOn() {
			continue
		}

		for !l.ring.SlotAvailable() {
			select {
			case <-ctx.Done():
				return
			default:
			}
		}

		if !isExpert(oe.Op) && l.freeMemBytes() < l.freeMemThreshold {
			slog.Debug("streamloader: deferring load, low device memory", "op", oe.Op.Key())
			for l.freeMemBytes() < l.freeMemThreshold {
				select {
				case <-ctx.Done():
					return
				default:
				}
			}
		}

		l.ring.OnPush()
		if err := oe.Op.On(ctx); err != nil {
			slog.Error("streamloader: op on failed", "op", oe.Op.Key(), "error", err)
			continue
		}
		oe.Ev.SetOn()
		onQueue <- oe
	}
}

// unloadLoop drains the FIFO of switched-on ops, waits for the compute
// stream to actually finish with each one, then switches it back off and
// releases its ring slot.
func (l *StreamLoader) unloadLoop(ctx context.Context, onQueue <-chan OpEv, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	idleIters := 0
	for {
		select {
		case <-ctx.Done():
			return
		case oe := <-onQueue:
			oe.Ev.WaitOff()
			if err := oe.Op.Off(ctx); err != nil {
				slog.Error("streamloader: op off failed", "op", oe.Op.Key(), "error", err)
			}
			l.ring.Pop()
			idleIters = 0
		default:
			idleIters++
			if idleIters > 10000 {
				// periodic housekeeping point after a long idle poll
				// stretch; only the counter is reset, no device memory is
				// released here.
				idleIters = 0
			}
		}
	}
}
