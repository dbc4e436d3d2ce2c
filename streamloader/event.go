// Package streamloader implements the two-goroutine loader/unloader
// pipeline that streams CPU-resident expert weights onto the GPU for
// layerwise prefill, gated by Event pairs exactly as
// original_source/engine/heyi/utils/stream_loader.py pairs a
// threading.Event with a torch.cuda.Event.
package streamloader

import (
	"sync"

	"github.com/heyi/engine/ml"
)

// Event gates one SwitchOp's on/off transition across both the host
// (goroutine scheduling order) and the device stream (so a later kernel
// waiting on the weight doesn't run ahead of the copy that loads it).
type Event struct {
	mu       sync.Mutex
	onHost   chan struct{}
	offHost  chan struct{}
	onDone   bool
	offDone  bool
	onMark   ml.DeviceMarker
	offMark  ml.DeviceMarker
	stream   ml.DeviceStream
}

// NewEvent creates an Event bound to a device stream used to record and
// wait on device-side ordering markers.
func NewEvent(stream ml.DeviceStream) *Event {
	return &Event{
		onHost:  make(chan struct{}),
		offHost: make(chan struct{}),
		stream:  stream,
	}
}

// SetOn signals that the op's "on" (load) transition has been issued:
// releases host waiters and records a device marker later waiters can
// block the compute stream on.
func (e *Event) SetOn() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.onDone {
		return
	}
	e.onDone = true
	e.onMark = e.stream.Record()
	close(e.onHost)
}

// SetOff mirrors SetOn for the "off" (unload) transition.
func (e *Event) SetOff() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.offDone {
		return
	}
	e.offDone = true
	e.offMark = e.stream.Record()
	close(e.offHost)
}

// WaitOn blocks the calling goroutine until SetOn has been called, then
// makes the device stream wait on the recorded marker before any further
// device work queued on it may run.
func (e *Event) WaitOn() {
	<-e.onHost
	e.mu.Lock()
	mark := e.onMark
	e.mu.Unlock()
	e.stream.Wait(mark)
}

// WaitOff mirrors WaitOn for the "off" transition.
func (e *Event) WaitOff() {
	<-e.offHost
	e.mu.Lock()
	mark := e.offMark
	e.mu.Unlock()
	e.stream.Wait(mark)
}

// QueryOn reports whether SetOn has already fired, without blocking.
func (e *Event) QueryOn() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.onDone
}

// QueryOff reports whether SetOff has already fired, without blocking.
func (e *Event) QueryOff() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offDone
}

// Reset rearms the event for reuse across a new on/off cycle.
func (e *Event) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onHost = make(chan struct{})
	e.offHost = make(chan struct{})
	e.onDone = false
	e.offDone = false
	e.onMark = nil
	e.offMark = nil
}
