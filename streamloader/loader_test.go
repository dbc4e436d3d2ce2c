package streamloader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/heyi/engine/ml"
)

type fakeMarker struct{}

func (fakeMarker) Reached() bool { return true }

type noopStream struct{}

func (noopStream) Record() ml.DeviceMarker    { return fakeMarker{} }
func (noopStream) Wait(m ml.DeviceMarker)     {}
func (noopStream) Synchronize()               {}

type fakeOp struct {
	key      string
	onCalls  int
	offCalls int
}

func (o *fakeOp) Key() string                  { return o.key }
func (o *fakeOp) Size() int                    { return 1 }
func (o *fakeOp) On(ctx context.Context) error  { o.onCalls++; return nil }
func (o *fakeOp) Off(ctx context.Context) error { o.offCalls++; return nil }

func TestEventOnOffOrdering(t *testing.T) {
	ev := NewEvent(noopStream{})

	done := make(chan struct{})
	go func() {
		ev.WaitOn()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitOn returned before SetOn")
	case <-time.After(10 * time.Millisecond):
	}

	ev.SetOn()
	<-done
	require.True(t, ev.QueryOn())
	require.False(t, ev.QueryOff())
}

func TestStreamLoaderLoadsAndUnloadsEveryOp(t *testing.T) {
	op1 := &fakeOp{key: "expert.0"}
	op2 := &fakeOp{key: "expert.1"}
	opevs := RegisterOpEvs([]SwitchOp{op1, op2}, noopStream{})

	loader := NewStreamLoader(opevs, 2, func() int64 { return 1 << 30 }, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	for _, oe := range opevs {
		oe := oe
		go func() {
			oe.Ev.WaitOn()
			oe.Ev.SetOff()
		}()
	}

	loader.Load(ctx)

	require.Equal(t, 1, op1.onCalls)
	require.Equal(t, 1, op2.onCalls)
	require.Equal(t, 1, op1.offCalls)
	require.Equal(t, 1, op2.offCalls)
}
