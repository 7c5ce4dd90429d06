package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-mcp2515/internal/can"
)

var errSendFail = errors.New("send fail")

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestAsyncTxPreservesOrder(t *testing.T) {
	var got []uint32
	done := make(chan struct{})
	ax := NewAsyncTx(context.Background(), 8, func(fr can.Frame) error {
		got = append(got, fr.ID())
		if len(got) == 5 {
			close(done)
		}
		return nil
	}, Hooks{})
	defer ax.Close()
	for i := 0; i < 5; i++ {
		if err := ax.SendFrame(can.MustFrame(false, false, uint32(i))); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("worker did not drain")
	}
	for i, id := range got {
		if id != uint32(i) {
			t.Fatalf("order broken: %v", got)
		}
	}
}

func TestAsyncTxOverflowDefault(t *testing.T) {
	release := make(chan struct{})
	ax := NewAsyncTx(context.Background(), 1, func(can.Frame) error { <-release; return nil }, Hooks{})
	defer ax.Close()
	defer close(release)
	_ = ax.SendFrame(can.Frame{}) // picked up by the worker
	waitFor(t, func() bool { return ax.Len() == 0 })
	if err := ax.SendFrame(can.Frame{}); err != nil {
		t.Fatalf("buffered send: %v", err)
	}
	if err := ax.SendFrame(can.Frame{}); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestAsyncTxOnDropAndOnError(t *testing.T) {
	custom := errors.New("custom drop")
	var drops, errs atomic.Int32
	release := make(chan struct{})
	ax := NewAsyncTx(context.Background(), 1, func(can.Frame) error { <-release; return errSendFail }, Hooks{
		OnDrop:  func() error { drops.Add(1); return custom },
		OnError: func(_ can.Frame, err error) { errs.Add(1) },
	})
	defer ax.Close()
	_ = ax.SendFrame(can.Frame{})
	waitFor(t, func() bool { return ax.Len() == 0 })
	_ = ax.SendFrame(can.Frame{})
	if err := ax.SendFrame(can.Frame{}); !errors.Is(err, custom) || drops.Load() != 1 {
		t.Fatalf("drop hook: err=%v drops=%d", err, drops.Load())
	}
	close(release)
	waitFor(t, func() bool { return errs.Load() == 2 })
}

func TestAsyncTxSendAfterClose(t *testing.T) {
	var sent atomic.Int32
	ax := NewAsyncTx(context.Background(), 2, func(can.Frame) error { sent.Add(1); return nil }, Hooks{})
	ax.Close()
	ax.Close()
	if err := ax.SendFrame(can.Frame{}); !errors.Is(err, ErrAsyncTxClosed) {
		t.Fatalf("expected ErrAsyncTxClosed, got %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if sent.Load() != 0 {
		t.Fatalf("frame processed after close")
	}
}

func TestAsyncTxCloseConcurrentSend(t *testing.T) {
	for i := 0; i < 100; i++ {
		ax := NewAsyncTx(context.Background(), 1, func(can.Frame) error { return nil }, Hooks{})
		done := make(chan error, 1)
		go func() { done <- ax.SendFrame(can.Frame{}) }()
		time.Sleep(time.Millisecond)
		ax.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrAsyncTxClosed) {
			t.Fatalf("iteration %d: unexpected send error %v", i, err)
		}
	}
}
