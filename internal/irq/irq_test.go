package irq

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"

	"github.com/kstaniek/go-mcp2515/internal/logging"
)

func TestWatchCallsWhileLow(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO25", L: gpio.High, EdgesChan: make(chan gpio.Level, 1)}
	w := New(pin, WithPoll(5*time.Millisecond), WithLogger(logging.Discard()))

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- w.Watch(ctx, func() {
			// The second call services the interrupt and releases the line.
			if calls.Add(1) == 2 {
				_ = pin.Out(gpio.High)
			}
		})
	}()

	pin.EdgesChan <- gpio.Low
	deadline := time.After(2 * time.Second)
	for calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("callback ran %d times", calls.Load())
		case <-time.After(time.Millisecond):
		}
	}
	time.Sleep(20 * time.Millisecond)
	if n := calls.Load(); n != 2 {
		t.Fatalf("callback kept running after release: %d calls", n)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Watch returned %v", err)
	}
}

func TestWatchConfiguresPullUp(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO8", L: gpio.High, EdgesChan: make(chan gpio.Level, 1)}
	w := New(pin, WithPoll(time.Millisecond), WithLogger(logging.Discard()))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_ = w.Watch(ctx, func() { t.Errorf("no edge was delivered") })
	if pin.P != gpio.PullUp {
		t.Fatalf("pull = %s", pin.P)
	}
}

func TestWatchConfigureError(t *testing.T) {
	// gpiotest refuses edge detection without an edge channel.
	pin := &gpiotest.Pin{N: "GPIO9", L: gpio.High}
	w := New(pin, WithPoll(time.Millisecond), WithLogger(logging.Discard()))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := w.Watch(ctx, func() {})
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected configure error, got %v", err)
	}
}

func TestOpenUnknownPin(t *testing.T) {
	prev := hostInit
	hostInit = func() error { return nil }
	defer func() { hostInit = prev }()
	if _, err := Open("NO_SUCH_PIN_42"); !errors.Is(err, ErrNoPin) {
		t.Fatalf("expected ErrNoPin, got %v", err)
	}
}

func TestOpenHostInitFailure(t *testing.T) {
	prev := hostInit
	boom := errors.New("no gpio")
	hostInit = func() error { return boom }
	defer func() { hostInit = prev }()
	if _, err := Open("GPIO25"); !errors.Is(err, boom) {
		t.Fatalf("expected host init error, got %v", err)
	}
}

func TestWatchBacksOffWhileLineStuckLow(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO25", L: gpio.Low, EdgesChan: make(chan gpio.Level, 1)}
	w := New(pin, WithPoll(time.Millisecond), WithLogger(logging.Discard()))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var calls atomic.Int32
	err := w.Watch(ctx, func() { calls.Add(1) })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Watch returned %v", err)
	}
	// 1ms between callbacks allows about 50; a tight loop makes hundreds of thousands.
	if n := calls.Load(); n == 0 || n > 100 {
		t.Fatalf("callbacks in 50ms with line stuck low: %d", n)
	}
}
