package socketcan

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-mcp2515/internal/can"
	"github.com/kstaniek/go-mcp2515/internal/metrics"
	"github.com/kstaniek/go-mcp2515/internal/transport"
)

// fakeDev replays queued frames on read and records writes.
type fakeDev struct {
	mu      sync.Mutex
	in      []can.Frame
	out     []can.Frame
	block   chan struct{}
	written chan struct{}
	err     error
}

func (d *fakeDev) ReadFrame(fr *can.Frame) error {
	d.mu.Lock()
	if len(d.in) > 0 {
		*fr = d.in[0]
		d.in = d.in[1:]
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()
	return io.EOF
}

func (d *fakeDev) WriteFrame(fr can.Frame) error {
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.out = append(d.out, fr)
	if d.written != nil {
		d.written <- struct{}{}
	}
	return nil
}

func (d *fakeDev) Close() error { return nil }

func TestMarshalLayout(t *testing.T) {
	buf := marshal(can.MustFrame(true, false, 0x1ABCDEF0, 1, 2, 3))
	f, err := unmarshal(buf[:])
	if err != nil {
		t.Fatal(err)
	}
	if buf[4] != 3 || buf[5] != 0 || buf[8] != 1 || buf[10] != 3 || buf[11] != 0 {
		t.Fatalf("unexpected can_frame layout % X", buf)
	}
	if !f.Extended() || f.ID() != 0x1ABCDEF0 || f.Len() != 3 {
		t.Fatalf("decoded %s", f)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	for _, want := range []can.Frame{
		can.MustFrame(false, false, 0x123),
		can.MustFrame(false, false, 0x7FF, 1, 2, 3, 4, 5, 6, 7, 8),
		can.MustFrame(true, true, 0x10, 0, 0),
	} {
		buf := marshal(want)
		got, err := unmarshal(buf[:])
		if err != nil {
			t.Fatalf("%s: %v", want, err)
		}
		if !got.Equal(want) {
			t.Fatalf("got %s want %s", got, want)
		}
	}
}

func TestUnmarshalErrors(t *testing.T) {
	if _, err := unmarshal(make([]byte, 8)); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("expected ErrShortFrame, got %v", err)
	}
	var buf [frameSize]byte
	binary.NativeEndian.PutUint32(buf[0:4], can.CAN_ERR_FLAG|1)
	if _, err := unmarshal(buf[:]); !errors.Is(err, can.ErrIdentifierRange) {
		t.Fatalf("error frame accepted: %v", err)
	}
}

func TestReadLoopDeliversUntilError(t *testing.T) {
	dev := &fakeDev{in: []can.Frame{can.MustFrame(false, false, 1), can.MustFrame(false, false, 2)}}
	before := metrics.Snap().SocketCANRx
	var got []can.Frame
	err := ReadLoop(context.Background(), dev, func(f can.Frame) { got = append(got, f) })
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected wrapped EOF, got %v", err)
	}
	if len(got) != 2 || got[1].ID() != 2 {
		t.Fatalf("got %v", got)
	}
	if metrics.Snap().SocketCANRx-before != 2 {
		t.Fatalf("rx not counted")
	}
}

func TestReadLoopCancelledReturnsNil(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ReadLoop(ctx, &fakeDev{}, func(can.Frame) {}); err != nil {
		t.Fatalf("expected nil after cancel, got %v", err)
	}
}

func TestTXWriterWrites(t *testing.T) {
	dev := &fakeDev{written: make(chan struct{}, 4)}
	w := NewTXWriter(context.Background(), dev, 4)
	defer w.Close()
	for i := 0; i < 3; i++ {
		if err := w.SendFrame(can.MustFrame(false, false, uint32(i))); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-dev.written:
		case <-time.After(time.Second):
			t.Fatalf("frame %d not written", i)
		}
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	for i, f := range dev.out {
		if f.ID() != uint32(i) {
			t.Fatalf("write order: %v", dev.out)
		}
	}
}

func TestTXWriterOverflow(t *testing.T) {
	dev := &fakeDev{block: make(chan struct{})}
	w := NewTXWriter(context.Background(), dev, 1)
	defer w.Close()
	defer close(dev.block)
	var overflow error
	for i := 0; i < 10 && overflow == nil; i++ {
		overflow = w.SendFrame(can.MustFrame(false, false, 0x1))
	}
	if !errors.Is(overflow, ErrTxOverflow) || !errors.Is(overflow, transport.ErrOverflow) {
		t.Fatalf("expected overflow, got %v", overflow)
	}
}
