package mcp2515_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"

	"github.com/kstaniek/go-mcp2515/internal/can"
	"github.com/kstaniek/go-mcp2515/internal/irq"
	"github.com/kstaniek/go-mcp2515/internal/logging"
	"github.com/kstaniek/go-mcp2515/internal/mcp2515"
	"github.com/kstaniek/go-mcp2515/internal/mcp2515/chipsim"
)

func openSim(t *testing.T, chip *chipsim.Chip, mode mcp2515.Mode) *mcp2515.Controller {
	t.Helper()
	c := mcp2515.New(chip, mcp2515.WithLogger(logging.Discard()), mcp2515.WithMode(mode))
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if m, err := c.Mode(); err != nil || m != mode {
		t.Fatalf("mode after open = %s, %v", m, err)
	}
	return c
}

func testFrames() []can.Frame {
	return []can.Frame{
		can.MustFrame(false, false, 0x123, 1, 2, 3, 4, 5, 6, 7, 8),
		can.MustFrame(true, false, 0x1ABCDEF0, 0xAA),
		can.MustFrame(false, true, 0x7FF, 0, 0),
		can.MustFrame(true, true, 0x1),
		can.MustFrame(false, false, 0x000),
	}
}

func TestLoopbackDeliversInOrder(t *testing.T) {
	chip := chipsim.New("sim0")
	c := openSim(t, chip, mcp2515.ModeLoopback)
	want := testFrames()
	for _, f := range want {
		if err := c.TransmitFrame(f); err != nil {
			t.Fatalf("transmit %s: %v", f, err)
		}
	}
	if _, err := c.HandleInterrupt(); err != nil {
		t.Fatal(err)
	}
	got := c.GetAllFrames()
	if len(got) != len(want) {
		t.Fatalf("received %d frames want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("frame %d: got %s want %s", i, got[i], want[i])
		}
	}
	if sent := chip.Sent(); len(sent) != len(want) {
		t.Fatalf("chip sent %d frames", len(sent))
	}
	if chip.Register(mcp2515.CANINTF)&(mcp2515.RX0IF|mcp2515.RX1IF|mcp2515.TX0IF) != 0 {
		t.Fatalf("flags left set: 0x%02X", chip.Register(mcp2515.CANINTF))
	}
}

func TestLinkedChipsWithInterruptWatcher(t *testing.T) {
	a, b := chipsim.New("a"), chipsim.New("b")
	chipsim.Link(a, b)
	tx := openSim(t, a, mcp2515.ModeNormal)
	rx := openSim(t, b, mcp2515.ModeNormal)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w := irq.New(b, irq.WithPoll(5*time.Millisecond), irq.WithLogger(logging.Discard()))
		if err := rx.Run(ctx, w); err != nil {
			t.Errorf("run: %v", err)
		}
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	want := testFrames()
	var got []can.Frame
	for _, f := range want {
		if err := tx.TransmitFrame(f); err != nil {
			t.Fatalf("transmit: %v", err)
		}
		select {
		case <-rx.Received():
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %s not received", f)
		}
		got = append(got, rx.GetAllFrames()...)
	}
	if len(got) != len(want) {
		t.Fatalf("received %v", got)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("frame %d: got %s want %s", i, got[i], want[i])
		}
	}
}

func TestConcurrentFlushClaimsEachBufferOnce(t *testing.T) {
	// Configuration mode keeps requests pending, so at most three frames
	// can ever be loaded.
	chip := chipsim.New("sim0")
	c := openSim(t, chip, mcp2515.ModeConfiguration)
	for i := 0; i < 10; i++ {
		c.QueueFrame(can.MustFrame(false, false, uint32(i)))
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.FlushTxQueue(); err != nil {
				t.Errorf("flush: %v", err)
			}
		}()
	}
	wg.Wait()
	if c.Pending() != 7 {
		t.Fatalf("pending = %d, want 7", c.Pending())
	}
	rts := 0
	for _, tx := range chip.Transactions() {
		if tx[0]&0xF8 == mcp2515.OpRTS {
			rts++
		}
	}
	if rts != 3 {
		t.Fatalf("request-to-send issued %d times, want 3", rts)
	}
	// Leaving configuration mode sends the pending buffers in order.
	if err := c.SetMode(mcp2515.ModeNormal); err != nil {
		t.Fatal(err)
	}
	for i, f := range chip.Sent() {
		if f.ID() != uint32(i) {
			t.Fatalf("sent %d has id %d", i, f.ID())
		}
	}
}

func TestRolloverKeepsArrivalOrder(t *testing.T) {
	chip := chipsim.New("sim0")
	c := openSim(t, chip, mcp2515.ModeNormal)
	f1 := can.MustFrame(false, false, 0x100, 1)
	f2 := can.MustFrame(false, false, 0x200, 2)
	for _, f := range []can.Frame{f1, f2} {
		if err := chip.Inject(f); err != nil {
			t.Fatalf("inject: %v", err)
		}
	}
	if err := chip.Inject(can.MustFrame(false, false, 0x300)); !errors.Is(err, chipsim.ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	p, err := c.HandleInterrupt()
	if err != nil || p.Received != 2 {
		t.Fatalf("pass %+v err %v", p, err)
	}
	g1, _ := c.GetFrame()
	g2, _ := c.GetFrame()
	if !g1.Equal(f1) || !g2.Equal(f2) {
		t.Fatalf("got %s, %s", g1, g2)
	}
}

func TestCloseResetsChip(t *testing.T) {
	chip := chipsim.New("sim0")
	c := openSim(t, chip, mcp2515.ModeNormal)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if chip.Register(mcp2515.CANSTAT)>>5 != byte(mcp2515.ModeConfiguration) {
		t.Fatalf("chip not reset: CANSTAT 0x%02X", chip.Register(mcp2515.CANSTAT))
	}
}

func TestInterruptKeepsLineAssertedWhileFramesQueued(t *testing.T) {
	chip := chipsim.New("sim0")
	c := openSim(t, chip, mcp2515.ModeNormal)
	for i := 0; i < 3; i++ {
		c.QueueFrame(can.MustFrame(false, false, uint32(i)))
	}
	if p, err := c.FlushTxQueue(); err != nil || p.Sent != 3 {
		t.Fatalf("flush pass %+v err %v", p, err)
	}
	for i := 3; i < 8; i++ {
		c.QueueFrame(can.MustFrame(false, false, uint32(i)))
	}

	p, err := c.HandleInterrupt()
	if err != nil || p.Sent != 3 {
		t.Fatalf("pass %+v err %v", p, err)
	}
	const txFlags = mcp2515.TX0IF | mcp2515.TX1IF | mcp2515.TX2IF
	if got := chip.Register(mcp2515.CANINTF) & txFlags; got != txFlags {
		t.Fatalf("completion flags of reloaded buffers lost: CANINTF 0x%02X", got)
	}
	if chip.Read() != gpio.Low {
		t.Fatalf("interrupt line released with %d frames queued", c.Pending())
	}

	for c.Pending() > 0 {
		if _, err := c.HandleInterrupt(); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := c.HandleInterrupt(); err != nil {
		t.Fatal(err)
	}
	if chip.Read() != gpio.High {
		t.Fatalf("line still asserted after the queue drained: CANINTF 0x%02X", chip.Register(mcp2515.CANINTF))
	}
	sent := chip.Sent()
	if len(sent) != 8 {
		t.Fatalf("chip sent %d frames", len(sent))
	}
	for i, f := range sent {
		if f.ID() != uint32(i) {
			t.Fatalf("sent %d has id %d", i, f.ID())
		}
	}
}

func TestControllersDoNotShareState(t *testing.T) {
	a, b := chipsim.New("a"), chipsim.New("b")
	ca := openSim(t, a, mcp2515.ModeLoopback)
	cb := mcp2515.New(b, mcp2515.WithLogger(logging.Discard()), mcp2515.WithMode(mcp2515.ModeListenOnly))
	if err := cb.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	ca.QueueFrame(can.MustFrame(false, false, 0x10))
	if cb.Pending() != 0 {
		t.Fatalf("frame queued on one controller is pending on another")
	}
	if _, err := ca.FlushTxQueue(); err != nil {
		t.Fatal(err)
	}
	if _, err := ca.HandleInterrupt(); err != nil {
		t.Fatal(err)
	}
	if ca.Buffered() != 1 || cb.Buffered() != 0 {
		t.Fatalf("rx depths a=%d b=%d", ca.Buffered(), cb.Buffered())
	}
	if m, _ := cb.Mode(); m != mcp2515.ModeListenOnly {
		t.Fatalf("second controller mode %s", m)
	}
	if len(b.Sent()) != 0 {
		t.Fatalf("second chip transmitted %v", b.Sent())
	}
}
