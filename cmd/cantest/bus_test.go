package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kstaniek/go-mcp2515/internal/can"
	"github.com/kstaniek/go-mcp2515/internal/logging"
	"github.com/kstaniek/go-mcp2515/internal/mcp2515/chipsim"
)

func openSim(t *testing.T, mode string, maxPending int) (*controllerBus, *chipsim.Chip) {
	t.Helper()
	chip := chipsim.New("cantest-" + mode)
	prev := newSimChip
	newSimChip = func() *chipsim.Chip { return chip }
	defer func() { newSimChip = prev }()
	b, err := openLocal(context.Background(), busOptions{transport: "sim", mode: mode, maxPending: maxPending}, logging.Discard())
	if err != nil {
		t.Fatalf("openLocal: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b, chip
}

func TestControllerBusLoopback(t *testing.T) {
	b, _ := openSim(t, "loopback", 3)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	want := can.MustFrame(true, false, 0x18DAF110, 2, 0x10, 0x03)
	if err := b.Send(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err := b.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(want) {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestControllerBusReportsBusy(t *testing.T) {
	// Configuration mode never transmits, so every buffer stays requested.
	b, _ := openSim(t, "configuration", 1)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := b.Send(ctx, can.MustFrame(false, false, uint32(i))); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if b.ctrl.Pending() != 1 {
		t.Fatalf("expected one frame waiting, got %d", b.ctrl.Pending())
	}
	if err := b.Send(ctx, can.MustFrame(false, false, 9)); !errors.Is(err, errBusy) {
		t.Fatalf("expected errBusy, got %v", err)
	}
}

func TestRunSpeedDrainsQueue(t *testing.T) {
	b, chip := openSim(t, "normal", 3)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out bytes.Buffer
	if _, err := runSpeed(ctx, b, 50, 3, &out); err != nil {
		t.Fatalf("speed: %v", err)
	}
	if n := len(chip.Sent()); n != 50 {
		t.Fatalf("chip transmitted %d frames", n)
	}
	if !strings.Contains(out.String(), "Transmitted 50 frames") {
		t.Fatalf("missing report:\n%s", out.String())
	}
}

func TestSelftestLinkedChips(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out bytes.Buffer
	err := runSelftest(ctx, busOptions{maxPending: 3}, sendParams{frames: 20, delay: 2 * time.Millisecond, seed: 5}, &out)
	if err != nil {
		t.Fatalf("selftest: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "PASS") {
		t.Fatalf("missing verdict:\n%s", out.String())
	}
}
