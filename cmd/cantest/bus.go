package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/kstaniek/go-mcp2515/internal/can"
	"github.com/kstaniek/go-mcp2515/internal/irq"
	"github.com/kstaniek/go-mcp2515/internal/mcp2515"
	"github.com/kstaniek/go-mcp2515/internal/mcp2515/chipsim"
	"github.com/kstaniek/go-mcp2515/internal/socketcan"
	"github.com/kstaniek/go-mcp2515/internal/spibus"
)

// errBusy means the transmit side is full; the caller may retry.
var errBusy = errors.New("tx buffer full")

const recvPoll = 20 * time.Millisecond

// Bus is one CAN endpoint as seen by the test procedures.
type Bus interface {
	Send(ctx context.Context, f can.Frame) error
	Recv(ctx context.Context) (can.Frame, error)
	Close() error
}

type busOptions struct {
	backend    string // socketcan | local
	iface      string
	transport  string // spidev | buspirate | sim
	spiPort    string
	spiClock   physic.Frequency
	serialDev  string
	baud       int
	irqPin     string
	mode       string
	maxPending int
}

// openBus is swapped in tests.
var openBus = func(ctx context.Context, o busOptions, l *slog.Logger) (Bus, error) {
	switch o.backend {
	case "socketcan":
		dev, err := socketcan.Open(o.iface)
		if err != nil {
			return nil, fmt.Errorf("socketcan open %s: %w", o.iface, err)
		}
		return newSocketCANBus(dev), nil
	case "local":
		b, err := openLocal(ctx, o, l)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown backend %q (use socketcan|local)", o.backend)
}

// socketcanBus reads in the background so Recv can honour ctx.
type socketcanBus struct {
	dev    socketcan.Dev
	rx     chan can.Frame
	errc   chan error
	cancel context.CancelFunc
}

func newSocketCANBus(dev socketcan.Dev) *socketcanBus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &socketcanBus{dev: dev, rx: make(chan can.Frame, 64), errc: make(chan error, 1), cancel: cancel}
	go func() {
		b.errc <- socketcan.ReadLoop(ctx, dev, func(f can.Frame) {
			select {
			case b.rx <- f:
			case <-ctx.Done():
			}
		})
	}()
	return b
}

func (b *socketcanBus) Send(_ context.Context, f can.Frame) error {
	err := b.dev.WriteFrame(f)
	if errors.Is(err, syscall.ENOBUFS) {
		return fmt.Errorf("%w: %v", errBusy, err)
	}
	return err
}

func (b *socketcanBus) Recv(ctx context.Context) (can.Frame, error) {
	select {
	case f := <-b.rx:
		return f, nil
	case err := <-b.errc:
		if err == nil {
			err = errors.New("socketcan closed")
		}
		return can.Frame{}, err
	case <-ctx.Done():
		return can.Frame{}, ctx.Err()
	}
}

func (b *socketcanBus) Close() error {
	b.cancel()
	return b.dev.Close()
}

// controllerBus drives a local MCP2515 and services it from its interrupt
// line until closed.
type controllerBus struct {
	ctrl       *mcp2515.Controller
	maxPending int
	cancel     context.CancelFunc
	done       chan error
}

func newControllerBus(ctrl *mcp2515.Controller, line mcp2515.InterruptLine, maxPending int) *controllerBus {
	if maxPending <= 0 {
		maxPending = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &controllerBus{ctrl: ctrl, maxPending: maxPending, cancel: cancel, done: make(chan error, 1)}
	go func() { b.done <- ctrl.Run(ctx, line) }()
	return b
}

// Send queues f and flushes. Once maxPending frames wait for a free transmit
// buffer it reports errBusy instead.
func (b *controllerBus) Send(_ context.Context, f can.Frame) error {
	if b.ctrl.Pending() >= b.maxPending {
		if _, err := b.ctrl.FlushTxQueue(); err != nil {
			return err
		}
		if b.ctrl.Pending() >= b.maxPending {
			return errBusy
		}
	}
	return b.ctrl.TransmitFrame(f)
}

func (b *controllerBus) Recv(ctx context.Context) (can.Frame, error) {
	t := time.NewTicker(recvPoll)
	defer t.Stop()
	for {
		if f, ok := b.ctrl.GetFrame(); ok {
			return f, nil
		}
		select {
		case <-ctx.Done():
			return can.Frame{}, ctx.Err()
		case <-b.ctrl.Received():
		case <-t.C:
		}
	}
}

func (b *controllerBus) Close() error {
	b.cancel()
	err := <-b.done
	return errors.Join(err, b.ctrl.Close())
}

// newSimChip is swapped in tests.
var newSimChip = func() *chipsim.Chip { return chipsim.New("cantest") }

func openLocal(ctx context.Context, o busOptions, l *slog.Logger) (*controllerBus, error) {
	if o.transport == "sim" {
		chip := newSimChip()
		return startController(ctx, chip, irq.New(chip, irq.WithLogger(l)), o, l)
	}
	sc, err := spibus.Open(spibus.Config{Kind: o.transport, Port: o.spiPort, Clock: o.spiClock, Serial: o.serialDev, Baud: o.baud})
	if err != nil {
		return nil, err
	}
	w, err := irq.Open(o.irqPin, irq.WithLogger(l))
	if err != nil {
		_ = sc.Close()
		return nil, err
	}
	return startController(ctx, sc, w, o, l)
}

// startController opens the chip behind conn in the configured mode and
// starts servicing line.
func startController(ctx context.Context, conn mcp2515.Conn, line mcp2515.InterruptLine, o busOptions, l *slog.Logger) (*controllerBus, error) {
	mode, err := mcp2515.ParseMode(o.mode)
	if err != nil {
		return nil, err
	}
	ctrl := mcp2515.New(conn, mcp2515.WithLogger(l), mcp2515.WithMode(mode))
	if err := ctrl.Open(ctx); err != nil {
		_ = ctrl.Close()
		return nil, err
	}
	return newControllerBus(ctrl, line, o.maxPending), nil
}
