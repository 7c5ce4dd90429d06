package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go"

	"github.com/kstaniek/go-mcp2515/internal/irq"
	"github.com/kstaniek/go-mcp2515/internal/mcp2515"
	"github.com/kstaniek/go-mcp2515/internal/mcp2515/chipsim"
	"github.com/kstaniek/go-mcp2515/internal/spibus"
)

// Hooks for tests.
var (
	openRetryDelay = 500 * time.Millisecond
	openSPI        = spibus.Open
	openIRQ        = irq.Open
	newSimBus      = func() *chipsim.Chip { return chipsim.New("sim0") }
)

// pollLine stands in for an interrupt pin by servicing the chip periodically.
type pollLine struct{ every time.Duration }

func (p pollLine) Watch(ctx context.Context, fn func()) error {
	t := time.NewTicker(p.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			fn()
		}
	}
}

// openLink opens the SPI transport and interrupt source named by cfg.
func openLink(ctx context.Context, cfg *appConfig, l *slog.Logger) (mcp2515.Conn, mcp2515.InterruptLine, error) {
	irqOpts := []irq.Option{irq.WithDebounce(cfg.irqDebounce), irq.WithPoll(cfg.irqPoll), irq.WithLogger(l.With("component", "irq"))}
	if cfg.transport == "sim" {
		chip := newSimBus()
		l.Info("transport_open", "transport", "sim", "chip", chip.Name())
		return chip, irq.New(chip, irqOpts...), nil
	}
	var conn spibus.Conn
	err := retry.Do(
		func() error {
			var err error
			conn, err = openSPI(spibus.Config{
				Kind:   cfg.transport,
				Port:   cfg.spiPort,
				Clock:  cfg.spiClock,
				Serial: cfg.serialDev,
				Baud:   cfg.baud,
			})
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(cfg.openAttempts)),
		retry.Delay(openRetryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			l.Warn("transport_open_retry", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s transport: %w", cfg.transport, err)
	}
	l.Info("transport_open", "transport", cfg.transport, "spi", cfg.spiPort, "serial", cfg.serialDev, "clock", cfg.spiClock.String())
	if cfg.irqPin == "" {
		l.Info("irq_polling", "every", cfg.irqPoll)
		return conn, pollLine{every: cfg.irqPoll}, nil
	}
	w, err := openIRQ(cfg.irqPin, irqOpts...)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, w, nil
}

// openController opens the link and brings the controller up in the
// configured mode.
func openController(ctx context.Context, cfg *appConfig, l *slog.Logger) (*mcp2515.Controller, mcp2515.InterruptLine, error) {
	mode, err := mcp2515.ParseMode(cfg.mode)
	if err != nil {
		return nil, nil, err
	}
	conn, line, err := openLink(ctx, cfg, l)
	if err != nil {
		return nil, nil, err
	}
	ctrl := mcp2515.New(conn,
		mcp2515.WithLogger(l.With("component", "mcp2515")),
		mcp2515.WithMode(mode),
		mcp2515.WithRollover(cfg.rollover),
	)
	if err := ctrl.Open(ctx); err != nil {
		_ = ctrl.Close()
		return nil, nil, fmt.Errorf("open controller: %w", err)
	}
	return ctrl, line, nil
}
