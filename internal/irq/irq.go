// Package irq watches the MCP2515 active-low interrupt output on a GPIO pin.
package irq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/kstaniek/go-mcp2515/internal/logging"
	"github.com/kstaniek/go-mcp2515/internal/metrics"
)

// DefaultPoll bounds how long Watch sleeps in WaitForEdge before re-checking
// the level and the context.
const DefaultPoll = 100 * time.Millisecond

// StuckBackoff is the shortest pause between callbacks while the line stays
// low, so a failing service pass cannot spin a core.
const StuckBackoff = 2 * time.Millisecond

// ErrNoPin is returned by Open when the pin name is unknown to the host.
var ErrNoPin = errors.New("irq: pin not found")

// Pin is the subset of gpio.PinIn the watcher needs.
type Pin interface {
	Name() string
	In(pull gpio.Pull, edge gpio.Edge) error
	Read() gpio.Level
	WaitForEdge(timeout time.Duration) bool
}

// Watcher turns falling edges on the interrupt pin into callbacks. The line
// is level-checked after every callback, so an interrupt raised while the
// previous one was being serviced is not lost.
type Watcher struct {
	pin      Pin
	debounce time.Duration
	poll     time.Duration
	log      *slog.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce pauses after each callback before the line is sampled again.
// Without it, Watch still pauses for StuckBackoff (or the poll interval if
// shorter) when the line is low right after a callback.
func WithDebounce(d time.Duration) Option { return func(w *Watcher) { w.debounce = d } }

// WithPoll sets the WaitForEdge timeout.
func WithPoll(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.poll = d
		}
	}
}

// WithLogger sets the logger; default is logging.For("irq").
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// New wraps pin.
func New(pin Pin, opts ...Option) *Watcher {
	w := &Watcher{pin: pin, poll: DefaultPoll, log: logging.For("irq")}
	for _, o := range opts {
		o(w)
	}
	return w
}

// hostInit is swapped in tests.
var hostInit = func() error {
	_, err := host.Init()
	return err
}

// Open initializes the host drivers and looks the pin up by name
// (e.g. "GPIO25").
func Open(name string, opts ...Option) (*Watcher, error) {
	if err := hostInit(); err != nil {
		return nil, fmt.Errorf("irq: host init: %w", err)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPin, name)
	}
	return New(p, opts...), nil
}

// Watch configures the pin as a pulled-up falling-edge input and calls fn
// while the line is low. It returns ctx.Err() once ctx is done.
func (w *Watcher) Watch(ctx context.Context, fn func()) error {
	if err := w.pin.In(gpio.PullUp, gpio.FallingEdge); err != nil {
		metrics.IncError(metrics.ErrIRQ)
		return fmt.Errorf("irq: configure %s: %w", w.pin.Name(), err)
	}
	w.log.Info("irq_watch_start", "pin", w.pin.Name(), "debounce", w.debounce, "poll", w.poll)
	defer w.log.Info("irq_watch_end", "pin", w.pin.Name())
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.pin.Read() == gpio.Low {
			fn()
			pause := w.debounce
			if pause == 0 && w.pin.Read() == gpio.Low {
				pause = min(w.poll, StuckBackoff)
			}
			if pause > 0 {
				t := time.NewTimer(pause)
				select {
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				case <-t.C:
				}
			}
			continue
		}
		w.pin.WaitForEdge(w.poll)
	}
}
