package mcp2515

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/kstaniek/go-mcp2515/internal/can"
	"github.com/kstaniek/go-mcp2515/internal/logging"
	"github.com/kstaniek/go-mcp2515/internal/queue"
)

const (
	defaultResetTimeout = 100 * time.Millisecond
	resetPoll           = 2 * time.Millisecond
)

var errNotConfiguration = errors.New("mcp2515: not in configuration mode")

// InterruptLine delivers the chip's active-low interrupt. Watch blocks until
// ctx is done or the line fails, calling fn once per observed assertion.
type InterruptLine interface {
	Watch(ctx context.Context, fn func()) error
}

// Controller owns one MCP2515: its register protocol, the software RX and TX
// queues and the buffer manager moving frames between them and the chip.
//
// Close must not be called while the caller still issues register operations
// through Proto; passes already in flight finish first.
type Controller struct {
	conn  Conn
	proto *Proto
	log   *slog.Logger

	mode         Mode
	interrupts   byte
	rollover     bool
	resetTimeout time.Duration

	rx queue.FIFO[can.Frame]
	tx queue.FIFO[can.Frame]

	passMu   sync.Mutex
	received chan struct{}
	closed   atomic.Bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger; default is logging.For("mcp2515").
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMode sets the operating mode entered by Open (default ModeNormal).
func WithMode(m Mode) Option { return func(c *Controller) { c.mode = m } }

// WithInterrupts sets the CANINTE mask written by Open (default DefaultInterrupts).
// Only RX and TX flags are honoured; a pass never clears the others.
func WithInterrupts(mask byte) Option {
	return func(c *Controller) { c.interrupts = mask & DefaultInterrupts }
}

// WithRollover controls whether a frame arriving while RXB0 is full rolls
// over into RXB1 (RXB0CTRL.BUKT). Enabled by default.
func WithRollover(on bool) Option { return func(c *Controller) { c.rollover = on } }

// WithResetTimeout bounds how long Open waits for the chip to come out of reset.
func WithResetTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.resetTimeout = d
		}
	}
}

// New returns a controller talking to the chip over conn. No transfer is made
// until Open or a register operation is called.
func New(conn Conn, opts ...Option) *Controller {
	c := &Controller{
		conn:         conn,
		proto:        NewProto(conn),
		log:          logging.For("mcp2515"),
		mode:         ModeNormal,
		interrupts:   DefaultInterrupts,
		rollover:     true,
		resetTimeout: defaultResetTimeout,
		received:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Open resets the chip, waits until it reports configuration mode, enables
// the configured interrupts and switches to the configured mode.
func (c *Controller) Open(ctx context.Context) error {
	if !c.mode.Valid() {
		return fmt.Errorf("%w: mode %d", ErrRange, int(c.mode))
	}
	if err := c.proto.Reset(); err != nil {
		return err
	}
	attempts := uint(c.resetTimeout/resetPoll) + 1
	err := retry.Do(
		func() error {
			m, err := c.proto.Mode()
			if err != nil {
				return err
			}
			if m != ModeConfiguration {
				return fmt.Errorf("%w: reports %s", errNotConfiguration, m)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(resetPoll),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errNotConfiguration) }),
	)
	switch {
	case err == nil:
	case errors.Is(err, errNotConfiguration):
		return fmt.Errorf("%w after %s: %v", ErrResetTimeout, c.resetTimeout, err)
	default:
		return err
	}
	if err := c.proto.SetRegister(CANINTE, int(c.interrupts)); err != nil {
		return err
	}
	if c.rollover {
		if err := c.proto.BitModify(RXB0CTRL, BUKT, BUKT); err != nil {
			return err
		}
	}
	if err := c.proto.SetMode(c.mode); err != nil {
		return err
	}
	if m, err := c.proto.Mode(); err == nil && m != c.mode {
		c.log.Warn("mode_pending", "requested", c.mode.String(), "reported", m.String())
	}
	c.log.Info("mcp2515_open", "mode", c.mode.String(), "interrupts", fmt.Sprintf("0x%02X", c.interrupts))
	return nil
}

// Proto exposes the register interface for diagnostics.
func (c *Controller) Proto() *Proto { return c.proto }

// Reset issues the RESET instruction. Queued frames are kept.
func (c *Controller) Reset() error { return c.proto.Reset() }

// SetMode requests operating mode m.
func (c *Controller) SetMode(m Mode) error { return c.proto.SetMode(m) }

// Mode reads the mode the chip currently reports.
func (c *Controller) Mode() (Mode, error) { return c.proto.Mode() }

// QueueFrame appends f to the TX queue. It never blocks.
func (c *Controller) QueueFrame(f can.Frame) { c.tx.Push(f) }

// TransmitFrame queues f and makes one flush attempt. When every TX buffer is
// busy f stays queued for the next pass and the error is nil.
func (c *Controller) TransmitFrame(f can.Frame) error {
	c.QueueFrame(f)
	_, err := c.FlushTxQueue()
	return err
}

// GetFrame pops the oldest received frame, if any.
func (c *Controller) GetFrame() (can.Frame, bool) { return c.rx.Pop() }

// GetAllFrames drains the RX queue in arrival order. The result is never nil.
func (c *Controller) GetAllFrames() []can.Frame { return c.rx.Drain() }

// Pending returns the number of frames waiting in the TX queue.
func (c *Controller) Pending() int { return c.tx.Len() }

// Buffered returns the number of frames waiting in the RX queue.
func (c *Controller) Buffered() int { return c.rx.Len() }

// Received is signalled after a pass that queued at least one frame.
// Signals coalesce; drain with GetAllFrames.
func (c *Controller) Received() <-chan struct{} { return c.received }

// Run services the chip on every interrupt from line until ctx is done.
// Pass errors are logged and do not stop the loop.
func (c *Controller) Run(ctx context.Context, line InterruptLine) error {
	err := line.Watch(ctx, func() {
		if _, err := c.HandleInterrupt(); err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			c.log.Error("irq_pass_failed", "error", err)
		}
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp2515 run: %w", err)
	}
	return nil
}

// Close resets the chip and releases the connection when it is an io.Closer.
// Further passes return ErrClosed.
func (c *Controller) Close() error {
	c.passMu.Lock()
	defer c.passMu.Unlock()
	if c.closed.Swap(true) {
		return nil
	}
	err := c.proto.Reset()
	if cl, ok := c.conn.(io.Closer); ok {
		err = errors.Join(err, cl.Close())
	}
	c.log.Info("mcp2515_close", "rx_dropped", c.rx.Len(), "tx_dropped", c.tx.Len())
	return err
}
