// Package socketcan mirrors the controller's traffic onto a Linux SocketCAN
// interface (for example a vcan device) so standard can-utils tools can
// observe and inject frames.
package socketcan

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/go-mcp2515/internal/can"
	"github.com/kstaniek/go-mcp2515/internal/logging"
	"github.com/kstaniek/go-mcp2515/internal/metrics"
	"github.com/kstaniek/go-mcp2515/internal/transport"
)

// frameSize is sizeof(struct can_frame) for classic CAN.
const frameSize = 16

var (
	// ErrTxOverflow wraps transport.ErrOverflow so callers can classify it.
	ErrTxOverflow = fmt.Errorf("socketcan: %w", transport.ErrOverflow)
	ErrShortFrame = errors.New("socketcan: short frame")
)

// Dev is the minimal interface needed by the mirror and TXWriter.
// Implemented by *Device on linux and by fakes in tests.
type Dev interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

// marshal lays fr out as struct can_frame: can_id (host order, with the
// EFF/RTR flags), can_dlc, 3 pad bytes, 8 data bytes.
func marshal(fr can.Frame) [frameSize]byte {
	var buf [frameSize]byte
	binary.NativeEndian.PutUint32(buf[0:4], fr.CANID())
	buf[4] = byte(fr.Len())
	copy(buf[8:], fr.Data())
	return buf
}

func unmarshal(buf []byte) (can.Frame, error) {
	if len(buf) < frameSize {
		return can.Frame{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(buf))
	}
	dlc := int(buf[4])
	if dlc > can.MaxDataLen {
		dlc = can.MaxDataLen
	}
	return can.FromCANID(binary.NativeEndian.Uint32(buf[0:4]), buf[8:8+dlc])
}

// TXWriter funnels all SocketCAN writes through a single goroutine.
type TXWriter struct{ base *transport.AsyncTx }

// NewTXWriter creates a SocketCAN TXWriter with a buffered channel of size buf.
func NewTXWriter(parent context.Context, dev Dev, buf int) *TXWriter {
	log := logging.For("socketcan")
	hooks := transport.Hooks{
		OnError: func(fr can.Frame, err error) {
			metrics.IncError(metrics.ErrSocketCANWrite)
			log.Warn("socketcan_write_error", "frame", fr.String(), "error", err)
		},
		OnAfter: metrics.IncSocketCANTx,
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSocketCANOver)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, dev.WriteFrame, hooks)}
}

// SendFrame queues a frame for asynchronous device write (drops with ErrTxOverflow if buffer full).
func (w *TXWriter) SendFrame(fr can.Frame) error { return w.base.SendFrame(fr) }

// Close stops the writer and waits for the worker goroutine to finish.
func (w *TXWriter) Close() { w.base.Close() }

// ReadLoop hands every frame read from dev to fn until ctx is done or the
// device fails. Closing dev is the usual way to unblock a pending read.
func ReadLoop(ctx context.Context, dev Dev, fn func(can.Frame)) error {
	for {
		var fr can.Frame
		if err := dev.ReadFrame(&fr); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.IncError(metrics.ErrSocketCANRead)
			return fmt.Errorf("socketcan read: %w", err)
		}
		metrics.IncSocketCANRx()
		fn(fr)
		if ctx.Err() != nil {
			return nil
		}
	}
}
