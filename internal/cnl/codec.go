// Package cnl implements the cannelloni TCP framing the gateway daemon speaks
// with its clients: a fixed hello exchange followed by a stream of frames.
package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-mcp2515/internal/can"
	"github.com/kstaniek/go-mcp2515/internal/metrics"
)

// Codec encodes/decodes cannelloni frames. Stateless and safe for concurrent use.
type Codec struct{}

var (
	// ErrInvalidLength is returned when a frame length is outside 0..8.
	ErrInvalidLength = errors.New("cannelloni: invalid length")
	// ErrTruncatedFrame is returned when the underlying reader ends mid-frame.
	ErrTruncatedFrame = errors.New("cannelloni: truncated frame")
	// ErrInvalidFrame is returned for ids the CAN layer rejects (error frames).
	ErrInvalidFrame = errors.New("cannelloni: invalid frame")
)

const frameOverhead = 4 + 1

// Encode packs frames into one buffer.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * (frameOverhead + can.MaxDataLen))
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes frames to w and returns the bytes written. Each frame is a
// big-endian can_id (SocketCAN flags included), a length byte and, for data
// frames, the payload.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	var b [frameOverhead + can.MaxDataLen]byte
	for _, f := range frames {
		binary.BigEndian.PutUint32(b[:4], f.CANID())
		b[4] = byte(f.Len())
		out := b[:frameOverhead]
		if !f.Remote() {
			out = f.AppendData(out)
		}
		n, err := w.Write(out)
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode: %w", err)
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r.
// It returns io.EOF if called at a clean frame boundary and no more data is available.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var hdr [frameOverhead]byte
	if _, err := io.ReadFull(r, hdr[:4]); err != nil {
		return can.Frame{}, err
	}
	if _, err := io.ReadFull(r, hdr[4:]); err != nil {
		metrics.IncMalformed()
		return can.Frame{}, fmt.Errorf("cannelloni decode len: %w", ErrTruncatedFrame)
	}
	canid := binary.BigEndian.Uint32(hdr[:4])
	ln := int(hdr[4] & 0x7F) // high bit reserved for CAN FD
	if ln > can.MaxDataLen {
		metrics.IncMalformed()
		return can.Frame{}, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	var data [can.MaxDataLen]byte
	if canid&can.CAN_RTR_FLAG == 0 && ln > 0 {
		if _, err := io.ReadFull(r, data[:ln]); err != nil {
			metrics.IncMalformed()
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return can.Frame{}, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
			}
			return can.Frame{}, fmt.Errorf("cannelloni decode payload: %w", err)
		}
	}
	f, err := can.FromCANID(canid, data[:ln])
	if err != nil {
		metrics.IncMalformed()
		return can.Frame{}, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	return f, nil
}

// DecodeN decodes up to max frames (if max>0) or until EOF (if max<=0) invoking onFrame for each.
// It returns the number of frames decoded and the terminal error (which can be io.EOF).
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
