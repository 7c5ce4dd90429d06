// Package transport holds the frame plumbing shared by the gateway's
// backends: codec capabilities and a single-goroutine asynchronous sender.
package transport

import (
	"errors"
	"io"

	"github.com/kstaniek/go-mcp2515/internal/can"
	"github.com/kstaniek/go-mcp2515/internal/cnl"
)

// ErrOverflow is returned by sinks whose buffer is full; the frame is dropped.
var ErrOverflow = errors.New("transport: tx overflow")

// FrameCodec is the stream codec the TCP server speaks.
type FrameCodec interface {
	DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error)
	EncodeTo(w io.Writer, frames []can.Frame) (int, error)
}

// FrameSink is a generic CAN frame transmission target.
type FrameSink interface {
	SendFrame(can.Frame) error
}

var _ FrameCodec = (*cnl.Codec)(nil)
