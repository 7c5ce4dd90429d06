package mcp2515

import (
	"errors"

	"github.com/kstaniek/go-mcp2515/internal/can"
	"github.com/kstaniek/go-mcp2515/internal/metrics"
)

// Sentinel errors; callers discriminate with errors.Is.
var (
	// ErrRange rejects a register address, register value, buffer index or
	// mode outside its domain. Nothing is sent on the bus.
	ErrRange = errors.New("mcp2515: value out of range")
	// ErrMalformedBuffer rejects an RX capture shorter than its declared length.
	ErrMalformedBuffer = errors.New("mcp2515: malformed buffer")
	// ErrResetTimeout is returned by Open when the chip never reports
	// configuration mode after RESET.
	ErrResetTimeout = errors.New("mcp2515: reset timeout")
	// ErrClosed is returned by operations on a closed controller.
	ErrClosed = errors.New("mcp2515: closed")
)

// ErrorKind maps an error to a stable metrics label.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRange):
		return metrics.ErrRange
	case errors.Is(err, can.ErrSize), errors.Is(err, can.ErrIdentifierRange):
		return metrics.ErrFrame
	case errors.Is(err, ErrMalformedBuffer):
		return metrics.ErrMalformed
	case errors.Is(err, ErrResetTimeout):
		return metrics.ErrReset
	default:
		return metrics.ErrSPI
	}
}
