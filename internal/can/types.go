package can

import (
	"errors"
	"fmt"
	"strings"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxDataLen is the classic CAN payload limit.
const MaxDataLen = 8

var (
	// ErrIdentifierRange is returned when an id does not fit its 11-bit or 29-bit space.
	ErrIdentifierRange = errors.New("can: identifier out of range")
	// ErrSize is returned for payloads longer than MaxDataLen.
	ErrSize = errors.New("can: data too long")
)

// Frame is one classic CAN message. It is immutable once constructed:
// outbound frames come from NewFrame, inbound ones from a decoder.
// The zero value is a valid standard data frame with id 0 and no payload.
type Frame struct {
	id       uint32
	extended bool
	remote   bool
	n        uint8
	data     [MaxDataLen]byte
}

// NewFrame validates id and payload length and returns the frame.
// The data slice is copied.
func NewFrame(extended, remote bool, id uint32, data []byte) (Frame, error) {
	var f Frame
	if extended {
		if id > CAN_EFF_MASK {
			return f, fmt.Errorf("%w: 0x%X exceeds 29 bits", ErrIdentifierRange, id)
		}
	} else if id > CAN_SFF_MASK {
		return f, fmt.Errorf("%w: 0x%X exceeds 11 bits", ErrIdentifierRange, id)
	}
	if len(data) > MaxDataLen {
		return f, fmt.Errorf("%w: %d bytes", ErrSize, len(data))
	}
	f.id, f.extended, f.remote = id, extended, remote
	f.n = uint8(copy(f.data[:], data))
	return f, nil
}

// MustFrame is NewFrame for tests and examples; it panics on invalid input.
func MustFrame(extended, remote bool, id uint32, data ...byte) Frame {
	f, err := NewFrame(extended, remote, id, data)
	if err != nil {
		panic(err)
	}
	return f
}

func (f Frame) ID() uint32     { return f.id }
func (f Frame) Extended() bool { return f.extended }
func (f Frame) Remote() bool   { return f.remote }
func (f Frame) Len() int       { return int(f.n) }

// Data returns a copy of the payload.
func (f Frame) Data() []byte {
	out := make([]byte, f.n)
	copy(out, f.data[:f.n])
	return out
}

// AppendData appends the payload to dst without allocating a new slice.
func (f Frame) AppendData(dst []byte) []byte { return append(dst, f.data[:f.n]...) }

// Equal reports whether both frames carry the same flags, id and payload.
func (f Frame) Equal(g Frame) bool {
	return f.id == g.id && f.extended == g.extended && f.remote == g.remote &&
		f.n == g.n && f.data == g.data
}

// CANID returns the id in SocketCAN can_id form with EFF/RTR flags set.
func (f Frame) CANID() uint32 {
	id := f.id
	if f.extended {
		id |= CAN_EFF_FLAG
	}
	if f.remote {
		id |= CAN_RTR_FLAG
	}
	return id
}

// FromCANID builds a frame from a SocketCAN can_id and payload.
// Error frames (CAN_ERR_FLAG) are not data frames and are rejected.
func FromCANID(canid uint32, data []byte) (Frame, error) {
	if canid&CAN_ERR_FLAG != 0 {
		return Frame{}, fmt.Errorf("%w: error frame 0x%X", ErrIdentifierRange, canid)
	}
	ext := canid&CAN_EFF_FLAG != 0
	id := canid & CAN_EFF_MASK
	if !ext {
		id = canid & CAN_SFF_MASK
	}
	return NewFrame(ext, canid&CAN_RTR_FLAG != 0, id, data)
}

// String renders the frame in candump notation: 123#DEADBEEF, 1ABCDEF0#R.
func (f Frame) String() string {
	var b strings.Builder
	if f.extended {
		fmt.Fprintf(&b, "%08X#", f.id)
	} else {
		fmt.Fprintf(&b, "%03X#", f.id)
	}
	if f.remote {
		b.WriteByte('R')
		if f.n > 0 {
			fmt.Fprintf(&b, "%d", f.n)
		}
		return b.String()
	}
	fmt.Fprintf(&b, "%X", f.data[:f.n])
	return b.String()
}
