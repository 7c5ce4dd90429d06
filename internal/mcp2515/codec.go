package mcp2515

import (
	"fmt"

	"github.com/kstaniek/go-mcp2515/internal/can"
	"github.com/kstaniek/go-mcp2515/internal/metrics"
)

// headerLen covers SIDH, SIDL, EID8, EID0 and DLC.
const headerLen = 5

// Encode lays f out the way TXBnSIDH..TXBnD7 expect it: five header bytes
// followed by the payload.
//
//	SIDH  id[10:3]              (extended: id[28:21])
//	SIDL  id[2:0]<<5            (extended: id[20:18]<<5 | EXIDE | id[17:16])
//	EID8  0                     (extended: id[15:8])
//	EID0  0                     (extended: id[7:0])
//	DLC   len | RTR if remote
func Encode(f can.Frame) []byte {
	b := make([]byte, headerLen, headerLen+f.Len())
	id := f.ID()
	if f.Extended() {
		b[0] = byte(id >> 21)
		b[1] = byte((id>>18)&0x07)<<5 | EXIDE | byte((id>>16)&0x03)
		b[2] = byte(id >> 8)
		b[3] = byte(id)
	} else {
		b[0] = byte(id >> 3)
		b[1] = byte(id&0x07) << 5
	}
	b[4] = byte(f.Len()) & DLCMask
	if f.Remote() {
		b[4] |= RTR
	}
	return f.AppendData(b)
}

// Decode builds a frame from an RX buffer capture (RXBnSIDH onwards).
// The declared length is clamped to 8; a capture shorter than the header plus
// that length is rejected with ErrMalformedBuffer. The data bytes are copied
// for remote frames too, so Decode(Encode(f)) equals f.
func Decode(raw []byte) (can.Frame, error) {
	if len(raw) < headerLen {
		metrics.IncMalformed()
		return can.Frame{}, fmt.Errorf("%w: %d byte capture", ErrMalformedBuffer, len(raw))
	}
	n := int(raw[4] & DLCMask)
	if n > can.MaxDataLen {
		n = can.MaxDataLen
	}
	if len(raw) < headerLen+n {
		metrics.IncMalformed()
		return can.Frame{}, fmt.Errorf("%w: need %d bytes, got %d", ErrMalformedBuffer, headerLen+n, len(raw))
	}
	ext := raw[1]&EXIDE != 0
	remote := raw[4]&RTR != 0
	id := uint32(raw[0])<<3 | uint32(raw[1])>>5
	if ext {
		id = id<<18 | uint32(raw[1]&0x03)<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	} else if raw[1]&SRR != 0 {
		remote = true
	}
	return can.NewFrame(ext, remote, id, raw[headerLen:headerLen+n])
}
