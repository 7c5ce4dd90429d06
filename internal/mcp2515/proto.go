// Package mcp2515 drives a Microchip MCP2515 stand-alone CAN controller over
// SPI: the register command protocol, the TX/RX buffer codec and the
// interrupt-driven buffer manager behind a Controller.
package mcp2515

import (
	"fmt"
	"sync"

	"github.com/kstaniek/go-mcp2515/internal/metrics"
)

// Conn is a full-duplex SPI connection with chip select handled per call.
// Tx shifts out w and stores the bytes shifted in into r (len(r) == len(w)).
// periph.io spi.Conn satisfies it.
type Conn interface {
	Tx(w, r []byte) error
}

// Proto issues MCP2515 SPI instructions. Each method is a single Tx call made
// under p.mu, so transactions from different goroutines never interleave.
type Proto struct {
	mu   sync.Mutex
	conn Conn
}

// NewProto wraps c.
func NewProto(c Conn) *Proto { return &Proto{conn: c} }

// xfer runs one transaction of len(w) bytes and returns what was shifted in.
func (p *Proto) xfer(op string, w []byte) ([]byte, error) {
	r := make([]byte, len(w))
	p.mu.Lock()
	err := p.conn.Tx(w, r)
	p.mu.Unlock()
	metrics.IncSPI()
	if err != nil {
		metrics.IncError(metrics.ErrSPI)
		return nil, fmt.Errorf("mcp2515 %s: %w", op, err)
	}
	return r, nil
}

// Reset returns every register to its default; the chip enters configuration mode.
func (p *Proto) Reset() error {
	_, err := p.xfer("reset", []byte{OpReset})
	return err
}

func checkAddr(addr int) error {
	if addr < 0 || addr > 0xFF {
		return fmt.Errorf("%w: address %d", ErrRange, addr)
	}
	return nil
}

// Register reads one register.
func (p *Proto) Register(addr int) (byte, error) {
	if err := checkAddr(addr); err != nil {
		return 0, err
	}
	r, err := p.xfer("read", []byte{OpRead, byte(addr), 0})
	if err != nil {
		return 0, err
	}
	return r[2], nil
}

// SetRegister writes one register.
func (p *Proto) SetRegister(addr, value int) error {
	if err := checkAddr(addr); err != nil {
		return err
	}
	if value < 0 || value > 0xFF {
		return fmt.Errorf("%w: value %d", ErrRange, value)
	}
	_, err := p.xfer("write", []byte{OpWrite, byte(addr), byte(value)})
	return err
}

// SetRegisters writes values to consecutive registers starting at start.
// The run must end at or before address 0xFF.
func (p *Proto) SetRegisters(start int, values []byte) error {
	if err := checkAddr(start); err != nil {
		return err
	}
	if start+len(values) > 0x100 {
		return fmt.Errorf("%w: %d bytes from 0x%02X", ErrRange, len(values), start)
	}
	w := make([]byte, 2+len(values))
	w[0], w[1] = OpWrite, byte(start)
	copy(w[2:], values)
	_, err := p.xfer("write", w)
	return err
}

// Status reads the interrupt/status flag byte.
func (p *Proto) Status() (Status, error) {
	r, err := p.xfer("read_status", []byte{OpReadStatus, 0})
	if err != nil {
		return 0, err
	}
	return Status(r[1]), nil
}

// BitModify changes only the bits of addr selected by mask.
func (p *Proto) BitModify(addr int, mask, value byte) error {
	if err := checkAddr(addr); err != nil {
		return err
	}
	_, err := p.xfer("bit_modify", []byte{OpBitModify, byte(addr), mask, value})
	return err
}

// SetMode requests operating mode m, preserving the low five CANCTRL bits.
func (p *Proto) SetMode(m Mode) error {
	if !m.Valid() {
		return fmt.Errorf("%w: mode %d", ErrRange, int(m))
	}
	v, err := p.Register(CANCTRL)
	if err != nil {
		return err
	}
	v = v&^ModeMask | byte(m)<<5
	return p.SetRegister(CANCTRL, int(v))
}

// Mode reads the operating mode the chip reports in CANSTAT.
func (p *Proto) Mode() (Mode, error) {
	v, err := p.Register(CANSTAT)
	if err != nil {
		return 0, err
	}
	return Mode(v >> 5), nil
}

// ReadRxBuffer reads RX buffer n (SIDH through D7) and clears its RXnIF flag.
func (p *Proto) ReadRxBuffer(n int) ([]byte, error) {
	if n < 0 || n >= rxBuffers {
		return nil, fmt.Errorf("%w: rx buffer %d", ErrRange, n)
	}
	w := make([]byte, 1+bufferLen)
	w[0] = OpReadRxBuf | byte(n)<<2
	r, err := p.xfer("read_rx_buffer", w)
	if err != nil {
		return nil, err
	}
	return r[1:], nil
}

// LoadTxBuffer writes an encoded frame into TX buffer n.
func (p *Proto) LoadTxBuffer(n int, encoded []byte) error {
	if n < 0 || n >= txBuffers {
		return fmt.Errorf("%w: tx buffer %d", ErrRange, n)
	}
	return p.SetRegisters(TxBufferBase(n), encoded)
}

// RequestToSend asks the chip to transmit TX buffer n.
func (p *Proto) RequestToSend(n int) error {
	if n < 0 || n >= txBuffers {
		return fmt.Errorf("%w: tx buffer %d", ErrRange, n)
	}
	_, err := p.xfer("rts", []byte{OpRTS | 1<<n})
	return err
}
