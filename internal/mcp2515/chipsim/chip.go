// Package chipsim is an in-memory MCP2515. It answers the SPI instruction set
// like the real part, drives a simulated active-low interrupt line and can be
// linked to another Chip to form a two-node bus.
//
// Timing, bit errors, acceptance filters and transmit priorities are not
// modelled: a requested buffer is transmitted immediately when the chip is in
// normal or loopback mode, and kept pending otherwise.
package chipsim

import (
	"errors"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"

	"github.com/kstaniek/go-mcp2515/internal/can"
	"github.com/kstaniek/go-mcp2515/internal/mcp2515"
)

var (
	// ErrNotListening is returned by Inject when the chip mode does not
	// receive from the bus (configuration, sleep and loopback).
	ErrNotListening = errors.New("chipsim: not receiving in current mode")
	// ErrOverflow is returned by Inject when no RX buffer is free.
	ErrOverflow = errors.New("chipsim: rx overflow")
)

// Chip is a simulated MCP2515. It implements mcp2515.Conn and the interrupt
// pin methods used by internal/irq.
type Chip struct {
	name string

	mu       sync.Mutex
	regs     [256]byte
	txs      [][]byte
	sent     []can.Frame
	peer     *Chip
	asserted bool
	edges    chan struct{}
	failNext error
}

// New returns a chip in its power-on state.
func New(name string) *Chip {
	c := &Chip{name: name, edges: make(chan struct{}, 1)}
	c.reset()
	return c
}

// Link connects a and b: frames either one transmits in normal mode are
// offered to the other.
func Link(a, b *Chip) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

func (c *Chip) reset() {
	c.regs = [256]byte{}
	c.regs[mcp2515.CANCTRL] = 0x87
	c.regs[mcp2515.CANSTAT] = 0x80
}

func (c *Chip) mode() mcp2515.Mode { return mcp2515.Mode(c.regs[mcp2515.CANSTAT] >> 5) }

// FailNext makes the next transaction return err without touching the chip.
func (c *Chip) FailNext(err error) {
	c.mu.Lock()
	c.failNext = err
	c.mu.Unlock()
}

// Tx executes one SPI transaction: w[0] is the instruction, the rest its
// operands. Bytes shifted out by the chip are stored in r.
func (c *Chip) Tx(w, r []byte) error {
	if len(w) == 0 {
		return nil
	}
	c.mu.Lock()
	if err := c.failNext; err != nil {
		c.failNext = nil
		c.mu.Unlock()
		return err
	}
	c.txs = append(c.txs, append([]byte(nil), w...))
	var out []can.Frame
	op := w[0]
	switch {
	case op == mcp2515.OpReset:
		c.reset()
	case op == mcp2515.OpRead && len(w) >= 2:
		for i := 2; i < len(w); i++ {
			r[i] = c.regs[byte(int(w[1])+i-2)]
		}
	case op == mcp2515.OpWrite && len(w) >= 2:
		for i := 2; i < len(w); i++ {
			out = append(out, c.write(byte(int(w[1])+i-2), w[i])...)
		}
	case op == mcp2515.OpBitModify && len(w) == 4:
		v := c.regs[w[1]]&^w[2] | w[3]&w[2]
		out = c.write(w[1], v)
	case op == mcp2515.OpReadStatus:
		st := c.status()
		for i := 1; i < len(w); i++ {
			r[i] = st
		}
	case op == mcp2515.OpReadRxState:
		v := c.regs[mcp2515.CANINTF] & (mcp2515.RX0IF | mcp2515.RX1IF) << 6
		for i := 1; i < len(w); i++ {
			r[i] = v
		}
	case op&0xF8 == mcp2515.OpRTS && op&0x07 != 0:
		for n := 0; n < 3; n++ {
			if op&(1<<n) != 0 {
				c.regs[mcp2515.TxBufferCtrl(n)] |= mcp2515.TXREQ
			}
		}
		out = c.transmit()
	case op&0xF9 == mcp2515.OpReadRxBuf:
		n := int(op>>2) & 1
		start := mcp2515.RxBufferBase(n)
		if op&0x02 != 0 {
			start += 5
		}
		for i := 1; i < len(w); i++ {
			r[i] = c.regs[byte(start+i-1)]
		}
		c.regs[mcp2515.CANINTF] &^= mcp2515.RX0IF << n
	case op&0xF8 == mcp2515.OpLoadTxBuf && op&0x07 <= 5:
		n := int(op>>1) & 3
		start := mcp2515.TxBufferBase(n)
		if op&1 != 0 {
			start += 5
		}
		for i := 1; i < len(w); i++ {
			c.regs[byte(start+i-1)] = w[i]
		}
	}
	peer := c.peer
	c.updateLine()
	c.mu.Unlock()

	if peer != nil {
		for _, f := range out {
			_ = peer.Inject(f)
		}
	}
	return nil
}

// write stores v at addr with the side effects the real register has.
// Frames leaving towards the peer are returned.
func (c *Chip) write(addr, v byte) []can.Frame {
	switch addr {
	case mcp2515.CANSTAT:
		return nil
	case mcp2515.CANCTRL:
		c.regs[addr] = v
		c.regs[mcp2515.CANSTAT] = c.regs[mcp2515.CANSTAT]&^mcp2515.ModeMask | v&mcp2515.ModeMask
		return c.transmit()
	case mcp2515.TXB0CTRL, mcp2515.TXB1CTRL, mcp2515.TXB2CTRL:
		c.regs[addr] = v
		return c.transmit()
	}
	c.regs[addr] = v
	return nil
}

// transmit sends every requested buffer when the mode allows it.
func (c *Chip) transmit() []can.Frame {
	m := c.mode()
	if m != mcp2515.ModeNormal && m != mcp2515.ModeLoopback {
		return nil
	}
	var out []can.Frame
	for n := 0; n < 3; n++ {
		ctrl := mcp2515.TxBufferCtrl(n)
		if c.regs[ctrl]&mcp2515.TXREQ == 0 {
			continue
		}
		base := mcp2515.TxBufferBase(n)
		f, err := mcp2515.Decode(c.regs[base : base+13])
		c.regs[ctrl] &^= mcp2515.TXREQ
		c.regs[mcp2515.CANINTF] |= mcp2515.TX0IF << n
		if err != nil {
			continue
		}
		c.sent = append(c.sent, f)
		if m == mcp2515.ModeLoopback {
			_ = c.receive(f)
		} else {
			out = append(out, f)
		}
	}
	return out
}

// receive places f into the first free RX buffer, rolling over into RXB1
// when RXB0CTRL.BUKT is set.
func (c *Chip) receive(f can.Frame) error {
	flags := c.regs[mcp2515.CANINTF]
	n := -1
	switch {
	case flags&mcp2515.RX0IF == 0:
		n = 0
	case c.regs[mcp2515.RXB0CTRL]&mcp2515.BUKT != 0 && flags&mcp2515.RX1IF == 0:
		n = 1
	}
	if n < 0 {
		if c.regs[mcp2515.RXB0CTRL]&mcp2515.BUKT != 0 {
			c.regs[mcp2515.EFLG] |= mcp2515.RX1OVR
		} else {
			c.regs[mcp2515.EFLG] |= mcp2515.RX0OVR
		}
		return ErrOverflow
	}
	base := mcp2515.RxBufferBase(n)
	var buf [13]byte
	copy(buf[:], mcp2515.Encode(f))
	if !f.Extended() && f.Remote() {
		buf[1] |= mcp2515.SRR
	}
	copy(c.regs[base:base+13], buf[:])
	c.regs[mcp2515.CANINTF] |= mcp2515.RX0IF << n
	return nil
}

// Inject delivers f from the bus.
func (c *Chip) Inject(f can.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m := c.mode(); m != mcp2515.ModeNormal && m != mcp2515.ModeListenOnly {
		return ErrNotListening
	}
	err := c.receive(f)
	c.updateLine()
	return err
}

func (c *Chip) status() byte {
	flags := c.regs[mcp2515.CANINTF]
	st := flags & (mcp2515.RX0IF | mcp2515.RX1IF)
	for n := 0; n < 3; n++ {
		if c.regs[mcp2515.TxBufferCtrl(n)]&mcp2515.TXREQ != 0 {
			st |= 1 << (2 + 2*n)
		}
		if flags&(mcp2515.TX0IF<<n) != 0 {
			st |= 1 << (3 + 2*n)
		}
	}
	return st
}

// updateLine signals a falling edge when the interrupt output asserts.
func (c *Chip) updateLine() {
	asserted := c.regs[mcp2515.CANINTF]&c.regs[mcp2515.CANINTE] != 0
	if asserted && !c.asserted {
		select {
		case c.edges <- struct{}{}:
		default:
		}
	}
	c.asserted = asserted
}

// Register returns the current value of a register without a transaction.
func (c *Chip) Register(addr byte) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[addr]
}

// Transactions returns a copy of every instruction received so far.
func (c *Chip) Transactions() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.txs))
	copy(out, c.txs)
	return out
}

// Sent returns the frames the chip has put on the bus, in order.
func (c *Chip) Sent() []can.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]can.Frame(nil), c.sent...)
}

// Name identifies the simulated interrupt pin.
func (c *Chip) Name() string { return c.name }

// In accepts any pull and edge configuration; the line is driven by the chip.
func (c *Chip) In(gpio.Pull, gpio.Edge) error { return nil }

// Read returns gpio.Low while an enabled interrupt flag is set.
func (c *Chip) Read() gpio.Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.regs[mcp2515.CANINTF]&c.regs[mcp2515.CANINTE] != 0 {
		return gpio.Low
	}
	return gpio.High
}

// WaitForEdge blocks until the line asserts or timeout elapses. A negative
// timeout waits forever.
func (c *Chip) WaitForEdge(timeout time.Duration) bool {
	if timeout < 0 {
		<-c.edges
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.edges:
		return true
	case <-t.C:
		return false
	}
}
