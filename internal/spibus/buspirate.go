package spibus

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tarm/serial"
	"periph.io/x/conn/v3/physic"

	"github.com/kstaniek/go-mcp2515/internal/logging"
)

// Bus Pirate binary mode commands.
const (
	bpReset      = 0x00 // enter raw bitbang / leave a binary mode
	bpEnterSPI   = 0x01
	bpCSLow      = 0x02
	bpCSHigh     = 0x03
	bpUserReset  = 0x0F
	bpBulk       = 0x10 // | (n-1), 1..16 bytes
	bpPeripheral = 0x40 // | power<<3 | pullups<<2 | aux<<1 | cs
	bpSpeed      = 0x60 // | speed index
	bpConfig     = 0x80 // | hiz-off<<3 | ckp<<2 | cke<<1 | smp

	bpMaxBulk = 16
	bpOK      = 0x01
)

// bpSpeeds are the SCK rates selectable with bpSpeed, by index.
var bpSpeeds = []physic.Frequency{
	30 * physic.KiloHertz,
	125 * physic.KiloHertz,
	250 * physic.KiloHertz,
	1 * physic.MegaHertz,
	2 * physic.MegaHertz,
	2600 * physic.KiloHertz,
	4 * physic.MegaHertz,
	8 * physic.MegaHertz,
}

var (
	// ErrBridgeSync is returned when the bridge does not enter binary SPI mode.
	ErrBridgeSync = errors.New("buspirate: no binary mode response")
	// ErrBridgeNak is returned when a command is not acknowledged with 0x01.
	ErrBridgeNak = errors.New("buspirate: command not acknowledged")
	// ErrBridgeTimeout is returned when the bridge stops answering mid-reply.
	ErrBridgeTimeout = errors.New("buspirate: read timeout")
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

const bpReadTimeout = 50 * time.Millisecond

// openPort is swapped in tests.
var openPort = func(name string, baud int) (Port, error) {
	return serial.OpenPort(&serial.Config{Name: name, Baud: baud, ReadTimeout: bpReadTimeout})
}

// BusPirate drives SPI through a Bus Pirate in binary SPI mode. Chip select
// is held low for the whole of each Tx, which is split into bulk transfers
// of at most 16 bytes.
type BusPirate struct {
	mu   sync.Mutex
	port Port
	buf  []byte
}

// OpenBusPirate opens the serial device and switches the bridge to SPI mode
// 0 at the fastest supported rate not above clock.
func OpenBusPirate(dev string, baud int, clock physic.Frequency) (*BusPirate, error) {
	if baud <= 0 {
		baud = 115200
	}
	p, err := openPort(dev, baud)
	if err != nil {
		return nil, fmt.Errorf("buspirate: open %s: %w", dev, err)
	}
	b, err := NewBusPirate(p, clock)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	logging.For("spibus").Info("buspirate_open", "dev", dev, "baud", baud, "clock", bpSpeeds[speedIndex(clock)].String())
	return b, nil
}

// NewBusPirate configures an already open port.
func NewBusPirate(p Port, clock physic.Frequency) (*BusPirate, error) {
	b := &BusPirate{port: p, buf: make([]byte, 1+bpMaxBulk)}
	if err := b.sync(); err != nil {
		return nil, err
	}
	steps := []struct {
		name string
		cmd  byte
	}{
		{"speed", bpSpeed | byte(speedIndex(clock))},
		// 3.3V outputs, idle low, transmit on active-to-idle edge: SPI mode 0.
		{"config", bpConfig | 1<<3 | 1<<1},
		// Power on, CS high.
		{"peripherals", bpPeripheral | 1<<3 | 1},
	}
	for _, s := range steps {
		if err := b.command(s.cmd); err != nil {
			return nil, fmt.Errorf("buspirate %s: %w", s.name, err)
		}
	}
	return b, nil
}

func speedIndex(clock physic.Frequency) int {
	idx := 0
	for i, f := range bpSpeeds {
		if f <= clock {
			idx = i
		}
	}
	return idx
}

// sync enters raw bitbang mode (up to 20 resets, as the firmware requires)
// and then binary SPI mode.
func (b *BusPirate) sync() error {
	var acc []byte
	chunk := make([]byte, 32)
	for i := 0; i < 20; i++ {
		if _, err := b.port.Write([]byte{bpReset}); err != nil {
			return fmt.Errorf("buspirate sync: %w", err)
		}
		n, err := b.port.Read(chunk)
		if err != nil {
			return fmt.Errorf("buspirate sync: %w", err)
		}
		acc = append(acc, chunk[:n]...)
		if bytes.HasSuffix(acc, []byte("BBIO1")) {
			if _, err := b.port.Write([]byte{bpEnterSPI}); err != nil {
				return fmt.Errorf("buspirate sync: %w", err)
			}
			resp := make([]byte, 4)
			if err := b.readFull(resp); err != nil {
				return fmt.Errorf("buspirate enter spi: %w", err)
			}
			if string(resp) != "SPI1" {
				return fmt.Errorf("%w: got %q", ErrBridgeSync, resp)
			}
			return nil
		}
	}
	return ErrBridgeSync
}

// readFull reads exactly len(p) bytes; a few empty reads in a row mean the
// bridge went quiet.
func (b *BusPirate) readFull(p []byte) error {
	idle := 0
	for got := 0; got < len(p); {
		n, err := b.port.Read(p[got:])
		if err != nil {
			return err
		}
		if n == 0 {
			if idle++; idle > 3 {
				return ErrBridgeTimeout
			}
			continue
		}
		idle = 0
		got += n
	}
	return nil
}

func (b *BusPirate) command(cmd byte) error {
	if _, err := b.port.Write([]byte{cmd}); err != nil {
		return err
	}
	ack := b.buf[:1]
	if err := b.readFull(ack); err != nil {
		return err
	}
	if ack[0] != bpOK {
		return fmt.Errorf("%w: 0x%02X -> 0x%02X", ErrBridgeNak, cmd, ack[0])
	}
	return nil
}

// Tx shifts w out with chip select held low and stores what came back in r.
func (b *BusPirate) Tx(w, r []byte) error {
	if len(r) < len(w) {
		return fmt.Errorf("buspirate: read buffer %d shorter than write %d", len(r), len(w))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.command(bpCSLow); err != nil {
		return fmt.Errorf("buspirate cs low: %w", err)
	}
	var txErr error
	frame := make([]byte, 1+bpMaxBulk)
	for off := 0; off < len(w) && txErr == nil; off += bpMaxBulk {
		n := min(len(w)-off, bpMaxBulk)
		frame[0] = bpBulk | byte(n-1)
		copy(frame[1:], w[off:off+n])
		if _, err := b.port.Write(frame[:1+n]); err != nil {
			txErr = err
			break
		}
		resp := b.buf[:1+n]
		if err := b.readFull(resp); err != nil {
			txErr = err
			break
		}
		if resp[0] != bpOK {
			txErr = fmt.Errorf("%w: bulk -> 0x%02X", ErrBridgeNak, resp[0])
			break
		}
		copy(r[off:], resp[1:])
	}
	if err := b.command(bpCSHigh); err != nil && txErr == nil {
		txErr = fmt.Errorf("buspirate cs high: %w", err)
	}
	if txErr != nil {
		return fmt.Errorf("buspirate tx: %w", txErr)
	}
	return nil
}

// Close returns the bridge to its user terminal and closes the port.
func (b *BusPirate) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _ = b.port.Write([]byte{bpReset, bpUserReset})
	return b.port.Close()
}
