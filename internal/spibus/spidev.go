package spibus

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"

	"github.com/kstaniek/go-mcp2515/internal/logging"
)

// SPIDev is a host SPI port in mode 0 with 8-bit words, the only mode the
// MCP2515 supports besides mode 3.
type SPIDev struct {
	port spi.PortCloser
	conn spi.Conn
}

// OpenSPIDev opens the named port ("" picks the first registered one).
func OpenSPIDev(name string, clock physic.Frequency) (*SPIDev, error) {
	if err := hostInit(); err != nil {
		return nil, fmt.Errorf("spidev: host init: %w", err)
	}
	p, err := spireg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("spidev: open %q: %w", name, err)
	}
	c, err := p.Connect(clock, spi.Mode0, 8)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("spidev: connect %q at %s: %w", name, clock, err)
	}
	logging.For("spibus").Info("spidev_open", "port", p.String(), "clock", clock.String())
	return &SPIDev{port: p, conn: c}, nil
}

// Tx performs one chip-select framed transfer.
func (d *SPIDev) Tx(w, r []byte) error { return d.conn.Tx(w, r) }

// Close releases the port.
func (d *SPIDev) Close() error { return d.port.Close() }
