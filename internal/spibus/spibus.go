// Package spibus provides the SPI connections the MCP2515 driver runs over:
// a Linux spidev port through periph.io and a Bus Pirate USB bridge in binary
// SPI mode through tarm/serial.
package spibus

import (
	"fmt"
	"strings"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// Conn is a full-duplex SPI connection that owns its device.
type Conn interface {
	Tx(w, r []byte) error
	Close() error
}

// Config selects and parameterizes a transport.
type Config struct {
	Kind   string           // "spidev" or "buspirate"
	Port   string           // spidev port name, e.g. "/dev/spidev0.0" or "SPI0.0"
	Clock  physic.Frequency // SCK frequency
	Serial string           // Bus Pirate serial device
	Baud   int              // Bus Pirate serial baud rate
}

// hostInit is swapped in tests.
var hostInit = func() error {
	_, err := host.Init()
	return err
}

// Open returns the transport described by cfg.
func Open(cfg Config) (Conn, error) {
	switch strings.ToLower(cfg.Kind) {
	case "spidev":
		return OpenSPIDev(cfg.Port, cfg.Clock)
	case "buspirate":
		return OpenBusPirate(cfg.Serial, cfg.Baud, cfg.Clock)
	}
	return nil, fmt.Errorf("spibus: unknown transport %q", cfg.Kind)
}
