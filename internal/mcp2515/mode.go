package mcp2515

import (
	"fmt"
	"strings"
)

// Mode is the controller operating mode held in CANCTRL.REQOP / CANSTAT.OPMOD.
type Mode int

const (
	ModeNormal Mode = iota
	ModeSleep
	ModeLoopback
	ModeListenOnly
	ModeConfiguration
)

// Valid reports whether m is one of the five defined modes.
func (m Mode) Valid() bool { return m >= ModeNormal && m <= ModeConfiguration }

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeSleep:
		return "sleep"
	case ModeLoopback:
		return "loopback"
	case ModeListenOnly:
		return "listen-only"
	case ModeConfiguration:
		return "configuration"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts the String form plus the short aliases "listen" and "config".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal":
		return ModeNormal, nil
	case "sleep":
		return ModeSleep, nil
	case "loopback":
		return ModeLoopback, nil
	case "listen-only", "listenonly", "listen":
		return ModeListenOnly, nil
	case "configuration", "config":
		return ModeConfiguration, nil
	}
	return 0, fmt.Errorf("%w: unknown mode %q", ErrRange, s)
}
