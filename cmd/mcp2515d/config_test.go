package main

import (
	"flag"
	"io"
	"testing"
	"time"

	"periph.io/x/conn/v3/physic"
)

func validConfig() *appConfig {
	return &appConfig{
		transport: "spidev", spiClock: 10 * physic.MegaHertz, baud: 115200, irqPoll: 100 * time.Millisecond,
		mode: "normal", flushInterval: 5 * time.Millisecond, txQueue: 16, openAttempts: 1,
		listenAddr: ":20000", logFormat: "text", logLevel: "info", hubBuffer: 8, hubPolicy: "drop",
		handshakeTO: time.Second, clientReadTO: time.Second,
	}
}

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("mcp2515d", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestConfigValidate_OK(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badTransport", func(c *appConfig) { c.transport = "usb" }},
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badPolicy", func(c *appConfig) { c.hubPolicy = "x" }},
		{"badMode", func(c *appConfig) { c.mode = "turbo" }},
		{"badClock", func(c *appConfig) { c.spiClock = 0 }},
		{"badBaud", func(c *appConfig) { c.transport = "buspirate"; c.baud = 0 }},
		{"badHubBuf", func(c *appConfig) { c.hubBuffer = 0 }},
		{"badTxQueue", func(c *appConfig) { c.txQueue = 0 }},
		{"badAttempts", func(c *appConfig) { c.openAttempts = 0 }},
		{"badFlush", func(c *appConfig) { c.flushInterval = 0 }},
		{"badPoll", func(c *appConfig) { c.irqPoll = 0 }},
		{"badDebounce", func(c *appConfig) { c.irqDebounce = -time.Millisecond }},
		{"badHandshakeTO", func(c *appConfig) { c.handshakeTO = 0 }},
		{"badClientReadTO", func(c *appConfig) { c.clientReadTO = 0 }},
		{"badMaxClients", func(c *appConfig) { c.maxClients = -1 }},
	}
	for _, tc := range tests {
		c := validConfig()
		tc.mod(c)
		if err := c.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestParseFlagsDefaults(t *testing.T) {
	cfg, showVersion, err := parseFlags(newFlagSet(), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if showVersion {
		t.Fatalf("version flag not given")
	}
	if cfg.transport != "spidev" || cfg.spiClock != 10*physic.MegaHertz || cfg.mode != "normal" || !cfg.rollover {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestParseFlagsExplicit(t *testing.T) {
	cfg, _, err := parseFlags(newFlagSet(), []string{
		"-transport", "sim", "-mode", "loopback", "-spi-clock", "2MHz", "-rollover=false", "-can-if", "vcan0",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.transport != "sim" || cfg.mode != "loopback" || cfg.spiClock != 2*physic.MegaHertz || cfg.rollover || cfg.canIf != "vcan0" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
}

func TestParseFlagsInvalid(t *testing.T) {
	if _, _, err := parseFlags(newFlagSet(), []string{"-transport", "carrier-pigeon"}); err == nil {
		t.Fatalf("expected configuration error")
	}
}

func TestApplyEnvOverrides_Basic(t *testing.T) {
	t.Setenv("MCP2515D_BAUD", "230400")
	t.Setenv("MCP2515D_MDNS_ENABLE", "true")
	t.Setenv("MCP2515D_IRQ_POLL", "20ms")
	t.Setenv("MCP2515D_LOG_METRICS_INTERVAL", "5s")
	t.Setenv("MCP2515D_SPI_CLOCK", "1MHz")
	t.Setenv("MCP2515D_ROLLOVER", "off")
	t.Setenv("MCP2515D_TRANSPORT", " buspirate ")
	base := validConfig()
	base.rollover = true
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.baud != 230400 {
		t.Fatalf("expected baud override, got %d", base.baud)
	}
	if !base.mdnsEnable || base.rollover {
		t.Fatalf("boolean overrides not applied: mdns=%v rollover=%v", base.mdnsEnable, base.rollover)
	}
	if base.irqPoll != 20*time.Millisecond || base.logMetricsEvery != 5*time.Second {
		t.Fatalf("duration overrides not applied: %v %v", base.irqPoll, base.logMetricsEvery)
	}
	if base.spiClock != physic.MegaHertz {
		t.Fatalf("expected 1MHz got %s", base.spiClock)
	}
	if base.transport != "buspirate" {
		t.Fatalf("expected trimmed transport, got %q", base.transport)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	t.Setenv("MCP2515D_BAUD", "230400")
	base := &appConfig{baud: 115200}
	if err := applyEnvOverrides(base, map[string]struct{}{"baud": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.baud != 115200 {
		t.Fatalf("expected baud unchanged 115200 got %d", base.baud)
	}
}

func TestApplyEnvOverrides_BadValues(t *testing.T) {
	for key, val := range map[string]string{
		"MCP2515D_HUB_BUFFER":     "notint",
		"MCP2515D_FLUSH_INTERVAL": "soon",
		"MCP2515D_MDNS_ENABLE":    "maybe",
		"MCP2515D_SPI_CLOCK":      "fast",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if err := applyEnvOverrides(validConfig(), map[string]struct{}{}); err == nil {
				t.Fatalf("expected error for %s=%q", key, val)
			}
		})
	}
}
