package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/kstaniek/go-mcp2515/internal/hub"
	"github.com/kstaniek/go-mcp2515/internal/mcp2515"
)

const envPrefix = "MCP2515D_"

type appConfig struct {
	transport       string
	spiPort         string
	spiClock        physic.Frequency
	serialDev       string
	baud            int
	irqPin          string
	irqDebounce     time.Duration
	irqPoll         time.Duration
	mode            string
	rollover        bool
	flushInterval   time.Duration
	txQueue         int
	openAttempts    int
	listenAddr      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	logMetricsEvery time.Duration
	canIf           string
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string
}

// parseFlags parses args into a config, then applies MCP2515D_* environment
// overrides for every flag not given explicitly.
func parseFlags(fs *flag.FlagSet, args []string) (*appConfig, bool, error) {
	cfg := &appConfig{spiClock: 10 * physic.MegaHertz}
	fs.StringVar(&cfg.transport, "transport", "spidev", "SPI transport: spidev|buspirate|sim")
	fs.StringVar(&cfg.spiPort, "spi", "", "spidev port name, e.g. /dev/spidev0.0 (empty = first port)")
	fs.Var(&cfg.spiClock, "spi-clock", "SPI clock frequency")
	fs.StringVar(&cfg.serialDev, "serial", "/dev/ttyUSB0", "Bus Pirate serial device (when --transport=buspirate)")
	fs.IntVar(&cfg.baud, "baud", 115200, "Bus Pirate serial baud rate")
	fs.StringVar(&cfg.irqPin, "irq-pin", "GPIO25", "GPIO wired to the MCP2515 INT pin (empty = poll the chip)")
	fs.DurationVar(&cfg.irqDebounce, "irq-debounce", 0, "Pause after each interrupt pass")
	fs.DurationVar(&cfg.irqPoll, "irq-poll", 100*time.Millisecond, "Edge wait timeout; also the poll period without an interrupt pin")
	fs.StringVar(&cfg.mode, "mode", "normal", "Operating mode: normal|loopback|listen-only|sleep|configuration")
	fs.BoolVar(&cfg.rollover, "rollover", true, "Roll RXB0 over into RXB1 when full")
	fs.DurationVar(&cfg.flushInterval, "flush-interval", 5*time.Millisecond, "Retry period for frames still queued for transmission")
	fs.IntVar(&cfg.txQueue, "tx-queue", 1024, "Frames buffered between TCP clients and the controller")
	fs.IntVar(&cfg.openAttempts, "open-attempts", 5, "Attempts to open the SPI transport and controller")
	fs.StringVar(&cfg.listenAddr, "listen", ":20000", "TCP listen address")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", 512, "Per-client hub buffer (frames)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.StringVar(&cfg.canIf, "can-if", "", "SocketCAN interface to mirror traffic on (empty disables)")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", 3*time.Second, "Client handshake timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", 60*time.Second, "Per-connection read deadline")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Enable mDNS advertisement")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default mcp2515d-<hostname>)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })
	if err := applyEnvOverrides(cfg, set); err != nil {
		return nil, *showVersion, fmt.Errorf("environment override: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, *showVersion, fmt.Errorf("configuration: %w", err)
	}
	return cfg, *showVersion, nil
}

// validate checks values and ranges only; no device or listener is opened.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.transport {
	case "spidev", "buspirate", "sim":
	default:
		return fmt.Errorf("invalid transport: %s", c.transport)
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if _, err := hub.ParsePolicy(c.hubPolicy); err != nil {
		return fmt.Errorf("invalid hub-policy: %w", err)
	}
	if _, err := mcp2515.ParseMode(c.mode); err != nil {
		return fmt.Errorf("invalid mode: %w", err)
	}
	if c.spiClock <= 0 {
		return fmt.Errorf("spi-clock must be > 0")
	}
	if c.transport == "buspirate" && c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.txQueue <= 0 {
		return fmt.Errorf("tx-queue must be > 0 (got %d)", c.txQueue)
	}
	if c.openAttempts <= 0 {
		return fmt.Errorf("open-attempts must be > 0 (got %d)", c.openAttempts)
	}
	if c.flushInterval <= 0 {
		return fmt.Errorf("flush-interval must be > 0")
	}
	if c.irqPoll <= 0 {
		return fmt.Errorf("irq-poll must be > 0")
	}
	if c.irqDebounce < 0 {
		return fmt.Errorf("irq-debounce must be >= 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	return nil
}

// envOverrides collects the first parse error while applying variables.
type envOverrides struct {
	set      map[string]struct{}
	firstErr error
}

func (e *envOverrides) lookup(flagName string) (string, string, bool) {
	if _, ok := e.set[flagName]; ok {
		return "", "", false
	}
	key := envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return key, v, ok && v != ""
}

func (e *envOverrides) fail(key string, err error) {
	if e.firstErr == nil {
		e.firstErr = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (e *envOverrides) stringVar(flagName string, dst *string) {
	if _, v, ok := e.lookup(flagName); ok {
		*dst = v
	}
}

func (e *envOverrides) intVar(flagName string, dst *int) {
	key, v, ok := e.lookup(flagName)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = n
}

func (e *envOverrides) durationVar(flagName string, dst *time.Duration) {
	key, v, ok := e.lookup(flagName)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = d
}

func (e *envOverrides) boolVar(flagName string, dst *bool) {
	key, v, ok := e.lookup(flagName)
	if !ok {
		return
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		e.fail(key, fmt.Errorf("not a boolean: %q", v))
	}
}

func (e *envOverrides) frequencyVar(flagName string, dst *physic.Frequency) {
	key, v, ok := e.lookup(flagName)
	if !ok {
		return
	}
	var f physic.Frequency
	if err := f.Set(v); err != nil {
		e.fail(key, err)
		return
	}
	*dst = f
}

// applyEnvOverrides maps MCP2515D_<FLAG_NAME> variables onto the config unless
// the flag was set explicitly. Empty values are ignored.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	e := &envOverrides{set: set}
	e.stringVar("transport", &c.transport)
	e.stringVar("spi", &c.spiPort)
	e.frequencyVar("spi-clock", &c.spiClock)
	e.stringVar("serial", &c.serialDev)
	e.intVar("baud", &c.baud)
	e.stringVar("irq-pin", &c.irqPin)
	e.durationVar("irq-debounce", &c.irqDebounce)
	e.durationVar("irq-poll", &c.irqPoll)
	e.stringVar("mode", &c.mode)
	e.boolVar("rollover", &c.rollover)
	e.durationVar("flush-interval", &c.flushInterval)
	e.intVar("tx-queue", &c.txQueue)
	e.intVar("open-attempts", &c.openAttempts)
	e.stringVar("listen", &c.listenAddr)
	e.stringVar("log-format", &c.logFormat)
	e.stringVar("log-level", &c.logLevel)
	e.stringVar("metrics-addr", &c.metricsAddr)
	e.intVar("hub-buffer", &c.hubBuffer)
	e.stringVar("hub-policy", &c.hubPolicy)
	e.durationVar("log-metrics-interval", &c.logMetricsEvery)
	e.stringVar("can-if", &c.canIf)
	e.intVar("max-clients", &c.maxClients)
	e.durationVar("handshake-timeout", &c.handshakeTO)
	e.durationVar("client-read-timeout", &c.clientReadTO)
	e.boolVar("mdns-enable", &c.mdnsEnable)
	e.stringVar("mdns-name", &c.mdnsName)
	return e.firstErr
}
