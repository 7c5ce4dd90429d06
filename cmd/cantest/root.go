package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/physic"

	"github.com/kstaniek/go-mcp2515/internal/irq"
	"github.com/kstaniek/go-mcp2515/internal/logging"
	"github.com/kstaniek/go-mcp2515/internal/mcp2515/chipsim"
)

// frequencyFlag adapts physic.Frequency to pflag.Value.
type frequencyFlag struct{ f *physic.Frequency }

func (v frequencyFlag) String() string     { return v.f.String() }
func (v frequencyFlag) Set(s string) error { return v.f.Set(s) }
func (v frequencyFlag) Type() string       { return "frequency" }

// newRootCmd builds the command tree; tests build a fresh one per case.
func newRootCmd() *cobra.Command {
	opts := busOptions{spiClock: 10 * physic.MegaHertz}
	var logLevel string

	root := &cobra.Command{
		Use:           "cantest",
		Short:         "MCP2515 and SocketCAN bus test harness",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Set(logging.New("text", logging.ParseLevel(logLevel), cmd.ErrOrStderr()))
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&opts.backend, "backend", "b", "socketcan", "bus backend: socketcan|local")
	pf.StringVarP(&opts.iface, "iface", "i", "can0", "SocketCAN interface")
	pf.StringVarP(&opts.transport, "transport", "t", "spidev", "local controller transport: spidev|buspirate|sim")
	pf.StringVar(&opts.spiPort, "spi", "", "spidev port name (empty = first port)")
	pf.Var(frequencyFlag{&opts.spiClock}, "spi-clock", "SPI clock frequency")
	pf.StringVar(&opts.serialDev, "serial", "/dev/ttyUSB0", "Bus Pirate serial device")
	pf.IntVar(&opts.baud, "baud", 115200, "Bus Pirate baud rate")
	pf.StringVar(&opts.irqPin, "irq-pin", "GPIO25", "GPIO wired to the MCP2515 INT pin")
	pf.StringVarP(&opts.mode, "mode", "m", "normal", "controller mode")
	pf.IntVar(&opts.maxPending, "max-pending", 3, "queued frames before a local send reports busy")
	pf.StringVar(&logLevel, "log-level", "warn", "debug|info|warn|error")

	withBus := func(fn func(ctx context.Context, bus Bus, cmd *cobra.Command) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			bus, err := openBus(ctx, opts, logging.For("cantest"))
			if err != nil {
				return err
			}
			defer bus.Close()
			return fn(ctx, bus, cmd)
		}
	}

	var sp sendParams
	send := &cobra.Command{
		Use:   "send",
		Short: "Ping the peer, stream random frames and verify its checksum",
		RunE: withBus(func(ctx context.Context, bus Bus, cmd *cobra.Command) error {
			_, err := runSend(ctx, bus, sp, cmd.OutOrStdout())
			return err
		}),
	}
	send.Flags().IntVarP(&sp.frames, "frames", "n", 1000, "frames to send, end marker included")
	send.Flags().DurationVar(&sp.delay, "delay", 0, "pause after each frame")
	send.Flags().DurationVar(&sp.settle, "settle", 500*time.Millisecond, "pause between ping and transfer")
	send.Flags().Int64Var(&sp.seed, "seed", time.Now().UnixNano(), "random seed")

	var gap time.Duration
	receive := &cobra.Command{
		Use:   "receive",
		Short: "Answer the ping, collect frames until 0x7FF and reply with their MD5",
		RunE: withBus(func(ctx context.Context, bus Bus, cmd *cobra.Command) error {
			_, err := runReceive(ctx, bus, gap, cmd.OutOrStdout())
			return err
		}),
	}
	receive.Flags().DurationVar(&gap, "gap", 100*time.Millisecond, "pause between the two checksum frames")

	var dumpMax int
	dump := &cobra.Command{
		Use:   "dump",
		Short: "Print received frames",
		RunE: withBus(func(ctx context.Context, bus Bus, cmd *cobra.Command) error {
			_, err := runDump(ctx, bus, dumpMax, cmd.OutOrStdout())
			return err
		}),
	}
	dump.Flags().IntVarP(&dumpMax, "count", "c", 0, "stop after this many frames (0 = until interrupted)")

	var speedFrames int
	var speedSeed int64
	speed := &cobra.Command{
		Use:   "speed",
		Short: "Queue random frames on a local controller and time the drain",
		RunE: withBus(func(ctx context.Context, bus Bus, cmd *cobra.Command) error {
			cb, ok := bus.(*controllerBus)
			if !ok {
				return fmt.Errorf("speed needs --backend=local")
			}
			_, err := runSpeed(ctx, cb, speedFrames, speedSeed, cmd.OutOrStdout())
			return err
		}),
	}
	speed.Flags().IntVarP(&speedFrames, "frames", "n", 1000, "frames to queue")
	speed.Flags().Int64Var(&speedSeed, "seed", time.Now().UnixNano(), "random seed")

	var st sendParams
	selftest := &cobra.Command{
		Use:   "selftest",
		Short: "Run send and receive against two linked simulated controllers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelftest(cmd.Context(), opts, st, cmd.OutOrStdout())
		},
	}
	selftest.Flags().IntVarP(&st.frames, "frames", "n", 100, "frames to send, end marker included")
	selftest.Flags().DurationVar(&st.delay, "delay", 2*time.Millisecond, "pause after each frame")
	selftest.Flags().Int64Var(&st.seed, "seed", time.Now().UnixNano(), "random seed")

	root.AddCommand(send, receive, dump, speed, selftest)
	return root
}

// runSelftest links two simulated chips in normal mode and runs the receive
// and send procedures against each other.
func runSelftest(ctx context.Context, opts busOptions, p sendParams, w io.Writer) error {
	a, b := chipsim.New("sender"), chipsim.New("receiver")
	chipsim.Link(a, b)
	opts.mode = "normal"
	open := func(chip *chipsim.Chip) (*controllerBus, error) {
		l := logging.For("cantest").With("chip", chip.Name())
		return startController(ctx, chip, irq.New(chip, irq.WithLogger(l)), opts, l)
	}
	tx, err := open(a)
	if err != nil {
		return err
	}
	defer tx.Close()
	rx, err := open(b)
	if err != nil {
		return err
	}
	defer rx.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := runReceive(gctx, rx, 0, io.Discard)
		return err
	})
	g.Go(func() error {
		_, err := runSend(gctx, tx, p, w)
		return err
	})
	return g.Wait()
}
