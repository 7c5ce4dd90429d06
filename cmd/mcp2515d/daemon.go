package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-mcp2515/internal/can"
	"github.com/kstaniek/go-mcp2515/internal/cnl"
	"github.com/kstaniek/go-mcp2515/internal/hub"
	"github.com/kstaniek/go-mcp2515/internal/mcp2515"
	"github.com/kstaniek/go-mcp2515/internal/metrics"
	"github.com/kstaniek/go-mcp2515/internal/server"
	"github.com/kstaniek/go-mcp2515/internal/socketcan"
	"github.com/kstaniek/go-mcp2515/internal/transport"
)

// rxFallback bounds how long received frames can wait if a Received signal
// was coalesced away.
const rxFallback = 50 * time.Millisecond

// openMirror is a hook for tests.
var openMirror = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }

// daemon bridges one MCP2515 controller to cannelloni TCP clients and an
// optional SocketCAN mirror.
type daemon struct {
	cfg  *appConfig
	log  *slog.Logger
	ctrl *mcp2515.Controller
	line mcp2515.InterruptLine
	hub  *hub.Hub
	tx   *transport.AsyncTx
	srv  *server.Server

	mirror   socketcan.Dev
	mirrorTx *socketcan.TXWriter
}

func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	h := hub.New()
	h.OutBufSize = cfg.hubBuffer
	policy, err := hub.ParsePolicy(cfg.hubPolicy)
	if err != nil {
		l.Warn("unknown_hub_policy", "policy", cfg.hubPolicy, "used", "drop")
	}
	h.Policy = policy
	l.Info("hub_config", "policy", h.Policy.String(), "buffer", h.OutBufSize)
	return h
}

// newDaemon opens the controller and mirror and wires the TCP server.
// Nothing runs until run is called.
func newDaemon(ctx context.Context, cfg *appConfig, l *slog.Logger) (*daemon, error) {
	ctrl, line, err := openController(ctx, cfg, l)
	if err != nil {
		return nil, err
	}
	d := &daemon{cfg: cfg, log: l, ctrl: ctrl, line: line, hub: initHub(cfg, l)}
	d.tx = transport.NewAsyncTx(context.Background(), cfg.txQueue, ctrl.TransmitFrame, transport.Hooks{
		OnError: func(fr can.Frame, err error) {
			metrics.IncError(mcp2515.ErrorKind(err))
			l.Error("chip_tx_error", "frame", fr.String(), "error", err)
		},
	})
	if cfg.canIf != "" {
		dev, err := openMirror(cfg.canIf)
		if err != nil {
			d.tx.Close()
			_ = ctrl.Close()
			return nil, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
		}
		l.Info("socketcan_open", "if", cfg.canIf)
		d.mirror = dev
		d.mirrorTx = socketcan.NewTXWriter(context.Background(), dev, cfg.txQueue)
	}
	d.srv = server.NewServer(
		server.WithListenAddr(cfg.listenAddr),
		server.WithHub(d.hub),
		server.WithCodec(&cnl.Codec{}),
		server.WithSend(d.tx.SendFrame),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	return d, nil
}

// run supervises every worker until ctx is done or one of them fails, then
// shuts everything down and closes the controller.
func (d *daemon) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.ctrl.Run(gctx, d.line) })
	g.Go(func() error { return d.pumpRx(gctx) })
	g.Go(func() error { return d.flushLoop(gctx) })
	g.Go(func() error { return d.srv.Serve(gctx) })
	g.Go(func() error { return logMetrics(gctx, d.cfg.logMetricsEvery, d.log) })
	g.Go(func() error { return d.advertise(gctx) })
	if d.mirror != nil {
		g.Go(func() error {
			err := socketcan.ReadLoop(gctx, d.mirror, func(fr can.Frame) {
				if err := d.tx.SendFrame(fr); err != nil {
					d.log.Debug("mirror_tx_drop", "frame", fr.String(), "error", err)
				}
			})
			d.log.Info("socketcan_rx_end")
			return err
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		d.stop()
		return nil
	})
	err := g.Wait()
	if cerr := d.ctrl.Close(); cerr != nil {
		d.log.Warn("controller_close_error", "error", cerr)
	}
	return err
}

// stop unblocks the workers that do not watch ctx themselves.
func (d *daemon) stop() {
	sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := d.srv.Shutdown(sctx); err != nil {
		d.log.Warn("server_shutdown_error", "error", err)
	}
	d.tx.Close()
	if d.mirror != nil {
		_ = d.mirror.Close()
		d.mirrorTx.Close()
	}
}

// pumpRx hands every frame the controller receives to the hub and mirror.
func (d *daemon) pumpRx(ctx context.Context) error {
	t := time.NewTicker(rxFallback)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.ctrl.Received():
		case <-t.C:
		}
		for _, fr := range d.ctrl.GetAllFrames() {
			d.hub.Broadcast(fr)
			if d.mirrorTx != nil {
				_ = d.mirrorTx.SendFrame(fr)
			}
		}
	}
}

// flushLoop retries queued frames while transmit buffers were busy.
func (d *daemon) flushLoop(ctx context.Context) error {
	t := time.NewTicker(d.cfg.flushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if d.ctrl.Pending() == 0 {
				continue
			}
			if _, err := d.ctrl.FlushTxQueue(); err != nil {
				if errors.Is(err, mcp2515.ErrClosed) {
					return nil
				}
				metrics.IncError(mcp2515.ErrorKind(err))
				d.log.Warn("flush_failed", "error", err, "pending", d.ctrl.Pending())
			}
		}
	}
}

// advertise registers the listener via mDNS once it is bound.
func (d *daemon) advertise(ctx context.Context) error {
	if !d.cfg.mdnsEnable {
		return nil
	}
	select {
	case <-d.srv.Ready():
	case <-ctx.Done():
		return nil
	}
	_, p, err := net.SplitHostPort(d.srv.Addr())
	if err != nil {
		d.log.Warn("mdns_start_failed", "error", err)
		return nil
	}
	port, _ := strconv.Atoi(p)
	cleanup, err := startMDNS(ctx, d.cfg, port)
	if err != nil {
		d.log.Warn("mdns_start_failed", "error", err)
		return nil
	}
	d.log.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(d.cfg), "port", port)
	<-ctx.Done()
	cleanup()
	return nil
}

// ready reports whether the listener is bound and ctx still live.
func (d *daemon) ready(ctx context.Context) bool {
	select {
	case <-d.srv.Ready():
	default:
		return false
	}
	return ctx.Err() == nil
}
