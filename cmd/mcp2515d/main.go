// Command mcp2515d bridges an MCP2515 CAN controller to cannelloni TCP
// clients, with an optional SocketCAN mirror.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kstaniek/go-mcp2515/internal/metrics"
)

func main() {
	cfg, showVersion, err := parseFlags(flag.CommandLine, os.Args[1:])
	if showVersion {
		fmt.Printf("mcp2515d %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, l)
	if err != nil {
		l.Error("startup_error", "error", err)
		os.Exit(1)
	}
	metrics.SetReadinessFunc(func() bool { return d.ready(ctx) })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	if err := d.run(ctx); err != nil {
		l.Error("daemon_error", "error", err)
		os.Exit(1)
	}
	l.Info("shutdown_complete")
}
