package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-mcp2515/internal/metrics"
)

func logMetrics(ctx context.Context, interval time.Duration, l *slog.Logger) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			snap := metrics.Snap()
			l.Info("metrics_snapshot",
				"chip_rx", snap.ChipRx,
				"chip_tx", snap.ChipTx,
				"interrupts", snap.Interrupts,
				"flushes", snap.FlushPasses,
				"spi", snap.SPI,
				"rx_queue", snap.RxQueueDepth,
				"tx_queue", snap.TxQueueDepth,
				"socketcan_rx", snap.SocketCANRx,
				"socketcan_tx", snap.SocketCANTx,
				"tcp_rx", snap.TCPRx,
				"tcp_tx", snap.TCPTx,
				"hub_drops", snap.HubDrops,
				"malformed", snap.Malformed,
				"errors", snap.Errors,
			)
		case <-ctx.Done():
			return nil
		}
	}
}
