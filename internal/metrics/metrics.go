package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-mcp2515/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	ChipRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcp2515_rx_frames_total",
		Help: "Total CAN frames decoded from the MCP2515 receive buffers.",
	})
	ChipTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcp2515_tx_frames_total",
		Help: "Total CAN frames loaded into MCP2515 transmit buffers.",
	})
	Interrupts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcp2515_interrupts_total",
		Help: "Total interrupt-triggered service passes.",
	})
	FlushPasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcp2515_flush_passes_total",
		Help: "Total synchronous TX flush passes.",
	})
	SPITransactions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcp2515_spi_transactions_total",
		Help: "Total SPI transactions issued to the controller.",
	})
	RxQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcp2515_rx_queue_depth",
		Help: "Frames waiting in the software RX queue after the last pass.",
	})
	TxQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcp2515_tx_queue_depth",
		Help: "Frames waiting in the software TX queue after the last pass.",
	})
	SocketCANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_rx_frames_total",
		Help: "Total CAN frames read from the SocketCAN mirror interface.",
	})
	SocketCANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_tx_frames_total",
		Help: "Total CAN frames written to the SocketCAN mirror interface.",
	})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total CAN frames received from TCP clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total CAN frames sent to TCP clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total CAN frames dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (short RX captures, invalid length, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrSPI            = "spi"
	ErrRange          = "range"
	ErrFrame          = "frame"
	ErrMalformed      = "malformed"
	ErrReset          = "reset"
	ErrIRQ            = "irq"
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrHandshake      = "handshake"
	ErrSocketCANWrite = "socketcan_write"
	ErrSocketCANRead  = "socketcan_read"
	ErrSocketCANOver  = "socketcan_overflow"
	ErrBackendTx      = "backend_tx"
	ErrBackendOver    = "backend_overflow"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters so logs and tests can read values without scraping.
var (
	localChipRx      atomic.Uint64
	localChipTx      atomic.Uint64
	localInterrupts  atomic.Uint64
	localFlushes     atomic.Uint64
	localSPI         atomic.Uint64
	localRxDepth     atomic.Uint64
	localTxDepth     atomic.Uint64
	localSocketCANRx atomic.Uint64
	localSocketCANTx atomic.Uint64
	localTCPRx       atomic.Uint64
	localTCPTx       atomic.Uint64
	localHubDrop     atomic.Uint64
	localHubKick     atomic.Uint64
	localHubReject   atomic.Uint64
	localHubClients  atomic.Uint64
	localErrors      atomic.Uint64
	localMalformed   atomic.Uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	ChipRx       uint64
	ChipTx       uint64
	Interrupts   uint64
	FlushPasses  uint64
	SPI          uint64
	RxQueueDepth uint64
	TxQueueDepth uint64
	SocketCANRx  uint64
	SocketCANTx  uint64
	TCPRx        uint64
	TCPTx        uint64
	HubDrops     uint64
	HubKicks     uint64
	HubRejects   uint64
	HubClients   uint64
	Errors       uint64 // sum across error labels
	Malformed    uint64
}

func Snap() Snapshot {
	return Snapshot{
		ChipRx:       localChipRx.Load(),
		ChipTx:       localChipTx.Load(),
		Interrupts:   localInterrupts.Load(),
		FlushPasses:  localFlushes.Load(),
		SPI:          localSPI.Load(),
		RxQueueDepth: localRxDepth.Load(),
		TxQueueDepth: localTxDepth.Load(),
		SocketCANRx:  localSocketCANRx.Load(),
		SocketCANTx:  localSocketCANTx.Load(),
		TCPRx:        localTCPRx.Load(),
		TCPTx:        localTCPTx.Load(),
		HubDrops:     localHubDrop.Load(),
		HubKicks:     localHubKick.Load(),
		HubRejects:   localHubReject.Load(),
		HubClients:   localHubClients.Load(),
		Errors:       localErrors.Load(),
		Malformed:    localMalformed.Load(),
	}
}

func IncChipRx() {
	ChipRxFrames.Inc()
	localChipRx.Add(1)
}

func IncChipTx() {
	ChipTxFrames.Inc()
	localChipTx.Add(1)
}

func IncInterrupt() {
	Interrupts.Inc()
	localInterrupts.Add(1)
}

func IncFlush() {
	FlushPasses.Inc()
	localFlushes.Add(1)
}

// IncSPI counts one SPI transaction.
func IncSPI() {
	SPITransactions.Inc()
	localSPI.Add(1)
}

// SetQueueDepths records the software queue depths after a pass.
func SetQueueDepths(rx, tx int) {
	RxQueueDepth.Set(float64(rx))
	TxQueueDepth.Set(float64(tx))
	localRxDepth.Store(uint64(rx))
	localTxDepth.Store(uint64(tx))
}

func IncSocketCANRx() {
	SocketCANRxFrames.Inc()
	localSocketCANRx.Add(1)
}

func IncSocketCANTx() {
	SocketCANTxFrames.Inc()
	localSocketCANTx.Add(1)
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	localTCPRx.Add(1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	localTCPTx.Add(uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	localHubDrop.Add(1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	localHubKick.Add(1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	localHubReject.Add(1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	localHubClients.Store(uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	localErrors.Add(1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	localMalformed.Add(1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrSPI, ErrRange, ErrFrame, ErrMalformed, ErrReset, ErrIRQ,
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrSocketCANWrite, ErrSocketCANRead, ErrSocketCANOver,
		ErrBackendTx, ErrBackendOver,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // not set yet: report ready so probes don't flap during startup
		return true
	}
	return fn()
}
