package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-cam360/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	LinkRxUnits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_rx_units_total",
		Help: "Total units decoded from the device link.",
	})
	LinkTxUnits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_tx_units_total",
		Help: "Total units written to the device link.",
	})
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commands_total",
		Help: "Device commands by result (ok, device_error, timeout, closed, faulted, protocol, other).",
	}, []string{"result"})
	CommandLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "command_latency_seconds",
		Help:    "Round trip latency of device commands.",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})
	MediaUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_units_total",
		Help: "Media units classified by the demultiplexer, by channel.",
	}, []string{"channel"})
	EventUnits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "event_units_total",
		Help: "Device events classified by the demultiplexer.",
	})
	UnmatchedReplies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "unmatched_replies_total",
		Help: "Replies dropped because no pending command carried their tag (late or stale).",
	})
	SinkDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sink_dropped_total",
		Help: "Frames and events dropped by the delivery sink, by reason.",
	}, []string{"reason"})
	SessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "session_state",
		Help: "Current session state (0 disconnected, 1 connecting, 2 connected, 3 faulted).",
	})
	UpgradeProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "upgrade_progress_percent",
		Help: "Progress of the active firmware upgrade job.",
	})
	Upgrades = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upgrades_total",
		Help: "Finished firmware upgrade jobs by final status.",
	}, []string{"status"})
	RelayRxUnits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_rx_units_total",
		Help: "Total units received from relay clients.",
	})
	RelayTxUnits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_tx_units_total",
		Help: "Total units sent to relay clients.",
	})
	HubDroppedUnits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_units_total",
		Help: "Total units dropped by hub due to slow clients.",
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
	MalformedUnits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_units_total",
		Help: "Total rejected malformed units (bad length, checksum, truncated or unparseable body).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrSerialRead  = "serial_read"
	ErrSerialWrite = "serial_write"
	ErrLinkFault   = "link_fault"
	ErrUnknownKind = "unknown_kind"
	ErrHotplug     = "hotplug"
	ErrHeartbeat   = "heartbeat"
	ErrUpgrade     = "upgrade"
	ErrTCPRead     = "tcp_read"
	ErrTCPWrite    = "tcp_write"
	ErrHandshake   = "handshake"
)

// Command result labels.
const (
	ResultOK          = "ok"
	ResultDeviceError = "device_error"
	ResultTimeout     = "timeout"
	ResultClosed      = "closed"
	ResultFaulted     = "faulted"
	ResultProtocol    = "protocol"
	ResultOther       = "other"
)

// Handler serves Prometheus metrics at /metrics and readiness at /ready.
func Handler() http.Handler {
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
	return mux
}

// StartHTTP serves Handler on addr in the background.
func StartHTTP(addr string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localLinkRx      uint64
	localLinkTx      uint64
	localCommands    uint64
	localCmdFailures uint64
	localVideo       uint64
	localAudio       uint64
	localEvents      uint64
	localUnmatched   uint64
	localSinkDrops   uint64
	localRelayRx     uint64
	localRelayTx     uint64
	localHubDrop     uint64
	localHubKick     uint64
	localHubReject   uint64
	localHubClients  uint64
	localErrors      uint64
	localMalformed   uint64
	localUpgradePct  uint64
	localState       uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	LinkRx          uint64
	LinkTx          uint64
	Commands        uint64
	CommandFailures uint64
	VideoUnits      uint64
	AudioUnits      uint64
	Events          uint64
	Unmatched       uint64
	SinkDrops       uint64
	RelayRx         uint64
	RelayTx         uint64
	HubDrops        uint64
	HubKicks        uint64
	HubRejects      uint64
	HubClients      uint64
	Errors          uint64 // sum across error labels
	Malformed       uint64
	UpgradePercent  uint64
	SessionState    uint64
}

func Snap() Snapshot {
	return Snapshot{
		LinkRx:          atomic.LoadUint64(&localLinkRx),
		LinkTx:          atomic.LoadUint64(&localLinkTx),
		Commands:        atomic.LoadUint64(&localCommands),
		CommandFailures: atomic.LoadUint64(&localCmdFailures),
		VideoUnits:      atomic.LoadUint64(&localVideo),
		AudioUnits:      atomic.LoadUint64(&localAudio),
		Events:          atomic.LoadUint64(&localEvents),
		Unmatched:       atomic.LoadUint64(&localUnmatched),
		SinkDrops:       atomic.LoadUint64(&localSinkDrops),
		RelayRx:         atomic.LoadUint64(&localRelayRx),
		RelayTx:         atomic.LoadUint64(&localRelayTx),
		HubDrops:        atomic.LoadUint64(&localHubDrop),
		HubKicks:        atomic.LoadUint64(&localHubKick),
		HubRejects:      atomic.LoadUint64(&localHubReject),
		HubClients:      atomic.LoadUint64(&localHubClients),
		Errors:          atomic.LoadUint64(&localErrors),
		Malformed:       atomic.LoadUint64(&localMalformed),
		UpgradePercent:  atomic.LoadUint64(&localUpgradePct),
		SessionState:    atomic.LoadUint64(&localState),
	}
}

// Wrapper helpers to keep call sites simple.
func IncLinkRx() {
	LinkRxUnits.Inc()
	atomic.AddUint64(&localLinkRx, 1)
}

func IncLinkTx() {
	LinkTxUnits.Inc()
	atomic.AddUint64(&localLinkTx, 1)
}

// ObserveCommand records one finished command round trip.
func ObserveCommand(result string, d time.Duration) {
	Commands.WithLabelValues(result).Inc()
	CommandLatency.Observe(d.Seconds())
	atomic.AddUint64(&localCommands, 1)
	if result != ResultOK {
		atomic.AddUint64(&localCmdFailures, 1)
	}
}

func IncMedia(channel string) {
	MediaUnits.WithLabelValues(channel).Inc()
	switch channel {
	case "audio":
		atomic.AddUint64(&localAudio, 1)
	default:
		atomic.AddUint64(&localVideo, 1)
	}
}

func IncEvent() {
	EventUnits.Inc()
	atomic.AddUint64(&localEvents, 1)
}

func IncUnmatched() {
	UnmatchedReplies.Inc()
	atomic.AddUint64(&localUnmatched, 1)
}

func IncSinkDrop(reason string) {
	SinkDropped.WithLabelValues(reason).Inc()
	atomic.AddUint64(&localSinkDrops, 1)
}

func SetSessionState(n int) {
	SessionState.Set(float64(n))
	atomic.StoreUint64(&localState, uint64(n))
}

func SetUpgradeProgress(pct int) {
	UpgradeProgress.Set(float64(pct))
	atomic.StoreUint64(&localUpgradePct, uint64(pct))
}

func IncUpgrade(status string) { Upgrades.WithLabelValues(status).Inc() }

func IncRelayRx() {
	RelayRxUnits.Inc()
	atomic.AddUint64(&localRelayRx, 1)
}

func AddRelayTx(n int) {
	RelayTxUnits.Add(float64(n))
	atomic.AddUint64(&localRelayTx, uint64(n))
}

func IncHubDrop() {
	HubDroppedUnits.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedUnits.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrSerialRead, ErrSerialWrite, ErrLinkFault, ErrUnknownKind,
		ErrHotplug, ErrHeartbeat, ErrUpgrade,
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
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
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
