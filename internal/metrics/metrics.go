package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/proswitch/swp08gw/internal/logging"
)

// Prometheus counters
var (
	FramesRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swp08_frames_rx_total",
		Help: "Total well-formed SW-P-08 frames decoded from the router link.",
	})
	FramesTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swp08_frames_tx_total",
		Help: "Total SW-P-08 command frames written to the router link.",
	})
	AcksRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swp08_acks_rx_total",
		Help: "Total DLE ACK short frames received from the router.",
	})
	NaksRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swp08_naks_rx_total",
		Help: "Total DLE NAK short frames received from the router.",
	})
	AcksTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swp08_acks_tx_total",
		Help: "Total DLE ACK short frames sent to the router in reply to received frames.",
	})
	LinkRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swp08_link_retries_total",
		Help: "Total command retransmissions performed by the link layer.",
	})
	LinkTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swp08_link_timeouts_total",
		Help: "Total commands that failed permanently after exhausting retries.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swp08_malformed_frames_total",
		Help: "Total frames rejected for checksum/bytecount/escape violations.",
	})
	CrosspointChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swp08_crosspoint_changes_total",
		Help: "Total cache upserts from tallies, connected notifications, and dumps.",
	})
	CacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swp08_cache_size",
		Help: "Current number of cached crosspoint keys.",
	})
	FanoutClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swp08_fanout_clients",
		Help: "Current number of connected fan-out clients, subscribed or not.",
	})
	FanoutBroadcast = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swp08_fanout_broadcast_targets",
		Help: "Number of clients targeted in the most recent broadcast.",
	})
	FanoutDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swp08_fanout_dropped_total",
		Help: "Total broadcast events dropped due to a slow client under the drop backpressure policy.",
	})
	FanoutKicked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swp08_fanout_kicked_total",
		Help: "Total clients disconnected under the kick backpressure policy.",
	})
	FanoutRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "swp08_fanout_rejected_total",
		Help: "Total client connections rejected (e.g., max-clients).",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTransportOpen  = "transport_open"
	ErrTransportWrite = "transport_write"
	ErrTransportRead  = "transport_read"
	ErrLinkTimeout    = "link_timeout"
	ErrLinkDisconnect = "link_disconnect"
	ErrValidation     = "validation"
	ErrFanoutWrite    = "fanout_write"
	ErrFanoutRead     = "fanout_read"
)

// StartHTTP serves Prometheus metrics at /metrics on its own mux.
// This is the process's own observability surface; it is not the external
// health/config UI collaborator named out of scope by the specification.
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

// Local mirrored counters for cheap periodic slog snapshots without scraping Prometheus in-process.
var (
	localFramesRx    uint64
	localFramesTx    uint64
	localAcksRx      uint64
	localNaksRx      uint64
	localRetries     uint64
	localTimeouts    uint64
	localMalformed   uint64
	localCacheSize   uint64
	localFanout      uint64
	localFanoutDrop  uint64
	localFanoutKick  uint64
	localErrors      uint64
	localCrosspoints uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	FramesRx      uint64
	FramesTx      uint64
	AcksRx        uint64
	NaksRx        uint64
	Retries       uint64
	Timeouts      uint64
	Malformed     uint64
	CacheSize     uint64
	FanoutClients uint64
	FanoutDrops   uint64
	FanoutKicks   uint64
	Errors        uint64
	Crosspoints   uint64
}

func Snap() Snapshot {
	return Snapshot{
		FramesRx:      atomic.LoadUint64(&localFramesRx),
		FramesTx:      atomic.LoadUint64(&localFramesTx),
		AcksRx:        atomic.LoadUint64(&localAcksRx),
		NaksRx:        atomic.LoadUint64(&localNaksRx),
		Retries:       atomic.LoadUint64(&localRetries),
		Timeouts:      atomic.LoadUint64(&localTimeouts),
		Malformed:     atomic.LoadUint64(&localMalformed),
		CacheSize:     atomic.LoadUint64(&localCacheSize),
		FanoutClients: atomic.LoadUint64(&localFanout),
		FanoutDrops:   atomic.LoadUint64(&localFanoutDrop),
		FanoutKicks:   atomic.LoadUint64(&localFanoutKick),
		Errors:        atomic.LoadUint64(&localErrors),
		Crosspoints:   atomic.LoadUint64(&localCrosspoints),
	}
}

func IncFramesRx() { FramesRx.Inc(); atomic.AddUint64(&localFramesRx, 1) }
func IncFramesTx() { FramesTx.Inc(); atomic.AddUint64(&localFramesTx, 1) }
func IncAcksRx()   { AcksRx.Inc(); atomic.AddUint64(&localAcksRx, 1) }
func IncNaksRx()   { NaksRx.Inc(); atomic.AddUint64(&localNaksRx, 1) }
func IncAcksTx()   { AcksTx.Inc() }

func IncLinkRetry()   { LinkRetries.Inc(); atomic.AddUint64(&localRetries, 1) }
func IncLinkTimeout() { LinkTimeouts.Inc(); atomic.AddUint64(&localTimeouts, 1) }

func IncMalformed() { MalformedFrames.Inc(); atomic.AddUint64(&localMalformed, 1) }

func IncCrosspointChange() { CrosspointChanges.Inc(); atomic.AddUint64(&localCrosspoints, 1) }

func SetCacheSize(n int) { CacheSize.Set(float64(n)); atomic.StoreUint64(&localCacheSize, uint64(n)) }

func SetFanoutClients(n int) {
	FanoutClients.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

func SetFanoutBroadcast(n int) { FanoutBroadcast.Set(float64(n)) }

func IncFanoutDrop() { FanoutDropped.Inc(); atomic.AddUint64(&localFanoutDrop, 1) }
func IncFanoutKick() { FanoutKicked.Inc(); atomic.AddUint64(&localFanoutKick, 1) }
func IncFanoutReject() { FanoutRejected.Inc() }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrTransportOpen, ErrTransportWrite, ErrTransportRead,
		ErrLinkTimeout, ErrLinkDisconnect, ErrValidation,
		ErrFanoutWrite, ErrFanoutRead,
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
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
