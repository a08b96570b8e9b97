package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vinnie112/nx-remote-daemon/internal/logging"
)

// Prometheus counters
var (
	VideoFramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "video_frames_sent_total",
		Help: "Total YUV framebuffer frames written to the video client.",
	})
	XwinSegmentsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xwin_segments_sent_total",
		Help: "Total changed xwin segment records written to the client.",
	})
	XwinSegmentsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xwin_segments_skipped_total",
		Help: "Total xwin segments whose hash matched the stored table and were not retransmitted.",
	})
	XwinFramesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xwin_frames_captured_total",
		Help: "Total xwd capture iterations that reached the end-of-frame marker.",
	})
	NotifyPings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notify_pings_total",
		Help: "Total ping\\n lines written on the notify channel.",
	})
	ExecutorCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "executor_commands_total",
		Help: "Total executor commands dispatched, by prefix.",
	}, []string{"prefix"})
	DiscoveryPacketsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "discovery_packets_sent_total",
		Help: "Total UDP discovery banners broadcast while idle.",
	})
	ConnectedClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connected_clients",
		Help: "Current connection state per listener port (1 connected, 0 idle).",
	}, []string{"port"})
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
	ErrListen      = "listen"
	ErrAccept      = "accept"
	ErrVideoMmap   = "video_mmap"
	ErrVideoWrite  = "video_write"
	ErrXwinSpawn   = "xwin_spawn"
	ErrXwinRead    = "xwin_read"
	ErrXwinWrite   = "xwin_write"
	ErrNotifyWrite = "notify_write"
	ErrNotifyProbe = "notify_probe"
	ErrExecWrite   = "executor_write"
	ErrDiscovery   = "discovery_send"
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

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localVideoFrames  uint64
	localXwinSent     uint64
	localXwinSkipped  uint64
	localXwinFrames   uint64
	localNotifyPings  uint64
	localDiscoverySnt uint64
	localErrors       uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	VideoFrames   uint64
	XwinSent      uint64
	XwinSkipped   uint64
	XwinFrames    uint64
	NotifyPings   uint64
	DiscoverySent uint64
	Errors        uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		VideoFrames:   atomic.LoadUint64(&localVideoFrames),
		XwinSent:      atomic.LoadUint64(&localXwinSent),
		XwinSkipped:   atomic.LoadUint64(&localXwinSkipped),
		XwinFrames:    atomic.LoadUint64(&localXwinFrames),
		NotifyPings:   atomic.LoadUint64(&localNotifyPings),
		DiscoverySent: atomic.LoadUint64(&localDiscoverySnt),
		Errors:        atomic.LoadUint64(&localErrors),
	}
}

// IncVideoFrame records one emitted frame (any region).
func IncVideoFrame() {
	VideoFramesSent.Inc()
	atomic.AddUint64(&localVideoFrames, 1)
}

// IncXwinSegmentSent records one changed-segment write.
func IncXwinSegmentSent() {
	XwinSegmentsSent.Inc()
	atomic.AddUint64(&localXwinSent, 1)
}

// IncXwinSegmentSkipped records one unchanged segment.
func IncXwinSegmentSkipped() {
	XwinSegmentsSkipped.Inc()
	atomic.AddUint64(&localXwinSkipped, 1)
}

// IncXwinFrame records a captured frame reaching its end-of-frame marker.
func IncXwinFrame() {
	XwinFramesCaptured.Inc()
	atomic.AddUint64(&localXwinFrames, 1)
}

// IncNotifyPing records a ping line write.
func IncNotifyPing() {
	NotifyPings.Inc()
	atomic.AddUint64(&localNotifyPings, 1)
}

// IncExecutorCommand records a dispatched command by prefix.
func IncExecutorCommand(prefix string) { ExecutorCommands.WithLabelValues(prefix).Inc() }

// IncDiscoveryPacket records one broadcast banner.
func IncDiscoveryPacket() {
	DiscoveryPacketsSent.Inc()
	atomic.AddUint64(&localDiscoverySnt, 1)
}

// SetConnected sets the connected gauge for a named port.
func SetConnected(port string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	ConnectedClients.WithLabelValues(port).Set(v)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrListen, ErrAccept, ErrVideoMmap, ErrVideoWrite,
		ErrXwinSpawn, ErrXwinRead, ErrXwinWrite,
		ErrNotifyWrite, ErrNotifyProbe, ErrExecWrite, ErrDiscovery,
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

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
