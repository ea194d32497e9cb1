// Package metrics exposes Prometheus counters/gauges for the TWAMP
// controller and responder binaries, plus a cheap in-process snapshot for
// logging without a scrape round-trip.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-twamp/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ControlPDUsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twamp_control_pdus_sent_total",
		Help: "Total TWAMP-Control PDUs sent, by PDU type.",
	}, []string{"pdu"})
	ControlPDUsRecv = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twamp_control_pdus_received_total",
		Help: "Total TWAMP-Control PDUs received, by PDU type.",
	}, []string{"pdu"})
	TestPacketsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twamp_test_packets_sent_total",
		Help: "Total TWAMP-Test packets sent by the Session-Sender.",
	})
	TestPacketsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twamp_test_packets_received_total",
		Help: "Total TWAMP-Test reply packets received by the Session-Sender.",
	})
	TestPacketsReflected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twamp_test_packets_reflected_total",
		Help: "Total TWAMP-Test packets reflected by the Session-Reflector.",
	})
	TestPacketsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twamp_test_packets_duplicate_total",
		Help: "Total duplicate TWAMP-Test replies dropped by the Session-Sender.",
	})
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twamp_sessions_started_total",
		Help: "Total TWAMP-Test sessions started.",
	})
	SessionsStopped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twamp_sessions_stopped_total",
		Help: "Total TWAMP-Test sessions stopped.",
	})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "twamp_active_sessions",
		Help: "Current number of active TWAMP-Test sessions on the Responder.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "twamp_errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "twamp_malformed_frames_total",
		Help: "Total rejected malformed test packets (MBZ/length violations).",
	})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrTCPRead   = "tcp_read"
	ErrTCPWrite  = "tcp_write"
	ErrUDPRead   = "udp_read"
	ErrUDPWrite  = "udp_write"
	ErrHandshake = "handshake"
	ErrDecode    = "decode"
	ErrProtocol  = "protocol"
	ErrTimeout   = "timeout"
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

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for cheap in-process reads (avoids scraping
// Prometheus just to log a periodic summary).
var (
	localTestSent       uint64
	localTestReceived   uint64
	localTestReflected  uint64
	localTestDuplicate  uint64
	localSessionsStart  uint64
	localSessionsStop   uint64
	localErrors         uint64
	localMalformed      uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	TestSent      uint64
	TestReceived  uint64
	TestReflected uint64
	TestDuplicate uint64
	SessionsStart uint64
	SessionsStop  uint64
	Errors        uint64
	Malformed     uint64
}

func Snap() Snapshot {
	return Snapshot{
		TestSent:      atomic.LoadUint64(&localTestSent),
		TestReceived:  atomic.LoadUint64(&localTestReceived),
		TestReflected: atomic.LoadUint64(&localTestReflected),
		TestDuplicate: atomic.LoadUint64(&localTestDuplicate),
		SessionsStart: atomic.LoadUint64(&localSessionsStart),
		SessionsStop:  atomic.LoadUint64(&localSessionsStop),
		Errors:        atomic.LoadUint64(&localErrors),
		Malformed:     atomic.LoadUint64(&localMalformed),
	}
}

func IncControlSent(pdu string) { ControlPDUsSent.WithLabelValues(pdu).Inc() }
func IncControlRecv(pdu string) { ControlPDUsRecv.WithLabelValues(pdu).Inc() }

func IncTestSent() {
	TestPacketsSent.Inc()
	atomic.AddUint64(&localTestSent, 1)
}

func IncTestReceived() {
	TestPacketsReceived.Inc()
	atomic.AddUint64(&localTestReceived, 1)
}

func IncTestReflected() {
	TestPacketsReflected.Inc()
	atomic.AddUint64(&localTestReflected, 1)
}

func IncTestDuplicate() {
	TestPacketsDuplicate.Inc()
	atomic.AddUint64(&localTestDuplicate, 1)
}

func IncSessionStarted() {
	SessionsStarted.Inc()
	ActiveSessions.Inc()
	atomic.AddUint64(&localSessionsStart, 1)
}

func IncSessionStopped() {
	SessionsStopped.Inc()
	ActiveSessions.Dec()
	atomic.AddUint64(&localSessionsStop, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers error label
// series so the first error of each kind does not pay registration latency.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrTCPRead, ErrTCPWrite, ErrUDPRead, ErrUDPWrite, ErrHandshake, ErrDecode, ErrProtocol, ErrTimeout} {
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
