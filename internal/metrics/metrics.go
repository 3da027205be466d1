// Package metrics exposes Prometheus counters/gauges for the core
// (sessions, transport, the Multi-Session Manager, bitrate, pairing, and
// discovery), plus a local atomic mirror for cheap in-process logging,
// all behind the same promauto-counter-plus-atomic-mirror shape and the
// same /metrics+/ready HTTP surface.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/fenglingyubing/expandscreen-host/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters/gauges.
var (
	SessionsConnectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_connected_total",
		Help: "Total sessions that completed a successful handshake.",
	})
	SessionsHandshakeFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_handshake_failed_total",
		Help: "Total handshakes rejected or timed out.",
	})
	SessionsHeartbeatTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_heartbeat_timeout_total",
		Help: "Total sessions closed due to heartbeat timeout.",
	})
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessions_active",
		Help: "Current number of Connected sessions.",
	})

	TransportTxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transport_tx_messages_total",
		Help: "Total wire messages sent across all sessions.",
	})
	TransportRxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transport_rx_messages_total",
		Help: "Total wire messages received across all sessions.",
	})
	TransportDroppedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transport_dropped_messages_total",
		Help: "Total messages dropped from a send queue due to backpressure.",
	})
	TransportSequenceGaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transport_sequence_gaps_total",
		Help: "Total detected gaps in an inbound sequence_number stream.",
	})
	TransportQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transport_queue_depth_max",
		Help: "Observed max send-queue depth across sessions in the last sample window.",
	})

	ManagerConnectAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "manager_connect_attempts_total",
		Help: "Total Manager.Connect invocations.",
	})
	ManagerConnectSuccessTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "manager_connect_success_total",
		Help: "Total Manager.Connect invocations that ended Connected.",
	})
	ManagerConnectDegradedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "manager_connect_degraded_total",
		Help: "Total successful connects that used a degraded/fallback profile.",
	})
	ManagerLimitReachedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "manager_limit_reached_total",
		Help: "Total connect attempts rejected because the session limit was reached.",
	})

	BitrateTargetBps = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bitrate_target_bps",
		Help: "Most recently committed bitrate target, in bits per second.",
	})
	BitrateChangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bitrate_changes_total",
		Help: "Total bitrate decisions that crossed the hysteresis band.",
	})

	PairingCodeVerifyFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pairing_code_verify_failed_total",
		Help: "Total pairing-code verification failures.",
	})
	DiscoveryRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "discovery_requests_total",
		Help: "Total valid DiscoveryRequest datagrams answered.",
	})
	TouchEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "touch_events_total",
		Help: "Total touch events dispatched to the injector.",
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

// Error label constants (stable label values to bound cardinality).
const (
	ErrHandshake       = "handshake"
	ErrHeartbeatExpiry = "heartbeat_expiry"
	ErrWireDecode      = "wire_decode"
	ErrTransportWrite  = "transport_write"
	ErrTransportRead   = "transport_read"
	ErrManagerConnect  = "manager_connect"
	ErrPairingTLS      = "pairing_tls"
	ErrDiscoverySend   = "discovery_send"
)

// StartHTTP serves Prometheus metrics at /metrics and a readiness probe
// at /ready.
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

// Local mirrored counters for cheap in-process logging, avoiding a
// Prometheus scrape round-trip just to log a summary line.
var (
	localSessionsConnected uint64
	localHandshakeFailed   uint64
	localHeartbeatTimeout  uint64
	localTxMessages        uint64
	localRxMessages        uint64
	localDropped           uint64
	localSeqGaps           uint64
	localConnectAttempts   uint64
	localConnectSuccess    uint64
	localConnectDegraded   uint64
	localLimitReached      uint64
	localBitrateChanges    uint64
	localPairingFailed     uint64
	localDiscoveryRequests uint64
	localTouchEvents       uint64
	localErrors            uint64
	localActiveSessions    uint64
	localQueueDepthMax     uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	SessionsConnected uint64
	HandshakeFailed   uint64
	HeartbeatTimeout  uint64
	TxMessages        uint64
	RxMessages        uint64
	Dropped           uint64
	SequenceGaps      uint64
	ConnectAttempts   uint64
	ConnectSuccess    uint64
	ConnectDegraded   uint64
	LimitReached      uint64
	BitrateChanges    uint64
	PairingFailed     uint64
	DiscoveryRequests uint64
	TouchEvents       uint64
	Errors            uint64
	ActiveSessions    uint64
	QueueDepthMax     uint64
}

// Snap returns the current Snapshot.
func Snap() Snapshot {
	return Snapshot{
		SessionsConnected: atomic.LoadUint64(&localSessionsConnected),
		HandshakeFailed:   atomic.LoadUint64(&localHandshakeFailed),
		HeartbeatTimeout:  atomic.LoadUint64(&localHeartbeatTimeout),
		TxMessages:        atomic.LoadUint64(&localTxMessages),
		RxMessages:        atomic.LoadUint64(&localRxMessages),
		Dropped:           atomic.LoadUint64(&localDropped),
		SequenceGaps:      atomic.LoadUint64(&localSeqGaps),
		ConnectAttempts:   atomic.LoadUint64(&localConnectAttempts),
		ConnectSuccess:    atomic.LoadUint64(&localConnectSuccess),
		ConnectDegraded:   atomic.LoadUint64(&localConnectDegraded),
		LimitReached:      atomic.LoadUint64(&localLimitReached),
		BitrateChanges:    atomic.LoadUint64(&localBitrateChanges),
		PairingFailed:     atomic.LoadUint64(&localPairingFailed),
		DiscoveryRequests: atomic.LoadUint64(&localDiscoveryRequests),
		TouchEvents:       atomic.LoadUint64(&localTouchEvents),
		Errors:            atomic.LoadUint64(&localErrors),
		ActiveSessions:    atomic.LoadUint64(&localActiveSessions),
		QueueDepthMax:     atomic.LoadUint64(&localQueueDepthMax),
	}
}

// IncSessionConnected records a successful handshake.
func IncSessionConnected() {
	SessionsConnectedTotal.Inc()
	atomic.AddUint64(&localSessionsConnected, 1)
}

// IncHandshakeFailed records a rejected or timed-out handshake.
func IncHandshakeFailed() {
	SessionsHandshakeFailedTotal.Inc()
	atomic.AddUint64(&localHandshakeFailed, 1)
}

// IncHeartbeatTimeout records a session closed by heartbeat timeout.
func IncHeartbeatTimeout() {
	SessionsHeartbeatTimeoutTotal.Inc()
	atomic.AddUint64(&localHeartbeatTimeout, 1)
}

// SetActiveSessions records the current Connected session count.
func SetActiveSessions(n int) {
	SessionsActive.Set(float64(n))
	atomic.StoreUint64(&localActiveSessions, uint64(n))
}

// IncTxMessage records one sent wire message.
func IncTxMessage() {
	TransportTxMessages.Inc()
	atomic.AddUint64(&localTxMessages, 1)
}

// IncRxMessage records one received wire message.
func IncRxMessage() {
	TransportRxMessages.Inc()
	atomic.AddUint64(&localRxMessages, 1)
}

// IncDropped records one message evicted from a send queue.
func IncDropped() {
	TransportDroppedMessages.Inc()
	atomic.AddUint64(&localDropped, 1)
}

// IncSequenceGap records one detected gap in an inbound sequence.
func IncSequenceGap() {
	TransportSequenceGaps.Inc()
	atomic.AddUint64(&localSeqGaps, 1)
}

// SetQueueDepthMax records the max observed send-queue depth in a sample window.
func SetQueueDepthMax(max int) {
	TransportQueueDepthMax.Set(float64(max))
	atomic.StoreUint64(&localQueueDepthMax, uint64(max))
}

// IncConnectAttempt records one Manager.Connect call.
func IncConnectAttempt() {
	ManagerConnectAttemptsTotal.Inc()
	atomic.AddUint64(&localConnectAttempts, 1)
}

// IncConnectSuccess records one Manager.Connect call that ended Connected.
func IncConnectSuccess(usedDegraded bool) {
	ManagerConnectSuccessTotal.Inc()
	atomic.AddUint64(&localConnectSuccess, 1)
	if usedDegraded {
		ManagerConnectDegradedTotal.Inc()
		atomic.AddUint64(&localConnectDegraded, 1)
	}
}

// IncLimitReached records one connect attempt rejected at the session limit.
func IncLimitReached() {
	ManagerLimitReachedTotal.Inc()
	atomic.AddUint64(&localLimitReached, 1)
}

// SetBitrateTarget records the most recently committed bitrate target.
func SetBitrateTarget(bps int64) {
	BitrateTargetBps.Set(float64(bps))
}

// IncBitrateChange records one bitrate decision that crossed the
// hysteresis band.
func IncBitrateChange() {
	BitrateChangesTotal.Inc()
	atomic.AddUint64(&localBitrateChanges, 1)
}

// IncPairingFailed records one failed pairing-code verification.
func IncPairingFailed() {
	PairingCodeVerifyFailedTotal.Inc()
	atomic.AddUint64(&localPairingFailed, 1)
}

// IncDiscoveryRequest records one answered DiscoveryRequest datagram.
func IncDiscoveryRequest() {
	DiscoveryRequestsTotal.Inc()
	atomic.AddUint64(&localDiscoveryRequests, 1)
}

// IncTouchEvent records one touch event dispatched to the injector.
func IncTouchEvent() {
	TouchEventsTotal.Inc()
	atomic.AddUint64(&localTouchEvents, 1)
}

// IncError records one error for the given subsystem label.
func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers the known
// error label series (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrHandshake, ErrHeartbeatExpiry, ErrWireDecode,
		ErrTransportWrite, ErrTransportRead, ErrManagerConnect,
		ErrPairingTLS, ErrDiscoverySend,
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
