package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fenglingyubing/expandscreen-host/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"sessions_connected", snap.SessionsConnected,
					"sessions_active", snap.ActiveSessions,
					"handshake_failed", snap.HandshakeFailed,
					"heartbeat_timeout", snap.HeartbeatTimeout,
					"tx_messages", snap.TxMessages,
					"rx_messages", snap.RxMessages,
					"dropped", snap.Dropped,
					"sequence_gaps", snap.SequenceGaps,
					"connect_attempts", snap.ConnectAttempts,
					"connect_success", snap.ConnectSuccess,
					"connect_degraded", snap.ConnectDegraded,
					"limit_reached", snap.LimitReached,
					"bitrate_changes", snap.BitrateChanges,
					"pairing_failed", snap.PairingFailed,
					"discovery_requests", snap.DiscoveryRequests,
					"touch_events", snap.TouchEvents,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
