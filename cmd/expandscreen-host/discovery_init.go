package main

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/fenglingyubing/expandscreen-host/internal/discovery"
)

// startDiscovery binds the UDP discovery responder and, when enabled, a
// supplementary mDNS advertisement. Both run best-effort:
// a bind failure for either is logged and does not abort startup, since
// discovery is a convenience, not a prerequisite for pairing directly by
// IP:port.
func startDiscovery(ctx context.Context, cfg *appConfig, info discovery.ServerInfo, l *slog.Logger, wg *sync.WaitGroup) {
	resp, err := discovery.Listen(cfg.discoveryAddr, info)
	if err != nil {
		l.Warn("discovery_listen_failed", "addr", cfg.discoveryAddr, "error", err)
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := resp.Serve(ctx); err != nil {
				l.Warn("discovery_serve_error", "error", err)
			}
		}()
		go func() { <-ctx.Done(); _ = resp.Close() }()
		l.Info("discovery_started", "addr", cfg.discoveryAddr)
	}

	if !cfg.mdnsEnable {
		return
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = "expandscreen-" + host
	}
	cleanup, err := discovery.StartMDNS(ctx, instance, info)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return
	}
	l.Info("mdns_started", "instance", instance, "port", info.TCPPort)
	go func() { <-ctx.Done(); cleanup() }()
}
