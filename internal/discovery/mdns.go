package discovery

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_expandscreen._tcp"

// StartMDNS registers a supplementary mDNS advertisement alongside the
// UDP discovery responder, so LAN clients that prefer service discovery
// (e.g. via Bonjour/Avahi browsing) can find this host too. Returns a
// cleanup function; safe to call even when instanceName is empty (falls
// back to hostname-derived name).
func StartMDNS(ctx context.Context, instanceName string, info ServerInfo) (func(), error) {
	if instanceName == "" {
		host, _ := os.Hostname()
		instanceName = fmt.Sprintf("expandscreen-%s", host)
	}
	meta := []string{
		"server_id=" + info.ServerID,
		"version=" + info.ServerVersion,
	}
	svc, err := zeroconf.Register(instanceName, mdnsServiceType, "local.", info.TCPPort, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}
