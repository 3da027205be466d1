package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fenglingyubing/expandscreen-host/internal/discovery"
	"github.com/fenglingyubing/expandscreen-host/internal/metrics"
	"github.com/fenglingyubing/expandscreen-host/internal/pairing"
	"github.com/fenglingyubing/expandscreen-host/internal/protoutil"
	"github.com/fenglingyubing/expandscreen-host/internal/wifitransport"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("expandscreen-host %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	pairingMgr, err := initPairing(cfg.pairingStorePath, l)
	if err != nil {
		l.Error("pairing_init_failed", "error", err)
		return
	}

	serverName := cfg.serverName
	if serverName == "" {
		host, _ := os.Hostname()
		serverName = host
	}
	serverID := protoutil.NewServerID()

	touchInjector := loggingTouchInjector{log: l}

	mgr := initManager(cfg, touchInjector, l)
	if cfg.usbEnable {
		wg.Add(1)
		go func() { defer wg.Done(); watchUSBDevices(ctx, cfg, mgr, l) }()
	}

	firewall := loggingFirewallHelper{log: l}
	verifier := pairing.NewCodeVerifier(pairingMgr)

	wifiPortNum := wifiPort(cfg.wifiListenAddr)
	listener := wifitransport.New(wifitransport.Config{
		Port:               wifiPortNum,
		TLSEnabled:         cfg.wifiTLS,
		AdvertiseDiscovery: false,
		ServerID:           serverID,
		ServerName:         serverName,
		ServerVersion:      version,
	}, pairingMgr, firewall, newSessionFactory(mgr.Config(), verifier, version, cfg, stubCaptureSourceFactory{}, passthroughEncoderFactory{}, touchInjector, l))

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := listener.Serve(ctx); err != nil {
			l.Error("wifi_listener_error", "error", err)
			cancel()
		}
	}()

	startDiscovery(ctx, cfg, discovery.ServerInfo{
		ServerID:      serverID,
		ServerName:    serverName,
		TCPPort:       wifiPortNum,
		ServerVersion: version,
	}, l, &wg)

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	_ = listener.Shutdown()
	mgr.DisconnectAll()
	wg.Wait()
}
