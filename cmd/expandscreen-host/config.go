package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	wifiListenAddr string
	wifiTLS        bool

	discoveryAddr string
	mdnsEnable    bool
	mdnsName      string

	usbEnable     bool
	usbPollEvery  time.Duration
	adbPath       string
	adbRemotePort int

	logFormat   string
	logLevel    string
	metricsAddr string

	logMetricsEvery time.Duration

	defaultMaxSessions     int
	maxHighQualitySessions int

	handshakeTimeout time.Duration
	heartbeatTimeout time.Duration

	pairingStorePath string
	serverName       string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	wifiListen := flag.String("wifi-listen", ":7865", "Wi-Fi TCP listen address")
	wifiTLS := flag.Bool("wifi-tls", true, "Require TLS (pairing certificate) on the Wi-Fi listener")
	discoveryAddr := flag.String("discovery-addr", ":15556", "UDP discovery listen address")
	mdnsEnable := flag.Bool("mdns-enable", true, "Enable supplementary mDNS/Bonjour advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default expandscreen-<hostname>)")
	usbEnable := flag.Bool("usb-enable", true, "Enable the ADB device-watcher for USB-attached devices")
	usbPollEvery := flag.Duration("usb-poll-interval", 3*time.Second, "How often to poll `adb devices -l`")
	adbPath := flag.String("adb-path", "adb", "Path to the adb executable")
	adbRemotePort := flag.Int("adb-remote-port", 7866, "Remote TCP port the mirroring client listens on, forwarded over ADB")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	defaultMaxSessions := flag.Int("max-sessions", 4, "Maximum simultaneous device sessions")
	maxHighQuality := flag.Int("max-high-quality-sessions", 1, "Maximum sessions served at the primary (non-degraded) profile")
	handshakeTO := flag.Duration("handshake-timeout", 5*time.Second, "Session handshake deadline")
	heartbeatTO := flag.Duration("heartbeat-timeout", 15*time.Second, "Session heartbeat timeout")
	pairingStorePath := flag.String("pairing-store", "expandscreen-pairing.cert", "Path to the persisted pairing certificate store")
	serverName := flag.String("server-name", "", "Advertised server name (default hostname)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.wifiListenAddr = *wifiListen
	cfg.wifiTLS = *wifiTLS
	cfg.discoveryAddr = *discoveryAddr
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.usbEnable = *usbEnable
	cfg.usbPollEvery = *usbPollEvery
	cfg.adbPath = *adbPath
	cfg.adbRemotePort = *adbRemotePort
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.defaultMaxSessions = *defaultMaxSessions
	cfg.maxHighQualitySessions = *maxHighQuality
	cfg.handshakeTimeout = *handshakeTO
	cfg.heartbeatTimeout = *heartbeatTO
	cfg.pairingStorePath = *pairingStorePath
	cfg.serverName = *serverName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not open sockets or devices, only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.defaultMaxSessions <= 0 {
		return fmt.Errorf("max-sessions must be > 0 (got %d)", c.defaultMaxSessions)
	}
	if c.maxHighQualitySessions <= 0 || c.maxHighQualitySessions > c.defaultMaxSessions {
		return fmt.Errorf("max-high-quality-sessions must be in (0, max-sessions] (got %d)", c.maxHighQualitySessions)
	}
	if c.handshakeTimeout <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.heartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat-timeout must be > 0")
	}
	if c.usbPollEvery <= 0 {
		return fmt.Errorf("usb-poll-interval must be > 0")
	}
	if c.adbRemotePort <= 0 || c.adbRemotePort > 65535 {
		return fmt.Errorf("adb-remote-port must be a valid TCP port (got %d)", c.adbRemotePort)
	}
	if c.pairingStorePath == "" {
		return fmt.Errorf("pairing-store must not be empty")
	}
	return nil
}

// applyEnvOverrides maps EXPANDSCREEN_* environment variables onto config
// fields unless the corresponding flag was explicitly set (flag wins).
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	dur := func(flagName, envName string, dst *time.Duration) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(envName); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				*dst = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", envName, err)
			}
		}
	}
	str := func(flagName, envName string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(envName); ok && v != "" {
			*dst = v
		}
	}
	intv := func(flagName, envName string, dst *int) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(envName); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", envName, err)
			}
		}
	}
	boolv := func(flagName, envName string, dst *bool) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(envName); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			}
		}
	}

	str("wifi-listen", "EXPANDSCREEN_WIFI_LISTEN", &c.wifiListenAddr)
	boolv("wifi-tls", "EXPANDSCREEN_WIFI_TLS", &c.wifiTLS)
	str("discovery-addr", "EXPANDSCREEN_DISCOVERY_ADDR", &c.discoveryAddr)
	boolv("mdns-enable", "EXPANDSCREEN_MDNS_ENABLE", &c.mdnsEnable)
	str("mdns-name", "EXPANDSCREEN_MDNS_NAME", &c.mdnsName)
	boolv("usb-enable", "EXPANDSCREEN_USB_ENABLE", &c.usbEnable)
	dur("usb-poll-interval", "EXPANDSCREEN_USB_POLL_INTERVAL", &c.usbPollEvery)
	str("adb-path", "EXPANDSCREEN_ADB_PATH", &c.adbPath)
	intv("adb-remote-port", "EXPANDSCREEN_ADB_REMOTE_PORT", &c.adbRemotePort)
	str("log-format", "EXPANDSCREEN_LOG_FORMAT", &c.logFormat)
	str("log-level", "EXPANDSCREEN_LOG_LEVEL", &c.logLevel)
	str("metrics-addr", "EXPANDSCREEN_METRICS", &c.metricsAddr)
	dur("log-metrics-interval", "EXPANDSCREEN_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	intv("max-sessions", "EXPANDSCREEN_MAX_SESSIONS", &c.defaultMaxSessions)
	intv("max-high-quality-sessions", "EXPANDSCREEN_MAX_HIGH_QUALITY_SESSIONS", &c.maxHighQualitySessions)
	dur("handshake-timeout", "EXPANDSCREEN_HANDSHAKE_TIMEOUT", &c.handshakeTimeout)
	dur("heartbeat-timeout", "EXPANDSCREEN_HEARTBEAT_TIMEOUT", &c.heartbeatTimeout)
	str("pairing-store", "EXPANDSCREEN_PAIRING_STORE", &c.pairingStorePath)
	str("server-name", "EXPANDSCREEN_SERVER_NAME", &c.serverName)

	return firstErr
}
