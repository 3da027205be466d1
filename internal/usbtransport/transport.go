// Package usbtransport realizes the USB transport adapter:
// a Connection over an ADB port-forward and TCP loopback, with opt-in
// reconnect supervision. The core only ever sees it through
// manager.Connection / iface.ByteStream.
package usbtransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/fenglingyubing/expandscreen-host/internal/iface"
	"github.com/fenglingyubing/expandscreen-host/internal/logging"
	"github.com/fenglingyubing/expandscreen-host/internal/manager"
)

const (
	socketBufferSize            = 256 * 1024
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = 2 * time.Second
)

var (
	// ErrDeviceNotAuthorized is returned when the device is absent from
	// `adb devices -l` or not in the "device" (authorized) state.
	ErrDeviceNotAuthorized = errors.New("usbtransport: device absent or unauthorized")
	// ErrForwardFailed is returned when `adb forward` fails; fatal to the
	// connect attempt.
	ErrForwardFailed = errors.New("usbtransport: adb forward failed")
)

// Config holds the USB transport's tunables.
type Config struct {
	ADBPath               string
	AutoReconnect         bool
	MaxReconnectAttempts  int
	ReconnectDelay        time.Duration
}

// DefaultConfig returns the default USB transport configuration.
func DefaultConfig() Config {
	return Config{
		ADBPath:              "adb",
		AutoReconnect:        false,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ReconnectDelay:       DefaultReconnectDelay,
	}
}

func (c Config) withDefaults() Config {
	if c.ADBPath == "" {
		c.ADBPath = "adb"
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	return c
}

// Transport is a manager.Connection implementation for one USB-attached
// device (Connect/Disconnect); Factory.NewConnection returns it as a
// manager.Connection.
type Transport struct {
	cfg        Config
	runner     iface.ADBRunner
	deviceID   string
	localPort  int
	remotePort int
	log        *slog.Logger

	mu       sync.Mutex
	conn     net.Conn
	status   string
	deadCh   chan struct{}
	deadOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a USB Transport for deviceID, forwarding localPort to
// remotePort on the device.
func New(cfg Config, runner iface.ADBRunner, deviceID string, localPort, remotePort int) *Transport {
	return &Transport{
		cfg:        cfg.withDefaults(),
		runner:     runner,
		deviceID:   deviceID,
		localPort:  localPort,
		remotePort: remotePort,
		log:        logging.L(),
		status:     "Disconnected",
	}
}

// Status returns the current human-readable status string (e.g.
// "Connected", "Reconnecting (2/5)", "Reconnected", "Reconnection failed").
func (t *Transport) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Connect runs the forward-setup-then-dial sequence: remove any existing
// ADB forward rule for the local port (a failure there is only logged),
// check that the device is listed as authorized, add the forward rule,
// dial the loopback port, and mark the transport connected. It makes a
// single attempt; the first failing step's error is returned.
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.teardownForward(ctx); err != nil {
		t.log.Warn("adb_forward_teardown_failed", "device_id", t.deviceID, "error", err)
	}

	devicesOut, err := t.runner.Run(ctx, t.cfg.ADBPath, []string{"devices", "-l"})
	if err != nil {
		return fmt.Errorf("usbtransport: adb devices -l: %w", err)
	}
	devices := ParseDevicesList(devicesOut.Stdout)
	if _, ok := FindAuthorized(devices, t.deviceID); !ok {
		return ErrDeviceNotAuthorized
	}

	fwdArgs := []string{"-s", t.deviceID, "forward",
		"tcp:" + strconv.Itoa(t.localPort), "tcp:" + strconv.Itoa(t.remotePort)}
	fwdRes, err := t.runner.Run(ctx, t.cfg.ADBPath, fwdArgs)
	if err != nil || !fwdRes.Success {
		return ErrForwardFailed
	}

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(t.localPort))
	if err != nil {
		return fmt.Errorf("usbtransport: tcp connect: %w", err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetReadBuffer(socketBufferSize)
		tc.SetWriteBuffer(socketBufferSize)
	}

	t.mu.Lock()
	t.conn = conn
	t.status = "Connected"
	t.deadCh = make(chan struct{})
	t.deadOnce = sync.Once{}
	if t.cfg.AutoReconnect {
		t.stopCh = make(chan struct{})
		go t.supervise(ctx)
	}
	t.mu.Unlock()
	return nil
}

// Stream returns the live byte stream, or false if not connected.
func (t *Transport) Stream() (iface.ByteStream, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, false
	}
	return t.conn, true
}

// NotifyDead signals the supervisor that the stream has died (called by
// the stream consumer on a read/write error, since Go's net.Conn has no
// non-destructive way to poll "is there unread data" the way the
// original platform's Poll(SelectRead)/Available() pair did — resolved
// as an Open Question in DESIGN.md). Idempotent.
func (t *Transport) NotifyDead() {
	t.mu.Lock()
	ch := t.deadCh
	once := &t.deadOnce
	t.mu.Unlock()
	if ch == nil {
		return
	}
	once.Do(func() { close(ch) })
}

func (t *Transport) supervise(ctx context.Context) {
	t.mu.Lock()
	deadCh := t.deadCh
	stopCh := t.stopCh
	t.mu.Unlock()

	select {
	case <-stopCh:
		return
	case <-deadCh:
	case <-ctx.Done():
		return
	}

	for attempt := 1; attempt <= t.cfg.MaxReconnectAttempts; attempt++ {
		t.setStatus(fmt.Sprintf("Reconnecting (%d/%d)", attempt, t.cfg.MaxReconnectAttempts))
		select {
		case <-stopCh:
			return
		case <-time.After(t.cfg.ReconnectDelay):
		}
		if err := t.Connect(ctx); err == nil {
			t.setStatus("Reconnected")
			return
		}
	}
	t.setStatus("Reconnection failed")
}

func (t *Transport) setStatus(s string) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func (t *Transport) teardownForward(ctx context.Context) error {
	_, err := t.runner.Run(ctx, t.cfg.ADBPath, []string{
		"-s", t.deviceID, "forward", "--remove", "tcp:" + strconv.Itoa(t.localPort),
	})
	return err
}

// Disconnect implements manager.Connection: stops the monitor, closes the
// stream, and removes the port forward.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.stopCh != nil {
		select {
		case <-t.stopCh:
		default:
			close(t.stopCh)
		}
	}
	conn := t.conn
	t.conn = nil
	t.status = "Disconnected"
	t.mu.Unlock()

	var closeErr error
	if conn != nil {
		closeErr = conn.Close()
	}
	_ = t.teardownForward(context.Background())
	return closeErr
}

// Factory builds Transport connections for the Manager (manager.ConnectionFactory).
type Factory struct {
	Cfg    Config
	Runner iface.ADBRunner
}

// NewFactory builds a Factory with the default ExecADBRunner.
func NewFactory(cfg Config) *Factory {
	return &Factory{Cfg: cfg, Runner: ExecADBRunner{}}
}

// NewConnection implements manager.ConnectionFactory.
func (f *Factory) NewConnection(deviceID string, localPort, remotePort int) (manager.Connection, error) {
	return New(f.Cfg, f.Runner, deviceID, localPort, remotePort), nil
}
