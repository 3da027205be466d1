// Package manager implements the Multi-Session Manager: it
// owns the set of DeviceSessions, allocates local ephemeral ports and
// per-session monitors, chooses and falls back video profiles, and
// enforces the high-quality-vs-degraded session tier across a per-device
// lifecycle with a compatibility fallback ladder.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/fenglingyubing/expandscreen-host/internal/bitrate"
	"github.com/fenglingyubing/expandscreen-host/internal/events"
	"github.com/fenglingyubing/expandscreen-host/internal/iface"
	"github.com/fenglingyubing/expandscreen-host/internal/logging"
	"github.com/fenglingyubing/expandscreen-host/internal/metrics"
	"github.com/fenglingyubing/expandscreen-host/internal/pipeline"
	"github.com/fenglingyubing/expandscreen-host/internal/session"
)

// ErrLimitReached is returned by Connect when the session count already
// meets the effective maximum (driver max, or default_max_sessions when
// no virtual-display driver is present).
var ErrLimitReached = errors.New("连接上限")

// Connection is the per-device connection object the Manager constructs
// speculatively for each rung of the compatibility fallback ladder and
// connects outside the sessions lock. It is a
// narrower, connect/disconnect-only abstraction than iface.ConnectionFactory,
// which speaks in raw byte streams for the transport adapters themselves;
// this one is the Manager's view of "a connection attempt in flight".
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect() error
}

// streamer is implemented by Connections that expose the underlying byte
// stream once Connect succeeds (usbtransport.Transport does). A
// Connection that does not implement it is tracked for lifecycle/profile
// purposes only, with no Session run over it — the Wi-Fi path doesn't
// implement manager.Connection at all; it is driven entirely by
// wifitransport.Listener's own accept loop.
type streamer interface {
	Stream() (iface.ByteStream, bool)
}

// ConnectionFactory builds a Connection for a device at a tentative local
// port, without connecting it yet.
type ConnectionFactory interface {
	NewConnection(deviceID string, localPort, remotePort int) (Connection, error)
}

// SessionFactory builds a fresh, not-yet-attached protocol Session
// wrapping a connected device's byte stream, mirroring
// wifitransport.SessionFactory for the USB path.
type SessionFactory func(deviceID string, stream iface.ByteStream) *session.Session

// DeviceState is a DeviceSession's lifecycle state.
type DeviceState int

const (
	Disconnected DeviceState = iota
	Connecting
	Connected
	Error
)

func (s DeviceState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// Snapshot is the read-only view of a DeviceSession exposed to observers.
type Snapshot struct {
	DeviceID   string
	State      DeviceState
	LocalPort  int
	RemotePort int
	MonitorID  string
	Profile    iface.VideoProfile
	LastError  string
}

// deviceSession is the Manager's private, mutable record; Snapshot is the
// only thing ever handed out.
type deviceSession struct {
	deviceID   string
	localPort  int
	remotePort int
	monitorID  string
	profile    iface.VideoProfile
	state      DeviceState
	lastError  string

	conn    Connection
	encoder iface.Encoder
	sess    *session.Session
	pipe    *pipeline.Pipeline
	cancel  context.CancelFunc
}

func (d *deviceSession) snapshot() Snapshot {
	return Snapshot{
		DeviceID:   d.deviceID,
		State:      d.state,
		LocalPort:  d.localPort,
		RemotePort: d.remotePort,
		MonitorID:  d.monitorID,
		Profile:    d.profile,
		LastError:  d.lastError,
	}
}

// EventKind discriminates the Manager-level event bus's sum type.
type EventKind int

const (
	EventDeviceSnapshot EventKind = iota
	EventBitrateDecision
)

// Event is the Manager-level observable: either a DeviceSession lifecycle
// snapshot or a per-device bitrate decision, per SPEC_FULL's events note.
type Event struct {
	Kind     EventKind
	DeviceID string
	Snapshot Snapshot
	Bitrate  bitrate.Decision
}

// Config holds the Manager's tunables.
type Config struct {
	DefaultMaxSessions     int
	MaxHighQualitySessions int
	PrimaryProfile         iface.VideoProfile
	DegradedProfile        iface.VideoProfile
	// RemotePort is the fixed TCP port the mirroring client listens on,
	// forwarded over each device's connection (e.g. ADB forward's remote
	// side for USB). It does not vary per fallback-ladder attempt.
	RemotePort int
}

// DefaultConfig returns the default tier/profile configuration.
func DefaultConfig() Config {
	return Config{
		DefaultMaxSessions:     4,
		MaxHighQualitySessions: 1,
		PrimaryProfile:         iface.VideoProfile{Width: 1920, Height: 1080, RefreshRate: 60, BitrateBps: 8_000_000},
		DegradedProfile:        iface.VideoProfile{Width: 1280, Height: 720, RefreshRate: 30, BitrateBps: 2_000_000},
	}
}

// ConnectResult is the outcome of a Connect attempt.
type ConnectResult struct {
	Success             bool
	Snapshot            Snapshot
	UsedDegradedProfile bool
	ErrorMessage        string
}

// Manager owns the DeviceSession set: a per-device lifecycle with ports,
// monitors, and profile fallback, rather than a single broadcast fan-out.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*deviceSession
	cfg      Config

	display        iface.VirtualDisplayDriver // optional; nil means "absent"
	connFactory    ConnectionFactory
	encoderFactory iface.EncoderFactory
	captureFactory iface.CaptureSourceFactory // optional; nil skips the capture/encode/send pipeline
	sessionFactory SessionFactory             // optional; nil skips handshake/heartbeat/video/touch entirely

	bus *events.Bus[Event]
	log *slog.Logger
}

// New constructs a Manager. display may be nil. captureFactory and
// sessionFactory may also be nil, in which case Connect only manages the
// device's transport Connection and never runs a protocol Session over
// it (e.g. a build with no capture backend yet).
func New(cfg Config, display iface.VirtualDisplayDriver, connFactory ConnectionFactory, encoderFactory iface.EncoderFactory, captureFactory iface.CaptureSourceFactory, sessionFactory SessionFactory) *Manager {
	return &Manager{
		sessions:       make(map[string]*deviceSession),
		cfg:            cfg,
		display:        display,
		connFactory:    connFactory,
		encoderFactory: encoderFactory,
		captureFactory: captureFactory,
		sessionFactory: sessionFactory,
		bus:            events.NewBus[Event](32, events.PolicyDrop),
		log:            logging.L(),
	}
}

// Events returns the Manager-level event bus.
func (m *Manager) Events() *events.Bus[Event] { return m.bus }

// Config returns a copy of the Manager's tunable configuration.
func (m *Manager) Config() Config { return m.cfg }

// Snapshot returns the current Snapshot for a device, if present.
func (m *Manager) Snapshot(deviceID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.sessions[deviceID]
	if !ok {
		return Snapshot{}, false
	}
	return ds.snapshot(), true
}

// Snapshots returns a Snapshot for every currently tracked device.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, ds := range m.sessions {
		out = append(out, ds.snapshot())
	}
	return out
}

// effectiveMax returns the driver's effective max-monitors, falling back
// to default_max_sessions when the driver is absent or reports no limit.
func (m *Manager) effectiveMax() int {
	max := m.cfg.DefaultMaxSessions
	if m.display != nil && m.display.IsAvailable() {
		if _, driverMax := m.display.AdapterInfo(); driverMax > 0 {
			max = driverMax
		}
	}
	return max
}

// Connect implements 's connect(device_id) algorithm.
func (m *Manager) Connect(ctx context.Context, deviceID string) ConnectResult {
	metrics.IncConnectAttempt()
	m.mu.Lock()
	if existing, ok := m.sessions[deviceID]; ok {
		if existing.state == Connected {
			snap := existing.snapshot()
			m.mu.Unlock()
			return ConnectResult{Success: true, Snapshot: snap}
		}
		delete(m.sessions, deviceID)
		m.mu.Unlock()
		m.dispose(existing)
		m.mu.Lock()
	}

	max := m.effectiveMax()
	if len(m.sessions) >= max {
		m.mu.Unlock()
		metrics.IncLimitReached()
		return ConnectResult{Success: false, ErrorMessage: ErrLimitReached.Error()}
	}

	base := m.cfg.PrimaryProfile
	if len(m.sessions) >= m.cfg.MaxHighQualitySessions {
		base = m.cfg.DegradedProfile
	}
	m.mu.Unlock()

	ladder := buildLadder(base, m.cfg.DegradedProfile)

	var ds *deviceSession
	var usedDegraded bool
	var lastErr error
	for _, profile := range ladder {
		enc, err := m.encoderFactory.MakeEncoder(profile)
		if err != nil {
			lastErr = err
			continue
		}
		port, err := allocateEphemeralPort()
		if err != nil {
			enc.Release()
			lastErr = err
			continue
		}
		conn, err := m.connFactory.NewConnection(deviceID, port, m.cfg.RemotePort)
		if err != nil {
			enc.Release()
			lastErr = err
			continue
		}

		m.mu.Lock()
		if len(m.sessions) >= m.effectiveMax() {
			m.mu.Unlock()
			enc.Release()
			conn.Disconnect()
			metrics.IncLimitReached()
			return ConnectResult{Success: false, ErrorMessage: ErrLimitReached.Error()}
		}
		ds = &deviceSession{
			deviceID:  deviceID,
			localPort: port,
			profile:   profile,
			state:     Connecting,
			conn:      conn,
			encoder:   enc,
		}
		usedDegraded = !profilesEqual(profile, base)
		m.sessions[deviceID] = ds
		m.mu.Unlock()
		lastErr = nil
		break
	}
	if ds == nil {
		msg := "compatibility fallback ladder exhausted"
		if lastErr != nil {
			msg = lastErr.Error()
		}
		return ConnectResult{Success: false, ErrorMessage: msg}
	}

	// Best-effort virtual-display allocation: after insertion, before connect.
	if m.display != nil {
		if monitorID, err := m.display.CreateMonitor(ds.profile.Width, ds.profile.Height, ds.profile.RefreshRate); err == nil {
			m.mu.Lock()
			ds.monitorID = monitorID
			m.mu.Unlock()
		} else {
			m.log.Warn("virtual_display_allocate_failed", "device_id", deviceID, "error", err)
		}
	}

	connErr := ds.conn.Connect(ctx)
	m.mu.Lock()
	if connErr != nil {
		ds.state = Error
		ds.lastError = connErr.Error()
		delete(m.sessions, deviceID)
		m.mu.Unlock()
		m.dispose(ds)
		m.bus.Publish(Event{Kind: EventDeviceSnapshot, DeviceID: deviceID, Snapshot: ds.snapshot()})
		return ConnectResult{Success: false, ErrorMessage: connErr.Error()}
	}
	ds.state = Connected
	snap := ds.snapshot()
	m.mu.Unlock()

	metrics.IncConnectSuccess(usedDegraded)
	m.bus.Publish(Event{Kind: EventDeviceSnapshot, DeviceID: deviceID, Snapshot: snap})
	m.startDeviceSession(ctx, ds)
	return ConnectResult{Success: true, Snapshot: snap, UsedDegradedProfile: usedDegraded}
}

// startDeviceSession lifts a freshly connected device's byte stream into a
// protocol Session and, when a capture backend is configured, a capture→
// encode→send Pipeline feeding it — run(device_id)'s handshake/heartbeat/
// video/touch half, which Connect's connection-only half above does not
// cover by itself. It is a best-effort addition: a Connection that does
// not expose a stream, or a Manager with no sessionFactory configured,
// leaves the device tracked purely at the transport level.
func (m *Manager) startDeviceSession(ctx context.Context, ds *deviceSession) {
	if m.sessionFactory == nil {
		return
	}
	sc, ok := ds.conn.(streamer)
	if !ok {
		return
	}
	stream, ok := sc.Stream()
	if !ok {
		return
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := m.sessionFactory(ds.deviceID, stream)

	m.mu.Lock()
	cur, stillCurrent := m.sessions[ds.deviceID]
	if !stillCurrent || cur != ds {
		m.mu.Unlock()
		cancel()
		sess.Close()
		return
	}
	ds.sess = sess
	ds.cancel = cancel
	if m.captureFactory != nil {
		if capture, err := m.captureFactory.MakeCaptureSource(ds.deviceID); err != nil {
			m.log.Warn("capture_source_unavailable", "device_id", ds.deviceID, "error", err)
		} else {
			ds.pipe = pipeline.New(capture, ds.encoder, sess)
		}
	}
	m.mu.Unlock()

	sess.Attach(sessCtx)
	go m.watchSession(sessCtx, ds.deviceID, sess)
}

// watchSession starts the device's Pipeline once its Session reaches
// Connected, and tears the device down on any terminal Session event —
// immediate reaction to a dead/fatal stream rather than waiting on the
// unrelated heartbeat-timeout path alone.
func (m *Manager) watchSession(ctx context.Context, deviceID string, sess *session.Session) {
	sub := sess.Events()
	defer sess.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			switch evt.Kind {
			case session.EventConnected:
				m.mu.Lock()
				ds, ok := m.sessions[deviceID]
				var pipe *pipeline.Pipeline
				if ok {
					pipe = ds.pipe
				}
				m.mu.Unlock()
				if pipe != nil {
					pipe.Start(ctx)
				}
			case session.EventHeartbeatTimeout, session.EventSessionError:
				m.log.Warn("device_session_failed", "device_id", deviceID, "error", evt.Err)
				m.Disconnect(deviceID)
				return
			case session.EventClosed:
				return
			}
		}
	}
}

// Disconnect tears down one device's session, if present.
func (m *Manager) Disconnect(deviceID string) {
	m.mu.Lock()
	ds, ok := m.sessions[deviceID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, deviceID)
	m.mu.Unlock()

	m.dispose(ds)

	m.mu.Lock()
	ds.state = Disconnected
	snap := ds.snapshot()
	m.mu.Unlock()
	m.bus.Publish(Event{Kind: EventDeviceSnapshot, DeviceID: deviceID, Snapshot: snap})
}

// DisconnectAll disconnects every currently tracked device.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Disconnect(id)
	}
}

// PublishBitrateDecision forwards a per-session bitrate decision onto the
// Manager-level bus, so observers can watch bitrate alongside lifecycle
// snapshots on a single channel (SPEC_FULL's events note).
func (m *Manager) PublishBitrateDecision(deviceID string, d bitrate.Decision) {
	m.bus.Publish(Event{Kind: EventBitrateDecision, DeviceID: deviceID, Bitrate: d})
}

func (m *Manager) dispose(ds *deviceSession) {
	if ds.cancel != nil {
		ds.cancel()
	}
	if ds.pipe != nil {
		ds.pipe.Stop() // also releases ds.encoder
	} else if ds.encoder != nil {
		ds.encoder.Release()
	}
	if ds.sess != nil {
		ds.sess.Close()
	}
	if ds.conn != nil {
		ds.conn.Disconnect()
	}
	if ds.monitorID != "" && m.display != nil {
		m.display.TryDestroyMonitor(ds.monitorID)
	}
}

// allocateEphemeralPort reserves and immediately releases a loopback TCP
// port: the allocator is a one-shot listener whose port the OS will not
// hand out again for the lifetime of the returned value in practice.
func allocateEphemeralPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocate ephemeral port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
