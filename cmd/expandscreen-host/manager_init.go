package main

import (
	"log/slog"

	"github.com/fenglingyubing/expandscreen-host/internal/bitrate"
	"github.com/fenglingyubing/expandscreen-host/internal/iface"
	"github.com/fenglingyubing/expandscreen-host/internal/manager"
	"github.com/fenglingyubing/expandscreen-host/internal/session"
	"github.com/fenglingyubing/expandscreen-host/internal/touch"
	"github.com/fenglingyubing/expandscreen-host/internal/transport"
	"github.com/fenglingyubing/expandscreen-host/internal/usbtransport"
	"github.com/fenglingyubing/expandscreen-host/internal/wire"
)

// newTouchMapper builds the per-session coordinate mapper: source
// dimensions are a placeholder until the peer's handshake carries its
// real screen size (session.handleHandshake calls SetSource), and the
// target rectangle defaults to the primary profile's full frame since
// this build has no VirtualDisplayDriver reporting real monitor geometry.
func newTouchMapper(primary iface.VideoProfile) *touch.Mapper {
	m, err := touch.NewMapper(primary.Width, primary.Height,
		touch.Rect{X: 0, Y: 0, W: float64(primary.Width), H: float64(primary.Height)}, touch.Rotate0)
	if err != nil {
		// primary.Width/Height are always > 1 for any valid profile.
		panic(err)
	}
	return m
}

// touchSink maps an inbound wire TouchEvent through mapper into host
// coordinates and hands it to injector, shared by both transport
// adapters' session factories.
func touchSink(mapper *touch.Mapper, injector iface.TouchInjector) func(wire.TouchEvent) {
	return func(evt wire.TouchEvent) {
		x, y := mapper.Map(evt.X, evt.Y)
		injector.Handle(iface.TouchEvent{
			Action:    int(evt.Action),
			PointerID: evt.PointerID,
			X:         x,
			Y:         y,
			Pressure:  evt.Pressure,
		})
	}
}

// newUSBSessionFactory builds the manager.SessionFactory run over each
// USB device's ADB-forwarded loopback stream. Unlike the Wi-Fi listener,
// the stream here never carries TLS (it rides an already-trusted USB
// cable), so the handshake policy accepts unconditionally rather than
// checking a pairing code. Each device gets its own Mapper: concurrent
// USB sessions must not share one, since Mapper.SetSource/Map are not
// safe for concurrent use across sessions.
func newUSBSessionFactory(mgrCfg manager.Config, cfg *appConfig, touchInjector iface.TouchInjector, l *slog.Logger) manager.SessionFactory {
	acceptAll := func(wire.Handshake) (bool, string) { return true, "" }
	return func(deviceID string, stream iface.ByteStream) *session.Session {
		t := transport.New(stream, transport.WithLogger(l))
		mapper := newTouchMapper(mgrCfg.PrimaryProfile)
		return session.New(t, session.Config{
			Role:              session.RoleServer,
			Policy:            acceptAll,
			HandshakeDeadline: cfg.handshakeTimeout,
			HeartbeatInterval: session.DefaultHeartbeatInterval,
			HeartbeatTimeout:  cfg.heartbeatTimeout,
			ServerVersion:     version,
			BitrateCtrl:       bitrate.New(bitrate.DefaultConfig(), mgrCfg.PrimaryProfile.BitrateBps),
			TouchMapper:       mapper,
			TouchSink:         touchSink(mapper, touchInjector),
		})
	}
}

// initManager builds the Multi-Session Manager governing USB-attached
// device lifecycles. It has no VirtualDisplayDriver in
// this build (display == nil is a documented, supported case: the
// Manager falls back to default_max_sessions), and a software
// passthroughEncoderFactory/stubCaptureSourceFactory standing in for the
// hardware encoder and desktop-capture backend a real build supplies.
func initManager(cfg *appConfig, touchInjector iface.TouchInjector, l *slog.Logger) *manager.Manager {
	mgrCfg := manager.DefaultConfig()
	mgrCfg.DefaultMaxSessions = cfg.defaultMaxSessions
	mgrCfg.MaxHighQualitySessions = cfg.maxHighQualitySessions
	mgrCfg.RemotePort = cfg.adbRemotePort

	usbCfg := usbtransport.DefaultConfig()
	usbCfg.ADBPath = cfg.adbPath
	usbCfg.AutoReconnect = true
	connFactory := usbtransport.NewFactory(usbCfg)

	sessionFactory := newUSBSessionFactory(mgrCfg, cfg, touchInjector, l)
	m := manager.New(mgrCfg, nil, connFactory, passthroughEncoderFactory{}, stubCaptureSourceFactory{}, sessionFactory)

	go func() {
		sub := m.Events().Subscribe()
		for evt := range sub.C() {
			switch evt.Kind {
			case manager.EventDeviceSnapshot:
				l.Info("device_session_snapshot",
					"device_id", evt.DeviceID,
					"state", evt.Snapshot.State.String(),
					"profile_width", evt.Snapshot.Profile.Width,
					"profile_height", evt.Snapshot.Profile.Height,
					"profile_fps", evt.Snapshot.Profile.RefreshRate,
					"bitrate_bps", evt.Snapshot.Profile.BitrateBps,
					"local_port", evt.Snapshot.LocalPort,
					"last_error", evt.Snapshot.LastError,
				)
			case manager.EventBitrateDecision:
				l.Debug("device_bitrate_decision", "device_id", evt.DeviceID, "target_bps", evt.Bitrate.Target, "reason", evt.Bitrate.Reason)
			}
		}
	}()

	return m
}
