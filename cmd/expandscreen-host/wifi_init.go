package main

import (
	"context"
	"log/slog"
	"net"
	"strconv"

	"github.com/fenglingyubing/expandscreen-host/internal/bitrate"
	"github.com/fenglingyubing/expandscreen-host/internal/iface"
	"github.com/fenglingyubing/expandscreen-host/internal/manager"
	"github.com/fenglingyubing/expandscreen-host/internal/pairing"
	"github.com/fenglingyubing/expandscreen-host/internal/pipeline"
	"github.com/fenglingyubing/expandscreen-host/internal/session"
	"github.com/fenglingyubing/expandscreen-host/internal/transport"
	"github.com/fenglingyubing/expandscreen-host/internal/wifitransport"
)

// wifiPeerDeviceID is the placeholder device identity passed to
// CaptureSourceFactory for the Wi-Fi listener's single current session,
// which (unlike a USB DeviceSession) has no stable device id before its
// handshake arrives.
const wifiPeerDeviceID = "wifi-peer"

// wifiPort extracts the configured TCP port from a "host:port"/":port"
// listen address for use by the discovery responder before the listener
// has bound.
func wifiPort(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 0
	}
	return n
}

// newSessionFactory builds the wifitransport.SessionFactory: every
// accepted connection gets a frame Transport and a fresh bitrate
// Controller and touch Mapper, and the Session is configured with the
// pairing-code handshake policy plus the touch-injection sink. The
// transport's loops are left to the Listener, whose replaceCurrent calls
// Session.Attach once the Session is installed as the current one;
// runWifiPipeline starts
// the capture/encode/send Pipeline once that same Session reaches
// Connected.
func newSessionFactory(mgrCfg manager.Config, verifier *pairing.CodeVerifier, serverVersion string, cfg *appConfig, captureFactory iface.CaptureSourceFactory, encoderFactory iface.EncoderFactory, touchInjector iface.TouchInjector, l *slog.Logger) wifitransport.SessionFactory {
	return func(conn net.Conn) *session.Session {
		t := transport.New(conn, transport.WithLogger(l))
		mapper := newTouchMapper(mgrCfg.PrimaryProfile)
		sess := session.New(t, session.Config{
			Role:              session.RoleServer,
			Policy:            pairingPolicy(verifier),
			HandshakeDeadline: cfg.handshakeTimeout,
			HeartbeatInterval: session.DefaultHeartbeatInterval,
			HeartbeatTimeout:  cfg.heartbeatTimeout,
			ServerVersion:     serverVersion,
			BitrateCtrl:       bitrate.New(bitrate.DefaultConfig(), mgrCfg.PrimaryProfile.BitrateBps),
			TouchMapper:       mapper,
			TouchSink:         touchSink(mapper, touchInjector),
		})
		runWifiPipeline(sess, mgrCfg.PrimaryProfile, captureFactory, encoderFactory, l)
		return sess
	}
}

// runWifiPipeline builds a capture/encode/send Pipeline for sess and
// drives its lifecycle off the Session's own events: started once the
// handshake completes, stopped (and its per-pipeline context canceled,
// unblocking the capture loop) the moment the Session reports a terminal
// event. It is a best-effort addition: a capture or encoder construction
// failure leaves the Session running handshake/heartbeat/touch with no
// outbound video, logged rather than fatal.
func runWifiPipeline(sess *session.Session, profile iface.VideoProfile, captureFactory iface.CaptureSourceFactory, encoderFactory iface.EncoderFactory, l *slog.Logger) {
	if captureFactory == nil || encoderFactory == nil {
		return
	}
	capture, err := captureFactory.MakeCaptureSource(wifiPeerDeviceID)
	if err != nil {
		l.Warn("capture_source_unavailable", "error", err)
		return
	}
	encoder, err := encoderFactory.MakeEncoder(profile)
	if err != nil {
		l.Warn("encoder_unavailable", "error", err)
		return
	}
	pipe := pipeline.New(capture, encoder, sess)

	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sub := sess.Events()
		defer sess.Unsubscribe(sub)
		for {
			select {
			case <-sess.Done():
				cancel()
				pipe.Stop()
				return
			case evt, ok := <-sub.C():
				if !ok {
					return
				}
				switch evt.Kind {
				case session.EventConnected:
					pipe.Start(ctx)
				case session.EventHeartbeatTimeout, session.EventSessionError, session.EventClosed:
					cancel()
					pipe.Stop()
					return
				}
			}
		}
	}()
}
