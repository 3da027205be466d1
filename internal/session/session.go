// Package session implements the core protocol engine:
// handshake, heartbeat, timeout, message demultiplex, and touch/feedback
// ingress, built on top of internal/transport and internal/wire. It is a
// single connection's stateful engine, reusable by both the Wi-Fi accept
// loop and the USB adapter.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fenglingyubing/expandscreen-host/internal/bitrate"
	"github.com/fenglingyubing/expandscreen-host/internal/events"
	"github.com/fenglingyubing/expandscreen-host/internal/iface"
	"github.com/fenglingyubing/expandscreen-host/internal/logging"
	"github.com/fenglingyubing/expandscreen-host/internal/metrics"
	"github.com/fenglingyubing/expandscreen-host/internal/protoutil"
	"github.com/fenglingyubing/expandscreen-host/internal/touch"
	"github.com/fenglingyubing/expandscreen-host/internal/transport"
	"github.com/fenglingyubing/expandscreen-host/internal/wire"
)

// Role distinguishes which side of the handshake this Session plays.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatTimeout  = 15 * time.Second
	DefaultHandshakeDeadline = 5 * time.Second
	rttSmoothingAlpha        = 0.2
)

// PolicyFunc is the server-side handshake policy hook: given the inbound
// Handshake, it decides accept/reject, including pairing-code
// verification for TLS-wrapped streams. It returns a
// reason string on rejection.
type PolicyFunc func(hs wire.Handshake) (accept bool, reason string)

// EventKind enumerates observable Session lifecycle events.
type EventKind int

const (
	EventConnected EventKind = iota
	EventHeartbeatTimeout
	EventSessionError
	EventClosed
)

// Event is published on the Session's event bus.
type Event struct {
	Kind      EventKind
	SessionID string
	Err       error
}

// Config configures timing, callbacks, and collaborators for a Session.
type Config struct {
	Role              Role
	Policy            PolicyFunc // required for RoleServer
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HandshakeDeadline time.Duration
	ServerVersion     string

	TouchSink   func(wire.TouchEvent)
	AudioSink   func(header wire.Header, payload []byte)
	VideoSink   func(header wire.Header, payload []byte)
	BitrateCtrl *bitrate.Controller
	TouchMapper *touch.Mapper
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.HandshakeDeadline <= 0 {
		c.HandshakeDeadline = DefaultHandshakeDeadline
	}
}

// Session is the protocol engine for a single Connection.
// It owns exactly one transport.Transport and runs for the lifetime of
// one Connection.
type Session struct {
	cfg Config
	t   *transport.Transport
	bus *events.Bus[Event]
	log *slog.Logger

	mu                   sync.RWMutex
	state                State
	sessionID            string
	peerDeviceID         string
	peerScreenW          int
	peerScreenH          int
	lastHeartbeatSentMs  int64
	lastRTTMs            float64
	avgRTTMs             float64
	closeErr             error

	lastRxMs atomic.Int64

	handshakeAckCh chan wire.HandshakeAck
	stopHeartbeat  chan struct{}
	closeOnce      sync.Once
	doneCh         chan struct{}
}

// New builds a Session over the already-constructed frame transport t
// and registers for its close notification. Attach must be called to
// start the receiver; heartbeat only starts once Connected.
func New(t *transport.Transport, cfg Config) *Session {
	cfg.setDefaults()
	s := &Session{
		cfg:            cfg,
		t:              t,
		bus:            events.NewBus[Event](16, events.PolicyDrop),
		log:            logging.L().With("component", "session"),
		state:          Idle,
		handshakeAckCh: make(chan wire.HandshakeAck, 1),
		stopHeartbeat:  make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	t.OnClose(s.onTransportClosed)
	return s
}

// onTransportClosed is the frame transport's read-side close notification:
// a clean EOF or a fatal receive error both end the session immediately
// rather than waiting for the next heartbeat-timeout check.
func (s *Session) onTransportClosed(err error) {
	s.fail(err)
}

// Events returns a subscriber to this session's lifecycle events.
func (s *Session) Events() *events.Subscriber[Event] { return s.bus.Subscribe() }

// Unsubscribe releases a subscriber returned by Events, for a watcher
// that only cares about one Session's lifetime rather than the process's.
func (s *Session) Unsubscribe(sub *events.Subscriber[Event]) { s.bus.Unsubscribe(sub) }

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// SessionID returns the negotiated session id, empty before Connected.
func (s *Session) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Attach starts the transport's receiver and writer loops. Invariant 1: a
// session that has not completed handshake must not emit non-control
// frames and must not start heartbeats — Attach never starts the
// heartbeat timer.
func (s *Session) Attach(ctx context.Context) {
	s.setState(WaitingHandshake)
	s.t.StartReceiver(ctx, s.dispatch)
	s.t.StartWriter(ctx)
}

// PerformHandshake is the client-side handshake call: it sends Handshake
// and blocks until HandshakeAck arrives or the deadline elapses.
func (s *Session) PerformHandshake(ctx context.Context, msg wire.Handshake) (wire.HandshakeAck, error) {
	s.setState(PerformingHandshake)
	payload, err := wire.EncodeJSON(msg)
	if err != nil {
		return wire.HandshakeAck{}, fmt.Errorf("session: encode handshake: %w", err)
	}
	s.t.Send(wire.TypeHandshake, payload, 0)

	deadline := s.cfg.HandshakeDeadline
	hsCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	select {
	case ack := <-s.handshakeAckCh:
		if !ack.Accepted {
			s.fail(fmt.Errorf("%w: %s", ErrHandshakeRejected, ack.Reason))
			return ack, ErrHandshakeRejected
		}
		s.mu.Lock()
		s.sessionID = ack.SessionID
		s.mu.Unlock()
		s.setState(Connected)
		s.bus.Publish(Event{Kind: EventConnected, SessionID: ack.SessionID})
		s.startHeartbeat(ctx)
		return ack, nil
	case <-hsCtx.Done():
		s.fail(ErrHandshakeTimeout)
		return wire.HandshakeAck{}, ErrHandshakeTimeout
	}
}

// dispatch routes one inbound message by type.
func (s *Session) dispatch(h wire.Header, payload []byte) {
	s.lastRxMs.Store(int64(wire.NowMs()))

	switch h.Type {
	case wire.TypeHandshake:
		s.handleHandshake(payload)
	case wire.TypeHandshakeAck:
		s.handleHandshakeAck(payload)
	case wire.TypeHeartbeat:
		s.handleHeartbeat(payload)
	case wire.TypeHeartbeatAck:
		s.handleHeartbeatAck(payload)
	case wire.TypeTouchEvent:
		s.handleTouch(payload)
	case wire.TypeProtocolFeedback:
		s.handleFeedback(payload)
	case wire.TypeAudioConfig, wire.TypeAudioFrame:
		if s.cfg.AudioSink != nil {
			s.cfg.AudioSink(h, payload)
		}
	case wire.TypeVideoFrame:
		if s.cfg.VideoSink != nil {
			s.cfg.VideoSink(h, payload)
		}
	default:
		// Unknown/unrecognized types are silently skipped.
	}
}

func (s *Session) handleHandshake(payload []byte) {
	var hs wire.Handshake
	if err := wire.DecodeJSON(payload, &hs); err != nil {
		s.log.Warn("session_bad_handshake_payload", "error", err)
		return
	}
	s.setState(PerformingHandshake)

	accept, reason := true, ""
	if s.cfg.Policy != nil {
		accept, reason = s.cfg.Policy(hs)
	}

	ack := wire.HandshakeAck{Accepted: accept, ServerVersion: s.cfg.ServerVersion, Reason: reason}
	if accept {
		ack.SessionID = protoutil.NewSessionID()
	}
	ackPayload, err := wire.EncodeJSON(ack)
	if err != nil {
		s.log.Error("session_encode_handshake_ack_failed", "error", err)
		return
	}
	s.t.Send(wire.TypeHandshakeAck, ackPayload, 0)

	if !accept {
		metrics.IncHandshakeFailed()
		s.fail(fmt.Errorf("%w: %s", ErrHandshakeRejected, reason))
		return
	}

	s.mu.Lock()
	s.sessionID = ack.SessionID
	s.peerDeviceID = hs.DeviceID
	s.peerScreenW = hs.ScreenWidth
	s.peerScreenH = hs.ScreenHeight
	s.mu.Unlock()

	if s.cfg.TouchMapper != nil && hs.ScreenWidth > 1 && hs.ScreenHeight > 1 {
		s.cfg.TouchMapper.SetSource(hs.ScreenWidth, hs.ScreenHeight)
	}

	s.setState(Connected)
	metrics.IncSessionConnected()
	s.bus.Publish(Event{Kind: EventConnected, SessionID: ack.SessionID})
	s.startHeartbeat(context.Background())
}

func (s *Session) handleHandshakeAck(payload []byte) {
	var ack wire.HandshakeAck
	if err := wire.DecodeJSON(payload, &ack); err != nil {
		s.log.Warn("session_bad_handshake_ack_payload", "error", err)
		return
	}
	select {
	case s.handshakeAckCh <- ack:
	default:
	}
}

func (s *Session) handleHeartbeat(payload []byte) {
	var hb wire.Heartbeat
	if err := wire.DecodeJSON(payload, &hb); err != nil {
		return
	}
	ack := wire.HeartbeatAck{OriginalTimestampMs: hb.TimestampMs, NowTimestampMs: wire.NowMs()}
	ackPayload, err := wire.EncodeJSON(ack)
	if err != nil {
		return
	}
	s.t.Send(wire.TypeHeartbeatAck, ackPayload, 0)
}

func (s *Session) handleHeartbeatAck(payload []byte) {
	var ack wire.HeartbeatAck
	if err := wire.DecodeJSON(payload, &ack); err != nil {
		return
	}
	now := wire.NowMs()
	var rtt float64
	if now >= ack.OriginalTimestampMs {
		rtt = float64(now - ack.OriginalTimestampMs)
	}
	s.mu.Lock()
	s.lastRTTMs = rtt
	if s.avgRTTMs == 0 {
		s.avgRTTMs = rtt
	} else {
		s.avgRTTMs = s.avgRTTMs*(1-rttSmoothingAlpha) + rtt*rttSmoothingAlpha
	}
	s.mu.Unlock()
}

func (s *Session) handleTouch(payload []byte) {
	var evt wire.TouchEvent
	if err := wire.DecodeJSON(payload, &evt); err != nil {
		return
	}
	if s.cfg.TouchSink != nil {
		s.cfg.TouchSink(evt)
		metrics.IncTouchEvent()
	}
}

func (s *Session) handleFeedback(payload []byte) {
	var fb wire.ProtocolFeedback
	if err := wire.DecodeJSON(payload, &fb); err != nil {
		return
	}
	if s.cfg.BitrateCtrl == nil {
		return
	}
	decision := s.cfg.BitrateCtrl.Observe(bitrate.Feedback{
		TotalMessagesDelta:   int64(fb.TotalMessagesDelta),
		DroppedMessagesDelta: int64(fb.DroppedMessagesDelta),
		ReceiveRateBps:       int64(fb.ReceiveRateBps),
		AverageRTTMs:         fb.AverageRTTMs,
	})
	metrics.SetBitrateTarget(decision.Target)
	if decision.Changed {
		metrics.IncBitrateChange()
	}
}

// startHeartbeat launches a heartbeat goroutine on each call. The loop
// ends when ctx is done, when Close runs, or at its first tick after the
// session has left Connected.
func (s *Session) startHeartbeat(ctx context.Context) {
	go s.heartbeatLoop(ctx)
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopHeartbeat:
			return
		case <-ticker.C:
			if s.State() != Connected {
				return
			}
			payload, err := wire.EncodeJSON(wire.Heartbeat{TimestampMs: wire.NowMs()})
			if err == nil {
				s.t.Send(wire.TypeHeartbeat, payload, 0)
				s.mu.Lock()
				s.lastHeartbeatSentMs = int64(wire.NowMs())
				s.mu.Unlock()
			}
			if s.heartbeatExpired() {
				metrics.IncHeartbeatTimeout()
				s.fail(ErrHeartbeatTimeout)
				s.bus.Publish(Event{Kind: EventHeartbeatTimeout, SessionID: s.SessionID()})
				return
			}
		}
	}
}

func (s *Session) heartbeatExpired() bool {
	last := s.lastRxMs.Load()
	if last == 0 {
		return false
	}
	age := int64(wire.NowMs()) - last
	return time.Duration(age)*time.Millisecond > s.cfg.HeartbeatTimeout
}

// SendVideoFrame implements pipeline.Sink: the encoder's output is
// framed as a VideoFrame with its header timestamp overridden to the
// frame's capture time, preserving end-to-end latency.
func (s *Session) SendVideoFrame(unit iface.EncodedUnit, captureTimestampMs int64) error {
	if s.State() != Connected {
		return ErrNotConnected
	}
	s.t.Send(wire.TypeVideoFrame, unit.Data, uint64(captureTimestampMs))
	return nil
}

// fail transitions to Closed and records the terminal error.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	s.closeErr = err
	s.mu.Unlock()
	s.bus.Publish(Event{Kind: EventSessionError, SessionID: s.SessionID(), Err: err})
}

// Stats returns a point-in-time statistics snapshot.
func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts := s.t.Stats()
	msSince := int64(0)
	if last := s.lastRxMs.Load(); last > 0 {
		msSince = int64(wire.NowMs()) - last
	}
	return Stats{
		SessionID:            s.sessionID,
		State:                s.state,
		MsSinceLastHeartbeat: msSince,
		LastRTTMs:            s.lastRTTMs,
		AvgRTTMs:             s.avgRTTMs,
		SendCount:            ts.SentCount,
		RecvCount:            ts.ReceivedCount,
		DroppedCount:         ts.DroppedCount,
	}
}

// Close ends the session: stops the heartbeat task and the transport.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopHeartbeat)
		s.mu.Lock()
		wasClosed := s.state == Closed
		s.state = Closed
		s.mu.Unlock()
		err = s.t.Close()
		if !wasClosed {
			s.bus.Publish(Event{Kind: EventClosed, SessionID: s.SessionID()})
		}
		close(s.doneCh)
	})
	return err
}

// Done reports when the session has fully closed.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// PeerDeviceID returns the device id carried by the peer's Handshake,
// empty before one has been received.
func (s *Session) PeerDeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerDeviceID
}

// PeerScreenSize returns the peer's screen dimensions carried by its
// Handshake, (0, 0) before one has been received.
func (s *Session) PeerScreenSize() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerScreenW, s.peerScreenH
}

// LastError returns the error that transitioned the session to Closed,
// if any.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closeErr
}
