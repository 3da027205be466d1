package session

import "errors"

var (
	// ErrHandshakeTimeout is reported when perform_handshake's deadline
	// elapses before a HandshakeAck arrives.
	ErrHandshakeTimeout = errors.New("session: handshake timeout")
	// ErrHandshakeRejected is reported when the peer (or local policy
	// hook) rejects the handshake.
	ErrHandshakeRejected = errors.New("session: handshake rejected")
	// ErrHeartbeatTimeout is reported when no inbound message arrives
	// within heartbeat_timeout while Connected.
	ErrHeartbeatTimeout = errors.New("session: heartbeat timeout")
	// ErrNotConnected is returned by operations that require the
	// Connected state.
	ErrNotConnected = errors.New("session: not connected")
	// ErrAlreadyAttached is returned by Attach when called more than once.
	ErrAlreadyAttached = errors.New("session: already attached")
)
