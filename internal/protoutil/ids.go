// Package protoutil provides small identifier helpers used by the
// session package and the host binary.
package protoutil

import "github.com/google/uuid"

// NewSessionID mints an opaque session identifier handed to a peer in
// HandshakeAck.session_id.
func NewSessionID() string {
	return uuid.NewString()
}

// NewServerID mints a stable-looking opaque identifier for discovery
// responses when the caller has not configured one explicitly.
func NewServerID() string {
	return uuid.NewString()
}
