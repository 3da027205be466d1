package transport

import "errors"

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrConnectionClosed = errors.New("transport: connection closed")
	ErrFatalReceive      = errors.New("transport: fatal receive error")
	ErrWrite             = errors.New("transport: write error")
)
