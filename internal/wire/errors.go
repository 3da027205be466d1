package wire

import "errors"

// Sentinel decode errors. Callers classify with errors.Is.
var (
	// ErrBadMagic is returned when a header's magic field does not match Magic.
	ErrBadMagic = errors.New("wire: bad magic")
	// ErrBadLength is returned when payload_length exceeds MaxPayloadLen.
	ErrBadLength = errors.New("wire: payload length exceeds cap")
	// ErrShortHeader is returned when fewer than HeaderLen bytes are available to decode.
	ErrShortHeader = errors.New("wire: short header")
)
