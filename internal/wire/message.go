// Package wire implements the ExpandScreen framed binary message protocol:
// a fixed 24-byte big-endian header followed by a JSON or opaque-bitstream
// payload, carrying versioned, typed, sequenced messages.
package wire

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Magic is the fixed 32-bit prefix of every framed message: ASCII "EXPS".
const Magic uint32 = 0x45585053

// Version is the protocol version this build speaks. A peer declaring a
// higher version MAY send additional message types; this implementation
// still consumes and discards payloads for types it does not recognize.
const Version uint8 = 1

// MaxPayloadLen is the hard cap on payload_length (10 MiB). Anything larger
// is fatal to the connection.
const MaxPayloadLen = 10 * 1024 * 1024

// HeaderLen is the fixed, on-wire size of a Header in bytes.
const HeaderLen = 24

// MessageType enumerates the values carried in Header.Type.
type MessageType uint8

const (
	TypeHandshake        MessageType = 1
	TypeHandshakeAck      MessageType = 2
	TypeVideoFrame        MessageType = 3
	TypeTouchEvent        MessageType = 4
	TypeHeartbeat         MessageType = 5
	TypeHeartbeatAck      MessageType = 6
	TypeAudioConfig       MessageType = 7
	TypeAudioFrame        MessageType = 8
	TypeProtocolFeedback  MessageType = 9
)

// String renders a MessageType for logging.
func (t MessageType) String() string {
	switch t {
	case TypeHandshake:
		return "Handshake"
	case TypeHandshakeAck:
		return "HandshakeAck"
	case TypeVideoFrame:
		return "VideoFrame"
	case TypeTouchEvent:
		return "TouchEvent"
	case TypeHeartbeat:
		return "Heartbeat"
	case TypeHeartbeatAck:
		return "HeartbeatAck"
	case TypeAudioConfig:
		return "AudioConfig"
	case TypeAudioFrame:
		return "AudioFrame"
	case TypeProtocolFeedback:
		return "ProtocolFeedback"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// IsControl reports whether t is a control message that the frame
// transport's send queue must never drop (Handshake*/Heartbeat*).
func (t MessageType) IsControl() bool {
	switch t {
	case TypeHandshake, TypeHandshakeAck, TypeHeartbeat, TypeHeartbeatAck:
		return true
	default:
		return false
	}
}

// Header is the fixed 24-byte big-endian message header.
type Header struct {
	Magic          uint32
	Type           MessageType
	Version        uint8
	Reserved       uint16
	TimestampMs    uint64
	PayloadLength  uint32
	SequenceNumber uint32
}

// NowMs returns the current UTC time in milliseconds, the default used when
// a caller does not supply an explicit timestamp override.
func NowMs() uint64 {
	return uint64(time.Now().UTC().UnixMilli())
}

// EncodeHeader serializes h into a freshly allocated 24-byte big-endian buffer.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	putHeader(buf, h)
	return buf
}

// putHeader writes h into buf, which must be at least HeaderLen bytes.
func putHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = byte(h.Type)
	buf[5] = h.Version
	binary.BigEndian.PutUint16(buf[6:8], h.Reserved)
	binary.BigEndian.PutUint64(buf[8:16], h.TimestampMs)
	binary.BigEndian.PutUint32(buf[16:20], h.PayloadLength)
	binary.BigEndian.PutUint32(buf[20:24], h.SequenceNumber)
}

// DecodeHeader parses a 24-byte big-endian header from buf.
//
// Property: for all h, DecodeHeader(EncodeHeader(h)) == h.
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderLen {
		return h, ErrShortHeader
	}
	h.Magic = binary.BigEndian.Uint32(buf[0:4])
	if h.Magic != Magic {
		return h, ErrBadMagic
	}
	h.Type = MessageType(buf[4])
	h.Version = buf[5]
	h.Reserved = binary.BigEndian.Uint16(buf[6:8])
	h.TimestampMs = binary.BigEndian.Uint64(buf[8:16])
	h.PayloadLength = binary.BigEndian.Uint32(buf[16:20])
	if h.PayloadLength > MaxPayloadLen {
		return h, ErrBadLength
	}
	h.SequenceNumber = binary.BigEndian.Uint32(buf[20:24])
	return h, nil
}

// BuildMessage frames a single message: header (with magic/version/length
// filled in) immediately followed by payload. timestampOverrideMs, when
// non-zero, replaces the default now_ms — used by the capture→encode→send
// pipeline to preserve capture time end-to-end.
func BuildMessage(t MessageType, payload []byte, seq uint32, timestampOverrideMs uint64) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return nil, ErrBadLength
	}
	ts := timestampOverrideMs
	if ts == 0 {
		ts = NowMs()
	}
	h := Header{
		Magic:          Magic,
		Type:           t,
		Version:        Version,
		TimestampMs:    ts,
		PayloadLength:  uint32(len(payload)),
		SequenceNumber: seq,
	}
	buf := make([]byte, HeaderLen+len(payload))
	putHeader(buf, h)
	copy(buf[HeaderLen:], payload)
	return buf, nil
}
