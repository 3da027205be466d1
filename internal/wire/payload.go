package wire

import "encoding/json"

// EncodeJSON marshals v (a control payload: Handshake*, Heartbeat*, Touch*,
// ProtocolFeedback, AudioConfig, Discovery*) to its UTF-8 JSON bytes.
func EncodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeJSON unmarshals a UTF-8 JSON payload into v. Decoding is lenient:
// encoding/json already ignores unknown object fields by default.
func DecodeJSON(payload []byte, v any) error {
	return json.Unmarshal(payload, v)
}

// Handshake is the client->server handshake payload.
type Handshake struct {
	DeviceID      string `json:"device_id"`
	DeviceName    string `json:"device_name"`
	ClientVersion string `json:"client_version"`
	ScreenWidth   int    `json:"screen_width"`
	ScreenHeight  int    `json:"screen_height"`
	PairingCode   string `json:"pairing_code,omitempty"`
}

// HandshakeAck is the server->client handshake response.
type HandshakeAck struct {
	Accepted      bool   `json:"accepted"`
	SessionID     string `json:"session_id,omitempty"`
	ServerVersion string `json:"server_version,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Heartbeat carries the sender's send-time timestamp for RTT measurement.
type Heartbeat struct {
	TimestampMs uint64 `json:"timestamp_ms"`
}

// HeartbeatAck echoes the original timestamp and adds the responder's time.
type HeartbeatAck struct {
	OriginalTimestampMs uint64 `json:"original_timestamp_ms"`
	NowTimestampMs      uint64 `json:"now_timestamp_ms"`
}

// TouchAction enumerates TouchEvent.Action values.
type TouchAction int

const (
	TouchDown TouchAction = 0
	TouchMove TouchAction = 1
	TouchUp   TouchAction = 2
)

// TouchEvent is a single pointer sample in the remote screen's pixel space.
type TouchEvent struct {
	Action    TouchAction `json:"action"`
	PointerID int         `json:"pointer_id"`
	X         float64     `json:"x"`
	Y         float64     `json:"y"`
	Pressure  float64     `json:"pressure"`
}

// ProtocolFeedback is periodic transport-health feedback driving the
// adaptive bitrate controller.
type ProtocolFeedback struct {
	TotalMessagesDelta   uint64  `json:"total_messages_delta"`
	DroppedMessagesDelta uint64  `json:"dropped_messages_delta"`
	ReceiveRateBps       float64 `json:"receive_rate_bps"`
	AverageRTTMs         float64 `json:"average_rtt_ms"`
}

// AudioConfig describes the audio codec/config passed through by the core
// without interpretation (audio is carried, not processed, by this core).
type AudioConfig struct {
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
	Codec        string `json:"codec"`
}

// DiscoveryRequest is the UDP broadcast a client sends to find a host.
type DiscoveryRequest struct {
	MessageType     string `json:"message_type"`
	RequestID       string `json:"request_id"`
	ClientDeviceID  string `json:"client_device_id,omitempty"`
	ClientDeviceName string `json:"client_device_name,omitempty"`
}

// DiscoveryResponse is the host's reply.
type DiscoveryResponse struct {
	MessageType        string `json:"message_type"`
	RequestID          string `json:"request_id"`
	ServerID           string `json:"server_id"`
	ServerName         string `json:"server_name"`
	TCPPort            int    `json:"tcp_port"`
	WebsocketSupported bool   `json:"websocket_supported"`
	ServerVersion      string `json:"server_version"`
}
