// Package iface defines the small capability interfaces the core
// consumes from platform-specific adapters: capture,
// encoding, virtual-display, touch injection, ADB execution, and
// firewall/autostart helpers. None of these has a concrete
// implementation in this module — they are the seam between the
// portable core and Windows-specific driver/codec/shell code that lives
// outside it.
package iface

import "context"

// RawFrame is one captured frame of uncompressed pixel data.
type RawFrame struct {
	Width              int
	Height             int
	Stride             int
	Pixels             []byte
	CaptureTimestampMs int64
}

// CaptureSource produces raw frames for as long as a DeviceSession is
// alive. NextFrame blocks until a frame is available or ctx is canceled.
type CaptureSource interface {
	NextFrame(ctx context.Context) (RawFrame, error)
}

// CaptureSourceFactory builds a CaptureSource bound to one device's
// mirrored session, mirroring EncoderFactory's per-profile construction.
type CaptureSourceFactory interface {
	MakeCaptureSource(deviceID string) (CaptureSource, error)
}

// EncodedUnit is one encoder output unit.
type EncodedUnit struct {
	Data       []byte
	IsKeyFrame bool
}

// Encoder wraps a hardware (NVENC/QuickSync) or software (FFmpeg) video
// encoder; the core treats both uniformly.
type Encoder interface {
	Initialize(width, height, fps int, bitrateBps int64) error
	Encode(frame RawFrame) (EncodedUnit, error)
	RequestKeyFrame()
	SetBitrate(bitrateBps int64)
	Release()
}

// VideoProfile is the negotiated capture/encode target.
type VideoProfile struct {
	Width       int
	Height      int
	RefreshRate int
	BitrateBps  int64
}

// EncoderFactory builds an Encoder parameterized by profile.
type EncoderFactory interface {
	MakeEncoder(profile VideoProfile) (Encoder, error)
}

// VirtualDisplayDriver manages virtual monitor handles backing a
// DeviceSession's mirrored screen.
type VirtualDisplayDriver interface {
	AdapterInfo() (count, max int)
	CreateMonitor(width, height, hz int) (monitorID string, err error)
	TryDestroyMonitor(monitorID string) bool
	IsAvailable() bool
}

// TouchEvent is the core's rotation/scale-mapped touch event, ready for
// platform injection.
type TouchEvent struct {
	Action    int
	PointerID int
	X, Y      float64
	Pressure  float64
}

// TouchInjector performs the actual OS-level touch injection. Handle is
// fire-and-forget; the core has already mapped coordinates (see
// internal/touch) before calling it.
type TouchInjector interface {
	Handle(evt TouchEvent)
}

// ADBResult is the outcome of one ADB invocation.
type ADBResult struct {
	Success bool
	Stdout  string
	Stderr  string
}

// ADBRunner executes ADB commands on the caller's behalf. The core
// constructs argument strings only; it never spawns processes directly.
type ADBRunner interface {
	Run(ctx context.Context, adbPath string, args []string) (ADBResult, error)
}

// FirewallHelper manages best-effort, optional OS firewall/autostart
// state; failures are logged and non-fatal.
type FirewallHelper interface {
	TryEnsureRule(name string, port int, proto string) error
	TryDeleteRule(name string) error
	ApplyAutostart(enable bool) error
}

// ByteStream is the bidirectional reliable connection abstraction the
// USB and Wi-Fi transport adapters hand to a Session: it is just a
// read/write/close surface, satisfied directly by net.Conn.
type ByteStream interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
}

// ConnectionFactory opens byte streams for USB (loopback via ADB
// forward) or listens for Wi-Fi (LAN TCP/TLS) connections.
type ConnectionFactory interface {
	OpenUSB(ctx context.Context, deviceID string, localPort, remotePort int) (ByteStream, error)
	OpenWifiListener(ctx context.Context, port int, tlsEnabled bool) (<-chan ByteStream, error)
}
