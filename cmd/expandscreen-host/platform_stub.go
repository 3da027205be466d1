package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/fenglingyubing/expandscreen-host/internal/iface"
	"github.com/fenglingyubing/expandscreen-host/internal/wire"
)

// internal/iface is an explicit seam: capture, hardware encoding, virtual
// display, and touch injection are Windows-specific and live outside this
// module (see iface.go's package doc). The defaults below let the binary
// link and run its device/session/transport lifecycle without that
// platform layer present; a real build supplies its own implementations
// of these same interfaces in place of these.

// passthroughEncoder satisfies iface.Encoder without any real
// compression. It exists so Manager.Connect's fallback ladder has an
// EncoderFactory to call; a production build substitutes a hardware or
// FFmpeg-backed iface.Encoder.
type passthroughEncoder struct {
	bitrateBps int64
}

func (e *passthroughEncoder) Initialize(width, height, fps int, bitrateBps int64) error {
	e.bitrateBps = bitrateBps
	return nil
}

func (e *passthroughEncoder) Encode(frame iface.RawFrame) (iface.EncodedUnit, error) {
	return iface.EncodedUnit{Data: frame.Pixels, IsKeyFrame: true}, nil
}

func (e *passthroughEncoder) RequestKeyFrame()             {}
func (e *passthroughEncoder) SetBitrate(bitrateBps int64)  { e.bitrateBps = bitrateBps }
func (e *passthroughEncoder) Release()                     {}

type passthroughEncoderFactory struct{}

func (passthroughEncoderFactory) MakeEncoder(profile iface.VideoProfile) (iface.Encoder, error) {
	enc := &passthroughEncoder{bitrateBps: profile.BitrateBps}
	if err := enc.Initialize(profile.Width, profile.Height, profile.RefreshRate, profile.BitrateBps); err != nil {
		return nil, err
	}
	return enc, nil
}

// stubCaptureInterval stands in for a real capture source's frame cadence
// (a production build paces this off the display's actual refresh rate).
const stubCaptureInterval = 33 * time.Millisecond

// stubCaptureSource produces a steady stream of minimal placeholder
// frames instead of reading from the Windows desktop duplication API. It
// exists so Pipeline always has a CaptureSource to drive; a production
// build substitutes a real desktop-duplication/DXGI-backed
// iface.CaptureSource in its place.
type stubCaptureSource struct {
	deviceID string
}

func (c stubCaptureSource) NextFrame(ctx context.Context) (iface.RawFrame, error) {
	select {
	case <-ctx.Done():
		return iface.RawFrame{}, ctx.Err()
	case <-time.After(stubCaptureInterval):
		return iface.RawFrame{
			Width:              1,
			Height:             1,
			Stride:             1,
			Pixels:             []byte{0},
			CaptureTimestampMs: int64(wire.NowMs()),
		}, nil
	}
}

// stubCaptureSourceFactory builds a stubCaptureSource per device.
type stubCaptureSourceFactory struct{}

func (stubCaptureSourceFactory) MakeCaptureSource(deviceID string) (iface.CaptureSource, error) {
	return stubCaptureSource{deviceID: deviceID}, nil
}

// loggingTouchInjector logs touch events instead of injecting them into
// the OS input stack.
type loggingTouchInjector struct {
	log *slog.Logger
}

func (t loggingTouchInjector) Handle(evt iface.TouchEvent) {
	t.log.Debug("touch_event", "action", evt.Action, "pointer_id", evt.PointerID, "x", evt.X, "y", evt.Y)
}

// loggingFirewallHelper treats every call as best-effort: failures are
// logged and never fatal to the firewall/autostart state they touch.
type loggingFirewallHelper struct {
	log *slog.Logger
}

func (f loggingFirewallHelper) TryEnsureRule(name string, port int, proto string) error {
	f.log.Info("firewall_rule_requested", "name", name, "port", port, "proto", proto)
	return nil
}

func (f loggingFirewallHelper) TryDeleteRule(name string) error {
	f.log.Info("firewall_rule_removal_requested", "name", name)
	return nil
}

func (f loggingFirewallHelper) ApplyAutostart(enable bool) error {
	f.log.Info("autostart_requested", "enable", enable)
	return nil
}
