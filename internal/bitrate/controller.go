// Package bitrate implements the adaptive bitrate controller: an AIMD
// loop over periodic ProtocolFeedback that reacts to loss and RTT,
// clamps to a receive-rate-derived bandwidth headroom, smooths with an
// EWMA, and only commits a change once it clears a hysteresis band. The
// current target is kept under a single lock, updated on every feedback
// sample.
package bitrate

import (
	"fmt"
	"sync"
)

// Config holds the tunable AIMD parameters. New replaces the whole Config
// with DefaultConfig when MinBps is <= 0; other zero fields are used as-is.
type Config struct {
	MinBps                 int64
	MaxBps                 int64
	IncreaseStepBps        int64
	DecreaseFactor         float64
	SmoothingAlpha         float64
	BandwidthHeadroom      float64
	LossDecreaseThreshold  float64
	RTTDecreaseThresholdMs float64
}

// DefaultConfig returns the controller's default AIMD tunables.
func DefaultConfig() Config {
	return Config{
		MinBps:                 500_000,
		MaxBps:                 12_000_000,
		IncreaseStepBps:        250_000,
		DecreaseFactor:         0.75,
		SmoothingAlpha:         0.2,
		BandwidthHeadroom:      0.85,
		LossDecreaseThreshold:  0.01,
		RTTDecreaseThresholdMs: 200,
	}
}

// hysteresisBps is the minimum delta required before a new target is
// committed and published; below it the controller reports no change.
const hysteresisBps = 50_000

// Feedback mirrors wire.ProtocolFeedback, decoupled from the wire package
// so the controller has no JSON/transport dependency.
type Feedback struct {
	TotalMessagesDelta   int64
	DroppedMessagesDelta int64
	ReceiveRateBps       int64
	AverageRTTMs         float64
}

// Decision is the result of applying one Feedback sample.
type Decision struct {
	Target             int64
	Changed            bool
	Reason             string
	Loss               float64
	EstimatedBandwidth int64
	AverageRTTMs       float64
}

// Controller is safe for concurrent use; feedback typically arrives from
// a single session's receive loop but Current may be read from elsewhere
// (e.g. a metrics exporter or the pipeline's key-frame policy).
type Controller struct {
	cfg Config

	mu      sync.Mutex
	current int64
}

// New creates a Controller whose current target is start, clamped into
// [MinBps, MaxBps].
func New(cfg Config, start int64) *Controller {
	if cfg.MinBps <= 0 {
		cfg = DefaultConfig()
	}
	start = clampInt64(start, cfg.MinBps, cfg.MaxBps)
	return &Controller{cfg: cfg, current: start}
}

// Current returns the last committed target bitrate.
func (c *Controller) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Observe applies one feedback sample and returns the resulting decision.
// It is idempotent under repeated identical feedback: two consecutive
// calls with the same sample converge to Changed=false once inside the
// hysteresis band.
func (c *Controller) Observe(fb Feedback) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	loss := 0.0
	denom := fb.TotalMessagesDelta + fb.DroppedMessagesDelta
	if denom > 0 && fb.DroppedMessagesDelta > 0 {
		loss = float64(fb.DroppedMessagesDelta) / float64(denom)
	}

	var raw float64
	var reason string
	switch {
	case loss >= c.cfg.LossDecreaseThreshold:
		raw = maxF(float64(c.cfg.MinBps), float64(c.current)*c.cfg.DecreaseFactor)
		reason = fmt.Sprintf("loss %.4f >= %.4f", loss, c.cfg.LossDecreaseThreshold)
	case fb.AverageRTTMs >= c.cfg.RTTDecreaseThresholdMs:
		raw = maxF(float64(c.cfg.MinBps), float64(c.current)*c.cfg.DecreaseFactor)
		reason = fmt.Sprintf("rtt %.1fms >= %.1fms", fb.AverageRTTMs, c.cfg.RTTDecreaseThresholdMs)
	default:
		raw = minF(float64(c.cfg.MaxBps), float64(c.current)+float64(c.cfg.IncreaseStepBps))
		reason = "stable"
	}

	if fb.ReceiveRateBps > 0 {
		raw = minF(raw, float64(fb.ReceiveRateBps)*c.cfg.BandwidthHeadroom)
	}

	raw = clampF(raw, float64(c.cfg.MinBps), float64(c.cfg.MaxBps))

	smoothed := float64(c.current)*(1-c.cfg.SmoothingAlpha) + raw*c.cfg.SmoothingAlpha
	smoothed = clampF(smoothed, float64(c.cfg.MinBps), float64(c.cfg.MaxBps))

	target := int64(smoothed + 0.5)
	changed := abs64(target-c.current) >= hysteresisBps
	if changed {
		c.current = target
	}

	return Decision{
		Target:             c.current,
		Changed:            changed,
		Reason:             reason,
		Loss:               loss,
		EstimatedBandwidth: fb.ReceiveRateBps,
		AverageRTTMs:       fb.AverageRTTMs,
	}
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
