package bitrate

import "testing"

func TestObserveStableIncreasesTowardMax(t *testing.T) {
	c := New(DefaultConfig(), 1_000_000)
	d := c.Observe(Feedback{TotalMessagesDelta: 100, DroppedMessagesDelta: 0, AverageRTTMs: 20})
	if d.Reason != "stable" {
		t.Fatalf("expected stable reason, got %q", d.Reason)
	}
	if !d.Changed {
		t.Fatalf("expected change on first increase step")
	}
	// raw = 1_000_000 + 250_000; smoothed = 1_000_000*0.8 + 1_250_000*0.2 = 1_050_000
	if d.Target != 1_050_000 {
		t.Fatalf("expected target 1050000, got %d", d.Target)
	}
}

func TestObserveHighLossDecreases(t *testing.T) {
	c := New(DefaultConfig(), 4_000_000)
	d := c.Observe(Feedback{TotalMessagesDelta: 90, DroppedMessagesDelta: 10, AverageRTTMs: 20})
	if d.Loss < 0.01 {
		t.Fatalf("expected loss >= threshold, got %v", d.Loss)
	}
	if d.Target >= 4_000_000 {
		t.Fatalf("expected decrease, got target=%d", d.Target)
	}
}

func TestObserveHighRTTDecreases(t *testing.T) {
	c := New(DefaultConfig(), 4_000_000)
	d := c.Observe(Feedback{TotalMessagesDelta: 100, DroppedMessagesDelta: 0, AverageRTTMs: 300})
	if d.Reason == "stable" {
		t.Fatalf("expected rtt-triggered decrease reason, got %q", d.Reason)
	}
	if d.Target >= 4_000_000 {
		t.Fatalf("expected decrease, got target=%d", d.Target)
	}
}

func TestObserveClampsToReceiveRateHeadroom(t *testing.T) {
	c := New(DefaultConfig(), 1_000_000)
	d := c.Observe(Feedback{TotalMessagesDelta: 100, ReceiveRateBps: 1_000_000, AverageRTTMs: 10})
	// raw would be 1_250_000 but headroom clamps to 850_000 before the
	// [min,max] clamp and smoothing; smoothed = 1_000_000*0.8 + 850_000*0.2 = 970_000,
	// which is within the 50_000 hysteresis band, so the target stays at
	// 1_000_000 (without the clamp it would have moved to 1_050_000).
	if d.Target != 1_000_000 {
		t.Fatalf("expected target 1000000, got %d", d.Target)
	}
}

func TestObserveRespectsHysteresis(t *testing.T) {
	c := New(DefaultConfig(), 1_000_000)
	// A receive-rate clamp close to current should land inside the band.
	d := c.Observe(Feedback{TotalMessagesDelta: 100, ReceiveRateBps: 1_176_470, AverageRTTMs: 10})
	if d.Changed {
		t.Fatalf("expected no change inside hysteresis band, got target=%d changed=%v", d.Target, d.Changed)
	}
	if d.Target != 1_000_000 {
		t.Fatalf("expected target to remain 1000000, got %d", d.Target)
	}
}

func TestObserveMonotonicUnderRepeatedStableFeedback(t *testing.T) {
	c := New(DefaultConfig(), 2_000_000)
	fb := Feedback{TotalMessagesDelta: 100, DroppedMessagesDelta: 0, AverageRTTMs: 20}
	prev := c.Current()
	for i := 0; i < 5; i++ {
		d := c.Observe(fb)
		if d.Target < prev {
			t.Fatalf("expected non-decreasing target under repeated stable feedback, got %d after %d", d.Target, prev)
		}
		prev = d.Target
	}
}

func TestObserveClampsToMax(t *testing.T) {
	c := New(DefaultConfig(), 11_900_000)
	d := c.Observe(Feedback{TotalMessagesDelta: 100, AverageRTTMs: 10})
	if d.Target > DefaultConfig().MaxBps {
		t.Fatalf("target %d exceeds max %d", d.Target, DefaultConfig().MaxBps)
	}
}

func TestObserveClampsToMin(t *testing.T) {
	c := New(DefaultConfig(), 600_000)
	for i := 0; i < 10; i++ {
		c.Observe(Feedback{TotalMessagesDelta: 50, DroppedMessagesDelta: 50, AverageRTTMs: 10})
	}
	if c.Current() < DefaultConfig().MinBps {
		t.Fatalf("current %d below min %d", c.Current(), DefaultConfig().MinBps)
	}
}
