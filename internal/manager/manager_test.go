package manager

import (
	"context"
	"errors"
	"testing"

	"github.com/fenglingyubing/expandscreen-host/internal/iface"
)

type fakeEncoder struct{ released bool }

func (f *fakeEncoder) Initialize(width, height, fps int, bitrateBps int64) error { return nil }
func (f *fakeEncoder) Encode(frame iface.RawFrame) (iface.EncodedUnit, error)    { return iface.EncodedUnit{}, nil }
func (f *fakeEncoder) RequestKeyFrame()                                         {}
func (f *fakeEncoder) SetBitrate(bitrateBps int64)                              {}
func (f *fakeEncoder) Release()                                                 { f.released = true }

type fakeEncoderFactory struct {
	failFor  map[int]bool // keyed by profileKey (profile.RefreshRate*100000+profile.Width), for targeted failure injection
	built    []iface.VideoProfile
	encoders []*fakeEncoder
}

func profileKey(p iface.VideoProfile) int { return p.RefreshRate*100000 + p.Width }

func (f *fakeEncoderFactory) MakeEncoder(profile iface.VideoProfile) (iface.Encoder, error) {
	f.built = append(f.built, profile)
	if f.failFor != nil && f.failFor[profileKey(profile)] {
		return nil, errors.New("encoder init failed")
	}
	enc := &fakeEncoder{}
	f.encoders = append(f.encoders, enc)
	return enc, nil
}

type fakeConnection struct {
	connectErr error
	connected  bool
	closed     bool
}

func (c *fakeConnection) Connect(ctx context.Context) error {
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	return nil
}
func (c *fakeConnection) Disconnect() error { c.closed = true; return nil }

type fakeConnectionFactory struct {
	connectErr  error
	newConnErr  error
	connections []*fakeConnection
}

func (f *fakeConnectionFactory) NewConnection(deviceID string, localPort, remotePort int) (Connection, error) {
	if f.newConnErr != nil {
		return nil, f.newConnErr
	}
	c := &fakeConnection{connectErr: f.connectErr}
	f.connections = append(f.connections, c)
	return c, nil
}

type fakeDisplay struct {
	available   bool
	maxMonitors int
	monitors    map[string]bool
	nextID      int
	createErr   error
}

func newFakeDisplay(max int) *fakeDisplay {
	return &fakeDisplay{available: true, maxMonitors: max, monitors: make(map[string]bool)}
}

func (d *fakeDisplay) AdapterInfo() (int, int)   { return len(d.monitors), d.maxMonitors }
func (d *fakeDisplay) IsAvailable() bool         { return d.available }
func (d *fakeDisplay) CreateMonitor(w, h, hz int) (string, error) {
	if d.createErr != nil {
		return "", d.createErr
	}
	d.nextID++
	id := "monitor-" + string(rune('0'+d.nextID))
	d.monitors[id] = true
	return id, nil
}
func (d *fakeDisplay) TryDestroyMonitor(id string) bool {
	if !d.monitors[id] {
		return false
	}
	delete(d.monitors, id)
	return true
}

func testConfig() Config {
	return Config{
		DefaultMaxSessions:     4,
		MaxHighQualitySessions: 1,
		PrimaryProfile:         iface.VideoProfile{Width: 1920, Height: 1080, RefreshRate: 60, BitrateBps: 8_000_000},
		DegradedProfile:        iface.VideoProfile{Width: 1280, Height: 720, RefreshRate: 30, BitrateBps: 2_000_000},
	}
}

func TestConnectFirstSessionUsesPrimaryProfile(t *testing.T) {
	encFactory := &fakeEncoderFactory{}
	connFactory := &fakeConnectionFactory{}
	m := New(testConfig(), nil, connFactory, encFactory, nil, nil)

	res := m.Connect(context.Background(), "device-a")
	if !res.Success {
		t.Fatalf("expected success, got error %q", res.ErrorMessage)
	}
	if res.UsedDegradedProfile {
		t.Fatal("expected primary profile for first session")
	}
	if res.Snapshot.Profile.Width != 1920 {
		t.Fatalf("expected primary profile width 1920, got %d", res.Snapshot.Profile.Width)
	}
	if res.Snapshot.State != Connected {
		t.Fatalf("expected Connected, got %v", res.Snapshot.State)
	}
}

func TestConnectSecondSessionUsesDegradedWhenHighQualityBudgetExhausted(t *testing.T) {
	encFactory := &fakeEncoderFactory{}
	connFactory := &fakeConnectionFactory{}
	m := New(testConfig(), nil, connFactory, encFactory, nil, nil)

	if res := m.Connect(context.Background(), "device-a"); !res.Success {
		t.Fatalf("first connect failed: %s", res.ErrorMessage)
	}
	res := m.Connect(context.Background(), "device-b")
	if !res.Success {
		t.Fatalf("expected success, got error %q", res.ErrorMessage)
	}
	// The degraded profile is this session's base, and its first rung
	// succeeded, so no fallback away from the base was used.
	if res.UsedDegradedProfile {
		t.Fatal("expected used_degraded_profile=false when the degraded base itself succeeds")
	}
	if res.Snapshot.Profile.Width != 1280 {
		t.Fatalf("expected degraded profile width 1280, got %d", res.Snapshot.Profile.Width)
	}
}

func TestConnectFailsAtLimit(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultMaxSessions = 1
	m := New(cfg, nil, &fakeConnectionFactory{}, &fakeEncoderFactory{}, nil, nil)

	if res := m.Connect(context.Background(), "device-a"); !res.Success {
		t.Fatalf("first connect failed: %s", res.ErrorMessage)
	}
	res := m.Connect(context.Background(), "device-b")
	if res.Success {
		t.Fatal("expected failure at session limit")
	}
	if res.ErrorMessage != ErrLimitReached.Error() {
		t.Fatalf("expected limit-reached error, got %q", res.ErrorMessage)
	}
}

func TestConnectFallsBackDownLadderOnEncoderFailure(t *testing.T) {
	cfg := testConfig()
	cfg.PrimaryProfile = iface.VideoProfile{Width: 3840, Height: 2160, RefreshRate: 120, BitrateBps: 12_000_000}
	primaryKey := profileKey(cfg.PrimaryProfile)
	sixtyFpsKey := profileKey(iface.VideoProfile{Width: 3840, RefreshRate: 60})
	encFactory := &fakeEncoderFactory{failFor: map[int]bool{primaryKey: true, sixtyFpsKey: true}}
	connFactory := &fakeConnectionFactory{}
	m := New(cfg, nil, connFactory, encFactory, nil, nil)

	res := m.Connect(context.Background(), "device-a")
	if !res.Success {
		t.Fatalf("expected eventual success via fallback, got %q", res.ErrorMessage)
	}
	if !res.UsedDegradedProfile {
		t.Fatal("expected used_degraded_profile=true once the profile differs from the 4K120 base")
	}
	if res.Snapshot.Profile.Width == 3840 && res.Snapshot.Profile.RefreshRate >= 60 {
		t.Fatalf("expected fallback past the failing rungs, got %+v", res.Snapshot.Profile)
	}
}

func TestConnectReturnsExistingConnectedSnapshotWithoutReconnecting(t *testing.T) {
	connFactory := &fakeConnectionFactory{}
	m := New(testConfig(), nil, connFactory, &fakeEncoderFactory{}, nil, nil)

	first := m.Connect(context.Background(), "device-a")
	if !first.Success {
		t.Fatalf("first connect failed: %s", first.ErrorMessage)
	}
	second := m.Connect(context.Background(), "device-a")
	if !second.Success {
		t.Fatalf("second connect failed: %s", second.ErrorMessage)
	}
	if len(connFactory.connections) != 1 {
		t.Fatalf("expected exactly one connection object, got %d", len(connFactory.connections))
	}
}

func TestConnectFailureReleasesEncoderAndDisposesSession(t *testing.T) {
	connFactory := &fakeConnectionFactory{connectErr: errors.New("network unreachable")}
	encFactory := &fakeEncoderFactory{}
	m := New(testConfig(), nil, connFactory, encFactory, nil, nil)

	res := m.Connect(context.Background(), "device-a")
	if res.Success {
		t.Fatal("expected connect failure")
	}
	if _, ok := m.Snapshot("device-a"); ok {
		t.Fatal("expected no session left in the map after a failed connect")
	}
	if len(encFactory.encoders) != 1 || !encFactory.encoders[0].released {
		t.Fatal("expected the encoder to be released after a failed connect")
	}
	if len(connFactory.connections) != 1 || !connFactory.connections[0].closed {
		t.Fatal("expected the failed connection to be disposed")
	}
}

func TestDisconnectRemovesSessionAndDestroysMonitor(t *testing.T) {
	display := newFakeDisplay(4)
	m := New(testConfig(), display, &fakeConnectionFactory{}, &fakeEncoderFactory{}, nil, nil)

	res := m.Connect(context.Background(), "device-a")
	if !res.Success {
		t.Fatalf("connect failed: %s", res.ErrorMessage)
	}
	if res.Snapshot.MonitorID == "" {
		t.Fatal("expected a monitor to be allocated")
	}
	if len(display.monitors) != 1 {
		t.Fatalf("expected one monitor allocated, got %d", len(display.monitors))
	}

	m.Disconnect("device-a")
	if _, ok := m.Snapshot("device-a"); ok {
		t.Fatal("expected device session to be removed after disconnect")
	}
	if len(display.monitors) != 0 {
		t.Fatal("expected monitor to be destroyed on disconnect")
	}
}

func TestDisconnectAllTearsDownEverySession(t *testing.T) {
	m := New(testConfig(), nil, &fakeConnectionFactory{}, &fakeEncoderFactory{}, nil, nil)
	m.Connect(context.Background(), "device-a")
	m.Connect(context.Background(), "device-b")

	m.DisconnectAll()
	if n := len(m.Snapshots()); n != 0 {
		t.Fatalf("expected no sessions left, got %d", n)
	}
}

func TestBuildLadderDedupesAndOrdersFromHighRefreshBase(t *testing.T) {
	base := iface.VideoProfile{Width: 3840, Height: 2160, RefreshRate: 120, BitrateBps: 12_000_000}
	degraded := iface.VideoProfile{Width: 1280, Height: 720, RefreshRate: 30, BitrateBps: 2_000_000}
	ladder := buildLadder(base, degraded)

	if ladder[0] != base {
		t.Fatalf("expected base profile first, got %+v", ladder[0])
	}
	seen := make(map[[3]int]bool)
	for _, p := range ladder {
		key := [3]int{p.Width, p.Height, p.RefreshRate}
		if seen[key] {
			t.Fatalf("duplicate ladder entry: %+v", p)
		}
		seen[key] = true
	}
	found1080p60 := false
	for _, p := range ladder {
		if p.Width == 1920 && p.Height == 1080 && p.RefreshRate == 60 {
			found1080p60 = true
		}
	}
	if !found1080p60 {
		t.Fatal("expected a 1920x1080@60 rung in the ladder")
	}
}

func TestScaleToFitPreservesAspectAndEvenPixels(t *testing.T) {
	p := iface.VideoProfile{Width: 3840, Height: 2160, RefreshRate: 60, BitrateBps: 10_000_000}
	scaled := scaleToFit(p, 1920, 1080)
	if scaled.Width != 1920 || scaled.Height != 1080 {
		t.Fatalf("expected exact half-scale 1920x1080, got %dx%d", scaled.Width, scaled.Height)
	}
	if scaled.Width%2 != 0 || scaled.Height%2 != 0 {
		t.Fatal("expected even pixel dimensions")
	}
	if scaled.BitrateBps > p.BitrateBps {
		t.Fatal("expected recomputed bitrate not to exceed the original")
	}
}

func TestScaleToFitNoopWhenAlreadyWithinBounds(t *testing.T) {
	p := iface.VideoProfile{Width: 1280, Height: 720, RefreshRate: 30, BitrateBps: 2_000_000}
	scaled := scaleToFit(p, 1920, 1080)
	if scaled != p {
		t.Fatalf("expected no-op scale, got %+v", scaled)
	}
}
