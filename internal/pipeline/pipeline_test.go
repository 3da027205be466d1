package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fenglingyubing/expandscreen-host/internal/iface"
)

type fakeCapture struct {
	mu      sync.Mutex
	frames  []iface.RawFrame
	idx     int
	done    chan struct{}
	doneSet bool
}

func newFakeCapture(n int) *fakeCapture {
	frames := make([]iface.RawFrame, n)
	for i := range frames {
		frames[i] = iface.RawFrame{Width: 100, Height: 100, CaptureTimestampMs: int64(i)}
	}
	return &fakeCapture{frames: frames, done: make(chan struct{})}
}

func (f *fakeCapture) NextFrame(ctx context.Context) (iface.RawFrame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.frames) {
		if !f.doneSet {
			f.doneSet = true
			close(f.done)
		}
		<-ctx.Done()
		return iface.RawFrame{}, ctx.Err()
	}
	fr := f.frames[f.idx]
	f.idx++
	return fr, nil
}

type fakeEncoder struct {
	mu               sync.Mutex
	keyFrameRequests int
	released         bool
}

func (e *fakeEncoder) Initialize(w, h, fps int, bitrate int64) error { return nil }
func (e *fakeEncoder) Encode(frame iface.RawFrame) (iface.EncodedUnit, error) {
	e.mu.Lock()
	kf := e.keyFrameRequests > 0
	if kf {
		e.keyFrameRequests--
	}
	e.mu.Unlock()
	return iface.EncodedUnit{Data: []byte{byte(frame.CaptureTimestampMs)}, IsKeyFrame: kf}, nil
}
func (e *fakeEncoder) RequestKeyFrame() {
	e.mu.Lock()
	e.keyFrameRequests++
	e.mu.Unlock()
}
func (e *fakeEncoder) SetBitrate(bps int64) {}
func (e *fakeEncoder) Release() {
	e.mu.Lock()
	e.released = true
	e.mu.Unlock()
}

type fakeSink struct {
	mu    sync.Mutex
	units []iface.EncodedUnit
	ts    []int64
}

func (s *fakeSink) SendVideoFrame(unit iface.EncodedUnit, captureTimestampMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units = append(s.units, unit)
	s.ts = append(s.ts, captureTimestampMs)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.units)
}

func TestPipelineDeliversEncodedFramesInOrder(t *testing.T) {
	capture := newFakeCapture(5)
	encoder := &fakeEncoder{}
	sink := &fakeSink{}
	p := New(capture, encoder, sink)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	select {
	case <-capture.done:
	case <-time.After(2 * time.Second):
		t.Fatal("capture never drained")
	}
	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	p.Stop()

	if sink.count() != 5 {
		t.Fatalf("expected 5 delivered frames, got %d", sink.count())
	}
	for i, ts := range sink.ts {
		if ts != int64(i) {
			t.Fatalf("frame %d: expected timestamp %d, got %d (order not preserved)", i, i, ts)
		}
	}
	if !encoder.released {
		t.Fatal("expected encoder to be released on Stop")
	}
}

func TestPipelineFirstFrameIsKeyFrame(t *testing.T) {
	capture := newFakeCapture(1)
	encoder := &fakeEncoder{}
	sink := &fakeSink{}
	p := New(capture, encoder, sink)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	defer func() {
		cancel()
		p.Stop()
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatal("expected one delivered frame")
	}
	if !sink.units[0].IsKeyFrame {
		t.Fatal("expected first frame to be a key frame")
	}
}

func TestKeyFramePolicyProfileSwitch(t *testing.T) {
	kf := NewKeyFramePolicy()
	if !kf.ConsumePending() {
		t.Fatal("expected initial pending key frame")
	}
	if kf.ConsumePending() {
		t.Fatal("expected flag cleared after consume")
	}
	kf.RequestOnProfileSwitch()
	if !kf.ConsumePending() {
		t.Fatal("expected pending key frame after profile switch")
	}
}

func TestCaptureQueueDropsOldestOnOverflow(t *testing.T) {
	capture := newFakeCapture(0)
	encoder := &fakeEncoder{}
	sink := &fakeSink{}
	p := New(capture, encoder, sink)

	// Feed frames directly via enqueue to exercise the drop-oldest path
	// without racing the encode/send goroutine.
	p.mu.Lock()
	p.closed = false
	p.mu.Unlock()
	for i := 0; i < 5; i++ {
		p.enqueue(iface.RawFrame{CaptureTimestampMs: int64(i)})
	}
	p.mu.Lock()
	n := len(p.queue)
	first := p.queue[0].frame.CaptureTimestampMs
	p.mu.Unlock()
	if n != captureQueueCapacity {
		t.Fatalf("expected queue capped at %d, got %d", captureQueueCapacity, n)
	}
	if first != 3 {
		t.Fatalf("expected oldest frames dropped, first remaining ts=%d", first)
	}
}
