// Package pipeline implements the capture→encode→send pipeline: a
// bounded single-producer/single-consumer queue between capture and
// encoder that drops the oldest frame on overflow, an encoder stage
// that stamps capture timestamps through to the wire, and a key-frame
// policy. The single-goroutine fan-in shape feeds a two-stage
// capture/encode chain into the frame transport.
package pipeline

import (
	"context"
	"sync"

	"github.com/fenglingyubing/expandscreen-host/internal/iface"
	"github.com/fenglingyubing/expandscreen-host/internal/logging"
)

// captureQueueCapacity is fixed at 2: when full, the oldest queued
// frame is dropped to preserve freshness.
const captureQueueCapacity = 2

// Sink is the downstream consumer of encoded units — typically a
// session's frame transport, decoupled here to keep this package free of
// a wire/transport dependency.
type Sink interface {
	SendVideoFrame(unit iface.EncodedUnit, captureTimestampMs int64) error
}

// Pipeline runs one capture goroutine and one encode/send goroutine per
// DeviceSession, connected by a capacity-2 drop-oldest queue.
type Pipeline struct {
	capture iface.CaptureSource
	encoder iface.Encoder
	sink    Sink
	kf      *KeyFramePolicy

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []frameEnvelope
	closed bool

	wg sync.WaitGroup
}

type frameEnvelope struct {
	frame iface.RawFrame
}

// New constructs a Pipeline. It does not start running until Start is
// called; the pipeline starts only after the session
// reaches Connected.
func New(capture iface.CaptureSource, encoder iface.Encoder, sink Sink) *Pipeline {
	p := &Pipeline{
		capture: capture,
		encoder: encoder,
		sink:    sink,
		kf:      NewKeyFramePolicy(),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the capture and encode/send goroutines; it returns
// immediately. Stop drains the queue and releases the encoder; ctx
// cancellation alone ends the capture loop but releases nothing.
func (p *Pipeline) Start(ctx context.Context) {
	p.kf.RequestOnNewSession()
	p.wg.Add(2)
	go p.captureLoop(ctx)
	go p.encodeSendLoop(ctx)
}

// Stop cancels both loops, drains the queue, and releases the encoder.
// Callers should also cancel the context passed to Start; Stop blocks
// until both goroutines have exited.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
	p.mu.Lock()
	p.queue = nil
	p.mu.Unlock()
	p.encoder.Release()
}

// NotifyProfileSwitch requests a key frame on the next encode: every
// profile switch must start with a key frame.
func (p *Pipeline) NotifyProfileSwitch() {
	p.kf.RequestOnProfileSwitch()
	p.encoder.RequestKeyFrame()
}

func (p *Pipeline) captureLoop(ctx context.Context) {
	defer p.wg.Done()
	log := logging.L().With("component", "pipeline.capture")
	for {
		frame, err := p.capture.NextFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("capture error", "error", err)
			continue
		}
		p.enqueue(frame)
	}
}

func (p *Pipeline) enqueue(frame iface.RawFrame) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if len(p.queue) >= captureQueueCapacity {
		// Drop the oldest frame to preserve freshness.
		p.queue = p.queue[1:]
	}
	p.queue = append(p.queue, frameEnvelope{frame: frame})
	p.mu.Unlock()
	p.cond.Signal()
}

// dequeue blocks until a frame is available or the pipeline is closed.
func (p *Pipeline) dequeue() (frameEnvelope, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return frameEnvelope{}, false
	}
	env := p.queue[0]
	p.queue = p.queue[1:]
	return env, true
}

func (p *Pipeline) encodeSendLoop(ctx context.Context) {
	defer p.wg.Done()
	log := logging.L().With("component", "pipeline.encode")
	for {
		env, ok := p.dequeue()
		if !ok {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		if p.kf.ConsumePending() {
			p.encoder.RequestKeyFrame()
		}
		unit, err := p.encoder.Encode(env.frame)
		if err != nil {
			log.Warn("encode error", "error", err)
			continue
		}
		if err := p.sink.SendVideoFrame(unit, env.frame.CaptureTimestampMs); err != nil {
			log.Warn("send encoded frame failed", "error", err)
		}
	}
}
