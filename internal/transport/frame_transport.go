// Package transport implements the frame transport layer:
// on top of an arbitrary bidirectional byte stream it produces/consumes
// framed wire.Header+payload messages with send-queue backpressure,
// per-direction sequence numbers, and flow statistics — a standalone,
// reusable primitive the Session layer builds on.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fenglingyubing/expandscreen-host/internal/logging"
	"github.com/fenglingyubing/expandscreen-host/internal/metrics"
	"github.com/fenglingyubing/expandscreen-host/internal/wire"
)

const (
	// DefaultCapacity is the default bounded send-queue depth.
	DefaultCapacity = 1000
	// DefaultCloseDeadline bounds how long Close waits to flush pending sends.
	DefaultCloseDeadline = 500 * time.Millisecond
	// queueLatencyWarnMs is the dequeue-enqueue latency above which a
	// warning is logged.
	queueLatencyWarnMs = 100
)

// MessageHandler receives one fully-decoded inbound message. It is invoked
// synchronously from the reader loop; handlers that do real work should
// hand off to another goroutine/channel rather than block here.
type MessageHandler func(header wire.Header, payload []byte)

// queueItem is a not-yet-sequenced outbound message awaiting the writer.
type queueItem struct {
	msgType     wire.MessageType
	payload     []byte
	timestampMs uint64
	enqueuedAt  time.Time
}

// Transport frames messages over a byte stream in both directions.
type Transport struct {
	conn          io.ReadWriteCloser
	logger        *slog.Logger
	capacity      int
	closeDeadline time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []queueItem
	closed  bool
	onClose func(error)

	counters counters

	writerStopped chan struct{}
	readerStopped chan struct{}
}

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithCapacity overrides the default send-queue capacity.
func WithCapacity(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.capacity = n
		}
	}
}

// WithCloseDeadline overrides how long Close waits for pending sends to flush.
func WithCloseDeadline(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.closeDeadline = d
		}
	}
}

// WithLogger overrides the default package logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// New wraps conn (a TCP/TLS byte stream) with a Transport. It does not
// start the reader or writer loops; call StartWriter/StartReceiver.
func New(conn io.ReadWriteCloser, opts ...Option) *Transport {
	t := &Transport{
		conn:          conn,
		logger:        logging.L(),
		capacity:      DefaultCapacity,
		closeDeadline: DefaultCloseDeadline,
		writerStopped: make(chan struct{}),
		readerStopped: make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	for _, o := range opts {
		o(t)
	}
	return t
}

// Send enqueues a message for asynchronous transmission. It never blocks
// the caller. When the queue is at capacity, the oldest non-control entry
// is dropped to preserve freshness; control messages (Handshake*,
// Heartbeat*) are never dropped.
func (t *Transport) Send(msgType wire.MessageType, payload []byte, timestampOverrideMs uint64) {
	item := queueItem{msgType: msgType, payload: payload, timestampMs: timestampOverrideMs, enqueuedAt: time.Now()}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if len(t.queue) >= t.capacity {
		t.evictOldestNonControlLocked()
	}
	t.queue = append(t.queue, item)
	t.counters.queuedBytes.Add(int64(len(payload)))
	t.mu.Unlock()
	t.cond.Signal()
}

// evictOldestNonControlLocked drops the oldest non-control queue entry, if
// any, incrementing DroppedCount. Must be called with t.mu held.
func (t *Transport) evictOldestNonControlLocked() {
	for i, it := range t.queue {
		if it.msgType.IsControl() {
			continue
		}
		t.queue = append(t.queue[:i], t.queue[i+1:]...)
		t.counters.droppedCount.Add(1)
		t.counters.queuedBytes.Add(-int64(len(it.payload)))
		metrics.IncDropped()
		return
	}
	// All entries are control messages; growing past capacity is the
	// documented edge case rather than violating the "never drop control"
	// invariant.
}

// StartWriter launches the writer goroutine that drains the send queue,
// assigns sequence numbers at dequeue time, and writes framed messages to
// the stream. It returns immediately; the goroutine runs until Close.
func (t *Transport) StartWriter(ctx context.Context) {
	go t.writerLoop(ctx)
}

func (t *Transport) writerLoop(ctx context.Context) {
	defer close(t.writerStopped)
	for {
		t.mu.Lock()
		for len(t.queue) == 0 && !t.closed {
			t.cond.Wait()
		}
		if len(t.queue) == 0 && t.closed {
			t.mu.Unlock()
			return
		}
		item := t.queue[0]
		t.queue = t.queue[1:]
		t.counters.queuedBytes.Add(-int64(len(item.payload)))
		t.mu.Unlock()

		latency := time.Since(item.enqueuedAt)
		latMs := latency.Milliseconds()
		t.counters.lastQueueLatencyMs.Store(latMs)
		if latMs > queueLatencyWarnMs {
			t.logger.Warn("transport_queue_latency_high", "latency_ms", latMs, "type", item.msgType.String())
		}

		seq := t.counters.sendSeq.Add(1) - 1
		msg, err := wire.BuildMessage(item.msgType, item.payload, seq, item.timestampMs)
		if err != nil {
			t.logger.Error("transport_build_message_error", "error", err)
			continue
		}
		if _, err := t.conn.Write(msg); err != nil {
			t.logger.Warn("transport_write_error", "error", err)
			select {
			case <-ctx.Done():
			default:
			}
			return
		}
		t.counters.sentCount.Add(1)
		metrics.IncTxMessage()
	}
}

// OnClose registers fn to be invoked (at most once) when the receiver
// loop stops because the stream closed or a fatal read error occurred.
// An explicit Close() while the receiver is running also fires it, since
// closing the stream ends the pending read.
func (t *Transport) OnClose(fn func(error)) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}

// StartReceiver launches the reader goroutine that reads framed messages
// and invokes handler for each. It returns immediately.
func (t *Transport) StartReceiver(ctx context.Context, handler MessageHandler) {
	go t.readerLoop(ctx, handler)
}

func (t *Transport) readerLoop(ctx context.Context, handler MessageHandler) {
	defer close(t.readerStopped)
	hdrBuf := make([]byte, wire.HeaderLen)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := io.ReadFull(t.conn, hdrBuf); err != nil {
			t.handleReadError(err)
			return
		}
		h, err := wire.DecodeHeader(hdrBuf)
		if err != nil {
			t.handleReadError(err)
			return
		}
		payload := make([]byte, h.PayloadLength)
		if h.PayloadLength > 0 {
			if _, err := io.ReadFull(t.conn, payload); err != nil {
				t.handleReadError(err)
				return
			}
		}
		t.counters.receivedCount.Add(1)
		if t.counters.observeRecvSeq(h.SequenceNumber) {
			metrics.IncSequenceGap()
		}
		metrics.IncRxMessage()
		handler(h, payload)
	}
}

func (t *Transport) handleReadError(err error) {
	var notifyErr error
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		t.logger.Debug("transport_connection_closed", "error", err)
		notifyErr = ErrConnectionClosed
	} else {
		notifyErr = fmt.Errorf("%w: %v", ErrFatalReceive, err)
		t.logger.Warn("transport_fatal_receive", "error", notifyErr)
	}

	t.mu.Lock()
	cb := t.onClose
	t.mu.Unlock()
	if cb != nil {
		cb(notifyErr)
	}
}

// Close stops both loops and flushes pending queue entries up to
// closeDeadline, then drops whatever remains and closes the underlying
// stream.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	t.cond.Broadcast()

	select {
	case <-t.writerStopped:
	case <-time.After(t.closeDeadline):
	}
	return t.conn.Close()
}

// Stats returns a snapshot of current transport statistics.
func (t *Transport) Stats() Stats {
	return t.counters.snapshot()
}
