package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fenglingyubing/expandscreen-host/internal/wire"
)

// TestOrderedDeliveryPreservesSequence checks that for any legal stream
// of N messages, the receiver observes the same N payloads in the same
// order with the same sequence numbers.
func TestOrderedDeliveryPreservesSequence(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	sender := New(clientConn, WithCapacity(10))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender.StartWriter(ctx)

	type received struct {
		seq     uint32
		payload string
	}
	var mu sync.Mutex
	var got []received
	done := make(chan struct{})

	receiver := New(serverConn)
	receiver.StartReceiver(ctx, func(h wire.Header, payload []byte) {
		mu.Lock()
		got = append(got, received{seq: h.SequenceNumber, payload: string(payload)})
		n := len(got)
		mu.Unlock()
		if n == 5 {
			close(done)
		}
	})

	for i := 0; i < 5; i++ {
		sender.Send(wire.TypeHeartbeat, []byte{byte('a' + i)}, 0)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for 5 messages")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, r := range got {
		if r.seq != uint32(i) {
			t.Fatalf("message %d: seq = %d, want %d", i, r.seq, i)
		}
		if r.payload != string([]byte{byte('a' + i)}) {
			t.Fatalf("message %d: payload mismatch", i)
		}
	}
}

func TestSendQueueDropsOldestNonControl(t *testing.T) {
	// Use an unconnected pipe-backed sender with a tiny capacity and a
	// writer that never starts, so the queue fills and we can inspect
	// eviction behavior directly.
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	tr := New(clientConn, WithCapacity(3))
	tr.Send(wire.TypeVideoFrame, []byte("v1"), 0)
	tr.Send(wire.TypeVideoFrame, []byte("v2"), 0)
	tr.Send(wire.TypeHeartbeat, []byte("hb"), 0)
	// Queue now at capacity (3). Next non-control send should evict v1.
	tr.Send(wire.TypeVideoFrame, []byte("v3"), 0)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.queue) != 3 {
		t.Fatalf("queue length = %d, want 3", len(tr.queue))
	}
	if string(tr.queue[0].payload) != "v2" {
		t.Fatalf("expected oldest non-control (v1) to be evicted, queue[0]=%q", tr.queue[0].payload)
	}
	if tr.counters.droppedCount.Load() != 1 {
		t.Fatalf("dropped count = %d, want 1", tr.counters.droppedCount.Load())
	}
}

func TestSendQueueNeverDropsControl(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	tr := New(clientConn, WithCapacity(2))
	tr.Send(wire.TypeHeartbeat, []byte("hb1"), 0)
	tr.Send(wire.TypeHeartbeat, []byte("hb2"), 0)
	tr.Send(wire.TypeHeartbeat, []byte("hb3"), 0)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.queue) != 3 {
		t.Fatalf("expected queue to grow past capacity for all-control backlog, got %d", len(tr.queue))
	}
	if tr.counters.droppedCount.Load() != 0 {
		t.Fatalf("expected no drops for control-only backlog, got %d", tr.counters.droppedCount.Load())
	}
}

func TestReceiverSurfacesSequenceGaps(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	receiver := New(serverConn)
	gotCh := make(chan struct{}, 10)
	receiver.StartReceiver(ctx, func(h wire.Header, payload []byte) { gotCh <- struct{}{} })

	go func() {
		msg0, _ := wire.BuildMessage(wire.TypeHeartbeat, nil, 0, 1)
		msg2, _ := wire.BuildMessage(wire.TypeHeartbeat, nil, 2, 1)
		clientConn.Write(msg0)
		clientConn.Write(msg2)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-gotCh:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
	if g := receiver.Stats().RecvSeqGaps; g != 1 {
		t.Fatalf("recv seq gaps = %d, want 1", g)
	}
}

func TestCloseFlushesWriterLoop(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := New(clientConn, WithCloseDeadline(200*time.Millisecond))
	tr.StartWriter(ctx)

	readDone := make(chan struct{})
	go func() {
		buf := make([]byte, wire.HeaderLen)
		serverConn.Read(buf)
		close(readDone)
	}()

	tr.Send(wire.TypeHeartbeat, nil, 1)
	select {
	case <-readDone:
	case <-time.After(time.Second):
		t.Fatal("did not observe flushed message before close")
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
