package transport

import "sync/atomic"

// Stats is a point-in-time snapshot of a Transport's send/receive
// counters.
type Stats struct {
	SentCount          uint64
	ReceivedCount      uint64
	DroppedCount       uint64
	QueuedBytes        uint64
	LastQueueLatencyMs int64
	SendSeq            uint32
	RecvSeqGaps        uint64
}

// counters holds the atomically-updated fields backing Stats.
type counters struct {
	sentCount          atomic.Uint64
	receivedCount      atomic.Uint64
	droppedCount       atomic.Uint64
	queuedBytes        atomic.Int64
	lastQueueLatencyMs atomic.Int64
	sendSeq            atomic.Uint32
	recvSeq            atomic.Uint32
	recvSeqInit        atomic.Bool
	recvSeqGaps        atomic.Uint64
}

func (c *counters) snapshot() Stats {
	qb := c.queuedBytes.Load()
	if qb < 0 {
		qb = 0
	}
	return Stats{
		SentCount:          c.sentCount.Load(),
		ReceivedCount:      c.receivedCount.Load(),
		DroppedCount:       c.droppedCount.Load(),
		QueuedBytes:        uint64(qb),
		LastQueueLatencyMs: c.lastQueueLatencyMs.Load(),
		SendSeq:            c.sendSeq.Load(),
		RecvSeqGaps:        c.recvSeqGaps.Load(),
	}
}

// observeRecvSeq records an inbound sequence number and counts a gap event
// when it differs from the expected next value (a skip ahead, a repeat or
// a step back), reporting whether a gap was detected. Gaps are counted,
// never fatal.
func (c *counters) observeRecvSeq(seq uint32) bool {
	if !c.recvSeqInit.Load() {
		c.recvSeq.Store(seq)
		c.recvSeqInit.Store(true)
		return false
	}
	expected := c.recvSeq.Load() + 1
	gap := seq != expected
	if gap {
		c.recvSeqGaps.Add(1)
	}
	c.recvSeq.Store(seq)
	return gap
}
