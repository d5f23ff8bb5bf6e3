// Package channel implements the per-peer, per-channel state machine:
// sequence-number bookkeeping, the reliable/split buffers, the
// command and ready-reliable queues, and the congestion-window
// heuristic driven by observed loss.
package channel

import (
	"sync"
	"time"

	"github.com/udpmux/reliudp/source/buffer"
	"github.com/udpmux/reliudp/source/protocol"
)

const (
	MinWindowSize = 64
	MaxWindowSize = 1024

	congestionSampleInterval  = 5 * time.Second
	throughputSampleInterval  = 60 * time.Second
)

// PendingSend is a not-yet-fragmented reliable send command, queued
// when a channel's window is full. Sequence numbers are a finite
// resource; fragmenting eagerly would reserve them and then stall the
// window, so the raw payload is kept instead.
type PendingSend struct {
	Payload []byte
}

// Channel is one of the three independent priority channels (0, 1, 2)
// between the local connection and a single remote peer.
type Channel struct {
	Number uint8

	mu                      sync.Mutex
	nextOutgoingSeqnum      protocol.SeqNum
	nextIncomingSeqnum      protocol.SeqNum
	nextOutgoingSplitSeqnum protocol.SeqNum

	ready    []buffer.BufferedFrame
	commands []PendingSend

	windowSize      int
	lossSinceSample int
	bytesSinceSample int64
	maxBytesPerMinute int64
	sampleTimer     time.Duration
	throughputTimer time.Duration

	OutgoingUnacked    *buffer.ReliableBuffer
	IncomingOutOfOrder *buffer.ReliableBuffer
	Splits             *buffer.SplitBuffer
}

// New creates a channel with sequence numbers starting near the wrap
// point (spec.md data model), so wrap-around bugs surface immediately
// instead of staying latent for the first ~65500 packets of every run.
// The window starts at MaxWindowSize, matching the original's
// window_size = MAX_RELIABLE_WINDOW_SIZE: a fresh channel assumes a
// clean link and only backs off once loss is actually observed.
func New(number uint8) *Channel {
	return &Channel{
		Number:             number,
		nextOutgoingSeqnum: protocol.InitialSeqNum,
		nextIncomingSeqnum: protocol.InitialSeqNum,
		windowSize:         MaxWindowSize,
		OutgoingUnacked:    buffer.NewReliableBuffer(),
		IncomingOutOfOrder: buffer.NewReliableBuffer(),
		Splits:             buffer.NewSplitBuffer(),
	}
}

// NextSequenceNumber returns the next outgoing sequence number, first
// advancing past any value still present in the outgoing-unacked
// buffer so that it never collides with a packet already in flight.
func (c *Channel) NextSequenceNumber() protocol.SeqNum {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.nextOutgoingSeqnum
	for c.OutgoingUnacked.Contains(seq) {
		seq++
	}
	c.nextOutgoingSeqnum = seq + 1
	return seq
}

// NextOutgoingSplitSeqnum draws a fresh split sequence number. It is
// tracked separately from NextSequenceNumber: mixing the two counters
// is a common re-implementation bug.
func (c *Channel) NextOutgoingSplitSeqnum() protocol.SeqNum {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.nextOutgoingSplitSeqnum
	c.nextOutgoingSplitSeqnum++
	return s
}

func (c *Channel) NextIncomingSeqnum() protocol.SeqNum {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextIncomingSeqnum
}

func (c *Channel) AdvanceIncomingSeqnum() protocol.SeqNum {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextIncomingSeqnum++
	return c.nextIncomingSeqnum
}

// WindowSize returns the current congestion window, always in
// [MinWindowSize, MaxWindowSize].
func (c *Channel) WindowSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.windowSize
}

// InFlightCount is the number of reliable frames either staged in the
// ready queue or already in the unacked buffer — the quantity that
// must stay below WindowSize before a reliable send can fragment
// immediately instead of being queued as a command.
func (c *Channel) InFlightCount() int {
	c.mu.Lock()
	readyLen := len(c.ready)
	c.mu.Unlock()
	return readyLen + c.OutgoingUnacked.Size()
}

// HasWindowSpace reports whether a new reliable frame may be staged
// immediately instead of being deferred as a pending command.
func (c *Channel) HasWindowSpace() bool {
	return c.InFlightCount() < c.WindowSize()
}

// PushReady stages a fully wire-encoded reliable frame for the sender
// pass to pick up.
func (c *Channel) PushReady(f buffer.BufferedFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = append(c.ready, f)
}

// PopReady removes and returns the oldest staged ready frame.
func (c *Channel) PopReady() (buffer.BufferedFrame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ready) == 0 {
		return buffer.BufferedFrame{}, false
	}
	f := c.ready[0]
	c.ready = c.ready[1:]
	return f, true
}

// EnqueueCommand appends a not-yet-fragmented reliable send to the
// unbounded command queue.
func (c *Channel) EnqueueCommand(cmd PendingSend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, cmd)
}

// PopCommand removes and returns the oldest pending command.
func (c *Channel) PopCommand() (PendingSend, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.commands) == 0 {
		return PendingSend{}, false
	}
	cmd := c.commands[0]
	c.commands = c.commands[1:]
	return cmd, true
}

// AddLoss accounts n retransmitted frames toward the 5-second loss
// sample that drives the congestion-window adjustment.
func (c *Channel) AddLoss(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lossSinceSample += n
}

// AddBytes credits the 60-second throughput sample used for the
// observability-only max-bytes-per-minute estimate.
func (c *Channel) AddBytes(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytesSinceSample += n
}

// MaxBytesPerMinute reports the high-water throughput estimate.
func (c *Channel) MaxBytesPerMinute() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxBytesPerMinute
}

// LossSinceSample reports the retransmit count accumulated toward the
// current 5-second congestion-window sample.
func (c *Channel) LossSinceSample() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lossSinceSample
}

// Tick advances the channel's 5-second congestion-window sample and
// 60-second throughput sample by dt. Call once per sender-loop
// iteration.
func (c *Channel) Tick(dt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sampleTimer += dt
	if c.sampleTimer >= congestionSampleInterval {
		c.sampleTimer = 0
		c.windowSize = adjustWindow(c.windowSize, c.lossSinceSample)
		c.lossSinceSample = 0
	}

	c.throughputTimer += dt
	if c.throughputTimer >= throughputSampleInterval {
		c.throughputTimer = 0
		bytesPerMinute := c.bytesSinceSample
		if bytesPerMinute > c.maxBytesPerMinute {
			c.maxBytesPerMinute = bytesPerMinute
		}
		c.bytesSinceSample = 0
	}
}

// adjustWindow applies the loss-driven congestion heuristic. The gap
// between 10 and 20 inclusive is deliberately left unhandled: the
// original implementation has no action for that range, and a
// reimplementation preserves the gap rather than redesigning the
// heuristic.
func adjustWindow(window, loss int) int {
	switch {
	case loss == 0:
		window += 10
	case loss >= 1 && loss <= 9:
		window += 2
	case loss >= 21 && loss <= 50:
		window -= 2
	case loss > 50:
		window -= 10
	}
	if window > MaxWindowSize {
		window = MaxWindowSize
	}
	if window < MinWindowSize {
		window = MinWindowSize
	}
	return window
}
