// Package buffer holds the two buffered-frame collections a channel
// keeps per direction: the reliable packet buffer (outgoing-unacked and
// incoming-out-of-order instances) and the split reassembly buffer.
package buffer

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/udpmux/reliudp/source/protocol"
)

// BufferedFrame is the fully-framed datagram bytes plus the bookkeeping
// a reliable buffer needs: the peer address the frame travels to or
// came from, and two independent timers. RetransmitTimer drives
// retransmission; TotalTime drives peer-timeout detection.
type BufferedFrame struct {
	Seqnum         protocol.SeqNum
	Data           []byte
	Addr           *net.UDPAddr
	RetransmitTime time.Duration
	TotalTime      time.Duration
}

// ReliableBuffer is an ordered collection of buffered frames keyed by
// sequence number, modular-sorted ascending from the buffer's current
// base (its smallest entry). A channel keeps two instances: one for
// frames sent but not yet acknowledged, one for reliable frames that
// arrived out of order and are waiting for the gap to close.
//
// All operations are serialized by a single buffer-scope mutex, held
// only for the operation itself; snapshots returned to callers (from
// CollectTimedOut) are value copies so I/O can happen after the lock
// is released.
type ReliableBuffer struct {
	mu     sync.Mutex
	frames map[protocol.SeqNum]*BufferedFrame
	order  []protocol.SeqNum
}

func NewReliableBuffer() *ReliableBuffer {
	return &ReliableBuffer{frames: make(map[protocol.SeqNum]*BufferedFrame)}
}

// rank gives the forward modular distance of s from anchor. Used only
// to sort entries that are known to lie within one congestion window
// of each other (at most 1024 apart), so it never wraps ambiguously.
func rank(anchor, s protocol.SeqNum) uint16 {
	return uint16(s - anchor)
}

// Insert fails with ErrAlreadyExists when a frame with the same
// sequence number is already buffered; otherwise it is placed at its
// modular-sorted position.
func (b *ReliableBuffer) Insert(f BufferedFrame) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.frames[f.Seqnum]; exists {
		return protocol.ErrAlreadyExists
	}
	stored := f
	b.frames[f.Seqnum] = &stored

	if len(b.order) == 0 {
		b.order = append(b.order, f.Seqnum)
		return nil
	}
	anchor := b.order[0]
	if protocol.Higher(anchor, f.Seqnum) {
		// f lies modularly before the current base: it becomes the new
		// smallest entry.
		b.order = append([]protocol.SeqNum{f.Seqnum}, b.order...)
		return nil
	}
	r := rank(anchor, f.Seqnum)
	idx := sort.Search(len(b.order), func(i int) bool {
		return rank(anchor, b.order[i]) >= r
	})
	b.order = append(b.order, 0)
	copy(b.order[idx+1:], b.order[idx:])
	b.order[idx] = f.Seqnum

	return nil
}

func (b *ReliableBuffer) removeFromOrderLocked(seq protocol.SeqNum) {
	for i, s := range b.order {
		if s == seq {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}

// Pop removes and returns the frame with the given sequence number.
func (b *ReliableBuffer) Pop(seq protocol.SeqNum) (BufferedFrame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, ok := b.frames[seq]
	if !ok {
		return BufferedFrame{}, protocol.ErrNotFound
	}
	delete(b.frames, seq)
	b.removeFromOrderLocked(seq)
	return *f, nil
}

// PopFirst removes and returns the modular-smallest buffered frame.
func (b *ReliableBuffer) PopFirst() (BufferedFrame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.order) == 0 {
		return BufferedFrame{}, protocol.ErrNotFound
	}
	seq := b.order[0]
	f := b.frames[seq]
	delete(b.frames, seq)
	b.order = b.order[1:]
	return *f, nil
}

// FirstSeqnum reports the modular-smallest buffered sequence number.
func (b *ReliableBuffer) FirstSeqnum() (protocol.SeqNum, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.order) == 0 {
		return 0, false
	}
	return b.order[0], true
}

func (b *ReliableBuffer) Contains(seq protocol.SeqNum) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.frames[seq]
	return ok
}

func (b *ReliableBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.frames)
}

func (b *ReliableBuffer) IsEmpty() bool {
	return b.Size() == 0
}

// IncrementTimers adds dt to every buffered frame's two timers.
func (b *ReliableBuffer) IncrementTimers(dt time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, f := range b.frames {
		f.RetransmitTime += dt
		f.TotalTime += dt
	}
}

// ResetRetransmitTimers zeroes the retransmit timer of any frame whose
// timer has reached threshold. Called once those frames have been
// collected for retransmission.
func (b *ReliableBuffer) ResetRetransmitTimers(threshold time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, f := range b.frames {
		if f.RetransmitTime >= threshold {
			f.RetransmitTime = 0
		}
	}
}

// AnyTotalTimeReached reports whether any buffered frame has been held
// longer than threshold since it was first buffered.
func (b *ReliableBuffer) AnyTotalTimeReached(threshold time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, f := range b.frames {
		if f.TotalTime >= threshold {
			return true
		}
	}
	return false
}

// CollectTimedOut returns value copies of every frame whose retransmit
// timer has reached threshold, so the caller can retransmit them after
// releasing the buffer lock.
func (b *ReliableBuffer) CollectTimedOut(threshold time.Duration) []BufferedFrame {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []BufferedFrame
	for _, f := range b.frames {
		if f.RetransmitTime >= threshold {
			out = append(out, *f)
		}
	}
	return out
}
