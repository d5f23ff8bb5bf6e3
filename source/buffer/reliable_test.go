package buffer

import (
	"errors"
	"testing"
	"time"

	"github.com/udpmux/reliudp/source/protocol"
)

func TestReliableBufferInsertDuplicate(t *testing.T) {
	b := NewReliableBuffer()
	if err := b.Insert(BufferedFrame{Seqnum: 10}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := b.Insert(BufferedFrame{Seqnum: 10}); !errors.Is(err, protocol.ErrAlreadyExists) {
		t.Fatalf("duplicate insert err = %v, want ErrAlreadyExists", err)
	}
	if b.Size() != 1 {
		t.Errorf("Size() = %d, want 1 (duplicate insert must not mutate)", b.Size())
	}
}

func TestReliableBufferPopNotFound(t *testing.T) {
	b := NewReliableBuffer()
	if _, err := b.Pop(5); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestReliableBufferModularOrder(t *testing.T) {
	b := NewReliableBuffer()
	for _, seq := range []protocol.SeqNum{65534, 65535, 0, 1, 2} {
		if err := b.Insert(BufferedFrame{Seqnum: seq}); err != nil {
			t.Fatalf("Insert(%d): %v", seq, err)
		}
	}

	want := []protocol.SeqNum{65534, 65535, 0, 1, 2}
	for _, seq := range want {
		first, _ := b.FirstSeqnum()
		if first != seq {
			t.Fatalf("FirstSeqnum() = %d, want %d", first, seq)
		}
		if _, err := b.PopFirst(); err != nil {
			t.Fatalf("PopFirst: %v", err)
		}
	}
	if !b.IsEmpty() {
		t.Error("buffer should be empty after draining in order")
	}
}

func TestReliableBufferTimers(t *testing.T) {
	b := NewReliableBuffer()
	b.Insert(BufferedFrame{Seqnum: 1})
	b.Insert(BufferedFrame{Seqnum: 2})

	b.IncrementTimers(100 * time.Millisecond)
	b.IncrementTimers(100 * time.Millisecond)

	timedOut := b.CollectTimedOut(150 * time.Millisecond)
	if len(timedOut) != 2 {
		t.Fatalf("len(timedOut) = %d, want 2", len(timedOut))
	}

	b.ResetRetransmitTimers(150 * time.Millisecond)
	if len(b.CollectTimedOut(150*time.Millisecond)) != 0 {
		t.Error("retransmit timers should have been reset to zero")
	}

	if !b.AnyTotalTimeReached(150 * time.Millisecond) {
		t.Error("total time should still be accumulated even after retransmit reset")
	}
}

func TestReliableBufferAtMostWindowSizeInvariant(t *testing.T) {
	b := NewReliableBuffer()
	const window = 64
	for i := 0; i < window; i++ {
		if err := b.Insert(BufferedFrame{Seqnum: protocol.SeqNum(i)}); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if b.Size() > window {
		t.Errorf("Size() = %d, exceeds window %d", b.Size(), window)
	}
}
