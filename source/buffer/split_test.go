package buffer

import (
	"bytes"
	"testing"
	"time"

	"github.com/udpmux/reliudp/source/protocol"
)

func TestSplitBufferReassembleInOrder(t *testing.T) {
	sb := NewSplitBuffer()
	frames, _ := protocol.Fragment([]byte("hello world"), 1, 4)

	var result []byte
	var done bool
	for _, f := range frames {
		result, done = sb.Insert(f, true)
	}
	if !done {
		t.Fatal("expected completion on last chunk")
	}
	if !bytes.Equal(result, []byte("hello world")) {
		t.Errorf("result = %q, want %q", result, "hello world")
	}
}

func TestSplitBufferReassembleAnyOrder(t *testing.T) {
	sb := NewSplitBuffer()
	payload := bytes.Repeat([]byte{0x01, 0x02, 0x03}, 200)
	frames, _ := protocol.Fragment(payload, 2, 64)

	// Shuffle: reverse order.
	for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
		frames[i], frames[j] = frames[j], frames[i]
	}

	var result []byte
	var done bool
	for _, f := range frames {
		result, done = sb.Insert(f, false)
	}
	if !done {
		t.Fatal("expected completion after all chunks inserted")
	}
	if !bytes.Equal(result, payload) {
		t.Error("reassembled payload does not match original despite reverse order delivery")
	}
}

func TestSplitBufferDuplicateChunksIgnored(t *testing.T) {
	sb := NewSplitBuffer()
	frames, _ := protocol.Fragment([]byte("abcdefgh"), 3, 4)

	sb.Insert(frames[0], true)
	sb.Insert(frames[0], true) // duplicate
	result, done := sb.Insert(frames[1], true)

	if !done {
		t.Fatal("expected completion")
	}
	if !bytes.Equal(result, []byte("abcdefgh")) {
		t.Errorf("result = %q, want %q", result, "abcdefgh")
	}
}

func TestSplitBufferChunkCountOne(t *testing.T) {
	sb := NewSplitBuffer()
	frames, _ := protocol.Fragment([]byte("x"), 5, 100)
	if len(frames) != 1 {
		t.Fatalf("len(frames) = %d, want 1", len(frames))
	}

	result, done := sb.Insert(frames[0], true)
	if !done || !bytes.Equal(result, []byte("x")) {
		t.Fatalf("result = %q done=%v, want %q true", result, done, "x")
	}
}

func TestSplitBufferAgesOutUnreliableOnly(t *testing.T) {
	sb := NewSplitBuffer()
	frames, _ := protocol.Fragment([]byte("0123456789"), 1, 4)

	sb.Insert(frames[0], false) // unreliable, incomplete group
	if sb.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", sb.Size())
	}

	sb.AgeUnreliable(30*time.Second, 30*time.Second)
	if sb.Size() != 0 {
		t.Error("unreliable entry should have aged out")
	}
}

func TestSplitBufferReliableNeverAgesOut(t *testing.T) {
	sb := NewSplitBuffer()
	frames, _ := protocol.Fragment([]byte("0123456789"), 1, 4)

	sb.Insert(frames[0], true) // reliable, incomplete group
	sb.AgeUnreliable(time.Hour, time.Second)
	if sb.Size() != 1 {
		t.Error("reliable entry must never be evicted by age")
	}
}
