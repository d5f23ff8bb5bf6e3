package buffer

import (
	"sync"
	"time"

	"github.com/udpmux/reliudp/pkg/logger"
	"github.com/udpmux/reliudp/source/protocol"
)

// splitEntry accumulates the chunks of one split group until it is
// complete. Unreliable entries age out; reliable entries never time
// out here, since retransmission of their missing chunks is the
// reliable layer's job, not the reassembly buffer's.
type splitEntry struct {
	chunkCount uint16
	reliable   bool
	age        time.Duration
	chunks     map[uint16][]byte
}

func (e *splitEntry) complete() bool {
	return len(e.chunks) == int(e.chunkCount)
}

func (e *splitEntry) reassemble() []byte {
	var out []byte
	for i := uint16(0); i < e.chunkCount; i++ {
		out = append(out, e.chunks[i]...)
	}
	return out
}

// SplitBuffer is the per-channel map from split sequence number to a
// chunk set, reconstructing oversized messages as their chunks arrive.
type SplitBuffer struct {
	mu      sync.Mutex
	entries map[protocol.SeqNum]*splitEntry
}

func NewSplitBuffer() *SplitBuffer {
	return &SplitBuffer{entries: make(map[protocol.SeqNum]*splitEntry)}
}

// Insert stores one chunk of frame. When the chunk it carries completes
// the group, it returns the reassembled payload and evicts the entry;
// otherwise it returns (nil, false). Duplicate chunk indices are
// silently ignored.
func (s *SplitBuffer) Insert(frame protocol.SplitFrame, reliable bool) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[frame.SplitSeqnum]
	if !ok {
		entry = &splitEntry{
			chunkCount: frame.ChunkCount,
			reliable:   reliable,
			chunks:     make(map[uint16][]byte),
		}
		s.entries[frame.SplitSeqnum] = entry
	} else if entry.chunkCount != frame.ChunkCount || entry.reliable != reliable {
		logger.Warn("split group %d: chunk advertises chunk_count=%d reliable=%v, keeping original chunk_count=%d reliable=%v",
			frame.SplitSeqnum, frame.ChunkCount, reliable, entry.chunkCount, entry.reliable)
	}

	if _, dup := entry.chunks[frame.ChunkNum]; !dup {
		entry.chunks[frame.ChunkNum] = frame.Chunk
	}

	if !entry.complete() {
		return nil, false
	}
	delete(s.entries, frame.SplitSeqnum)
	return entry.reassemble(), true
}

// AgeUnreliable adds dt to every entry's age and evicts unreliable
// entries whose age has reached timeout. Reliable entries are never
// evicted by time.
func (s *SplitBuffer) AgeUnreliable(dt, timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for seq, entry := range s.entries {
		entry.age += dt
		if entry.reliable {
			continue
		}
		if entry.age >= timeout {
			delete(s.entries, seq)
		}
	}
}

func (s *SplitBuffer) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
