package protocol

import "fmt"

// MaxSplitChunks bounds the number of chunks one split group may have;
// it exists so a corrupt or hostile chunk_count can't make a reassembly
// entry allocate an unbounded map.
const MaxSplitChunks = 4096

// Fragment splits payload into SPLIT frames sharing splitSeqnum, each
// chunk at most chunkSize bytes. chunk_count is filled in on every
// chunk only once the full set is known, per spec.
func Fragment(payload []byte, splitSeqnum SeqNum, chunkSize int) ([]SplitFrame, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("protocol: chunk size must be positive, got %d", chunkSize)
	}
	chunkCount := (len(payload) + chunkSize - 1) / chunkSize
	if chunkCount == 0 {
		chunkCount = 1
	}
	if chunkCount > MaxSplitChunks {
		return nil, fmt.Errorf("protocol: payload requires %d chunks, exceeds limit of %d", chunkCount, MaxSplitChunks)
	}
	frames := make([]SplitFrame, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		frames = append(frames, SplitFrame{
			SplitSeqnum: splitSeqnum,
			ChunkCount:  uint16(chunkCount),
			ChunkNum:    uint16(i),
			Chunk:       payload[start:end],
		})
	}
	return frames, nil
}

// AutoSplit returns a singleton ORIGINAL-wrapped frame when payload
// fits within chunkSize, otherwise fragments it into SPLIT frames,
// drawing a fresh split sequence number from nextSplitSeqnum only when
// splitting is actually needed.
func AutoSplit(payload []byte, chunkSize int, nextSplitSeqnum func() SeqNum) ([]Frame, error) {
	if len(payload) <= chunkSize {
		return []Frame{OriginalFrame{Payload: payload}}, nil
	}
	splitFrames, err := Fragment(payload, nextSplitSeqnum(), chunkSize)
	if err != nil {
		return nil, err
	}
	frames := make([]Frame, len(splitFrames))
	for i, sf := range splitFrames {
		frames[i] = sf
	}
	return frames, nil
}
