package protocol

import (
	"encoding/binary"
	"fmt"
)

// BitStream is a cursor over a byte slice used to encode and decode wire
// frames. All multi-byte values are big-endian, per the wire format.
//
// Carried over from the teacher's RakNet BitStream, trimmed to the
// big-endian 16/32-bit helpers this protocol actually needs; the
// teacher's 24-bit little-endian helpers were SA-MP-specific and have
// no counterpart here.
type BitStream struct {
	data   []byte
	offset int
}

// NewBitStream wraps an existing byte slice for reading.
func NewBitStream(data []byte) *BitStream {
	return &BitStream{data: data}
}

// NewEmptyBitStream starts an empty stream for writing.
func NewEmptyBitStream() *BitStream {
	return &BitStream{data: make([]byte, 0, 16)}
}

func (bs *BitStream) ReadByte() (byte, error) {
	if bs.offset >= len(bs.data) {
		return 0, fmt.Errorf("%w: need 1 byte, have %d", ErrInvalidIncomingData, bs.Remaining())
	}
	b := bs.data[bs.offset]
	bs.offset++
	return b, nil
}

func (bs *BitStream) ReadBytes(n int) ([]byte, error) {
	if n < 0 || bs.offset+n > len(bs.data) {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrInvalidIncomingData, n, bs.Remaining())
	}
	result := bs.data[bs.offset : bs.offset+n]
	bs.offset += n
	return result, nil
}

func (bs *BitStream) ReadUint16() (uint16, error) {
	b, err := bs.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (bs *BitStream) ReadUint32() (uint32, error) {
	b, err := bs.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (bs *BitStream) WriteByte(b byte) {
	bs.data = append(bs.data, b)
}

func (bs *BitStream) WriteBytes(data []byte) {
	bs.data = append(bs.data, data...)
}

func (bs *BitStream) WriteUint16(v uint16) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	bs.data = append(bs.data, buf[:]...)
}

func (bs *BitStream) WriteUint32(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	bs.data = append(bs.data, buf[:]...)
}

// GetData returns the underlying buffer (the full written data, or the
// remaining unread bytes are available via Remaining/ReadBytes).
func (bs *BitStream) GetData() []byte {
	return bs.data
}

func (bs *BitStream) Remaining() int {
	return len(bs.data) - bs.offset
}
