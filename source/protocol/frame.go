package protocol

import "fmt"

// FrameType is the one-byte tag of the four frame types the wire
// format carries after the base header. The type is a closed variant;
// Decode recognizes exactly these four and rejects anything else.
type FrameType byte

const (
	TypeControl  FrameType = 0
	TypeOriginal FrameType = 1
	TypeSplit    FrameType = 2
	TypeReliable FrameType = 3
)

// ControlType distinguishes the four zero-payload-or-small-payload
// control messages carried inside a TYPE_CONTROL frame.
type ControlType byte

const (
	ControlACK        ControlType = 0
	ControlSetPeerID  ControlType = 1
	ControlPing       ControlType = 2
	ControlDisco      ControlType = 3
)

// BaseHeaderSize is the fixed 7-byte header prepended to every
// datagram: protocol_id (u32), sender_peer_id (u16), channel (u8).
const BaseHeaderSize = 4 + 2 + 1

// BaseHeader is the per-datagram envelope. protocol_id is an
// application constant fixed at construction; datagrams whose
// protocol_id does not match are dropped silently by the receiver.
type BaseHeader struct {
	ProtocolID   uint32
	SenderPeerID uint16
	Channel      uint8
}

func (h BaseHeader) encode(bs *BitStream) {
	bs.WriteUint32(h.ProtocolID)
	bs.WriteUint16(h.SenderPeerID)
	bs.WriteByte(h.Channel)
}

func decodeBaseHeader(bs *BitStream) (BaseHeader, error) {
	var h BaseHeader
	protocolID, err := bs.ReadUint32()
	if err != nil {
		return h, err
	}
	senderPeerID, err := bs.ReadUint16()
	if err != nil {
		return h, err
	}
	channel, err := bs.ReadByte()
	if err != nil {
		return h, err
	}
	h.ProtocolID = protocolID
	h.SenderPeerID = senderPeerID
	h.Channel = channel
	return h, nil
}

// Frame is any of the four frame types. encodeBody writes only the
// type-specific header and payload; the base header and the
// TYPE/controltype tag bytes are written by the encoder that wraps it.
type Frame interface {
	Type() FrameType
	encodeBody(bs *BitStream)
}

// ControlFrame carries ACK, SET_PEER_ID, PING, or DISCO.
type ControlFrame struct {
	Control ControlType

	// Seqnum is valid only for ControlACK.
	Seqnum SeqNum

	// NewPeerID is valid only for ControlSetPeerID.
	NewPeerID uint16
}

func (ControlFrame) Type() FrameType { return TypeControl }

func (c ControlFrame) encodeBody(bs *BitStream) {
	bs.WriteByte(byte(c.Control))
	switch c.Control {
	case ControlACK:
		bs.WriteUint16(uint16(c.Seqnum))
	case ControlSetPeerID:
		bs.WriteUint16(c.NewPeerID)
	case ControlPing, ControlDisco:
		// no payload
	}
}

// OriginalFrame carries the caller's message unmodified.
type OriginalFrame struct {
	Payload []byte
}

func (OriginalFrame) Type() FrameType { return TypeOriginal }

func (o OriginalFrame) encodeBody(bs *BitStream) {
	bs.WriteBytes(o.Payload)
}

// SplitFrame is one chunk of a fragmented message.
type SplitFrame struct {
	SplitSeqnum SeqNum
	ChunkCount  uint16
	ChunkNum    uint16
	Chunk       []byte
}

func (SplitFrame) Type() FrameType { return TypeSplit }

func (s SplitFrame) encodeBody(bs *BitStream) {
	bs.WriteUint16(uint16(s.SplitSeqnum))
	bs.WriteUint16(s.ChunkCount)
	bs.WriteUint16(s.ChunkNum)
	bs.WriteBytes(s.Chunk)
}

// ReliableFrame wraps any other frame with a sequence number that must
// be acknowledged and retransmitted on timeout. Nesting a ReliableFrame
// inside another is malformed and rejected both on encode and decode.
type ReliableFrame struct {
	Seqnum SeqNum
	Inner  Frame
}

func (ReliableFrame) Type() FrameType { return TypeReliable }

func (r ReliableFrame) encodeBody(bs *BitStream) {
	bs.WriteUint16(uint16(r.Seqnum))
	encodeFrame(bs, r.Inner)
}

// WrapReliable wraps inner with a sequence number. Wrapping an already
// -reliable frame is a programming error in this codec: the caller
// always holds the un-reliable-wrapped frame before assigning a
// sequence number to it.
func WrapReliable(inner Frame, seqnum SeqNum) (ReliableFrame, error) {
	if inner.Type() == TypeReliable {
		return ReliableFrame{}, fmt.Errorf("%w: cannot nest RELIABLE inside RELIABLE", ErrInvalidIncomingData)
	}
	return ReliableFrame{Seqnum: seqnum, Inner: inner}, nil
}

func encodeFrame(bs *BitStream, f Frame) {
	bs.WriteByte(byte(f.Type()))
	f.encodeBody(bs)
}

// EncodeDatagram builds the full wire bytes of a base-headered
// datagram from a typed frame.
func EncodeDatagram(header BaseHeader, f Frame) []byte {
	bs := NewEmptyBitStream()
	header.encode(bs)
	encodeFrame(bs, f)
	return bs.GetData()
}

// DecodeDatagram strips and validates the base header, checks
// protocol_id and channel range, and decodes the frame it carries.
// A mismatched protocol_id or an out-of-range channel is reported as
// ErrInvalidIncomingData so the receiver can drop the datagram and
// continue without disturbing peer state.
func DecodeDatagram(data []byte, expectedProtocolID uint32, maxChannels uint8) (BaseHeader, Frame, error) {
	if len(data) < BaseHeaderSize {
		return BaseHeader{}, nil, fmt.Errorf("%w: datagram shorter than base header", ErrInvalidIncomingData)
	}
	bs := NewBitStream(data)
	header, err := decodeBaseHeader(bs)
	if err != nil {
		return BaseHeader{}, nil, err
	}
	if header.ProtocolID != expectedProtocolID {
		return BaseHeader{}, nil, fmt.Errorf("%w: protocol_id mismatch", ErrInvalidIncomingData)
	}
	if header.Channel >= maxChannels {
		return BaseHeader{}, nil, fmt.Errorf("%w: channel %d out of range", ErrInvalidIncomingData, header.Channel)
	}
	f, err := decodeFrame(bs, true)
	if err != nil {
		return BaseHeader{}, nil, err
	}
	return header, f, nil
}

// decodeFrame decodes one frame. allowReliable is false when recursing
// out of a RELIABLE wrapper: a second RELIABLE tag at that point is
// malformed.
func decodeFrame(bs *BitStream, allowReliable bool) (Frame, error) {
	tag, err := bs.ReadByte()
	if err != nil {
		return nil, err
	}
	switch FrameType(tag) {
	case TypeControl:
		return decodeControlFrame(bs)
	case TypeOriginal:
		return OriginalFrame{Payload: append([]byte(nil), bs.data[bs.offset:]...)}, nil
	case TypeSplit:
		return decodeSplitFrame(bs)
	case TypeReliable:
		if !allowReliable {
			return nil, fmt.Errorf("%w: nested RELIABLE frame", ErrInvalidIncomingData)
		}
		return decodeReliableFrame(bs)
	default:
		return nil, fmt.Errorf("%w: unknown frame type %d", ErrInvalidIncomingData, tag)
	}
}

func decodeControlFrame(bs *BitStream) (ControlFrame, error) {
	tag, err := bs.ReadByte()
	if err != nil {
		return ControlFrame{}, err
	}
	c := ControlFrame{Control: ControlType(tag)}
	switch c.Control {
	case ControlACK:
		seq, err := bs.ReadUint16()
		if err != nil {
			return ControlFrame{}, err
		}
		c.Seqnum = SeqNum(seq)
	case ControlSetPeerID:
		id, err := bs.ReadUint16()
		if err != nil {
			return ControlFrame{}, err
		}
		c.NewPeerID = id
	case ControlPing, ControlDisco:
		// no payload
	default:
		return ControlFrame{}, fmt.Errorf("%w: unknown control type %d", ErrInvalidIncomingData, tag)
	}
	return c, nil
}

func decodeSplitFrame(bs *BitStream) (SplitFrame, error) {
	splitSeqnum, err := bs.ReadUint16()
	if err != nil {
		return SplitFrame{}, err
	}
	chunkCount, err := bs.ReadUint16()
	if err != nil {
		return SplitFrame{}, err
	}
	chunkNum, err := bs.ReadUint16()
	if err != nil {
		return SplitFrame{}, err
	}
	if chunkCount > MaxSplitChunks {
		return SplitFrame{}, fmt.Errorf("%w: chunk_count %d exceeds limit of %d", ErrInvalidIncomingData, chunkCount, MaxSplitChunks)
	}
	chunk := append([]byte(nil), bs.data[bs.offset:]...)
	return SplitFrame{
		SplitSeqnum: SeqNum(splitSeqnum),
		ChunkCount:  chunkCount,
		ChunkNum:    chunkNum,
		Chunk:       chunk,
	}, nil
}

func decodeReliableFrame(bs *BitStream) (ReliableFrame, error) {
	seq, err := bs.ReadUint16()
	if err != nil {
		return ReliableFrame{}, err
	}
	inner, err := decodeFrame(bs, false)
	if err != nil {
		return ReliableFrame{}, err
	}
	return ReliableFrame{Seqnum: SeqNum(seq), Inner: inner}, nil
}
