package transport

import (
	"net"

	"github.com/udpmux/reliudp/source/buffer"
	ch "github.com/udpmux/reliudp/source/channel"
	"github.com/udpmux/reliudp/source/peer"
	"github.com/udpmux/reliudp/source/protocol"
)

// processFrame dispatches one decoded frame on channelNum for p,
// recursing through RELIABLE and SPLIT wrapping the same way the wire
// format nests them.
func (c *Connection) processFrame(p *peer.Peer, channelNum uint8, frame protocol.Frame, addr *net.UDPAddr) {
	channel := p.Channels[channelNum]

	switch f := frame.(type) {
	case protocol.ControlFrame:
		c.processControl(p, channelNum, f)

	case protocol.OriginalFrame:
		c.emit(Event{Type: EventDataReceived, PeerID: p.ID, Channel: channelNum, Data: f.Payload})

	case protocol.SplitFrame:
		if payload, done := channel.Splits.Insert(f, false); done {
			c.emit(Event{Type: EventDataReceived, PeerID: p.ID, Channel: channelNum, Data: payload})
		}

	case protocol.ReliableFrame:
		c.processReliable(p, channelNum, channel, f, addr)
	}
}

// processControl handles ACK, SET_PEER_ID, PING, and DISCO.
func (c *Connection) processControl(p *peer.Peer, channelNum uint8, f protocol.ControlFrame) {
	channel := p.Channels[channelNum]

	switch f.Control {
	case protocol.ControlACK:
		acked, err := channel.OutgoingUnacked.Pop(f.Seqnum)
		if err == nil {
			p.ReportRTT(acked.TotalTime)
		}

	case protocol.ControlSetPeerID:
		if !c.isServer {
			c.setOwnID(f.NewPeerID)
		}

	case protocol.ControlPing:
		// Keepalive only; Touch already happened in the receiver loop.

	case protocol.ControlDisco:
		c.removePeer(p.ID)
	}
}

// processReliable implements the ordered-delivery decision: deliver
// immediately and advance if this is the expected next sequence
// number, buffer if it is a future one, drop if it is old. An ACK is
// always sent back, including for duplicates, since the sender may
// simply not have seen an earlier ACK.
func (c *Connection) processReliable(p *peer.Peer, channelNum uint8, channel *ch.Channel, f protocol.ReliableFrame, addr *net.UDPAddr) {
	expected := channel.NextIncomingSeqnum()
	switch {
	case f.Seqnum == expected:
		// Deliver before acking: a SET_PEER_ID inside this very frame
		// updates our own id, and the ACK must go out under the id that
		// is current by the time it's sent, not the one that was
		// current when this frame arrived.
		c.deliverInner(p, channelNum, channel, f.Inner)
		channel.AdvanceIncomingSeqnum()
		c.sendControl(p, channelNum, protocol.ControlFrame{Control: protocol.ControlACK, Seqnum: f.Seqnum})
		c.drainOutOfOrder(p, channelNum, channel)

	case protocol.Higher(f.Seqnum, expected):
		c.sendControl(p, channelNum, protocol.ControlFrame{Control: protocol.ControlACK, Seqnum: f.Seqnum})
		if !channel.IncomingOutOfOrder.Contains(f.Seqnum) {
			encoded := protocol.EncodeDatagram(
				protocol.BaseHeader{ProtocolID: c.protocolID, SenderPeerID: uint16(c.ownID()), Channel: channelNum},
				f,
			)
			channel.IncomingOutOfOrder.Insert(buffer.BufferedFrame{Seqnum: f.Seqnum, Data: encoded, Addr: addr})
		}

	default:
		// f.Seqnum is not higher than expected: already delivered, but
		// still ack it, since the sender may not have seen the first one.
		c.sendControl(p, channelNum, protocol.ControlFrame{Control: protocol.ControlACK, Seqnum: f.Seqnum})
	}
}

// drainOutOfOrder delivers any buffered frames that have become the
// new expected sequence number after advancing past a gap.
func (c *Connection) drainOutOfOrder(p *peer.Peer, channelNum uint8, channel *ch.Channel) {
	for {
		expected := channel.NextIncomingSeqnum()
		if !channel.IncomingOutOfOrder.Contains(expected) {
			return
		}
		buffered, err := channel.IncomingOutOfOrder.Pop(expected)
		if err != nil {
			return
		}
		_, frame, err := protocol.DecodeDatagram(buffered.Data, c.protocolID, uint8(peer.NumChannels))
		if err != nil {
			return
		}
		reliable, ok := frame.(protocol.ReliableFrame)
		if !ok {
			return
		}
		c.deliverInner(p, channelNum, channel, reliable.Inner)
		channel.AdvanceIncomingSeqnum()
	}
}

// deliverInner hands a RELIABLE frame's payload to the application,
// reassembling first if it is itself a SPLIT chunk.
func (c *Connection) deliverInner(p *peer.Peer, channelNum uint8, channel *ch.Channel, inner protocol.Frame) {
	switch f := inner.(type) {
	case protocol.OriginalFrame:
		c.emit(Event{Type: EventDataReceived, PeerID: p.ID, Channel: channelNum, Data: f.Payload})
	case protocol.SplitFrame:
		if payload, done := channel.Splits.Insert(f, true); done {
			c.emit(Event{Type: EventDataReceived, PeerID: p.ID, Channel: channelNum, Data: payload})
		}
	case protocol.ControlFrame:
		c.processControl(p, channelNum, f)
	}
}
