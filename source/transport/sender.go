package transport

import (
	"time"

	"github.com/udpmux/reliudp/pkg/logger"
	"github.com/udpmux/reliudp/source/buffer"
	ch "github.com/udpmux/reliudp/source/channel"
	"github.com/udpmux/reliudp/source/peer"
	"github.com/udpmux/reliudp/source/protocol"
)

// senderLoop drives, once per tickInterval, every peer's idle/ping
// timers, every channel's congestion sampling, retransmission of
// timed-out reliable frames, and fragmentation of newly queued sends.
// It also wakes early when Send enqueues work, so a single pending
// message isn't held back a full tick.
func (c *Connection) senderLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
		case <-c.wakeup:
		}

		now := time.Now()
		dt := now.Sub(last)
		last = now

		// Acquire a borrowed reference on every peer while still holding
		// the table lock, the same way resolvePeer does for the receiver
		// loop: a concurrent removePeerReason can only drop the table's
		// own reference under this same lock, so a peer found here is
		// guaranteed acquirable. Each is released once servicePeer (which
		// may itself remove the peer, e.g. on idle timeout) returns.
		c.mu.RLock()
		peers := make([]*peer.Peer, 0, len(c.peers))
		for _, p := range c.peers {
			if p.Acquire() {
				peers = append(peers, p)
			}
		}
		c.mu.RUnlock()

		for _, p := range peers {
			c.servicePeer(p, dt)
			p.Release()
		}
	}
}

func (c *Connection) servicePeer(p *peer.Peer, dt time.Duration) {
	p.RefreshCongestionParams(c.cfg.Congestion.AimRTT, c.cfg.Congestion.MinRate, c.cfg.Congestion.MaxRate)

	shouldPing, timedOut := p.Idle(dt)
	if timedOut {
		c.removePeerReason(p.ID, true)
		return
	}
	if shouldPing {
		c.sendControl(p, 0, protocol.ControlFrame{Control: protocol.ControlPing})
	}

	for i := range p.Channels {
		channel := p.Channels[i]
		channel.Splits.AgeUnreliable(dt, c.cfg.Timeouts.PeerIdle)
		channel.Tick(dt)
		if channel.OutgoingUnacked.AnyTotalTimeReached(c.cfg.Timeouts.PeerIdle) {
			c.removePeerReason(p.ID, true)
			return
		}
		c.retransmit(p, channel)
		c.drainCommands(p, channel)
	}
}

func (c *Connection) retransmit(p *peer.Peer, channel *ch.Channel) {
	channel.OutgoingUnacked.IncrementTimers(tickInterval)
	timeout := p.ResendTimeout()
	timedOut := channel.OutgoingUnacked.CollectTimedOut(timeout)
	if len(timedOut) == 0 {
		return
	}
	channel.AddLoss(len(timedOut))
	channel.OutgoingUnacked.ResetRetransmitTimers(timeout)

	for _, frame := range timedOut {
		c.writeDatagramUnpaced(p, frame.Data)
		p.ReportRTT(timeout)
	}
}

// drainCommands fragments queued reliable sends into ready frames as
// window space frees up, then flushes every staged ready frame.
func (c *Connection) drainCommands(p *peer.Peer, channel *ch.Channel) {
	for channel.HasWindowSpace() {
		cmd, ok := channel.PopCommand()
		if !ok {
			break
		}
		frames, err := protocol.AutoSplit(cmd.Payload, c.cfg.Protocol.ChunkSize, channel.NextOutgoingSplitSeqnum)
		if err != nil {
			logger.Warn("dropping oversized send to peer %d: %v", p.ID, err)
			continue
		}
		for _, f := range frames {
			seq := channel.NextSequenceNumber()
			reliable, err := protocol.WrapReliable(f, seq)
			if err != nil {
				logger.Warn("wrapping reliable frame for peer %d: %v", p.ID, err)
				continue
			}
			header := protocol.BaseHeader{ProtocolID: c.protocolID, SenderPeerID: uint16(c.ownID()), Channel: channel.Number}
			data := protocol.EncodeDatagram(header, reliable)
			channel.PushReady(buffer.BufferedFrame{Seqnum: seq, Data: data, Addr: p.Address})
		}
	}

	for {
		frame, ok := channel.PopReady()
		if !ok {
			return
		}
		if err := channel.OutgoingUnacked.Insert(frame); err != nil {
			// Sequence number already in flight (shouldn't happen given
			// NextSequenceNumber's collision skip); drop rather than stall.
			logger.Warn("peer %d channel %d: %v", p.ID, channel.Number, err)
			continue
		}
		channel.AddBytes(int64(len(frame.Data)))
		c.writeDatagramUnpaced(p, frame.Data)
	}
}

func (c *Connection) sendUnreliable(p *peer.Peer, channelNum uint8, data []byte) {
	channel := p.Channels[channelNum]
	frames, err := protocol.AutoSplit(data, c.cfg.Protocol.ChunkSize, channel.NextOutgoingSplitSeqnum)
	if err != nil {
		logger.Warn("dropping oversized unreliable send to peer %d: %v", p.ID, err)
		return
	}
	header := protocol.BaseHeader{ProtocolID: c.protocolID, SenderPeerID: uint16(c.ownID()), Channel: channelNum}
	for _, f := range frames {
		encoded := protocol.EncodeDatagram(header, f)
		channel.AddBytes(int64(len(encoded)))
		c.writeDatagram(p, encoded)
	}
}

// sendControl emits a control frame directly, outside the per-peer
// pacing accumulator for ACK (spec.md §4.6 steps 4-5: "ACKs are
// emitted directly, bypassing pacing" / "frames flagged as ACK bypass
// the accumulator"). PING and DISCO are ordinary unreliable traffic
// and stay subject to pacing like any other unreliable send.
func (c *Connection) sendControl(p *peer.Peer, channelNum uint8, cf protocol.ControlFrame) {
	header := protocol.BaseHeader{ProtocolID: c.protocolID, SenderPeerID: uint16(c.ownID()), Channel: channelNum}
	data := protocol.EncodeDatagram(header, cf)
	if cf.Control == protocol.ControlACK {
		c.writeDatagramUnpaced(p, data)
		return
	}
	c.writeDatagram(p, data)
}

// sendReliable wraps inner with a fresh sequence number, buffers it in
// the channel's outgoing-unacked set for retransmission, and writes it
// out immediately. Used for the handshake frames that must survive
// packet loss on their own, outside the regular command queue.
func (c *Connection) sendReliable(p *peer.Peer, channelNum uint8, inner protocol.Frame) {
	channel := p.Channels[channelNum]
	seq := channel.NextSequenceNumber()
	reliable, err := protocol.WrapReliable(inner, seq)
	if err != nil {
		logger.Warn("wrapping reliable handshake frame for peer %d: %v", p.ID, err)
		return
	}
	header := protocol.BaseHeader{ProtocolID: c.protocolID, SenderPeerID: uint16(c.ownID()), Channel: channelNum}
	data := protocol.EncodeDatagram(header, reliable)
	if err := channel.OutgoingUnacked.Insert(buffer.BufferedFrame{Seqnum: seq, Data: data, Addr: p.Address}); err != nil {
		logger.Warn("peer %d channel %d: %v", p.ID, channelNum, err)
		return
	}
	c.writeDatagramUnpaced(p, data)
}

// writeDatagram transmits data subject to the per-peer pacing
// accumulator (spec.md §4.6 step 5). Used only for unreliable traffic
// and non-ACK control frames (PING, DISCO); reliable traffic is
// instead limited by the per-channel window (spec.md §5), and ACKs
// must never be paced at all.
func (c *Connection) writeDatagram(p *peer.Peer, data []byte) {
	if !p.Allow() || !p.AllowBytes(len(data)) {
		return
	}
	c.rawWrite(p, data)
}

// writeDatagramUnpaced transmits data directly, bypassing the per-peer
// pacing accumulator entirely: used for ACKs and all reliable traffic
// (original sends, retransmits, and the ready-queue flush), per
// spec.md §4.6 steps 4-5, §5, and §9.
func (c *Connection) writeDatagramUnpaced(p *peer.Peer, data []byte) {
	c.rawWrite(p, data)
}

func (c *Connection) rawWrite(p *peer.Peer, data []byte) {
	if _, err := c.conn.WriteToUDP(data, p.Address); err != nil {
		logger.Warn("writing to %s: %v", p.Address, err)
	}
}
