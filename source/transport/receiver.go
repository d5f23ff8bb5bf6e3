package transport

import (
	"errors"
	"fmt"
	"net"

	"github.com/udpmux/reliudp/pkg/logger"
	"github.com/udpmux/reliudp/source/peer"
	"github.com/udpmux/reliudp/source/protocol"
)

const maxDatagramSize = 1500

// receiverLoop reads datagrams off the socket, validates and decodes
// them, resolves or creates the sending peer, and dispatches the
// frame for channel processing.
func (c *Connection) receiverLoop() {
	defer c.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-c.closeCh:
			return
		default:
		}

		n, addr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-c.closeCh:
				return
			default:
			}
			logger.Warn("reading udp datagram: %v", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		header, frame, err := protocol.DecodeDatagram(data, c.protocolID, uint8(peer.NumChannels))
		if err != nil {
			if !errors.Is(err, protocol.ErrInvalidIncomingData) {
				logger.Warn("decoding datagram from %s: %v", addr, err)
			}
			continue
		}

		p, err := c.resolvePeer(addr, header.SenderPeerID)
		if err != nil {
			if !errors.Is(err, protocol.ErrInvalidIncomingData) {
				logger.Warn("resolving peer for %s: %v", addr, err)
			}
			continue
		}
		if p == nil {
			continue
		}
		p.Touch()
		c.processFrame(p, header.Channel, frame, addr)
		p.Release()
	}
}

// resolvePeer finds the peer this datagram came from. It resolves
// primarily by the header's sender_peer_id, falling back to
// address-based lookup (and, on the server, address-based creation of
// a brand new peer) only while that id is still INEXISTENT. A
// sender_peer_id that resolves to a peer whose stored address doesn't
// match the datagram's source is rejected outright, since accepting it
// would let one peer forge another's identity.
// resolvePeer returns its result already Acquire()'d on the caller's
// behalf: receiverLoop borrows the peer for the duration of
// processFrame and must Release() it when done, so a concurrent
// removal on the sender loop can't free the peer mid-use (spec.md
// §3/§9). Acquire is always done while still holding the peer-table
// lock that a concurrent removePeerReason also takes to delete the
// map entry, so it can never race a fully-released peer: either the
// entry is still in the table (table reference still held, Acquire
// cannot fail) or the lookup itself already missed it.
func (c *Connection) resolvePeer(addr *net.UDPAddr, senderPeerID uint16) (*peer.Peer, error) {
	if senderPeerID != uint16(peer.IDInexistent) {
		id := peer.ID(senderPeerID)
		c.mu.RLock()
		p, ok := c.peers[id]
		if ok {
			ok = p.Acquire()
		}
		c.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: unknown sender_peer_id %d", protocol.ErrInvalidIncomingData, senderPeerID)
		}
		if p.Address == nil || p.Address.String() != addr.String() {
			p.Release()
			return nil, fmt.Errorf("%w: sender_peer_id %d claims address %s, expected %s", protocol.ErrInvalidIncomingData, senderPeerID, addr, p.Address)
		}
		return p, nil
	}

	// sender_peer_id is INEXISTENT: the only way to resolve this
	// datagram is by source address, and only for a peer this side
	// hasn't yet told its assigned id. Once has_sent_with_id is set,
	// that peer is expected to send its real id from then on, so a
	// later INEXISTENT datagram claiming its address is rejected rather
	// than silently re-adopted.
	key := addr.String()

	c.mu.RLock()
	id, ok := c.addrToPeer[key]
	var existing *peer.Peer
	if ok {
		existing = c.peers[id]
		ok = existing.Acquire()
	}
	c.mu.RUnlock()
	if ok {
		if existing.HasSentWithID() {
			existing.Release()
			return nil, fmt.Errorf("%w: sender_peer_id INEXISTENT from %s after SET_PEER_ID was already sent", protocol.ErrInvalidIncomingData, addr)
		}
		return existing, nil
	}

	if !c.isServer {
		// Clients only ever talk to the server peer registered at Connect.
		return nil, nil
	}

	c.mu.Lock()
	if id, ok := c.addrToPeer[key]; ok {
		p := c.peers[id]
		acquired := p.Acquire()
		c.mu.Unlock()
		if !acquired {
			return nil, fmt.Errorf("%w: peer at %s removed concurrently", protocol.ErrInvalidIncomingData, addr)
		}
		if p.HasSentWithID() {
			p.Release()
			return nil, fmt.Errorf("%w: sender_peer_id INEXISTENT from %s after SET_PEER_ID was already sent", protocol.ErrInvalidIncomingData, addr)
		}
		return p, nil
	}
	newID := c.nextPeerID
	c.nextPeerID++
	p := peer.NewWithTimeouts(newID, addr, c.cfg.Pacing.MaxPacketsPerSecond, c.cfg.Timeouts.PeerIdle, c.cfg.Timeouts.PingInterval)
	p.Acquire()
	c.peers[newID] = p
	c.addrToPeer[key] = newID
	c.mu.Unlock()

	c.Metrics.Add(p)
	c.emit(Event{Type: EventPeerAdded, PeerID: newID, Address: addr})
	c.sendReliable(p, 0, protocol.ControlFrame{Control: protocol.ControlSetPeerID, NewPeerID: uint16(newID)})
	p.MarkSentWithID()
	return p, nil
}

func (c *Connection) removePeer(id peer.ID) {
	c.removePeerReason(id, false)
}

// removePeerReason removes id from the peer table (so no further
// lookup resolves it), marks it pending deletion, emits PEER_REMOVED,
// and releases the table's own reference count. The peer object
// itself stays alive — and safely usable by whichever worker acquired
// a borrowed reference before this ran — until that worker's matching
// Release() brings the count to zero, per spec.md §3/§9's
// refcounted-peer deferred-free model.
func (c *Connection) removePeerReason(id peer.ID, timedOut bool) {
	c.mu.Lock()
	p, ok := c.peers[id]
	if ok {
		delete(c.peers, id)
		if p.Address != nil {
			delete(c.addrToPeer, p.Address.String())
		}
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	p.MarkPendingDeletion()
	c.Metrics.Remove(id)
	c.emit(Event{Type: EventPeerRemoved, PeerID: id, TimedOut: timedOut, Address: p.Address})
	p.Release()
}
