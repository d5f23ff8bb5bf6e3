// Package transport owns the UDP socket, the peer table, and the
// sender/receiver worker loops that turn the channel and peer state
// machines into an actual reliable connection.
package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/udpmux/reliudp/pkg/logger"
	ch "github.com/udpmux/reliudp/source/channel"
	"github.com/udpmux/reliudp/source/config"
	"github.com/udpmux/reliudp/source/metrics"
	"github.com/udpmux/reliudp/source/peer"
	"github.com/udpmux/reliudp/source/protocol"
)

// tickInterval is how often the sender loop wakes to drive timers,
// retransmission, and queued sends, mirroring the teacher's 50ms
// update ticker.
const tickInterval = 50 * time.Millisecond

// Connection is the public handle on one side of a reliable UDP
// transport, usable either as the listening server (peer id SERVER,
// assigning ids to clients) or as a connecting client (peer id
// INEXISTENT until the server's SET_PEER_ID control frame arrives).
type Connection struct {
	protocolID uint32
	cfg        config.Config

	conn *net.UDPConn

	isServer  bool
	ownPeerID uint32 // holds peer.ID, widened so atomic ops are available
	connected int32

	mu         sync.RWMutex
	peers      map[peer.ID]*peer.Peer
	addrToPeer map[string]peer.ID
	nextPeerID peer.ID

	Metrics *metrics.Collector

	events  chan Event
	wakeup  chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup

	running int32
}

// Construct builds an unbound connection. Call Serve or Connect to
// bind a socket and start the worker loops.
func Construct(protocolID uint32, cfg config.Config) *Connection {
	return &Connection{
		protocolID: protocolID,
		cfg:        cfg,
		peers:      make(map[peer.ID]*peer.Peer),
		addrToPeer: make(map[string]peer.ID),
		nextPeerID: peer.IDServer + 1,
		Metrics:    metrics.NewCollector("reliudp"),
		events:     make(chan Event, 256),
		wakeup:     make(chan struct{}, 1),
		closeCh:    make(chan struct{}),
	}
}

// Serve binds addr and starts accepting connections as the server
// (peer id SERVER, id 1).
func (c *Connection) Serve(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		c.events <- Event{Type: EventBindFailed, Err: err}
		return fmt.Errorf("resolving bind address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		c.events <- Event{Type: EventBindFailed, Err: err}
		return fmt.Errorf("binding udp socket: %w", err)
	}
	c.conn = conn
	c.isServer = true
	atomic.StoreUint32(&c.ownPeerID, uint32(peer.IDServer))
	atomic.StoreInt32(&c.connected, 1)
	c.start()
	logger.Info("listening on %s", conn.LocalAddr())
	return nil
}

// Connect binds an ephemeral local socket and starts the handshake
// with the server at addr. Connected() reports true only once the
// server's SET_PEER_ID control frame has assigned this side's id.
func (c *Connection) Connect(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolving server address: %w", err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("binding local udp socket: %w", err)
	}
	c.conn = conn
	c.isServer = false
	atomic.StoreUint32(&c.ownPeerID, uint32(peer.IDInexistent))

	server := peer.NewWithTimeouts(peer.IDServer, udpAddr, c.cfg.Pacing.MaxPacketsPerSecond, c.cfg.Timeouts.PeerIdle, c.cfg.Timeouts.PingInterval)
	c.mu.Lock()
	c.peers[peer.IDServer] = server
	c.addrToPeer[udpAddr.String()] = peer.IDServer
	c.mu.Unlock()
	c.Metrics.Add(server)

	c.start()

	// Kick off the handshake: an empty reliable message on channel 0
	// makes the server observe this address and hand back a peer id.
	// It must be reliable, not a bare control ping, so it survives loss
	// on the very first round trip.
	c.sendReliable(server, 0, protocol.OriginalFrame{})
	return nil
}

func (c *Connection) start() {
	atomic.StoreInt32(&c.running, 1)
	c.wg.Add(2)
	go c.senderLoop()
	go c.receiverLoop()
}

// Connected reports whether this side has a usable peer id: always
// true for a server once bound, true for a client once SET_PEER_ID has
// been received.
func (c *Connection) Connected() bool {
	return atomic.LoadInt32(&c.connected) == 1
}

// ownID returns this side's own peer id for the base header.
func (c *Connection) ownID() peer.ID {
	return peer.ID(atomic.LoadUint32(&c.ownPeerID))
}

// setOwnID records the id the server assigned this client in its
// SET_PEER_ID control frame, marking the connection usable.
func (c *Connection) setOwnID(id uint16) {
	atomic.StoreUint32(&c.ownPeerID, uint32(id))
	atomic.StoreInt32(&c.connected, 1)
}

// Disconnect broadcasts CONTROL/DISCO to every known peer, then stops
// the worker loops and closes the socket. Queued reliable sends are
// abandoned; DISCO itself is best-effort and not retransmitted.
func (c *Connection) Disconnect() {
	if atomic.LoadInt32(&c.running) != 1 {
		return
	}
	c.mu.RLock()
	peers := make([]*peer.Peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.RUnlock()
	for _, p := range peers {
		c.sendControl(p, 0, protocol.ControlFrame{Control: protocol.ControlDisco})
	}

	if !atomic.CompareAndSwapInt32(&c.running, 1, 0) {
		return
	}
	close(c.closeCh)
	if c.conn != nil {
		c.conn.Close()
	}
	c.wg.Wait()
}

// Send delivers channel-numbered data to peerID. Reliable data is
// queued; its fragmentation and sequencing happen on the sender loop's
// next pass. Unreliable data is fragmented and written immediately,
// subject to per-peer pacing.
func (c *Connection) Send(peerID peer.ID, channel uint8, reliable bool, data []byte) error {
	p, ok := c.lookupPeer(peerID)
	if !ok {
		return fmt.Errorf("%w: peer %d", ErrPeerNotFound, peerID)
	}
	if int(channel) >= peer.NumChannels {
		return fmt.Errorf("transport: channel %d out of range", channel)
	}
	if reliable {
		p.Channels[channel].EnqueueCommand(ch.PendingSend{Payload: data})
	} else {
		c.sendUnreliable(p, channel, data)
	}
	c.wake()
	return nil
}

// SendToAll queues data for every currently known peer.
func (c *Connection) SendToAll(channel uint8, reliable bool, data []byte) error {
	c.mu.RLock()
	ids := make([]peer.ID, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	for _, id := range ids {
		if err := c.Send(id, channel, reliable, data); err != nil {
			return err
		}
	}
	return nil
}

// Receive blocks up to timeout for the next event. A non-positive
// timeout blocks indefinitely.
func (c *Connection) Receive(timeout time.Duration) (Event, bool) {
	if timeout <= 0 {
		ev, ok := <-c.events
		return ev, ok
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev, ok := <-c.events:
		return ev, ok
	case <-timer.C:
		return Event{}, false
	}
}

func (c *Connection) GetPeerAddress(id peer.ID) (*net.UDPAddr, bool) {
	p, ok := c.lookupPeer(id)
	if !ok {
		return nil, false
	}
	return p.Address, true
}

func (c *Connection) GetPeerAvgRTT(id peer.ID) (time.Duration, bool) {
	p, ok := c.lookupPeer(id)
	if !ok {
		return 0, false
	}
	return p.AvgRTT(), true
}

// DeletePeer removes id from the peer table immediately (emitting
// PEER_REMOVED) and releases the table's own reference. Any worker
// currently holding a borrowed reference from processFrame or
// servicePeer keeps the peer object alive until it releases its own
// reference in turn, mirroring the original connection's deferred
// free.
func (c *Connection) DeletePeer(id peer.ID) {
	c.removePeerReason(id, false)
}

func (c *Connection) lookupPeer(id peer.ID) (*peer.Peer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.peers[id]
	return p, ok
}

func (c *Connection) wake() {
	select {
	case c.wakeup <- struct{}{}:
	default:
	}
}
