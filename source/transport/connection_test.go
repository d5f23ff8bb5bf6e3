package transport

import (
	"bytes"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/udpmux/reliudp/source/config"
	"github.com/udpmux/reliudp/source/peer"
	"github.com/udpmux/reliudp/source/protocol"
)

func newPair(t *testing.T) (server, client *Connection) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Timeouts.PeerIdle = 2 * time.Second
	cfg.Timeouts.PingInterval = 200 * time.Millisecond

	server = Construct(0x12345678, cfg)
	if err := server.Serve("127.0.0.1:0"); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	t.Cleanup(server.Disconnect)

	client = Construct(0x12345678, cfg)
	if err := client.Connect(server.conn.LocalAddr().String()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(client.Disconnect)
	return server, client
}

func waitForEvent(t *testing.T, c *Connection, want EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ev, ok := c.Receive(50 * time.Millisecond)
		if !ok {
			continue
		}
		if ev.Type == EventDataReceived && len(ev.Data) == 0 {
			// The handshake's empty reliable bootstrap frame surfaces as
			// a zero-length delivery; no test here cares about it.
			continue
		}
		if ev.Type == want {
			return ev
		}
	}
	t.Fatalf("timed out waiting for event type %v", want)
	return Event{}
}

func TestHandshakeAssignsClientPeerID(t *testing.T) {
	server, client := newPair(t)
	waitForEvent(t, server, EventPeerAdded, 2*time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if client.Connected() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("client never became connected")
}

func TestReliableEchoRoundTrip(t *testing.T) {
	server, client := newPair(t)
	added := waitForEvent(t, server, EventPeerAdded, 2*time.Second)

	if err := client.Send(peer.IDServer, 0, true, []byte("hello")); err != nil {
		t.Fatalf("client.Send: %v", err)
	}

	got := waitForEvent(t, server, EventDataReceived, 2*time.Second)
	if !bytes.Equal(got.Data, []byte("hello")) {
		t.Fatalf("server received %q, want %q", got.Data, "hello")
	}

	if err := server.Send(added.PeerID, 0, true, []byte("world")); err != nil {
		t.Fatalf("server.Send: %v", err)
	}
	echo := waitForEvent(t, client, EventDataReceived, 2*time.Second)
	if !bytes.Equal(echo.Data, []byte("world")) {
		t.Fatalf("client received %q, want %q", echo.Data, "world")
	}
}

func TestFragmentedPayloadReassembles(t *testing.T) {
	server, client := newPair(t)
	waitForEvent(t, server, EventPeerAdded, 2*time.Second)

	payload := bytes.Repeat([]byte{0xAB}, 3000)
	if err := client.Send(peer.IDServer, 1, true, payload); err != nil {
		t.Fatalf("client.Send: %v", err)
	}

	got := waitForEvent(t, server, EventDataReceived, 3*time.Second)
	if !bytes.Equal(got.Data, payload) {
		t.Fatalf("reassembled payload length %d, want %d", len(got.Data), len(payload))
	}
}

func TestDisconnectStopsLoops(t *testing.T) {
	cfg := config.Defaults()
	c := Construct(0xabc, cfg)
	if err := c.Serve("127.0.0.1:0"); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	c.Disconnect()
	c.Disconnect() // must be idempotent
}

// sendReliableRaw hand-crafts a RELIABLE datagram and fires it straight
// at dst, bypassing any Connection's own channel/sequencing state. The
// scenario tests below use this to control sequence numbers directly,
// something the public Send API can't express.
func sendReliableRaw(t *testing.T, conn *net.UDPConn, dst *net.UDPAddr, protocolID uint32, senderID uint16, channelNum uint8, seq protocol.SeqNum, payload []byte) {
	t.Helper()
	inner := protocol.OriginalFrame{Payload: payload}
	reliable, err := protocol.WrapReliable(inner, seq)
	if err != nil {
		t.Fatalf("WrapReliable: %v", err)
	}
	header := protocol.BaseHeader{ProtocolID: protocolID, SenderPeerID: senderID, Channel: channelNum}
	if _, err := conn.WriteToUDP(protocol.EncodeDatagram(header, reliable), dst); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}
}

func ackRaw(t *testing.T, conn *net.UDPConn, dst *net.UDPAddr, protocolID uint32, senderID uint16, channelNum uint8, seq protocol.SeqNum) {
	t.Helper()
	header := protocol.BaseHeader{ProtocolID: protocolID, SenderPeerID: senderID, Channel: channelNum}
	cf := protocol.ControlFrame{Control: protocol.ControlACK, Seqnum: seq}
	if _, err := conn.WriteToUDP(protocol.EncodeDatagram(header, cf), dst); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}
}

// connectRawClient drives the handshake from a bare UDP socket standing
// in for a client, returning that socket and the id the server assigned
// it. It also acks the server's SET_PEER_ID reply so it stops
// retransmitting and doesn't pollute the scenario the caller wants to
// drive on another channel.
func connectRawClient(t *testing.T, server *Connection, protocolID uint32) (*net.UDPConn, uint16) {
	t.Helper()
	raw, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { raw.Close() })

	serverAddr := server.conn.LocalAddr().(*net.UDPAddr)
	sendReliableRaw(t, raw, serverAddr, protocolID, uint16(peer.IDInexistent), 0, protocol.InitialSeqNum, nil)

	added := waitForEvent(t, server, EventPeerAdded, 2*time.Second)
	clientID := uint16(added.PeerID)

	raw.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := raw.ReadFromUDP(buf)
		if err != nil {
			break
		}
		_, frame, err := protocol.DecodeDatagram(buf[:n], protocolID, peer.NumChannels)
		if err != nil {
			continue
		}
		if reliable, ok := frame.(protocol.ReliableFrame); ok {
			ackRaw(t, raw, serverAddr, protocolID, clientID, 0, reliable.Seqnum)
		}
	}
	raw.SetReadDeadline(time.Time{})

	return raw, clientID
}

func TestReorderedReliableFramesDeliverInOrder(t *testing.T) {
	cfg := config.Defaults()
	const protocolID = 0x10203040
	server := Construct(protocolID, cfg)
	if err := server.Serve("127.0.0.1:0"); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	t.Cleanup(server.Disconnect)

	raw, clientID := connectRawClient(t, server, protocolID)
	serverAddr := server.conn.LocalAddr().(*net.UDPAddr)

	base := protocol.InitialSeqNum
	// Wire order is C, A, B; submission order (and the order delivery
	// must preserve) is A, B, C.
	sendReliableRaw(t, raw, serverAddr, protocolID, clientID, 1, base+2, []byte("C"))
	sendReliableRaw(t, raw, serverAddr, protocolID, clientID, 1, base+0, []byte("A"))
	sendReliableRaw(t, raw, serverAddr, protocolID, clientID, 1, base+1, []byte("B"))

	for _, want := range []string{"A", "B", "C"} {
		got := waitForEvent(t, server, EventDataReceived, 2*time.Second)
		if string(got.Data) != want || got.Channel != 1 {
			t.Fatalf("got %q on channel %d, want %q on channel 1", got.Data, got.Channel, want)
		}
	}

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		ev, ok := server.Receive(50 * time.Millisecond)
		if ok && ev.Type == EventDataReceived && ev.Channel == 1 {
			t.Fatalf("unexpected extra delivery on channel 1: %q", ev.Data)
		}
	}
}

func TestDuplicateReliableFrameDeliveredOnce(t *testing.T) {
	cfg := config.Defaults()
	const protocolID = 0x10203041
	server := Construct(protocolID, cfg)
	if err := server.Serve("127.0.0.1:0"); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	t.Cleanup(server.Disconnect)

	raw, clientID := connectRawClient(t, server, protocolID)
	serverAddr := server.conn.LocalAddr().(*net.UDPAddr)

	seq := protocol.InitialSeqNum
	payload := []byte("dup")
	sendReliableRaw(t, raw, serverAddr, protocolID, clientID, 1, seq, payload)
	sendReliableRaw(t, raw, serverAddr, protocolID, clientID, 1, seq, payload)

	got := waitForEvent(t, server, EventDataReceived, 2*time.Second)
	if !bytes.Equal(got.Data, payload) || got.Channel != 1 {
		t.Fatalf("got %q on channel %d, want %q on channel 1", got.Data, got.Channel, payload)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		ev, ok := server.Receive(50 * time.Millisecond)
		if ok && ev.Type == EventDataReceived && ev.Channel == 1 && bytes.Equal(ev.Data, payload) {
			t.Fatalf("duplicate reliable frame delivered to the application twice")
		}
	}

	raw.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	acks := 0
	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := raw.ReadFromUDP(buf)
		if err != nil {
			break
		}
		header, frame, err := protocol.DecodeDatagram(buf[:n], protocolID, peer.NumChannels)
		if err != nil || header.Channel != 1 {
			continue
		}
		if cf, ok := frame.(protocol.ControlFrame); ok && cf.Control == protocol.ControlACK && cf.Seqnum == seq {
			acks++
		}
	}
	raw.SetReadDeadline(time.Time{})
	if acks < 2 {
		t.Fatalf("got %d ACKs for the duplicate reception, want at least 2", acks)
	}
}

func TestLossDrivenRetransmitInflatesRTT(t *testing.T) {
	cfg := config.Defaults()
	cfg.Timeouts.PingInterval = 10 * time.Second
	const protocolID = 0x10203042

	rawServer, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer rawServer.Close()

	client := Construct(protocolID, cfg)
	if err := client.Connect(rawServer.LocalAddr().String()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(client.Disconnect)

	const withheldChannel = 1
	withheldSeq := protocol.InitialSeqNum
	var firstSeen int32

	go func() {
		buf := make([]byte, maxDatagramSize)
		for {
			n, addr, err := rawServer.ReadFromUDP(buf)
			if err != nil {
				return
			}
			header, frame, err := protocol.DecodeDatagram(buf[:n], protocolID, peer.NumChannels)
			if err != nil {
				continue
			}
			reliable, ok := frame.(protocol.ReliableFrame)
			if !ok {
				continue
			}
			if header.Channel == withheldChannel && reliable.Seqnum == withheldSeq &&
				atomic.CompareAndSwapInt32(&firstSeen, 0, 1) {
				continue // simulate the first transmission being lost
			}
			ackRaw(t, rawServer, addr, protocolID, uint16(peer.IDServer), header.Channel, reliable.Seqnum)
		}
	}()

	// Baseline: the handshake's reliable frame gets ACKed immediately,
	// seeding a steady-state RTT sample.
	var baseline time.Duration
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rtt, ok := client.GetPeerAvgRTT(peer.IDServer); ok && rtt > 0 {
			baseline = rtt
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if baseline <= 0 {
		t.Fatal("never observed a baseline RTT sample from the handshake ACK")
	}

	if err := client.Send(peer.IDServer, withheldChannel, true, []byte("lossy")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Once resend_timeout elapses without an ACK, the sender retransmits
	// and reports the timeout itself as an RTT sample, inflating the
	// average above the steady-state baseline.
	var inflated time.Duration
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rtt, _ := client.GetPeerAvgRTT(peer.IDServer); rtt > baseline {
			inflated = rtt
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if inflated <= baseline {
		t.Fatalf("avg RTT did not inflate after retransmit: baseline=%v, got=%v", baseline, inflated)
	}
}

func TestPeerIdleTimeoutRemovesPeer(t *testing.T) {
	cfg := config.Defaults()
	cfg.Timeouts.PeerIdle = 300 * time.Millisecond
	cfg.Timeouts.PingInterval = 5 * time.Second
	const protocolID = 0x10203043

	server := Construct(protocolID, cfg)
	if err := server.Serve("127.0.0.1:0"); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	t.Cleanup(server.Disconnect)

	raw, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer raw.Close()

	serverAddr := server.conn.LocalAddr().(*net.UDPAddr)
	sendReliableRaw(t, raw, serverAddr, protocolID, uint16(peer.IDInexistent), 0, protocol.InitialSeqNum, nil)

	added := waitForEvent(t, server, EventPeerAdded, 2*time.Second)

	removed := waitForEvent(t, server, EventPeerRemoved, 2*time.Second)
	if removed.PeerID != added.PeerID {
		t.Fatalf("removed peer %d, want %d", removed.PeerID, added.PeerID)
	}
	if !removed.TimedOut {
		t.Error("expected TimedOut true on an idle-timeout removal")
	}

	if err := server.Send(added.PeerID, 0, true, []byte("x")); !errors.Is(err, ErrPeerNotFound) {
		t.Fatalf("Send after removal: got %v, want %v", err, ErrPeerNotFound)
	}
}
