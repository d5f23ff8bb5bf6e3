package transport

import (
	"net"

	"github.com/udpmux/reliudp/source/peer"
)

// EventType distinguishes the four events a Connection surfaces to
// Receive callers.
type EventType int

const (
	EventDataReceived EventType = iota
	EventPeerAdded
	EventPeerRemoved
	EventBindFailed
)

// Event is one notification delivered through Connection.Receive.
type Event struct {
	Type    EventType
	PeerID  peer.ID
	Channel uint8
	Data    []byte
	Err     error

	// Address is set on EventPeerAdded and EventPeerRemoved.
	Address *net.UDPAddr

	// TimedOut is set on an EventPeerRemoved raised by one of the
	// sender loop's timeout checks (idle timer, or a reliable frame left
	// unacknowledged too long), as opposed to an explicit DISCO or
	// DeletePeer call.
	TimedOut bool
}

func (c *Connection) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		// Events channel is full; drop rather than block the loop that
		// produced it. A slow consumer losing an event is preferable to
		// the receiver loop stalling and accumulating socket backlog.
	}
}
