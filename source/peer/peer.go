// Package peer tracks one remote endpoint: its three priority channels,
// RTT estimate, derived resend timeout, ping schedule, send pacing, and
// reference-counted lifecycle.
package peer

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/udpmux/reliudp/source/channel"
)

const (
	NumChannels = 3

	// RTT smoothing and resend-timeout derivation, mirroring the
	// original connection's fixed constants.
	rttSmoothingFactor = 0.1
	resendFactor       = 2.0
	resendTimeoutMin   = 100 * time.Millisecond
	resendTimeoutMax   = 2 * time.Second

	PingInterval    = 5 * time.Second
	TimeoutDuration = 30 * time.Second

	// pacingBurst is the fixed accumulator ceiling the per-peer send
	// pacer clamps to, independent of rate: spec.md §4.6 step 5 ("Clamp
	// the accumulator to at most 10 / max_packets_per_second so quiet
	// peers don't bank unlimited budget"). A fast peer still only ever
	// bursts 10 packets after being idle, not 10 seconds' worth.
	pacingBurst = 10
)

// ID is the wire-level peer identifier. 0 is reserved (INEXISTENT), 1
// is always the server, and client ids start at 2.
type ID uint16

const (
	IDInexistent ID = 0
	IDServer     ID = 1
)

// Peer is the local handle on one remote endpoint. It aggregates the
// three priority channels and the connection-wide RTT/pacing/lifecycle
// state that channels themselves don't know about.
type Peer struct {
	ID      ID
	Address *net.UDPAddr

	mu                sync.Mutex
	avgRTT            time.Duration
	hasRTTSample      bool
	resendTimeout     time.Duration
	timeSinceLastRecv time.Duration
	timeSinceLastPing time.Duration
	hasSentWithID     bool

	idleTimeout  time.Duration
	pingInterval time.Duration

	refCount       int32
	pendingDeletion int32

	limiter *rate.Limiter

	aimRTT      time.Duration
	minRateBps  float64
	maxRateBps  float64
	curRateBps  float64
	rateLimiter *rate.Limiter

	Channels [NumChannels]*channel.Channel
}

// New creates a peer with channels 0..2, an as-yet-unsampled RTT
// (resend timeout starts at the minimum, the safest assumption before
// any sample exists), and a send limiter capped at maxPacketsPerSecond.
// The idle timeout is TimeoutDuration and the ping interval is
// PingInterval.
func New(id ID, addr *net.UDPAddr, maxPacketsPerSecond int) *Peer {
	return NewWithTimeouts(id, addr, maxPacketsPerSecond, TimeoutDuration, PingInterval)
}

// NewWithTimeouts is New with an explicit idle timeout and ping
// interval, used by the transport layer to honor configured values.
// An idleTimeout or pingInterval of zero or less falls back to
// TimeoutDuration or PingInterval.
func NewWithTimeouts(id ID, addr *net.UDPAddr, maxPacketsPerSecond int, idleTimeout, pingInterval time.Duration) *Peer {
	if idleTimeout <= 0 {
		idleTimeout = TimeoutDuration
	}
	if pingInterval <= 0 {
		pingInterval = PingInterval
	}
	p := &Peer{
		ID:            id,
		Address:       addr,
		resendTimeout: resendTimeoutMin,
		refCount:      1,
		idleTimeout:   idleTimeout,
		pingInterval:  pingInterval,
	}
	for i := range p.Channels {
		p.Channels[i] = channel.New(uint8(i))
	}
	if maxPacketsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(maxPacketsPerSecond), pacingBurst)
	}
	return p
}

// ReportRTT folds a new round-trip sample into the exponential moving
// average and re-derives the clamped resend timeout. The first sample
// seeds the average directly rather than blending against a zero
// value, which would otherwise bias the estimate low forever.
func (p *Peer) ReportRTT(sample time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.hasRTTSample {
		p.avgRTT = sample
		p.hasRTTSample = true
	} else {
		p.avgRTT = time.Duration(rttSmoothingFactor*float64(sample) + (1-rttSmoothingFactor)*float64(p.avgRTT))
	}

	timeout := time.Duration(float64(p.avgRTT) * resendFactor)
	if timeout < resendTimeoutMin {
		timeout = resendTimeoutMin
	}
	if timeout > resendTimeoutMax {
		timeout = resendTimeoutMax
	}
	p.resendTimeout = timeout
}

func (p *Peer) AvgRTT() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.avgRTT
}

func (p *Peer) ResendTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resendTimeout
}

// HasSentWithID reports whether the first SET_PEER_ID control frame
// has been sent to this peer on this connection (whether or not it has
// been acknowledged yet).
func (p *Peer) HasSentWithID() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasSentWithID
}

func (p *Peer) MarkSentWithID() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hasSentWithID = true
}

// Touch resets the idle timer on any datagram received from this peer.
func (p *Peer) Touch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeSinceLastRecv = 0
}

// Idle advances the idle and ping timers by dt. It returns
// shouldPing if a PING control frame is due, and timedOut if the peer
// has gone silent for its idle timeout and should be dropped.
func (p *Peer) Idle(dt time.Duration) (shouldPing, timedOut bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.timeSinceLastRecv += dt
	if p.timeSinceLastRecv >= p.idleTimeout {
		timedOut = true
	}

	p.timeSinceLastPing += dt
	if p.timeSinceLastPing >= p.pingInterval {
		p.timeSinceLastPing = 0
		shouldPing = true
	}
	return
}

// RefreshCongestionParams reloads the congestion-control tunables from
// configuration, steering the peer's current send-rate ceiling towards
// maxRateKBps when the measured RTT is at or under aimRTT and towards
// minRateKBps when it runs over, the same "refresh per-peer congestion
// parameters" step the sender tick performs every pass.
func (p *Peer) RefreshCongestionParams(aimRTT time.Duration, minRateKBps, maxRateKBps int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.aimRTT = aimRTT
	p.minRateBps = float64(minRateKBps) * 1024
	p.maxRateBps = float64(maxRateKBps) * 1024
	if p.curRateBps == 0 {
		p.curRateBps = p.maxRateBps
	}

	if aimRTT > 0 && p.hasRTTSample {
		if p.avgRTT <= aimRTT {
			p.curRateBps += p.maxRateBps * 0.1
		} else {
			p.curRateBps -= p.maxRateBps * 0.2
		}
	}
	if p.curRateBps > p.maxRateBps {
		p.curRateBps = p.maxRateBps
	}
	if p.curRateBps < p.minRateBps {
		p.curRateBps = p.minRateBps
	}

	if p.rateLimiter == nil {
		p.rateLimiter = rate.NewLimiter(rate.Limit(p.curRateBps), int(p.maxRateBps))
	} else {
		p.rateLimiter.SetLimit(rate.Limit(p.curRateBps))
	}
}

// AllowBytes reports whether n more bytes may be sent to this peer
// right now under the congestion-controlled rate ceiling. A peer whose
// congestion parameters haven't been refreshed yet always allows.
func (p *Peer) AllowBytes(n int) bool {
	p.mu.Lock()
	limiter := p.rateLimiter
	p.mu.Unlock()
	if limiter == nil {
		return true
	}
	return limiter.AllowN(time.Now(), n)
}

// Allow reports whether a packet may be sent to this peer right now
// under the configured pacing limit. A peer with no configured limit
// always allows.
func (p *Peer) Allow() bool {
	if p.limiter == nil {
		return true
	}
	return p.limiter.Allow()
}

// WaitSend blocks until pacing allows the next send or ctx is done.
func (p *Peer) WaitSend(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}

// Acquire increments the reference count and reports whether the
// acquire succeeded. Callers hold it for the duration of a borrowed
// use — a receiver-loop processFrame call or a sender-loop servicePeer
// pass — so that a concurrent removal on the other worker can't free
// the peer out from under them. It fails (returns false) once the
// count has already reached zero, meaning the peer was fully released
// by its owning table entry and is no longer safe to touch.
func (p *Peer) Acquire() bool {
	for {
		cur := atomic.LoadInt32(&p.refCount)
		if cur <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&p.refCount, cur, cur+1) {
			return true
		}
	}
}

// Release decrements the reference count and reports whether it has
// reached zero, meaning the peer is now safe to remove from the
// connection's peer table.
func (p *Peer) Release() bool {
	return atomic.AddInt32(&p.refCount, -1) == 0
}

// MarkPendingDeletion flags the peer for removal once its reference
// count drops to zero, mirroring the original connection's deferred
// free so in-flight references never dangle.
func (p *Peer) MarkPendingDeletion() {
	atomic.StoreInt32(&p.pendingDeletion, 1)
}

func (p *Peer) IsPendingDeletion() bool {
	return atomic.LoadInt32(&p.pendingDeletion) == 1
}
