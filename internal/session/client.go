package session

import (
	"net/netip"
	"sync"
	"time"
)

// Client is one joined device. The addresses are fixed at join time; the
// liveness fields are guarded by mu.
type Client struct {
	name     string
	tcp      netip.AddrPort
	udp      netip.AddrPort
	joinedAt time.Time

	mu           sync.Mutex
	lastResponse time.Time
	probeSent    time.Time
	rtt          time.Duration
	seq          int32
	answered     bool
}

func newClient(name string, tcp netip.AddrPort, udpPort uint16, now time.Time) *Client {
	return &Client{
		name:         name,
		tcp:          tcp,
		udp:          netip.AddrPortFrom(tcp.Addr(), udpPort),
		joinedAt:     now,
		lastResponse: now,
	}
}

// ClientInfo is a point-in-time copy of a client's state.
type ClientInfo struct {
	Name         string
	TCPAddr      netip.AddrPort
	UDPAddr      netip.AddrPort
	JoinedAt     time.Time
	LastResponse time.Time
	RTT          time.Duration
	Sequence     int32
}

func (c *Client) info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientInfo{
		Name:         c.name,
		TCPAddr:      c.tcp,
		UDPAddr:      c.udp,
		JoinedAt:     c.joinedAt,
		LastResponse: c.lastResponse,
		RTT:          c.rtt,
		Sequence:     c.seq,
	}
}

// nextProbe stamps a new outstanding probe and returns its sequence number
// and the RTT to report in it.
func (c *Client) nextProbe(now time.Time) (int32, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stampProbe(now)
}

func (c *Client) stampProbe(now time.Time) (int32, time.Duration) {
	c.seq++
	c.probeSent = now
	c.answered = false
	return c.seq, c.rtt
}

// answer applies an RTT response. It reports false when seq is not the
// outstanding probe or that probe was already answered.
func (c *Client) answer(seq int32, now time.Time) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.seq || c.answered || c.probeSent.IsZero() {
		return c.rtt, false
	}
	c.answered = true
	c.lastResponse = now
	c.rtt = now.Sub(c.probeSent)
	return c.rtt, true
}

type verdict int

const (
	keep verdict = iota
	probe
	evict
)

// check decides what the sweep does with c at now. When the verdict is
// probe, the new probe is already stamped and its sequence and RTT returned.
func (c *Client) check(now time.Time, timeout, interval time.Duration) (verdict, int32, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastResponse) >= timeout {
		return evict, 0, 0
	}
	if now.Sub(c.probeSent) >= interval {
		seq, rtt := c.stampProbe(now)
		return probe, seq, rtt
	}
	return keep, 0, 0
}
