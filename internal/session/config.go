package session

import (
	"net/netip"
	"time"
)

const (
	DefaultClientTimeout = 30 * time.Second
	DefaultProbeInterval = 3 * time.Second
	DefaultSweepInterval = time.Second
)

// DefaultSynthAddr is where SuperCollider listens by default.
var DefaultSynthAddr = netip.MustParseAddrPort("127.0.0.1:57120")

// Config holds the registry's timing and the synthesizer address.
type Config struct {
	// SynthAddr receives forwarded note events.
	SynthAddr netip.AddrPort
	// ClientTimeout is how long a client may stay silent before eviction.
	ClientTimeout time.Duration
	// ProbeInterval is the minimum time between two RTT probes to a client.
	ProbeInterval time.Duration
	// SweepInterval is the period of the liveness sweep.
	SweepInterval time.Duration
}

func (c *Config) applyDefaults() {
	if !c.SynthAddr.IsValid() {
		c.SynthAddr = DefaultSynthAddr
	}
	if c.ClientTimeout <= 0 {
		c.ClientTimeout = DefaultClientTimeout
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
}
