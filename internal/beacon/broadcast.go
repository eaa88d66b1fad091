package beacon

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ensemble/internal/osc"
	"ensemble/internal/udp"
)

const (
	// DefaultPort is the UDP port devices listen on for advertisements.
	DefaultPort     = 50001
	defaultInterval = time.Second
	defaultTTL      = 1
)

// Config describes where and how often the advertisement is sent.
type Config struct {
	// Target is the broadcast address and port the advertisement goes to.
	Target netip.AddrPort
	// Interval is the period between two sends.
	Interval time.Duration
	// TTL is the IPv4 time-to-live of each datagram. One keeps it on the LAN.
	TTL int
}

// Beacon repeatedly broadcasts one pre-encoded advertisement. Start and Stop
// may be called any number of times from any goroutine.
type Beacon struct {
	cfg Config
	log zerolog.Logger

	mu   sync.Mutex
	ep   *udp.Endpoint
	stop chan struct{}
	done chan struct{}
}

// New returns a stopped beacon.
func New(cfg Config, log zerolog.Logger) *Beacon {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	return &Beacon{cfg: cfg, log: log}
}

// Start encodes p, binds a broadcast socket and begins sending p every
// interval. It does nothing if the beacon is already running.
func (b *Beacon) Start(p osc.Packet) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stop != nil {
		return nil
	}

	data, err := osc.Encode(p)
	if err != nil {
		return fmt.Errorf("encoding advertisement: %w", err)
	}

	ep := udp.New(udp.Config{
		Addr:      "0.0.0.0:0",
		Broadcast: true,
		TTL:       b.cfg.TTL,
		SendOnly:  true,
	}, b.log)
	if err := ep.Start(); err != nil {
		return fmt.Errorf("starting beacon socket: %w", err)
	}

	b.ep = ep
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	go b.loop(ep, data, b.stop, b.done)

	b.log.Info().
		Str("target", b.cfg.Target.String()).
		Dur("interval", b.cfg.Interval).
		Int("bytes", len(data)).
		Msg("Beacon started")
	return nil
}

// Stop ends the broadcast loop, waits for it to exit and releases the socket.
func (b *Beacon) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stop == nil {
		return nil
	}
	close(b.stop)
	<-b.done
	err := b.ep.Stop()
	b.ep, b.stop, b.done = nil, nil, nil

	b.log.Info().Msg("Beacon stopped")
	return err
}

// Running reports whether the broadcast loop is active.
func (b *Beacon) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stop != nil
}

func (b *Beacon) loop(ep *udp.Endpoint, data []byte, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		ep.Write(data, b.cfg.Target)
		b.log.Debug().Str("target", b.cfg.Target.String()).Msg("Beacon sent")

		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}
