// Package discovery receives the advertisements control nodes broadcast on
// the LAN and turns them into lobbies a device can join.
package discovery

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"ensemble/internal/beacon"
	"ensemble/internal/osc"
	"ensemble/internal/udp"
)

const (
	defaultRateLimit  = 5
	defaultRateWindow = time.Second
)

// Lobby is one advertising control node.
type Lobby struct {
	Name    string
	Host    netip.Addr
	UDPPort int
	TCPPort int
	SeenAt  time.Time
}

// ControlAddr is the TCP address a device connects to.
func (l Lobby) ControlAddr() netip.AddrPort {
	return netip.AddrPortFrom(l.Host, uint16(l.TCPPort))
}

// EventsAddr is the UDP address a device sends note and RTT traffic to.
func (l Lobby) EventsAddr() netip.AddrPort {
	return netip.AddrPortFrom(l.Host, uint16(l.UDPPort))
}

// Config controls the receiving socket and rate limiting.
type Config struct {
	// Addr is the local host:port to bind, e.g. "0.0.0.0:50001".
	Addr string
	// RateLimit is the number of advertisements accepted per source and window.
	RateLimit int
	// RateWindow is the length of one rate-limit window.
	RateWindow time.Duration
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// rateTracker counts advertisements per source address within a window.
type rateTracker struct {
	limit     int
	window    time.Duration
	counts    map[netip.Addr]int
	resetTime time.Time
}

func (r *rateTracker) allow(src netip.Addr, now time.Time) bool {
	if !now.Before(r.resetTime) {
		r.counts = make(map[netip.Addr]int)
		r.resetTime = now.Add(r.window)
	}
	r.counts[src]++
	return r.counts[src] <= r.limit
}

// Listener decodes advertisements arriving on one UDP socket.
type Listener struct {
	cfg   Config
	log   zerolog.Logger
	ep    *udp.Endpoint
	found func(Lobby)

	mu      sync.Mutex
	tracker rateTracker
}

// NewListener returns an unstarted listener reporting each accepted
// advertisement to found.
func NewListener(cfg Config, log zerolog.Logger, found func(Lobby)) *Listener {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = defaultRateWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	l := &Listener{
		cfg:   cfg,
		log:   log,
		found: found,
		tracker: rateTracker{
			limit:  cfg.RateLimit,
			window: cfg.RateWindow,
			counts: make(map[netip.Addr]int),
		},
	}
	l.ep = udp.New(udp.Config{Addr: cfg.Addr, Broadcast: true}, log)
	l.ep.Subscribe(l.handlePacket)
	return l
}

// Start binds the socket.
func (l *Listener) Start() error {
	if err := l.ep.Start(); err != nil {
		return fmt.Errorf("starting discovery listener: %w", err)
	}
	l.log.Info().Str("addr", l.ep.LocalAddr().String()).Msg("Listening for lobbies")
	return nil
}

// LocalAddr returns the bound address.
func (l *Listener) LocalAddr() netip.AddrPort { return l.ep.LocalAddr() }

// Stop closes the socket. No lobby is reported after Stop returns.
func (l *Listener) Stop() error { return l.ep.Stop() }

func (l *Listener) handlePacket(p osc.Packet, from netip.AddrPort) {
	if p.Address() != beacon.PromotionAddress {
		return
	}

	now := l.cfg.Clock.Now()
	l.mu.Lock()
	allowed := l.tracker.allow(from.Addr(), now)
	l.mu.Unlock()
	if !allowed {
		l.log.Debug().Str("src", from.String()).Msg("Rate limit exceeded, dropping advertisement")
		return
	}

	promo, err := beacon.ParsePromotion(p)
	if err != nil {
		l.log.Warn().Err(err).Str("src", from.String()).Msg("Invalid advertisement")
		return
	}

	l.found(Lobby{
		Name:    promo.Lobby,
		Host:    from.Addr(),
		UDPPort: promo.UDPPort,
		TCPPort: promo.TCPPort,
		SeenAt:  now,
	})
}

// Listen reports lobbies to found until ctx is cancelled.
func Listen(ctx context.Context, cfg Config, log zerolog.Logger, found func(Lobby)) error {
	l := NewListener(cfg, log, found)
	if err := l.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return l.Stop()
}

// Table keeps the most recent sighting of every lobby.
type Table struct {
	mu      sync.Mutex
	lobbies map[netip.AddrPort]Lobby
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{lobbies: make(map[netip.AddrPort]Lobby)}
}

// Update records l and reports whether it was not known before.
func (t *Table) Update(l Lobby) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := l.ControlAddr()
	_, known := t.lobbies[key]
	t.lobbies[key] = l
	return !known
}

// Expire removes lobbies not seen since before cutoff and returns them.
func (t *Table) Expire(cutoff time.Time) []Lobby {
	t.mu.Lock()
	defer t.mu.Unlock()
	var gone []Lobby
	for key, l := range t.lobbies {
		if l.SeenAt.Before(cutoff) {
			gone = append(gone, l)
			delete(t.lobbies, key)
		}
	}
	sortLobbies(gone)
	return gone
}

// List returns the known lobbies sorted by name, then address.
func (t *Table) List() []Lobby {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Lobby, 0, len(t.lobbies))
	for _, l := range t.lobbies {
		out = append(out, l)
	}
	sortLobbies(out)
	return out
}

func sortLobbies(ls []Lobby) {
	sort.Slice(ls, func(i, j int) bool {
		if ls[i].Name != ls[j].Name {
			return ls[i].Name < ls[j].Name
		}
		return ls[i].ControlAddr().Compare(ls[j].ControlAddr()) < 0
	})
}
