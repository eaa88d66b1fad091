// Package session tracks the devices taking part in a performance: it routes
// their packets, measures round-trip times, evicts silent devices and sends
// them the operator's start, configuration and score payloads.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"ensemble/internal/osc"
)

// OSC addresses exchanged with devices and the synthesizer.
const (
	AddrKeyOn       = "/keyOn"
	AddrKeyOff      = "/keyOff"
	AddrJoin        = "/join"
	AddrRTTRequest  = "/rtt/request"
	AddrRTTResponse = "/rtt/response"
	AddrPoint       = "/point"
	AddrStart       = "/start"
	AddrConfig      = "/config"
	AddrMIDIInit    = "/midi/init"
)

// rttTick is the unit of RTT values sent to devices.
const rttTick = 100 * time.Nanosecond

// ErrOctaves is returned by SendConfig for a non-positive octave count.
var ErrOctaves = errors.New("session: octaves per client must be positive")

// ControlSender is the reliable, per-peer channel to devices.
type ControlSender interface {
	Send(p osc.Packet) error
	SendTo(p osc.Packet, dst netip.AddrPort) error
	Disconnect(dst netip.AddrPort)
}

// DatagramSender is a fire-and-forget channel.
type DatagramSender interface {
	Send(p osc.Packet, dst netip.AddrPort) error
}

// Transports are the channels the manager sends on.
type Transports struct {
	// Control reaches devices over their TCP connection.
	Control ControlSender
	// Events reaches devices on their UDP port.
	Events DatagramSender
	// Synth reaches the synthesizer at Config.SynthAddr.
	Synth DatagramSender
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// Manager owns the client registry.
type Manager struct {
	cfg   Config
	tr    Transports
	log   zerolog.Logger
	clock clock.Clock

	mu      sync.Mutex
	clients []*Client

	obsMu  sync.Mutex
	joined []func(ClientInfo)
	left   []func(ClientInfo)
	scored []func(float32)

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a manager sending on tr.
func New(cfg Config, tr Transports, log zerolog.Logger, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:   cfg,
		tr:    tr,
		log:   log.With().Str("component", "session").Logger(),
		clock: clock.New(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// OnClientJoined registers fn for every successful join.
func (m *Manager) OnClientJoined(fn func(ClientInfo)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.joined = append(m.joined, fn)
}

// OnClientLeft registers fn for every client removed from the registry.
func (m *Manager) OnClientLeft(fn func(ClientInfo)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.left = append(m.left, fn)
}

// OnScore registers fn for every score a device reports.
func (m *Manager) OnScore(fn func(float32)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.scored = append(m.scored, fn)
}

func (m *Manager) emitJoined(ci ClientInfo) {
	m.obsMu.Lock()
	fns := m.joined
	m.obsMu.Unlock()
	for _, fn := range fns {
		fn(ci)
	}
}

func (m *Manager) emitLeft(ci ClientInfo) {
	m.obsMu.Lock()
	fns := m.left
	m.obsMu.Unlock()
	for _, fn := range fns {
		fn(ci)
	}
}

func (m *Manager) emitScore(v float32) {
	m.obsMu.Lock()
	fns := m.scored
	m.obsMu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// HandlePacket routes a packet received from either transport. Bundles are
// unwrapped and each message routed in order.
func (m *Manager) HandlePacket(p osc.Packet, from netip.AddrPort) {
	switch p := p.(type) {
	case *osc.Message:
		m.route(p, from)
	case *osc.Bundle:
		for _, msg := range p.Messages() {
			m.route(msg, from)
		}
	}
}

func (m *Manager) route(msg *osc.Message, from netip.AddrPort) {
	var err error
	switch msg.Addr {
	case AddrKeyOn, AddrKeyOff:
		err = m.tr.Synth.Send(msg, m.cfg.SynthAddr)
	case AddrJoin:
		err = m.handleJoin(msg, from)
	case AddrRTTResponse:
		err = m.handleRTTResponse(msg, from)
	case AddrPoint:
		err = m.handlePoint(msg)
	default:
		m.log.Trace().Str("address", msg.Addr).Str("src", from.String()).Msg("No route")
		return
	}
	if err != nil {
		m.log.Warn().Err(err).Str("address", msg.Addr).Str("src", from.String()).Msg("Failed to handle packet")
	}
}

func (m *Manager) handleJoin(msg *osc.Message, from netip.AddrPort) error {
	name, err := msg.StringArg(0)
	if err != nil {
		return err
	}
	port, err := msg.Int32(1)
	if err != nil {
		return err
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("udp port %d out of range", port)
	}

	now := m.clock.Now()
	c := newClient(name, from, uint16(port), now)
	// Stamped before the client is visible to the sweep.
	seq, rtt := c.nextProbe(now)

	m.mu.Lock()
	var replaced *Client
	if i := m.indexByTCP(from); i >= 0 {
		replaced = m.clients[i]
		m.clients = slices.Delete(m.clients, i, i+1)
	}
	m.clients = append(m.clients, c)
	m.mu.Unlock()

	if replaced != nil {
		m.emitLeft(replaced.info())
	}
	m.log.Info().
		Str("name", name).
		Str("tcp", c.tcp.String()).
		Str("udp", c.udp.String()).
		Msg("Client joined")
	m.emitJoined(c.info())

	return m.sendProbe(c, seq, rtt)
}

func (m *Manager) handleRTTResponse(msg *osc.Message, from netip.AddrPort) error {
	seq, err := msg.Int32(0)
	if err != nil {
		return err
	}
	c := m.findByUDP(from)
	if c == nil {
		return nil
	}
	rtt, ok := c.answer(seq, m.clock.Now())
	if !ok {
		m.log.Debug().Str("client", c.name).Int32("seq", seq).Msg("Ignoring stale RTT response")
		return nil
	}
	m.log.Debug().Str("client", c.name).Dur("rtt", rtt).Msg("RTT measured")
	return nil
}

func (m *Manager) handlePoint(msg *osc.Message) error {
	if len(msg.Args) == 0 {
		return fmt.Errorf("%w: %s has no score", osc.ErrArgument, msg.Addr)
	}
	var v float32
	switch a := msg.Args[0].(type) {
	case float32:
		v = a
	case int32:
		v = float32(a)
	default:
		return fmt.Errorf("%w: score is %T", osc.ErrArgument, a)
	}
	m.emitScore(v)
	return nil
}

// HandleDisconnect removes the client whose control connection was peer.
func (m *Manager) HandleDisconnect(peer netip.AddrPort) {
	if c := m.remove(peer); c != nil {
		m.log.Info().Str("name", c.name).Str("tcp", peer.String()).Msg("Client left")
		m.emitLeft(c.info())
	}
}

func (m *Manager) remove(tcp netip.AddrPort) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexByTCP(tcp)
	if i < 0 {
		return nil
	}
	c := m.clients[i]
	m.clients = slices.Delete(m.clients, i, i+1)
	return c
}

// removeClient removes c itself, not whichever client now holds its TCP
// peer. It reports whether c was still registered.
func (m *Manager) removeClient(c *Client) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := slices.Index(m.clients, c)
	if i < 0 {
		return false
	}
	m.clients = slices.Delete(m.clients, i, i+1)
	return true
}

// indexByTCP must be called with mu held.
func (m *Manager) indexByTCP(tcp netip.AddrPort) int {
	return slices.IndexFunc(m.clients, func(c *Client) bool { return c.tcp == tcp })
}

func (m *Manager) findByUDP(udp netip.AddrPort) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := slices.IndexFunc(m.clients, func(c *Client) bool { return c.udp == udp }); i >= 0 {
		return m.clients[i]
	}
	return nil
}

func (m *Manager) snapshot() []*Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.clients)
}

// Clients returns the registered clients in registration order.
func (m *Manager) Clients() []ClientInfo {
	clients := m.snapshot()
	out := make([]ClientInfo, len(clients))
	for i, c := range clients {
		out[i] = c.info()
	}
	return out
}

func (m *Manager) sendProbe(c *Client, seq int32, rtt time.Duration) error {
	return m.tr.Events.Send(osc.NewMessage(AddrRTTRequest, int64(rtt/rttTick), seq), c.udp)
}

// SendStart tells every connected device to start playing. A non-zero at is
// sent as the scheduled start time.
func (m *Manager) SendStart(at time.Time) error {
	msg := osc.NewMessage(AddrStart)
	if !at.IsZero() {
		tt, err := osc.NewTimeTag(at)
		if err != nil {
			return fmt.Errorf("start time: %w", err)
		}
		msg.Args = append(msg.Args, tt)
	}
	m.log.Info().Time("at", at).Msg("Sending start")
	return m.tr.Control.Send(msg)
}

// SendPayload sends a named blob, typically a MIDI file, to every connected
// device.
func (m *Manager) SendPayload(name string, data []byte) error {
	m.log.Info().Str("name", name).Int("bytes", len(data)).Msg("Sending payload")
	return m.tr.Control.Send(osc.NewMessage(AddrMIDIInit, name, data))
}

// SendConfig gives each registered client its own range of octavesPerClient
// octaves, assigned consecutively in registration order.
func (m *Manager) SendConfig(octavesPerClient int) error {
	if octavesPerClient <= 0 {
		return fmt.Errorf("%w: %d", ErrOctaves, octavesPerClient)
	}
	start := 0
	for _, c := range m.snapshot() {
		msg := osc.NewMessage(AddrConfig, octavesPerClient, start)
		if err := m.tr.Control.SendTo(msg, c.tcp); err != nil {
			return err
		}
		m.log.Info().Str("client", c.name).Int("octaves", octavesPerClient).Int("start", start).Msg("Configured client")
		start += octavesPerClient
	}
	return nil
}

// sweep evicts clients silent for ClientTimeout and probes the others once
// per ProbeInterval.
func (m *Manager) sweep(now time.Time) {
	for _, c := range m.snapshot() {
		v, seq, rtt := c.check(now, m.cfg.ClientTimeout, m.cfg.ProbeInterval)
		switch v {
		case evict:
			if !m.removeClient(c) {
				continue
			}
			m.log.Info().Str("name", c.name).Str("tcp", c.tcp.String()).Msg("Client timed out")
			m.tr.Control.Disconnect(c.tcp)
			m.emitLeft(c.info())
		case probe:
			if err := m.sendProbe(c, seq, rtt); err != nil {
				m.log.Warn().Err(err).Str("client", c.name).Msg("Failed to send RTT probe")
			}
		}
	}
}

// Run sweeps the registry every SweepInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	m.loop(ctx, m.clock.Ticker(m.cfg.SweepInterval))
}

func (m *Manager) loop(ctx context.Context, ticker *clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(m.clock.Now())
		}
	}
}

// Start runs the sweep in the background until Stop.
func (m *Manager) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ticker := m.clock.Ticker(m.cfg.SweepInterval)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	go func() {
		defer close(done)
		m.loop(ctx, ticker)
	}()
}

// Stop ends the background sweep and waits for it to exit.
func (m *Manager) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel, m.done = nil, nil
}
