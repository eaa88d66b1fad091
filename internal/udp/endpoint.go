// Package udp implements a connectionless OSC endpoint: one bound socket, a
// background receive loop that decodes each datagram, and fire-and-forget
// sends.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"

	"ensemble/internal/netinfo"
	"ensemble/internal/osc"
)

const maxDatagram = 64 * 1024

// ErrStopped is returned by Start once the endpoint has been stopped.
var ErrStopped = errors.New("udp: endpoint stopped")

// Handler receives each decoded packet with its sender.
type Handler func(p osc.Packet, from netip.AddrPort)

// Config controls how the endpoint binds its socket.
type Config struct {
	// Addr is the local host:port to bind. Port 0 picks an ephemeral port.
	Addr string
	// Broadcast allows sending to broadcast addresses.
	Broadcast bool
	// TTL sets the IPv4 time-to-live of outgoing datagrams when positive.
	TTL int
	// SendOnly skips the receive loop.
	SendOnly bool
	// ReadBuffer sets the socket receive buffer size when positive.
	ReadBuffer int
}

// Endpoint owns one UDP socket. It can be started once; after Stop a new
// Endpoint must be created.
type Endpoint struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	conn     *net.UDPConn
	done     chan struct{}
	stopped  bool
	handlers []Handler
}

// New returns an unstarted endpoint.
func New(cfg Config, log zerolog.Logger) *Endpoint {
	return &Endpoint{cfg: cfg, log: log}
}

// Subscribe registers h for every packet received after it returns. Handlers
// run on the receive goroutine in subscription order.
func (e *Endpoint) Subscribe(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Start binds the socket and launches the receive loop. Calling Start on a
// running endpoint does nothing.
func (e *Endpoint) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrStopped
	}
	if e.conn != nil {
		return nil
	}

	lc := net.ListenConfig{}
	if e.cfg.Broadcast {
		lc.Control = func(_, _ string, rc syscall.RawConn) error {
			return enableBroadcast(rc)
		}
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", e.cfg.Addr)
	if err != nil {
		return fmt.Errorf("binding UDP %s: %w", e.cfg.Addr, err)
	}
	conn := pc.(*net.UDPConn)

	if e.cfg.TTL > 0 {
		if err := ipv4.NewPacketConn(conn).SetTTL(e.cfg.TTL); err != nil {
			e.log.Warn().Err(err).Int("ttl", e.cfg.TTL).Msg("Failed to set TTL")
		}
	}
	if e.cfg.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(e.cfg.ReadBuffer); err != nil {
			e.log.Warn().Err(err).Msg("Failed to set read buffer")
		}
	}

	e.conn = conn
	if !e.cfg.SendOnly {
		e.done = make(chan struct{})
		go e.receive(conn, e.done)
	}

	e.log.Info().
		Str("addr", conn.LocalAddr().String()).
		Bool("broadcast", e.cfg.Broadcast).
		Msg("UDP endpoint started")
	return nil
}

// Stop closes the socket and waits for the receive loop to exit. No handler
// runs after Stop returns. Stop must not be called from a Handler.
func (e *Endpoint) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	conn, done := e.conn, e.done
	e.conn, e.done = nil, nil
	e.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	if done != nil {
		<-done
	}
	e.log.Info().Str("addr", conn.LocalAddr().String()).Msg("UDP endpoint stopped")
	return err
}

// LocalAddr returns the bound address, or the zero value when not running.
func (e *Endpoint) LocalAddr() netip.AddrPort {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return netip.AddrPort{}
	}
	return e.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Send encodes p and transmits it to dst. Only encoding failures are
// reported; a stopped endpoint or a failed write is silently dropped.
func (e *Endpoint) Send(p osc.Packet, dst netip.AddrPort) error {
	data, err := osc.Encode(p)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", p.Address(), err)
	}
	e.Write(data, dst)
	return nil
}

// Write transmits an already encoded packet to dst.
func (e *Endpoint) Write(data []byte, dst netip.AddrPort) {
	conn := e.current()
	if conn == nil {
		return
	}
	if _, err := conn.WriteToUDPAddrPort(data, dst); err != nil {
		e.log.Debug().Err(err).Str("dst", dst.String()).Msg("UDP send failed")
	}
}

func (e *Endpoint) current() *net.UDPConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

func (e *Endpoint) subscribers() []Handler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handlers
}

func (e *Endpoint) receive(conn *net.UDPConn, done chan struct{}) {
	defer close(done)

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if e.current() != conn {
			// Stopped while blocked in the read; whatever arrived is stale.
			return
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.log.Warn().Err(err).Msg("Error reading from UDP")
			continue
		}
		if n == 0 {
			continue
		}

		p, err := osc.Decode(buf[:n])
		if err != nil {
			e.log.Warn().
				Err(err).
				Str("src", from.String()).
				Int("bytes", n).
				Msg("Dropping malformed datagram")
			continue
		}

		from = netinfo.Canonical(from)
		for _, h := range e.subscribers() {
			h(p, from)
		}
	}
}
