// Package tcp implements the control-channel server: every packet travels in
// a frame made of a 4-byte big-endian length followed by the encoded packet.
package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"ensemble/internal/netinfo"
	"ensemble/internal/osc"
)

const (
	defaultMaxFrame     = 16 << 20
	defaultWriteTimeout = 5 * time.Second
)

// ErrStopped is returned by Start once the server has been stopped.
var ErrStopped = errors.New("tcp: server stopped")

// Handler receives each decoded packet with the peer it came from.
type Handler func(p osc.Packet, from netip.AddrPort)

// Config controls the listening socket and per-connection limits.
type Config struct {
	// Addr is the local host:port to listen on. Port 0 picks an ephemeral port.
	Addr string
	// MaxFrame bounds the payload size of one inbound frame.
	MaxFrame int
	// WriteTimeout bounds a single frame write to one peer.
	WriteTimeout time.Duration
}

type conn struct {
	nc      net.Conn
	peer    netip.AddrPort
	writeMu sync.Mutex
	done    chan struct{}
}

// Server accepts framed OSC connections and multiplexes sends across them.
type Server struct {
	cfg Config
	log zerolog.Logger

	lifeMu     sync.Mutex
	ln         net.Listener
	acceptDone chan struct{}
	stopped    bool

	mu           sync.Mutex
	conns        []*conn
	handlers     []Handler
	disconnected []func(netip.AddrPort)
}

// New returns an unstarted server.
func New(cfg Config, log zerolog.Logger) *Server {
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = defaultMaxFrame
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Server{cfg: cfg, log: log}
}

// Subscribe registers h for every packet received after it returns. Handlers
// run on the receiving connection's goroutine.
func (s *Server) Subscribe(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// OnDisconnect registers fn to be called with the peer address whenever a
// connection ends, for any reason.
func (s *Server) OnDisconnect(fn func(peer netip.AddrPort)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = append(s.disconnected, fn)
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.ln != nil {
		return nil
	}

	ln, err := net.Listen("tcp4", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on TCP %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.acceptDone = make(chan struct{})
	go s.acceptLoop(ln, s.acceptDone)

	s.log.Info().Str("addr", ln.Addr().String()).Msg("TCP server started")
	return nil
}

// Stop closes the listener and every connection, and waits for all
// connection goroutines to exit. No handler runs after Stop returns.
func (s *Server) Stop() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.ln == nil {
		return nil
	}

	err := s.ln.Close()
	<-s.acceptDone

	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		if cerr := c.nc.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("closing %s: %w", c.peer, cerr))
		}
	}
	for _, c := range conns {
		<-c.done
	}

	s.log.Info().Int("connections", len(conns)).Msg("TCP server stopped")
	return err
}

// Addr returns the listening address, or the zero value when not running.
func (s *Server) Addr() netip.AddrPort {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.ln == nil {
		return netip.AddrPort{}
	}
	return s.ln.Addr().(*net.TCPAddr).AddrPort()
}

// Peers returns the addresses of the currently registered connections.
func (s *Server) Peers() []netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]netip.AddrPort, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.peer)
	}
	return out
}

// Send writes p to every registered connection.
func (s *Server) Send(p osc.Packet) error {
	frame, err := encodeFrame(p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conns := make([]*conn, len(s.conns))
	copy(conns, s.conns)
	s.mu.Unlock()

	for _, c := range conns {
		s.write(c, frame)
	}
	return nil
}

// SendTo writes p to the connection whose peer is dst. Without a matching
// connection it does nothing.
func (s *Server) SendTo(p osc.Packet, dst netip.AddrPort) error {
	frame, err := encodeFrame(p)
	if err != nil {
		return err
	}
	if c := s.find(dst); c != nil {
		s.write(c, frame)
	}
	return nil
}

// Disconnect closes the connection to dst. Its receive loop then unregisters
// it and notifies OnDisconnect observers.
func (s *Server) Disconnect(dst netip.AddrPort) {
	if c := s.find(dst); c != nil {
		c.nc.Close()
	}
}

func (s *Server) find(dst netip.AddrPort) *conn {
	dst = netinfo.Canonical(dst)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		if c.peer == dst {
			return c
		}
	}
	return nil
}

func (s *Server) write(c *conn, frame []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.nc.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if _, err := c.nc.Write(frame); err != nil {
		s.log.Warn().Err(err).Str("peer", c.peer.String()).Msg("TCP write failed, closing connection")
		c.nc.Close()
	}
}

func encodeFrame(p osc.Packet) ([]byte, error) {
	data, err := osc.Encode(p)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", p.Address(), err)
	}
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	return frame, nil
}

func (s *Server) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error().Err(err).Msg("TCP accept error")
			time.Sleep(10 * time.Millisecond)
			continue
		}

		c := &conn{
			nc:   nc,
			peer: netinfo.Canonical(nc.RemoteAddr().(*net.TCPAddr).AddrPort()),
			done: make(chan struct{}),
		}
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		go s.serve(c)

		s.log.Info().Str("peer", c.peer.String()).Msg("Client connected")
	}
}

func (s *Server) serve(c *conn) {
	defer close(c.done)
	defer s.drop(c)

	var hdr [4]byte
	for {
		if _, err := io.ReadFull(c.nc, hdr[:]); err != nil {
			s.logReadEnd(c, err)
			return
		}
		size := binary.BigEndian.Uint32(hdr[:])
		if size == 0 {
			s.log.Debug().Str("peer", c.peer.String()).Msg("Empty frame, closing connection")
			return
		}
		if int64(size) > int64(s.cfg.MaxFrame) {
			s.log.Warn().
				Str("peer", c.peer.String()).
				Uint32("size", size).
				Int("max", s.cfg.MaxFrame).
				Msg("Frame too large, closing connection")
			return
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(c.nc, payload); err != nil {
			s.logReadEnd(c, err)
			return
		}

		p, err := osc.Decode(payload)
		if err != nil {
			s.log.Warn().Err(err).Str("peer", c.peer.String()).Msg("Dropping malformed frame")
			continue
		}

		s.mu.Lock()
		handlers := s.handlers
		s.mu.Unlock()
		for _, h := range handlers {
			h(p, c.peer)
		}
	}
}

func (s *Server) logReadEnd(c *conn, err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		s.log.Debug().Str("peer", c.peer.String()).Msg("Connection closed")
		return
	}
	s.log.Warn().Err(err).Str("peer", c.peer.String()).Msg("Connection read failed")
}

// drop closes c, removes it from the registry and notifies observers.
func (s *Server) drop(c *conn) {
	c.nc.Close()

	s.mu.Lock()
	for i, other := range s.conns {
		if other == c {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			break
		}
	}
	observers := s.disconnected
	s.mu.Unlock()

	s.log.Info().Str("peer", c.peer.String()).Msg("Client disconnected")
	for _, fn := range observers {
		fn(c.peer)
	}
}
