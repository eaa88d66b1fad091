package session

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"ensemble/internal/beacon"
	"ensemble/internal/tcp"
	"ensemble/internal/udp"
)

// NodeConfig describes a complete control node.
type NodeConfig struct {
	Session Config
	// Lobby is the name advertised to devices.
	Lobby string
	// BindAddr is the local IP both device-facing sockets bind to.
	BindAddr string
	// UDPPort and TCPPort may be zero to pick ephemeral ports.
	UDPPort int
	TCPPort int
	// Beacon controls the advertisement broadcast.
	Beacon beacon.Config
}

// Node is a running control node: the manager wired to its transports and
// advertised on the LAN.
type Node struct {
	*Manager

	events *udp.Endpoint
	synth  *udp.Endpoint
	server *tcp.Server
	beacon *beacon.Beacon
	log    zerolog.Logger
}

// Listen binds every transport, starts the beacon and the liveness sweep.
func Listen(cfg NodeConfig, log zerolog.Logger, opts ...Option) (*Node, error) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "0.0.0.0"
	}
	n := &Node{
		events: udp.New(udp.Config{
			Addr:      hostPort(cfg.BindAddr, cfg.UDPPort),
			Broadcast: true,
		}, log.With().Str("component", "events").Logger()),
		synth: udp.New(udp.Config{
			Addr:     hostPort(cfg.BindAddr, 0),
			SendOnly: true,
		}, log.With().Str("component", "synth").Logger()),
		server: tcp.New(tcp.Config{
			Addr: hostPort(cfg.BindAddr, cfg.TCPPort),
		}, log.With().Str("component", "control").Logger()),
		beacon: beacon.New(cfg.Beacon, log.With().Str("component", "beacon").Logger()),
		log:    log,
	}
	n.Manager = New(cfg.Session, Transports{
		Control: n.server,
		Events:  n.events,
		Synth:   n.synth,
	}, log, opts...)

	n.events.Subscribe(n.HandlePacket)
	n.server.Subscribe(n.HandlePacket)
	n.server.OnDisconnect(n.HandleDisconnect)

	if err := n.start(cfg.Lobby); err != nil {
		return nil, multierr.Append(err, n.Close())
	}
	return n, nil
}

func (n *Node) start(lobby string) error {
	if err := n.synth.Start(); err != nil {
		return err
	}
	if err := n.events.Start(); err != nil {
		return err
	}
	if err := n.server.Start(); err != nil {
		return err
	}
	ad := beacon.Advertisement(int(n.EventsAddr().Port()), int(n.ControlAddr().Port()), lobby)
	if err := n.beacon.Start(ad); err != nil {
		return fmt.Errorf("starting beacon: %w", err)
	}
	n.Manager.Start()

	n.log.Info().
		Str("lobby", lobby).
		Str("events", n.EventsAddr().String()).
		Str("control", n.ControlAddr().String()).
		Msg("Node ready")
	return nil
}

// EventsAddr is the bound UDP address.
func (n *Node) EventsAddr() netip.AddrPort { return n.events.LocalAddr() }

// ControlAddr is the bound TCP address.
func (n *Node) ControlAddr() netip.AddrPort { return n.server.Addr() }

// Close stops the beacon, the sweep and every transport.
func (n *Node) Close() error {
	err := n.beacon.Stop()
	n.Manager.Stop()
	err = multierr.Append(err, n.server.Stop())
	err = multierr.Append(err, n.events.Stop())
	err = multierr.Append(err, n.synth.Stop())
	return err
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
