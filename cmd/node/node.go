// Package node implements the ensemble node command: the control node with
// its operator console and RPC socket.
package node

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"ensemble/internal/console"
	"ensemble/internal/control"
	"ensemble/internal/netinfo"
	"ensemble/internal/rpc"
	"ensemble/internal/session"
	"ensemble/pkg/config"
	"ensemble/pkg/logger"
)

// LoadConfig loads the file at configPath, or the defaults when it does not
// exist.
func LoadConfig(configPath string) (*config.Config, bool, error) {
	cfg, err := config.Load(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading config: %w", err)
	}
	return cfg, true, nil
}

// NodeConfig translates the file configuration into the node's settings.
func NodeConfig(cfg *config.Config) (session.NodeConfig, error) {
	var nc session.NodeConfig
	var err error

	if nc.Session.SynthAddr, err = cfg.Node.ParseSynthAddress(); err != nil {
		return nc, err
	}
	if nc.Session.ClientTimeout, err = cfg.Node.ParseClientTimeout(); err != nil {
		return nc, fmt.Errorf("parsing client_timeout: %w", err)
	}
	if nc.Session.ProbeInterval, err = cfg.Node.ParseProbeInterval(); err != nil {
		return nc, fmt.Errorf("parsing probe_interval: %w", err)
	}
	if nc.Session.SweepInterval, err = cfg.Node.ParseSweepInterval(); err != nil {
		return nc, fmt.Errorf("parsing sweep_interval: %w", err)
	}
	if nc.Beacon.Interval, err = cfg.Discovery.ParseInterval(); err != nil {
		return nc, fmt.Errorf("parsing discovery interval: %w", err)
	}

	target, err := netinfo.DiscoveryTarget(cfg.Discovery.NetworkRange)
	if err != nil {
		return nc, fmt.Errorf("computing broadcast address: %w", err)
	}
	if cfg.Discovery.Port <= 0 || cfg.Discovery.Port > 65535 {
		return nc, fmt.Errorf("discovery port %d out of range", cfg.Discovery.Port)
	}
	nc.Beacon.Target = netip.AddrPortFrom(target, uint16(cfg.Discovery.Port))
	nc.Beacon.TTL = cfg.Discovery.TTL

	nc.Lobby = cfg.Node.LobbyName
	nc.BindAddr = cfg.Node.BindAddress
	nc.UDPPort = cfg.Node.UDPPort
	nc.TCPPort = cfg.Node.TCPPort
	return nc, nil
}

// Run starts the control node and its operator console.
func Run(configPath string) error {
	cfg, found, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	log := logger.Init(cfg.Node.LogLevel, cfg.Node.LogFormat)
	if !found {
		log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
	}

	nc, err := NodeConfig(cfg)
	if err != nil {
		return err
	}

	node, err := session.Listen(nc, log)
	if err != nil {
		return fmt.Errorf("starting node: %w", err)
	}

	surface := control.New(node, cfg.Node.PayloadDir, log)
	con := console.New(surface, os.Stdout, log)
	node.OnScore(con.Score)
	node.OnClientJoined(con.ClientJoined)
	node.OnClientLeft(con.ClientLeft)

	rpcServer := startRPC(cfg.Node.RPCSocket, surface, log)

	log.Info().
		Str("lobby", nc.Lobby).
		Str("beacon_target", nc.Beacon.Target.String()).
		Msg("Ensemble node running")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := con.RunTerminal(gctx, int(os.Stdin.Fd()))
		if errors.Is(err, console.ErrQuit) {
			cancel()
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		var err error
		if rpcServer != nil {
			err = rpcServer.Close()
		}
		return multierr.Append(err, node.Close())
	})
	return g.Wait()
}

func startRPC(socket string, ctl rpc.Controller, log zerolog.Logger) *rpc.Server {
	sockDir := filepath.Dir(socket)
	if err := os.MkdirAll(sockDir, 0700); err != nil {
		log.Warn().Err(err).Str("dir", sockDir).Msg("Cannot create socket directory, control commands disabled")
		return nil
	}
	srv, err := rpc.StartServer(socket, ctl, log.With().Str("component", "rpc").Logger())
	if err != nil {
		log.Warn().Err(err).Msg("RPC server unavailable, control commands disabled")
		return nil
	}
	return srv
}
