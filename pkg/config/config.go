// Package config provides TOML configuration loading for ensemble.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration structure.
type Config struct {
	Node      NodeConfig      `toml:"node"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Control   ControlConfig   `toml:"control"`
}

// NodeConfig holds settings for the control node.
type NodeConfig struct {
	LobbyName     string `toml:"lobby_name"`
	BindAddress   string `toml:"bind_address"`
	UDPPort       int    `toml:"udp_port"`
	TCPPort       int    `toml:"tcp_port"`
	SynthAddress  string `toml:"synth_address"`
	ClientTimeout string `toml:"client_timeout"`
	ProbeInterval string `toml:"probe_interval"`
	SweepInterval string `toml:"sweep_interval"`
	PayloadDir    string `toml:"payload_dir"`
	RPCSocket     string `toml:"rpc_socket"`
	LogLevel      string `toml:"log_level"`
	LogFormat     string `toml:"log_format"`
}

// DiscoveryConfig holds settings for the lobby beacon and the discover command.
type DiscoveryConfig struct {
	Port         int    `toml:"port"`
	Interval     string `toml:"interval"`
	NetworkRange string `toml:"network_range"`
	TTL          int    `toml:"ttl"`
}

// ControlConfig holds settings for the one-shot control commands.
type ControlConfig struct {
	RPCSocket string `toml:"rpc_socket"`
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}

// ParseClientTimeout parses how long a silent client is kept.
func (n *NodeConfig) ParseClientTimeout() (time.Duration, error) {
	return parseDuration(n.ClientTimeout, 30*time.Second)
}

// ParseProbeInterval parses the minimum time between RTT probes.
func (n *NodeConfig) ParseProbeInterval() (time.Duration, error) {
	return parseDuration(n.ProbeInterval, 3*time.Second)
}

// ParseSweepInterval parses the liveness sweep period.
func (n *NodeConfig) ParseSweepInterval() (time.Duration, error) {
	return parseDuration(n.SweepInterval, time.Second)
}

// ParseSynthAddress parses the synthesizer's host:port.
func (n *NodeConfig) ParseSynthAddress() (netip.AddrPort, error) {
	if n.SynthAddress == "" {
		return netip.MustParseAddrPort("127.0.0.1:57120"), nil
	}
	ap, err := netip.ParseAddrPort(n.SynthAddress)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("synth_address: %w", err)
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

// ParseInterval parses the beacon period.
func (d *DiscoveryConfig) ParseInterval() (time.Duration, error) {
	return parseDuration(d.Interval, time.Second)
}

// Load reads and parses a TOML config file, applying defaults for unset values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(cfg)
	cfg.expandPaths()
	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.expandPaths()
	return cfg
}

func (cfg *Config) expandPaths() {
	cfg.Node.PayloadDir = ExpandPath(cfg.Node.PayloadDir)
	cfg.Node.RPCSocket = ExpandPath(cfg.Node.RPCSocket)
	cfg.Control.RPCSocket = ExpandPath(cfg.Control.RPCSocket)
}

// ExpandPath expands tilde (~) to the user's home directory.
func ExpandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	usr, err := user.Current()
	if err != nil {
		return path
	}
	if path == "~" {
		return usr.HomeDir
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(usr.HomeDir, path[2:])
	}
	return path
}

func applyDefaults(cfg *Config) {

	// Node defaults
	if cfg.Node.LobbyName == "" {
		cfg.Node.LobbyName = "Piano"
	}
	if cfg.Node.BindAddress == "" {
		cfg.Node.BindAddress = "0.0.0.0"
	}
	if cfg.Node.SynthAddress == "" {
		cfg.Node.SynthAddress = "127.0.0.1:57120"
	}
	if cfg.Node.ClientTimeout == "" {
		cfg.Node.ClientTimeout = "30s"
	}
	if cfg.Node.ProbeInterval == "" {
		cfg.Node.ProbeInterval = "3s"
	}
	if cfg.Node.SweepInterval == "" {
		cfg.Node.SweepInterval = "1s"
	}
	if cfg.Node.PayloadDir == "" {
		cfg.Node.PayloadDir = "MIDIFiles"
	}
	if cfg.Node.RPCSocket == "" {
		cfg.Node.RPCSocket = "/run/ensemble/node.sock"
	}
	if cfg.Node.LogLevel == "" {
		cfg.Node.LogLevel = "info"
	}
	if cfg.Node.LogFormat == "" {
		cfg.Node.LogFormat = "console"
	}

	// Discovery defaults
	if cfg.Discovery.Port == 0 {
		cfg.Discovery.Port = 50001
	}
	if cfg.Discovery.Interval == "" {
		cfg.Discovery.Interval = "1s"
	}
	if cfg.Discovery.TTL == 0 {
		cfg.Discovery.TTL = 1
	}

	// Control defaults
	if cfg.Control.RPCSocket == "" {
		cfg.Control.RPCSocket = cfg.Node.RPCSocket
	}
}
