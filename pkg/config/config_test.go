package config

import (
	"net/netip"
	"os"
	"os/user"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_ValidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")

	content := `
[node]
  lobby_name = "Recital"
  bind_address = "10.0.0.1"
  udp_port = 9000
  tcp_port = 9001
  synth_address = "10.0.0.2:57120"
  client_timeout = "45s"
  payload_dir = "/srv/midi"
  rpc_socket = "/tmp/test.sock"
  log_level = "debug"
  log_format = "json"

[discovery]
  port = 50002
  interval = "2s"
  network_range = "10.0.0.0/24"
  ttl = 2

[control]
  rpc_socket = "/tmp/other.sock"
`
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Node.LobbyName != "Recital" {
		t.Errorf("Node.LobbyName: got %s, want Recital", cfg.Node.LobbyName)
	}
	if cfg.Node.UDPPort != 9000 || cfg.Node.TCPPort != 9001 {
		t.Errorf("Node ports: got %d/%d, want 9000/9001", cfg.Node.UDPPort, cfg.Node.TCPPort)
	}
	if cfg.Node.PayloadDir != "/srv/midi" {
		t.Errorf("Node.PayloadDir: got %s, want /srv/midi", cfg.Node.PayloadDir)
	}
	if cfg.Node.LogFormat != "json" {
		t.Errorf("Node.LogFormat: got %s, want json", cfg.Node.LogFormat)
	}
	if cfg.Discovery.NetworkRange != "10.0.0.0/24" {
		t.Errorf("Discovery.NetworkRange: got %s, want 10.0.0.0/24", cfg.Discovery.NetworkRange)
	}
	if cfg.Discovery.TTL != 2 {
		t.Errorf("Discovery.TTL: got %d, want 2", cfg.Discovery.TTL)
	}
	if cfg.Control.RPCSocket != "/tmp/other.sock" {
		t.Errorf("Control.RPCSocket: got %s, want /tmp/other.sock", cfg.Control.RPCSocket)
	}

	timeout, err := cfg.Node.ParseClientTimeout()
	if err != nil || timeout != 45*time.Second {
		t.Errorf("ParseClientTimeout: got %v, %v", timeout, err)
	}
	synth, err := cfg.Node.ParseSynthAddress()
	if err != nil || synth != netip.MustParseAddrPort("10.0.0.2:57120") {
		t.Errorf("ParseSynthAddress: got %v, %v", synth, err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")

	// Minimal config, all defaults should apply
	content := `
[node]
  rpc_socket = "/tmp/node.sock"
`
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Node.LobbyName != "Piano" {
		t.Errorf("default LobbyName: got %s, want Piano", cfg.Node.LobbyName)
	}
	if cfg.Node.ClientTimeout != "30s" {
		t.Errorf("default ClientTimeout: got %s, want 30s", cfg.Node.ClientTimeout)
	}
	if cfg.Node.PayloadDir != "MIDIFiles" {
		t.Errorf("default PayloadDir: got %s, want MIDIFiles", cfg.Node.PayloadDir)
	}
	if cfg.Node.LogLevel != "info" {
		t.Errorf("default LogLevel: got %s, want info", cfg.Node.LogLevel)
	}
	if cfg.Discovery.Port != 50001 {
		t.Errorf("default Discovery.Port: got %d, want 50001", cfg.Discovery.Port)
	}
	if cfg.Discovery.TTL != 1 {
		t.Errorf("default Discovery.TTL: got %d, want 1", cfg.Discovery.TTL)
	}
	if cfg.Control.RPCSocket != "/tmp/node.sock" {
		t.Errorf("Control.RPCSocket should follow Node.RPCSocket, got %s", cfg.Control.RPCSocket)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Node.SynthAddress != "127.0.0.1:57120" {
		t.Errorf("default SynthAddress: got %s", cfg.Node.SynthAddress)
	}
	if cfg.Control.RPCSocket != "/run/ensemble/node.sock" {
		t.Errorf("default Control.RPCSocket: got %s", cfg.Control.RPCSocket)
	}
}

func TestLoad_NonexistentFile(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")

	if err := os.WriteFile(cfgPath, []byte("invalid [[[ toml"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(cfgPath)
	if err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestParseDurations_Defaults(t *testing.T) {
	n := &NodeConfig{}
	tests := []struct {
		name  string
		parse func() (time.Duration, error)
		want  time.Duration
	}{
		{"client timeout", n.ParseClientTimeout, 30 * time.Second},
		{"probe interval", n.ParseProbeInterval, 3 * time.Second},
		{"sweep interval", n.ParseSweepInterval, time.Second},
		{"beacon interval", (&DiscoveryConfig{}).ParseInterval, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := tt.parse()
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if d != tt.want {
				t.Errorf("got %v, want %v", d, tt.want)
			}
		})
	}
}

func TestParseDurations_Invalid(t *testing.T) {
	for _, s := range []string{"soon", "-1s", "0s"} {
		n := &NodeConfig{ProbeInterval: s}
		if _, err := n.ParseProbeInterval(); err == nil {
			t.Errorf("ParseProbeInterval(%q): expected error", s)
		}
	}
}

func TestParseSynthAddress_Invalid(t *testing.T) {
	n := &NodeConfig{SynthAddress: "localhost"}
	if _, err := n.ParseSynthAddress(); err == nil {
		t.Error("expected error for address without port")
	}
}

func TestParseSynthAddress(t *testing.T) {
	tests := map[string]string{
		"":                      "127.0.0.1:57120",
		"10.0.0.2:57120":        "10.0.0.2:57120",
		"[::ffff:10.0.0.2]:900": "10.0.0.2:900",
	}
	for in, want := range tests {
		n := &NodeConfig{SynthAddress: in}
		got, err := n.ParseSynthAddress()
		if err != nil {
			t.Errorf("ParseSynthAddress(%q): %v", in, err)
			continue
		}
		if got != netip.MustParseAddrPort(want) {
			t.Errorf("ParseSynthAddress(%q): got %s, want %s", in, got, want)
		}
	}
}

func TestExpandPath(t *testing.T) {
	if got := ExpandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("absolute path changed: %s", got)
	}
	usr, err := user.Current()
	if err != nil {
		t.Skip("no current user")
	}
	if got := ExpandPath("~/midi"); got != filepath.Join(usr.HomeDir, "midi") {
		t.Errorf("ExpandPath(~/midi): got %s, want %s", got, filepath.Join(usr.HomeDir, "midi"))
	}
}
