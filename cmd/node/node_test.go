package node

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, found, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if found {
		t.Error("expected found=false for a missing file")
	}
	if cfg.Node.LobbyName != "Piano" {
		t.Errorf("LobbyName: got %s, want Piano", cfg.Node.LobbyName)
	}
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[node\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadConfig(path); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestNodeConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[node]
  lobby_name = "Recital"
  bind_address = "127.0.0.1"
  udp_port = 9000
  synth_address = "127.0.0.1:57110"
  client_timeout = "10s"

[discovery]
  port = 50002
  network_range = "192.168.1.0/24"
  ttl = 2
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, _, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	nc, err := NodeConfig(cfg)
	if err != nil {
		t.Fatalf("NodeConfig: %v", err)
	}
	if nc.Lobby != "Recital" || nc.BindAddr != "127.0.0.1" || nc.UDPPort != 9000 {
		t.Errorf("unexpected node settings: %+v", nc)
	}
	if nc.Session.SynthAddr != netip.MustParseAddrPort("127.0.0.1:57110") {
		t.Errorf("SynthAddr: got %s", nc.Session.SynthAddr)
	}
	if nc.Session.ClientTimeout != 10*time.Second {
		t.Errorf("ClientTimeout: got %v", nc.Session.ClientTimeout)
	}
	if nc.Session.ProbeInterval != 3*time.Second {
		t.Errorf("ProbeInterval: got %v", nc.Session.ProbeInterval)
	}
	if nc.Beacon.Target != netip.MustParseAddrPort("192.168.1.255:50002") {
		t.Errorf("Beacon.Target: got %s", nc.Beacon.Target)
	}
	if nc.Beacon.TTL != 2 || nc.Beacon.Interval != time.Second {
		t.Errorf("Beacon: got %+v", nc.Beacon)
	}
}

func TestNodeConfig_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad duration": "[node]\n  probe_interval = \"often\"\n",
		"bad synth":    "[node]\n  synth_address = \"nowhere\"\n",
		"bad range":    "[discovery]\n  network_range = \"10.0.0.0\"\n",
		"bad port":     "[discovery]\n  port = 70000\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				t.Fatal(err)
			}
			cfg, _, err := LoadConfig(path)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if _, err := NodeConfig(cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}
