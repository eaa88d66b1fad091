package discover

import (
	"bytes"
	"net/netip"
	"strings"
	"testing"
	"time"

	"ensemble/internal/discovery"
)

func TestDisplayLobbyTable(t *testing.T) {
	var buf bytes.Buffer
	displayLobbyTable(&buf, []discovery.Lobby{{
		Name:    "A very long lobby name indeed",
		Host:    netip.MustParseAddr("192.168.1.20"),
		UDPPort: 6000,
		TCPPort: 7000,
		SeenAt:  time.Date(2024, 3, 1, 20, 15, 0, 0, time.UTC),
	}})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header, rule and one row, got %d lines:\n%s", len(lines), buf.String())
	}
	row := lines[2]
	for _, want := range []string{"A very long lobby n…", "192.168.1.20", "6000", "7000", "20:15:00"} {
		if !strings.Contains(row, want) {
			t.Errorf("row %q missing %q", row, want)
		}
	}
}

func TestRun_BadFlag(t *testing.T) {
	if err := Run("/nonexistent/config.toml", []string{"--bogus"}); err == nil {
		t.Error("expected error for unknown flag")
	}
}
