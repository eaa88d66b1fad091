package control

import (
	"bytes"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ensemble/internal/session"
)

func TestDisplayClientTable(t *testing.T) {
	now := time.Date(2024, 3, 1, 20, 0, 10, 0, time.UTC)
	var buf bytes.Buffer
	displayClientTable(&buf, []session.ClientInfo{{
		Name:         "Phone1",
		TCPAddr:      netip.MustParseAddrPort("10.0.0.5:51000"),
		UDPAddr:      netip.MustParseAddrPort("10.0.0.5:6000"),
		RTT:          1234567 * time.Nanosecond,
		LastResponse: now.Add(-4 * time.Second),
	}}, now)

	row := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")[2]
	for _, want := range []string{"Phone1", "10.0.0.5:51000", "10.0.0.5:6000", "1.235ms", "4s ago"} {
		if !strings.Contains(row, want) {
			t.Errorf("row %q missing %q", row, want)
		}
	}
}

func TestArgumentValidation(t *testing.T) {
	cfg := "/nonexistent/config.toml"
	if err := Start(cfg, []string{"soon"}); err == nil || !strings.Contains(err.Error(), "invalid delay") {
		t.Errorf("Start: got %v", err)
	}
	if err := Config(cfg, nil); err == nil || !strings.Contains(err.Error(), "usage") {
		t.Errorf("Config: got %v", err)
	}
	if err := Config(cfg, []string{"four"}); err == nil || !strings.Contains(err.Error(), "invalid octave count") {
		t.Errorf("Config: got %v", err)
	}
	if err := Push(cfg, nil); err == nil || !strings.Contains(err.Error(), "usage") {
		t.Errorf("Push: got %v", err)
	}
}

func TestLocalPath(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile("song.mid", []byte("MThd"), 0644); err != nil {
		t.Fatal(err)
	}

	got := localPath("song.mid")
	if !filepath.IsAbs(got) || filepath.Base(got) != "song.mid" {
		t.Errorf("existing file: got %s", got)
	}
	if got := localPath("elsewhere.mid"); got != "elsewhere.mid" {
		t.Errorf("missing file should pass through, got %s", got)
	}
	if got := localPath("/abs/song.mid"); got != "/abs/song.mid" {
		t.Errorf("absolute path changed: %s", got)
	}
}
