// Package control implements the one-shot commands that drive a running node
// over its RPC socket: clients, start, config and push.
package control

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"ensemble/internal/rpc"
	"ensemble/internal/session"
	"ensemble/pkg/config"
)

func dial(configPath string) (*rpc.Client, error) {
	socket := config.Default().Control.RPCSocket
	if cfg, err := config.Load(configPath); err == nil {
		socket = cfg.Control.RPCSocket
	}
	client, err := rpc.NewClient(socket)
	if err != nil {
		return nil, fmt.Errorf("connecting to node: %w\nIs 'ensemble node' running?", err)
	}
	return client, nil
}

// Clients prints the devices registered with the node.
func Clients(configPath string) error {
	client, err := dial(configPath)
	if err != nil {
		return err
	}
	defer client.Close()

	clients, err := client.ListClients()
	if err != nil {
		return fmt.Errorf("fetching clients: %w", err)
	}
	if len(clients) == 0 {
		fmt.Println("No clients connected. Make sure devices have joined the lobby.")
		return nil
	}

	fmt.Printf("\n  Connected Clients (%d found)\n\n", len(clients))
	displayClientTable(os.Stdout, clients, time.Now())
	return nil
}

// Start asks the node to start the performance, after an optional delay.
func Start(configPath string, args []string) error {
	var delay time.Duration
	switch len(args) {
	case 0:
	case 1:
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return fmt.Errorf("invalid delay %q: %w", args[0], err)
		}
		delay = d
	default:
		return fmt.Errorf("usage: ensemble start [delay]")
	}

	client, err := dial(configPath)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Start(delay); err != nil {
		return fmt.Errorf("starting: %w", err)
	}
	fmt.Println("✓ Start sent")
	return nil
}

// Config asks the node to assign octave ranges.
func Config(configPath string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: ensemble config <octaves per client>")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid octave count %q", args[0])
	}

	client, err := dial(configPath)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Configure(n); err != nil {
		return fmt.Errorf("configuring: %w", err)
	}
	fmt.Printf("✓ Octave config sent (%d per client)\n", n)
	return nil
}

// Push asks the node to send a MIDI file to every device.
func Push(configPath string, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: ensemble push <path> [name]")
	}
	path := localPath(args[0])
	name := ""
	if len(args) == 2 {
		name = args[1]
	}

	client, err := dial(configPath)
	if err != nil {
		return err
	}
	defer client.Close()

	resolved, n, err := client.PushPayload(path, name)
	if err != nil {
		return fmt.Errorf("pushing payload: %w", err)
	}
	fmt.Printf("✓ Sent %s (%d bytes)\n", resolved, n)
	return nil
}

// localPath makes path absolute when it names a file relative to the
// caller's directory, so the node does not resolve it against its own.
func localPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if _, err := os.Stat(path); err != nil {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

func displayClientTable(w io.Writer, clients []session.ClientInfo, now time.Time) {
	fmt.Fprintf(w, "  %-4s %-20s %-22s %-22s %-10s %-10s\n",
		"#", "Name", "TCP", "UDP", "RTT", "Last Seen")
	fmt.Fprintf(w, "  %s %s %s %s %s %s\n",
		strings.Repeat("─", 4),
		strings.Repeat("─", 20),
		strings.Repeat("─", 22),
		strings.Repeat("─", 22),
		strings.Repeat("─", 10),
		strings.Repeat("─", 10))

	for i, c := range clients {
		fmt.Fprintf(w, "  %-4d %-20s %-22s %-22s %-10s %-10s\n",
			i+1,
			truncate(c.Name, 20),
			c.TCPAddr,
			c.UDPAddr,
			c.RTT.Round(time.Microsecond),
			now.Sub(c.LastResponse).Round(time.Second).String()+" ago",
		)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-1] + "…"
}
