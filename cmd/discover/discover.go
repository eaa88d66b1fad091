// Package discover implements the ensemble discover command, which lists the
// lobbies advertised on the local network.
package discover

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"ensemble/internal/discovery"
	"ensemble/pkg/config"
	"ensemble/pkg/logger"
)

// Run listens for advertisements for the given time, or until interrupted
// with --watch, and prints the lobbies found.
func Run(configPath string, args []string) error {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	timeout := fs.Duration("timeout", 3*time.Second, "how long to listen")
	watch := fs.Bool("watch", false, "keep listening and print lobbies as they appear")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		cfg = config.Default()
	}
	log := logger.Init(cfg.Node.LogLevel, cfg.Node.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if !*watch {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	table := discovery.NewTable()
	found := func(l discovery.Lobby) {
		if table.Update(l) && *watch {
			fmt.Printf("Found %q at %s (udp %d)\n", l.Name, l.ControlAddr(), l.UDPPort)
		}
	}

	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Discovery.Port))
	if !*watch {
		fmt.Printf("Listening for lobbies on %s for %s...\n", addr, *timeout)
	}
	if err := discovery.Listen(ctx, discovery.Config{Addr: addr}, log, found); err != nil {
		return err
	}

	if !*watch {
		lobbies := table.List()
		if len(lobbies) == 0 {
			fmt.Println("No lobbies found. Is a node running on this network?")
			return nil
		}
		fmt.Printf("\n  Lobbies (%d found)\n\n", len(lobbies))
		displayLobbyTable(os.Stdout, lobbies)
	}
	return nil
}

func displayLobbyTable(w io.Writer, lobbies []discovery.Lobby) {
	fmt.Fprintf(w, "  %-4s %-20s %-16s %-8s %-8s %-10s\n",
		"#", "Lobby", "Host", "UDP", "TCP", "Last Seen")
	fmt.Fprintf(w, "  %s %s %s %s %s %s\n",
		strings.Repeat("─", 4),
		strings.Repeat("─", 20),
		strings.Repeat("─", 16),
		strings.Repeat("─", 8),
		strings.Repeat("─", 8),
		strings.Repeat("─", 10))

	for i, l := range lobbies {
		fmt.Fprintf(w, "  %-4d %-20s %-16s %-8d %-8d %-10s\n",
			i+1,
			truncate(l.Name, 20),
			l.Host,
			l.UDPPort,
			l.TCPPort,
			l.SeenAt.Format("15:04:05"),
		)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-1] + "…"
}
