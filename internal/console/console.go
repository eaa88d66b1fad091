// Package console implements the operator's interactive command line.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"ensemble/internal/session"
)

const prompt = "ensemble> "

// ErrQuit is returned by Run when the operator asked to stop the node.
var ErrQuit = errors.New("console: quit")

// Controller carries out operator commands.
type Controller interface {
	Start(delay time.Duration) error
	Configure(octavesPerClient int) error
	PushPayload(path, name string) (string, int, error)
	Clients() []session.ClientInfo
}

// Console parses command lines and reports session events.
type Console struct {
	ctl Controller
	log zerolog.Logger

	mu    sync.Mutex
	out   io.Writer
	total float64
}

// New returns a console writing to out.
func New(ctl Controller, out io.Writer, log zerolog.Logger) *Console {
	return &Console{ctl: ctl, out: out, log: log}
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *Console) setOutput(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = w
}

// Score reports a score received from a device and the running total.
func (c *Console) Score(v float32) {
	c.mu.Lock()
	c.total += float64(v)
	total := c.total
	c.mu.Unlock()
	c.printf("Score %+g (total %g)\n", v, total)
}

// ClientJoined reports a new device.
func (c *Console) ClientJoined(ci session.ClientInfo) {
	c.printf("Client joined: %s (tcp %s, udp %s)\n", ci.Name, ci.TCPAddr, ci.UDPAddr)
}

// ClientLeft reports a device that disconnected or timed out.
func (c *Console) ClientLeft(ci session.ClientInfo) {
	c.printf("Client left: %s (%s)\n", ci.Name, ci.TCPAddr)
}

// PrintHelp lists the commands.
func (c *Console) PrintHelp() {
	c.printf(`Commands:
  start [delay]          Start the music, optionally after a delay (e.g. 2s)
  config <octaves>       Give every client its own range of <octaves> octaves
  midi <path> [name]     Send a MIDI file to the clients, optionally renamed
  clients                List the connected clients
  help                   Show this help
  quit                   Stop the node
`)
}

// Execute runs one command line. It reports false when the operator asked
// to quit. Errors are printed and never end the console.
func (c *Console) Execute(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}

	cmd, args := fields[0], fields[1:]
	var err error
	switch cmd {
	case "start":
		err = c.start(args)
	case "config":
		err = c.configure(args)
	case "midi":
		err = c.midi(args)
	case "clients":
		c.listClients()
	case "help", "?":
		c.PrintHelp()
	case "quit", "exit":
		return false
	default:
		err = fmt.Errorf("unknown command %q, type 'help' for a list", cmd)
	}
	if err != nil {
		c.printf("Error: %v\n", err)
		c.log.Debug().Err(err).Str("line", line).Msg("Command failed")
	}
	return true
}

func (c *Console) start(args []string) error {
	if len(args) > 1 {
		return errors.New("usage: start [delay]")
	}
	var delay time.Duration
	if len(args) == 1 {
		d, err := parseDelay(args[0])
		if err != nil {
			return err
		}
		delay = d
	}
	if err := c.ctl.Start(delay); err != nil {
		return err
	}
	c.printf("Sending start...\n")
	return nil
}

// parseDelay accepts a Go duration or a plain number of seconds.
func parseDelay(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid delay %q", s)
	}
	return d, nil
}

func (c *Console) configure(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: config <octaves per client>")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid octave count %q", args[0])
	}
	if err := c.ctl.Configure(n); err != nil {
		return err
	}
	c.printf("Sending octave config...\n")
	return nil
}

func (c *Console) midi(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: midi <path> [name]")
	}
	name := ""
	if len(args) == 2 {
		name = args[1]
	}
	path, n, err := c.ctl.PushPayload(args[0], name)
	if err != nil {
		return err
	}
	c.printf("Sent %s (%d bytes)\n", path, n)
	return nil
}

func (c *Console) listClients() {
	clients := c.ctl.Clients()
	if len(clients) == 0 {
		c.printf("No clients connected.\n")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "  %-4s %-20s %-22s %-22s %-10s\n", "#", "Name", "TCP", "UDP", "RTT")
	fmt.Fprintf(c.out, "  %s %s %s %s %s\n",
		strings.Repeat("─", 4),
		strings.Repeat("─", 20),
		strings.Repeat("─", 22),
		strings.Repeat("─", 22),
		strings.Repeat("─", 10))
	for i, ci := range clients {
		fmt.Fprintf(c.out, "  %-4d %-20s %-22s %-22s %-10s\n",
			i+1, truncate(ci.Name, 20), ci.TCPAddr, ci.UDPAddr, ci.RTT.Round(time.Microsecond))
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-1] + "…"
}

type lineReader interface {
	ReadLine() (string, error)
}

type scanner struct{ *bufio.Scanner }

func (s scanner) ReadLine() (string, error) {
	if !s.Scan() {
		if err := s.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return s.Text(), nil
}

// Run reads commands from in until quit, end of input or ctx is done. It
// returns ErrQuit after a quit command and nil otherwise.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	c.PrintHelp()
	return c.loop(ctx, scanner{bufio.NewScanner(in)})
}

// RunTerminal runs the console on the terminal behind fd with line editing
// and history. When fd is not a terminal it falls back to Run on stdin.
func (c *Console) RunTerminal(ctx context.Context, fd int) error {
	if !term.IsTerminal(fd) {
		return c.Run(ctx, os.Stdin)
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("entering raw mode: %w", err)
	}
	defer term.Restore(fd, state)

	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, prompt)
	if w, h, err := term.GetSize(fd); err == nil {
		t.SetSize(w, h)
	}
	c.setOutput(t)
	defer c.setOutput(os.Stdout)

	c.PrintHelp()
	return c.loop(ctx, t)
}

func (c *Console) loop(ctx context.Context, r lineReader) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		for {
			line, err := r.ReadLine()
			if err != nil {
				errc <- err
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading command: %w", err)
		case line := <-lines:
			if !c.Execute(line) {
				return ErrQuit
			}
		}
	}
}
