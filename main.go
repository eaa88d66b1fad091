// ensemble: control node for a LAN ensemble of piano devices.
//
// Usage:
//
//	ensemble node     - advertise the lobby and run the operator console
//	ensemble discover - list lobbies advertised on the LAN
//	ensemble clients  - list devices registered with a running node
package main

import (
	"fmt"
	"os"
	"strings"

	"ensemble/cmd/control"
	"ensemble/cmd/discover"
	"ensemble/cmd/node"
)

const (
	defaultSystemPath = "/etc/ensemble/config.toml"
	defaultLocalPath  = "config.toml"
	version           = "1.0.0"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	configPath := ""

	// Parse --config flag if present
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" && i+1 < len(args) {
			configPath = args[i+1]
			args = append(args[:i], args[i+2:]...)
			i--
			continue
		}
		if strings.HasPrefix(arg, "--config=") {
			configPath = strings.TrimPrefix(arg, "--config=")
			args = append(args[:i], args[i+1:]...)
			i--
			continue
		}
	}

	// Auto-discover config if not specified
	if configPath == "" {
		if _, err := os.Stat(defaultLocalPath); err == nil {
			configPath = defaultLocalPath
		} else {
			configPath = defaultSystemPath
		}
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	subcommand, rest := args[0], args[1:]
	var err error

	switch subcommand {
	case "node":
		err = node.Run(configPath)
	case "discover":
		err = discover.Run(configPath, rest)
	case "clients":
		err = control.Clients(configPath)
	case "start":
		err = control.Start(configPath, rest)
	case "config":
		err = control.Config(configPath, rest)
	case "push":
		err = control.Push(configPath, rest)
	case "edit":
		err = node.EditConfig(configPath)
	case "version":
		fmt.Printf("ensemble v%s\n", version)
		return
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`ensemble v%s - control node for networked piano devices

Usage:
  ensemble <command> [--config <path>] [args]

Commands:
  node                 Advertise the lobby and run the interactive console
  discover [--watch]   List lobbies advertised on the LAN
  clients              List devices registered with the running node
  start [delay]        Start the performance, optionally after a delay (e.g. 2s)
  config <n>           Assign n octaves to each device
  push <path> [name]   Send a MIDI file to every device
  edit                 Edit the configuration file in your system editor
  version              Print version information
  help                 Show this help message

Options:
  --config <path>  Path to config file (default: looks for ./config.toml, then %s)

Examples:
  ensemble node                         # Start the node with default config
  ensemble push song.mid                # Send MIDIFiles/song.mid to all devices
  ensemble start 3s                     # Start three seconds from now

`, version, defaultSystemPath)
}
