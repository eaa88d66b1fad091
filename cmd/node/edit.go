package node

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

const defaultConfigTemplate = `[node]
  lobby_name     = "Piano"
  bind_address   = "0.0.0.0"
  udp_port       = 0
  tcp_port       = 0
  synth_address  = "127.0.0.1:57120"
  client_timeout = "30s"
  probe_interval = "3s"
  sweep_interval = "1s"
  payload_dir    = "MIDIFiles"
  rpc_socket     = "/run/ensemble/node.sock"
  log_level      = "info"
  log_format     = "console"

[discovery]
  port          = 50001
  interval      = "1s"
  network_range = ""
  ttl           = 1

[control]
  rpc_socket = "/run/ensemble/node.sock"
`

// WriteDefaultConfig creates the file at path with the default settings
// unless it already exists. It reports whether a file was written.
func WriteDefaultConfig(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("checking %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, fmt.Errorf("creating directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0644); err != nil {
		return false, fmt.Errorf("writing default config: %w", err)
	}
	return true, nil
}

// findEditor returns $EDITOR, or the first of vi, nano and vim found in PATH.
func findEditor() (string, error) {
	if editor := os.Getenv("EDITOR"); editor != "" {
		return editor, nil
	}
	for _, e := range []string{"vi", "nano", "vim"} {
		if _, err := exec.LookPath(e); err == nil {
			return e, nil
		}
	}
	return "", fmt.Errorf("no editor found ($EDITOR environment variable not set, and vi/nano/vim not in PATH)")
}

// EditConfig opens the configuration file in the system editor.
// If the file does not exist, it creates it with default values.
func EditConfig(path string) error {
	created, err := WriteDefaultConfig(path)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("Created new config file at %s\n", path)
	}

	editor, err := findEditor()
	if err != nil {
		return err
	}

	cmd := exec.Command(editor, path)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("running %s: %w", editor, err)
	}

	// Catch typos before the node trips over them.
	if _, _, err := LoadConfig(path); err != nil {
		return err
	}
	return nil
}
