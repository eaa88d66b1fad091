// Package control turns operator commands into session operations.
package control

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"ensemble/internal/session"
)

// DefaultPayloadName is the name devices store a pushed payload under when
// the operator gives none.
const DefaultPayloadName = "midiFile"

// MaxPayload bounds the size of a pushed file so it fits one control frame.
const MaxPayload = 16<<20 - 1024

var midiHeader = []byte("MThd")

// ErrEmptyPayload is returned when the payload file has no content.
var ErrEmptyPayload = errors.New("payload file is empty")

// Session is the part of the session manager the operator drives.
type Session interface {
	SendStart(at time.Time) error
	SendPayload(name string, data []byte) error
	SendConfig(octavesPerClient int) error
	Clients() []session.ClientInfo
}

// Surface implements the operator commands shared by the console and RPC.
type Surface struct {
	sess       Session
	payloadDir string
	clock      clock.Clock
	log        zerolog.Logger
}

// Option configures a Surface.
type Option func(*Surface)

// WithClock replaces the wall clock used to schedule delayed starts.
func WithClock(c clock.Clock) Option {
	return func(s *Surface) { s.clock = c }
}

// New returns a surface resolving relative payload paths against payloadDir.
func New(sess Session, payloadDir string, log zerolog.Logger, opts ...Option) *Surface {
	s := &Surface{
		sess:       sess,
		payloadDir: payloadDir,
		clock:      clock.New(),
		log:        log.With().Str("component", "control").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start tells every device to start. A positive delay schedules the start
// that far in the future.
func (s *Surface) Start(delay time.Duration) error {
	if delay < 0 {
		return fmt.Errorf("start delay %s is negative", delay)
	}
	var at time.Time
	if delay > 0 {
		at = s.clock.Now().Add(delay)
	}
	return s.sess.SendStart(at)
}

// Configure gives each device octavesPerClient octaves.
func (s *Surface) Configure(octavesPerClient int) error {
	return s.sess.SendConfig(octavesPerClient)
}

// PushPayload reads the file at path and sends it to every device as name.
// It returns the resolved path and the number of bytes sent.
func (s *Surface) PushPayload(path, name string) (string, int, error) {
	if name == "" {
		name = DefaultPayloadName
	}
	resolved, err := s.Resolve(path)
	if err != nil {
		return "", 0, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return resolved, 0, fmt.Errorf("reading payload: %w", err)
	}
	if len(data) == 0 {
		return resolved, 0, fmt.Errorf("%s: %w", resolved, ErrEmptyPayload)
	}
	if len(data) > MaxPayload {
		return resolved, 0, fmt.Errorf("%s: %d bytes exceeds the %d byte limit", resolved, len(data), MaxPayload)
	}
	if !bytes.HasPrefix(data, midiHeader) {
		s.log.Warn().Str("path", resolved).Msg("Payload does not look like a MIDI file")
	}

	if err := s.sess.SendPayload(name, data); err != nil {
		return resolved, 0, err
	}
	return resolved, len(data), nil
}

// Clients returns the registered devices.
func (s *Surface) Clients() []session.ClientInfo {
	return s.sess.Clients()
}

// Resolve maps a payload path to a file. Absolute paths are used as they
// are. Relative paths are looked up in the payload directory; a relative
// payload directory is searched for from the working directory upwards.
func (s *Surface) Resolve(path string) (string, error) {
	if path == "" {
		return "", errors.New("payload path is empty")
	}
	if filepath.IsAbs(path) {
		return path, nil
	}
	dir, err := s.findPayloadDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, path), nil
}

func (s *Surface) findPayloadDir() (string, error) {
	if filepath.IsAbs(s.payloadDir) {
		return s.payloadDir, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	for dir := cwd; ; dir = filepath.Dir(dir) {
		candidate := filepath.Join(dir, s.payloadDir)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		if filepath.Dir(dir) == dir {
			break
		}
	}
	return "", fmt.Errorf("could not find a %q directory above %s", s.payloadDir, cwd)
}
