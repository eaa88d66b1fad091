package console

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ensemble/internal/session"
)

type call struct {
	op   string
	args []any
}

type fakeController struct {
	calls   []call
	err     error
	clients []session.ClientInfo
}

func (f *fakeController) Start(delay time.Duration) error {
	f.calls = append(f.calls, call{"start", []any{delay}})
	return f.err
}

func (f *fakeController) Configure(n int) error {
	f.calls = append(f.calls, call{"config", []any{n}})
	return f.err
}

func (f *fakeController) PushPayload(path, name string) (string, int, error) {
	f.calls = append(f.calls, call{"midi", []any{path, name}})
	if f.err != nil {
		return "", 0, f.err
	}
	return "/srv/MIDIFiles/" + path, 128, nil
}

func (f *fakeController) Clients() []session.ClientInfo { return f.clients }

func newConsole() (*Console, *fakeController, *bytes.Buffer) {
	ctl := &fakeController{}
	out := &bytes.Buffer{}
	return New(ctl, out, zerolog.Nop()), ctl, out
}

func TestExecute_Commands(t *testing.T) {
	tests := []struct {
		line string
		want call
	}{
		{"start", call{"start", []any{time.Duration(0)}}},
		{"start 2", call{"start", []any{2 * time.Second}}},
		{"start 1500ms", call{"start", []any{1500 * time.Millisecond}}},
		{"config 4", call{"config", []any{4}}},
		{"midi song.mid", call{"midi", []any{"song.mid", ""}}},
		{"  midi song.mid CoolFileName ", call{"midi", []any{"song.mid", "CoolFileName"}}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			c, ctl, out := newConsole()
			assert.True(t, c.Execute(tt.line))
			require.Len(t, ctl.calls, 1)
			assert.Equal(t, tt.want, ctl.calls[0])
			assert.NotContains(t, out.String(), "Error")
		})
	}
}

func TestExecute_BadInputKeepsRunning(t *testing.T) {
	for _, line := range []string{
		"dance",
		"config",
		"config four",
		"start soon",
		"start 1 2",
		"midi",
		"midi a b c",
	} {
		t.Run(line, func(t *testing.T) {
			c, ctl, out := newConsole()
			assert.True(t, c.Execute(line))
			assert.Empty(t, ctl.calls)
			assert.Contains(t, out.String(), "Error:")
		})
	}
}

func TestExecute_ControllerErrorPrinted(t *testing.T) {
	c, ctl, out := newConsole()
	ctl.err = errors.New(`reading payload: open song.mid: no such file or directory`)

	assert.True(t, c.Execute("midi song.mid"))
	assert.Contains(t, out.String(), "Error: reading payload")
}

func TestExecute_QuitAndBlank(t *testing.T) {
	c, _, out := newConsole()
	assert.True(t, c.Execute(""))
	assert.True(t, c.Execute("   "))
	assert.Empty(t, out.String())
	assert.False(t, c.Execute("quit"))
	assert.False(t, c.Execute("exit"))
}

func TestExecute_Clients(t *testing.T) {
	c, ctl, out := newConsole()
	c.Execute("clients")
	assert.Contains(t, out.String(), "No clients connected.")

	out.Reset()
	ctl.clients = []session.ClientInfo{{
		Name:    "Phone1",
		TCPAddr: netip.MustParseAddrPort("10.0.0.5:51000"),
		UDPAddr: netip.MustParseAddrPort("10.0.0.5:6000"),
		RTT:     12 * time.Millisecond,
	}}
	c.Execute("clients")
	assert.Contains(t, out.String(), "Phone1")
	assert.Contains(t, out.String(), "10.0.0.5:6000")
	assert.Contains(t, out.String(), "12ms")
}

func TestScore_RunningTotal(t *testing.T) {
	c, _, out := newConsole()
	c.Score(2.5)
	c.Score(1)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Score +2.5 (total 2.5)", lines[0])
	assert.Equal(t, "Score +1 (total 3.5)", lines[1])
}

func TestRun_ReadsUntilQuit(t *testing.T) {
	c, ctl, out := newConsole()
	in := strings.NewReader("config 4\nbogus\nstart\nquit\nconfig 9\n")

	require.ErrorIs(t, c.Run(context.Background(), in), ErrQuit)
	require.Len(t, ctl.calls, 2)
	assert.Equal(t, "config", ctl.calls[0].op)
	assert.Equal(t, "start", ctl.calls[1].op)
	assert.Contains(t, out.String(), "Commands:")
}

func TestRun_EndOfInput(t *testing.T) {
	c, ctl, _ := newConsole()
	require.NoError(t, c.Run(context.Background(), strings.NewReader("start\n")))
	assert.Len(t, ctl.calls, 1)
}

type blockingReader struct{ ch chan struct{} }

func (b blockingReader) Read([]byte) (int, error) {
	<-b.ch
	return 0, errors.New("closed")
}

func TestRun_StopsOnCancel(t *testing.T) {
	c, _, _ := newConsole()
	ctx, cancel := context.WithCancel(context.Background())
	r := blockingReader{make(chan struct{})}
	defer close(r.ch)

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, r) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
