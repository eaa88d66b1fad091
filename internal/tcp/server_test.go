package tcp

import (
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ensemble/internal/osc"
)

type inbound struct {
	p    osc.Packet
	from netip.AddrPort
}

func startServer(t *testing.T) (*Server, chan inbound, chan netip.AddrPort) {
	t.Helper()
	s := New(Config{Addr: "127.0.0.1:0", MaxFrame: 1024}, zerolog.Nop())
	in := make(chan inbound, 16)
	gone := make(chan netip.AddrPort, 16)
	s.Subscribe(func(p osc.Packet, from netip.AddrPort) { in <- inbound{p, from} })
	s.OnDisconnect(func(peer netip.AddrPort) { gone <- peer })
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s, in, gone
}

func dial(t *testing.T, s *Server, wantPeers int) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp4", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.Eventually(t, func() bool { return len(s.Peers()) == wantPeers }, 2*time.Second, 5*time.Millisecond)
	return c
}

func peerOf(c net.Conn) netip.AddrPort {
	return c.LocalAddr().(*net.TCPAddr).AddrPort()
}

func writeFrame(t *testing.T, c net.Conn, payload []byte) {
	t.Helper()
	frame := binary.BigEndian.AppendUint32(nil, uint32(len(payload)))
	_, err := c.Write(append(frame, payload...))
	require.NoError(t, err)
}

func readFrame(t *testing.T, c net.Conn) osc.Packet {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var hdr [4]byte
	_, err := io.ReadFull(c, hdr[:])
	require.NoError(t, err)
	payload := make([]byte, binary.BigEndian.Uint32(hdr[:]))
	_, err = io.ReadFull(c, payload)
	require.NoError(t, err)
	p, err := osc.Decode(payload)
	require.NoError(t, err)
	return p
}

func assertNoFrame(t *testing.T, c net.Conn) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	var b [1]byte
	_, err := c.Read(b[:])
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout(), "expected read timeout, got %v", err)
}

func waitInbound(t *testing.T, in chan inbound) inbound {
	t.Helper()
	select {
	case m := <-in:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
		return inbound{}
	}
}

func TestServer_ReceivesFramedPackets(t *testing.T) {
	s, in, _ := startServer(t)
	c := dial(t, s, 1)

	first, err := osc.Encode(osc.NewMessage("/join", "Phone1", 6000))
	require.NoError(t, err)
	second, err := osc.Encode(osc.NewMessage("/point", float32(1)))
	require.NoError(t, err)
	writeFrame(t, c, first)
	writeFrame(t, c, second)

	m := waitInbound(t, in)
	assert.Equal(t, "/join", m.p.Address())
	assert.Equal(t, peerOf(c), m.from)
	assert.Equal(t, "/point", waitInbound(t, in).p.Address(), "frames arrive in order")
}

func TestServer_MalformedFrameKeepsConnection(t *testing.T) {
	s, in, _ := startServer(t)
	c := dial(t, s, 1)

	writeFrame(t, c, []byte("not osc!"))
	good, err := osc.Encode(osc.NewMessage("/keyOn", 60))
	require.NoError(t, err)
	writeFrame(t, c, good)

	assert.Equal(t, "/keyOn", waitInbound(t, in).p.Address())
	assert.Len(t, s.Peers(), 1)
}

func TestServer_BroadcastReachesConnectedPeers(t *testing.T) {
	s, _, gone := startServer(t)
	a := dial(t, s, 1)
	b := dial(t, s, 2)
	c := dial(t, s, 3)

	c.Close()
	select {
	case peer := <-gone:
		assert.Equal(t, peerOf(c), peer)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not observed")
	}
	require.Len(t, s.Peers(), 2)

	require.NoError(t, s.Send(osc.NewMessage("/start")))
	assert.Equal(t, "/start", readFrame(t, a).Address())
	assert.Equal(t, "/start", readFrame(t, b).Address())
}

func TestServer_SendToReachesOnlyMatchingPeer(t *testing.T) {
	s, _, _ := startServer(t)
	a := dial(t, s, 1)
	b := dial(t, s, 2)

	require.NoError(t, s.SendTo(osc.NewMessage("/config", 4, 0), peerOf(b)))

	p := readFrame(t, b)
	assert.Equal(t, osc.NewMessage("/config", 4, 0), p)
	assertNoFrame(t, a)

	// Unknown destinations are ignored.
	assert.NoError(t, s.SendTo(osc.NewMessage("/config", 4, 4), netip.MustParseAddrPort("10.0.0.5:51000")))
}

func TestServer_DisconnectClosesPeer(t *testing.T) {
	s, _, gone := startServer(t)
	c := dial(t, s, 1)

	s.Disconnect(peerOf(c))

	select {
	case peer := <-gone:
		assert.Equal(t, peerOf(c), peer)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not observed")
	}
	assert.Empty(t, s.Peers())

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestServer_EmptyAndOversizedFramesClose(t *testing.T) {
	s, _, gone := startServer(t)

	empty := dial(t, s, 1)
	writeFrame(t, empty, nil)
	assert.Equal(t, peerOf(empty), <-gone)

	big := dial(t, s, 1)
	_, err := big.Write(binary.BigEndian.AppendUint32(nil, 4096))
	require.NoError(t, err)
	assert.Equal(t, peerOf(big), <-gone)
	assert.Empty(t, s.Peers())
}

func TestServer_StopJoinsConnections(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"}, zerolog.Nop())
	var calls atomic.Int32
	s.Subscribe(func(osc.Packet, netip.AddrPort) { calls.Add(1) })
	require.NoError(t, s.Start())

	c, err := net.Dial("tcp4", s.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	require.Eventually(t, func() bool { return len(s.Peers()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.Empty(t, s.Peers())
	assert.ErrorIs(t, s.Start(), ErrStopped)

	before := calls.Load()
	frame, err := osc.Encode(osc.NewMessage("/late"))
	require.NoError(t, err)
	c.Write(append(binary.BigEndian.AppendUint32(nil, uint32(len(frame))), frame...))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, calls.Load())

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = c.Read(make([]byte, 1))
	assert.Error(t, err)
}
