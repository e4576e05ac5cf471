package http2

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xhttp2 "golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"example.com/h2ws/internal/relay"
)

// startServerConn serves a server connection from f on one end of a pipe and
// returns a handshaken peer on the other end together with the connection.
func startServerConn(t *testing.T, f *ConnectionFactory) (*testPeer, *Connection, frameRec) {
	t.Helper()
	srv, cli := net.Pipe()
	conn := f.NewServerConn(srv, "h2c")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = conn.Serve(ctx) }()

	peer := newTestPeer(t, cli)
	peer.clientHandshake()
	settings := peer.expectSettings()
	return peer, conn, settings
}

type streamCollector struct {
	streams chan *Stream
}

func newStreamCollector() *streamCollector {
	return &streamCollector{streams: make(chan *Stream, 8)}
}

func (c *streamCollector) ServeStream(s *Stream) { c.streams <- s }

func (c *streamCollector) next(t *testing.T) *Stream {
	t.Helper()
	select {
	case s := <-c.streams:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a stream")
		return nil
	}
}

func TestServerConn_ExtendedConnectAccepted(t *testing.T) {
	handler := newStreamCollector()
	f := NewConnectionFactory(Options{ConnectProtocolEnabled: true, Handler: handler})
	peer, conn, settings := startServerConn(t, f)

	assert.Equal(t, uint32(1), settings.settings[SettingEnableConnectProtocol])
	assert.Equal(t, DefaultServerMaxConcurrentStreams, settings.settings[xhttp2.SettingMaxConcurrentStreams])
	assert.Equal(t, "h2c", conn.Protocol())
	assert.Equal(t, 1, f.Connections())

	peer.writeHeaders(1, false, extendedConnectFields("/ws/echo")...)
	st := handler.next(t)

	req := st.Request()
	assert.True(t, req.IsExtendedConnect())
	assert.Equal(t, "websocket", req.Protocol)
	assert.Equal(t, "/ws/echo", req.Path)
	assert.Equal(t, "13", req.Header.Get("Sec-WebSocket-Version"))
	assert.Equal(t, StreamStateOpen, st.State())

	require.NoError(t, st.Respond(200, nil, false))
	resp := peer.expect(xhttp2.FrameHeaders)
	assert.Equal(t, uint32(1), resp.streamID)
	assert.Equal(t, "200", resp.header(":status"))
	assert.False(t, resp.endStream)
}

func TestServerConn_ExtendedConnectDisabled(t *testing.T) {
	handler := newStreamCollector()
	f := NewConnectionFactory(Options{ConnectProtocolEnabled: false, Handler: handler})
	peer, _, settings := startServerConn(t, f)

	_, advertised := settings.settings[SettingEnableConnectProtocol]
	assert.False(t, advertised)

	peer.writeHeaders(1, false, extendedConnectFields("/ws/echo")...)
	rst := peer.expect(xhttp2.FrameRSTStream)
	assert.Equal(t, uint32(1), rst.streamID)
	assert.Equal(t, xhttp2.ErrCodeProtocol, rst.code)

	select {
	case <-handler.streams:
		t.Fatal("handler must not see a rejected extended CONNECT stream")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectionFactory_ToggleLiveConnection(t *testing.T) {
	handler := newStreamCollector()
	f := NewConnectionFactory(Options{ConnectProtocolEnabled: false, Handler: handler})
	peer, conn, _ := startServerConn(t, f)

	f.SetConnectProtocolEnabled(true)
	assert.True(t, f.ConnectProtocolEnabled())
	assert.True(t, conn.ConnectProtocolEnabled())

	update := peer.expectSettings()
	assert.Equal(t, uint32(1), update.settings[SettingEnableConnectProtocol])

	peer.writeHeaders(1, false, extendedConnectFields("/ws/echo")...)
	handler.next(t)

	// Disabling never withdraws the setting on the wire; streams are reset instead.
	f.SetConnectProtocolEnabled(false)
	peer.writeHeaders(3, false, extendedConnectFields("/ws/echo")...)
	rst := peer.expect(xhttp2.FrameRSTStream)
	assert.Equal(t, uint32(3), rst.streamID)
	assert.Equal(t, xhttp2.ErrCodeProtocol, rst.code)
}

func TestStream_BufferedThenPassThrough(t *testing.T) {
	handler := newStreamCollector()
	f := NewConnectionFactory(Options{ConnectProtocolEnabled: true, Handler: handler})
	peer, _, _ := startServerConn(t, f)

	peer.writeHeaders(1, false, extendedConnectFields("/ws/echo")...)
	st := handler.next(t)

	require.NoError(t, peer.fr.WriteData(1, false, []byte("one")))
	require.NoError(t, peer.fr.WriteData(1, false, []byte("two")))
	wu := peer.expect(xhttp2.FrameWindowUpdate)
	assert.Equal(t, uint32(3), wu.increment)
	require.Eventually(t, func() bool { return st.Buffered() == 6 }, time.Second, 5*time.Millisecond)

	got := make(chan Event, 8)
	require.NoError(t, st.Attach(func(e Event) { got <- e }))
	assert.Error(t, st.Attach(func(Event) {}), "second attach must fail")

	require.NoError(t, peer.fr.WriteData(1, true, []byte("three")))

	var data []string
	for i := 0; i < 3; i++ {
		select {
		case e := <-got:
			data = append(data, string(e.Data))
			if i == 2 {
				assert.True(t, e.EndStream)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []string{"one", "two", "three"}, data)
	assert.Equal(t, StreamStateHalfClosedRemote, st.State())
}

func TestStream_PeerReset(t *testing.T) {
	handler := newStreamCollector()
	f := NewConnectionFactory(Options{ConnectProtocolEnabled: true, Handler: handler})
	peer, conn, _ := startServerConn(t, f)

	peer.writeHeaders(1, false, extendedConnectFields("/ws/echo")...)
	st := handler.next(t)
	got := make(chan Event, 1)
	require.NoError(t, st.Attach(func(e Event) { got <- e }))

	require.NoError(t, peer.fr.WriteRSTStream(1, xhttp2.ErrCodeCancel))
	select {
	case e := <-got:
		var se *StreamError
		require.True(t, errors.As(e.Err, &se))
		assert.Equal(t, xhttp2.ErrCodeCancel, se.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reset event")
	}
	assert.Equal(t, StreamStateClosed, st.State())
	assert.ErrorIs(t, st.WriteData([]byte("x"), false), ErrStreamClosed)
	require.Eventually(t, func() bool { return conn.ActiveStreams() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStream_RelayOverflowResetsStream(t *testing.T) {
	handler := newStreamCollector()
	f := NewConnectionFactory(Options{ConnectProtocolEnabled: true, Handler: handler, RelayQueueLimit: 4})
	peer, _, _ := startServerConn(t, f)

	peer.writeHeaders(1, false, extendedConnectFields("/ws/echo")...)
	st := handler.next(t)

	require.NoError(t, peer.fr.WriteData(1, false, []byte("too large")))
	rst := peer.expect(xhttp2.FrameRSTStream)
	assert.Equal(t, xhttp2.ErrCodeProtocol, rst.code)
	assert.ErrorIs(t, st.Attach(func(Event) {}), relay.ErrOverflow)
}

func TestServerConn_ConnectionCloseFailsStreams(t *testing.T) {
	handler := newStreamCollector()
	f := NewConnectionFactory(Options{ConnectProtocolEnabled: true, Handler: handler})
	peer, conn, _ := startServerConn(t, f)

	peer.writeHeaders(1, false, extendedConnectFields("/a")...)
	peer.writeHeaders(3, false, extendedConnectFields("/b")...)
	streams := []*Stream{handler.next(t), handler.next(t)}

	events := make(chan Event, 2)
	for _, st := range streams {
		require.NoError(t, st.Attach(func(e Event) { events <- e }))
	}
	_ = peer.nc.Close()

	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			var ce *ConnectionError
			require.True(t, errors.As(e.Err, &ce), "got %v", e.Err)
			assert.ErrorIs(t, e.Err, ErrConnClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for connection failure events")
		}
	}
	<-conn.Done()
	require.Eventually(t, func() bool { return f.Connections() == 0 }, time.Second, 5*time.Millisecond)
}

func TestServerConn_PingAndMalformedRequest(t *testing.T) {
	f := NewConnectionFactory(Options{ConnectProtocolEnabled: true, Handler: newStreamCollector()})
	peer, _, _ := startServerConn(t, f)

	require.NoError(t, peer.fr.WritePing(false, [8]byte{1, 2, 3, 4, 5, 6, 7, 8}))
	pong := peer.expect(xhttp2.FramePing)
	assert.True(t, pong.ack)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, pong.data)

	peer.writeHeaders(1, false,
		hpack.HeaderField{Name: ":method", Value: "GET"},
		hpack.HeaderField{Name: ":protocol", Value: "websocket"},
		hpack.HeaderField{Name: ":path", Value: "/"},
	)
	rst := peer.expect(xhttp2.FrameRSTStream)
	assert.Equal(t, xhttp2.ErrCodeProtocol, rst.code)
}

func TestServerConn_StreamErrorOnIdleStreamEndsConnection(t *testing.T) {
	handler := newStreamCollector()
	f := NewConnectionFactory(Options{ConnectProtocolEnabled: true, Handler: handler})
	peer, conn, _ := startServerConn(t, f)

	peer.fr.AllowIllegalWrites = true
	require.NoError(t, peer.fr.WriteWindowUpdate(5, 0))
	goAway := peer.expect(xhttp2.FrameGoAway)
	assert.Equal(t, xhttp2.ErrCodeProtocol, goAway.code)

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection still serving after GOAWAY(PROTOCOL_ERROR)")
	}
	assert.False(t, conn.Usable())
	select {
	case st := <-handler.streams:
		t.Fatalf("stream %d accepted after GOAWAY", st.ID())
	default:
	}
}

func TestServerConn_BadPreface(t *testing.T) {
	srv, cli := net.Pipe()
	f := NewConnectionFactory(Options{})
	conn := f.NewServerConn(srv, "h2c")
	errCh := make(chan error, 1)
	go func() { errCh <- conn.Serve(context.Background()) }()

	go func() { _, _ = cli.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")) }()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrBadPreface)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	_ = cli.Close()
}

// startClientConn serves a client connection on one end of a pipe; the peer
// plays the server and advertises connectEnabled.
func startClientConn(t *testing.T, connectEnabled bool) (*testPeer, *Connection) {
	t.Helper()
	cliSide, srvSide := net.Pipe()
	conn := NewClientConn(cliSide, Options{Protocol: "h2c"})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = conn.Serve(ctx) }()

	preface := make([]byte, len(xhttp2.ClientPreface))
	_, err := io.ReadFull(srvSide, preface)
	require.NoError(t, err)
	require.Equal(t, xhttp2.ClientPreface, string(preface))
	peer := newTestPeer(t, srvSide)

	var settings []xhttp2.Setting
	if connectEnabled {
		settings = append(settings, xhttp2.Setting{ID: SettingEnableConnectProtocol, Val: 1})
	}
	require.NoError(t, peer.fr.WriteSettings(settings...))
	return peer, conn
}

func TestClientConn_OpenStreamAndResponse(t *testing.T) {
	peer, conn := startClientConn(t, true)
	clientSettings := peer.expectSettings()
	assert.Equal(t, uint32(0), clientSettings.settings[xhttp2.SettingEnablePush])

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := conn.OpenStream(ctx, &Request{
		Method: "CONNECT", Protocol: "websocket", Scheme: "http", Authority: "localhost", Path: "/ws/echo",
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), st.ID())
	assert.True(t, conn.PeerConnectProtocolEnabled())

	hdr := peer.expect(xhttp2.FrameHeaders)
	assert.Equal(t, "CONNECT", hdr.header(":method"))
	assert.Equal(t, "websocket", hdr.header(":protocol"))
	assert.Equal(t, "/ws/echo", hdr.header(":path"))

	peer.writeHeaders(1, false, hpack.HeaderField{Name: ":status", Value: "200"})

	resp, err := st.Response(ctx)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)

	st2, err := conn.OpenStream(ctx, &Request{Method: "CONNECT", Protocol: "websocket", Scheme: "http", Authority: "localhost", Path: "/ws/other"})
	require.NoError(t, err)
	assert.Equal(t, uint32(3), st2.ID(), "client stream ids are odd and increasing")
}

func TestClientConn_ResetSurfacesProtocolError(t *testing.T) {
	peer, conn := startClientConn(t, false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := conn.OpenStream(ctx, &Request{Method: "CONNECT", Protocol: "websocket", Scheme: "http", Authority: "localhost", Path: "/ws/echo"})
	require.NoError(t, err, "extended CONNECT is sent even when the peer did not advertise it")
	assert.False(t, conn.PeerConnectProtocolEnabled())

	peer.expect(xhttp2.FrameHeaders)
	require.NoError(t, peer.fr.WriteRSTStream(st.ID(), xhttp2.ErrCodeProtocol))

	_, err = st.Response(ctx)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "PROTOCOL_ERROR"), "error %q should name PROTOCOL_ERROR", err)
}

func TestClientConn_OpenStreamOnServerConn(t *testing.T) {
	srv, cli := net.Pipe()
	defer cli.Close()
	conn := NewConnectionFactory(Options{}).NewServerConn(srv, "h2")
	_, err := conn.OpenStream(context.Background(), &Request{Method: "GET"})
	assert.Error(t, err)
}

func TestStreamError_Format(t *testing.T) {
	err := NewStreamError(5, xhttp2.ErrCodeProtocol, "stream reset by peer")
	assert.Equal(t, "stream error on stream 5: stream reset by peer (code PROTOCOL_ERROR, 1)", err.Error())

	ce := NewConnectionErrorWithCause(xhttp2.ErrCodeInternal, "read failed", errors.New("boom"))
	assert.Equal(t, "connection error: read failed (last_stream_id 0, code INTERNAL_ERROR, 2): boom", ce.Error())
	assert.ErrorIs(t, ce, ErrConnClosed)
}
