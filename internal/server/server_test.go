package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xhttp2 "golang.org/x/net/http2"

	"example.com/h2ws/internal/bridge"
	"example.com/h2ws/internal/config"
	"example.com/h2ws/internal/http2"
	"example.com/h2ws/internal/logger"
	"example.com/h2ws/internal/negotiate"
	"example.com/h2ws/internal/router"
	"example.com/h2ws/internal/session"
	"example.com/h2ws/internal/testutil"
)

const eventTimeout = 5 * time.Second

// tracker records endpoint callbacks as strings and echoes text back.
type tracker struct {
	events chan string
	echo   bool
}

func newTracker(echo bool) *tracker {
	return &tracker{events: make(chan string, 64), echo: echo}
}

func (tr *tracker) OnOpen(*session.Session) { tr.events <- "open" }

func (tr *tracker) OnText(s *session.Session, msg string) {
	tr.events <- "text:" + msg
	if tr.echo {
		_ = s.SendText(msg)
	}
}

func (tr *tracker) OnError(*session.Session, error) { tr.events <- "error" }

func (tr *tracker) OnClose(_ *session.Session, st session.CloseStatus) {
	tr.events <- fmt.Sprintf("close:%d", st.Code)
}

func (tr *tracker) expect(t *testing.T, want ...string) {
	t.Helper()
	for _, w := range want {
		select {
		case e := <-tr.events:
			assert.Equal(t, w, e)
		case <-time.After(eventTimeout):
			t.Fatalf("timed out waiting for %q", w)
		}
	}
}

// startServer runs a server on loopback whose /ws/echo route is served by ep.
func startServer(t *testing.T, ep session.Endpoint, mutate func(*config.Config), opts Options) *Server {
	t.Helper()
	addr := "127.0.0.1:0"
	cfg := &config.Config{Server: &config.ServerConfig{Address: &addr}}
	if mutate != nil {
		mutate(cfg)
	}
	rt, err := router.NewRouter(nil, router.NewRegistry(), nil)
	require.NoError(t, err)
	require.NoError(t, rt.Handle(config.Route{PathPattern: "/ws/echo", MatchType: config.MatchTypeExact}, func() session.Endpoint { return ep }))

	s, err := New(cfg, logger.Nop(), rt, opts)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

// dialH2 returns a client HTTP/2 connection to rawURL negotiated as p.
func dialH2(t *testing.T, p negotiate.Protocol, rawURL string, tlsCfg *tls.Config) (*http2.Connection, *url.URL) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	d := &negotiate.Dialer{Preference: negotiate.Always(p), TLSConfig: tlsCfg}
	nc, got, err := d.Dial(context.Background(), u)
	require.NoError(t, err)
	require.Equal(t, p, got)

	c := http2.NewClientConn(nc, http2.Options{Protocol: p.String()})
	go func() { _ = c.Serve(context.Background()) }()
	t.Cleanup(func() { c.Close(nil) })
	return c, u
}

func TestServer_HTTP1Echo(t *testing.T) {
	srv := newTracker(true)
	s := startServer(t, srv, nil, Options{})

	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+s.Addr().String()+"/ws/echo", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	srv.expect(t, "open")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("hello")))
	srv.expect(t, "text:hello")
	mt, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	srv.expect(t, "close:1000")
	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	_ = ws.Close()
}

func TestServer_HTTP1Subprotocol(t *testing.T) {
	rt, err := router.NewRouter(nil, router.NewRegistry(), nil)
	require.NoError(t, err)
	srv := newTracker(false)
	require.NoError(t, rt.Handle(config.Route{PathPattern: "/chat/", MatchType: config.MatchTypePrefix, Subprotocols: []string{"v2.chat", "v1.chat"}}, func() session.Endpoint { return srv }))
	addr := "127.0.0.1:0"
	s, err := New(&config.Config{Server: &config.ServerConfig{Address: &addr}}, nil, rt, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Shutdown(context.Background())

	d := websocket.Dialer{Subprotocols: []string{"v1.chat", "v2.chat"}}
	ws, _, err := d.Dial("ws://"+s.Addr().String()+"/chat/room", nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, "v2.chat", ws.Subprotocol())
	srv.expect(t, "open")
}

func TestServer_HTTP1Rejections(t *testing.T) {
	s := startServer(t, newTracker(false), nil, Options{})
	base := "http://" + s.Addr().String()

	tests := []struct {
		name   string
		path   string
		header http.Header
		want   int
	}{
		{"plain request", "/ws/echo", nil, http.StatusUpgradeRequired},
		{"unrouted path", "/nowhere", nil, http.StatusNotFound},
		{"bad version", "/ws/echo", http.Header{
			"Connection":            {"Upgrade"},
			"Upgrade":               {"websocket"},
			"Sec-Websocket-Version": {"8"},
			"Sec-Websocket-Key":     {"dGhlIHNhbXBsZSBub25jZQ=="},
		}, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, base+tc.path, nil)
			require.NoError(t, err)
			for k, v := range tc.header {
				req.Header[k] = v
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tc.want, resp.StatusCode)
			if tc.want == http.StatusUpgradeRequired {
				assert.Equal(t, "websocket", resp.Header.Get("Upgrade"))
			}
			if tc.want == http.StatusBadRequest {
				assert.Equal(t, "13", resp.Header.Get("Sec-Websocket-Version"))
			}
		})
	}
}

func TestServer_H2CEcho(t *testing.T) {
	srv := newTracker(true)
	s := startServer(t, srv, nil, Options{})
	conn, u := dialH2(t, negotiate.H2C, "ws://"+s.Addr().String()+"/ws/echo", nil)

	cli := newTracker(false)
	sess, err := bridge.Dial(context.Background(), conn, u, cli, bridge.DialOptions{})
	require.NoError(t, err)
	assert.Equal(t, "h2c", sess.Protocol())
	srv.expect(t, "open")
	cli.expect(t, "open")

	require.NoError(t, sess.SendText("over h2c"))
	srv.expect(t, "text:over h2c")
	cli.expect(t, "text:over h2c")

	require.NoError(t, sess.Close(session.StatusNormalClosure, ""))
	cli.expect(t, "close:1000")
	srv.expect(t, "close:1000")
}

func TestServer_DisabledExtendedConnect(t *testing.T) {
	srv := newTracker(false)
	s := startServer(t, srv, nil, Options{})
	s.SetConnectProtocolEnabled(false)
	assert.False(t, s.ConnectProtocolEnabled())

	conn, u := dialH2(t, negotiate.H2C, "ws://"+s.Addr().String()+"/ws/echo", nil)
	_, err := bridge.Dial(context.Background(), conn, u, newTracker(false), bridge.DialOptions{})
	require.Error(t, err)
	var se *http2.StreamError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, xhttp2.ErrCodeProtocol, se.Code)
	assert.Contains(t, err.Error(), "PROTOCOL_ERROR")

	s.SetConnectProtocolEnabled(true)
	conn2, _ := dialH2(t, negotiate.H2C, u.String(), nil)
	sess, err := bridge.Dial(context.Background(), conn2, u, newTracker(false), bridge.DialOptions{})
	require.NoError(t, err)
	srv.expect(t, "open")
	sess.Abort(errors.New("done"))
}

func TestServer_TLS(t *testing.T) {
	serverTLS, clientTLS := testutil.TLSConfigs(t)
	srv := newTracker(true)
	s := startServer(t, srv, nil, Options{TLSConfig: serverTLS})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.ServeTLS(l) }()

	t.Run("h2", func(t *testing.T) {
		conn, u := dialH2(t, negotiate.H2, "wss://"+l.Addr().String()+"/ws/echo", clientTLS)
		cli := newTracker(false)
		sess, err := bridge.Dial(context.Background(), conn, u, cli, bridge.DialOptions{})
		require.NoError(t, err)
		assert.Equal(t, "h2", sess.Protocol())
		srv.expect(t, "open")
		cli.expect(t, "open")

		require.NoError(t, sess.SendText("secure"))
		srv.expect(t, "text:secure")
		cli.expect(t, "text:secure")
		require.NoError(t, sess.Close(session.StatusNormalClosure, ""))
		srv.expect(t, "close:1000")
	})

	t.Run("http/1.1", func(t *testing.T) {
		d := websocket.Dialer{TLSClientConfig: clientTLS}
		ws, _, err := d.Dial("wss://"+l.Addr().String()+"/ws/echo", nil)
		require.NoError(t, err)
		defer ws.Close()
		srv.expect(t, "open")
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("tls h1")))
		srv.expect(t, "text:tls h1")
	})
}

func TestServer_H2COnlyRefusesHTTP1(t *testing.T) {
	srv := newTracker(false)
	s := startServer(t, srv, func(cfg *config.Config) {
		cfg.Server.Protocols = []string{config.ProtocolH2C}
	}, Options{})

	_, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr().String()+"/ws/echo", nil)
	require.Error(t, err)

	conn, u := dialH2(t, negotiate.H2C, "ws://"+s.Addr().String()+"/ws/echo", nil)
	sess, err := bridge.Dial(context.Background(), conn, u, newTracker(false), bridge.DialOptions{})
	require.NoError(t, err)
	srv.expect(t, "open")
	sess.Abort(errors.New("done"))
}

func TestServer_ShutdownClosesSessionsGoingAway(t *testing.T) {
	srv := newTracker(false)
	s := startServer(t, srv, nil, Options{})

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr().String()+"/ws/echo", nil)
	require.NoError(t, err)
	defer ws.Close()
	srv.expect(t, "open")

	conn, u := dialH2(t, negotiate.H2C, "ws://"+s.Addr().String()+"/ws/echo", nil)
	cli := newTracker(false)
	_, err = bridge.Dial(context.Background(), conn, u, cli, bridge.DialOptions{})
	require.NoError(t, err)
	srv.expect(t, "open")
	cli.expect(t, "open")
	require.Equal(t, 2, s.Sessions().Len())

	readErr := make(chan error, 1)
	go func() {
		_, _, err := ws.ReadMessage()
		readErr <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	srv.expect(t, "close:1001", "close:1001")
	cli.expect(t, "close:1001")
	select {
	case err := <-readErr:
		assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	case <-time.After(eventTimeout):
		t.Fatal("HTTP/1.1 client did not see the close frame")
	}
	assert.Equal(t, 0, s.Sessions().Len())

	_, err = net.DialTimeout("tcp", s.Addr().String(), time.Second)
	assert.Error(t, err, "listener should be closed")
	assert.ErrorIs(t, s.Serve(mustListen(t)), ErrServerClosed)
}

func mustListen(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return l
}

func TestNew_Errors(t *testing.T) {
	rt, err := router.NewRouter(nil, router.NewRegistry(), nil)
	require.NoError(t, err)
	addr := ":0"

	_, err = New(nil, nil, rt, Options{})
	assert.Error(t, err)
	_, err = New(&config.Config{}, nil, nil, Options{})
	assert.Error(t, err)

	_, err = New(&config.Config{Server: &config.ServerConfig{Address: &addr, Protocols: []string{"spdy"}}}, nil, rt, Options{})
	assert.ErrorContains(t, err, "unknown protocol")

	s, err := New(&config.Config{Server: &config.ServerConfig{Address: &addr}}, nil, rt, Options{})
	require.NoError(t, err)
	assert.ErrorContains(t, s.ServeTLS(mustListen(t)), "no TLS configuration")
	assert.NoError(t, s.Shutdown(context.Background()))
}

func TestServer_StartAddressInUse(t *testing.T) {
	taken := mustListen(t)
	defer taken.Close()
	busy := taken.Addr().String()
	rt, err := router.NewRouter(nil, router.NewRegistry(), nil)
	require.NoError(t, err)

	tests := []struct {
		name  string
		field string
		cfg   func() *config.Config
	}{
		{"server.address", "server.address", func() *config.Config {
			return &config.Config{Server: &config.ServerConfig{Address: &busy}}
		}},
		{"metrics.address", "metrics.address", func() *config.Config {
			free := "127.0.0.1:0"
			enabled := true
			return &config.Config{
				Server:  &config.ServerConfig{Address: &free},
				Metrics: &config.MetricsConfig{Enabled: &enabled, Address: busy, Path: "/metrics"},
			}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, err := New(tc.cfg(), logger.Nop(), rt, Options{})
			require.NoError(t, err)
			defer func() { _ = s.Shutdown(context.Background()) }()

			err = s.Start()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrAddrInUse)
			assert.ErrorContains(t, err, tc.field+" "+busy)
			assert.Nil(t, s.Addr(), "no listener may stay open after a failed start")
		})
	}
}
