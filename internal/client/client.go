// Package client opens WebSocket sessions over HTTP/1.1, h2c or h2. HTTP/2
// connections are shared: every session to the same server is a stream on one
// connection.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"example.com/h2ws/internal/bridge"
	"example.com/h2ws/internal/http2"
	"example.com/h2ws/internal/logger"
	"example.com/h2ws/internal/metrics"
	"example.com/h2ws/internal/negotiate"
	"example.com/h2ws/internal/session"
	"example.com/h2ws/internal/wsconn"
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("client: closed")

// CloseReason is sent to every open session by Close.
const CloseReason = "client closing"

// Options configures a Client.
type Options struct {
	// Preference picks the protocol family per target. Defaults to negotiate.ByScheme.
	Preference negotiate.Preference
	// TLSConfig is used for wss targets.
	TLSConfig *tls.Config

	HandshakeTimeout time.Duration
	CloseTimeout     time.Duration
	MaxMessageSize   int64
	// BufferLimit bounds inbound bytes buffered per HTTP/2 session.
	BufferLimit int

	// Subprotocols are offered on every session, in preference order.
	Subprotocols []string
	// Header carries extra upgrade request headers.
	Header http.Header

	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

type connKey struct {
	scheme    string
	authority string
	protocol  negotiate.Protocol
}

// Client connects endpoints to WebSocket servers.
type Client struct {
	opts Options
	log  *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sessions *session.Registry

	mu     sync.Mutex
	conns  map[connKey]*http2.Connection
	closed bool
}

// New returns a client. It holds no connections until Connect is called.
func New(opts Options) *Client {
	if opts.Preference == nil {
		opts.Preference = negotiate.ByScheme
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = bridge.DefaultHandshakeTimeout
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = session.DefaultCloseTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	c := &Client{
		opts:     opts,
		log:      opts.Logger.With(logger.LogFields{"component": "client"}),
		sessions: session.NewRegistry(),
		conns:    make(map[connKey]*http2.Connection),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Sessions returns the registry of sessions opened by this client.
func (c *Client) Sessions() *session.Registry { return c.sessions }

// Connect opens a session to rawURL (ws, wss, http or https) and binds it to
// ep. On success ep has received OnOpen or is about to.
func (c *Client) Connect(ctx context.Context, ep session.Endpoint, rawURL string) (*session.Session, error) {
	if ep == nil {
		return nil, fmt.Errorf("client: endpoint cannot be nil")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("client: invalid url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("client: unsupported scheme %q in %s", u.Scheme, rawURL)
	}
	if c.isClosed() {
		return nil, ErrClosed
	}

	if p := c.opts.Preference(u); p.IsHTTP2() {
		return c.connectHTTP2(ctx, ep, u, p)
	}
	return c.connectHTTP1(ctx, ep, u)
}

func (c *Client) connectHTTP2(ctx context.Context, ep session.Endpoint, u *url.URL, p negotiate.Protocol) (*session.Session, error) {
	conn, err := c.http2Conn(ctx, u, p)
	if err != nil {
		return nil, err
	}
	sess, err := bridge.Dial(ctx, conn, u, ep, bridge.DialOptions{
		Subprotocols:     c.opts.Subprotocols,
		Header:           c.opts.Header,
		HandshakeTimeout: c.opts.HandshakeTimeout,
		CloseTimeout:     c.opts.CloseTimeout,
		MaxMessageSize:   c.opts.MaxMessageSize,
		BufferLimit:      c.opts.BufferLimit,
		Logger:           c.opts.Logger,
		Metrics:          c.opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	c.sessions.Add(sess)
	return sess, nil
}

// http2Conn returns the live connection for u's server, dialing one if needed.
func (c *Client) http2Conn(ctx context.Context, u *url.URL, p negotiate.Protocol) (*http2.Connection, error) {
	key := connKey{scheme: u.Scheme, authority: u.Host, protocol: p}
	c.mu.Lock()
	if conn := c.conns[key]; conn != nil && conn.Usable() {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	d := c.dialer(negotiate.Always(p))
	nc, _, err := d.Dial(ctx, u)
	if err != nil {
		return nil, err
	}
	conn := http2.NewClientConn(nc, http2.Options{
		Protocol: p.String(),
		Logger:   c.opts.Logger,
		Metrics:  c.opts.Metrics,
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = nc.Close()
		return nil, ErrClosed
	}
	if existing := c.conns[key]; existing != nil && existing.Usable() {
		// Another Connect won the race.
		c.mu.Unlock()
		_ = nc.Close()
		return existing, nil
	}
	c.conns[key] = conn
	c.mu.Unlock()

	go func() {
		if err := conn.Serve(c.ctx); err != nil {
			c.log.Debug("HTTP/2 connection ended", logger.LogFields{"authority": u.Host, "protocol": p.String(), "error": err.Error()})
		}
		c.mu.Lock()
		if c.conns[key] == conn {
			delete(c.conns, key)
		}
		c.mu.Unlock()
	}()
	return conn, nil
}

func (c *Client) connectHTTP1(ctx context.Context, ep session.Endpoint, u *url.URL) (*session.Session, error) {
	nc, _, err := c.dialer(negotiate.Always(negotiate.HTTP1)).Dial(ctx, u)
	if err != nil {
		return nil, err
	}
	useConn := func(context.Context, string, string) (net.Conn, error) { return nc, nil }
	d := websocket.Dialer{
		NetDialContext:    useConn,
		NetDialTLSContext: useConn,
		HandshakeTimeout:  c.opts.HandshakeTimeout,
		Subprotocols:      c.opts.Subprotocols,
	}
	wsURL := *u
	switch u.Scheme {
	case "http":
		wsURL.Scheme = "ws"
	case "https":
		wsURL.Scheme = "wss"
	}
	ws, resp, err := d.DialContext(ctx, wsURL.String(), c.opts.Header)
	if err != nil {
		_ = nc.Close()
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			_ = resp.Body.Close()
			err = &bridge.UpgradeError{Status: resp.StatusCode, Header: resp.Header}
		}
		return nil, fmt.Errorf("websocket upgrade to %s: %w", u.Redacted(), err)
	}

	sess := session.New(session.Config{
		Protocol:     negotiate.HTTP1.String(),
		Path:         u.RequestURI(),
		Subprotocol:  ws.Subprotocol(),
		CloseTimeout: c.opts.CloseTimeout,
		Logger:       c.opts.Logger,
		Metrics:      c.opts.Metrics,
	})
	if err := sess.Bind(ep, wsconn.NewGorillaConn(ws, c.opts.MaxMessageSize)); err != nil {
		_ = ws.Close()
		return nil, err
	}
	c.sessions.Add(sess)
	if err := sess.Open(); err != nil {
		sess.Abort(err)
		return nil, err
	}
	return sess, nil
}

func (c *Client) dialer(pref negotiate.Preference) *negotiate.Dialer {
	return &negotiate.Dialer{
		Preference: pref,
		TLSConfig:  c.opts.TLSConfig,
		Timeout:    c.opts.HandshakeTimeout,
		Logger:     c.opts.Logger,
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes every open session with 1001, waits up to the close timeout
// for them to finish, then closes the HTTP/2 connections.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.sessions.Each(func(s *session.Session) {
		_ = s.Close(session.StatusGoingAway, CloseReason)
	})
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.CloseTimeout)
	defer cancel()
	c.sessions.Each(func(s *session.Session) {
		select {
		case <-s.Done():
		case <-ctx.Done():
		}
	})

	c.mu.Lock()
	conns := make([]*http2.Connection, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()
	for _, conn := range conns {
		conn.Close(nil)
	}
	c.cancel()
	return nil
}
