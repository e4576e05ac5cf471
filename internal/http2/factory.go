package http2

import (
	"net"
	"sync"
	"sync/atomic"
)

// ConnectionFactory creates server connections that share one set of options.
// It owns the administrative extended CONNECT toggle: new connections copy the
// current value, and changing it updates every live connection.
type ConnectionFactory struct {
	opts    Options
	enabled atomic.Bool
	// adminMu orders concurrent toggles so live connections end with the last value.
	adminMu sync.Mutex

	mu   sync.Mutex
	live map[*Connection]struct{}
}

// NewConnectionFactory returns a factory; opts.ConnectProtocolEnabled is the initial toggle value.
func NewConnectionFactory(opts Options) *ConnectionFactory {
	f := &ConnectionFactory{opts: opts, live: make(map[*Connection]struct{})}
	f.enabled.Store(opts.ConnectProtocolEnabled)
	return f
}

// NewServerConn creates the server side of a connection over nc. protocol is
// "h2" for TLS connections and "h2c" for prior-knowledge plaintext.
func (f *ConnectionFactory) NewServerConn(nc net.Conn, protocol string) *Connection {
	opts := f.opts
	opts.Protocol = protocol

	f.mu.Lock()
	defer f.mu.Unlock()
	opts.ConnectProtocolEnabled = f.enabled.Load()
	c := newConnection(nc, RoleServer, opts)
	c.onClose = f.forget
	f.live[c] = struct{}{}
	return c
}

// SetConnectProtocolEnabled changes the toggle for future and live connections.
func (f *ConnectionFactory) SetConnectProtocolEnabled(enabled bool) {
	f.adminMu.Lock()
	defer f.adminMu.Unlock()
	f.mu.Lock()
	f.enabled.Store(enabled)
	conns := make([]*Connection, 0, len(f.live))
	for c := range f.live {
		conns = append(conns, c)
	}
	f.mu.Unlock()
	for _, c := range conns {
		c.SetConnectProtocolEnabled(enabled)
	}
}

func (f *ConnectionFactory) ConnectProtocolEnabled() bool { return f.enabled.Load() }

// Connections returns the number of live connections.
func (f *ConnectionFactory) Connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// CloseAll closes every live connection with err (nil sends GOAWAY NO_ERROR).
func (f *ConnectionFactory) CloseAll(err error) {
	f.mu.Lock()
	conns := make([]*Connection, 0, len(f.live))
	for c := range f.live {
		conns = append(conns, c)
	}
	f.mu.Unlock()
	for _, c := range conns {
		c.Close(err)
	}
}

func (f *ConnectionFactory) forget(c *Connection) {
	f.mu.Lock()
	delete(f.live, c)
	f.mu.Unlock()
}
