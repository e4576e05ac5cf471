// Package server accepts client connections, negotiates HTTP/1.1, h2 or h2c on
// each, and turns WebSocket upgrades into sessions bound to routed endpoints.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"example.com/h2ws/internal/bridge"
	"example.com/h2ws/internal/config"
	"example.com/h2ws/internal/http2"
	"example.com/h2ws/internal/logger"
	"example.com/h2ws/internal/metrics"
	"example.com/h2ws/internal/negotiate"
	"example.com/h2ws/internal/router"
	"example.com/h2ws/internal/session"
	"example.com/h2ws/internal/util"
)

// ErrServerClosed is returned by Serve and ServeTLS once Shutdown has begun.
var ErrServerClosed = errors.New("server: closed")

// ErrAddrInUse is wrapped by Start when a configured address is already bound.
var ErrAddrInUse = errors.New("address already in use")

// ShutdownReason is the close reason sent to every session during Shutdown.
const ShutdownReason = "server shutting down"

// Options carries collaborators that do not come from the configuration file.
type Options struct {
	Metrics *metrics.Metrics
	// TLSConfig, if set, is used instead of loading server.tls certificate files.
	TLSConfig *tls.Config
	// AfterResponse runs on HTTP/2 upgrades after the 200 response is sent
	// and before the session opens.
	AfterResponse func(st *http2.Stream)
}

// Server manages listeners, negotiated connections and live sessions.
type Server struct {
	cfg     *config.Config
	log     *logger.Logger
	metrics *metrics.Metrics
	router  *router.Router

	sessions *session.Registry
	factory  *http2.ConnectionFactory
	bridge   *bridge.Bridge
	plain    *negotiate.Acceptor
	secure   *negotiate.Acceptor // nil without a TLS configuration
	h1       *http1Server

	handshakeTimeout time.Duration
	closeTimeout     time.Duration
	maxMessageSize   int64

	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup

	mu           sync.Mutex
	listeners    map[net.Listener]struct{}
	plainAddr    net.Addr
	tlsAddr      net.Addr
	metricsSrv   *http.Server
	shuttingDown atomic.Bool
}

// New creates a server for cfg. Defaults are applied to cfg and the result is
// validated; routes are served through rt.
func New(cfg *config.Config, lg *logger.Logger, rt *router.Router, opts Options) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if rt == nil {
		return nil, fmt.Errorf("router cannot be nil")
	}
	if lg == nil {
		lg = logger.Nop()
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	allowed, err := negotiate.ParseProtocols(cfg.Server.Protocols)
	if err != nil {
		return nil, err
	}

	m := opts.Metrics
	if m == nil && *cfg.Metrics.Enabled {
		m = metrics.New()
	}

	tlsConfig := opts.TLSConfig
	if tlsConfig == nil && cfg.Server.TLS != nil && cfg.Server.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	s := &Server{
		cfg:              cfg,
		log:              lg.With(logger.LogFields{"component": "server"}),
		metrics:          m,
		router:           rt,
		sessions:         session.NewRegistry(),
		handshakeTimeout: cfg.WebSocket.HandshakeTimeout.Std(),
		closeTimeout:     cfg.WebSocket.CloseTimeout.Std(),
		maxMessageSize:   int64(cfg.WebSocket.MaxMessageSize.Int()),
		listeners:        make(map[net.Listener]struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.bridge, err = bridge.New(bridge.Options{
		Router:         rt,
		Sessions:       s.sessions,
		CloseTimeout:   s.closeTimeout,
		MaxMessageSize: s.maxMessageSize,
		BufferLimit:    cfg.WebSocket.RelayQueueLimit.Int(),
		AfterResponse:  opts.AfterResponse,
		Logger:         lg,
		Metrics:        m,
	})
	if err != nil {
		return nil, err
	}
	s.factory = http2.NewConnectionFactory(http2.Options{
		ConnectProtocolEnabled: *cfg.HTTP2.ConnectProtocolEnabled,
		MaxConcurrentStreams:   *cfg.HTTP2.MaxConcurrentStreams,
		InitialWindowSize:      *cfg.HTTP2.InitialWindowSize,
		RelayQueueLimit:        cfg.WebSocket.RelayQueueLimit.Int(),
		Handler:                s.bridge,
		Logger:                 lg,
		Metrics:                m,
	})

	if p := without(allowed, negotiate.H2); len(p) > 0 {
		s.plain = &negotiate.Acceptor{Allowed: p, HandshakeTimeout: s.handshakeTimeout, Logger: lg, Metrics: m}
	}
	if p := without(allowed, negotiate.H2C); len(p) > 0 && tlsConfig != nil {
		s.secure = &negotiate.Acceptor{Allowed: p, TLSConfig: tlsConfig, HandshakeTimeout: s.handshakeTimeout, Logger: lg, Metrics: m}
	}
	s.h1 = newHTTP1Server(s)
	return s, nil
}

// without returns the protocols of list other than p.
func without(list []negotiate.Protocol, p negotiate.Protocol) []negotiate.Protocol {
	out := make([]negotiate.Protocol, 0, len(list))
	for _, q := range list {
		if q != p {
			out = append(out, q)
		}
	}
	return out
}

// Sessions returns the registry of live sessions.
func (s *Server) Sessions() *session.Registry { return s.sessions }

// Metrics returns the server's collectors, or nil when metrics are disabled.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// SetConnectProtocolEnabled toggles extended CONNECT for new and live HTTP/2
// connections. While disabled, WebSocket upgrades over HTTP/2 are refused.
func (s *Server) SetConnectProtocolEnabled(enabled bool) {
	s.factory.SetConnectProtocolEnabled(enabled)
	s.log.Info("Extended CONNECT toggled", logger.LogFields{"enabled": enabled})
}

// ConnectProtocolEnabled reports the current extended CONNECT toggle.
func (s *Server) ConnectProtocolEnabled() bool { return s.factory.ConnectProtocolEnabled() }

// Addr returns the address of the plaintext listener opened by Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plainAddr
}

// TLSAddr returns the address of the TLS listener opened by Start.
func (s *Server) TLSAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tlsAddr
}

// Start opens the configured listeners, or adopts the ones listed in
// LISTEN_FDS (plaintext first, then TLS), and serves them in the background.
func (s *Server) Start() error {
	if s.shuttingDown.Load() {
		return ErrServerClosed
	}
	plainL, tlsL, err := s.openListeners()
	if err != nil {
		return err
	}
	if tlsL != nil && s.secure == nil {
		closeAll(plainL, tlsL)
		return fmt.Errorf("server.tls_address is set but no TLS configuration is available")
	}
	if plainL != nil && s.plain == nil {
		closeAll(plainL, tlsL)
		return fmt.Errorf("server.address is set but no plaintext protocol is enabled")
	}
	if err := s.startMetrics(); err != nil {
		closeAll(plainL, tlsL)
		return err
	}

	s.mu.Lock()
	if plainL != nil {
		s.plainAddr = plainL.Addr()
	}
	if tlsL != nil {
		s.tlsAddr = tlsL.Addr()
	}
	s.mu.Unlock()

	if plainL != nil {
		s.log.Info("Listening", logger.LogFields{"address": plainL.Addr().String(), "tls": false})
		go func() { s.logServeErr(s.Serve(plainL)) }()
	}
	if tlsL != nil {
		s.log.Info("Listening", logger.LogFields{"address": tlsL.Addr().String(), "tls": true})
		go func() { s.logServeErr(s.ServeTLS(tlsL)) }()
	}
	return nil
}

func (s *Server) logServeErr(err error) {
	if err != nil && !errors.Is(err, ErrServerClosed) {
		s.log.Error("Listener failed", logger.LogFields{"error": err.Error()})
	}
}

func (s *Server) openListeners() (plainL, tlsL net.Listener, err error) {
	inherited, err := util.InheritedListeners(util.ListenFdsEnvKey)
	if err != nil {
		return nil, nil, fmt.Errorf("error adopting inherited listeners from %s: %w", util.ListenFdsEnvKey, err)
	}
	if len(inherited) > 0 {
		next := 0
		if s.cfg.Server.Address != nil && next < len(inherited) {
			plainL = inherited[next]
			next++
		}
		if s.cfg.Server.TLSAddress != nil && next < len(inherited) {
			tlsL = inherited[next]
			next++
		}
		for _, l := range inherited[next:] {
			s.log.Warn("Closing unused inherited listener", logger.LogFields{"address": l.Addr().String()})
			_ = l.Close()
		}
		s.log.Info("Using inherited listeners", logger.LogFields{"count": next})
		return plainL, tlsL, nil
	}

	if a := s.cfg.Server.Address; a != nil {
		if plainL, err = listen("server.address", *a); err != nil {
			return nil, nil, err
		}
	}
	if a := s.cfg.Server.TLSAddress; a != nil {
		if tlsL, err = listen("server.tls_address", *a); err != nil {
			closeAll(plainL)
			return nil, nil, err
		}
	}
	return plainL, tlsL, nil
}

// listen opens a TCP listener for the config field named field.
func listen(field, addr string) (net.Listener, error) {
	l, err := util.CreateListener("tcp", addr)
	if err == nil {
		return l, nil
	}
	if util.IsAddrInUse(err) {
		return nil, fmt.Errorf("%s %s: %w: %w", field, addr, ErrAddrInUse, err)
	}
	return nil, fmt.Errorf("%s %s: %w", field, addr, err)
}

func closeAll(ls ...net.Listener) {
	for _, l := range ls {
		if l != nil {
			_ = l.Close()
		}
	}
}

func (s *Server) startMetrics() error {
	if s.metrics == nil || !*s.cfg.Metrics.Enabled {
		return nil
	}
	l, err := listen("metrics.address", s.cfg.Metrics.Address)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Metrics.Path, s.metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: s.handshakeTimeout}
	s.mu.Lock()
	s.metricsSrv = srv
	s.mu.Unlock()
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Metrics listener failed", logger.LogFields{"error": err.Error()})
		}
	}()
	s.log.Info("Serving metrics", logger.LogFields{"address": l.Addr().String(), "path": s.cfg.Metrics.Path})
	return nil
}

// Serve accepts plaintext connections on l until Shutdown. Each connection
// speaks HTTP/1.1 or h2c, as negotiated.
func (s *Server) Serve(l net.Listener) error {
	if s.plain == nil {
		return fmt.Errorf("no plaintext protocol is enabled")
	}
	return s.serve(l, s.plain)
}

// ServeTLS accepts TLS connections on l until Shutdown; ALPN selects h2 or HTTP/1.1.
func (s *Server) ServeTLS(l net.Listener) error {
	if s.secure == nil {
		return fmt.Errorf("no TLS configuration is available")
	}
	return s.serve(l, s.secure)
}

func (s *Server) serve(l net.Listener, acc *negotiate.Acceptor) error {
	if !s.trackListener(l, true) {
		_ = l.Close()
		return ErrServerClosed
	}
	defer s.trackListener(l, false)

	var tempDelay time.Duration
	for {
		nc, err := l.Accept()
		if err != nil {
			if s.shuttingDown.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				s.log.Warn("Accept failed, retrying", logger.LogFields{"error": err.Error(), "delay": tempDelay.String()})
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		if !s.addConn() {
			_ = nc.Close()
			return ErrServerClosed
		}
		go s.handleConn(nc, acc)
	}
}

func (s *Server) trackListener(l net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.shuttingDown.Load() {
			return false
		}
		s.listeners[l] = struct{}{}
	} else {
		delete(s.listeners, l)
	}
	return true
}

// addConn registers a connection goroutine unless shutdown has begun.
func (s *Server) addConn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown.Load() {
		return false
	}
	s.conns.Add(1)
	return true
}

func (s *Server) handleConn(nc net.Conn, acc *negotiate.Acceptor) {
	defer s.conns.Done()
	conn, p, err := acc.Negotiate(s.ctx, nc)
	if err != nil {
		return
	}
	switch p {
	case negotiate.HTTP1:
		s.h1.deliver(conn)
	default:
		c := s.factory.NewServerConn(conn, p.String())
		if err := c.Serve(s.ctx); err != nil && !errors.Is(err, http2.ErrConnClosed) {
			s.log.Debug("HTTP/2 connection ended", logger.LogFields{
				"remote_addr": conn.RemoteAddr().String(),
				"protocol":    p.String(),
				"error":       err.Error(),
			})
		}
	}
}

// Shutdown stops accepting connections and closes every session with 1001.
// It waits for the sessions to finish their close handshake until ctx is
// done; sessions still open then are aborted. Connections are closed last.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shuttingDown.Swap(true) {
		s.mu.Unlock()
		return nil
	}
	for l := range s.listeners {
		_ = l.Close()
	}
	metricsSrv := s.metricsSrv
	s.mu.Unlock()

	s.log.Info("Shutting down", logger.LogFields{"sessions": s.sessions.Len()})
	s.sessions.Each(func(sess *session.Session) {
		_ = sess.Close(session.StatusGoingAway, ShutdownReason)
	})

	var err error
	s.sessions.Each(func(sess *session.Session) {
		if err != nil {
			return
		}
		select {
		case <-sess.Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	if err != nil {
		s.log.Warn("Graceful shutdown timed out, aborting sessions", logger.LogFields{"sessions": s.sessions.Len()})
		s.sessions.Each(func(sess *session.Session) { sess.Abort(ErrServerClosed) })
	}

	s.factory.CloseAll(nil)
	_ = s.h1.close()
	s.cancel()
	s.conns.Wait()

	if metricsSrv != nil {
		_ = metricsSrv.Close()
	}
	s.log.Info("Shutdown complete")
	return err
}
