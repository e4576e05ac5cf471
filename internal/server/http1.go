package server

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"example.com/h2ws/internal/bridge"
	"example.com/h2ws/internal/logger"
	"example.com/h2ws/internal/negotiate"
	"example.com/h2ws/internal/session"
	"example.com/h2ws/internal/wsconn"
)

// http1Server serves connections that negotiated HTTP/1.1. Upgrades are
// handled by gorilla/websocket; any other request gets an error response.
type http1Server struct {
	s   *Server
	ln  *connListener
	srv *http.Server
}

func newHTTP1Server(s *Server) *http1Server {
	h := &http1Server{s: s, ln: newConnListener()}
	h.srv = &http.Server{
		Handler:           http.HandlerFunc(h.serveHTTP),
		ReadHeaderTimeout: s.handshakeTimeout,
	}
	go func() { _ = h.srv.Serve(h.ln) }()
	return h
}

// deliver hands a negotiated connection to the HTTP/1.1 server.
func (h *http1Server) deliver(c net.Conn) { h.ln.deliver(c) }

// close stops the HTTP/1.1 server. Hijacked connections belong to their
// sessions and are not affected.
func (h *http1Server) close() error { return h.srv.Close() }

func (h *http1Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status, sessionID := h.upgrade(w, r)
	h.s.log.Access(logger.AccessEntry{
		RemoteAddr: r.RemoteAddr,
		Protocol:   negotiate.HTTP1.String(),
		Method:     r.Method,
		Path:       r.URL.RequestURI(),
		Status:     status,
		SessionID:  sessionID,
		Duration:   time.Since(start),
	})
	h.s.metrics.Upgrade(negotiate.HTTP1.String(), status, time.Since(start).Seconds())
}

func (h *http1Server) upgrade(w http.ResponseWriter, r *http.Request) (int, string) {
	s := h.s
	match, ok := s.router.Match(r.URL.Path)
	if !ok {
		bridge.WriteHTTPError(w, r, http.StatusNotFound, fmt.Sprintf("no websocket endpoint for %s", r.URL.Path), s.log)
		return http.StatusNotFound, ""
	}
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Upgrade", bridge.WebSocketProtocol)
		w.Header().Set("Connection", "Upgrade")
		bridge.WriteHTTPError(w, r, http.StatusUpgradeRequired, "websocket upgrade required", s.log)
		return http.StatusUpgradeRequired, ""
	}

	status := http.StatusSwitchingProtocols
	up := websocket.Upgrader{
		HandshakeTimeout: s.handshakeTimeout,
		// Origin policy belongs to the endpoint; the bridge accepts any origin.
		CheckOrigin: func(*http.Request) bool { return true },
		Error: func(w http.ResponseWriter, r *http.Request, code int, reason error) {
			status = code
			if code == http.StatusBadRequest && r.Header.Get("Sec-Websocket-Version") != bridge.WebSocketVersion {
				w.Header().Set("Sec-Websocket-Version", bridge.WebSocketVersion)
			}
			bridge.WriteHTTPError(w, r, code, reason.Error(), s.log)
		},
	}
	var respHeader http.Header
	if sp := match.SelectSubprotocol(websocket.Subprotocols(r)); sp != "" {
		respHeader = http.Header{"Sec-Websocket-Protocol": {sp}}
	}
	ws, err := up.Upgrade(w, r, respHeader)
	if err != nil {
		if status == http.StatusSwitchingProtocols {
			status = http.StatusInternalServerError
		}
		s.log.Debug("HTTP/1.1 upgrade failed", logger.LogFields{"path": r.URL.Path, "error": err.Error()})
		return status, ""
	}

	sess := session.New(session.Config{
		Protocol:     negotiate.HTTP1.String(),
		Path:         r.URL.RequestURI(),
		Subprotocol:  ws.Subprotocol(),
		CloseTimeout: s.closeTimeout,
		Logger:       s.log,
		Metrics:      s.metrics,
	})
	if err := sess.Bind(match.Factory(), wsconn.NewGorillaConn(ws, s.maxMessageSize)); err != nil {
		s.log.Error("Failed to bind session", logger.LogFields{"path": r.URL.Path, "error": err.Error()})
		_ = ws.Close()
		return status, ""
	}
	s.sessions.Add(sess)
	if err := sess.Open(); err != nil {
		sess.Abort(err)
	}
	return status, sess.ID()
}

// connListener is a net.Listener fed with connections that were accepted and
// negotiated elsewhere.
type connListener struct {
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func newConnListener() *connListener {
	return &connListener{conns: make(chan net.Conn), done: make(chan struct{})}
}

func (l *connListener) deliver(c net.Conn) {
	select {
	case l.conns <- c:
	case <-l.done:
		_ = c.Close()
	}
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *connListener) Addr() net.Addr { return negotiatedAddr{} }

type negotiatedAddr struct{}

func (negotiatedAddr) Network() string { return "negotiated" }
func (negotiatedAddr) String() string  { return "negotiated" }
