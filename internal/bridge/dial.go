package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	xhttp2 "golang.org/x/net/http2"

	"example.com/h2ws/internal/http2"
	"example.com/h2ws/internal/logger"
	"example.com/h2ws/internal/metrics"
	"example.com/h2ws/internal/session"
	"example.com/h2ws/internal/wsconn"
)

// DefaultHandshakeTimeout bounds the wait for the upgrade response.
const DefaultHandshakeTimeout = 5 * time.Second

// UpgradeError is returned by Dial when the server answers the extended
// CONNECT with a non-2xx status.
type UpgradeError struct {
	Status int
	Header http.Header
}

func (e *UpgradeError) Error() string {
	return fmt.Sprintf("websocket upgrade rejected with status %d %s", e.Status, http.StatusText(e.Status))
}

// DialOptions configures the client half of the bridge.
type DialOptions struct {
	// Subprotocols are offered in preference order.
	Subprotocols []string
	// Header carries extra request headers.
	Header http.Header

	HandshakeTimeout time.Duration
	CloseTimeout     time.Duration
	MaxMessageSize   int64
	BufferLimit      int

	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

// Dial opens a WebSocket session to target over an established client HTTP/2
// connection. It sends the extended CONNECT, waits for a 2xx response, then
// opens the session on ep. A stream reset by the server, for example with
// PROTOCOL_ERROR when extended CONNECT is disabled, is returned wrapping the
// *http2.StreamError.
func Dial(ctx context.Context, conn *http2.Connection, target *url.URL, ep session.Endpoint, opts DialOptions) (*session.Session, error) {
	if ep == nil {
		return nil, fmt.Errorf("bridge: endpoint cannot be nil")
	}
	lg := opts.Logger
	if lg == nil {
		lg = logger.Nop()
	}
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := &http2.Request{
		Method:    http.MethodConnect,
		Protocol:  WebSocketProtocol,
		Scheme:    httpScheme(target),
		Authority: target.Host,
		Path:      target.RequestURI(),
		Header:    make(http.Header),
	}
	for k, v := range opts.Header {
		req.Header[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
	req.Header.Set("Sec-Websocket-Version", WebSocketVersion)
	if len(opts.Subprotocols) > 0 {
		req.Header.Set("Sec-Websocket-Protocol", strings.Join(opts.Subprotocols, ", "))
	}

	st, err := conn.OpenStream(hctx, req)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade to %s: open stream: %w", target.Redacted(), err)
	}
	log := lg.With(logger.LogFields{"stream_id": st.ID(), "path": req.Path})

	resp, err := st.Response(hctx)
	if err != nil {
		var se *http2.StreamError
		if !errors.As(err, &se) {
			_ = st.Reset(xhttp2.ErrCodeCancel)
		}
		return nil, fmt.Errorf("websocket upgrade to %s: %w", target.Redacted(), err)
	}
	if resp.Status < 200 || resp.Status > 299 {
		_ = st.Reset(xhttp2.ErrCodeCancel)
		return nil, &UpgradeError{Status: resp.Status, Header: resp.Header}
	}

	subprotocol := resp.Header.Get("Sec-Websocket-Protocol")
	if subprotocol != "" && !offered(opts.Subprotocols, subprotocol) {
		_ = st.Reset(xhttp2.ErrCodeCancel)
		return nil, fmt.Errorf("websocket upgrade to %s: server selected subprotocol %q that was not offered", target.Redacted(), subprotocol)
	}

	s := session.New(session.Config{
		Protocol:     conn.Protocol(),
		Path:         req.Path,
		Subprotocol:  subprotocol,
		CloseTimeout: opts.CloseTimeout,
		CloseStatus:  CloseStatusFor,
		Logger:       lg,
		Metrics:      opts.Metrics,
	})
	wc := wsconn.NewClientStreamConn(st, wsconn.Options{
		BufferLimit:    opts.BufferLimit,
		MaxMessageSize: opts.MaxMessageSize,
		Logger:         log,
	})
	if err := s.Bind(ep, wc); err != nil {
		_ = st.Reset(xhttp2.ErrCodeInternal)
		return nil, err
	}
	if err := s.Open(); err != nil {
		_ = wc.Close()
		return nil, err
	}
	if err := st.Attach(wc.Feed); err != nil {
		s.Abort(err)
	}
	log.Debug("WebSocket session established", logger.LogFields{"session_id": s.ID(), "subprotocol": subprotocol})
	return s, nil
}

func httpScheme(u *url.URL) string {
	switch u.Scheme {
	case "wss", "https":
		return "https"
	default:
		return "http"
	}
}

func offered(list []string, p string) bool {
	for _, o := range list {
		if strings.EqualFold(o, p) {
			return true
		}
	}
	return false
}
