// Package bridge turns HTTP/2 streams opened with an extended CONNECT request
// (RFC 8441) into WebSocket sessions, on the server side (ServeStream) and the
// client side (Dial).
package bridge

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	xhttp2 "golang.org/x/net/http2"

	"example.com/h2ws/internal/http2"
	"example.com/h2ws/internal/logger"
	"example.com/h2ws/internal/metrics"
	"example.com/h2ws/internal/relay"
	"example.com/h2ws/internal/router"
	"example.com/h2ws/internal/session"
	"example.com/h2ws/internal/wsconn"
)

// WebSocketProtocol is the :protocol value of a WebSocket extended CONNECT.
const WebSocketProtocol = "websocket"

// WebSocketVersion is the only sec-websocket-version accepted (RFC 6455).
const WebSocketVersion = "13"

// Options configures a Bridge.
type Options struct {
	Router *router.Router
	// Sessions, if set, receives every session the bridge opens.
	Sessions *session.Registry

	CloseTimeout   time.Duration
	MaxMessageSize int64
	// BufferLimit bounds inbound bytes a session's codec holds before they are read.
	BufferLimit int

	// AfterResponse, if set, runs after the success response is sent and
	// before the session is opened.
	AfterResponse func(st *http2.Stream)

	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

// Bridge is the http2.StreamHandler that accepts WebSocket upgrades.
type Bridge struct {
	opts Options
	log  *logger.Logger
}

var _ http2.StreamHandler = (*Bridge)(nil)

// New returns a bridge routing upgrades through opts.Router.
func New(opts Options) (*Bridge, error) {
	if opts.Router == nil {
		return nil, fmt.Errorf("bridge: router cannot be nil")
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Bridge{opts: opts, log: opts.Logger.With(logger.LogFields{"component": "bridge"})}, nil
}

// ServeStream handles one peer-initiated stream. Extended CONNECT requests for
// websocket on a routed path become sessions; everything else is answered with
// an error response. Inbound data that arrived before the session exists stays
// in the stream's relay queue and is delivered after OnOpen, in order.
func (b *Bridge) ServeStream(st *http2.Stream) {
	start := time.Now()
	req := st.Request()
	status, sessionID := b.serve(st, req)

	b.log.Access(logger.AccessEntry{
		RemoteAddr: st.Conn().RemoteAddr().String(),
		Protocol:   st.Conn().Protocol(),
		Method:     req.Method,
		Path:       req.Path,
		Status:     status,
		StreamID:   st.ID(),
		SessionID:  sessionID,
		Duration:   time.Since(start),
	})
	b.opts.Metrics.Upgrade(st.Conn().Protocol(), status, time.Since(start).Seconds())
}

func (b *Bridge) serve(st *http2.Stream, req *http2.Request) (int, string) {
	log := b.log.With(logger.LogFields{"stream_id": st.ID(), "path": req.Path})
	accept := req.Header.Get("Accept")

	reject := func(status int, detail string, extra http.Header) (int, string) {
		log.Debug("Rejecting stream", logger.LogFields{"status": status, "detail": detail})
		if err := WriteStreamError(st, status, accept, detail, extra, log); err != nil {
			log.Debug("Failed to write error response", logger.LogFields{"error": err.Error()})
			_ = st.Reset(xhttp2.ErrCodeInternal)
		}
		return status, ""
	}

	if !req.IsExtendedConnect() {
		if _, ok := b.opts.Router.Match(req.Path); ok {
			return reject(http.StatusMethodNotAllowed, "use an extended CONNECT with :protocol websocket", http.Header{"Allow": {http.MethodConnect}})
		}
		return reject(http.StatusNotFound, "", nil)
	}
	if !strings.EqualFold(req.Protocol, WebSocketProtocol) {
		return reject(http.StatusBadRequest, fmt.Sprintf("unsupported :protocol %q", req.Protocol), nil)
	}
	if req.Scheme == "" || req.Path == "" || req.Authority == "" {
		return reject(http.StatusBadRequest, "extended CONNECT requires :scheme, :path and :authority", nil)
	}
	if v := req.Header.Get("Sec-Websocket-Version"); v != WebSocketVersion {
		return reject(http.StatusBadRequest, fmt.Sprintf("unsupported sec-websocket-version %q", v),
			http.Header{"Sec-Websocket-Version": {WebSocketVersion}})
	}

	match, ok := b.opts.Router.Match(req.Path)
	if !ok {
		return reject(http.StatusNotFound, "", nil)
	}
	subprotocol := match.SelectSubprotocol(SplitHeaderList(req.Header.Values("Sec-Websocket-Protocol")))

	s := session.New(session.Config{
		Protocol:     st.Conn().Protocol(),
		Path:         req.Path,
		Subprotocol:  subprotocol,
		CloseTimeout: b.opts.CloseTimeout,
		CloseStatus:  CloseStatusFor,
		Logger:       b.opts.Logger,
		Metrics:      b.opts.Metrics,
	})
	conn := wsconn.NewServerStreamConn(st, wsconn.Options{
		BufferLimit:    b.opts.BufferLimit,
		MaxMessageSize: b.opts.MaxMessageSize,
		Logger:         log,
	})
	if err := s.Bind(match.Factory(), conn); err != nil {
		log.Error("Failed to bind session", logger.LogFields{"error": err.Error()})
		return reject(http.StatusInternalServerError, "", nil)
	}

	h := make(http.Header)
	if subprotocol != "" {
		h.Set("Sec-Websocket-Protocol", subprotocol)
	}
	if err := st.Respond(http.StatusOK, h, false); err != nil {
		log.Debug("Failed to send upgrade response", logger.LogFields{"error": err.Error()})
		s.Abort(err)
		return http.StatusOK, s.ID()
	}
	if b.opts.AfterResponse != nil {
		b.opts.AfterResponse(st)
	}

	if b.opts.Sessions != nil {
		b.opts.Sessions.Add(s)
	}
	if err := s.Open(); err != nil {
		log.Debug("Session did not open", logger.LogFields{"error": err.Error()})
		_ = conn.Close()
		return http.StatusOK, s.ID()
	}
	if err := st.Attach(conn.Feed); err != nil {
		s.Abort(err)
	}
	log.Debug("WebSocket session started", logger.LogFields{"session_id": s.ID(), "subprotocol": subprotocol})
	return http.StatusOK, s.ID()
}

// CloseStatusFor maps the error that ended a session's HTTP/2 stream to its
// close status. A peer reset with NO_ERROR or CANCEL is a normal closure; any
// other reset code, and the loss of the connection, are abnormal closures that
// carry the HTTP/2 code as the reason. Relay overflow closes with 1006 whether
// it happened before or after the session attached to the stream.
func CloseStatusFor(err error) (session.CloseStatus, error) {
	var se *http2.StreamError
	var ce *http2.ConnectionError
	var pe ws.ProtocolError
	switch {
	case errors.Is(err, relay.ErrOverflow):
		return session.CloseStatus{Code: session.StatusAbnormalClosure, Reason: session.OverflowReason}, err
	case errors.As(err, &se):
		if se.Code == xhttp2.ErrCodeNo || se.Code == xhttp2.ErrCodeCancel {
			return session.CloseStatus{Code: session.StatusNormalClosure, Reason: "stream reset with " + se.Code.String()}, nil
		}
		return session.CloseStatus{Code: session.StatusAbnormalClosure, Reason: "stream reset with " + se.Code.String()}, err
	case errors.As(err, &ce):
		return session.CloseStatus{Code: session.StatusAbnormalClosure, Reason: "connection closed with " + ce.Code.String()}, err
	case errors.Is(err, wsutil.ErrInvalidUTF8), errors.Is(err, ws.ErrProtocolInvalidUTF8):
		return session.CloseStatus{Code: session.StatusInvalidPayload, Reason: "invalid UTF-8 in text message"}, err
	case errors.Is(err, wsutil.ErrFrameTooLarge):
		return session.CloseStatus{Code: session.StatusMessageTooBig, Reason: "frame too large"}, err
	case errors.As(err, &pe):
		return session.CloseStatus{Code: session.StatusProtocolError, Reason: string(pe)}, err
	}
	return session.DefaultCloseStatus(err)
}

// SplitHeaderList splits comma-separated header values into trimmed, non-empty tokens.
func SplitHeaderList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				out = append(out, tok)
			}
		}
	}
	return out
}
