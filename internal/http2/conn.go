// Package http2 is the HTTP/2 transport the WebSocket bridge runs on: one
// Connection per socket in server or client role, streams with a relay queue
// for inbound events, and enforcement of the extended CONNECT setting
// (RFC 8441).
package http2

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	xhttp2 "golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"example.com/h2ws/internal/logger"
	"example.com/h2ws/internal/metrics"
)

// SettingEnableConnectProtocol is SETTINGS_ENABLE_CONNECT_PROTOCOL (RFC 8441 section 3).
const SettingEnableConnectProtocol xhttp2.SettingID = 0x8

// Default settings values (RFC 7540 Section 6.5.2)
const (
	DefaultSettingsHeaderTableSize    uint32 = 4096
	DefaultSettingsInitialWindowSize  uint32 = 65535
	DefaultSettingsMaxFrameSize       uint32 = 16384
	DefaultServerMaxConcurrentStreams uint32 = 100
)

// DefaultRelayQueueLimit is the per-stream buffering limit when Options leaves it unset.
const DefaultRelayQueueLimit = 1 << 20

// Role is the side of the connection this endpoint plays.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Options configures a Connection.
type Options struct {
	// Protocol names the negotiated protocol for logs and metrics, "h2" or "h2c".
	Protocol string
	// ConnectProtocolEnabled permits extended CONNECT on server connections.
	ConnectProtocolEnabled bool
	MaxConcurrentStreams   uint32
	InitialWindowSize      uint32
	// RelayQueueLimit bounds the inbound bytes a stream buffers before a consumer attaches.
	RelayQueueLimit int
	// Handler serves peer-initiated streams. Required for the server role.
	Handler StreamHandler

	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

func (o *Options) applyDefaults() {
	if o.MaxConcurrentStreams == 0 {
		o.MaxConcurrentStreams = DefaultServerMaxConcurrentStreams
	}
	if o.InitialWindowSize == 0 {
		o.InitialWindowSize = DefaultSettingsInitialWindowSize
	}
	if o.RelayQueueLimit == 0 {
		o.RelayQueueLimit = DefaultRelayQueueLimit
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
	if o.Protocol == "" {
		o.Protocol = "h2"
	}
}

// Connection manages an entire HTTP/2 connection.
type Connection struct {
	nc   net.Conn
	role Role
	opts Options
	log  *logger.Logger

	br     *bufio.Reader
	framer *xhttp2.Framer
	hpack  *HpackAdapter

	// writeMu serialises frame writes, the HPACK encoder and client stream id allocation.
	writeMu sync.Mutex
	bw      *bufio.Writer

	connectEnabled     atomic.Bool
	connectAdvertised  atomic.Bool
	peerConnectEnabled atomic.Bool
	peerMaxFrameSize   atomic.Uint32

	ready        chan struct{} // closed once our preface and SETTINGS are written
	peerSettings chan struct{} // closed on the peer's first SETTINGS
	settingsOnce sync.Once

	mu               sync.Mutex
	streams          map[uint32]*Stream
	nextStreamID     uint32
	lastPeerStreamID uint32
	goAwayReceived   bool
	closed           bool
	closeErr         error
	onClose          func(*Connection)

	// header block assembly, reader goroutine only
	hdrStreamID  uint32
	hdrBlock     []byte
	hdrEndStream bool

	done chan struct{}
}

// NewClientConn creates the client side of an HTTP/2 connection over nc.
// Serve must be running before streams can be opened.
func NewClientConn(nc net.Conn, opts Options) *Connection {
	return newConnection(nc, RoleClient, opts)
}

func newConnection(nc net.Conn, role Role, opts Options) *Connection {
	opts.applyDefaults()
	c := &Connection{
		nc:           nc,
		role:         role,
		opts:         opts,
		br:           bufio.NewReader(nc),
		bw:           bufio.NewWriter(nc),
		hpack:        NewHpackAdapter(DefaultSettingsHeaderTableSize),
		ready:        make(chan struct{}),
		peerSettings: make(chan struct{}),
		streams:      make(map[uint32]*Stream),
		done:         make(chan struct{}),
	}
	c.log = opts.Logger.With(logger.LogFields{
		"remote_addr": nc.RemoteAddr().String(),
		"protocol":    opts.Protocol,
		"role":        role.String(),
	})
	c.framer = xhttp2.NewFramer(c.bw, c.br)
	c.framer.SetMaxReadFrameSize(DefaultSettingsMaxFrameSize)
	c.peerMaxFrameSize.Store(DefaultSettingsMaxFrameSize)
	c.connectEnabled.Store(opts.ConnectProtocolEnabled)
	if role == RoleClient {
		c.nextStreamID = 1
	}
	return c
}

// Role returns whether this is the server or the client side.
func (c *Connection) Role() Role { return c.role }

// Protocol returns the negotiated protocol name, "h2" or "h2c".
func (c *Connection) Protocol() string { return c.opts.Protocol }

func (c *Connection) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Done is closed once the connection has shut down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the error the connection closed with.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// ConnectProtocolEnabled reports whether extended CONNECT is currently accepted.
func (c *Connection) ConnectProtocolEnabled() bool { return c.connectEnabled.Load() }

// PeerConnectProtocolEnabled reports whether the peer advertised SETTINGS_ENABLE_CONNECT_PROTOCOL.
func (c *Connection) PeerConnectProtocolEnabled() bool { return c.peerConnectEnabled.Load() }

// SetConnectProtocolEnabled changes whether extended CONNECT streams are accepted.
// Streams opened after the call observe the new value. Enabling sends the
// setting to the peer if it was not advertised yet; the setting is never
// withdrawn on the wire, disabled streams are reset instead.
func (c *Connection) SetConnectProtocolEnabled(enabled bool) {
	c.connectEnabled.Store(enabled)
	if !enabled || c.role != RoleServer {
		return
	}
	if c.connectAdvertised.CompareAndSwap(false, true) {
		err := c.writeFrame(func() error {
			return c.framer.WriteSettings(xhttp2.Setting{ID: SettingEnableConnectProtocol, Val: 1})
		})
		if err != nil {
			c.log.Debug("Failed to advertise extended CONNECT", logger.LogFields{"error": err.Error()})
		}
	}
}

// Usable reports whether new streams can be opened on the connection.
func (c *Connection) Usable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.goAwayReceived
}

// ActiveStreams returns the number of streams that are not closed.
func (c *Connection) ActiveStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// Serve performs the connection preface and reads frames until the connection
// fails, the peer goes away or ctx is cancelled. The connection is closed on return.
func (c *Connection) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			c.Close(ctx.Err())
		case <-c.done:
		}
	}()

	if err := c.handshake(); err != nil {
		c.Close(err)
		return err
	}
	err := c.readLoop()
	c.Close(err)
	return err
}

func (c *Connection) handshake() error {
	if c.role == RoleServer {
		preface := make([]byte, len(xhttp2.ClientPreface))
		if _, err := io.ReadFull(c.br, preface); err != nil {
			return fmt.Errorf("read client preface: %w", err)
		}
		if string(preface) != xhttp2.ClientPreface {
			return ErrBadPreface
		}
	}

	settings := []xhttp2.Setting{
		{ID: xhttp2.SettingInitialWindowSize, Val: c.opts.InitialWindowSize},
		{ID: xhttp2.SettingMaxFrameSize, Val: DefaultSettingsMaxFrameSize},
	}
	if c.role == RoleServer {
		settings = append(settings, xhttp2.Setting{ID: xhttp2.SettingMaxConcurrentStreams, Val: c.opts.MaxConcurrentStreams})
		if c.connectEnabled.Load() && c.connectAdvertised.CompareAndSwap(false, true) {
			settings = append(settings, xhttp2.Setting{ID: SettingEnableConnectProtocol, Val: 1})
		}
	} else {
		settings = append(settings, xhttp2.Setting{ID: xhttp2.SettingEnablePush, Val: 0})
	}

	err := c.writeFrame(func() error {
		if c.role == RoleClient {
			if _, err := c.bw.WriteString(xhttp2.ClientPreface); err != nil {
				return err
			}
		}
		if err := c.framer.WriteSettings(settings...); err != nil {
			return err
		}
		if c.opts.InitialWindowSize > DefaultSettingsInitialWindowSize {
			// The connection window starts at the protocol default regardless of SETTINGS.
			return c.framer.WriteWindowUpdate(0, c.opts.InitialWindowSize-DefaultSettingsInitialWindowSize)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write preface: %w", err)
	}
	close(c.ready)
	return nil
}

func (c *Connection) readLoop() error {
	for {
		f, err := c.framer.ReadFrame()
		if err != nil {
			var se xhttp2.StreamError
			if errors.As(err, &se) {
				if err := c.resetUnknownStream(se.StreamID, se.Code); err != nil {
					return err
				}
				continue
			}
			var ce xhttp2.ConnectionError
			if errors.As(err, &ce) {
				return c.connError(xhttp2.ErrCode(ce), "frame decode failed", err)
			}
			if errors.Is(err, io.EOF) {
				return NewConnectionErrorWithCause(xhttp2.ErrCodeNo, "peer closed the connection", io.ErrUnexpectedEOF)
			}
			return NewConnectionErrorWithCause(xhttp2.ErrCodeInternal, "read failed", err)
		}
		if err := c.processFrame(f); err != nil {
			return err
		}
	}
}

func (c *Connection) processFrame(f xhttp2.Frame) error {
	if c.hdrStreamID != 0 {
		if cf, ok := f.(*xhttp2.ContinuationFrame); ok && cf.StreamID == c.hdrStreamID {
			return c.processContinuation(cf)
		}
		return c.connError(xhttp2.ErrCodeProtocol, "expected CONTINUATION frame", nil)
	}

	switch f := f.(type) {
	case *xhttp2.SettingsFrame:
		return c.processSettings(f)
	case *xhttp2.HeadersFrame:
		c.hdrStreamID = f.StreamID
		c.hdrBlock = append(c.hdrBlock[:0], f.HeaderBlockFragment()...)
		c.hdrEndStream = f.StreamEnded()
		if f.HeadersEnded() {
			return c.finishHeaderBlock()
		}
	case *xhttp2.ContinuationFrame:
		return c.connError(xhttp2.ErrCodeProtocol, "unexpected CONTINUATION frame", nil)
	case *xhttp2.DataFrame:
		return c.processData(f)
	case *xhttp2.RSTStreamFrame:
		if st := c.stream(f.StreamID); st != nil {
			c.removeStream(f.StreamID)
			st.onReset(f.ErrCode)
		}
	case *xhttp2.PingFrame:
		if !f.IsAck() {
			data := f.Data
			return c.writeFrame(func() error { return c.framer.WritePing(true, data) })
		}
	case *xhttp2.GoAwayFrame:
		return c.processGoAway(f)
	case *xhttp2.PushPromiseFrame:
		return c.connError(xhttp2.ErrCodeProtocol, "PUSH_PROMISE with push disabled", nil)
	case *xhttp2.WindowUpdateFrame, *xhttp2.PriorityFrame:
		// Send-side flow control is not tracked; priorities are ignored.
	default:
		c.log.Debug("Ignoring frame", logger.LogFields{"type": f.Header().Type.String()})
	}
	return nil
}

func (c *Connection) processSettings(f *xhttp2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	if err := f.ForeachSetting(func(s xhttp2.Setting) error {
		switch s.ID {
		case SettingEnableConnectProtocol:
			if s.Val > 1 {
				return c.connError(xhttp2.ErrCodeProtocol, "invalid SETTINGS_ENABLE_CONNECT_PROTOCOL value", nil)
			}
			if s.Val == 0 && c.peerConnectEnabled.Load() {
				return c.connError(xhttp2.ErrCodeProtocol, "SETTINGS_ENABLE_CONNECT_PROTOCOL withdrawn", nil)
			}
			c.peerConnectEnabled.Store(s.Val == 1)
		case xhttp2.SettingMaxFrameSize:
			if s.Val < DefaultSettingsMaxFrameSize || s.Val > 1<<24-1 {
				return c.connError(xhttp2.ErrCodeProtocol, "invalid SETTINGS_MAX_FRAME_SIZE", nil)
			}
			c.peerMaxFrameSize.Store(s.Val)
		case xhttp2.SettingHeaderTableSize:
			c.writeMu.Lock()
			c.hpack.SetMaxEncoderDynamicTableSize(s.Val)
			c.writeMu.Unlock()
		}
		return nil
	}); err != nil {
		return err
	}
	c.settingsOnce.Do(func() { close(c.peerSettings) })
	return c.writeFrame(func() error { return c.framer.WriteSettingsAck() })
}

func (c *Connection) processContinuation(f *xhttp2.ContinuationFrame) error {
	c.hdrBlock = append(c.hdrBlock, f.HeaderBlockFragment()...)
	if len(c.hdrBlock) > 1<<20 {
		return c.connError(xhttp2.ErrCodeEnhanceYourCalm, "header block too large", nil)
	}
	if f.HeadersEnded() {
		return c.finishHeaderBlock()
	}
	return nil
}

func (c *Connection) finishHeaderBlock() error {
	id, endStream := c.hdrStreamID, c.hdrEndStream
	c.hdrStreamID = 0
	fields, err := c.hpack.Decode(c.hdrBlock)
	if err != nil {
		return c.connError(xhttp2.ErrCodeCompression, "header block decode failed", err)
	}
	if c.role == RoleServer {
		return c.acceptStream(id, fields, endStream)
	}
	return c.processResponse(id, fields, endStream)
}

// acceptStream handles the request header block of a peer-initiated stream.
// This is where extended CONNECT is refused while disabled: the stream is reset
// with PROTOCOL_ERROR before any handler sees it.
func (c *Connection) acceptStream(id uint32, fields []hpack.HeaderField, endStream bool) error {
	if st := c.stream(id); st != nil {
		// Trailers.
		if endStream {
			st.onData(nil, true)
		}
		return nil
	}

	c.mu.Lock()
	if id%2 == 0 || id <= c.lastPeerStreamID {
		c.mu.Unlock()
		return c.connError(xhttp2.ErrCodeProtocol, fmt.Sprintf("invalid stream id %d", id), nil)
	}
	c.lastPeerStreamID = id
	active := uint32(len(c.streams))
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}

	req, err := parseRequest(fields)
	if err != nil {
		c.log.Debug("Malformed request", logger.LogFields{"stream_id": id, "error": err.Error()})
		return c.writeRSTStream(id, xhttp2.ErrCodeProtocol)
	}
	if req.IsExtendedConnect() && !c.connectEnabled.Load() {
		c.log.Info("Extended CONNECT disabled, resetting stream", logger.LogFields{
			"stream_id": id,
			"path":      req.Path,
			"protocol":  req.Protocol,
		})
		c.opts.Metrics.ExtendedConnectRejected()
		return c.writeRSTStream(id, xhttp2.ErrCodeProtocol)
	}
	if active >= c.opts.MaxConcurrentStreams {
		return c.writeRSTStream(id, xhttp2.ErrCodeRefusedStream)
	}

	st := newStream(c, id, req)
	if endStream {
		st.state = StreamStateHalfClosedRemote
		_ = st.queue.Enqueue(Event{EndStream: true})
	}
	c.mu.Lock()
	c.streams[id] = st
	c.mu.Unlock()

	c.log.Debug("Stream opened", logger.LogFields{"stream_id": id, "method": req.Method, "path": req.Path, "protocol_header": req.Protocol})
	if c.opts.Handler == nil {
		return st.Reset(xhttp2.ErrCodeRefusedStream)
	}
	go c.opts.Handler.ServeStream(st)
	return nil
}

func (c *Connection) processResponse(id uint32, fields []hpack.HeaderField, endStream bool) error {
	st := c.stream(id)
	if st == nil {
		return nil
	}
	resp, err := parseResponse(fields)
	if err != nil {
		c.log.Debug("Malformed response", logger.LogFields{"stream_id": id, "error": err.Error()})
		return st.Reset(xhttp2.ErrCodeProtocol)
	}
	if resp.Status < 200 {
		return nil
	}
	st.completeResponse(resp, nil)
	if endStream {
		st.onData(nil, true)
	}
	return nil
}

func (c *Connection) processData(f *xhttp2.DataFrame) error {
	st := c.stream(f.StreamID)
	n := f.Header().Length

	if n > 0 {
		// Receive windows are replenished immediately; the relay queue bounds buffering.
		err := c.writeFrame(func() error {
			if err := c.framer.WriteWindowUpdate(0, n); err != nil {
				return err
			}
			if st != nil && !f.StreamEnded() {
				return c.framer.WriteWindowUpdate(f.StreamID, n)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if st == nil {
		return c.resetUnknownStream(f.StreamID, xhttp2.ErrCodeStreamClosed)
	}
	st.onData(append([]byte(nil), f.Data()...), f.StreamEnded())
	return nil
}

func (c *Connection) processGoAway(f *xhttp2.GoAwayFrame) error {
	c.mu.Lock()
	c.goAwayReceived = true
	var refused []*Stream
	if c.role == RoleClient {
		for id, st := range c.streams {
			if id > f.LastStreamID {
				refused = append(refused, st)
				delete(c.streams, id)
			}
		}
	}
	remaining := len(c.streams)
	c.mu.Unlock()

	c.log.Debug("GOAWAY received", logger.LogFields{"last_stream_id": f.LastStreamID, "code": f.ErrCode.String()})
	goAwayErr := &ConnectionError{LastStreamID: f.LastStreamID, Code: f.ErrCode, Msg: "GOAWAY received"}
	for _, st := range refused {
		st.onConnClosed(goAwayErr)
	}
	if f.ErrCode != xhttp2.ErrCodeNo {
		return goAwayErr
	}
	if remaining == 0 {
		return goAwayErr
	}
	return nil
}

func (c *Connection) resetUnknownStream(id uint32, code xhttp2.ErrCode) error {
	c.mu.Lock()
	known := id <= c.lastPeerStreamID || (c.role == RoleClient && id < c.nextStreamID)
	c.mu.Unlock()
	if !known {
		return c.connError(xhttp2.ErrCodeProtocol, fmt.Sprintf("frame on idle stream %d", id), nil)
	}
	if st := c.stream(id); st != nil {
		return st.Reset(code)
	}
	return c.writeRSTStream(id, code)
}

// connError sends GOAWAY with code and returns the error that ends the read loop.
func (c *Connection) connError(code xhttp2.ErrCode, msg string, cause error) error {
	c.mu.Lock()
	last := c.lastPeerStreamID
	c.mu.Unlock()
	_ = c.writeFrame(func() error { return c.framer.WriteGoAway(last, code, []byte(msg)) })
	return &ConnectionError{LastStreamID: last, Code: code, Msg: msg, Cause: cause}
}

// OpenStream starts a client stream with req's headers. The stream id is
// allocated and the HEADERS frame written under the same lock so that ids reach
// the wire in increasing order.
func (c *Connection) OpenStream(ctx context.Context, req *Request) (*Stream, error) {
	if c.role != RoleClient {
		return nil, fmt.Errorf("http2: OpenStream on a %s connection", c.role)
	}
	select {
	case <-c.ready:
	case <-c.done:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	// Wait for the server's SETTINGS so the extended CONNECT setting is known.
	select {
	case <-c.peerSettings:
	case <-c.done:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if req.IsExtendedConnect() && !c.peerConnectEnabled.Load() {
		c.log.Debug("Peer did not advertise extended CONNECT; sending it anyway", logger.LogFields{"path": req.Path})
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.closed || c.goAwayReceived {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	id := c.nextStreamID
	c.nextStreamID += 2
	st := newStream(c, id, req)
	c.streams[id] = st
	c.mu.Unlock()

	if err := c.writeHeadersLocked(id, req.headerFields(), false); err != nil {
		c.removeStream(id)
		return nil, err
	}
	return st, nil
}

func (c *Connection) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrConnClosed
}

// Close shuts the connection down. A nil err sends GOAWAY(NO_ERROR) first.
// Every live stream receives the failure as its last event.
func (c *Connection) Close(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	graceful := err == nil
	if graceful {
		err = NewConnectionError(xhttp2.ErrCodeNo, "connection closed locally")
	}
	c.closeErr = err
	streams := make([]*Stream, 0, len(c.streams))
	for _, st := range c.streams {
		streams = append(streams, st)
	}
	c.streams = make(map[uint32]*Stream)
	last := c.lastPeerStreamID
	onClose := c.onClose
	c.mu.Unlock()

	var ce *ConnectionError
	if !errors.As(err, &ce) {
		ce = NewConnectionErrorWithCause(xhttp2.ErrCodeCancel, "connection closed", err)
		if errors.Is(err, io.EOF) {
			ce.Cause = io.ErrUnexpectedEOF
		}
	}
	if graceful {
		_ = c.writeFrame(func() error { return c.framer.WriteGoAway(last, xhttp2.ErrCodeNo, nil) })
	}
	_ = c.nc.Close()

	for _, st := range streams {
		st.onConnClosed(ce)
	}
	c.log.Debug("Connection closed", logger.LogFields{"error": err.Error(), "streams": len(streams)})
	close(c.done)
	if onClose != nil {
		onClose(c)
	}
}

func (c *Connection) stream(id uint32) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

func (c *Connection) removeStream(id uint32) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

func (c *Connection) writeFrame(fn func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := fn(); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *Connection) writeHeaders(id uint32, fields []hpack.HeaderField, endStream bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeHeadersLocked(id, fields, endStream)
}

func (c *Connection) writeHeadersLocked(id uint32, fields []hpack.HeaderField, endStream bool) error {
	block, err := c.hpack.Encode(fields)
	if err != nil {
		return err
	}
	max := int(c.peerMaxFrameSize.Load())
	first := block
	if len(first) > max {
		first = block[:max]
	}
	rest := block[len(first):]
	if err := c.framer.WriteHeaders(xhttp2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: first,
		EndStream:     endStream,
		EndHeaders:    len(rest) == 0,
	}); err != nil {
		return err
	}
	for len(rest) > 0 {
		chunk := rest
		if len(chunk) > max {
			chunk = rest[:max]
		}
		rest = rest[len(chunk):]
		if err := c.framer.WriteContinuation(id, len(rest) == 0, chunk); err != nil {
			return err
		}
	}
	return c.bw.Flush()
}

func (c *Connection) writeData(id uint32, p []byte, endStream bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	max := int(c.peerMaxFrameSize.Load())
	for {
		chunk := p
		if len(chunk) > max {
			chunk = p[:max]
		}
		p = p[len(chunk):]
		if err := c.framer.WriteData(id, endStream && len(p) == 0, chunk); err != nil {
			return err
		}
		if len(p) == 0 {
			break
		}
	}
	return c.bw.Flush()
}

func (c *Connection) writeRSTStream(id uint32, code xhttp2.ErrCode) error {
	return c.writeFrame(func() error { return c.framer.WriteRSTStream(id, code) })
}
