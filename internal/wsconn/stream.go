// Package wsconn adapts WebSocket codecs to session.Conn: RFC 6455 frames
// carried in the DATA frames of an HTTP/2 stream, and gorilla/websocket
// connections for HTTP/1.1.
package wsconn

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	xhttp2 "golang.org/x/net/http2"

	"example.com/h2ws/internal/http2"
	"example.com/h2ws/internal/logger"
	"example.com/h2ws/internal/relay"
	"example.com/h2ws/internal/session"
)

const (
	// DefaultBufferLimit bounds the inbound bytes a StreamConn holds before they are read.
	DefaultBufferLimit = 1 << 20
	// DefaultMaxMessageSize bounds a single frame payload.
	DefaultMaxMessageSize = 16 << 20
)

// Stream is the outbound half of an HTTP/2 stream.
type Stream interface {
	WriteData(p []byte, endStream bool) error
	Reset(code xhttp2.ErrCode) error
}

// Options configures a StreamConn.
type Options struct {
	BufferLimit    int
	MaxMessageSize int64
	Logger         *logger.Logger
}

// StreamConn runs the WebSocket framing layer inside one HTTP/2 stream.
// Inbound stream events are pushed with Feed; ReadMessage decodes them.
type StreamConn struct {
	stream Stream
	state  ws.State
	limit  int
	log    *logger.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	buf      bytes.Buffer
	eof      bool
	readErr  error
	overflow bool
	closed   bool

	// rd is used only by the goroutine calling ReadMessage.
	rd wsutil.Reader

	writeMu   sync.Mutex
	closeSent atomic.Bool
	closeRecv atomic.Bool
	closeOnce sync.Once
}

// NewServerStreamConn returns the server side of a WebSocket carried on st:
// inbound frames must be masked, outbound frames are not.
func NewServerStreamConn(st Stream, opts Options) *StreamConn {
	return newStreamConn(st, ws.StateServerSide, opts)
}

// NewClientStreamConn returns the client side of a WebSocket carried on st.
func NewClientStreamConn(st Stream, opts Options) *StreamConn {
	return newStreamConn(st, ws.StateClientSide, opts)
}

func newStreamConn(st Stream, state ws.State, opts Options) *StreamConn {
	if opts.BufferLimit <= 0 {
		opts.BufferLimit = DefaultBufferLimit
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	c := &StreamConn{
		stream: st,
		state:  state,
		limit:  opts.BufferLimit,
		log:    opts.Logger,
	}
	c.cond = sync.NewCond(&c.mu)
	c.rd = wsutil.Reader{
		Source:         inbound{c},
		State:          state,
		CheckUTF8:      true,
		MaxFrameSize:   opts.MaxMessageSize,
		OnIntermediate: c.handleControl,
	}
	return c
}

// Feed hands one stream event to the codec. It never blocks: bytes beyond the
// buffer limit fail the connection with an error wrapping relay.ErrOverflow.
func (c *StreamConn) Feed(e http2.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.readErr != nil || c.eof {
		return
	}
	if e.Err != nil {
		c.readErr = e.Err
		c.cond.Broadcast()
		return
	}
	if c.buf.Len()+len(e.Data) > c.limit {
		c.readErr = fmt.Errorf("wsconn: inbound buffer limit of %d bytes exceeded: %w", c.limit, relay.ErrOverflow)
		c.overflow = true
	} else {
		c.buf.Write(e.Data)
	}
	if e.EndStream {
		c.eof = true
	}
	c.cond.Broadcast()
}

// inbound is the io.Reader the frame decoder pulls from.
type inbound struct{ c *StreamConn }

func (r inbound) Read(p []byte) (int, error) {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.closed {
			return 0, net.ErrClosed
		}
		if c.buf.Len() > 0 {
			return c.buf.Read(p)
		}
		if c.readErr != nil {
			return 0, c.readErr
		}
		if c.eof {
			return 0, io.EOF
		}
		c.cond.Wait()
	}
}

// ReadMessage returns the next complete text or binary message. Pings are
// answered and pongs dropped along the way; a close frame is returned as
// *session.CloseError.
func (c *StreamConn) ReadMessage() (session.MessageType, []byte, error) {
	for {
		hdr, err := c.rd.NextFrame()
		if err != nil {
			return 0, nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, &c.rd); err != nil {
				return 0, nil, err
			}
			continue
		}
		data, err := io.ReadAll(&c.rd)
		if err != nil {
			return 0, nil, err
		}
		switch hdr.OpCode {
		case ws.OpText:
			return session.TextMessage, data, nil
		case ws.OpBinary:
			return session.BinaryMessage, data, nil
		default:
			return 0, nil, ws.ErrProtocolContinuationUnexpected
		}
	}
}

func (c *StreamConn) handleControl(hdr ws.Header, r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	switch hdr.OpCode {
	case ws.OpPing:
		if err := c.write(ws.OpPong, payload); err != nil {
			c.log.Debug("Failed to answer ping", logger.LogFields{"error": err.Error()})
		}
	case ws.OpClose:
		c.closeRecv.Store(true)
		if len(payload) == 0 {
			return &session.CloseError{Code: session.StatusNoStatusReceived}
		}
		code, reason := ws.ParseCloseFrameData(payload)
		if err := ws.CheckCloseFrameData(code, reason); err != nil {
			return fmt.Errorf("wsconn: invalid close frame: %w", err)
		}
		return &session.CloseError{Code: session.StatusCode(code), Reason: reason}
	}
	return nil
}

// WriteMessage sends one unfragmented message.
func (c *StreamConn) WriteMessage(t session.MessageType, data []byte) error {
	switch t {
	case session.TextMessage:
		return c.write(ws.OpText, data)
	case session.BinaryMessage:
		return c.write(ws.OpBinary, data)
	default:
		return fmt.Errorf("wsconn: unsupported message type %d", t)
	}
}

// WriteClose sends a close frame. StatusNoStatusReceived is sent as an empty body.
func (c *StreamConn) WriteClose(status session.CloseStatus) error {
	var body []byte
	if status.Code != session.StatusNoStatusReceived {
		body = ws.NewCloseFrameBody(ws.StatusCode(status.Code), status.Reason)
	}
	c.closeSent.Store(true)
	return c.write(ws.OpClose, body)
}

func (c *StreamConn) write(op ws.OpCode, p []byte) error {
	var frame bytes.Buffer
	if err := wsutil.WriteMessage(&frame, c.state, op, p); err != nil {
		return fmt.Errorf("wsconn: encode %s frame: %w", opName(op), err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.stream.WriteData(frame.Bytes(), false)
}

// Close ends the stream and unblocks a pending ReadMessage. After a complete
// close handshake, or once the peer ended its side, the stream is finished with
// END_STREAM. Otherwise it is reset: PROTOCOL_ERROR after a buffer overflow,
// CANCEL in every other case.
func (c *StreamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		overflow, eof := c.overflow, c.eof
		c.cond.Broadcast()
		c.mu.Unlock()

		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		switch {
		case overflow:
			err = c.stream.Reset(xhttp2.ErrCodeProtocol)
		case eof || (c.closeSent.Load() && c.closeRecv.Load()):
			err = c.stream.WriteData(nil, true)
			if errors.Is(err, http2.ErrStreamClosed) {
				err = nil
			}
		default:
			err = c.stream.Reset(xhttp2.ErrCodeCancel)
		}
	})
	return err
}

func opName(op ws.OpCode) string {
	switch op {
	case ws.OpText:
		return "text"
	case ws.OpBinary:
		return "binary"
	case ws.OpClose:
		return "close"
	case ws.OpPing:
		return "ping"
	case ws.OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode 0x%x", byte(op))
	}
}
