package http2

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	xhttp2 "golang.org/x/net/http2"

	"example.com/h2ws/internal/logger"
	"example.com/h2ws/internal/relay"
)

// StreamState represents the state of an HTTP/2 stream (RFC 7540 section 5.1).
type StreamState uint8

const (
	StreamStateIdle StreamState = iota
	StreamStateOpen
	StreamStateHalfClosedLocal
	StreamStateHalfClosedRemote
	StreamStateClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamStateIdle:
		return "IDLE"
	case StreamStateOpen:
		return "OPEN"
	case StreamStateHalfClosedLocal:
		return "HALF_CLOSED_LOCAL"
	case StreamStateHalfClosedRemote:
		return "HALF_CLOSED_REMOTE"
	case StreamStateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("StreamState(%d)", uint8(s))
	}
}

// Event is one inbound occurrence on a stream, in wire order.
// Exactly one of Data/EndStream or Err is meaningful: Err carries a reset from
// the peer (*StreamError) or the failure of the whole connection (*ConnectionError).
type Event struct {
	Data      []byte
	EndStream bool
	Err       error
}

func eventSize(e Event) int { return len(e.Data) }

// StreamHandler serves streams opened by the peer. ServeStream runs in its own goroutine.
type StreamHandler interface {
	ServeStream(s *Stream)
}

// StreamHandlerFunc adapts a function to StreamHandler.
type StreamHandlerFunc func(s *Stream)

func (f StreamHandlerFunc) ServeStream(s *Stream) { f(s) }

// Stream is one HTTP/2 stream. Inbound events are buffered in a relay queue
// from the moment the stream exists until a consumer attaches.
type Stream struct {
	id    uint32
	conn  *Connection
	req   *Request
	queue *relay.Queue[Event]
	log   *logger.Logger

	mu    sync.Mutex
	state StreamState

	// client role: response headers or the error that replaced them
	respOnce sync.Once
	respDone chan struct{}
	resp     *Response
	respErr  error
}

func newStream(c *Connection, id uint32, req *Request) *Stream {
	return &Stream{
		id:       id,
		conn:     c,
		req:      req,
		queue:    relay.New[Event](c.opts.RelayQueueLimit, eventSize),
		log:      c.log.With(logger.LogFields{"stream_id": id}),
		state:    StreamStateOpen,
		respDone: make(chan struct{}),
	}
}

// ID returns the stream identifier.
func (s *Stream) ID() uint32 { return s.id }

// Request returns the request headers the stream was opened with.
func (s *Stream) Request() *Request { return s.req }

// Conn returns the connection the stream belongs to.
func (s *Stream) Conn() *Connection { return s.conn }

func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Respond sends the response headers. With endStream the local side is closed.
func (s *Stream) Respond(status int, header http.Header, endStream bool) error {
	if !s.canSend() {
		return ErrStreamClosed
	}
	if err := s.conn.writeHeaders(s.id, responseHeaderFields(status, header), endStream); err != nil {
		return err
	}
	if endStream {
		s.closeLocal()
	}
	return nil
}

// WriteData sends p, split into frames no larger than the peer allows.
// With endStream the last frame carries END_STREAM and the local side is closed.
func (s *Stream) WriteData(p []byte, endStream bool) error {
	if !s.canSend() {
		return ErrStreamClosed
	}
	if err := s.conn.writeData(s.id, p, endStream); err != nil {
		return err
	}
	if endStream {
		s.closeLocal()
	}
	return nil
}

// Reset aborts the stream with code. Buffered inbound events are discarded.
func (s *Stream) Reset(code xhttp2.ErrCode) error {
	return s.reset(code, nil)
}

// reset records cause on the local StreamError so consumers can tell why the
// stream was aborted.
func (s *Stream) reset(code xhttp2.ErrCode, cause error) error {
	s.mu.Lock()
	if s.state == StreamStateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StreamStateClosed
	s.mu.Unlock()

	err := NewStreamError(s.id, code, "stream reset locally")
	err.Cause = cause
	s.queue.Fail(err)
	s.completeResponse(nil, err)
	s.conn.removeStream(s.id)
	s.log.Debug("Resetting stream", logger.LogFields{"code": code.String()})
	return s.conn.writeRSTStream(s.id, code)
}

// Attach delivers the buffered inbound events to sink in arrival order and then
// forwards later events to it directly. sink runs on the connection's reader
// goroutine and must not block. Attach may succeed only once.
func (s *Stream) Attach(sink func(Event)) error {
	if err := s.queue.DrainInto(sink); err != nil {
		return fmt.Errorf("stream %d: attach: %w", s.id, err)
	}
	return nil
}

// Buffered returns the number of inbound bytes waiting for a consumer.
func (s *Stream) Buffered() int { return s.queue.Bytes() }

// Response waits for the response headers of a stream opened with OpenStream.
// A reset from the peer is returned as *StreamError.
func (s *Stream) Response(ctx context.Context) (*Response, error) {
	select {
	case <-s.respDone:
		return s.resp, s.respErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Stream) completeResponse(resp *Response, err error) {
	s.respOnce.Do(func() {
		s.resp, s.respErr = resp, err
		close(s.respDone)
	})
}

func (s *Stream) canSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StreamStateOpen || s.state == StreamStateHalfClosedRemote
}

func (s *Stream) closeLocal() {
	s.mu.Lock()
	switch s.state {
	case StreamStateOpen:
		s.state = StreamStateHalfClosedLocal
	case StreamStateHalfClosedRemote:
		s.state = StreamStateClosed
	}
	closed := s.state == StreamStateClosed
	s.mu.Unlock()
	if closed {
		s.conn.removeStream(s.id)
	}
}

// onData runs on the reader goroutine.
func (s *Stream) onData(data []byte, endStream bool) {
	if err := s.queue.Enqueue(Event{Data: data, EndStream: endStream}); err != nil {
		if errors.Is(err, relay.ErrOverflow) {
			s.log.Warn("Relay queue limit exceeded, resetting stream", logger.LogFields{"limit": s.conn.opts.RelayQueueLimit})
			s.conn.opts.Metrics.RelayOverflow()
			_ = s.reset(xhttp2.ErrCodeProtocol, err)
		}
		return
	}
	if !endStream {
		return
	}
	s.mu.Lock()
	switch s.state {
	case StreamStateOpen:
		s.state = StreamStateHalfClosedRemote
	case StreamStateHalfClosedLocal:
		s.state = StreamStateClosed
	}
	closed := s.state == StreamStateClosed
	s.mu.Unlock()
	if closed {
		s.conn.removeStream(s.id)
	}
}

// onReset runs on the reader goroutine when the peer sends RST_STREAM.
func (s *Stream) onReset(code xhttp2.ErrCode) {
	s.mu.Lock()
	s.state = StreamStateClosed
	s.mu.Unlock()

	err := NewStreamError(s.id, code, "stream reset by peer")
	s.log.Debug("Stream reset by peer", logger.LogFields{"code": code.String()})
	_ = s.queue.Enqueue(Event{Err: err})
	s.completeResponse(nil, err)
}

// onConnClosed is called for every live stream when the connection goes away.
func (s *Stream) onConnClosed(err error) {
	s.mu.Lock()
	s.state = StreamStateClosed
	s.mu.Unlock()
	_ = s.queue.Enqueue(Event{Err: err})
	s.completeResponse(nil, err)
}
