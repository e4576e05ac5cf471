package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/h2ws/internal/config"
	"example.com/h2ws/internal/logger"
	"example.com/h2ws/internal/relay"
)

type inbound struct {
	t    MessageType
	data []byte
	err  error
}

// fakeConn feeds scripted messages to a session and records what it writes.
type fakeConn struct {
	in        chan inbound
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []inbound
	closes  []CloseStatus
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan inbound, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (MessageType, []byte, error) {
	select {
	case m := <-c.in:
		return m.t, m.data, m.err
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(t MessageType, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, inbound{t: t, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) WriteClose(status CloseStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes = append(c.closes, status)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sentCloses() []CloseStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CloseStatus(nil), c.closes...)
}

// recorder is a full-capability endpoint that fails the test on overlapping callbacks.
type recorder struct {
	t      *testing.T
	active atomic.Int32

	mu     sync.Mutex
	events []string
	closed chan CloseStatus
}

func newRecorder(t *testing.T) *recorder {
	return &recorder{t: t, closed: make(chan CloseStatus, 4)}
}

func (r *recorder) record(ev string) {
	if r.active.Add(1) != 1 {
		r.t.Errorf("overlapping endpoint callbacks at %q", ev)
	}
	defer r.active.Add(-1)
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) OnOpen(*Session)                 { r.record("open") }
func (r *recorder) OnText(_ *Session, msg string)   { r.record("text:" + msg) }
func (r *recorder) OnBinary(_ *Session, msg []byte) { r.record(fmt.Sprintf("binary:%x", msg)) }
func (r *recorder) OnError(_ *Session, err error)   { r.record("error:" + err.Error()) }
func (r *recorder) OnClose(_ *Session, st CloseStatus) {
	r.record(fmt.Sprintf("close:%d", uint16(st.Code)))
	r.closed <- st
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) waitClose(t *testing.T) CloseStatus {
	t.Helper()
	select {
	case st := <-r.closed:
		return st
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnClose")
		return CloseStatus{}
	}
}

func openSession(t *testing.T, cfg Config) (*Session, *fakeConn, *recorder) {
	t.Helper()
	s := New(cfg)
	conn := newFakeConn()
	rec := newRecorder(t)
	require.NoError(t, s.Bind(rec, conn))
	require.Equal(t, StateConnecting, s.State())
	require.NoError(t, s.Open())
	return s, conn, rec
}

func TestSession_PeerInitiatedClose(t *testing.T) {
	s, conn, rec := openSession(t, Config{Path: "/ws/echo", Protocol: "h2c"})
	assert.NotEmpty(t, s.ID())

	conn.in <- inbound{t: TextMessage, data: []byte("websocket")}
	conn.in <- inbound{t: BinaryMessage, data: []byte{0x01, 0x02}}
	conn.in <- inbound{err: &CloseError{Code: StatusNormalClosure, Reason: "done"}}

	st := rec.waitClose(t)
	<-s.Done()

	assert.Equal(t, CloseStatus{Code: StatusNormalClosure, Reason: "done"}, st)
	assert.Equal(t, []string{"open", "text:websocket", "binary:0102", "close:1000"}, rec.Events())
	assert.Equal(t, StateClosed, s.State())
	assert.NoError(t, s.Err())
	assert.Equal(t, []CloseStatus{st}, conn.sentCloses(), "peer close frame must be echoed")

	got, ok := s.CloseStatus()
	require.True(t, ok)
	assert.Equal(t, st, got)
}

func TestSession_LocalClose(t *testing.T) {
	s, conn, rec := openSession(t, Config{})

	require.NoError(t, s.Close(StatusGoingAway, "shutdown"))
	assert.Equal(t, StateClosing, s.State())
	assert.ErrorIs(t, s.SendText("late"), ErrNotOpen)
	require.NoError(t, s.Close(StatusNormalClosure, "again"), "second Close is a no-op")

	conn.in <- inbound{err: &CloseError{Code: StatusGoingAway}}
	st := rec.waitClose(t)

	assert.Equal(t, CloseStatus{Code: StatusGoingAway, Reason: "shutdown"}, st)
	assert.Equal(t, []CloseStatus{{Code: StatusGoingAway, Reason: "shutdown"}}, conn.sentCloses())
	assert.NoError(t, s.Err())
}

// closingPeerConn answers with its own close frame the moment the session
// leaves OPEN, racing the local Close.
type closingPeerConn struct {
	*fakeConn
	s    atomic.Pointer[Session]
	peer CloseError
}

func (c *closingPeerConn) ReadMessage() (MessageType, []byte, error) {
	for {
		if s := c.s.Load(); s != nil && s.State() != StateOpen {
			return 0, nil, &CloseError{Code: c.peer.Code, Reason: c.peer.Reason}
		}
		runtime.Gosched()
	}
}

func TestSession_LocalCloseWinsOverConcurrentPeerClose(t *testing.T) {
	for i := 0; i < 50; i++ {
		s := New(Config{})
		conn := &closingPeerConn{fakeConn: newFakeConn(), peer: CloseError{Code: StatusNormalClosure, Reason: "peer"}}
		conn.s.Store(s)
		rec := newRecorder(t)
		require.NoError(t, s.Bind(rec, conn))
		require.NoError(t, s.Open())

		require.NoError(t, s.Close(StatusGoingAway, "shutdown"))
		st := rec.waitClose(t)
		require.Equal(t, CloseStatus{Code: StatusGoingAway, Reason: "shutdown"}, st, "iteration %d", i)
		<-s.Done()
	}
}

func TestSession_CloseTimeout(t *testing.T) {
	s, _, rec := openSession(t, Config{CloseTimeout: 20 * time.Millisecond})

	require.NoError(t, s.Close(StatusNormalClosure, ""))
	st := rec.waitClose(t)

	assert.Equal(t, StatusAbnormalClosure, st.Code)
	assert.ErrorIs(t, s.Err(), ErrCloseTimeout)
	events := rec.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "error:"+ErrCloseTimeout.Error(), events[1])
	assert.Equal(t, "close:1006", events[2])
}

func TestSession_AbortAfterOpen(t *testing.T) {
	s, _, rec := openSession(t, Config{})

	s.Abort(relay.ErrOverflow)
	st := rec.waitClose(t)

	assert.Equal(t, StatusAbnormalClosure, st.Code)
	assert.Equal(t, OverflowReason, st.Reason)
	assert.ErrorIs(t, s.Err(), relay.ErrOverflow)
	assert.Equal(t, []string{"open", "error:" + relay.ErrOverflow.Error(), "close:1006"}, rec.Events())
}

func TestSession_AbortBeforeOpen(t *testing.T) {
	s := New(Config{})
	rec := newRecorder(t)
	require.NoError(t, s.Bind(rec, newFakeConn()))

	s.Abort(errors.New("handshake failed"))
	<-s.Done()

	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.Open(), ErrClosed)
	assert.Empty(t, rec.Events(), "a session that never opened gets no callbacks")
	st, ok := s.CloseStatus()
	require.True(t, ok)
	assert.Equal(t, StatusAbnormalClosure, st.Code)
}

func TestSession_OpenIsIdempotent(t *testing.T) {
	s, conn, rec := openSession(t, Config{})
	require.NoError(t, s.Open())

	conn.in <- inbound{err: io.EOF}
	st := rec.waitClose(t)

	assert.Equal(t, StatusNormalClosure, st.Code)
	assert.Equal(t, []string{"open", "close:1000"}, rec.Events())
}

func TestSession_OpenWithoutBind(t *testing.T) {
	s := New(Config{})
	assert.ErrorIs(t, s.Open(), ErrNotBound)
	assert.ErrorIs(t, s.SendText("x"), ErrNotOpen)
	assert.ErrorIs(t, s.Close(StatusNormalClosure, ""), ErrNotOpen)
}

func TestSession_DuplicateFinishIsLogged(t *testing.T) {
	buf := &lockedBuffer{}
	lg := logger.New(buf, config.LogLevelDebug)
	s, _, rec := openSession(t, Config{Logger: lg})

	s.finish(CloseStatus{Code: StatusAbnormalClosure}, errors.New("first"))
	s.finish(CloseStatus{Code: StatusNormalClosure}, errors.New("second"))

	st := rec.waitClose(t)
	assert.Equal(t, StatusAbnormalClosure, st.Code)
	assert.EqualError(t, s.Err(), "first")

	assert.Contains(t, buf.String(), "Duplicate close status ignored")
	assert.Contains(t, buf.String(), "Duplicate session error ignored")
	assert.Equal(t, []string{"open", "error:first", "close:1006"}, rec.Events())
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type openCloseOnly struct {
	opened, closed atomic.Int32
}

func (e *openCloseOnly) OnOpen(*Session)              { e.opened.Add(1) }
func (e *openCloseOnly) OnClose(*Session, CloseStatus) { e.closed.Add(1) }

func TestSession_OptionalHandlers(t *testing.T) {
	s := New(Config{})
	conn := newFakeConn()
	ep := &openCloseOnly{}
	require.NoError(t, s.Bind(ep, conn))
	require.NoError(t, s.Open())

	conn.in <- inbound{t: TextMessage, data: []byte("ignored")}
	s.Abort(errors.New("boom"))
	<-s.Done()

	assert.EqualValues(t, 1, ep.opened.Load())
	assert.EqualValues(t, 1, ep.closed.Load())
}

func TestSession_BindTwice(t *testing.T) {
	s := New(Config{})
	require.NoError(t, s.Bind(newRecorder(t), newFakeConn()))
	assert.Error(t, s.Bind(newRecorder(t), newFakeConn()))
	assert.Error(t, New(Config{}).Bind(nil, newFakeConn()))
}

func TestSession_SendWritesToConn(t *testing.T) {
	s, conn, _ := openSession(t, Config{})
	require.NoError(t, s.SendText("hi"))
	require.NoError(t, s.SendBinary([]byte{7}))

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.written, 2)
	assert.Equal(t, TextMessage, conn.written[0].t)
	assert.Equal(t, "hi", string(conn.written[0].data))
	assert.Equal(t, BinaryMessage, conn.written[1].t)
}

func TestDefaultCloseStatus(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name      string
		err       error
		code      StatusCode
		recordErr bool
	}{
		{"eof", io.EOF, StatusNormalClosure, false},
		{"wrapped eof", fmt.Errorf("read: %w", io.EOF), StatusNormalClosure, false},
		{"close frame", &CloseError{Code: StatusGoingAway}, StatusGoingAway, false},
		{"overflow", relay.ErrOverflow, StatusAbnormalClosure, true},
		{"close timeout", ErrCloseTimeout, StatusAbnormalClosure, true},
		{"other", boom, StatusAbnormalClosure, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st, rec := DefaultCloseStatus(tc.err)
			assert.Equal(t, tc.code, st.Code)
			assert.Equal(t, tc.recordErr, rec != nil)
		})
	}
}

func TestStatusCode_String(t *testing.T) {
	assert.Equal(t, "1000 (normal closure)", StatusNormalClosure.String())
	assert.Equal(t, "4000", StatusCode(4000).String())
	assert.Equal(t, "1006 (abnormal closure): stream reset", CloseStatus{Code: StatusAbnormalClosure, Reason: "stream reset"}.String())
}
