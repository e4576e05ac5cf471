package wsconn

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xhttp2 "golang.org/x/net/http2"

	"example.com/h2ws/internal/http2"
	"example.com/h2ws/internal/relay"
	"example.com/h2ws/internal/session"
)

// fakeStream records what a StreamConn writes to its stream.
type fakeStream struct {
	mu        sync.Mutex
	out       bytes.Buffer
	endStream bool
	resets    []xhttp2.ErrCode
}

func (s *fakeStream) WriteData(p []byte, endStream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endStream || len(s.resets) > 0 {
		return http2.ErrStreamClosed
	}
	s.out.Write(p)
	s.endStream = endStream
	return nil
}

func (s *fakeStream) Reset(code xhttp2.ErrCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, code)
	return nil
}

func (s *fakeStream) frames(t *testing.T) []ws.Frame {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	r := bytes.NewReader(s.out.Bytes())
	var frames []ws.Frame
	for r.Len() > 0 {
		f, err := ws.ReadFrame(r)
		require.NoError(t, err)
		if f.Header.Masked {
			ws.Cipher(f.Payload, f.Header.Mask, 0)
		}
		frames = append(frames, f)
	}
	return frames
}

func clientFrame(t *testing.T, op ws.OpCode, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, wsutil.WriteClientMessage(&buf, op, payload))
	return buf.Bytes()
}

func TestStreamConn_ReadAcrossEvents(t *testing.T) {
	st := &fakeStream{}
	c := NewServerStreamConn(st, Options{})

	frame := clientFrame(t, ws.OpText, []byte("hello websocket"))
	c.Feed(http2.Event{Data: frame[:5]})
	go c.Feed(http2.Event{Data: frame[5:]})

	mt, data, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, session.TextMessage, mt)
	assert.Equal(t, "hello websocket", string(data))

	c.Feed(http2.Event{Data: clientFrame(t, ws.OpBinary, []byte{1, 2, 3})})
	mt, data, err = c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, session.BinaryMessage, mt)
	assert.Equal(t, []byte{1, 2, 3}, data)
}

func TestStreamConn_PingIsAnswered(t *testing.T) {
	st := &fakeStream{}
	c := NewServerStreamConn(st, Options{})

	c.Feed(http2.Event{Data: clientFrame(t, ws.OpPing, []byte("p1"))})
	c.Feed(http2.Event{Data: clientFrame(t, ws.OpPong, []byte("ignored"))})
	c.Feed(http2.Event{Data: clientFrame(t, ws.OpText, []byte("after"))})

	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "after", string(data))

	frames := st.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, ws.OpPong, frames[0].Header.OpCode)
	assert.False(t, frames[0].Header.Masked, "server frames are not masked")
	assert.Equal(t, "p1", string(frames[0].Payload))
}

func TestStreamConn_CloseFrames(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    session.CloseError
	}{
		{"with status", ws.NewCloseFrameBody(ws.StatusGoingAway, "bye"), session.CloseError{Code: session.StatusGoingAway, Reason: "bye"}},
		{"empty body", nil, session.CloseError{Code: session.StatusNoStatusReceived}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := NewServerStreamConn(&fakeStream{}, Options{})
			c.Feed(http2.Event{Data: clientFrame(t, ws.OpClose, tc.payload)})

			_, _, err := c.ReadMessage()
			var ce *session.CloseError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, tc.want, *ce)
		})
	}
}

func TestStreamConn_StreamEvents(t *testing.T) {
	reset := http2.NewStreamError(1, xhttp2.ErrCodeCancel, "stream reset by peer")

	c := NewServerStreamConn(&fakeStream{}, Options{})
	c.Feed(http2.Event{Err: reset})
	_, _, err := c.ReadMessage()
	assert.ErrorIs(t, err, reset)

	c = NewServerStreamConn(&fakeStream{}, Options{})
	c.Feed(http2.Event{EndStream: true})
	_, _, err = c.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)

	c = NewServerStreamConn(&fakeStream{}, Options{})
	frame := clientFrame(t, ws.OpText, []byte("truncated"))
	c.Feed(http2.Event{Data: frame[:4], EndStream: true})
	_, _, err = c.ReadMessage()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestStreamConn_Overflow(t *testing.T) {
	st := &fakeStream{}
	c := NewServerStreamConn(st, Options{BufferLimit: 8})

	c.Feed(http2.Event{Data: make([]byte, 9)})
	_, _, err := c.ReadMessage()
	assert.ErrorIs(t, err, relay.ErrOverflow)

	require.NoError(t, c.Close())
	assert.Equal(t, []xhttp2.ErrCode{xhttp2.ErrCodeProtocol}, st.resets)
}

func TestStreamConn_RejectsUnmaskedClientFrames(t *testing.T) {
	c := NewServerStreamConn(&fakeStream{}, Options{})
	var buf bytes.Buffer
	require.NoError(t, wsutil.WriteServerMessage(&buf, ws.OpText, []byte("x")))
	c.Feed(http2.Event{Data: buf.Bytes()})

	_, _, err := c.ReadMessage()
	assert.ErrorIs(t, err, ws.ErrProtocolMaskRequired)
}

func TestStreamConn_ClientWritesMaskedFrames(t *testing.T) {
	st := &fakeStream{}
	c := NewClientStreamConn(st, Options{})

	require.NoError(t, c.WriteMessage(session.TextMessage, []byte("masked")))
	require.NoError(t, c.WriteClose(session.CloseStatus{Code: session.StatusNoStatusReceived}))

	frames := st.frames(t)
	require.Len(t, frames, 2)
	assert.True(t, frames[0].Header.Masked)
	assert.Equal(t, "masked", string(frames[0].Payload))
	assert.Equal(t, ws.OpClose, frames[1].Header.OpCode)
	assert.Empty(t, frames[1].Payload)
}

func TestStreamConn_CloseEndsOrResetsStream(t *testing.T) {
	t.Run("after handshake", func(t *testing.T) {
		st := &fakeStream{}
		c := NewServerStreamConn(st, Options{})
		c.Feed(http2.Event{Data: clientFrame(t, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))})
		_, _, err := c.ReadMessage()
		require.Error(t, err)
		require.NoError(t, c.WriteClose(session.CloseStatus{Code: session.StatusNormalClosure}))

		require.NoError(t, c.Close())
		require.NoError(t, c.Close())
		assert.True(t, st.endStream)
		assert.Empty(t, st.resets)
	})
	t.Run("without handshake", func(t *testing.T) {
		st := &fakeStream{}
		c := NewServerStreamConn(st, Options{})
		require.NoError(t, c.Close())
		assert.False(t, st.endStream)
		assert.Equal(t, []xhttp2.ErrCode{xhttp2.ErrCodeCancel}, st.resets)
	})
}

func TestStreamConn_CloseUnblocksRead(t *testing.T) {
	c := NewServerStreamConn(&fakeStream{}, Options{})
	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.ReadMessage()
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Close())
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("ReadMessage did not return after Close")
	}
}
