package wsconn

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"example.com/h2ws/internal/session"
)

// closeWriteTimeout bounds writing a close frame on an HTTP/1.1 connection.
const closeWriteTimeout = time.Second

// GorillaConn adapts an upgraded HTTP/1.1 gorilla/websocket connection.
type GorillaConn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// NewGorillaConn wraps c. gorilla's automatic close echo is disabled because
// the session sends its own. maxMessageSize <= 0 leaves the read limit unset.
func NewGorillaConn(c *websocket.Conn, maxMessageSize int64) *GorillaConn {
	if maxMessageSize > 0 {
		c.SetReadLimit(maxMessageSize)
	}
	c.SetCloseHandler(func(int, string) error { return nil })
	return &GorillaConn{ws: c}
}

// ReadMessage returns the next data message. A close frame becomes
// *session.CloseError; a connection that dropped without one returns
// io.ErrUnexpectedEOF.
func (c *GorillaConn) ReadMessage() (session.MessageType, []byte, error) {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			if ce.Code == websocket.CloseAbnormalClosure {
				return 0, nil, io.ErrUnexpectedEOF
			}
			return 0, nil, &session.CloseError{Code: session.StatusCode(ce.Code), Reason: ce.Text}
		}
		return 0, nil, err
	}
	if mt == websocket.TextMessage {
		return session.TextMessage, data, nil
	}
	return session.BinaryMessage, data, nil
}

func (c *GorillaConn) WriteMessage(t session.MessageType, data []byte) error {
	mt := websocket.BinaryMessage
	if t == session.TextMessage {
		mt = websocket.TextMessage
	}
	return c.ws.WriteMessage(mt, data)
}

func (c *GorillaConn) WriteClose(status session.CloseStatus) error {
	msg := websocket.FormatCloseMessage(int(status.Code), status.Reason)
	return c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
}

// Close closes the underlying network connection. It is safe to call more than once.
func (c *GorillaConn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.ws.Close() })
	return c.closeErr
}

// Underlying returns the wrapped gorilla connection.
func (c *GorillaConn) Underlying() *websocket.Conn { return c.ws }
