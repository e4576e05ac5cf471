package session

// Endpoint is the application side of a session. OnOpen and OnClose are
// mandatory; an endpoint may also implement TextHandler, BinaryHandler and
// ErrorHandler. The optional capabilities are resolved once, when the endpoint
// is bound to a session.
//
// Callbacks for one session never run concurrently. OnOpen runs before any
// other callback, and OnClose is always the last one.
type Endpoint interface {
	OnOpen(s *Session)
	OnClose(s *Session, status CloseStatus)
}

// TextHandler receives text messages.
type TextHandler interface {
	OnText(s *Session, msg string)
}

// BinaryHandler receives binary messages.
type BinaryHandler interface {
	OnBinary(s *Session, msg []byte)
}

// ErrorHandler receives the error that ended a session abnormally, right before OnClose.
type ErrorHandler interface {
	OnError(s *Session, err error)
}

type handlers struct {
	onOpen   func(*Session)
	onText   func(*Session, string)
	onBinary func(*Session, []byte)
	onError  func(*Session, error)
	onClose  func(*Session, CloseStatus)
}

func resolveHandlers(ep Endpoint) handlers {
	h := handlers{onOpen: ep.OnOpen, onClose: ep.OnClose}
	if th, ok := ep.(TextHandler); ok {
		h.onText = th.OnText
	}
	if bh, ok := ep.(BinaryHandler); ok {
		h.onBinary = bh.OnBinary
	}
	if eh, ok := ep.(ErrorHandler); ok {
		h.onError = eh.OnError
	}
	return h
}

// MessageType identifies the payload type of a data message.
type MessageType int

const (
	TextMessage   MessageType = 1
	BinaryMessage MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	default:
		return "unknown"
	}
}

// Conn is the message-level WebSocket codec a session runs over.
//
// ReadMessage returns *CloseError when the peer sends a close frame. Close
// releases the transport and makes a blocked ReadMessage return.
// WriteMessage and WriteClose are never called concurrently by a Session.
type Conn interface {
	ReadMessage() (MessageType, []byte, error)
	WriteMessage(t MessageType, data []byte) error
	WriteClose(status CloseStatus) error
	Close() error
}
