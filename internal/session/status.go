package session

import (
	"errors"
	"fmt"
	"io"

	"example.com/h2ws/internal/relay"
)

// StatusCode is a WebSocket close status code (RFC 6455 section 7.4).
type StatusCode uint16

const (
	StatusNormalClosure    StatusCode = 1000
	StatusGoingAway        StatusCode = 1001
	StatusProtocolError    StatusCode = 1002
	StatusUnsupportedData  StatusCode = 1003
	StatusNoStatusReceived StatusCode = 1005
	StatusAbnormalClosure  StatusCode = 1006
	StatusInvalidPayload   StatusCode = 1007
	StatusPolicyViolation  StatusCode = 1008
	StatusMessageTooBig    StatusCode = 1009
	StatusInternalError    StatusCode = 1011
)

var statusNames = map[StatusCode]string{
	StatusNormalClosure:    "normal closure",
	StatusGoingAway:        "going away",
	StatusProtocolError:    "protocol error",
	StatusUnsupportedData:  "unsupported data",
	StatusNoStatusReceived: "no status received",
	StatusAbnormalClosure:  "abnormal closure",
	StatusInvalidPayload:   "invalid payload",
	StatusPolicyViolation:  "policy violation",
	StatusMessageTooBig:    "message too big",
	StatusInternalError:    "internal error",
}

func (c StatusCode) String() string {
	if name, ok := statusNames[c]; ok {
		return fmt.Sprintf("%d (%s)", uint16(c), name)
	}
	return fmt.Sprintf("%d", uint16(c))
}

// CloseStatus is the code and reason a session closed with.
type CloseStatus struct {
	Code   StatusCode
	Reason string
}

func (s CloseStatus) String() string {
	if s.Reason == "" {
		return s.Code.String()
	}
	return fmt.Sprintf("%s: %s", s.Code, s.Reason)
}

// CloseError is returned by Conn.ReadMessage when the peer sent a close frame.
type CloseError struct {
	Code   StatusCode
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("websocket: close %d %s", uint16(e.Code), e.Reason)
}

// Status returns the close status carried by the frame.
func (e *CloseError) Status() CloseStatus {
	return CloseStatus{Code: e.Code, Reason: e.Reason}
}

// OverflowReason is the close reason recorded when a session outruns its inbound buffer.
const OverflowReason = "relay queue overflow"

// StatusMapper turns the error that ended a session's transport into the close
// status to record and, for abnormal endings, the error to report.
type StatusMapper func(err error) (CloseStatus, error)

// DefaultCloseStatus maps transport errors that are not specific to one wire
// protocol. A clean end of input counts as a normal closure.
func DefaultCloseStatus(err error) (CloseStatus, error) {
	var ce *CloseError
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return CloseStatus{Code: StatusNormalClosure}, nil
	case errors.As(err, &ce):
		return ce.Status(), nil
	case errors.Is(err, relay.ErrOverflow):
		return CloseStatus{Code: StatusAbnormalClosure, Reason: OverflowReason}, err
	case errors.Is(err, ErrCloseTimeout):
		return CloseStatus{Code: StatusAbnormalClosure, Reason: "close handshake timed out"}, err
	default:
		return CloseStatus{Code: StatusAbnormalClosure, Reason: err.Error()}, err
	}
}
