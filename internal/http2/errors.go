package http2

import (
	"errors"
	"fmt"

	xhttp2 "golang.org/x/net/http2"
)

var (
	// ErrStreamClosed is returned when writing to a stream whose local side has ended.
	ErrStreamClosed = errors.New("http2: stream closed")
	// ErrConnClosed is returned when opening a stream on a closed or draining connection.
	ErrConnClosed = errors.New("http2: connection closed")
	// ErrBadPreface is returned when a peer does not open with the HTTP/2 client preface.
	ErrBadPreface = errors.New("http2: invalid client connection preface")
)

// StreamError represents an error specific to an HTTP/2 stream.
type StreamError struct {
	StreamID uint32
	Code     xhttp2.ErrCode
	Msg      string
	Cause    error // Optional underlying cause
}

// Error returns a string representation of the StreamError.
func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stream error on stream %d: %s (code %s, %d): %s", e.StreamID, e.Msg, e.Code.String(), uint32(e.Code), e.Cause)
	}
	return fmt.Sprintf("stream error on stream %d: %s (code %s, %d)", e.StreamID, e.Msg, e.Code.String(), uint32(e.Code))
}

// Unwrap returns the underlying cause of the error, if any.
func (e *StreamError) Unwrap() error {
	return e.Cause
}

// NewStreamError creates a new StreamError.
func NewStreamError(streamID uint32, code xhttp2.ErrCode, msg string) *StreamError {
	return &StreamError{StreamID: streamID, Code: code, Msg: msg}
}

// ConnectionError represents an error that affects the entire HTTP/2 connection.
type ConnectionError struct {
	LastStreamID uint32
	Code         xhttp2.ErrCode
	Msg          string
	Cause        error // Optional underlying cause
}

// Error returns a string representation of the ConnectionError.
func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection error: %s (last_stream_id %d, code %s, %d): %s", e.Msg, e.LastStreamID, e.Code.String(), uint32(e.Code), e.Cause)
	}
	return fmt.Sprintf("connection error: %s (last_stream_id %d, code %s, %d)", e.Msg, e.LastStreamID, e.Code.String(), uint32(e.Code))
}

// Unwrap returns the underlying cause of the error, if any.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, ErrConnClosed) match any connection failure.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnClosed
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(code xhttp2.ErrCode, msg string) *ConnectionError {
	return &ConnectionError{Code: code, Msg: msg}
}

// NewConnectionErrorWithCause creates a new ConnectionError with an underlying cause.
func NewConnectionErrorWithCause(code xhttp2.ErrCode, msg string, cause error) *ConnectionError {
	return &ConnectionError{Code: code, Msg: msg, Cause: cause}
}
