// Package session implements the per-WebSocket lifecycle state machine
// (CONNECTING, OPEN, CLOSING, CLOSED) with single-fire open, close and error
// events, independent of the transport that carries the session.
package session

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"example.com/h2ws/internal/logger"
	"example.com/h2ws/internal/metrics"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	// ErrNotOpen is returned when sending or closing a session that is not open.
	ErrNotOpen = errors.New("session: not open")
	// ErrClosed is returned by Open once the session has left CONNECTING.
	ErrClosed = errors.New("session: already closed")
	// ErrNotBound is returned by Open when no endpoint and connection were bound.
	ErrNotBound = errors.New("session: no endpoint bound")
	// ErrCloseTimeout is recorded when the peer does not answer a close frame in time.
	ErrCloseTimeout = errors.New("session: close handshake timed out")
)

// DefaultCloseTimeout bounds the wait for the peer's close frame.
const DefaultCloseTimeout = 5 * time.Second

// Config describes a session before it is bound.
type Config struct {
	// ID identifies the session; a random UUID is used when empty.
	ID string
	// Protocol is the wire protocol the session runs over, e.g. "h2c".
	Protocol string
	// Path is the request target the session was opened for.
	Path        string
	Subprotocol string

	CloseTimeout time.Duration
	// CloseStatus maps transport errors to close statuses. Defaults to DefaultCloseStatus.
	CloseStatus StatusMapper

	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

// Session is one WebSocket session.
type Session struct {
	id           string
	protocol     string
	path         string
	subprotocol  string
	closeTimeout time.Duration
	mapStatus    StatusMapper
	log          *logger.Logger
	metrics      *metrics.Metrics

	state atomic.Int32

	// mu guards the fields below and orders Open against Abort.
	mu          sync.Mutex
	conn        Conn
	h           handlers
	bound       bool
	loopStarted bool
	abortErr    error

	// deliverMu serialises endpoint callbacks.
	deliverMu sync.Mutex
	// writeMu serialises writes to conn.
	writeMu sync.Mutex

	closeTimer atomic.Pointer[time.Timer]
	pending    Latch[CloseStatus]
	status     Latch[CloseStatus]
	err        Latch[error]
	done       chan struct{}
}

// New creates a session in CONNECTING.
func New(cfg Config) *Session {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	timeout := cfg.CloseTimeout
	if timeout <= 0 {
		timeout = DefaultCloseTimeout
	}
	mapper := cfg.CloseStatus
	if mapper == nil {
		mapper = DefaultCloseStatus
	}
	lg := cfg.Logger
	if lg == nil {
		lg = logger.Nop()
	}
	return &Session{
		id:           id,
		protocol:     cfg.Protocol,
		path:         cfg.Path,
		subprotocol:  cfg.Subprotocol,
		closeTimeout: timeout,
		mapStatus:    mapper,
		log:          lg.With(logger.LogFields{"session_id": id, "path": cfg.Path, "protocol": cfg.Protocol}),
		metrics:      cfg.Metrics,
		done:         make(chan struct{}),
	}
}

func (s *Session) ID() string          { return s.id }
func (s *Session) Protocol() string    { return s.protocol }
func (s *Session) Path() string        { return s.path }
func (s *Session) Subprotocol() string { return s.subprotocol }
func (s *Session) State() State        { return State(s.state.Load()) }

// Done is closed once the session reaches CLOSED.
func (s *Session) Done() <-chan struct{} { return s.done }

// CloseStatus returns the recorded close status, if the session has closed.
func (s *Session) CloseStatus() (CloseStatus, bool) { return s.status.Get() }

// Err returns the error that ended the session, or nil.
func (s *Session) Err() error {
	err, _ := s.err.Get()
	return err
}

// Bind attaches the application endpoint and the codec. It must be called
// before Open and at most once.
func (s *Session) Bind(ep Endpoint, conn Conn) error {
	if ep == nil || conn == nil {
		return fmt.Errorf("session %s: endpoint and connection are required", s.id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound {
		return fmt.Errorf("session %s: already bound", s.id)
	}
	if s.State() != StateConnecting {
		return ErrClosed
	}
	s.conn = conn
	s.h = resolveHandlers(ep)
	s.bound = true
	return nil
}

// Open moves the session from CONNECTING to OPEN, fires OnOpen and starts
// delivering inbound messages. Calling Open on a session that is already open
// does nothing.
func (s *Session) Open() error {
	s.mu.Lock()
	switch s.State() {
	case StateConnecting:
	case StateOpen:
		s.mu.Unlock()
		s.log.Debug("Open called on an open session; ignoring")
		return nil
	default:
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.bound {
		s.mu.Unlock()
		return ErrNotBound
	}
	s.state.Store(int32(StateOpen))
	s.loopStarted = true
	s.mu.Unlock()

	s.metrics.SessionOpened()
	s.log.Debug("Session opened")
	s.deliver(func() { s.h.onOpen(s) })
	go s.readLoop()
	return nil
}

// SendText writes a text message.
func (s *Session) SendText(msg string) error {
	return s.send(TextMessage, []byte(msg))
}

// SendBinary writes a binary message.
func (s *Session) SendBinary(msg []byte) error {
	return s.send(BinaryMessage, msg)
}

func (s *Session) send(t MessageType, data []byte) error {
	if s.State() != StateOpen {
		return ErrNotOpen
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(t, data); err != nil {
		return fmt.Errorf("session %s: write %s message: %w", s.id, t, err)
	}
	return nil
}

// Close starts the close handshake. The session stays CLOSING until the peer
// answers or the close timeout fires. Closing a session that is already
// closing or closed does nothing.
func (s *Session) Close(code StatusCode, reason string) error {
	status := CloseStatus{Code: code, Reason: reason}
	s.mu.Lock()
	switch s.State() {
	case StateOpen:
	case StateConnecting:
		s.mu.Unlock()
		return ErrNotOpen
	default:
		s.mu.Unlock()
		return nil
	}
	// endOfInput and finish read the pending status and the timer as soon as
	// the state leaves OPEN, so both are in place before the transition.
	s.pending.Set(status)
	timer := time.AfterFunc(s.closeTimeout, func() { s.Abort(ErrCloseTimeout) })
	s.closeTimer.Store(timer)
	if !s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		// The peer's close frame or a transport failure ended the session first.
		timer.Stop()
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.log.Debug("Closing session", logger.LogFields{"code": uint16(code), "reason": reason})
	if err := s.writeClose(status); err != nil {
		s.Abort(err)
		return fmt.Errorf("session %s: write close frame: %w", s.id, err)
	}
	return nil
}

// Abort ends the session without a close handshake. err is recorded as the
// session error and mapped to the close status. It is safe to call from any
// goroutine, including endpoint callbacks.
func (s *Session) Abort(err error) {
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	s.mu.Lock()
	if s.abortErr == nil {
		s.abortErr = err
	}
	if !s.loopStarted {
		// Never opened: finish here, under mu, so a concurrent Open sees CLOSED.
		defer s.mu.Unlock()
		status, rec := s.mapStatus(err)
		s.finish(status, rec)
		return
	}
	conn := s.conn
	s.mu.Unlock()
	// The read loop observes the closed transport and finishes the session.
	_ = conn.Close()
}

func (s *Session) writeClose(status CloseStatus) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteClose(status)
}

// deliver runs fn as an endpoint callback unless the session already closed.
func (s *Session) deliver(fn func()) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.State() == StateClosed {
		return false
	}
	fn()
	return true
}

func (s *Session) readLoop() {
	for {
		t, data, err := s.conn.ReadMessage()
		if err != nil {
			s.endOfInput(err)
			return
		}
		switch t {
		case TextMessage:
			if s.h.onText != nil {
				msg := string(data)
				s.deliver(func() { s.h.onText(s, msg) })
			}
		case BinaryMessage:
			if s.h.onBinary != nil {
				s.deliver(func() { s.h.onBinary(s, data) })
			}
		}
	}
}

func (s *Session) endOfInput(err error) {
	var ce *CloseError
	if errors.As(err, &ce) {
		if s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
			// Peer initiated: echo its status, then close.
			if werr := s.writeClose(ce.Status()); werr != nil {
				s.log.Debug("Failed to echo close frame", logger.LogFields{"error": werr.Error()})
			}
			s.finish(ce.Status(), nil)
			return
		}
		s.finish(s.localStatus(ce.Status()), nil)
		return
	}

	s.mu.Lock()
	if s.abortErr != nil {
		err = s.abortErr
	}
	s.mu.Unlock()

	if s.State() == StateClosing && errors.Is(err, io.EOF) {
		s.finish(s.localStatus(CloseStatus{Code: StatusNormalClosure}), nil)
		return
	}
	status, rec := s.mapStatus(err)
	s.finish(status, rec)
}

// localStatus is the status passed to Close, or fallback if Close has not
// recorded it yet.
func (s *Session) localStatus(fallback CloseStatus) CloseStatus {
	if st, ok := s.pending.Get(); ok {
		return st
	}
	return fallback
}

// finish records the close status and error, moves the session to CLOSED and,
// if it had been opened, fires OnError and OnClose. Only the first call has any
// effect; later calls are logged as anomalies.
func (s *Session) finish(status CloseStatus, err error) {
	if !s.status.Set(status) {
		first, _ := s.status.Get()
		s.log.Warn("Duplicate close status ignored", logger.LogFields{
			"first":     first.String(),
			"duplicate": status.String(),
		})
		s.metrics.Anomaly("duplicate_close")
		if err != nil {
			s.reportLateError(err)
		}
		return
	}
	if err != nil && !s.err.Set(err) {
		s.reportLateError(err)
	}
	if t := s.closeTimer.Load(); t != nil {
		t.Stop()
	}

	s.deliverMu.Lock()
	prev := State(s.state.Swap(int32(StateClosed)))
	if s.conn != nil {
		_ = s.conn.Close()
	}
	if prev != StateConnecting {
		if recorded, ok := s.err.Get(); ok && s.h.onError != nil {
			s.h.onError(s, recorded)
		}
		s.h.onClose(s, status)
		s.metrics.SessionClosed(uint16(status.Code))
	}
	s.deliverMu.Unlock()

	fields := logger.LogFields{"code": uint16(status.Code), "reason": status.Reason, "was": prev.String()}
	if err != nil {
		fields["error"] = err.Error()
	}
	s.log.Debug("Session closed", fields)
	close(s.done)
}

func (s *Session) reportLateError(err error) {
	fields := logger.LogFields{"duplicate": err.Error()}
	if first, ok := s.err.Get(); ok {
		fields["first"] = first.Error()
	}
	s.log.Warn("Duplicate session error ignored", fields)
	s.metrics.Anomaly("duplicate_error")
}
