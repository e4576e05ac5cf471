// Package testutil runs in-process servers from configuration files and
// records the session events their endpoints observe.
package testutil

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/h2ws/internal/config"
	"example.com/h2ws/internal/handlers/echo"
	"example.com/h2ws/internal/logger"
	"example.com/h2ws/internal/router"
	"example.com/h2ws/internal/server"
	"example.com/h2ws/internal/session"
	itestutil "example.com/h2ws/internal/testutil"
)

// DefaultTimeout bounds every wait in the helpers below.
const DefaultTimeout = 5 * time.Second

// TrackerEndpointType is the endpoint_type served by the tracker passed to StartServer.
const TrackerEndpointType = "Tracker"

// EventKind names a session callback.
type EventKind string

const (
	EventOpen   EventKind = "open"
	EventText   EventKind = "text"
	EventBinary EventKind = "binary"
	EventError  EventKind = "error"
	EventClose  EventKind = "close"
)

// Event is one recorded callback.
type Event struct {
	Kind      EventKind
	SessionID string
	Text      string
	Data      []byte
	Status    session.CloseStatus
	Err       error
}

func (e Event) String() string {
	switch e.Kind {
	case EventText:
		return fmt.Sprintf("text(%q)", e.Text)
	case EventBinary:
		return fmt.Sprintf("binary(%d bytes)", len(e.Data))
	case EventError:
		return fmt.Sprintf("error(%v)", e.Err)
	case EventClose:
		return fmt.Sprintf("close(%d)", e.Status.Code)
	default:
		return string(e.Kind)
	}
}

// EventTracker is a session.Endpoint that records every callback in order.
// One tracker may serve many sessions; events carry the session id. Callback
// ordering violations per session (a second open, close or error, or a message
// outside open..close) are collected for AssertNoViolations.
type EventTracker struct {
	// Echo sends every text and binary message back on its session.
	Echo bool

	mu         sync.Mutex
	events     []Event
	seen       map[string]map[EventKind]int
	violations []string
	notify     chan struct{}
}

func NewEventTracker() *EventTracker {
	return &EventTracker{notify: make(chan struct{}), seen: make(map[string]map[EventKind]int)}
}

func (tr *EventTracker) record(e Event) {
	tr.mu.Lock()
	tr.check(e)
	tr.events = append(tr.events, e)
	close(tr.notify)
	tr.notify = make(chan struct{})
	tr.mu.Unlock()
}

// check must be called with tr.mu held.
func (tr *EventTracker) check(e Event) {
	counts := tr.seen[e.SessionID]
	if counts == nil {
		counts = make(map[EventKind]int)
		tr.seen[e.SessionID] = counts
	}
	switch e.Kind {
	case EventOpen, EventClose, EventError:
		if counts[e.Kind] > 0 {
			tr.violations = append(tr.violations, fmt.Sprintf("session %s: duplicate %s", e.SessionID, e))
		}
	}
	if e.Kind != EventOpen && counts[EventOpen] == 0 {
		tr.violations = append(tr.violations, fmt.Sprintf("session %s: %s before open", e.SessionID, e))
	}
	if e.Kind != EventClose && counts[EventClose] > 0 {
		tr.violations = append(tr.violations, fmt.Sprintf("session %s: %s after close", e.SessionID, e))
	}
	counts[e.Kind]++
}

// AssertNoViolations fails the test if any session saw callbacks out of order.
func (tr *EventTracker) AssertNoViolations(t testing.TB) {
	t.Helper()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, v := range tr.violations {
		t.Errorf("event tracker: %s", v)
	}
}

func (tr *EventTracker) OnOpen(s *session.Session) {
	tr.record(Event{Kind: EventOpen, SessionID: s.ID()})
}

func (tr *EventTracker) OnText(s *session.Session, msg string) {
	tr.record(Event{Kind: EventText, SessionID: s.ID(), Text: msg})
	if tr.Echo {
		_ = s.SendText(msg)
	}
}

func (tr *EventTracker) OnBinary(s *session.Session, msg []byte) {
	tr.record(Event{Kind: EventBinary, SessionID: s.ID(), Data: append([]byte(nil), msg...)})
	if tr.Echo {
		_ = s.SendBinary(msg)
	}
}

func (tr *EventTracker) OnError(s *session.Session, err error) {
	tr.record(Event{Kind: EventError, SessionID: s.ID(), Err: err})
}

func (tr *EventTracker) OnClose(s *session.Session, status session.CloseStatus) {
	tr.record(Event{Kind: EventClose, SessionID: s.ID(), Status: status})
}

// Events returns a snapshot of the recorded events.
func (tr *EventTracker) Events() []Event {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]Event(nil), tr.events...)
}

// WaitForCount blocks until at least n events of kind are recorded and
// returns the snapshot at that point. It fails the test on timeout.
func (tr *EventTracker) WaitForCount(t testing.TB, kind EventKind, n int) []Event {
	t.Helper()
	deadline := time.After(DefaultTimeout)
	for {
		tr.mu.Lock()
		count := 0
		for _, e := range tr.events {
			if e.Kind == kind {
				count++
			}
		}
		snapshot := append([]Event(nil), tr.events...)
		wake := tr.notify
		tr.mu.Unlock()
		if count >= n {
			return snapshot
		}
		select {
		case <-wake:
		case <-deadline:
			t.Fatalf("timed out waiting for %d %s events, have %v", n, kind, snapshot)
			return nil
		}
	}
}

// WaitFor blocks until one event of kind is recorded.
func (tr *EventTracker) WaitFor(t testing.TB, kind EventKind) []Event {
	t.Helper()
	return tr.WaitForCount(t, kind, 1)
}

// Sequence renders events as strings, for comparison against an expected order.
func Sequence(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.String()
	}
	return out
}

// ForSession filters events to one session.
func ForSession(events []Event, id string) []Event {
	var out []Event
	for _, e := range events {
		if e.SessionID == id {
			out = append(out, e)
		}
	}
	return out
}

// WriteTempConfig writes body to a temporary file named for format ("toml",
// "json" or "yaml") and returns its path. The file is removed with the test.
func WriteTempConfig(t testing.TB, body, format string) string {
	t.Helper()
	ext := "." + strings.ToLower(format)
	switch ext {
	case ".toml", ".json", ".yaml":
	default:
		t.Fatalf("unsupported config format: %s", format)
	}
	path := filepath.Join(t.TempDir(), "config"+ext)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// TLSFiles holds a self-signed certificate for "localhost" and a client
// configuration trusting it.
type TLSFiles struct {
	CertFile, KeyFile string
	Client            *tls.Config
}

func NewTLSFiles(t testing.TB) TLSFiles {
	t.Helper()
	certFile, keyFile := itestutil.GenerateSelfSignedCertKeyFiles(t, "localhost")
	certPEM, err := os.ReadFile(certFile)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(certPEM))
	return TLSFiles{
		CertFile: certFile,
		KeyFile:  keyFile,
		Client:   &tls.Config{RootCAs: pool, ServerName: "localhost", MinVersion: tls.VersionTLS12},
	}
}

// syncBuffer is a bytes.Buffer safe for the logger's concurrent writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ServerInstance is a server started in-process from a configuration file.
type ServerInstance struct {
	Server     *server.Server
	Config     *config.Config
	ConfigPath string
	// Address and TLSAddress are the bound listener addresses, empty when not configured.
	Address    string
	TLSAddress string

	logs *syncBuffer
}

// Logs returns everything the server logged so far, one JSON object per line.
func (si *ServerInstance) Logs() string { return si.logs.String() }

// LogEntries decodes the server's log lines.
func (si *ServerInstance) LogEntries(t testing.TB) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(si.Logs()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), "log line %q", line)
		out = append(out, entry)
	}
	return out
}

// StartServer loads the configuration at configPath, registers the Echo
// endpoint and tracker (as TrackerEndpointType), and starts the server. The
// server is shut down when the test ends.
func StartServer(t testing.TB, configPath string, tracker *EventTracker, opts server.Options) *ServerInstance {
	t.Helper()
	cfg, err := config.LoadConfig(configPath)
	require.NoError(t, err)

	logs := &syncBuffer{}
	lg := logger.New(logs, config.LogLevelDebug)

	reg := router.NewRegistry()
	require.NoError(t, echo.Register(reg))
	require.NoError(t, reg.Register(TrackerEndpointType, func(json.RawMessage, *logger.Logger) (router.Factory, error) {
		if tracker == nil {
			return nil, fmt.Errorf("no tracker supplied for %s routes", TrackerEndpointType)
		}
		return func() session.Endpoint { return tracker }, nil
	}))
	rt, err := router.NewRouter(cfg.Routing.Routes, reg, lg)
	require.NoError(t, err)

	s, err := server.New(cfg, lg, rt, opts)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	si := &ServerInstance{Server: s, Config: cfg, ConfigPath: configPath, logs: logs}
	if a := s.Addr(); a != nil {
		si.Address = a.String()
	}
	if a := s.TLSAddr(); a != nil {
		si.TLSAddress = a.String()
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			t.Logf("server shutdown: %v", err)
		}
		if tracker != nil {
			tracker.AssertNoViolations(t)
		}
	})
	return si
}

// WaitForPort waits until addr accepts TCP connections.
func WaitForPort(t testing.TB, addr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		c, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		_ = c.Close()
		return true
	}, DefaultTimeout, 20*time.Millisecond, "server did not start listening on %s", addr)
}
