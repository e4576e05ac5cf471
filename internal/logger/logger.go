package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/h2ws/internal/config"
)

// LogFields carries structured key/value pairs for a log entry.
type LogFields map[string]interface{}

// AccessEntry describes one upgrade attempt.
type AccessEntry struct {
	RemoteAddr string
	Protocol   string // negotiated wire protocol: http/1.1, h2, h2c
	Method     string
	Path       string
	Status     int
	StreamID   uint32
	SessionID  string
	Duration   time.Duration
}

// Logger writes diagnostic entries and, when enabled, access entries.
type Logger struct {
	errorLog  zerolog.Logger
	accessLog *zerolog.Logger

	mu    sync.Mutex
	files []*os.File
}

// NewLogger creates a logger from cfg. File targets are opened in append mode.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}
	l := &Logger{}

	level := toZerologLevel(cfg.LogLevel)

	errTarget, errFormat := "stderr", "json"
	if cfg.ErrorLog != nil {
		if cfg.ErrorLog.Target != "" {
			errTarget = cfg.ErrorLog.Target
		}
		if cfg.ErrorLog.Format != "" {
			errFormat = cfg.ErrorLog.Format
		}
	}
	w, err := l.openTarget(errTarget)
	if err != nil {
		return nil, fmt.Errorf("failed to open error log %s: %w", errTarget, err)
	}
	l.errorLog = zerolog.New(formatWriter(w, errFormat)).Level(level).With().Timestamp().Logger()

	if cfg.AccessLog != nil && (cfg.AccessLog.Enabled == nil || *cfg.AccessLog.Enabled) {
		target := cfg.AccessLog.Target
		if target == "" {
			target = "stdout"
		}
		aw, err := l.openTarget(target)
		if err != nil {
			_ = l.CloseLogFiles()
			return nil, fmt.Errorf("failed to open access log %s: %w", target, err)
		}
		al := zerolog.New(formatWriter(aw, cfg.AccessLog.Format)).With().Timestamp().Str("log", "access").Logger()
		l.accessLog = &al
	}
	return l, nil
}

// New returns a logger writing JSON entries at or above level to w, without access logging.
func New(w io.Writer, level config.LogLevel) *Logger {
	return &Logger{errorLog: zerolog.New(w).Level(toZerologLevel(level)).With().Timestamp().Logger()}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{errorLog: zerolog.Nop()}
}

func (l *Logger) openTarget(target string) (io.Writer, error) {
	switch strings.ToLower(target) {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.files = append(l.files, f)
	l.mu.Unlock()
	return f, nil
}

func formatWriter(w io.Writer, format string) io.Writer {
	if format == "console" {
		return zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339Nano, NoColor: true}
	}
	return w
}

func toZerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// With returns a child logger that adds fields to every diagnostic entry.
func (l *Logger) With(fields LogFields) *Logger {
	if l == nil {
		return Nop()
	}
	return &Logger{errorLog: l.errorLog.With().Fields(map[string]interface{}(fields)).Logger(), accessLog: l.accessLog}
}

func (l *Logger) write(ev *zerolog.Event, msg string, fields []LogFields) {
	if ev == nil {
		return
	}
	for _, f := range fields {
		ev = ev.Fields(map[string]interface{}(f))
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...LogFields) {
	if l != nil {
		l.write(l.errorLog.Debug(), msg, fields)
	}
}

func (l *Logger) Info(msg string, fields ...LogFields) {
	if l != nil {
		l.write(l.errorLog.Info(), msg, fields)
	}
}

func (l *Logger) Warn(msg string, fields ...LogFields) {
	if l != nil {
		l.write(l.errorLog.Warn(), msg, fields)
	}
}

func (l *Logger) Error(msg string, fields ...LogFields) {
	if l != nil {
		l.write(l.errorLog.Error(), msg, fields)
	}
}

// Access writes an access entry if access logging is enabled.
func (l *Logger) Access(e AccessEntry) {
	if l == nil || l.accessLog == nil {
		return
	}
	ev := l.accessLog.Info().
		Str("remote_addr", e.RemoteAddr).
		Str("protocol", e.Protocol).
		Str("method", e.Method).
		Str("path", e.Path).
		Int("status", e.Status).
		Int64("duration_ms", e.Duration.Milliseconds())
	if e.StreamID != 0 {
		ev = ev.Uint32("h2_stream_id", e.StreamID)
	}
	if e.SessionID != "" {
		ev = ev.Str("session_id", e.SessionID)
	}
	ev.Send()
}

// CloseLogFiles closes file targets opened by NewLogger.
func (l *Logger) CloseLogFiles() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.files = nil
	return firstErr
}
