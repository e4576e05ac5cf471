package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MatchType defines how a path pattern is interpreted.
type MatchType string

const (
	// MatchTypeExact matches the path exactly.
	MatchTypeExact MatchType = "Exact"
	// MatchTypePrefix matches any path starting with the prefix.
	MatchTypePrefix MatchType = "Prefix"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Wire protocol names accepted in ServerConfig.Protocols.
const (
	ProtocolHTTP1 = "http/1.1"
	ProtocolH2    = "h2"
	ProtocolH2C   = "h2c"
)

// Config is the top-level configuration structure for the server.
type Config struct {
	Server    *ServerConfig    `json:"server,omitempty" toml:"server,omitempty" yaml:"server,omitempty"`
	HTTP2     *HTTP2Config     `json:"http2,omitempty" toml:"http2,omitempty" yaml:"http2,omitempty"`
	WebSocket *WebSocketConfig `json:"websocket,omitempty" toml:"websocket,omitempty" yaml:"websocket,omitempty"`
	Routing   *RoutingConfig   `json:"routing,omitempty" toml:"routing,omitempty" yaml:"routing,omitempty"`
	Logging   *LoggingConfig   `json:"logging,omitempty" toml:"logging,omitempty" yaml:"logging,omitempty"`
	Metrics   *MetricsConfig   `json:"metrics,omitempty" toml:"metrics,omitempty" yaml:"metrics,omitempty"`

	// OriginalFilePath is the absolute path the configuration was loaded from.
	OriginalFilePath string `json:"-" toml:"-" yaml:"-"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	// Address is the plaintext listener (HTTP/1.1 and/or h2c).
	Address *string `json:"address,omitempty" toml:"address,omitempty" yaml:"address,omitempty"`
	// TLSAddress is the TLS listener (ALPN h2 and/or http/1.1). Requires TLS.
	TLSAddress *string    `json:"tls_address,omitempty" toml:"tls_address,omitempty" yaml:"tls_address,omitempty"`
	TLS        *TLSConfig `json:"tls,omitempty" toml:"tls,omitempty" yaml:"tls,omitempty"`
	// Protocols enumerates the permitted wire protocols: "http/1.1", "h2", "h2c".
	Protocols               []string  `json:"protocols,omitempty" toml:"protocols,omitempty" yaml:"protocols,omitempty"`
	GracefulShutdownTimeout *Duration `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty" yaml:"graceful_shutdown_timeout,omitempty"`
}

// TLSConfig points at the PEM certificate and key for the TLS listener.
type TLSConfig struct {
	CertFile string `json:"cert_file" toml:"cert_file" yaml:"cert_file"`
	KeyFile  string `json:"key_file" toml:"key_file" yaml:"key_file"`
}

// HTTP2Config holds settings for HTTP/2 connections.
type HTTP2Config struct {
	// ConnectProtocolEnabled controls RFC 8441 extended CONNECT. It can be changed
	// at runtime through the server's administrative API.
	ConnectProtocolEnabled *bool   `json:"connect_protocol_enabled,omitempty" toml:"connect_protocol_enabled,omitempty" yaml:"connect_protocol_enabled,omitempty"`
	MaxConcurrentStreams   *uint32 `json:"max_concurrent_streams,omitempty" toml:"max_concurrent_streams,omitempty" yaml:"max_concurrent_streams,omitempty"`
	InitialWindowSize      *uint32 `json:"initial_window_size,omitempty" toml:"initial_window_size,omitempty" yaml:"initial_window_size,omitempty"`
}

// WebSocketConfig holds session level settings.
type WebSocketConfig struct {
	HandshakeTimeout *Duration `json:"handshake_timeout,omitempty" toml:"handshake_timeout,omitempty" yaml:"handshake_timeout,omitempty"`
	CloseTimeout     *Duration `json:"close_timeout,omitempty" toml:"close_timeout,omitempty" yaml:"close_timeout,omitempty"`
	// RelayQueueLimit bounds bytes buffered for a stream before its session exists, e.g. "1MiB".
	RelayQueueLimit *ByteSize `json:"relay_queue_limit,omitempty" toml:"relay_queue_limit,omitempty" yaml:"relay_queue_limit,omitempty"`
	MaxMessageSize  *ByteSize `json:"max_message_size,omitempty" toml:"max_message_size,omitempty" yaml:"max_message_size,omitempty"`
}

// RoutingConfig contains the list of routes.
type RoutingConfig struct {
	Routes []Route `json:"routes,omitempty" toml:"routes,omitempty" yaml:"routes,omitempty"`
}

// Route maps a path pattern to an endpoint type.
type Route struct {
	PathPattern    string          `json:"path_pattern" toml:"path_pattern" yaml:"path_pattern"`
	MatchType      MatchType       `json:"match_type" toml:"match_type" yaml:"match_type"`
	EndpointType   string          `json:"endpoint_type" toml:"endpoint_type" yaml:"endpoint_type"`
	EndpointConfig json.RawMessage `json:"endpoint_config,omitempty" toml:"-" yaml:"-"`
	// Subprotocols lists the WebSocket subprotocols the route accepts, in preference order.
	Subprotocols []string `json:"subprotocols,omitempty" toml:"subprotocols,omitempty" yaml:"subprotocols,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty" yaml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty" yaml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty" yaml:"error_log,omitempty"`
}

// AccessLogConfig configures the upgrade access log.
type AccessLogConfig struct {
	Enabled *bool  `json:"enabled,omitempty" toml:"enabled,omitempty" yaml:"enabled,omitempty"`
	Target  string `json:"target,omitempty" toml:"target,omitempty" yaml:"target,omitempty"`
	Format  string `json:"format,omitempty" toml:"format,omitempty" yaml:"format,omitempty"`
}

// ErrorLogConfig configures the diagnostic log.
type ErrorLogConfig struct {
	Target string `json:"target,omitempty" toml:"target,omitempty" yaml:"target,omitempty"`
	Format string `json:"format,omitempty" toml:"format,omitempty" yaml:"format,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled *bool  `json:"enabled,omitempty" toml:"enabled,omitempty" yaml:"enabled,omitempty"`
	Address string `json:"address,omitempty" toml:"address,omitempty" yaml:"address,omitempty"`
	Path    string `json:"path,omitempty" toml:"path,omitempty" yaml:"path,omitempty"`
}

// Duration is a time.Duration that unmarshals from Go duration strings and must be positive.
type Duration time.Duration

// UnmarshalText parses s such as "10s".
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" {
		return fmt.Errorf("duration string cannot be empty")
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration string %q: %w", s, err)
	}
	if v <= 0 {
		return fmt.Errorf("duration must be positive, got %q", s)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalJSON accepts a JSON string in Go duration syntax.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalText renders the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// IsFilePath reports whether a log target names a file rather than a standard stream.
func IsFilePath(target string) bool {
	t := strings.ToLower(target)
	return t != "stdout" && t != "stderr"
}

func boolPtr(b bool) *bool       { return &b }
func strPtr(s string) *string    { return &s }
func uint32Ptr(v uint32) *uint32 { return &v }
func durPtr(d time.Duration) *Duration {
	v := Duration(d)
	return &v
}
