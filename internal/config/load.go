package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultAddress                 = ":8080"
	DefaultHandshakeTimeout        = 5 * time.Second
	DefaultCloseTimeout            = 5 * time.Second
	DefaultGracefulShutdownTimeout = 30 * time.Second
	DefaultRelayQueueLimit         = 1 << 20
	DefaultMaxMessageSize          = 16 << 20
	DefaultMaxConcurrentStreams    = 100
	DefaultInitialWindowSize       = 1 << 20
	DefaultMetricsPath             = "/metrics"
)

// Format names a configuration file syntax.
type Format string

const (
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// LoadConfig reads, parses, defaults and validates the configuration file at path.
// The syntax is chosen by extension; unknown extensions are auto-detected.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("config file %s is empty", path)
	}

	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		cfg, err = Parse(data, FormatJSON)
	case ".toml":
		cfg, err = Parse(data, FormatTOML)
	case ".yaml", ".yml":
		cfg, err = Parse(data, FormatYAML)
	default:
		cfg, err = detectAndParse(data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if abs, errAbs := filepath.Abs(path); errAbs == nil {
		cfg.OriginalFilePath = abs
	} else {
		cfg.OriginalFilePath = path
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

func detectAndParse(data []byte) (*Config, error) {
	cfg, errJSON := Parse(data, FormatJSON)
	if errJSON == nil {
		return cfg, nil
	}
	cfg, errTOML := Parse(data, FormatTOML)
	if errTOML == nil {
		return cfg, nil
	}
	cfg, errYAML := Parse(data, FormatYAML)
	if errYAML == nil {
		return cfg, nil
	}
	return nil, fmt.Errorf("could not detect config format (json: %v; toml: %v; yaml: %v)", errJSON, errTOML, errYAML)
}

// Parse decodes data in the given format without applying defaults.
// TOML and YAML documents are normalised through JSON so that opaque
// endpoint configs keep their raw JSON form.
func Parse(data []byte, format Format) (*Config, error) {
	var jsonData []byte
	switch format {
	case FormatJSON:
		jsonData = data
	case FormatTOML:
		var doc map[string]interface{}
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("toml: %w", err)
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("toml: normalising document: %w", err)
		}
		jsonData = b
	case FormatYAML:
		var doc map[string]interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("yaml: %w", err)
		}
		if doc == nil {
			return nil, fmt.Errorf("yaml: document is not a mapping")
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("yaml: normalising document: %w", err)
		}
		jsonData = b
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.DisallowUnknownFields()
	cfg := &Config{}
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", format, err)
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.Server.Address == nil && cfg.Server.TLSAddress == nil {
		cfg.Server.Address = strPtr(DefaultAddress)
	}
	if len(cfg.Server.Protocols) == 0 {
		cfg.Server.Protocols = []string{ProtocolHTTP1, ProtocolH2C, ProtocolH2}
	}
	if cfg.Server.GracefulShutdownTimeout == nil {
		cfg.Server.GracefulShutdownTimeout = durPtr(DefaultGracefulShutdownTimeout)
	}

	if cfg.HTTP2 == nil {
		cfg.HTTP2 = &HTTP2Config{}
	}
	if cfg.HTTP2.ConnectProtocolEnabled == nil {
		cfg.HTTP2.ConnectProtocolEnabled = boolPtr(true)
	}
	if cfg.HTTP2.MaxConcurrentStreams == nil {
		cfg.HTTP2.MaxConcurrentStreams = uint32Ptr(DefaultMaxConcurrentStreams)
	}
	if cfg.HTTP2.InitialWindowSize == nil {
		cfg.HTTP2.InitialWindowSize = uint32Ptr(DefaultInitialWindowSize)
	}

	if cfg.WebSocket == nil {
		cfg.WebSocket = &WebSocketConfig{}
	}
	if cfg.WebSocket.HandshakeTimeout == nil {
		cfg.WebSocket.HandshakeTimeout = durPtr(DefaultHandshakeTimeout)
	}
	if cfg.WebSocket.CloseTimeout == nil {
		cfg.WebSocket.CloseTimeout = durPtr(DefaultCloseTimeout)
	}
	if cfg.WebSocket.RelayQueueLimit == nil {
		v := ByteSize(DefaultRelayQueueLimit)
		cfg.WebSocket.RelayQueueLimit = &v
	}
	if cfg.WebSocket.MaxMessageSize == nil {
		v := ByteSize(DefaultMaxMessageSize)
		cfg.WebSocket.MaxMessageSize = &v
	}

	if cfg.Routing == nil {
		cfg.Routing = &RoutingConfig{}
	}
	for i := range cfg.Routing.Routes {
		if cfg.Routing.Routes[i].MatchType == "" {
			cfg.Routing.Routes[i].MatchType = MatchTypeExact
		}
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.LogLevel == "" {
		cfg.Logging.LogLevel = LogLevelInfo
	}
	if cfg.Logging.ErrorLog == nil {
		cfg.Logging.ErrorLog = &ErrorLogConfig{}
	}
	if cfg.Logging.ErrorLog.Target == "" {
		cfg.Logging.ErrorLog.Target = "stderr"
	}
	if cfg.Logging.ErrorLog.Format == "" {
		cfg.Logging.ErrorLog.Format = "json"
	}
	if cfg.Logging.AccessLog == nil {
		cfg.Logging.AccessLog = &AccessLogConfig{}
	}
	if cfg.Logging.AccessLog.Enabled == nil {
		cfg.Logging.AccessLog.Enabled = boolPtr(true)
	}
	if cfg.Logging.AccessLog.Target == "" {
		cfg.Logging.AccessLog.Target = "stdout"
	}
	if cfg.Logging.AccessLog.Format == "" {
		cfg.Logging.AccessLog.Format = "json"
	}

	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsConfig{}
	}
	if cfg.Metrics.Enabled == nil {
		cfg.Metrics.Enabled = boolPtr(false)
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks a defaulted configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	if err := validateServer(cfg.Server); err != nil {
		return err
	}
	if err := validateRouting(cfg.Routing); err != nil {
		return err
	}
	if err := validateLogging(cfg.Logging); err != nil {
		return err
	}
	if cfg.HTTP2 != nil && cfg.HTTP2.InitialWindowSize != nil && *cfg.HTTP2.InitialWindowSize > (1<<31)-1 {
		return fmt.Errorf("http2.initial_window_size must not exceed 2147483647, got %d", *cfg.HTTP2.InitialWindowSize)
	}
	if cfg.Metrics != nil && cfg.Metrics.Enabled != nil && *cfg.Metrics.Enabled {
		if cfg.Metrics.Address == "" {
			return fmt.Errorf("metrics.address is required when metrics are enabled")
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path must start with '/', got %q", cfg.Metrics.Path)
		}
	}
	return nil
}

func validateServer(sc *ServerConfig) error {
	if sc == nil {
		return fmt.Errorf("server section is required")
	}
	if sc.Address == nil && sc.TLSAddress == nil {
		return fmt.Errorf("server.address or server.tls_address must be set")
	}
	if sc.Address != nil && *sc.Address == "" {
		return fmt.Errorf("server.address cannot be empty")
	}
	if sc.TLSAddress != nil {
		if *sc.TLSAddress == "" {
			return fmt.Errorf("server.tls_address cannot be empty")
		}
		if sc.TLS == nil || sc.TLS.CertFile == "" || sc.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required with server.tls_address")
		}
	}
	seen := make(map[string]bool, len(sc.Protocols))
	for _, p := range sc.Protocols {
		switch p {
		case ProtocolHTTP1, ProtocolH2, ProtocolH2C:
		default:
			return fmt.Errorf("server.protocols: unknown protocol %q (want %q, %q or %q)", p, ProtocolHTTP1, ProtocolH2, ProtocolH2C)
		}
		if seen[p] {
			return fmt.Errorf("server.protocols: duplicate protocol %q", p)
		}
		seen[p] = true
	}
	if sc.Address != nil && !seen[ProtocolHTTP1] && !seen[ProtocolH2C] {
		return fmt.Errorf("server.address needs %q or %q in server.protocols", ProtocolHTTP1, ProtocolH2C)
	}
	if sc.TLSAddress != nil && !seen[ProtocolHTTP1] && !seen[ProtocolH2] {
		return fmt.Errorf("server.tls_address needs %q or %q in server.protocols", ProtocolHTTP1, ProtocolH2)
	}
	return nil
}

func validateRouting(rc *RoutingConfig) error {
	if rc == nil {
		return nil
	}
	type key struct {
		pattern string
		match   MatchType
	}
	seen := make(map[key]bool)
	for i, r := range rc.Routes {
		if r.PathPattern == "" || !strings.HasPrefix(r.PathPattern, "/") {
			return fmt.Errorf("routing.routes[%d].path_pattern must start with '/', got %q", i, r.PathPattern)
		}
		switch r.MatchType {
		case MatchTypeExact:
		case MatchTypePrefix:
			if !strings.HasSuffix(r.PathPattern, "/") {
				return fmt.Errorf("routing.routes[%d].path_pattern %q: prefix patterns must end with '/'", i, r.PathPattern)
			}
		default:
			return fmt.Errorf("routing.routes[%d].match_type must be %q or %q, got %q", i, MatchTypeExact, MatchTypePrefix, r.MatchType)
		}
		if r.EndpointType == "" {
			return fmt.Errorf("routing.routes[%d].endpoint_type cannot be empty", i)
		}
		k := key{r.PathPattern, r.MatchType}
		if seen[k] {
			return fmt.Errorf("routing.routes[%d]: duplicate route %s %q", i, r.MatchType, r.PathPattern)
		}
		seen[k] = true
	}
	return nil
}

func validateLogging(lc *LoggingConfig) error {
	if lc == nil {
		return nil
	}
	switch lc.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("logging.log_level must be DEBUG, INFO, WARNING or ERROR, got %q", lc.LogLevel)
	}
	if lc.ErrorLog != nil {
		if err := validateTarget("logging.error_log.target", lc.ErrorLog.Target); err != nil {
			return err
		}
		if err := validateFormat("logging.error_log.format", lc.ErrorLog.Format); err != nil {
			return err
		}
	}
	if lc.AccessLog != nil {
		if err := validateTarget("logging.access_log.target", lc.AccessLog.Target); err != nil {
			return err
		}
		if err := validateFormat("logging.access_log.format", lc.AccessLog.Format); err != nil {
			return err
		}
	}
	return nil
}

func validateTarget(field, target string) error {
	if target == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}
	if IsFilePath(target) && !filepath.IsAbs(target) {
		return fmt.Errorf("%s must be stdout, stderr or an absolute path, got %q", field, target)
	}
	return nil
}

func validateFormat(field, format string) error {
	switch format {
	case "json", "console":
		return nil
	}
	return fmt.Errorf("%s must be \"json\" or \"console\", got %q", field, format)
}
