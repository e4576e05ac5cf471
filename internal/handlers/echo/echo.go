// Package echo provides the Echo endpoint: every text or binary message is
// sent back to the peer, optionally prefixed.
package echo

import (
	"bytes"
	"encoding/json"
	"fmt"

	"example.com/h2ws/internal/logger"
	"example.com/h2ws/internal/router"
	"example.com/h2ws/internal/session"
)

// EndpointType is the name routes use to select this endpoint.
const EndpointType = "Echo"

// Config is the endpoint_config of an Echo route.
type Config struct {
	// Prefix is prepended to every echoed message.
	Prefix string `json:"prefix,omitempty"`
	// Greeting, if set, is sent as a text message when the session opens.
	Greeting string `json:"greeting,omitempty"`
}

// ParseConfig decodes raw, which may be empty.
func ParseConfig(raw json.RawMessage) (*Config, error) {
	cfg := &Config{}
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return cfg, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("echo: invalid endpoint_config: %w", err)
	}
	return cfg, nil
}

// Endpoint echoes messages back on the session they arrived on.
type Endpoint struct {
	cfg *Config
	log *logger.Logger
}

// New returns an endpoint for one session.
func New(cfg *Config, lg *logger.Logger) *Endpoint {
	if cfg == nil {
		cfg = &Config{}
	}
	if lg == nil {
		lg = logger.Nop()
	}
	return &Endpoint{cfg: cfg, log: lg}
}

// Builder is the router.Builder for EndpointType.
func Builder(raw json.RawMessage, lg *logger.Logger) (router.Factory, error) {
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, err
	}
	return func() session.Endpoint { return New(cfg, lg) }, nil
}

// Register adds the Echo builder to reg.
func Register(reg *router.Registry) error {
	return reg.Register(EndpointType, Builder)
}

func (e *Endpoint) OnOpen(s *session.Session) {
	e.log.Debug("Echo session opened", logger.LogFields{"session_id": s.ID()})
	if e.cfg.Greeting != "" {
		if err := s.SendText(e.cfg.Greeting); err != nil {
			e.log.Debug("Failed to send greeting", logger.LogFields{"session_id": s.ID(), "error": err.Error()})
		}
	}
}

func (e *Endpoint) OnText(s *session.Session, msg string) {
	if err := s.SendText(e.cfg.Prefix + msg); err != nil {
		e.log.Debug("Echo failed", logger.LogFields{"session_id": s.ID(), "error": err.Error()})
	}
}

func (e *Endpoint) OnBinary(s *session.Session, msg []byte) {
	out := msg
	if e.cfg.Prefix != "" {
		out = append([]byte(e.cfg.Prefix), msg...)
	}
	if err := s.SendBinary(out); err != nil {
		e.log.Debug("Echo failed", logger.LogFields{"session_id": s.ID(), "error": err.Error()})
	}
}

func (e *Endpoint) OnError(s *session.Session, err error) {
	e.log.Warn("Echo session failed", logger.LogFields{"session_id": s.ID(), "error": err.Error()})
}

func (e *Endpoint) OnClose(s *session.Session, status session.CloseStatus) {
	e.log.Debug("Echo session closed", logger.LogFields{"session_id": s.ID(), "code": uint16(status.Code), "reason": status.Reason})
}
