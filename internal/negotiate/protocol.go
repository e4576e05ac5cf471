// Package negotiate selects the wire protocol of a connection before any
// application data is exchanged: HTTP/1.1, HTTP/2 over TLS (ALPN "h2") or
// plaintext HTTP/2 with prior knowledge (h2c).
package negotiate

import (
	"errors"
	"fmt"
	"strings"
)

// Protocol is a negotiated wire protocol.
type Protocol int

const (
	HTTP1 Protocol = iota
	H2
	H2C
)

// ALPN protocol identifiers.
const (
	alpnH2    = "h2"
	alpnHTTP1 = "http/1.1"
)

func (p Protocol) String() string {
	switch p {
	case HTTP1:
		return "http/1.1"
	case H2:
		return "h2"
	case H2C:
		return "h2c"
	default:
		return fmt.Sprintf("Protocol(%d)", int(p))
	}
}

// IsHTTP2 reports whether p is one of the HTTP/2 variants.
func (p Protocol) IsHTTP2() bool { return p == H2 || p == H2C }

// ParseProtocol accepts "h1", "http1", "http/1.1", "h2" and "h2c" in any case.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "h1", "http1", "http/1.1":
		return HTTP1, nil
	case "h2":
		return H2, nil
	case "h2c":
		return H2C, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q (want h1, h2 or h2c)", s)
	}
}

// ParseProtocols parses a list of protocol names.
func ParseProtocols(names []string) ([]Protocol, error) {
	out := make([]Protocol, 0, len(names))
	for _, n := range names {
		p, err := ParseProtocol(n)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ErrNoCommonProtocol means both sides are reachable but share no protocol.
var ErrNoCommonProtocol = errors.New("no mutually acceptable protocol")

// NegotiationError is a connection-establishment failure. No session is ever
// created on a connection that failed negotiation.
type NegotiationError struct {
	// Op is "accept" on the server side and "dial" on the client side.
	Op   string
	Addr string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiate: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

type protocolSet map[Protocol]bool

func newProtocolSet(allowed []Protocol) protocolSet {
	set := make(protocolSet, 3)
	if len(allowed) == 0 {
		allowed = []Protocol{HTTP1, H2, H2C}
	}
	for _, p := range allowed {
		set[p] = true
	}
	return set
}
