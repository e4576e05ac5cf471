package negotiate

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"

	"example.com/h2ws/internal/logger"
)

// Preference maps a connector target to the protocol family used to reach it.
type Preference func(target *url.URL) Protocol

// Always prefers p for every target.
func Always(p Protocol) Preference {
	return func(*url.URL) Protocol { return p }
}

// ByScheme prefers h2 for wss and https targets and HTTP/1.1 otherwise.
func ByScheme(target *url.URL) Protocol {
	if isSecure(target) {
		return H2
	}
	return HTTP1
}

// Dialer establishes client connections with the protocol chosen by its Preference.
type Dialer struct {
	Preference Preference
	// TLSConfig is used for wss/https targets; NextProtos is overwritten.
	TLSConfig *tls.Config
	Timeout   time.Duration
	Logger    *logger.Logger
}

// Dial connects to target and completes protocol negotiation. h2 requires the
// server to select "h2" via ALPN; h2c requires a plaintext target. Any
// disagreement is returned as *NegotiationError.
func (d *Dialer) Dial(ctx context.Context, target *url.URL) (net.Conn, Protocol, error) {
	pref := d.Preference
	if pref == nil {
		pref = ByScheme
	}
	p := pref(target)
	addr := hostPort(target)

	fail := func(err error) (net.Conn, Protocol, error) {
		return nil, 0, &NegotiationError{Op: "dial", Addr: addr, Err: err}
	}
	secure := isSecure(target)
	if p == H2C && secure {
		return fail(fmt.Errorf("h2c requires a plaintext target, got %s: %w", target.Scheme, ErrNoCommonProtocol))
	}
	if p == H2 && !secure {
		return fail(fmt.Errorf("h2 requires a TLS target, got %s: %w", target.Scheme, ErrNoCommonProtocol))
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var nd net.Dialer
	nc, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fail(err)
	}
	if !secure {
		d.Logger.Debug("Connected", logger.LogFields{"addr": addr, "protocol": p.String()})
		return nc, p, nil
	}

	cfg := &tls.Config{}
	if d.TLSConfig != nil {
		cfg = d.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = target.Hostname()
	}
	if p == H2 {
		// Offering http/1.1 too lets a server without h2 complete the
		// handshake, so the mismatch is reported as a negotiation failure.
		cfg.NextProtos = []string{alpnH2, alpnHTTP1}
	} else {
		cfg.NextProtos = []string{alpnHTTP1}
	}
	tc := tls.Client(nc, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = nc.Close()
		return fail(fmt.Errorf("TLS handshake: %w", err))
	}
	if p == H2 && tc.ConnectionState().NegotiatedProtocol != alpnH2 {
		_ = tc.Close()
		return fail(fmt.Errorf("server did not select h2 (ALPN %q): %w", tc.ConnectionState().NegotiatedProtocol, ErrNoCommonProtocol))
	}
	d.Logger.Debug("Connected", logger.LogFields{"addr": addr, "protocol": p.String()})
	return tc, p, nil
}

func isSecure(u *url.URL) bool {
	return u.Scheme == "wss" || u.Scheme == "https"
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if isSecure(u) {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}
