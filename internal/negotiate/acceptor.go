package negotiate

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	xhttp2 "golang.org/x/net/http2"

	"example.com/h2ws/internal/logger"
	"example.com/h2ws/internal/metrics"
)

// DefaultHandshakeTimeout bounds the TLS handshake and preface sniffing.
const DefaultHandshakeTimeout = 5 * time.Second

// Acceptor negotiates the protocol of accepted server connections. With a
// TLSConfig it performs the TLS handshake and uses ALPN; without one it sniffs
// for the HTTP/2 client preface.
type Acceptor struct {
	// Allowed lists the protocols the server accepts. Empty means all.
	Allowed          []Protocol
	TLSConfig        *tls.Config
	HandshakeTimeout time.Duration

	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

// NextProtos returns the ALPN list the acceptor advertises over TLS.
func (a *Acceptor) NextProtos() []string {
	set := newProtocolSet(a.Allowed)
	var protos []string
	if set[H2] {
		protos = append(protos, alpnH2)
	}
	if set[HTTP1] {
		protos = append(protos, alpnHTTP1)
	}
	return protos
}

// Negotiate selects the protocol for nc. The returned connection must be used
// in place of nc: it is the TLS connection, or replays the sniffed bytes.
// On failure nc is closed.
func (a *Acceptor) Negotiate(ctx context.Context, nc net.Conn) (net.Conn, Protocol, error) {
	timeout := a.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		conn net.Conn
		p    Protocol
		err  error
	)
	if a.TLSConfig != nil {
		conn, p, err = a.negotiateTLS(ctx, nc)
	} else {
		conn, p, err = a.negotiatePlain(ctx, nc)
	}
	if err != nil {
		_ = nc.Close()
		a.Metrics.NegotiationFailed()
		a.Logger.Debug("Protocol negotiation failed", logger.LogFields{
			"remote_addr": nc.RemoteAddr().String(),
			"error":       err.Error(),
		})
		return nil, 0, &NegotiationError{Op: "accept", Addr: nc.RemoteAddr().String(), Err: err}
	}
	a.Metrics.ConnectionNegotiated(p.String())
	a.Logger.Debug("Protocol negotiated", logger.LogFields{
		"remote_addr": nc.RemoteAddr().String(),
		"protocol":    p.String(),
	})
	return conn, p, nil
}

func (a *Acceptor) negotiateTLS(ctx context.Context, nc net.Conn) (net.Conn, Protocol, error) {
	set := newProtocolSet(a.Allowed)
	cfg := a.TLSConfig.Clone()
	cfg.NextProtos = a.NextProtos()
	if len(cfg.NextProtos) == 0 {
		return nil, 0, fmt.Errorf("TLS listener allows neither h2 nor http/1.1: %w", ErrNoCommonProtocol)
	}

	tc := tls.Server(nc, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, 0, fmt.Errorf("TLS handshake: %w", err)
	}
	switch proto := tc.ConnectionState().NegotiatedProtocol; proto {
	case alpnH2:
		return tc, H2, nil
	case alpnHTTP1, "":
		if !set[HTTP1] {
			return nil, 0, fmt.Errorf("client did not offer h2: %w", ErrNoCommonProtocol)
		}
		return tc, HTTP1, nil
	default:
		return nil, 0, fmt.Errorf("unexpected ALPN protocol %q: %w", proto, ErrNoCommonProtocol)
	}
}

// negotiatePlain reads just enough of the connection to tell the HTTP/2 client
// preface from anything else. Bytes read are replayed by the returned conn.
func (a *Acceptor) negotiatePlain(ctx context.Context, nc net.Conn) (net.Conn, Protocol, error) {
	set := newProtocolSet(a.Allowed)
	if !set[H2C] {
		if !set[HTTP1] {
			return nil, 0, fmt.Errorf("plaintext listener allows neither h2c nor http/1.1: %w", ErrNoCommonProtocol)
		}
		return nc, HTTP1, nil
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetReadDeadline(deadline)
		defer nc.SetReadDeadline(time.Time{})
	}
	br := bufio.NewReaderSize(nc, len(xhttp2.ClientPreface))
	isH2C, err := sniffPreface(br)
	if err != nil {
		return nil, 0, fmt.Errorf("read connection preface: %w", err)
	}
	pc := &peekedConn{Conn: nc, r: br}
	if isH2C {
		return pc, H2C, nil
	}
	if !set[HTTP1] {
		return nil, 0, fmt.Errorf("client did not send the h2c preface: %w", ErrNoCommonProtocol)
	}
	return pc, HTTP1, nil
}

// sniffPreface peeks at increasing prefixes of the input and stops at the first
// byte that departs from the HTTP/2 client preface.
func sniffPreface(br *bufio.Reader) (bool, error) {
	preface := []byte(xhttp2.ClientPreface)
	n := 1
	for {
		if _, err := br.Peek(n); err != nil {
			return false, err
		}
		avail := br.Buffered()
		if avail > len(preface) {
			avail = len(preface)
		}
		b, _ := br.Peek(avail)
		if !bytes.HasPrefix(preface, b) {
			return false, nil
		}
		if len(b) == len(preface) {
			return true, nil
		}
		n = len(b) + 1
	}
}

// peekedConn is a net.Conn whose first reads come from a buffered reader.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
