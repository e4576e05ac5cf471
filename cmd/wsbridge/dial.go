package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"example.com/h2ws/internal/client"
	"example.com/h2ws/internal/negotiate"
	"example.com/h2ws/internal/session"
)

type dialFlags struct {
	protocol     string
	messages     []string
	subprotocols []string
	insecure     bool
	timeout      time.Duration
}

func newDialCmd() *cobra.Command {
	var f dialFlags
	cmd := &cobra.Command{
		Use:   "dial <url>",
		Short: "Open a WebSocket session and print the replies",
		Long: `Connect to a ws:// or wss:// URL over the chosen protocol, send each
--message as a text message and print one reply per message. Without
--protocol, wss URLs use h2 and ws URLs use HTTP/1.1.`,
		Example: `  wsbridge dial ws://localhost:8080/ws/echo -m hello
  wsbridge dial ws://localhost:8080/ws/echo --protocol h2c -m one -m two
  wsbridge dial wss://localhost:8443/ws/echo --protocol h2 --insecure -m hello`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDial(cmd, args[0], f)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.protocol, "protocol", "p", "", "wire protocol: h1, h2c or h2")
	flags.StringArrayVarP(&f.messages, "message", "m", nil, "text message to send (repeatable)")
	flags.StringSliceVar(&f.subprotocols, "subprotocol", nil, "subprotocols to offer, in preference order")
	flags.BoolVarP(&f.insecure, "insecure", "k", false, "skip TLS certificate verification")
	flags.DurationVar(&f.timeout, "timeout", 10*time.Second, "overall time limit")
	return cmd
}

// printer writes every received message to out and signals each arrival.
type printer struct {
	out      io.Writer
	mu       sync.Mutex
	received chan struct{}
	opened   chan struct{}
	once     sync.Once
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, received: make(chan struct{}, 64), opened: make(chan struct{})}
}

func (p *printer) OnOpen(s *session.Session) {
	p.once.Do(func() { close(p.opened) })
	p.println(fmt.Sprintf("connected via %s", s.Protocol()))
	if sp := s.Subprotocol(); sp != "" {
		p.println("subprotocol " + sp)
	}
}

func (p *printer) OnText(_ *session.Session, msg string) {
	p.println("< " + msg)
	p.received <- struct{}{}
}

func (p *printer) OnBinary(_ *session.Session, msg []byte) {
	p.println(fmt.Sprintf("< [%d bytes]", len(msg)))
	p.received <- struct{}{}
}

func (p *printer) OnError(_ *session.Session, err error) {
	p.println("error: " + err.Error())
}

func (p *printer) OnClose(_ *session.Session, status session.CloseStatus) {
	p.println("closed " + status.String())
}

func (p *printer) println(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, line)
}

func runDial(cmd *cobra.Command, rawURL string, f dialFlags) error {
	opts := client.Options{Subprotocols: f.subprotocols}
	if f.protocol != "" {
		p, err := negotiate.ParseProtocol(f.protocol)
		if err != nil {
			return err
		}
		opts.Preference = negotiate.Always(p)
	}
	if f.insecure {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via --insecure
	}
	c := client.New(opts)
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
	defer cancel()

	pr := newPrinter(cmd.OutOrStdout())
	sess, err := c.Connect(ctx, pr, rawURL)
	if err != nil {
		return err
	}
	select {
	case <-pr.opened:
	case <-sess.Done():
		return fmt.Errorf("session closed before opening")
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, msg := range f.messages {
		if err := sess.SendText(msg); err != nil {
			return fmt.Errorf("send %q: %w", msg, err)
		}
		select {
		case <-pr.received:
		case <-sess.Done():
			return fmt.Errorf("session closed while waiting for a reply")
		case <-ctx.Done():
			return fmt.Errorf("waiting for a reply: %w", ctx.Err())
		}
	}

	if err := sess.Close(session.StatusNormalClosure, ""); err != nil {
		return err
	}
	select {
	case <-sess.Done():
	case <-ctx.Done():
		return fmt.Errorf("closing session: %w", ctx.Err())
	}
	return nil
}
