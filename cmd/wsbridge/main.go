// Command wsbridge serves WebSocket endpoints over HTTP/1.1, h2c and h2, and
// dials them for manual testing.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wsbridge",
		Short: "WebSocket over HTTP/1.1 and HTTP/2 (RFC 8441)",
		Long: `wsbridge bridges WebSocket sessions onto HTTP/1.1 upgrades and HTTP/2
extended CONNECT streams.

Examples:
  wsbridge serve --config wsbridge.toml
  wsbridge dial ws://localhost:8080/ws/echo --protocol h2c --message hello
  wsbridge dial wss://localhost:8443/ws/echo --protocol h2 --insecure -m a -m b`,
		Version:      Version,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newDialCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
