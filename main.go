// Quick-start server: serves the Echo endpoint on /ws/echo.
//
//	go run . <address> [tls-config.json]
//
// Without a TLS file the address accepts HTTP/1.1 upgrades and h2c. With one,
// the address is a TLS listener offering h2 and http/1.1 through ALPN. The TLS
// file is JSON with "cert_file" and "key_file", resolved relative to the file.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"example.com/h2ws/internal/config"
	"example.com/h2ws/internal/handlers/echo"
	"example.com/h2ws/internal/logger"
	"example.com/h2ws/internal/router"
	"example.com/h2ws/internal/server"
)

// EchoPath is where the quick-start server mounts the Echo endpoint.
const EchoPath = "/ws/echo"

const shutdownTimeout = 10 * time.Second

// tlsFileConfig is the content of the optional TLS configuration file.
type tlsFileConfig struct {
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
}

func main() {
	if len(os.Args) < 2 || len(os.Args) > 3 {
		log.Fatalf("Usage: %s <address> [tls-config.json]", os.Args[0])
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

// run serves until ctx is cancelled, then shuts down gracefully.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	addr := args[0]
	var tlsPath string
	if len(args) > 1 {
		tlsPath = args[1]
	}
	cfg, err := buildConfig(addr, tlsPath)
	if err != nil {
		return err
	}
	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = lg.CloseLogFiles() }()

	reg := router.NewRegistry()
	if err := echo.Register(reg); err != nil {
		return err
	}
	rt, err := router.NewRouter(cfg.Routing.Routes, reg, lg)
	if err != nil {
		return fmt.Errorf("failed to create router: %w", err)
	}
	srv, err := server.New(cfg, lg, rt, server.Options{})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return err
	}
	if a := srv.Addr(); a != nil {
		fmt.Fprintf(stdout, "listening on %s (ws://%s%s)\n", a, a, EchoPath)
	}
	if a := srv.TLSAddr(); a != nil {
		fmt.Fprintf(stdout, "listening on %s (wss://%s%s)\n", a, a, EchoPath)
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	lg.Info("Server shut down gracefully")
	return nil
}

// buildConfig returns the configuration of a single Echo route on addr,
// served over TLS when tlsPath is set.
func buildConfig(addr, tlsPath string) (*config.Config, error) {
	if addr == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}
	accessLog := true
	cfg := &config.Config{
		Server: &config.ServerConfig{},
		Routing: &config.RoutingConfig{
			Routes: []config.Route{{
				PathPattern:  EchoPath,
				MatchType:    config.MatchTypeExact,
				EndpointType: echo.EndpointType,
			}},
		},
		Logging: &config.LoggingConfig{
			LogLevel:  config.LogLevelInfo,
			AccessLog: &config.AccessLogConfig{Enabled: &accessLog, Target: "stdout", Format: "json"},
			ErrorLog:  &config.ErrorLogConfig{Target: "stderr"},
		},
	}
	if tlsPath == "" {
		cfg.Server.Address = &addr
	} else {
		files, err := loadTLSFileConfig(tlsPath)
		if err != nil {
			return nil, err
		}
		cfg.Server.TLSAddress = &addr
		cfg.Server.TLS = &config.TLSConfig{CertFile: files.CertFile, KeyFile: files.KeyFile}
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadTLSFileConfig reads the TLS file and makes its paths absolute.
func loadTLSFileConfig(path string) (*tlsFileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read TLS config file %s: %w", path, err)
	}
	var fc tlsFileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse TLS config file %s: %w", path, err)
	}
	if fc.CertFile == "" || fc.KeyFile == "" {
		return nil, fmt.Errorf("TLS config file %s must contain 'cert_file' and 'key_file'", path)
	}
	dir := filepath.Dir(path)
	if !filepath.IsAbs(fc.CertFile) {
		fc.CertFile = filepath.Join(dir, fc.CertFile)
	}
	if !filepath.IsAbs(fc.KeyFile) {
		fc.KeyFile = filepath.Join(dir, fc.KeyFile)
	}
	return &fc, nil
}
