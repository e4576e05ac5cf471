package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"example.com/h2ws/internal/config"
	"example.com/h2ws/internal/handlers/echo"
	"example.com/h2ws/internal/logger"
	"example.com/h2ws/internal/router"
	"example.com/h2ws/internal/server"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket server",
		Long: `Load a JSON, TOML or YAML configuration file and serve its routes until
SIGINT or SIGTERM. On a signal every session is closed with 1001 (going away)
and the server waits up to server.graceful_shutdown_timeout for them to finish.`,
		Example: `  wsbridge serve --config wsbridge.toml
  wsbridge serve -c /etc/wsbridge/config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the configuration file (JSON, TOML or YAML)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = lg.CloseLogFiles() }()

	reg := router.NewRegistry()
	if err := echo.Register(reg); err != nil {
		return err
	}
	rt, err := router.NewRouter(cfg.Routing.Routes, reg, lg)
	if err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}
	srv, err := server.New(cfg, lg, rt, server.Options{})
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if a := srv.Addr(); a != nil {
		fmt.Fprintf(out, "listening on %s\n", a)
	}
	if a := srv.TLSAddr(); a != nil {
		fmt.Fprintf(out, "listening (tls) on %s\n", a)
	}
	lg.Info("Server started", logger.LogFields{"config": cfg.OriginalFilePath})

	<-ctx.Done()
	lg.Info("Shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout.Std())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
