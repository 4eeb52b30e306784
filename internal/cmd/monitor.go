package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oddsgate/oddsgate/internal/config"
	"github.com/oddsgate/oddsgate/internal/core/engine"
	"github.com/oddsgate/oddsgate/internal/observability"
	"github.com/oddsgate/oddsgate/internal/server"
)

var (
	monitorHost string
	monitorPort int
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the debug HTTP server",
	Long: `Run the debug HTTP server exposing limiter stats and retry metrics.

Endpoints:
  GET /healthz          liveness
  GET /api/v1/limits    per-destination limiter stats
  GET /api/v1/retry     retry and circuit breaker metrics

Ctrl+C (SIGINT) or SIGTERM triggers a graceful shutdown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()
		serverCfg := cfg.Server
		if monitorHost != "" {
			serverCfg.Host = monitorHost
		}
		if monitorPort != 0 {
			serverCfg.Port = monitorPort
		}

		logger, err := observability.NewServerLogger(cfg.Logging.Level)
		if err != nil {
			return err
		}
		defer logger.Sync() // nolint:errcheck // best-effort cleanup
		engine.SetDefaultLogger(logger)

		srv := server.New(serverCfg, engine.DefaultRegistry(), engine.DefaultPolicy(), logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errChan := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

		select {
		case err := <-errChan:
			return err
		case <-ctx.Done():
		}

		logger.Info("shutdown signal received")

		shutdownTimeout := serverCfg.ShutdownTimeout
		if shutdownTimeout <= 0 {
			shutdownTimeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", zap.Error(err))
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)

	monitorCmd.Flags().StringVar(&monitorHost, "host", "", "server host (overrides config)")
	monitorCmd.Flags().IntVarP(&monitorPort, "port", "p", 0, "server port (overrides config)")
}
