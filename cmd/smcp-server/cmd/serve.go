package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/a2c-smcp/smcp/internal/adapter/inbound/smcpserver"
	"github.com/a2c-smcp/smcp/internal/config"
	"github.com/a2c-smcp/smcp/internal/domain/auth"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the signaling server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg)

	provider, err := authProvider(cfg, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := smcpserver.NewMetrics(reg)

	srv := smcpserver.New(logger, provider,
		smcpserver.WithMetrics(metrics),
		smcpserver.WithForwardTimeout(time.Duration(cfg.Server.ForwardTimeoutSeconds)*time.Second),
	)

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("signaling server listening", "addr", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// authProvider picks the configured authentication provider. DevMode with
// no key falls back to allow-all.
func authProvider(cfg *config.Config, logger *slog.Logger) (auth.Provider, error) {
	switch {
	case cfg.Server.APIKeyHash != "":
		p := auth.NewHashedAPIKeyProvider(cfg.Server.APIKeyHash)
		p.Header = cfg.Server.APIKeyHeader
		return p, nil
	case cfg.Server.APIKey != "":
		p := auth.NewAPIKeyProvider(cfg.Server.APIKey)
		p.Header = cfg.Server.APIKeyHeader
		return p, nil
	case cfg.DevMode:
		logger.Warn("dev mode without api key: all connections admitted")
		return auth.AllowAll{}, nil
	default:
		return nil, fmt.Errorf("server.api_key or server.api_key_hash is required (or set dev_mode)")
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// parseLogLevel converts a string log level to slog.Level; unrecognized
// values mean info.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
