package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	inputadapters "github.com/a2c-smcp/smcp/internal/adapter/outbound/inputs"
	mcpadapter "github.com/a2c-smcp/smcp/internal/adapter/outbound/mcp"
	"github.com/a2c-smcp/smcp/internal/adapter/outbound/signaling"
	"github.com/a2c-smcp/smcp/internal/adapter/outbound/state"
	"github.com/a2c-smcp/smcp/internal/config"
	"github.com/a2c-smcp/smcp/internal/service"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the computer daemon",
	RunE:  runComputer,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runComputer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Computer.Name == "" || cfg.Computer.OfficeID == "" {
		return fmt.Errorf("computer.name and computer.office_id are required")
	}

	level := parseLogLevel(cfg.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Input subsystem: environment first, terminal prompt as last resort.
	provider := inputadapters.NewCompositeProvider(
		inputadapters.NewEnvProvider(),
		inputadapters.NewCLIProvider(),
	)
	resolver, err := service.NewInputResolver(provider, cfg.Computer.Inputs...)
	if err != nil {
		return err
	}

	servers := cfg.Computer.MCPServers

	// Persistence is opt-in. Persisted servers take over only when the YAML
	// carries none; persisted input definitions are always added (replacing
	// YAML definitions with the same id) and their cached values restored.
	var store *state.Store
	if cfg.Computer.StatePath != "" {
		store = state.NewStore(cfg.Computer.StatePath, logger)
		persisted, err := store.Load()
		if err != nil {
			return err
		}
		if len(servers) == 0 {
			servers = persisted.Servers
		}
		for _, def := range persisted.Inputs {
			if err := resolver.AddDefinition(def); err != nil {
				return err
			}
		}
		resolver.RestoreCache(persisted.InputCache)
	}

	manager, err := service.NewMCPServerManager(logger, resolver,
		service.WithAutoConnect(cfg.Computer.AutoConnectEnabled()),
		service.WithAutoReconnect(cfg.Computer.AutoReconnectEnabled()),
		service.WithClientFactory(mcpadapter.NewClient),
	)
	if err != nil {
		return err
	}

	computer := service.NewComputer(cfg.Computer.Name, logger, manager, resolver)

	if err := computer.Initialize(ctx, servers); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := computer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	client, err := signaling.Dial(ctx, cfg.Computer.ServerURL, computer, logger,
		signaling.WithAPIKey(cfg.Computer.APIKey))
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.JoinOffice(ctx, cfg.Computer.OfficeID); err != nil {
		return err
	}
	logger.Info("computer online",
		"name", cfg.Computer.Name,
		"office", cfg.Computer.OfficeID,
		"servers", len(servers))

	if store != nil {
		if err := saveState(store, manager, resolver); err != nil {
			logger.Warn("state save failed", "error", err)
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func saveState(store *state.Store, manager *service.MCPServerManager, resolver *service.InputResolver) error {
	return store.Save(&state.ComputerState{
		Servers:    manager.ServerConfigs(),
		Inputs:     resolver.Definitions(),
		InputCache: resolver.CacheSnapshot(),
	})
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
