package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pinstack/pinstack/internal/config"
	"github.com/pinstack/pinstack/internal/daemon"
	"github.com/pinstack/pinstack/pkg/api"
	"github.com/pinstack/pinstack/pkg/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "pinstackd",
	Short: "Durable content pinning daemon",
	Long: `pinstackd keeps pinned content replicated across configured storage
backends. Every mutation is write-ahead logged before it takes effect, a
tiered cache keeps hot payloads close, and a background coordinator
converges each pin toward the replication policy.`,
	RunE:          runDaemon,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to YAML configuration file")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core, err := daemon.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := core.Start(ctx); err != nil {
		return err
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiCfg := api.DefaultServerConfig()
		apiCfg.Address = cfg.API.Address
		apiServer = api.NewServer(apiCfg, core, logger)
		apiServer.StartBackground()
	}

	logger.Info("pinstackd running", zap.String("data_dir", cfg.DataDir))
	<-ctx.Done()
	logger.Info("shutdown signal received")

	if apiServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api shutdown failed", zap.Error(err))
		}
		cancel()
	}
	core.Stop()
	return nil
}

// loadConfig resolves configuration: the file when --config is given,
// otherwise defaults overlaid with PINSTACK_* environment variables.
func loadConfig() (*config.Configuration, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	cfg := config.NewDefault()
	cfg.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
