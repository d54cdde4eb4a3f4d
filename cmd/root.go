// Package cmd defines and implements the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/quote-harvester/internal/api"
	"github.com/JakeFAU/quote-harvester/internal/app"
	"github.com/JakeFAU/quote-harvester/internal/config"
	"github.com/JakeFAU/quote-harvester/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Close()
	GetConfig() config.Config
	GetLogger() *zap.Logger
	GetHarvester() api.Harvester
	GetRunStore() api.RunStore
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.NewApp(cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newLogger builds the process logger; tests swap it for a no-op.
var newLogger = logging.New

type rootOptions struct {
	configPath string
	logLevel   string
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Concurrently harvests quote records from a paginated listing site.",
		Long: `harvester fetches a range of listing pages with a bounded number of
concurrent requests, extracts one record per quote container, and prints or
serves the aggregated result.`,
		SilenceUsage: true,

		// Runs before every subcommand: config, logger, then services.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := applyFlagOverrides(cmd, &cfg); err != nil {
				return err
			}

			logger, err := newLogger(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			if opts.logLevel != "" {
				if logger, err = logging.WithLevel(logger, opts.logLevel); err != nil {
					return err
				}
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (YAML/JSON/TOML); env HARVESTER_* overrides")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "minimum log level (debug, info, warn, error)")

	cmd.AddCommand(newHarvestCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

// applyFlagOverrides copies flags that change how services are built into
// cfg. Per-run flags such as the page range are applied by the command itself.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) error {
	if f := cmd.Flags().Lookup("concurrency"); f != nil && f.Changed {
		n, err := cmd.Flags().GetInt("concurrency")
		if err != nil {
			return fmt.Errorf("read --concurrency: %w", err)
		}
		cfg.Harvest.Concurrency = n
	}
	if f := cmd.Flags().Lookup("port"); f != nil && f.Changed {
		port, err := cmd.Flags().GetInt("port")
		if err != nil {
			return fmt.Errorf("read --port: %w", err)
		}
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point. SIGINT/SIGTERM cancel the command context,
// which stops in-flight harvests and shuts the server down.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		stop()
		os.Exit(1)
	}
}
