// Package cli defines the prerender command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/spa-prerender/internal/config"
	"github.com/JakeFAU/spa-prerender/internal/logging"
)

type rootOptions struct {
	configFile string
	dev        bool
}

// NewRootCmd builds the root command and its subcommands.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "prerender",
		Short: "Prerender single-page app routes into static HTML.",
		Long: `prerender serves a built single-page app on a local port, renders each
configured route in headless Chrome and writes the resulting document to
<output_dir>/<route>/index.html so the app can be hosted as static files.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().BoolVar(&opts.dev, "dev", false, "human-friendly development logging")

	cmd.AddCommand(newRenderCmd(opts))
	cmd.AddCommand(newWatchCmd(opts))
	cmd.AddCommand(newRoutesCmd())

	return cmd
}

// Execute runs the command tree until completion or SIGINT/SIGTERM and
// returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return 130
		}
		return 1
	}
	return 0
}

// loadConfig reads the config file and environment and builds the logger
// the command runs with.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	if cmd.Flags().Changed("dev") {
		cfg.Logging.Development = opts.dev
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}
