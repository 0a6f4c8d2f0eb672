package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/spa-prerender/internal/logging"
)

type renderOptions struct {
	routes    []string
	outputDir string
}

func newRenderCmd(root *rootOptions) *cobra.Command {
	opts := &renderOptions{}
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render every configured route once",
		Long: `Starts the app server and headless Chrome, renders the configured routes
(plus discovered ones when discover_new_routes is set) with the home route
last, writes the output and shuts everything down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRender(cmd, root, opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.routes, "route", nil, "route to render; repeat to override the configured routes")
	cmd.Flags().StringVar(&opts.outputDir, "output", "", "output directory (overrides output_dir)")
	return cmd
}

func runRender(cmd *cobra.Command, root *rootOptions, opts *renderOptions) error {
	cfg, logger, err := loadConfig(cmd, root)
	if err != nil {
		return err
	}
	defer logging.Sync(logger) //nolint:errcheck // best-effort flush

	if len(opts.routes) > 0 {
		cfg.Routes = opts.routes
	}
	if opts.outputDir != "" {
		cfg.OutputDir = opts.outputDir
	}
	ctx := cmd.Context()
	p, err := newPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := p.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("Failed to close pipeline", zap.Error(cerr))
		}
	}()

	report, err := p.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("prerender: %w", err)
	}
	if report.Dropped > 0 {
		logger.Warn("Some discovered routes were not rendered",
			zap.Int("dropped", report.Dropped),
			zap.Int("max_discovered_routes", cfg.MaxDiscoveredRoutes),
		)
	}

	if cfg.KeepAlive && report.Rendered > 0 {
		logger.Info("Keep-alive enabled; server stays up until interrupted")
		<-ctx.Done()
		if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}
