package cli

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/spa-prerender/internal/config"
	"github.com/JakeFAU/spa-prerender/internal/logging"
	"github.com/JakeFAU/spa-prerender/internal/watch"
)

func newWatchCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Re-render all routes whenever the build output changes",
		Long: `Renders once, then watches entry_dir and runs the full pipeline again
after every debounced burst of changes, e.g. while a bundler rebuilds in
watch mode. Each run starts a fresh server and browser.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			defer logging.Sync(logger) //nolint:errcheck // best-effort flush

			if cfg.KeepAlive {
				logger.Warn("keep_alive is ignored in watch mode")
				cfg.KeepAlive = false
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

			w, err := watch.New(watch.Config{
				Dir:      cfg.EntryDir,
				Debounce: cfg.Watch.Debounce,
				Ignore:   ignoreOutput(outputFilter(cfg), p.Owns),
				Logger:   logger.Named("watch"),
			}, func(ctx context.Context) error {
				_, err := p.RunOnce(ctx)
				return err
			})
			if err != nil {
				return err
			}
			logger.Info("Watching for changes", zap.String("dir", cfg.EntryDir))
			return w.Run(ctx)
		},
	}
}

// ignoreOutput combines the output directory filter with the writer's record
// of the files it produced.
func ignoreOutput(outDir, owned func(string) bool) func(string) bool {
	return func(path string) bool {
		if outDir != nil && outDir(path) {
			return true
		}
		return owned(path)
	}
}

// outputFilter ignores changes inside a separate output directory nested in
// the entry directory.
func outputFilter(cfg config.Config) func(string) bool {
	entry, err := filepath.Abs(cfg.EntryDir)
	if err != nil {
		return nil
	}
	out, err := filepath.Abs(cfg.OutputDir)
	if err != nil || out == entry {
		return nil
	}
	prefix := out + string(filepath.Separator)
	return func(path string) bool {
		abs, err := filepath.Abs(path)
		if err != nil {
			return false
		}
		return abs == out || strings.HasPrefix(abs, prefix)
	}
}
