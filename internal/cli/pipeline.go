package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/spa-prerender/internal/browser"
	"github.com/JakeFAU/spa-prerender/internal/config"
	"github.com/JakeFAU/spa-prerender/internal/metrics"
	"github.com/JakeFAU/spa-prerender/internal/prerender"
	"github.com/JakeFAU/spa-prerender/internal/progress"
	"github.com/JakeFAU/spa-prerender/internal/progress/sinks"
	"github.com/JakeFAU/spa-prerender/internal/server"
	"github.com/JakeFAU/spa-prerender/internal/storage/gcs"
	"github.com/JakeFAU/spa-prerender/internal/storage/local"
)

// pipeline owns the collaborators shared by consecutive runs: the progress
// hub, the metrics registry, the output writer, the entry document and the
// optional bucket mirror. Server, browser and orchestrator are created fresh
// for every run.
type pipeline struct {
	cfg           config.Config
	logger        *zap.Logger
	registry      *prometheus.Registry
	hub           *progress.Hub
	serverMetrics *metrics.HTTP
	writer        *local.Writer
	client        *storage.Client
	mirror        *gcs.Mirror

	// entry is the app shell as built, kept so a rendered home page written
	// over the entry file is never served back to the browser.
	entry []byte
}

func newPipeline(ctx context.Context, cfg config.Config, logger *zap.Logger) (*pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		return nil, fmt.Errorf("metrics sink: %w", err)
	}
	hub := progress.NewHub(progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("events")),
		promSink,
	)

	p := &pipeline{
		cfg:           cfg,
		logger:        logger,
		registry:      registry,
		hub:           hub,
		serverMetrics: metrics.NewHTTP(registry),
		writer:        local.New(logger.Named("writer")),
	}

	if cfg.GCS.Bucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			_ = hub.Close(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		mirror, err := gcs.New(client, gcs.Config{Bucket: cfg.GCS.Bucket, Prefix: cfg.GCS.Prefix}, logger.Named("gcs"))
		if err != nil {
			_ = client.Close()
			_ = hub.Close(context.WithoutCancel(ctx))
			return nil, err
		}
		p.client = client
		p.mirror = mirror
	}
	return p, nil
}

// RunOnce performs one complete prerender run.
func (p *pipeline) RunOnce(ctx context.Context) (prerender.Report, error) {
	cfg := p.cfg
	deps := prerender.Dependencies{
		StartServer: func(ctx context.Context) (prerender.Server, error) {
			entry, err := p.entryDocument()
			if err != nil {
				return nil, err
			}
			return server.Start(ctx, server.Config{
				StaticDir:  cfg.EntryDir,
				EntryFile:  cfg.EntryFile,
				PublicPath: cfg.PublicPath,
				Logger:     p.logger.Named("server"),
				Metrics:    p.serverMetrics,
				Entry:      entry,
			})
		},
		LaunchBrowser: func(ctx context.Context) (prerender.Browser, error) {
			return browser.Launch(ctx, browserConfig(cfg), p.logger.Named("browser"))
		},
		Writer: p.writer,
		Events: p.hub,
		Logger: p.logger.Named("prerender"),
	}
	if p.mirror != nil {
		deps.Mirror = p.mirror
	}

	report, runErr := prerender.New(cfg.PrerenderOptions(), deps).Run(ctx)

	if err := p.writeMetrics(context.WithoutCancel(ctx)); err != nil {
		p.logger.Warn("Failed to write metrics textfile", zap.Error(err))
	}
	return report, runErr
}

// entryDocument returns the entry document to serve. It is re-read unless
// the file on disk is a page this pipeline rendered, so a rebuilt shell is
// picked up while a prerendered home page is not.
func (p *pipeline) entryDocument() ([]byte, error) {
	path := filepath.Join(p.cfg.EntryDir, p.cfg.EntryFile)
	if p.entry != nil && p.writer.Owns(path) {
		return p.entry, nil
	}
	entry, err := server.LoadEntry(p.cfg.EntryDir, p.cfg.EntryFile)
	if err != nil {
		return nil, err
	}
	p.entry = entry
	return entry, nil
}

// Owns reports whether path was produced by this pipeline's writer.
func (p *pipeline) Owns(path string) bool {
	return p.writer.Owns(path)
}

func (p *pipeline) writeMetrics(ctx context.Context) error {
	if p.cfg.Metrics.Textfile == "" {
		return nil
	}
	if err := p.hub.Flush(ctx); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(p.cfg.Metrics.Textfile, p.registry)
}

// Close flushes pending events and releases the storage client.
func (p *pipeline) Close(ctx context.Context) error {
	var errs []error
	if err := p.hub.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close progress hub: %w", err))
	}
	if p.client != nil {
		if err := p.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage client: %w", err))
		}
	}
	return errors.Join(errs...)
}

func browserConfig(cfg config.Config) browser.Config {
	injections := make([]browser.Injection, 0, len(cfg.Injections))
	for _, inj := range cfg.Injections {
		injections = append(injections, browser.Injection{Key: inj.Key, Value: inj.Value})
	}
	bc := browser.Config{
		Headless:          cfg.Browser.Headless,
		ExecPath:          cfg.Browser.ExecPath,
		UserAgent:         cfg.Browser.UserAgent,
		NoSandbox:         cfg.Browser.NoSandbox,
		EnableJS:          cfg.Browser.EnableJS,
		NavigationTimeout: cfg.Browser.NavigationTimeout,
		WaitSelector:      cfg.Browser.WaitSelector,
		RenderAfterEvent:  cfg.RenderAfterEvent,
		Injections:        injections,
	}
	if wait, ok := cfg.RenderAfter(); ok {
		bc.RenderAfterTime = wait
	}
	return bc
}
