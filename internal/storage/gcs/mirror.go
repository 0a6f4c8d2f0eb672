// Package gcs mirrors rendered routes into a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/spa-prerender/internal/prerender"
)

const contentType = "text/html; charset=utf-8"

// Config captures the bucket layout for mirrored pages.
type Config struct {
	Bucket string
	// Prefix is prepended to every object name, e.g. "site/v2".
	Prefix string
}

// Mirror uploads each rendered page as <prefix>/<route>/index.html.
type Mirror struct {
	client *storage.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// New creates a GCS-backed mirror.
func New(client *storage.Client, cfg Config, logger *zap.Logger) (*Mirror, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}, nil
}

// ObjectName returns the object a route is stored under.
func ObjectName(prefix, route string) string {
	name := path.Join("/", strings.Trim(prefix, "/"), route, "index.html")
	return strings.TrimPrefix(name, "/")
}

// Write uploads the trimmed HTML of result. The local output root is not
// part of the object name.
func (m *Mirror) Write(ctx context.Context, _ string, result prerender.RenderResult) error {
	name := ObjectName(m.prefix, result.Route)
	writer := m.client.Bucket(m.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := writer.Write([]byte(strings.TrimSpace(result.HTML))); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("upload %s: %w (close writer: %v)", name, err, closeErr)
		}
		return fmt.Errorf("upload %s: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", name, err)
	}
	m.logger.Debug("mirrored rendered route",
		zap.String("route", result.Route),
		zap.String("object", fmt.Sprintf("gs://%s/%s", m.bucket, name)),
	)
	return nil
}
