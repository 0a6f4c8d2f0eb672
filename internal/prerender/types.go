package prerender

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// HomeRoute is always rendered after every other route.
const HomeRoute = "/"

// RenderResult is produced for every rendered route.
type RenderResult struct {
	// OriginalRoute is the route that was requested.
	OriginalRoute string
	// Route is window.location.pathname after navigation settled; it differs
	// from OriginalRoute when the app redirected on the client.
	Route string
	// HTML is the serialized document.
	HTML string
}

// Server serves the build output to the browser.
type Server interface {
	Ready(ctx context.Context) error
	BaseURL() string
	Destroy(ctx context.Context) error
}

// Browser renders one route per call on its own page and closes that page
// before returning.
type Browser interface {
	RenderRoute(ctx context.Context, url string) (RenderResult, error)
	Close(ctx context.Context) error
}

// Writer persists a render result below outputRoot.
type Writer interface {
	Write(ctx context.Context, outputRoot string, result RenderResult) error
}

// StartServerFunc starts the server backing a run.
type StartServerFunc func(ctx context.Context) (Server, error)

// LaunchBrowserFunc launches the browser shared by every task of a run.
type LaunchBrowserFunc func(ctx context.Context) (Browser, error)

// PostProcessFunc may rewrite a result before it is written.
type PostProcessFunc func(ctx context.Context, result *RenderResult) error

// Options carries the routing policy for one run.
type Options struct {
	Routes    []string
	OutputDir string
	// Disabled turns Run into a no-op. The zero value renders.
	Disabled              bool
	KeepAlive             bool
	MaxConcurrent         int
	DiscoverNewRoutes     bool
	RenderFirstRouteAlone bool
	// MaxDiscoveredRoutes caps how many distinct discovered routes are
	// accepted into the queue. Zero means unbounded.
	MaxDiscoveredRoutes int
	PostProcess         PostProcessFunc
}

// Report summarizes a finished run.
type Report struct {
	RunID    uuid.UUID
	Rendered int
	// Dropped counts discovered routes rejected by MaxDiscoveredRoutes.
	Dropped  int
	Duration time.Duration
}
