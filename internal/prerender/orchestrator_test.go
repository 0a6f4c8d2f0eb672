package prerender

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/spa-prerender/internal/progress"
)

const testBaseURL = "http://127.0.0.1:4173"

type fakeServer struct {
	mu        sync.Mutex
	readyErr  error
	destroyed bool
}

func (s *fakeServer) Ready(context.Context) error { return s.readyErr }

func (s *fakeServer) BaseURL() string { return testBaseURL }

func (s *fakeServer) Destroy(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	return nil
}

func (s *fakeServer) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

type fakeBrowser struct {
	mu          sync.Mutex
	pages       map[string]string
	redirects   map[string]string
	failures    map[string]error
	delay       time.Duration
	inFlight    int
	maxInFlight int
	calls       []string
	closed      bool
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{
		pages:     map[string]string{},
		redirects: map[string]string{},
		failures:  map[string]error{},
	}
}

func (b *fakeBrowser) RenderRoute(_ context.Context, url string) (RenderResult, error) {
	route := strings.TrimPrefix(url, testBaseURL)

	b.mu.Lock()
	b.inFlight++
	b.maxInFlight = max(b.maxInFlight, b.inFlight)
	b.calls = append(b.calls, "start "+route)
	b.mu.Unlock()

	if b.delay > 0 {
		time.Sleep(b.delay)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlight--
	b.calls = append(b.calls, "end "+route)
	if err := b.failures[route]; err != nil {
		return RenderResult{}, err
	}
	html, ok := b.pages[route]
	if !ok {
		html = "<html><body><p>" + route + "</p></body></html>"
	}
	final := route
	if to, ok := b.redirects[route]; ok {
		final = to
	}
	return RenderResult{Route: final, HTML: html}, nil
}

func (b *fakeBrowser) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBrowser) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

type memWriter struct {
	mu      sync.Mutex
	results []RenderResult
	roots   []string
}

func (w *memWriter) Write(_ context.Context, root string, result RenderResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results = append(w.results, result)
	w.roots = append(w.roots, root)
	return nil
}

func (w *memWriter) Routes() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.results))
	for _, r := range w.results {
		out = append(out, r.Route)
	}
	return out
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

type harness struct {
	server  *fakeServer
	browser *fakeBrowser
	writer  *memWriter
	events  *recordingEmitter
	started int
}

func newHarness() *harness {
	return &harness{
		server:  &fakeServer{},
		browser: newFakeBrowser(),
		writer:  &memWriter{},
		events:  &recordingEmitter{},
	}
}

func (h *harness) deps() Dependencies {
	return Dependencies{
		StartServer: func(context.Context) (Server, error) {
			h.started++
			return h.server, nil
		},
		LaunchBrowser: func(context.Context) (Browser, error) {
			return h.browser, nil
		},
		Writer: h.writer,
		Events: h.events,
	}
}

func baseOptions(routes ...string) Options {
	return Options{
		Routes:    routes,
		OutputDir: "/dist",
	}
}

func TestRunSingleRoute(t *testing.T) {
	t.Parallel()

	h := newHarness()
	report, err := New(baseOptions("/"), h.deps()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Rendered)
	assert.Equal(t, []string{"/"}, h.writer.Routes())
	assert.Equal(t, []string{"/dist"}, h.writer.roots)
	assert.True(t, h.server.Destroyed())
	assert.True(t, h.browser.closed)
}

func TestRunZeroValueOptionsRender(t *testing.T) {
	t.Parallel()

	h := newHarness()
	report, err := New(Options{Routes: []string{"/about"}}, h.deps()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Rendered)
	assert.Equal(t, []string{"/about"}, h.writer.Routes())
	assert.Equal(t, 1, h.started)
}

func TestRunRendersHomeLast(t *testing.T) {
	t.Parallel()

	for _, seeds := range [][]string{
		{"/", "/pricing", "/faq"},
		{"/pricing", "/", "/faq"},
		{"/pricing", "/faq", "/"},
	} {
		t.Run(strings.Join(seeds, ","), func(t *testing.T) {
			t.Parallel()

			h := newHarness()
			opts := baseOptions(seeds...)
			opts.MaxConcurrent = 1
			o := New(opts, h.deps())
			report, err := o.Run(context.Background())
			require.NoError(t, err)

			want := []string{"/pricing", "/faq", "/"}
			assert.Equal(t, 3, report.Rendered)
			assert.Equal(t, want, o.Processed())
			assert.Equal(t, want, h.writer.Routes())
		})
	}
}

func TestRunUnboundedConcurrencyKeepsDispatchOrder(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.browser.delay = 5 * time.Millisecond
	o := New(baseOptions("/", "/a", "/b", "/c"), h.deps())
	_, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"/a", "/b", "/c", "/"}, o.Processed())
	assert.Equal(t, 3, h.browser.maxInFlight)
	assert.Equal(t, "/", h.writer.Routes()[3])
}

func TestRunDiscoversLinkedRoute(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.browser.pages["/"] = `<html><body><a href="/test">Test</a></body></html>`
	opts := baseOptions("/")
	opts.DiscoverNewRoutes = true
	o := New(opts, h.deps())

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Rendered)
	assert.Equal(t, []string{"/", "/test"}, o.Processed())
}

func TestRunDiscoveryDeduplicates(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.browser.pages["/"] = `<html><body>
		<a href="/">Home</a>
		<a href="/test">Test</a>
		<a href="/test">Test again</a>
		<a href="/foo">Foo</a>
		<a href="/bar">Bar</a>
	</body></html>`
	opts := baseOptions("/")
	opts.DiscoverNewRoutes = true
	o := New(opts, h.deps())

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, report.Rendered)
	assert.Equal(t, []string{"/", "/test", "/foo", "/bar"}, o.Processed())
	assert.Len(t, h.writer.Routes(), 4)
	assert.Empty(t, o.Pending())
}

func TestRunDiscoveryDisabledIgnoresLinks(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.browser.pages["/"] = `<a href="/test">Test</a>`
	o := New(baseOptions("/"), h.deps())

	_, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/"}, o.Processed())
}

func TestRunDefersDiscoveredHome(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.browser.pages["/a"] = `<a href="/">Home</a><a href="/c">C</a>`
	opts := baseOptions("/a", "/b")
	opts.DiscoverNewRoutes = true
	opts.MaxConcurrent = 1
	o := New(opts, h.deps())

	_, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b", "/c", "/"}, o.Processed())
}

func TestRunSkipsDuplicateSeeds(t *testing.T) {
	t.Parallel()

	h := newHarness()
	o := New(baseOptions("/a", "/a", "/", "/"), h.deps())

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Rendered)
	assert.Equal(t, []string{"/a", "/"}, o.Processed())
}

func TestRunRespectsConcurrencyCap(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.browser.delay = 10 * time.Millisecond
	opts := baseOptions("/1", "/2", "/3", "/4", "/5")
	opts.MaxConcurrent = 2
	_, err := New(opts, h.deps()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, h.browser.maxInFlight)
	assert.Len(t, h.writer.Routes(), 5)
}

func TestRunRendersFirstRouteAlone(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.browser.delay = 5 * time.Millisecond
	opts := baseOptions("/a", "/b", "/c")
	opts.RenderFirstRouteAlone = true
	_, err := New(opts, h.deps()).Run(context.Background())
	require.NoError(t, err)

	calls := h.browser.Calls()
	require.Len(t, calls, 6)
	assert.Equal(t, []string{"start /a", "end /a"}, calls[:2])
}

func TestRunFirstRouteAloneWithOnlyHome(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.browser.pages["/"] = `<a href="/test">Test</a>`
	opts := baseOptions("/")
	opts.RenderFirstRouteAlone = true
	opts.DiscoverNewRoutes = true
	o := New(opts, h.deps())

	_, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/test"}, o.Processed())
}

func TestRunDisabledIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness()
	opts := baseOptions("/")
	opts.Disabled = true
	report, err := New(opts, h.deps()).Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, report.Rendered)
	assert.Zero(t, h.started)
	assert.Empty(t, h.events.events)
}

func TestRunEmptyRoutesIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness()
	report, err := New(baseOptions(), h.deps()).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Rendered)
	assert.Zero(t, h.started)
}

func TestRunTwiceFails(t *testing.T) {
	t.Parallel()

	h := newHarness()
	o := New(baseOptions("/"), h.deps())
	_, err := o.Run(context.Background())
	require.NoError(t, err)

	_, err = o.Run(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRun)
	assert.Equal(t, 1, h.started)
}

func TestRunMissingDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(baseOptions("/"), Dependencies{}).Run(context.Background())
	require.Error(t, err)
}

func TestRunRouteFailureAbortsAndTearsDown(t *testing.T) {
	t.Parallel()

	h := newHarness()
	boom := errors.New("navigation timeout")
	h.browser.failures["/bad"] = boom
	opts := baseOptions("/bad", "/next", "/")
	opts.MaxConcurrent = 1
	o := New(opts, h.deps())

	report, err := o.Run(context.Background())
	require.ErrorIs(t, err, boom)

	var rerr *RouteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "/bad", rerr.Route)
	assert.Equal(t, "render", rerr.Step)
	assert.Equal(t, PhaseBulkRender, rerr.Phase)

	assert.Equal(t, 1, report.Rendered)
	assert.Empty(t, h.writer.Routes())
	assert.True(t, h.browser.closed)
	assert.True(t, h.server.Destroyed())
	assert.Equal(t, PhaseDone, o.Phase())

	last := h.events.events[len(h.events.events)-1]
	assert.Equal(t, progress.StageRunError, last.Stage)
}

func TestRunKeepAliveLeavesServerRunning(t *testing.T) {
	t.Parallel()

	h := newHarness()
	opts := baseOptions("/")
	opts.KeepAlive = true
	_, err := New(opts, h.deps()).Run(context.Background())
	require.NoError(t, err)

	assert.False(t, h.server.Destroyed())
	assert.True(t, h.browser.closed)
}

func TestRunServerStartFailure(t *testing.T) {
	t.Parallel()

	h := newHarness()
	deps := h.deps()
	deps.StartServer = func(context.Context) (Server, error) {
		return nil, errors.New("missing index.html")
	}
	launched := false
	deps.LaunchBrowser = func(context.Context) (Browser, error) {
		launched = true
		return h.browser, nil
	}

	_, err := New(baseOptions("/"), deps).Run(context.Background())
	var serr *SetupError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, PhaseServerStarting, serr.Phase)
	assert.False(t, launched)
}

func TestRunBrowserLaunchFailureStopsServer(t *testing.T) {
	t.Parallel()

	h := newHarness()
	deps := h.deps()
	deps.LaunchBrowser = func(context.Context) (Browser, error) {
		return nil, errors.New("chrome not found")
	}

	_, err := New(baseOptions("/"), deps).Run(context.Background())
	var serr *SetupError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, PhaseBrowserStarting, serr.Phase)
	assert.True(t, h.server.Destroyed())
}

func TestRunRecordsClientRedirect(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.browser.redirects["/account"] = "/login"
	_, err := New(baseOptions("/account"), h.deps()).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, h.writer.results, 1)
	assert.Equal(t, "/account", h.writer.results[0].OriginalRoute)
	assert.Equal(t, "/login", h.writer.results[0].Route)
}

func TestRunAppliesPostProcess(t *testing.T) {
	t.Parallel()

	h := newHarness()
	opts := baseOptions("/about")
	opts.PostProcess = func(_ context.Context, result *RenderResult) error {
		result.HTML = strings.ReplaceAll(result.HTML, "<p>", `<p class="prerendered">`)
		return nil
	}
	_, err := New(opts, h.deps()).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, h.writer.results, 1)
	assert.Contains(t, h.writer.results[0].HTML, `<p class="prerendered">/about</p>`)
}

func TestRunPostProcessFailure(t *testing.T) {
	t.Parallel()

	h := newHarness()
	opts := baseOptions("/about")
	opts.PostProcess = func(context.Context, *RenderResult) error {
		return errors.New("template missing")
	}
	_, err := New(opts, h.deps()).Run(context.Background())

	var rerr *RouteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "post-process", rerr.Step)
	assert.Empty(t, h.writer.results)
}

func TestRunMirrorsResults(t *testing.T) {
	t.Parallel()

	h := newHarness()
	mirror := &memWriter{}
	deps := h.deps()
	deps.Mirror = mirror
	_, err := New(baseOptions("/a", "/"), deps).Run(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, h.writer.Routes(), mirror.Routes())
}

func TestRunCapsDiscoveredRoutes(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.browser.pages["/"] = `<a href="/a">A</a><a href="/b">B</a><a href="/c">C</a><a href="/">Home</a>`
	opts := baseOptions("/")
	opts.DiscoverNewRoutes = true
	opts.MaxDiscoveredRoutes = 2
	o := New(opts, h.deps())

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/a", "/b"}, o.Processed())
	assert.Equal(t, 3, report.Rendered)
	assert.Equal(t, 1, report.Dropped)
}

func TestRunEmitsProgressEvents(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.browser.pages["/"] = `<a href="/x">X</a>`
	opts := baseOptions("/")
	opts.DiscoverNewRoutes = true
	o := New(opts, h.deps())

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	events := h.events.events
	require.NotEmpty(t, events)
	assert.Equal(t, progress.StageRunStart, events[0].Stage)
	assert.Equal(t, progress.StageRunDone, events[len(events)-1].Stage)
	assert.Equal(t, 2, events[len(events)-1].Rendered)

	var homeDone progress.Event
	for _, evt := range events {
		require.NoError(t, evt.Validate())
		assert.Equal(t, o.RunID(), evt.RunUUID())
		if evt.Stage == progress.StageRouteDone && evt.Route == "/" {
			homeDone = evt
		}
	}
	assert.Equal(t, "home_render", homeDone.Phase)
	assert.Equal(t, 1, homeDone.Discovered)
	assert.Positive(t, homeDone.Bytes)
}

func TestRunStopsBetweenPassesOnCancel(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	opts := baseOptions("/a", "/b")
	opts.PostProcess = func(context.Context, *RenderResult) error {
		cancel()
		return nil
	}
	opts.MaxConcurrent = 1
	opts.DiscoverNewRoutes = true
	h.browser.pages["/a"] = `<a href="/c">C</a>`

	_, err := New(opts, h.deps()).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.NotContains(t, h.writer.Routes(), "/c")
	assert.True(t, h.server.Destroyed())
}
