// Package browser renders routes in headless Chrome via chromedp. One Chrome
// process is shared by every render; each render gets its own tab.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/spa-prerender/internal/prerender"
)

// ErrBrowserClosed is returned by RenderRoute after Close.
var ErrBrowserClosed = errors.New("browser closed")

const defaultNavigationTimeout = 30 * time.Second

// Config controls the Chrome process and the per-page render lifecycle.
type Config struct {
	Headless          bool
	ExecPath          string
	UserAgent         string
	NoSandbox         bool
	EnableJS          bool
	NavigationTimeout time.Duration
	WaitSelector      string
	// RenderAfterEvent waits for a document event before capturing.
	RenderAfterEvent string
	// RenderAfterTime waits a fixed time before capturing.
	RenderAfterTime time.Duration
	Injections      []Injection
}

// Browser implements prerender.Browser.
type Browser struct {
	cfg           Config
	logger        *zap.Logger
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	closed        atomic.Bool

	injectScript string
	statusScript string
	readyScript  string
}

// Launch starts Chrome and waits for it to accept commands.
func Launch(ctx context.Context, cfg Config, logger *zap.Logger) (*Browser, error) {
	if cfg.RenderAfterEvent != "" && cfg.RenderAfterTime > 0 {
		return nil, errors.New("render after event and render after time are mutually exclusive")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	inject, err := injectionScript(cfg.Injections)
	if err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(logger.Sugar().Debugf),
	)
	stop := forwardCancel(ctx, browserCancel)
	err = chromedp.Run(browserCtx)
	stop()
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	logger.Info("Browser launched", zap.Bool("headless", cfg.Headless), zap.Bool("js", cfg.EnableJS))

	return &Browser{
		cfg:           cfg,
		logger:        logger,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		injectScript:  inject,
		statusScript:  statusScript(cfg.RenderAfterEvent),
		readyScript:   readyScript(cfg),
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	return opts
}

// Close shuts Chrome down. Renders in flight fail.
func (b *Browser) Close(ctx context.Context) error {
	if b == nil || !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Cancel(b.browserCtx)
	}()
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	b.browserCancel()
	b.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// RenderRoute opens a tab, loads url, waits for the page to settle and
// captures the final pathname and serialized document.
func (b *Browser) RenderRoute(ctx context.Context, url string) (prerender.RenderResult, error) {
	if b == nil || b.closed.Load() {
		return prerender.RenderResult{}, ErrBrowserClosed
	}

	tabCtx, cancelTab := chromedp.NewContext(b.browserCtx)
	defer cancelTab()

	taskCtx, cancelTask := context.WithTimeout(tabCtx, b.cfg.NavigationTimeout)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	idle := newIdleTracker()
	logger := b.logger.With(zap.String("url", url))
	chromedp.ListenTarget(tabCtx, func(ev any) {
		switch e := ev.(type) {
		case *page.EventLifecycleEvent:
			idle.observe(e)
		case *runtime.EventExceptionThrown:
			logger.Warn("Page error while rendering", zap.String("error", e.ExceptionDetails.Error()))
		}
	})

	var result prerender.RenderResult
	if err := chromedp.Run(taskCtx, b.renderTasks(url, idle, &result)); err != nil {
		if b.closed.Load() {
			return prerender.RenderResult{}, ErrBrowserClosed
		}
		return prerender.RenderResult{}, fmt.Errorf("render %s: %w", url, err)
	}
	return result, nil
}

func (b *Browser) renderTasks(url string, idle *idleTracker, out *prerender.RenderResult) chromedp.Tasks {
	tasks := chromedp.Tasks{
		chromedp.ActionFunc(b.setupPage),
		navigate(url, idle),
		chromedp.ActionFunc(idle.wait),
	}
	if b.cfg.WaitSelector != "" {
		tasks = append(tasks, chromedp.WaitReady(b.cfg.WaitSelector, chromedp.ByQuery))
	}
	if b.readyScript != "" {
		tasks = append(tasks, chromedp.Evaluate(b.readyScript, nil, awaitPromise))
	}
	tasks = append(tasks,
		chromedp.Evaluate("window.location.pathname", &out.Route),
		chromedp.ActionFunc(func(ctx context.Context) error {
			html, err := documentHTML(ctx)
			if err != nil {
				return err
			}
			out.HTML = html
			return nil
		}),
	)
	return tasks
}

func (b *Browser) setupPage(ctx context.Context) error {
	if err := page.SetLifecycleEventsEnabled(true).Do(ctx); err != nil {
		return fmt.Errorf("enable lifecycle events: %w", err)
	}
	if !b.cfg.EnableJS {
		if err := emulation.SetScriptExecutionDisabled(true).Do(ctx); err != nil {
			return fmt.Errorf("disable scripts: %w", err)
		}
	}
	for _, src := range []string{b.injectScript, b.statusScript} {
		if src == "" {
			continue
		}
		if _, err := page.AddScriptToEvaluateOnNewDocument(src).Do(ctx); err != nil {
			return fmt.Errorf("add init script: %w", err)
		}
	}
	return nil
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

// documentHTML serializes the whole document including the doctype.
func documentHTML(ctx context.Context) (string, error) {
	root, err := dom.GetDocument().Do(ctx)
	if err != nil {
		return "", fmt.Errorf("get document: %w", err)
	}
	html, err := dom.GetOuterHTML().WithNodeID(root.NodeID).Do(ctx)
	if err != nil {
		return "", fmt.Errorf("get outer html: %w", err)
	}
	return html, nil
}

// navigate starts loading url and arms idle with the new document's loader.
func navigate(url string, idle *idleTracker) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		var res page.NavigateReturns
		if err := cdp.Execute(ctx, page.CommandNavigate, page.Navigate(url), &res); err != nil {
			return fmt.Errorf("navigate: %w", err)
		}
		if res.ErrorText != "" {
			return fmt.Errorf("navigate: %s", res.ErrorText)
		}
		idle.arm(res.LoaderID)
		return nil
	}
}

// idleTracker fires once the document loaded by navigate reports
// networkIdle. Events for other loaders, such as the initial about:blank,
// are ignored.
type idleTracker struct {
	mu     sync.Mutex
	loader cdp.LoaderID
	idle   map[cdp.LoaderID]struct{}
	once   sync.Once
	done   chan struct{}
}

func newIdleTracker() *idleTracker {
	return &idleTracker{
		idle: make(map[cdp.LoaderID]struct{}),
		done: make(chan struct{}),
	}
}

func (t *idleTracker) observe(e *page.EventLifecycleEvent) {
	if e.Name != "networkIdle" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.idle[e.LoaderID] = struct{}{}
	if t.loader != "" && e.LoaderID == t.loader {
		t.once.Do(func() { close(t.done) })
	}
}

// arm selects the loader to wait for. Idle events that arrived before the
// navigate response count.
func (t *idleTracker) arm(loader cdp.LoaderID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loader = loader
	if _, ok := t.idle[loader]; ok {
		t.once.Do(func() { close(t.done) })
	}
}

func (t *idleTracker) wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for network idle: %w", ctx.Err())
	}
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
