package prerender

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/spa-prerender/internal/progress"
)

const drainTimeout = 30 * time.Second

// Dependencies are the collaborators an Orchestrator drives. Mirror, Events
// and Logger are optional.
type Dependencies struct {
	StartServer   StartServerFunc
	LaunchBrowser LaunchBrowserFunc
	Writer        Writer
	// Mirror receives every result after Writer, e.g. an object store upload.
	Mirror Writer
	Events progress.Emitter
	Logger *zap.Logger
}

// Orchestrator renders one configured route set. It owns the RouteQueue and
// is not reusable: construct a new one for every run.
type Orchestrator struct {
	opts   Options
	deps   Dependencies
	logger *zap.Logger
	queue  *RouteQueue
	runID  uuid.UUID
	phase  atomic.Int32
	ran    atomic.Bool

	// Touched only from the goroutine running Run.
	seeds         map[string]struct{}
	deferredHomes []string
	accepted      map[string]struct{}
	rejected      map[string]struct{}
}

// New builds an Orchestrator seeded with a copy of opts.Routes.
func New(opts Options, deps Dependencies) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	runID := uuid.New()
	o := &Orchestrator{
		opts:     opts,
		deps:     deps,
		logger:   logger.With(zap.String("run_id", runID.String())),
		queue:    NewRouteQueue(),
		runID:    runID,
		seeds:    make(map[string]struct{}, len(opts.Routes)),
		accepted: make(map[string]struct{}),
		rejected: make(map[string]struct{}),
	}
	o.queue.EnqueueInitial(opts.Routes)
	for _, route := range opts.Routes {
		o.seeds[route] = struct{}{}
	}
	return o
}

// RunID identifies this run in logs and progress events.
func (o *Orchestrator) RunID() uuid.UUID {
	return o.runID
}

// Phase returns the current state.
func (o *Orchestrator) Phase() Phase {
	return Phase(o.phase.Load())
}

// Pending returns the routes still queued.
func (o *Orchestrator) Pending() []string {
	return o.queue.Pending()
}

// Processed returns the routes dispatched so far, in dispatch order.
func (o *Orchestrator) Processed() []string {
	return o.queue.Processed()
}

// Run starts the server and browser, renders every route and tears both down
// again. Per-route failures abort the run; files written before the failure
// stay on disk.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	report := Report{RunID: o.runID}
	if !o.ran.CompareAndSwap(false, true) {
		return report, ErrAlreadyRun
	}
	if o.opts.Disabled {
		o.logger.Info("Skipping prerender because it is disabled")
		return report, nil
	}
	if o.queue.IsEmpty() {
		o.logger.Info("Skipping prerender because the route list is empty")
		return report, nil
	}
	if err := o.checkDependencies(); err != nil {
		return report, err
	}

	start := time.Now()
	o.emit(progress.Event{Stage: progress.StageRunStart})
	err := o.run(ctx)

	report.Rendered = len(o.queue.Processed())
	report.Dropped = len(o.rejected)
	report.Duration = time.Since(start)
	o.setPhase(PhaseDone)

	if err != nil {
		o.emit(progress.Event{
			Stage:    progress.StageRunError,
			Rendered: report.Rendered,
			Dur:      report.Duration,
			Note:     err.Error(),
		})
		return report, err
	}
	o.emit(progress.Event{
		Stage:    progress.StageRunDone,
		Rendered: report.Rendered,
		Dur:      report.Duration,
	})
	o.logger.Info(fmt.Sprintf("Rendered %d route(s)", report.Rendered),
		zap.Int("rendered", report.Rendered),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

func (o *Orchestrator) checkDependencies() error {
	switch {
	case o.deps.StartServer == nil:
		return errors.New("prerender: StartServer dependency is required")
	case o.deps.LaunchBrowser == nil:
		return errors.New("prerender: LaunchBrowser dependency is required")
	case o.deps.Writer == nil:
		return errors.New("prerender: Writer dependency is required")
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context) error {
	o.setPhase(PhaseServerStarting)
	server, err := o.deps.StartServer(ctx)
	if err != nil {
		return &SetupError{Phase: PhaseServerStarting, Err: err}
	}
	if err := server.Ready(ctx); err != nil {
		o.destroyServer(ctx, server)
		return &SetupError{Phase: PhaseServerStarting, Err: err}
	}
	o.logger.Info("Server ready", zap.String("base_url", server.BaseURL()))

	o.setPhase(PhaseBrowserStarting)
	browser, err := o.deps.LaunchBrowser(ctx)
	if err != nil {
		if !o.opts.KeepAlive {
			o.destroyServer(ctx, server)
		}
		return &SetupError{Phase: PhaseBrowserStarting, Err: err}
	}

	renderErr := o.renderAll(ctx, server.BaseURL(), browser)

	o.setPhase(PhaseDraining)
	o.closeBrowser(ctx, browser)
	if !o.opts.KeepAlive {
		o.destroyServer(ctx, server)
	}
	return renderErr
}

func (o *Orchestrator) renderAll(ctx context.Context, baseURL string, browser Browser) error {
	o.deferredHomes = o.queue.DequeueHome()

	if o.opts.RenderFirstRouteAlone && !o.queue.IsEmpty() {
		o.setPhase(PhaseWarmupRender)
		if route, ok := o.queue.DequeueNext(); ok && o.queue.MarkProcessedIfNew(route) {
			found, err := o.renderRoute(ctx, PhaseWarmupRender, baseURL, browser, route)
			if err != nil {
				return err
			}
			o.enqueueDiscovered(PhaseWarmupRender, found)
		}
	}

	o.setPhase(PhaseBulkRender)
	if err := o.drainQueue(ctx, PhaseBulkRender, baseURL, browser); err != nil {
		return err
	}

	o.setPhase(PhaseHomeRender)
	o.queue.Enqueue(o.deferredHomes...)
	o.deferredHomes = nil
	return o.drainQueue(ctx, PhaseHomeRender, baseURL, browser)
}

// drainQueue runs passes until the queue is empty. Each pass covers the
// queue length observed when it starts; routes discovered during a pass are
// queued for the next one.
func (o *Orchestrator) drainQueue(ctx context.Context, phase Phase, baseURL string, browser Browser) error {
	for !o.queue.IsEmpty() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", phase, err)
		}
		total := o.queue.Len()
		results, err := RunBatches(total, o.opts.MaxConcurrent, func(int) Job[[]string] {
			route, ok := o.queue.DequeueNext()
			if !ok || !o.queue.MarkProcessedIfNew(route) {
				return nil
			}
			return func() ([]string, error) {
				return o.renderRoute(ctx, phase, baseURL, browser, route)
			}
		})
		if err != nil {
			return err
		}
		for _, found := range results {
			o.enqueueDiscovered(phase, found)
		}
	}
	return nil
}

// renderRoute renders, post-processes, writes and scans one route. It runs on
// a task goroutine and must not touch orchestrator state besides the queue.
func (o *Orchestrator) renderRoute(
	ctx context.Context,
	phase Phase,
	baseURL string,
	browser Browser,
	route string,
) ([]string, error) {
	start := time.Now()
	logger := o.logger.With(zap.String("route", route), zap.Stringer("phase", phase))
	logger.Info("Rendering route")
	o.emit(progress.Event{Stage: progress.StageRouteStart, Phase: phase.String(), Route: route})

	fail := func(step string, err error) ([]string, error) {
		rerr := &RouteError{Route: route, Phase: phase, Step: step, Err: err}
		o.emit(progress.Event{
			Stage: progress.StageRouteError,
			Phase: phase.String(),
			Route: route,
			Dur:   time.Since(start),
			Note:  rerr.Error(),
		})
		return nil, rerr
	}

	result, err := browser.RenderRoute(ctx, baseURL+route)
	if err != nil {
		return fail("render", err)
	}
	result.OriginalRoute = route
	if result.Route == "" {
		result.Route = route
	}
	if result.Route != route {
		logger.Info("Route redirected on the client", zap.String("final_route", result.Route))
	}

	if o.opts.PostProcess != nil {
		if err := o.opts.PostProcess(ctx, &result); err != nil {
			return fail("post-process", err)
		}
	}
	if err := o.deps.Writer.Write(ctx, o.opts.OutputDir, result); err != nil {
		return fail("write", err)
	}
	if o.deps.Mirror != nil {
		if err := o.deps.Mirror.Write(ctx, o.opts.OutputDir, result); err != nil {
			return fail("mirror", err)
		}
	}

	var found []string
	if o.opts.DiscoverNewRoutes {
		found = FindRoutes(result.HTML)
	}
	o.emit(progress.Event{
		Stage:      progress.StageRouteDone,
		Phase:      phase.String(),
		Route:      route,
		FinalRoute: result.Route,
		Bytes:      int64(len(strings.TrimSpace(result.HTML))),
		Discovered: len(found),
		Dur:        time.Since(start),
	})
	return found, nil
}

// enqueueDiscovered feeds links found in a rendered page back into the
// queue. Outside the home phase the home route is set aside so it still
// renders after everything else.
func (o *Orchestrator) enqueueDiscovered(phase Phase, routes []string) {
	for _, route := range routes {
		if !o.admitDiscovered(route) {
			continue
		}
		if route == HomeRoute && phase != PhaseHomeRender {
			o.deferredHomes = append(o.deferredHomes, route)
			continue
		}
		o.queue.Enqueue(route)
	}
}

// admitDiscovered applies MaxDiscoveredRoutes. Seed routes, routes already
// processed and routes accepted earlier never count against the limit.
func (o *Orchestrator) admitDiscovered(route string) bool {
	limit := o.opts.MaxDiscoveredRoutes
	if limit <= 0 {
		return true
	}
	if _, ok := o.seeds[route]; ok {
		return true
	}
	if _, ok := o.accepted[route]; ok {
		return true
	}
	if o.queue.IsProcessed(route) {
		return true
	}
	if len(o.accepted) < limit {
		o.accepted[route] = struct{}{}
		return true
	}
	if _, ok := o.rejected[route]; !ok {
		if len(o.rejected) == 0 {
			o.logger.Warn("Discovered route limit reached; dropping further new routes",
				zap.Int("max_discovered_routes", limit),
			)
		}
		o.rejected[route] = struct{}{}
	}
	return false
}

func (o *Orchestrator) setPhase(phase Phase) {
	prev := Phase(o.phase.Swap(int32(phase)))
	if prev != phase {
		o.logger.Debug("Phase transition", zap.Stringer("from", prev), zap.Stringer("to", phase))
	}
}

func (o *Orchestrator) closeBrowser(ctx context.Context, browser Browser) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	if err := browser.Close(closeCtx); err != nil {
		o.logger.Warn("Failed to close browser", zap.Error(err))
	}
}

func (o *Orchestrator) destroyServer(ctx context.Context, server Server) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	if err := server.Destroy(closeCtx); err != nil {
		o.logger.Warn("Failed to stop server", zap.Error(err))
	}
}

func (o *Orchestrator) emit(evt progress.Event) {
	if o.deps.Events == nil {
		return
	}
	evt.RunID = progress.UUIDToBytes(o.runID)
	evt.TS = time.Now().UTC()
	o.deps.Events.Emit(evt)
}
