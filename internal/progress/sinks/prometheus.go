package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/spa-prerender/internal/progress"
)

// PrometheusSink turns progress events into prerender metrics.
type PrometheusSink struct {
	runsStarted    prometheus.Counter
	runsCompleted  *prometheus.CounterVec
	routesRendered prometheus.Gauge

	routeRenders    *prometheus.CounterVec
	routesInFlight  prometheus.Gauge
	routeBytes      prometheus.Counter
	routeDiscovered prometheus.Counter
	routeDuration   *prometheus.HistogramVec
	runDuration     prometheus.Histogram
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prerender_runs_started_total",
			Help: "Prerender runs that started rendering.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prerender_runs_completed_total",
			Help: "Prerender runs completed, partitioned by result.",
		}, []string{"result"}),
		routesRendered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prerender_last_run_routes",
			Help: "Distinct routes rendered by the most recent successful run.",
		}),
		routeRenders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prerender_route_renders_total",
			Help: "Route renders partitioned by phase and result.",
		}, []string{"phase", "result"}),
		routesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prerender_routes_in_flight",
			Help: "Routes currently being rendered.",
		}),
		routeBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prerender_route_bytes_total",
			Help: "Bytes of HTML written.",
		}),
		routeDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prerender_route_links_discovered_total",
			Help: "Path-absolute links found in rendered pages, before dedup.",
		}),
		routeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prerender_route_duration_seconds",
			Help:    "Wall time to render and write one route.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"phase"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "prerender_run_duration_seconds",
			Help:    "Wall time per run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.routesRendered,
		s.routeRenders,
		s.routesInFlight,
		s.routeBytes,
		s.routeDiscovered,
		s.routeDuration,
		s.runDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
	case progress.StageRunDone:
		s.runsCompleted.WithLabelValues("success").Inc()
		s.routesRendered.Set(float64(evt.Rendered))
		s.observeRun(evt)
	case progress.StageRunError:
		s.runsCompleted.WithLabelValues("error").Inc()
		s.observeRun(evt)
	case progress.StageRouteStart:
		s.routesInFlight.Inc()
	case progress.StageRouteDone:
		s.routesInFlight.Dec()
		s.routeRenders.WithLabelValues(phaseLabel(evt), "success").Inc()
		if evt.Bytes > 0 {
			s.routeBytes.Add(float64(evt.Bytes))
		}
		if evt.Discovered > 0 {
			s.routeDiscovered.Add(float64(evt.Discovered))
		}
		if evt.Dur > 0 {
			s.routeDuration.WithLabelValues(phaseLabel(evt)).Observe(evt.Dur.Seconds())
		}
	case progress.StageRouteError:
		s.routesInFlight.Dec()
		s.routeRenders.WithLabelValues(phaseLabel(evt), "error").Inc()
	}
}

func (s *PrometheusSink) observeRun(evt progress.Event) {
	if evt.Dur > 0 {
		s.runDuration.Observe(evt.Dur.Seconds())
	}
}

func phaseLabel(evt progress.Event) string {
	if evt.Phase == "" {
		return "unknown"
	}
	return evt.Phase
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
