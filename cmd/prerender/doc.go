// Package main hosts the prerender CLI entrypoint.
//
// Architecture overview:
//   - App server: internal/server serves the built app from entry_dir on an ephemeral 127.0.0.1 port. Files under
//     public_path are served as-is and every other path falls back to the entry document so client-side routing works.
//   - Browser: internal/browser drives one headless Chrome through chromedp. Each route renders in its own tab with the
//     configured window injections installed before any app script runs; capture waits for network idle, the optional
//     render-after event or delay, and the wait selector.
//   - Orchestration: internal/prerender owns the route queue. Routes render in bounded waves of max_concurrent, the
//     first route optionally alone, discovered links are queued when discover_new_routes is set, and the home route
//     "/" always renders last because its output overwrites the entry document.
//   - Persistence & fanout: documents are written to <output_dir>/<route>/index.html and optionally mirrored to a GCS
//     bucket. Progress events are batched by internal/progress and fanned out to the zap log and Prometheus sinks.
//   - Configuration & plumbing: Viper populates config from a file and PRERENDER_* env vars; zap provides structured
//     logging; cobra provides the render, watch and routes commands.
//
// Operational notes:
//   - Exit codes: 0 on success, 1 on any configuration or render failure, 130 when a run is interrupted.
//   - A failed route aborts the run; the server and browser are still torn down.
//   - watch re-runs the whole pipeline after each debounced burst of changes under entry_dir and ignores its own output.
package main
