// Package prerender implements the render orchestrator: the route queue, the
// wave-based batch runner, home-route deferral, warm-up rendering, and the
// feedback loop that turns links found in rendered pages into new routes.
package prerender
