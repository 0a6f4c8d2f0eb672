package prerender

import "sync"

// RouteQueue is the ordered list of routes waiting to be rendered plus the set
// of routes already dispatched during the run. Duplicates may sit in the
// pending list; MarkProcessedIfNew is the only dedup gate.
type RouteQueue struct {
	mu        sync.Mutex
	pending   []string
	processed map[string]struct{}
	order     []string
}

// NewRouteQueue returns an empty queue.
func NewRouteQueue() *RouteQueue {
	return &RouteQueue{
		processed: make(map[string]struct{}),
	}
}

// EnqueueInitial replaces the pending list with a copy of routes.
func (q *RouteQueue) EnqueueInitial(routes []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append([]string(nil), routes...)
}

// DequeueHome removes every occurrence of HomeRoute from the pending list and
// returns them. The relative order of the remaining routes is preserved.
func (q *RouteQueue) DequeueHome() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var homes []string
	kept := q.pending[:0]
	for _, route := range q.pending {
		if route == HomeRoute {
			homes = append(homes, route)
			continue
		}
		kept = append(kept, route)
	}
	q.pending = kept
	return homes
}

// DequeueNext pops the head of the pending list.
func (q *RouteQueue) DequeueNext() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return "", false
	}
	route := q.pending[0]
	q.pending[0] = ""
	q.pending = q.pending[1:]
	return route, true
}

// Enqueue appends routes to the tail without deduplication.
func (q *RouteQueue) Enqueue(routes ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, routes...)
}

// MarkProcessedIfNew records route as dispatched and reports whether it had
// not been seen before.
func (q *RouteQueue) MarkProcessedIfNew(route string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.processed[route]; ok {
		return false
	}
	q.processed[route] = struct{}{}
	q.order = append(q.order, route)
	return true
}

// IsProcessed reports whether route has already been dispatched.
func (q *RouteQueue) IsProcessed(route string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.processed[route]
	return ok
}

// Len returns the number of pending routes.
func (q *RouteQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// IsEmpty reports whether nothing is pending.
func (q *RouteQueue) IsEmpty() bool {
	return q.Len() == 0
}

// Pending returns a copy of the pending list.
func (q *RouteQueue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.pending...)
}

// Processed returns the dispatched routes in dispatch order.
func (q *RouteQueue) Processed() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.order...)
}
