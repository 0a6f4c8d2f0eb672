package progress

import "context"

// Sink receives the run and route events a Hub batches up.
//
// The Hub calls Consume from its single delivery goroutine, so a sink sees
// batches one at a time and in emission order. The batch is a fresh slice
// the Hub never reuses, so a sink may keep it but must not modify it, since
// every sink of one flush shares it. The context is bounded by
// Config.SinkTimeout. A Consume error is logged and the batch is not
// retried. Close is called exactly once, after the final batch, when the
// Hub itself is closed.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts events from the orchestrator. Emit must not block a
// render; Hub drops events rather than wait for a full buffer.
type Emitter interface {
	Emit(evt Event)
}
