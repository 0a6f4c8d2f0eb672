package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/spa-prerender/internal/progress"
)

// LogSink writes one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch at debug level; route and run errors
// are logged as warnings.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("phase", evt.Phase),
			zap.String("route", evt.Route),
			zap.String("final_route", evt.FinalRoute),
			zap.Int64("bytes", evt.Bytes),
			zap.Int("discovered", evt.Discovered),
			zap.Duration("dur", evt.Dur),
		}
		switch evt.Stage {
		case progress.StageRouteError, progress.StageRunError:
			s.logger.Warn("progress event", append(fields, zap.String("note", evt.Note))...)
		default:
			s.logger.Debug("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
