package logging

import (
	"context"

	"go.uber.org/zap"

	eventbus "github.com/hanpama/pollgraph/internal/eventbus"
	events "github.com/hanpama/pollgraph/internal/events"
)

// Subscribe logs rewrite, polling and http client events from the global bus
// with logger. Failures are logged at warn level, routine activity at debug.
func Subscribe(logger *zap.Logger) (unsubscribe func()) {
	unsubs := []func(){
		eventbus.Subscribe(func(_ context.Context, e events.DocumentRewritten) {
			if e.Err != nil {
				logger.Warn("rewrite failed", zap.String("operation", e.OperationName), zap.Error(e.Err))
				return
			}
			logger.Debug("document rewritten", zap.String("operation", e.OperationName), zap.Duration("duration", e.Duration))
		}),
		eventbus.Subscribe(func(_ context.Context, e events.PollStarted) {
			logger.Info("polling started",
				zap.Stringer("query_id", e.QueryID),
				zap.String("operation", e.OperationName),
				zap.Duration("interval", e.Interval))
		}),
		eventbus.Subscribe(func(_ context.Context, e events.PollStopped) {
			logger.Info("polling stopped", zap.Stringer("query_id", e.QueryID))
		}),
		eventbus.Subscribe(func(_ context.Context, e events.PollSkipped) {
			logger.Debug("tick skipped", zap.Stringer("query_id", e.QueryID), zap.String("reason", e.Reason))
		}),
		eventbus.Subscribe(func(_ context.Context, e events.PollExecutionFinish) {
			fields := []zap.Field{
				zap.Stringer("query_id", e.QueryID),
				zap.String("operation", e.OperationName),
				zap.Bool("delivered", e.Delivered),
				zap.Duration("duration", e.Duration),
			}
			if e.Err != nil {
				logger.Warn("execution failed", append(fields, zap.Error(e.Err))...)
				return
			}
			logger.Debug("execution finished", fields...)
		}),
		eventbus.Subscribe(func(_ context.Context, e events.HTTPClientFinish) {
			fields := []zap.Field{
				zap.String("endpoint", e.Endpoint),
				zap.String("request_id", e.RequestID),
				zap.Int("status", e.Status),
				zap.Duration("duration", e.Duration),
			}
			if e.Err != nil {
				logger.Debug("http request failed", append(fields, zap.Error(e.Err))...)
				return
			}
			logger.Debug("http request", fields...)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
