package middleware

import (
	"context"
	"time"

	"mini-rsocket/message"
	"mini-rsocket/metrics"
)

// MetricsMiddleware records the handler latency per route.
func MetricsMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req message.Payload) (message.Payload, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			metrics.RequestDuration.WithLabelValues(req.Route()).Observe(time.Since(start).Seconds())
			return resp, err
		}
	}
}
