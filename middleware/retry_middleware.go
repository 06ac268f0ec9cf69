package middleware

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"mini-rsocket/message"
	"mini-rsocket/protocol"
)

// Retryable reports whether a failed call may be repeated: timeouts and
// broken connections are, errors answered by the responder are not.
func Retryable(err error) bool {
	return errors.Is(err, protocol.ErrTimeout) ||
		errors.Is(err, protocol.ErrTransport) ||
		errors.Is(err, protocol.ErrConnectionClosed)
}

// RetryMiddleware repeats retryable failures with exponential backoff. Only
// use it for idempotent routes.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.L()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req message.Payload) (message.Payload, error) {
			resp, err := next(ctx, req)
			for i := 0; i < maxRetries && err != nil && Retryable(err); i++ {
				logger.Info("retrying request",
					zap.Int("attempt", i+1), zap.String("route", req.Route()), zap.Error(err))
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return resp, err
				}
				resp, err = next(ctx, req)
			}
			return resp, err
		}
	}
}
