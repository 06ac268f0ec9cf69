package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-rsocket/message"
	"mini-rsocket/protocol"
)

// RateLimitMiddleware rejects requests beyond a token bucket of r per second
// with the given burst. The rejection reaches the peer as REJECTED.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req message.Payload) (message.Payload, error) {
			if !limiter.Allow() {
				return message.Payload{}, &protocol.RemoteError{
					Code:    protocol.CodeRejected,
					Message: "rate limit exceeded",
				}
			}
			return next(ctx, req)
		}
	}
}
