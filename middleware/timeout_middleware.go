package middleware

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"mini-rsocket/message"
	"mini-rsocket/protocol"
)

func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req message.Payload) (message.Payload, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				resp message.Payload
				err  error
			}
			done := make(chan result, 1)
			go func() {
				resp, err := next(ctx, req)
				done <- result{resp, err}
			}()

			select {
			case r := <-done:
				return r.resp, r.err
			case <-ctx.Done():
				return message.Payload{}, errors.Wrap(protocol.ErrTimeout, "request timed out")
			}
		}
	}
}
