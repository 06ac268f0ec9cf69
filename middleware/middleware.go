// Package middleware wraps request-response handlers, on the server around
// the routed handler and on the client around the call.
package middleware

import (
	"context"

	"mini-rsocket/message"
)

// HandlerFunc serves one request-response exchange.
type HandlerFunc func(ctx context.Context, req message.Payload) (message.Payload, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
