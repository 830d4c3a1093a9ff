// Package middleware wraps the invocation of registered handlers on the
// client side. A HandlerFunc either finishes the call context or returns an
// error and leaves it to the dispatcher.
package middleware

import (
	"context"
	"encoding/json"

	"github.com/igxactly-forks/swiboe/rpc"
)

type HandlerFunc func(ctx context.Context, call *rpc.Context, args json.RawMessage) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Handler turns an rpc.Handler into the innermost HandlerFunc of a chain.
func Handler(h rpc.Handler) HandlerFunc {
	return func(_ context.Context, call *rpc.Context, args json.RawMessage) error {
		return h.Call(call, args)
	}
}
