package middleware

import (
	"context"
	"encoding/json"

	"golang.org/x/time/rate"

	"github.com/igxactly-forks/swiboe/rpc"
)

// RateLimitMiddleware admits calls through a token bucket. Calls over the
// limit are finished as not handled, so the broker moves on to the next
// handler registered under the same name.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *rpc.Context, args json.RawMessage) error {
			if !limiter.Allow() {
				return call.Finish(rpc.NotHandled())
			}
			return next(ctx, call, args)
		}
	}
}
