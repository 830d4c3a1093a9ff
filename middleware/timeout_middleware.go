package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/igxactly-forks/swiboe/rpc"
)

// TimeOutMiddleware finishes the call with a Timeout error when the handler
// runs longer than timeout. The handler keeps running; its own late Finish is
// rejected with rpc.ErrAlreadyFinished.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *rpc.Context, args json.RawMessage) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- next(ctx, call, args)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return ctx.Err()
				}
				err := call.Finish(rpc.Failuref(rpc.ErrorKindTimeout, "%s did not finish within %s", call.Function(), timeout))
				if errors.Is(err, rpc.ErrAlreadyFinished) {
					return nil
				}
				return err
			}
		}
	}
}
