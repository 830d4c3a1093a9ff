package middleware

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/igxactly-forks/swiboe/rpc"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *rpc.Context, args json.RawMessage) error {
			start := time.Now()
			err := next(ctx, call, args)
			fields := []zap.Field{
				zap.String("function", call.Function()),
				zap.String("context", call.ID()),
				zap.Duration("duration", time.Since(start)),
				zap.Bool("finished", call.Finished()),
			}
			if err != nil {
				logger.Warn("Handler failed", append(fields, zap.Error(err))...)
				return err
			}
			logger.Debug("Handler called", fields...)
			return nil
		}
	}
}
