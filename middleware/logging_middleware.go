package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"rpc-relay/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("id", string(req.ID)),
				zap.Duration("duration", time.Since(start)),
			}
			switch {
			case err != nil:
				logger.Warn("call failed", append(fields, zap.Error(err))...)
			case resp.Error != nil:
				logger.Info("call returned rpc error", append(fields, zap.Error(resp.Error))...)
			default:
				logger.Debug("call completed", fields...)
			}
			return resp, err
		}
	}
}
