package middleware

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"rpc-relay/message"
)

// RetryMiddleware re-issues a call when retryable reports its error as transient, with
// exponential backoff starting at baseDelay. Each attempt is a new request with a new id.
// RPC-level errors in a response are never retried.
func RetryMiddleware(maxRetries uint64, baseDelay time.Duration, retryable func(error) bool, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = baseDelay
			eb.MaxElapsedTime = 0
			b := backoff.WithContext(backoff.WithMaxRetries(eb, maxRetries), ctx)

			var resp *message.Response
			attempt := 0
			op := func() error {
				attempt++
				r, err := next(ctx, req)
				if err == nil {
					resp = r
					return nil
				}
				if !retryable(err) {
					return backoff.Permanent(err)
				}
				return err
			}
			notify := func(err error, wait time.Duration) {
				logger.Info("retrying call",
					zap.String("method", req.Method),
					zap.Int("attempt", attempt),
					zap.Duration("wait", wait),
					zap.Error(err))
			}
			if err := backoff.RetryNotify(op, b, notify); err != nil {
				return nil, err
			}
			return resp, nil
		}
	}
}
