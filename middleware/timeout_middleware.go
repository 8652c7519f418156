package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rpc-relay/message"
)

var ErrTimeout = errors.New("request timed out")

// TimeOutMiddleware bounds every call. Calls have no deadline by default; this is the opt-in.
// An expired call is abandoned: its pending entry is removed and a late response is ignored.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			resp, err := next(ctx, req)
			if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, req.Method, timeout)
			}
			return resp, err
		}
	}
}
