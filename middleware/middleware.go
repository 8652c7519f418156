// Package middleware wraps outbound calls of a client.Client.
//
// The chain follows the onion model: Chain(A, B, C)(h) runs A.before → B.before → C.before →
// h → C.after → B.after → A.after. The innermost handler assigns the request id, sends the
// request and waits for the matching response, so anything a middleware does before calling
// next happens before the request reaches the wire.
package middleware

import (
	"context"

	"rpc-relay/message"
)

// HandlerFunc performs one call. The request id is assigned by the innermost handler.
type HandlerFunc func(ctx context.Context, req *message.Request) (*message.Response, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines several middlewares into one, outermost first.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
