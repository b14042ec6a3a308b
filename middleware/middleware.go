// Package middleware wraps inbound call handlers in cross-cutting layers:
// logging, rate limiting, deadlines, panic recovery.
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	Execution order: A.before → B.before → C.before → handler → C.after → B.after → A.after
package middleware

import (
	"context"

	"wirebus/message"
)

// HandlerFunc processes one inbound call and returns the reply message, or
// nil when no reply should be sent.
type HandlerFunc func(ctx context.Context, call *message.Message) *message.Message

// Middleware wraps a handler with additional behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one, outermost first.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
