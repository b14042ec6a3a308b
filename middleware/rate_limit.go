package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"wirebus/message"
)

// RateLimit rejects calls beyond a token-bucket budget with a
// LimitsExceeded error reply instead of queueing them.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Message) *message.Message {
			if !limiter.Allow() {
				return message.NewErrorReply(call, message.ErrNameLimitsExceeded, "rate limit exceeded")
			}
			return next(ctx, call)
		}
	}
}
