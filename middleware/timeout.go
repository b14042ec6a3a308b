package middleware

import (
	"context"
	"time"

	"wirebus/message"
)

// Timeout bounds handler execution. The handler runs in its own goroutine
// so a stuck one cannot wedge the dispatcher; on expiry the caller gets a
// Failed error reply and the handler's eventual result is discarded.
func Timeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Message) *message.Message {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan *message.Message, 1)
			go func() {
				done <- next(ctx, call)
			}()

			select {
			case reply := <-done:
				return reply
			case <-ctx.Done():
				return message.NewErrorReply(call, message.ErrNameFailed, "handler deadline exceeded")
			}
		}
	}
}
