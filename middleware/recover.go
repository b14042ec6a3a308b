package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"wirebus/message"
)

// Recover converts a handler panic into a Failed error reply. A panic in
// one call must not take down the connection serving every other call.
func Recover(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Message) (reply *message.Message) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("handler panic",
						zap.String("member", call.Member()),
						zap.Any("panic", r))
					reply = message.NewErrorReply(call, message.ErrNameFailed,
						fmt.Sprintf("handler panic: %v", r))
				}
			}()
			return next(ctx, call)
		}
	}
}
