package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"wirebus/message"
)

// Logging logs each handled call with its duration and outcome.
func Logging(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Message) *message.Message {
			start := time.Now()
			reply := next(ctx, call)
			fields := []zap.Field{
				zap.String("path", string(call.Path())),
				zap.String("interface", call.Interface()),
				zap.String("member", call.Member()),
				zap.Duration("duration", time.Since(start)),
			}
			if reply != nil && reply.Kind == message.KindError {
				fields = append(fields, zap.String("error", reply.ErrorName()))
				log.Warn("call failed", fields...)
				return reply
			}
			log.Debug("call handled", fields...)
			return reply
		}
	}
}
