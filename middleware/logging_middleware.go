package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zfl-go/zfl/zfllog"
)

// LoggingMiddleware records the service method, duration, and any errors for each RPC call.
// It captures the start time before calling next, and logs the elapsed time after next returns.
func LoggingMiddleware(log *zap.SugaredLogger) Middleware {
	log = zfllog.OrNoop(log)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Envelope) *Envelope {
			start := time.Now()

			reply := next(ctx, req)

			log.Debugw("middleware: dispatched", "service_method", req.ServiceMethod, "duration", time.Since(start))
			if reply.Error != "" {
				log.Warnw("middleware: handler error", "service_method", req.ServiceMethod, "error", reply.Error)
			}
			return reply
		}
	}
}
