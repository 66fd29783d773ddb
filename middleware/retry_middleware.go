package middleware

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zfl-go/zfl/zfllog"
)

// RetryMiddleware retries a failed call with exponential backoff, the
// pattern discovery.Registry.connectWithRetry reuses for backend connects.
// Only errors naming "timeout" or "connection refused" are treated as
// retryable; anything else is returned immediately.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, log *zap.SugaredLogger) Middleware {
	log = zfllog.OrNoop(log)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Envelope) *Envelope {
			reply := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if reply.Error == "" {
					return reply
				}
				if !strings.Contains(reply.Error, "timeout") && !strings.Contains(reply.Error, "connection refused") {
					return reply
				}
				log.Debugw("middleware: retrying", "service_method", req.ServiceMethod, "attempt", i+1, "error", reply.Error)
				time.Sleep(baseDelay * time.Duration(uint(1)<<uint(i)))
				reply = next(ctx, req)
			}
			return reply
		}
	}
}
