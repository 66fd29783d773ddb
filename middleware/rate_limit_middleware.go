package middleware

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware creates a rate limiter using the token bucket algorithm.
//
// Token bucket: tokens are added at rate r per second, up to a burst size.
// Each request consumes one token. If the bucket is empty, the request is rejected.
//
// CRITICAL: the limiter is created in the OUTER closure (once per middleware creation),
// NOT in the inner handler function, or every request would see a fresh full bucket.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Envelope) *Envelope {
			if !limiter.Allow() {
				return &Envelope{ServiceMethod: req.ServiceMethod, Error: "rate limit exceeded"}
			}
			return next(ctx, req)
		}
	}
}
