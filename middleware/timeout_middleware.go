package middleware

import (
	"context"
	"time"
)

// TimeOutMiddleware enforces a maximum duration for each RPC call.
// If the handler doesn't complete within the timeout, it returns an error immediately.
//
// Implementation:
//  1. Create a context with timeout (ctx.Done() fires when timeout expires)
//  2. Run the next handler in a goroutine, sending its result to a channel
//  3. Select between the result channel and ctx.Done()
//
// Note: the handler goroutine is NOT cancelled — it continues running in the background.
// The timeout only controls when the caller gives up waiting. For true cancellation,
// the handler must check ctx.Done() internally. CallerCore's own
// processing_deadline (§4.3.2c) is the direct ancestor of this race.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Envelope) *Envelope {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *Envelope, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case reply := <-done:
				return reply
			case <-ctx.Done():
				return &Envelope{ServiceMethod: req.ServiceMethod, Error: "request timed out"}
			}
		}
	}
}
