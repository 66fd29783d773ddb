// Package zfllog provides the structured logger handle threaded through
// CallerCore, CalleeCore, and Device. It never exposes a package-level
// logger: every constructor in this module takes a *zap.SugaredLogger
// explicitly, defaulting to a no-op logger so library use outside a
// configured process never panics on a nil logger.
package zfllog

import "go.uber.org/zap"

// Noop returns a *zap.SugaredLogger that discards everything written to it.
// Constructors use this when the caller passes a nil logger.
func Noop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// OrNoop returns log unchanged if non-nil, otherwise Noop().
func OrNoop(log *zap.SugaredLogger) *zap.SugaredLogger {
	if log == nil {
		return Noop()
	}
	return log
}
