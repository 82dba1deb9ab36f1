// Package shield provides the HTTP middleware for the delivery server.
// It consolidates request identification, security headers, per-client
// rate limiting, and HEAD method handling into a single importable
// package.
//
// Usage:
//
//	r := chi.NewRouter()
//	stack, rl := shield.DefaultStack(5, 10)
//	rl.StartSweeper(done)
//	for _, mw := range stack {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// DefaultStack returns the standard middleware chain: HeadToGet,
// security headers, request identification, then rate limiting, so
// blocked requests still carry IDs in logs. The RateLimiter handle is
// returned for StartSweeper.
func DefaultStack(rps float64, burst int) ([]func(http.Handler) http.Handler, *RateLimiter) {
	rl := NewRateLimiter(rps, burst)
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		RequestID,
		rl.Middleware,
	}, rl
}
