// Package kit holds the transport-agnostic endpoint plumbing shared by the
// CLI and the MCP server: an Endpoint signature, middleware chaining, and
// request-scoped context values.
package kit

import (
	"context"
	"log/slog"
	"time"
)

// Endpoint is a single operation decoupled from its transport.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware decorates an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so that the first one is the outermost.
func Chain(outer Middleware, others ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(others) - 1; i >= 0; i-- {
			next = others[i](next)
		}
		return outer(next)
	}
}

// WithTimeout bounds every call by d. A zero d leaves the context untouched.
func WithTimeout(d time.Duration) Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			if d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}
			return next(ctx, req)
		}
	}
}

// WithLogging logs each call with its duration and outcome.
func WithLogging(logger *slog.Logger, op string) Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := []any{
				"op", op,
				"page", GetPage(ctx),
				"transport", GetTransport(ctx),
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if err != nil {
				logger.WarnContext(ctx, "call failed", append(attrs, "error", err)...)
			} else {
				logger.DebugContext(ctx, "call", attrs...)
			}
			return resp, err
		}
	}
}
