// Package crawler implements BasicCrawler, the state machine that leases a
// request, acquires a session, runs navigation and handler hooks, and
// resolves the request to handled or retried (spec §4.7). Grounded on the
// teacher's Scheduler.processRequest (internal/engine/scheduler.go) for
// the per-request step ordering, generalized from a single fetch+parse
// pipeline into the hook-based lifecycle the spec describes.
package crawler

import (
	"context"

	"github.com/crawlcore/crawlcore/internal/session"
	"github.com/crawlcore/crawlcore/internal/types"
)

// Context is the immutable bag passed to hooks and the request handler:
// everything a handler needs to inspect the current request/response and
// enqueue follow-up work.
type Context struct {
	ID       string
	Request  *types.Request
	Response *types.Response
	Session  *session.Session

	// EnqueueLinks schedules urls as new requests against the crawler
	// that produced this context, respecting the same dedup rules as a
	// direct AddRequest call.
	EnqueueLinks func(ctx context.Context, urls []string) error

	Log Logger
}

// Logger is the narrow logging surface a handler sees through the
// crawling context; satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Hook runs at a pre/post-navigation checkpoint. Returning an error aborts
// the remaining hooks in that phase and routes the request to the
// error-handler.
type Hook func(ctx context.Context, cc *Context) error

// RequestHandler processes a fully-navigated request.
type RequestHandler func(ctx context.Context, cc *Context) error

// FailedRequestHandler observes a request that exhausted its retry
// budget. Errors from it are logged, never propagated (spec §4.7).
type FailedRequestHandler func(ctx context.Context, cc *Context, err error)

// NavigationHandler fetches a request and produces a response. Supplied by
// the pluggable fetch layer (HTTP, headless browser, …) — not part of the
// core.
type NavigationHandler interface {
	Navigate(ctx context.Context, req *types.Request) (*types.Response, error)
}
