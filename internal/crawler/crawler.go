package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/crawlcore/crawlcore/internal/autoscale"
	"github.com/crawlcore/crawlcore/internal/events"
	"github.com/crawlcore/crawlcore/internal/requestsrc"
	"github.com/crawlcore/crawlcore/internal/session"
	"github.com/crawlcore/crawlcore/internal/stats"
	"github.com/crawlcore/crawlcore/internal/types"
)

// safeMigrationWait bounds how long in-flight tasks get to finish after a
// MIGRATING/ABORTING event before the pool gives up waiting (spec §5).
const safeMigrationWait = 20 * time.Second

// Config wires a BasicCrawler's sources, hooks, and operating parameters.
type Config struct {
	RequestList  *requestsrc.RequestList
	RequestQueue *requestsrc.RequestQueue
	SessionPool  *session.Pool
	Navigation   NavigationHandler
	Hooks        Hooks
	Stats        *stats.Statistics
	Events       *events.Bus
	Pool         *autoscale.Pool
	Logger       *slog.Logger

	MaxRequestsPerCrawl int
	// MaxRequestRetries overrides every request's own MaxRetries budget
	// when set, including to 0 (no retries). Nil leaves each request's own
	// MaxRetries in effect.
	MaxRequestRetries          *int
	RequestHandlerTimeout      time.Duration
	InternalTimeout            time.Duration
	BlockedStatusCodes         []int
	PersistStateIntervalMillis int
	StatePersistenceName       string
}

func (c *Config) setDefaults() {
	if c.RequestHandlerTimeout <= 0 {
		c.RequestHandlerTimeout = 60 * time.Second
	}
	if c.InternalTimeout <= 0 {
		c.InternalTimeout = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.PersistStateIntervalMillis <= 0 {
		c.PersistStateIntervalMillis = 60_000
	}
}

// BasicCrawler drives requests from RequestList/RequestQueue through
// session acquisition, navigation, hooks, and the request handler, exactly
// as described by the state machine in spec §4.7.
type BasicCrawler struct {
	cfg          Config
	blockedCodes map[int]bool
	handledCount atomic.Int64
	logger       *slog.Logger
}

// New constructs a BasicCrawler. cfg.Pool's RunTaskFunction,
// IsTaskReadyFunction, and IsFinishedFunction are overwritten to wire in
// this crawler's per-request lifecycle.
func New(cfg Config) *BasicCrawler {
	cfg.setDefaults()
	blocked := make(map[int]bool, len(cfg.BlockedStatusCodes))
	for _, code := range cfg.BlockedStatusCodes {
		blocked[code] = true
	}
	if len(blocked) == 0 {
		for _, c := range []int{401, 403, 429} {
			blocked[c] = true
		}
	}

	c := &BasicCrawler{
		cfg:          cfg,
		blockedCodes: blocked,
		logger:       cfg.Logger.With("component", "crawler"),
	}

	if cfg.Pool != nil {
		cfg.Pool.RunTaskFunction = c.runOneTask
		cfg.Pool.IsTaskReadyFunction = c.isTaskReady
		cfg.Pool.IsFinishedFunction = c.isFinished
	}
	if cfg.Events != nil {
		cfg.Events.On(events.Migrating, c.onMigrateOrAbort)
		cfg.Events.On(events.Aborting, c.onMigrateOrAbort)
	}
	return c
}

func (c *BasicCrawler) onMigrateOrAbort(any) {
	if c.cfg.Pool != nil {
		if err := c.cfg.Pool.Pause(safeMigrationWait); err != nil {
			c.logger.Warn("tasks still running past migration grace window; they may be duplicated on resume")
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), safeMigrationWait)
	defer cancel()
	if c.cfg.RequestList != nil {
		if err := c.cfg.RequestList.PersistState(ctx); err != nil {
			var persistErr *types.PersistenceError
			if !errors.As(err, &persistErr) {
				c.logger.Error("request list persist failed during migration", "error", err)
			}
		}
	}
	if c.cfg.Stats != nil {
		if err := c.cfg.Stats.PersistState(ctx, c.cfg.StatePersistenceName); err != nil {
			c.logger.Error("statistics persist failed during migration", "error", err)
		}
	}
}

// Run drives the crawl to completion: Pool.Run dispatches tasks until
// isFinished() is true and nothing remains in-flight, or ctx is canceled.
func (c *BasicCrawler) Run(ctx context.Context) error {
	if c.cfg.Pool == nil {
		return fmt.Errorf("crawler: no autoscaled pool configured")
	}
	return c.cfg.Pool.Run(ctx)
}

func (c *BasicCrawler) isTaskReady() bool {
	if c.cfg.MaxRequestsPerCrawl > 0 && c.handledCount.Load() >= int64(c.cfg.MaxRequestsPerCrawl) {
		return false
	}
	return true
}

func (c *BasicCrawler) isFinished() bool {
	if c.cfg.MaxRequestsPerCrawl > 0 && c.handledCount.Load() >= int64(c.cfg.MaxRequestsPerCrawl) {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	listDone := true
	if c.cfg.RequestList != nil {
		listDone = c.cfg.RequestList.IsFinished()
	}
	queueDone := true
	if c.cfg.RequestQueue != nil {
		var err error
		queueDone, err = c.cfg.RequestQueue.IsFinished(ctx)
		if err != nil {
			return false
		}
	}
	return listDone && queueDone
}

func (c *BasicCrawler) runOneTask(ctx context.Context) error {
	req, err := c.lease(ctx)
	if err != nil {
		c.logger.Error("lease failed", "error", err)
		return err
	}
	if req == nil {
		return nil
	}
	return c.process(ctx, req)
}

// lease asks the sources for the next request, bounded and attempted at
// most three times on internal timeout (spec §4.7 step 1).
func (c *BasicCrawler) lease(ctx context.Context) (*types.Request, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		leaseCtx, cancel := context.WithTimeout(ctx, c.cfg.InternalTimeout)
		req, err := c.leaseOnce(leaseCtx)
		cancel()
		if err == nil {
			return req, nil
		}
		lastErr = err
		if !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *BasicCrawler) leaseOnce(ctx context.Context) (*types.Request, error) {
	if c.cfg.RequestList != nil {
		if req := c.cfg.RequestList.FetchNextRequest(); req != nil {
			if c.cfg.RequestQueue != nil {
				if _, err := c.cfg.RequestQueue.AddRequest(ctx, req, true); err != nil {
					return nil, err
				}
				c.cfg.RequestList.MarkRequestHandled(req)
				return c.cfg.RequestQueue.FetchNextRequest(ctx)
			}
			return req, nil
		}
	}
	if c.cfg.RequestQueue != nil {
		return c.cfg.RequestQueue.FetchNextRequest(ctx)
	}
	return nil, nil
}

func (c *BasicCrawler) acquireSession(ctx context.Context) (*session.Session, error) {
	if c.cfg.SessionPool == nil {
		return nil, nil
	}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		sess, err := c.cfg.SessionPool.GetSession()
		if err == nil {
			return sess, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil, lastErr
}

func (c *BasicCrawler) process(ctx context.Context, req *types.Request) error {
	sess, err := c.acquireSession(ctx)
	if err != nil {
		return c.handleRequestError(ctx, req, err)
	}

	cc := &Context{
		ID:           req.ID,
		Request:      req,
		Session:      sess,
		EnqueueLinks: c.enqueueLinks,
		Log:          c.logger,
	}

	for _, hook := range c.cfg.Hooks.PreNavigation {
		if err := hook(ctx, cc); err != nil {
			return c.handleRequestError(ctx, req, &types.HandlerError{URL: req.URLString(), Err: err})
		}
	}

	resp, err := c.navigate(ctx, req)
	if err != nil {
		if sess != nil {
			sess.MarkBad()
		}
		return c.handleRequestError(ctx, req, err)
	}
	cc.Response = resp

	if c.blockedCodes[resp.StatusCode] {
		blocked := true
		if sess != nil && c.cfg.SessionPool != nil {
			blocked = c.cfg.SessionPool.RetireOnBlockedStatusCodes(sess, resp.StatusCode)
		}
		if blocked {
			return c.handleRequestError(ctx, req, &types.BlockedError{URL: req.LoadedURLString(), StatusCode: resp.StatusCode})
		}
	}

	for _, hook := range c.cfg.Hooks.PostNavigation {
		if err := hook(ctx, cc); err != nil {
			return c.handleRequestError(ctx, req, &types.HandlerError{URL: req.URLString(), Err: err})
		}
	}

	handlerStart := time.Now()
	if err := c.runHandler(ctx, cc); err != nil {
		return c.handleRequestError(ctx, req, &types.HandlerError{URL: req.URLString(), Err: err})
	}
	handlerDuration := time.Since(handlerStart)

	if err := c.markHandled(ctx, req); err != nil {
		return err
	}
	if sess != nil {
		sess.MarkGood()
	}
	c.handledCount.Add(1)
	if c.cfg.Stats != nil {
		c.cfg.Stats.RecordFinished(req.RetryCount, handlerDuration)
	}
	return nil
}

func (c *BasicCrawler) navigate(ctx context.Context, req *types.Request) (*types.Response, error) {
	if c.cfg.Navigation == nil {
		return nil, types.ErrNoFetcher
	}
	return c.cfg.Navigation.Navigate(ctx, req)
}

func (c *BasicCrawler) runHandler(ctx context.Context, cc *Context) (err error) {
	if c.cfg.Hooks.RequestHandler == nil {
		return nil
	}
	handlerCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestHandlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in request handler: %v", r)
			}
		}()
		done <- c.cfg.Hooks.RequestHandler(handlerCtx, cc)
	}()

	select {
	case <-handlerCtx.Done():
		return handlerCtx.Err()
	case err = <-done:
		return err
	}
}

// handleRequestError implements the error-handler branch of spec §4.7:
// retry (reclaim) while budget remains, else terminal failure and the
// user's failedRequestHandler.
func (c *BasicCrawler) handleRequestError(ctx context.Context, req *types.Request, cause error) error {
	req.PushError(cause)

	maxRetries := req.MaxRetries
	if c.cfg.MaxRequestRetries != nil {
		maxRetries = *c.cfg.MaxRequestRetries
	}

	var validationErr *types.ValidationError
	if !req.NoRetry && !errors.As(cause, &validationErr) && req.RetryCount < maxRetries {
		req.RetryCount++
		if c.cfg.Stats != nil {
			c.cfg.Stats.RecordRetry()
		}
		return c.reclaim(ctx, req)
	}

	if err := c.markHandled(ctx, req); err != nil {
		return err
	}
	c.handledCount.Add(1)
	if c.cfg.Stats != nil {
		c.cfg.Stats.RecordFailed(req.RetryCount)
	}

	if c.cfg.Hooks.FailedRequestHandler != nil {
		c.invokeFailedHandlerSafely(ctx, req, cause)
	}
	return nil
}

func (c *BasicCrawler) invokeFailedHandlerSafely(ctx context.Context, req *types.Request, cause error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("failed request handler panicked", "panic", r, "url", req.URLString())
		}
	}()
	c.cfg.Hooks.FailedRequestHandler(ctx, &Context{ID: req.ID, Request: req, Log: c.logger}, cause)
}

func (c *BasicCrawler) reclaim(ctx context.Context, req *types.Request) error {
	if c.cfg.RequestQueue != nil {
		if err := c.cfg.RequestQueue.ReclaimRequest(ctx, req, false); err != nil {
			return &types.FatalError{Reason: "reclaim failed", Err: err}
		}
		return nil
	}
	if c.cfg.RequestList != nil {
		c.cfg.RequestList.ReclaimRequest(req)
	}
	return nil
}

func (c *BasicCrawler) markHandled(ctx context.Context, req *types.Request) error {
	if c.cfg.RequestQueue != nil {
		if err := c.cfg.RequestQueue.MarkRequestHandled(ctx, req); err != nil {
			return &types.FatalError{Reason: "mark-handled failed", Err: err}
		}
		return nil
	}
	if c.cfg.RequestList != nil {
		c.cfg.RequestList.MarkRequestHandled(req)
	}
	return nil
}

func (c *BasicCrawler) enqueueLinks(ctx context.Context, urls []string) error {
	if c.cfg.RequestQueue == nil {
		return fmt.Errorf("crawler: enqueueLinks requires a request queue")
	}
	for _, raw := range urls {
		req, err := types.NewRequest(raw)
		if err != nil {
			c.logger.Warn("skipping invalid enqueued URL", "url", raw, "error", err)
			continue
		}
		if _, err := c.cfg.RequestQueue.AddRequest(ctx, req, false); err != nil {
			return err
		}
	}
	return nil
}
