package crawler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crawlcore/crawlcore/internal/autoscale"
	"github.com/crawlcore/crawlcore/internal/requestsrc"
	"github.com/crawlcore/crawlcore/internal/session"
	"github.com/crawlcore/crawlcore/internal/snapshot"
	"github.com/crawlcore/crawlcore/internal/stats"
	"github.com/crawlcore/crawlcore/internal/storage/memstore"
	"github.com/crawlcore/crawlcore/internal/types"
)

// scriptedNavigator answers Navigate with whatever navigate func is set,
// letting each test script a fetch outcome without a real network.
type scriptedNavigator struct {
	navigate func(ctx context.Context, req *types.Request) (*types.Response, error)
}

func (n *scriptedNavigator) Navigate(ctx context.Context, req *types.Request) (*types.Response, error) {
	return n.navigate(ctx, req)
}

func newTestRequestQueue(t *testing.T) *requestsrc.RequestQueue {
	t.Helper()
	client := memstore.New()
	backend, err := client.RequestQueues().GetOrCreate(context.Background(), "test")
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}
	q, err := requestsrc.NewRequestQueue(backend)
	if err != nil {
		t.Fatalf("wrap queue: %v", err)
	}
	return q
}

func newIdleStatus() *snapshot.SystemStatus {
	return snapshot.NewSystemStatus(snapshot.New())
}

func intPtr(n int) *int { return &n }

func runWithDeadline(t *testing.T, bc *BasicCrawler, timeout time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := bc.Run(ctx); err != nil && err != context.DeadlineExceeded {
		t.Fatalf("run: %v", err)
	}
}

func TestBasicCrawlerHandlesSingleRequest(t *testing.T) {
	ctx := context.Background()
	queue := newTestRequestQueue(t)
	req, err := types.NewRequest("https://example.com/page")
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if _, err := queue.AddRequest(ctx, req, false); err != nil {
		t.Fatalf("seed queue: %v", err)
	}

	var handled atomic.Int32
	nav := &scriptedNavigator{navigate: func(ctx context.Context, req *types.Request) (*types.Response, error) {
		return &types.Response{StatusCode: 200, Body: []byte("<html></html>")}, nil
	}}

	pool := autoscale.New(autoscale.Config{MinConcurrency: 1, MaxConcurrency: 1, TickInterval: 10 * time.Millisecond}, newIdleStatus())
	bc := New(Config{
		RequestQueue: queue,
		Navigation:   nav,
		Pool:         pool,
		Hooks: Hooks{
			RequestHandler: func(ctx context.Context, cc *Context) error {
				handled.Add(1)
				return nil
			},
		},
	})

	runWithDeadline(t, bc, 2*time.Second)

	if handled.Load() != 1 {
		t.Errorf("expected the request handler to run once, got %d", handled.Load())
	}
	empty, err := queue.IsEmpty(ctx)
	if err != nil {
		t.Fatalf("is empty: %v", err)
	}
	if !empty {
		t.Error("queue should be drained after the single request is handled")
	}
}

func TestBasicCrawlerRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	queue := newTestRequestQueue(t)
	req, err := types.NewRequest("https://example.com/flaky")
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if _, err := queue.AddRequest(ctx, req, false); err != nil {
		t.Fatalf("seed queue: %v", err)
	}

	nav := &scriptedNavigator{navigate: func(ctx context.Context, req *types.Request) (*types.Response, error) {
		return nil, &types.NavigationError{URL: req.URLString(), Err: context.DeadlineExceeded, Retryable: true}
	}}

	var mu sync.Mutex
	var failedReq *types.Request
	var failCause error

	pool := autoscale.New(autoscale.Config{MinConcurrency: 1, MaxConcurrency: 1, TickInterval: 10 * time.Millisecond}, newIdleStatus())
	bc := New(Config{
		RequestQueue:      queue,
		Navigation:        nav,
		Pool:              pool,
		MaxRequestRetries: intPtr(3),
		Hooks: Hooks{
			FailedRequestHandler: func(ctx context.Context, cc *Context, err error) {
				mu.Lock()
				defer mu.Unlock()
				failedReq = cc.Request
				failCause = err
			},
		},
	})

	runWithDeadline(t, bc, 3*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if failedReq == nil {
		t.Fatal("expected the failed request handler to fire once retries were exhausted")
	}
	// 3 retries plus the terminal failure push = 4 recorded error messages.
	if len(failedReq.ErrorMessages) != 4 {
		t.Errorf("expected 4 pushed error messages (3 retries + 1 terminal), got %d: %v", len(failedReq.ErrorMessages), failedReq.ErrorMessages)
	}
	if failedReq.RetryCount != 3 {
		t.Errorf("expected retry count 3 at terminal failure, got %d", failedReq.RetryCount)
	}
	if _, ok := failCause.(*types.NavigationError); !ok {
		t.Errorf("expected the terminal cause to be a *types.NavigationError, got %T", failCause)
	}
}

// TestBasicCrawlerZeroRetriesFailsImmediately pins down that a configured
// MaxRequestRetries of 0 is honored as "no retries", distinct from the
// field being left nil (which falls back to the request's own budget).
func TestBasicCrawlerZeroRetriesFailsImmediately(t *testing.T) {
	ctx := context.Background()
	queue := newTestRequestQueue(t)
	req, err := types.NewRequest("https://example.com/flaky")
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if _, err := queue.AddRequest(ctx, req, false); err != nil {
		t.Fatalf("seed queue: %v", err)
	}

	nav := &scriptedNavigator{navigate: func(ctx context.Context, req *types.Request) (*types.Response, error) {
		return nil, &types.NavigationError{URL: req.URLString(), Err: context.DeadlineExceeded, Retryable: true}
	}}

	var mu sync.Mutex
	var failedReq *types.Request

	pool := autoscale.New(autoscale.Config{MinConcurrency: 1, MaxConcurrency: 1, TickInterval: 10 * time.Millisecond}, newIdleStatus())
	bc := New(Config{
		RequestQueue:      queue,
		Navigation:        nav,
		Pool:              pool,
		MaxRequestRetries: intPtr(0),
		Hooks: Hooks{
			FailedRequestHandler: func(ctx context.Context, cc *Context, err error) {
				mu.Lock()
				defer mu.Unlock()
				failedReq = cc.Request
			},
		},
	})

	runWithDeadline(t, bc, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if failedReq == nil {
		t.Fatal("expected the failed request handler to fire on the first navigation failure")
	}
	if failedReq.RetryCount != 0 {
		t.Errorf("expected 0 retries with MaxRequestRetries=0, got %d", failedReq.RetryCount)
	}
	if len(failedReq.ErrorMessages) != 1 {
		t.Errorf("expected exactly 1 pushed error message (no retries), got %d: %v", len(failedReq.ErrorMessages), failedReq.ErrorMessages)
	}
}

func TestBasicCrawlerBlockedStatusRetiresSession(t *testing.T) {
	ctx := context.Background()
	queue := newTestRequestQueue(t)
	req, err := types.NewRequest("https://example.com/blocked")
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if _, err := queue.AddRequest(ctx, req, false); err != nil {
		t.Fatalf("seed queue: %v", err)
	}

	nav := &scriptedNavigator{navigate: func(ctx context.Context, req *types.Request) (*types.Response, error) {
		return &types.Response{StatusCode: 403}, nil
	}}

	pool := autoscale.New(autoscale.Config{MinConcurrency: 1, MaxConcurrency: 1, TickInterval: 10 * time.Millisecond}, newIdleStatus())
	// A generous MaxPoolSize means every retry gets a fresh session instead
	// of exhausting the pool, so the request keeps failing on the blocked
	// status rather than on session acquisition.
	sessPool := session.NewPool(session.PoolConfig{
		MaxPoolSize:        5,
		SessionConfig:      session.Config{MaxUsageCount: 100, MaxErrorScore: 100},
		BlockedStatusCodes: []int{403},
	}, nil)

	var retiredReason string
	sessPool.OnSessionRetired(func(ev session.EventRetired) { retiredReason = ev.Reason })

	var mu sync.Mutex
	var failCause error

	bc := New(Config{
		RequestQueue:      queue,
		Navigation:        nav,
		Pool:              pool,
		SessionPool:       sessPool,
		MaxRequestRetries: intPtr(3),
		Hooks: Hooks{
			FailedRequestHandler: func(ctx context.Context, cc *Context, err error) {
				mu.Lock()
				defer mu.Unlock()
				failCause = err
			},
		},
	})

	runWithDeadline(t, bc, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if retiredReason != "blocked" {
		t.Errorf("expected the session to retire with reason %q, got %q", "blocked", retiredReason)
	}
	if _, ok := failCause.(*types.BlockedError); !ok {
		t.Errorf("expected the terminal cause to be a *types.BlockedError, got %T", failCause)
	}
}

func TestBasicCrawlerRespectsMaxRequestsPerCrawl(t *testing.T) {
	ctx := context.Background()
	queue := newTestRequestQueue(t)
	for _, u := range []string{"https://example.com/1", "https://example.com/2", "https://example.com/3"} {
		req, err := types.NewRequest(u)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		if _, err := queue.AddRequest(ctx, req, false); err != nil {
			t.Fatalf("seed queue: %v", err)
		}
	}

	var handled atomic.Int32
	nav := &scriptedNavigator{navigate: func(ctx context.Context, req *types.Request) (*types.Response, error) {
		return &types.Response{StatusCode: 200}, nil
	}}

	pool := autoscale.New(autoscale.Config{MinConcurrency: 1, MaxConcurrency: 1, TickInterval: 10 * time.Millisecond}, newIdleStatus())
	bc := New(Config{
		RequestQueue:        queue,
		Navigation:          nav,
		Pool:                pool,
		MaxRequestsPerCrawl: 1,
		Hooks: Hooks{
			RequestHandler: func(ctx context.Context, cc *Context) error {
				handled.Add(1)
				return nil
			},
		},
	})

	runWithDeadline(t, bc, 2*time.Second)

	if handled.Load() != 1 {
		t.Errorf("expected exactly 1 handled request under MaxRequestsPerCrawl=1, got %d", handled.Load())
	}
}

func TestBasicCrawlerRecordsFinishedRequestInStats(t *testing.T) {
	ctx := context.Background()
	queue := newTestRequestQueue(t)
	req, err := types.NewRequest("https://example.com/page")
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if _, err := queue.AddRequest(ctx, req, false); err != nil {
		t.Fatalf("seed queue: %v", err)
	}

	client := memstore.New()
	kv, err := client.KeyValueStores().GetOrCreate(ctx, "default")
	if err != nil {
		t.Fatalf("kv store: %v", err)
	}
	st := stats.New(kv)

	nav := &scriptedNavigator{navigate: func(ctx context.Context, req *types.Request) (*types.Response, error) {
		return &types.Response{StatusCode: 200}, nil
	}}

	pool := autoscale.New(autoscale.Config{MinConcurrency: 1, MaxConcurrency: 1, TickInterval: 10 * time.Millisecond}, newIdleStatus())
	bc := New(Config{
		RequestQueue: queue,
		Navigation:   nav,
		Pool:         pool,
		Stats:        st,
		Hooks: Hooks{
			RequestHandler: func(ctx context.Context, cc *Context) error { return nil },
		},
	})

	runWithDeadline(t, bc, 2*time.Second)

	snap := st.Snapshot()
	if snap.RequestsFinished != 1 {
		t.Errorf("expected 1 finished request recorded in stats, got %d", snap.RequestsFinished)
	}
}
