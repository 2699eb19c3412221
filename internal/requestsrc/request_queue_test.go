package requestsrc

import (
	"context"
	"testing"

	"github.com/crawlcore/crawlcore/internal/storage/memstore"
	"github.com/crawlcore/crawlcore/internal/types"
)

func newTestQueue(t *testing.T) *RequestQueue {
	t.Helper()
	client := memstore.New()
	backend, err := client.RequestQueues().GetOrCreate(context.Background(), "test")
	if err != nil {
		t.Fatalf("create backend: %v", err)
	}
	q, err := NewRequestQueue(backend)
	if err != nil {
		t.Fatalf("wrap queue: %v", err)
	}
	return q
}

func mustRequest(t *testing.T, rawURL string) *types.Request {
	t.Helper()
	req, err := types.NewRequest(rawURL)
	if err != nil {
		t.Fatalf("new request %q: %v", rawURL, err)
	}
	return req
}

func TestRequestQueueDedup(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	reqA := mustRequest(t, "https://example.com/page")
	resA, err := q.AddRequest(ctx, reqA, false)
	if err != nil {
		t.Fatalf("add first: %v", err)
	}
	if resA.WasAlreadyPresent {
		t.Fatal("first insert should not be reported as already present")
	}

	reqB := mustRequest(t, "https://example.com/page") // same canonical URL
	resB, err := q.AddRequest(ctx, reqB, false)
	if err != nil {
		t.Fatalf("add duplicate: %v", err)
	}
	if !resB.WasAlreadyPresent {
		t.Fatal("duplicate insert should be reported as already present")
	}
	if resB.ID != resA.ID {
		t.Errorf("duplicate should resolve to the same id, got %q vs %q", resB.ID, resA.ID)
	}
}

func TestRequestQueueForefrontOrdering(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	// A enqueued normally, then C and B pushed to the forefront in that
	// order — B should come out first (most recent forefront insert wins),
	// then C, then A.
	a := mustRequest(t, "https://example.com/a")
	if _, err := q.AddRequest(ctx, a, false); err != nil {
		t.Fatalf("add a: %v", err)
	}
	c := mustRequest(t, "https://example.com/c")
	if _, err := q.AddRequest(ctx, c, true); err != nil {
		t.Fatalf("add c: %v", err)
	}
	b := mustRequest(t, "https://example.com/b")
	if _, err := q.AddRequest(ctx, b, true); err != nil {
		t.Fatalf("add b: %v", err)
	}

	var order []string
	for i := 0; i < 3; i++ {
		req, err := q.FetchNextRequest(ctx)
		if err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
		if req == nil {
			t.Fatalf("fetch %d returned nil", i)
		}
		order = append(order, req.URLString())
	}

	want := []string{"https://example.com/b", "https://example.com/c", "https://example.com/a"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: want %s, got %s (full order %v)", i, want[i], order[i], order)
		}
	}
}

func TestRequestQueueHandledLifecycle(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	req := mustRequest(t, "https://example.com/once")
	if _, err := q.AddRequest(ctx, req, false); err != nil {
		t.Fatalf("add: %v", err)
	}

	fetched, err := q.FetchNextRequest(ctx)
	if err != nil || fetched == nil {
		t.Fatalf("fetch: %v", err)
	}

	if err := q.MarkRequestHandled(ctx, fetched); err != nil {
		t.Fatalf("mark handled: %v", err)
	}

	// Marking an already-handled (not in-progress) request again must fail.
	if err := q.MarkRequestHandled(ctx, fetched); err != types.ErrNotInProgress {
		t.Errorf("expected ErrNotInProgress on double-handle, got %v", err)
	}

	empty, err := q.IsEmpty(ctx)
	if err != nil {
		t.Fatalf("is empty: %v", err)
	}
	if !empty {
		t.Error("queue should be empty after the only request was handled")
	}
}

func TestRequestQueueReclaim(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	req := mustRequest(t, "https://example.com/retry-me")
	if _, err := q.AddRequest(ctx, req, false); err != nil {
		t.Fatalf("add: %v", err)
	}

	fetched, err := q.FetchNextRequest(ctx)
	if err != nil || fetched == nil {
		t.Fatalf("fetch: %v", err)
	}

	if err := q.ReclaimRequest(ctx, fetched, true); err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	// Immediately after reclaim the request is held out of the head cache
	// by storageConsistencyDelay, so the queue should report not-yet-empty
	// inconsistently but never lose the request outright.
	empty, err := q.IsEmpty(ctx)
	if err != nil {
		t.Fatalf("is empty: %v", err)
	}
	if empty {
		t.Error("queue must not report empty while a reclaimed request is pending re-delivery")
	}
}
