package requestsrc

import (
	"context"
	"math"
	"net/url"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/crawlcore/crawlcore/internal/storage"
	"github.com/crawlcore/crawlcore/internal/types"
)

const (
	// queryHeadMinLength is the floor on how many records listHead asks
	// the backend for, regardless of how few tasks are currently running.
	queryHeadMinLength = 100

	// storageConsistencyDelay is how long a reclaimed id is held out of
	// the head cache, giving a reader that just observed it in-progress
	// time to see a coherent view (spec §4.2).
	storageConsistencyDelay = 50 * time.Millisecond

	// apiProcessedRequestsDelay bounds how stale queueModifiedAt may be
	// before isFinished() will trust an empty backend listHead.
	apiProcessedRequestsDelay = 10 * time.Second

	dedupCacheSize = 100_000
)

type dedupEntry struct {
	id                string
	wasAlreadyHandled bool
}

// RequestQueue is a persistent, deduplicated FIFO-with-forefront request
// source. It layers an in-memory head cache, in-progress set, and
// reclaim-delay bookkeeping over a storage.RequestQueueBackend so repeated
// links from the same page don't round-trip to the backend every time.
type RequestQueue struct {
	mu sync.Mutex

	backend storage.RequestQueueBackend
	dedup   *lru.Cache // uniqueKey -> dedupEntry

	headCache      []string // ids ready to be handed out, front first
	inProgress     map[string]*types.Request
	reclaimedUntil map[string]time.Time // id -> time it re-enters the head cache

	queueModifiedAt    time.Time
	hadMultipleClients bool
}

// NewRequestQueue wraps a storage backend with the head-cache and
// dedup-cache bookkeeping the crawler's hot path needs.
func NewRequestQueue(backend storage.RequestQueueBackend) (*RequestQueue, error) {
	cache, err := lru.New(dedupCacheSize)
	if err != nil {
		return nil, err
	}
	return &RequestQueue{
		backend:        backend,
		dedup:          cache,
		inProgress:     make(map[string]*types.Request),
		reclaimedUntil: make(map[string]time.Time),
	}, nil
}

func toQueueRecord(req *types.Request) storage.QueueRecord {
	return storage.QueueRecord{
		ID:            req.ID,
		UniqueKey:     req.UniqueKey,
		URL:           req.URLString(),
		LoadedURL:     req.LoadedURLString(),
		Method:        req.Method,
		Payload:       req.Payload,
		Headers:       map[string][]string(req.Headers),
		UserData:      req.UserData,
		Depth:         req.Depth,
		RetryCount:    req.RetryCount,
		NoRetry:       req.NoRetry,
		MaxRetries:    req.MaxRetries,
		ErrorMessages: req.ErrorMessages,
		HandledAt:     req.HandledAt,
		ParentURL:     req.ParentURL,
		CreatedAt:     req.CreatedAt,
	}
}

func fromQueueRecord(rec storage.QueueRecord) (*types.Request, error) {
	req, err := types.NewRequestWithMethod(rec.URL, rec.Method, rec.Payload)
	if err != nil {
		return nil, err
	}
	req.ID = rec.ID
	req.UniqueKey = rec.UniqueKey
	if rec.LoadedURL != "" {
		if loaded, err := url.Parse(rec.LoadedURL); err == nil {
			req.LoadedURL = loaded
		}
	}
	req.Headers = rec.Headers
	req.UserData = rec.UserData
	req.Depth = rec.Depth
	req.RetryCount = rec.RetryCount
	req.NoRetry = rec.NoRetry
	req.MaxRetries = rec.MaxRetries
	req.ErrorMessages = rec.ErrorMessages
	req.HandledAt = rec.HandledAt
	req.ParentURL = rec.ParentURL
	req.CreatedAt = rec.CreatedAt
	return req, nil
}

// AddRequest inserts req, deduplicating on UniqueKey. forefront places it
// at the head of the queue for depth-first-style traversal.
func (q *RequestQueue) AddRequest(ctx context.Context, req *types.Request, forefront bool) (storage.AddRequestResult, error) {
	if err := req.ValidateUserData(); err != nil {
		return storage.AddRequestResult{}, err
	}
	q.mu.Lock()
	if v, ok := q.dedup.Get(req.UniqueKey); ok {
		entry := v.(dedupEntry)
		q.mu.Unlock()
		return storage.AddRequestResult{ID: entry.id, WasAlreadyPresent: true, WasAlreadyHandled: entry.wasAlreadyHandled}, nil
	}
	q.mu.Unlock()

	result, err := q.backend.AddRequest(ctx, toQueueRecord(req), forefront)
	if err != nil {
		return result, &storage.StorageError{Backend: "requestsrc", Op: "RequestQueue.AddRequest", Err: err}
	}
	req.ID = result.ID

	q.mu.Lock()
	q.dedup.Add(req.UniqueKey, dedupEntry{id: result.ID, wasAlreadyHandled: result.WasAlreadyHandled})
	if !result.WasAlreadyPresent && !result.WasAlreadyHandled {
		if forefront {
			q.headCache = append([]string{result.ID}, q.headCache...)
		}
	}
	q.mu.Unlock()
	return result, nil
}

// AddRequests bulk-inserts req, returning the subset the backend could not
// accept so the caller can retry them after a backoff.
func (q *RequestQueue) AddRequests(ctx context.Context, reqs []*types.Request, forefront bool) ([]storage.AddRequestResult, []*types.Request, error) {
	toSend := make([]storage.QueueRecord, 0, len(reqs))
	skipResults := make(map[int]storage.AddRequestResult)
	for i, req := range reqs {
		q.mu.Lock()
		if v, ok := q.dedup.Get(req.UniqueKey); ok {
			entry := v.(dedupEntry)
			q.mu.Unlock()
			skipResults[i] = storage.AddRequestResult{ID: entry.id, WasAlreadyPresent: true, WasAlreadyHandled: entry.wasAlreadyHandled}
			continue
		}
		q.mu.Unlock()
		toSend = append(toSend, toQueueRecord(req))
	}

	processed, unprocessedRecs, err := q.backend.AddRequests(ctx, toSend, forefront)
	if err != nil {
		return nil, nil, &storage.StorageError{Backend: "requestsrc", Op: "RequestQueue.AddRequests", Err: err}
	}

	unprocessedByKey := make(map[string]bool, len(unprocessedRecs))
	for _, rec := range unprocessedRecs {
		unprocessedByKey[rec.UniqueKey] = true
	}

	results := make([]storage.AddRequestResult, len(reqs))
	var unprocessed []*types.Request
	processedIdx := 0
	for i, req := range reqs {
		if r, ok := skipResults[i]; ok {
			results[i] = r
			continue
		}
		if unprocessedByKey[req.UniqueKey] {
			unprocessed = append(unprocessed, req)
			continue
		}
		if processedIdx >= len(processed) {
			unprocessed = append(unprocessed, req)
			continue
		}
		r := processed[processedIdx]
		processedIdx++
		req.ID = r.ID
		results[i] = r
		q.mu.Lock()
		q.dedup.Add(req.UniqueKey, dedupEntry{id: r.ID, wasAlreadyHandled: r.WasAlreadyHandled})
		q.mu.Unlock()
	}
	return results, unprocessed, nil
}

// FetchNextRequest returns the next ready request, moving it to
// in-progress. It may return nil after a transient refresh miss; callers
// should retry.
func (q *RequestQueue) FetchNextRequest(ctx context.Context) (*types.Request, error) {
	q.mu.Lock()
	if len(q.headCache) > 0 {
		id := q.headCache[0]
		q.headCache = q.headCache[1:]
		q.mu.Unlock()

		rec, err := q.backend.GetRequest(ctx, id)
		if err != nil {
			return nil, &storage.StorageError{Backend: "requestsrc", Op: "RequestQueue.FetchNextRequest", Err: err}
		}
		if rec == nil {
			// Transient inconsistency: the id was in the cache but the
			// backend no longer has it. Log-worthy, not fatal.
			return nil, nil
		}
		req, err := fromQueueRecord(*rec)
		if err != nil {
			return nil, err
		}
		q.mu.Lock()
		q.inProgress[req.ID] = req
		q.mu.Unlock()
		return req, nil
	}
	inFlight := len(q.inProgress)
	q.mu.Unlock()

	limit := int(math.Max(queryHeadMinLength, math.Sqrt(float64(inFlight))))
	headResult, err := q.backend.ListHead(ctx, limit)
	if err != nil {
		return nil, &storage.StorageError{Backend: "requestsrc", Op: "RequestQueue.FetchNextRequest", Err: err}
	}

	q.mu.Lock()
	q.queueModifiedAt = headResult.QueueModifiedAt
	q.hadMultipleClients = headResult.HadMultipleClients
	now := time.Now()
	for _, rec := range headResult.Items {
		if _, inProgress := q.inProgress[rec.ID]; inProgress {
			continue
		}
		if until, reclaimed := q.reclaimedUntil[rec.ID]; reclaimed && now.Before(until) {
			continue
		}
		q.headCache = append(q.headCache, rec.ID)
	}
	q.mu.Unlock()

	if len(q.headCache) == 0 {
		return nil, nil
	}
	return q.FetchNextRequest(ctx)
}

// MarkRequestHandled records req as terminally processed. Fails if req is
// not currently in-progress.
func (q *RequestQueue) MarkRequestHandled(ctx context.Context, req *types.Request) error {
	q.mu.Lock()
	if _, ok := q.inProgress[req.ID]; !ok {
		q.mu.Unlock()
		return types.ErrNotInProgress
	}
	delete(q.inProgress, req.ID)
	q.mu.Unlock()

	req.MarkHandled()
	rec := toQueueRecord(req)
	if err := q.backend.UpdateRequest(ctx, rec, false); err != nil {
		return &storage.StorageError{Backend: "requestsrc", Op: "RequestQueue.MarkRequestHandled", Err: err}
	}

	q.mu.Lock()
	q.dedup.Add(req.UniqueKey, dedupEntry{id: req.ID, wasAlreadyHandled: true})
	q.mu.Unlock()
	return nil
}

// ReclaimRequest returns req to pending, respecting the reclaim delay
// before it re-enters the head cache.
func (q *RequestQueue) ReclaimRequest(ctx context.Context, req *types.Request, forefront bool) error {
	q.mu.Lock()
	delete(q.inProgress, req.ID)
	q.reclaimedUntil[req.ID] = time.Now().Add(storageConsistencyDelay)
	q.mu.Unlock()

	if err := q.backend.UpdateRequest(ctx, toQueueRecord(req), forefront); err != nil {
		return &storage.StorageError{Backend: "requestsrc", Op: "RequestQueue.ReclaimRequest", Err: err}
	}
	return nil
}

// IsEmpty reports whether there is nothing immediately ready to hand out.
func (q *RequestQueue) IsEmpty(ctx context.Context) (bool, error) {
	q.mu.Lock()
	headEmpty := len(q.headCache) == 0
	inProgressEmpty := len(q.inProgress) == 0
	q.mu.Unlock()
	if !headEmpty || !inProgressEmpty {
		return false, nil
	}

	headResult, err := q.backend.ListHead(ctx, 1)
	if err != nil {
		return false, &storage.StorageError{Backend: "requestsrc", Op: "RequestQueue.IsEmpty", Err: err}
	}
	return len(headResult.Items) == 0, nil
}

// IsFinished implements the consistency barrier from spec §4.2: only true
// once the local caches and the backend both agree there is nothing left,
// and queueModifiedAt is old enough to rule out an eventually-consistent
// backend still catching up.
func (q *RequestQueue) IsFinished(ctx context.Context) (bool, error) {
	q.mu.Lock()
	headEmpty := len(q.headCache) == 0
	inProgressEmpty := len(q.inProgress) == 0
	lastModified := q.queueModifiedAt
	multiClient := q.hadMultipleClients
	q.mu.Unlock()

	if !headEmpty || !inProgressEmpty {
		return false, nil
	}

	headResult, err := q.backend.ListHead(ctx, 1)
	if err != nil {
		return false, &storage.StorageError{Backend: "requestsrc", Op: "RequestQueue.IsFinished", Err: err}
	}
	if len(headResult.Items) > 0 {
		return false, nil
	}

	if multiClient || headResult.HadMultipleClients {
		// Conservative: a concurrent writer may still be mid-insert.
		if time.Since(lastModified) < apiProcessedRequestsDelay {
			return false, nil
		}
	}
	return time.Since(lastModified) >= apiProcessedRequestsDelay, nil
}

// GetRequest looks up a queued request by backend-assigned id.
func (q *RequestQueue) GetRequest(ctx context.Context, id string) (*types.Request, error) {
	rec, err := q.backend.GetRequest(ctx, id)
	if err != nil {
		return nil, &storage.StorageError{Backend: "requestsrc", Op: "RequestQueue.GetRequest", Err: err}
	}
	if rec == nil {
		return nil, nil
	}
	return fromQueueRecord(*rec)
}

// HandledCount returns how many requests in this queue have been marked
// handled.
func (q *RequestQueue) HandledCount(ctx context.Context) (int, error) {
	n, err := q.backend.HandledCount(ctx)
	if err != nil {
		return 0, &storage.StorageError{Backend: "requestsrc", Op: "RequestQueue.HandledCount", Err: err}
	}
	return n, nil
}

// Drop deletes the queue's backend state entirely.
func (q *RequestQueue) Drop(ctx context.Context) error {
	return q.backend.Delete(ctx)
}
