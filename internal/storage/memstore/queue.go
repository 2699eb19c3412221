package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/crawlcore/crawlcore/internal/storage"
	"github.com/crawlcore/crawlcore/internal/types"
)

// requestQueue is the in-memory storage.RequestQueueBackend. Ordering
// follows insertion, with forefront records spliced to the front — the
// same shape as the teacher's heap-based Frontier, minus the heap since an
// in-memory slice reorder is cheap at this scale.
type requestQueue struct {
	mu      sync.Mutex
	meta    storage.Metadata
	records map[string]*storage.QueueRecord
	order   []string // record ids, head-of-queue first
	byKey   map[string]string // uniqueKey -> id
}

func newRequestQueue(id, name string) *requestQueue {
	return &requestQueue{
		meta:    storage.Metadata{ID: id, Name: name, CreatedAt: time.Now(), ModifiedAt: time.Now()},
		records: make(map[string]*storage.QueueRecord),
		byKey:   make(map[string]string),
	}
}

func (q *requestQueue) AddRequest(_ context.Context, rec storage.QueueRecord, forefront bool) (storage.AddRequestResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.addLocked(rec, forefront), nil
}

func (q *requestQueue) addLocked(rec storage.QueueRecord, forefront bool) storage.AddRequestResult {
	if id, exists := q.byKey[rec.UniqueKey]; exists {
		existing := q.records[id]
		return storage.AddRequestResult{
			ID:                id,
			WasAlreadyPresent: true,
			WasAlreadyHandled: existing.HandledAt != nil,
		}
	}

	id := rec.ID
	if id == "" {
		id = types.NewRequestRecordID()
	}
	rec.ID = id
	q.records[id] = &rec
	q.byKey[rec.UniqueKey] = id
	if forefront {
		q.order = append([]string{id}, q.order...)
	} else {
		q.order = append(q.order, id)
	}
	q.meta.ModifiedAt = time.Now()
	return storage.AddRequestResult{ID: id}
}

func (q *requestQueue) AddRequests(_ context.Context, recs []storage.QueueRecord, forefront bool) ([]storage.AddRequestResult, []storage.QueueRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	results := make([]storage.AddRequestResult, 0, len(recs))
	for _, rec := range recs {
		results = append(results, q.addLocked(rec, forefront))
	}
	return results, nil, nil
}

func (q *requestQueue) GetRequest(_ context.Context, id string) (*storage.QueueRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.records[id]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

func (q *requestQueue) UpdateRequest(_ context.Context, rec storage.QueueRecord, forefront bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.records[rec.ID]; !ok {
		return &storage.StorageError{Backend: "memstore", Op: "UpdateRequest", Err: errNotFound}
	}
	stored := rec
	q.records[rec.ID] = &stored
	q.meta.ModifiedAt = time.Now()

	if forefront {
		q.removeFromOrder(rec.ID)
		q.order = append([]string{rec.ID}, q.order...)
	}
	return nil
}

func (q *requestQueue) removeFromOrder(id string) {
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

func (q *requestQueue) ListHead(_ context.Context, limit int) (storage.ListHeadResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]storage.QueueRecord, 0, limit)
	for _, id := range q.order {
		rec := q.records[id]
		if rec.HandledAt != nil {
			continue
		}
		out = append(out, *rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return storage.ListHeadResult{
		Items:              out,
		QueueModifiedAt:    q.meta.ModifiedAt,
		HadMultipleClients: false,
	}, nil
}

func (q *requestQueue) HandledCount(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, rec := range q.records {
		if rec.HandledAt != nil {
			n++
		}
	}
	return n, nil
}

func (q *requestQueue) Get(_ context.Context) (storage.Metadata, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.meta, nil
}

func (q *requestQueue) Delete(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = make(map[string]*storage.QueueRecord)
	q.byKey = make(map[string]string)
	q.order = nil
	return nil
}

type queueRegistry Client

func (r *queueRegistry) List(_ context.Context) ([]storage.Metadata, error) {
	c := (*Client)(r)
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]storage.Metadata, 0, len(c.queues))
	for _, q := range c.queues {
		out = append(out, q.meta)
	}
	return out, nil
}

func (r *queueRegistry) GetOrCreate(_ context.Context, name string) (storage.RequestQueueBackend, error) {
	c := (*Client)(r)
	c.mu.Lock()
	defer c.mu.Unlock()
	key := "queue:" + name
	if id, ok := c.byName[key]; ok {
		return c.queues[id], nil
	}
	id := newID()
	q := newRequestQueue(id, name)
	c.queues[id] = q
	c.byName[key] = id
	return q, nil
}
