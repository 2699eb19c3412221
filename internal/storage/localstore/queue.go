package localstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/crawlcore/crawlcore/internal/storage"
	"github.com/crawlcore/crawlcore/internal/types"
)

// requestQueue persists its whole record set as one JSON document,
// entries.json, written atomically on every mutation. Adequate for the
// single-process resumable case this backend targets; redisstore is the
// answer once multiple crawler processes share a queue.
type requestQueue struct {
	mu    sync.Mutex
	dir   string
	meta  storage.Metadata
	order []string
	byID  map[string]*storage.QueueRecord
	byKey map[string]string
}

type queueFile struct {
	Order   []string                        `json:"order"`
	Records map[string]*storage.QueueRecord `json:"records"`
}

func loadRequestQueue(dir string, meta storage.Metadata) (*requestQueue, error) {
	q := &requestQueue{
		dir:   dir,
		meta:  meta,
		byID:  make(map[string]*storage.QueueRecord),
		byKey: make(map[string]string),
	}
	data, err := os.ReadFile(filepath.Join(dir, "entries.json"))
	if os.IsNotExist(err) {
		return q, nil
	}
	if err != nil {
		return nil, err
	}
	var qf queueFile
	if err := json.Unmarshal(data, &qf); err != nil {
		return nil, err
	}
	q.order = qf.Order
	for id, rec := range qf.Records {
		q.byID[id] = rec
		q.byKey[rec.UniqueKey] = id
	}
	return q, nil
}

func (q *requestQueue) persistLocked() error {
	qf := queueFile{Order: q.order, Records: q.byID}
	data, err := json.MarshalIndent(qf, "", "  ")
	if err != nil {
		return err
	}
	q.meta.ModifiedAt = time.Now()
	if err := writeFileAtomic(filepath.Join(q.dir, "entries.json"), data); err != nil {
		return err
	}
	return writeMetadata(q.dir, q.meta)
}

func (q *requestQueue) AddRequest(_ context.Context, rec storage.QueueRecord, forefront bool) (storage.AddRequestResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	result, err := q.addLocked(rec, forefront)
	if err != nil {
		return result, err
	}
	return result, q.persistLocked()
}

func (q *requestQueue) addLocked(rec storage.QueueRecord, forefront bool) (storage.AddRequestResult, error) {
	if id, exists := q.byKey[rec.UniqueKey]; exists {
		existing := q.byID[id]
		return storage.AddRequestResult{
			ID:                id,
			WasAlreadyPresent: true,
			WasAlreadyHandled: existing.HandledAt != nil,
		}, nil
	}
	id := rec.ID
	if id == "" {
		id = types.NewRequestRecordID()
	}
	rec.ID = id
	q.byID[id] = &rec
	q.byKey[rec.UniqueKey] = id
	if forefront {
		q.order = append([]string{id}, q.order...)
	} else {
		q.order = append(q.order, id)
	}
	return storage.AddRequestResult{ID: id}, nil
}

func (q *requestQueue) AddRequests(_ context.Context, recs []storage.QueueRecord, forefront bool) ([]storage.AddRequestResult, []storage.QueueRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	results := make([]storage.AddRequestResult, 0, len(recs))
	for _, rec := range recs {
		r, err := q.addLocked(rec, forefront)
		if err != nil {
			return results, nil, err
		}
		results = append(results, r)
	}
	return results, nil, q.persistLocked()
}

func (q *requestQueue) GetRequest(_ context.Context, id string) (*storage.QueueRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.byID[id]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

func (q *requestQueue) UpdateRequest(_ context.Context, rec storage.QueueRecord, forefront bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[rec.ID]; !ok {
		return &storage.StorageError{Backend: "localstore", Op: "UpdateRequest", Err: errNotFound}
	}
	stored := rec
	q.byID[rec.ID] = &stored
	if forefront {
		q.removeFromOrder(rec.ID)
		q.order = append([]string{rec.ID}, q.order...)
	}
	return q.persistLocked()
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
		rec := q.byID[id]
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
	for _, rec := range q.byID {
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
	return os.RemoveAll(q.dir)
}

type queueRegistry Client

func (r *queueRegistry) List(_ context.Context) ([]storage.Metadata, error) {
	c := (*Client)(r)
	root := filepath.Join(c.dir, "request_queues")
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	out := make([]storage.Metadata, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := readMetadata(filepath.Join(root, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

func (r *queueRegistry) GetOrCreate(_ context.Context, name string) (storage.RequestQueueBackend, error) {
	c := (*Client)(r)
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queues[name]; ok {
		return q, nil
	}
	dir := filepath.Join(c.dir, "request_queues", name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	meta, err := readMetadata(dir)
	if err != nil {
		return nil, err
	}
	if meta.ID == "" {
		meta = storage.Metadata{ID: name, Name: name, CreatedAt: time.Now(), ModifiedAt: time.Now()}
	}
	q, err := loadRequestQueue(dir, meta)
	if err != nil {
		return nil, err
	}
	if err := writeMetadata(dir, q.meta); err != nil {
		return nil, err
	}
	c.queues[name] = q
	return q, nil
}

var errNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }
