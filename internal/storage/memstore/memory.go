// Package memstore is the in-memory storage backend: the default for
// tests and single-shot crawls that don't need to resume across restarts.
// Grounded on the teacher's in-memory frontier/dedup bookkeeping
// (internal/engine/frontier.go, internal/engine/dedup.go) generalized to
// the full storage.Client contract.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crawlcore/crawlcore/internal/storage"
)

// Client is the in-memory storage.Client implementation.
type Client struct {
	mu        sync.Mutex
	datasets  map[string]*dataset
	kvStores  map[string]*kvStore
	queues    map[string]*requestQueue
	byName    map[string]string // "kind:name" -> id, shared across the three registries
}

// New creates an empty in-memory storage client.
func New() *Client {
	return &Client{
		datasets: make(map[string]*dataset),
		kvStores: make(map[string]*kvStore),
		queues:   make(map[string]*requestQueue),
		byName:   make(map[string]string),
	}
}

func (c *Client) Datasets() storage.Datasets             { return (*datasetRegistry)(c) }
func (c *Client) KeyValueStores() storage.KeyValueStores { return (*kvRegistry)(c) }
func (c *Client) RequestQueues() storage.RequestQueues   { return (*queueRegistry)(c) }

func newID() string {
	return time.Now().UTC().Format("20060102T150405.000000000")
}

// --- Datasets ---

type dataset struct {
	mu    sync.RWMutex
	meta  storage.Metadata
	items []any
}

func (d *dataset) PushItems(_ context.Context, items []any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append(d.items, items...)
	d.meta.ModifiedAt = time.Now()
	return nil
}

func (d *dataset) ListItems(_ context.Context, opts storage.ListItemsOptions) ([]any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	items := make([]any, len(d.items))
	copy(items, d.items)
	if opts.Desc {
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return []any{}, nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items, nil
}

func (d *dataset) Get(_ context.Context) (storage.Metadata, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.meta, nil
}

func (d *dataset) Delete(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = nil
	return nil
}

type datasetRegistry Client

func (r *datasetRegistry) List(_ context.Context) ([]storage.Metadata, error) {
	c := (*Client)(r)
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]storage.Metadata, 0, len(c.datasets))
	for _, d := range c.datasets {
		out = append(out, d.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *datasetRegistry) GetOrCreate(_ context.Context, name string) (storage.Dataset, error) {
	c := (*Client)(r)
	c.mu.Lock()
	defer c.mu.Unlock()
	key := "dataset:" + name
	if id, ok := c.byName[key]; ok {
		return c.datasets[id], nil
	}
	id := newID()
	d := &dataset{meta: storage.Metadata{ID: id, Name: name, CreatedAt: time.Now(), ModifiedAt: time.Now()}}
	c.datasets[id] = d
	c.byName[key] = id
	return d, nil
}

func (r *datasetRegistry) Get(_ context.Context, id string) (storage.Dataset, error) {
	c := (*Client)(r)
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.datasets[id]
	if !ok {
		return nil, &storage.StorageError{Backend: "memstore", Op: "Datasets.Get", Err: errNotFound}
	}
	return d, nil
}

// --- Key-Value Stores ---

type kvStore struct {
	mu      sync.RWMutex
	meta    storage.Metadata
	records map[string]storage.Record
	order   []string
}

func (s *kvStore) GetRecord(_ context.Context, key string) (*storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (s *kvStore) SetRecord(_ context.Context, rec storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.Key]; !exists {
		s.order = append(s.order, rec.Key)
	}
	s.records[rec.Key] = rec
	s.meta.ModifiedAt = time.Now()
	return nil
}

func (s *kvStore) DeleteRecord(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *kvStore) ListKeys(_ context.Context, exclusiveStartKey string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := append([]string(nil), s.order...)
	sort.Strings(keys)
	if exclusiveStartKey == "" {
		return keys, nil
	}
	out := keys[:0:0]
	for _, k := range keys {
		if k > exclusiveStartKey {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *kvStore) Get(_ context.Context) (storage.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta, nil
}

func (s *kvStore) Delete(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]storage.Record)
	s.order = nil
	return nil
}

type kvRegistry Client

func (r *kvRegistry) List(_ context.Context) ([]storage.Metadata, error) {
	c := (*Client)(r)
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]storage.Metadata, 0, len(c.kvStores))
	for _, s := range c.kvStores {
		out = append(out, s.meta)
	}
	return out, nil
}

func (r *kvRegistry) GetOrCreate(_ context.Context, name string) (storage.KeyValueStore, error) {
	c := (*Client)(r)
	c.mu.Lock()
	defer c.mu.Unlock()
	key := "kv:" + name
	if id, ok := c.byName[key]; ok {
		return c.kvStores[id], nil
	}
	id := newID()
	s := &kvStore{
		meta:    storage.Metadata{ID: id, Name: name, CreatedAt: time.Now(), ModifiedAt: time.Now()},
		records: make(map[string]storage.Record),
	}
	c.kvStores[id] = s
	c.byName[key] = id
	return s, nil
}

var errNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }
