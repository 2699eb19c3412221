// Package localstore is the on-disk storage backend: datasets, key-value
// stores, and request queues each persisted under a root directory so a
// crawl can resume after a restart (spec §6). Grounded on the teacher's
// JSON/JSONL file writers (internal/storage/file.go), generalized from a
// single-purpose item sink into the full storage.Client contract and the
// on-disk layout spec §6 prescribes.
package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crawlcore/crawlcore/internal/storage"
)

// Client is the on-disk storage.Client implementation rooted at Dir.
type Client struct {
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	datasets map[string]*dataset
	kvStores map[string]*kvStore
	queues   map[string]*requestQueue
}

// New opens (creating if absent) a local storage root at dir.
func New(dir string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, sub := range []string{"datasets", "key_value_stores", "request_queues"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir %s: %w", sub, err)
		}
	}
	return &Client{
		dir:      dir,
		logger:   logger.With("component", "localstore"),
		datasets: make(map[string]*dataset),
		kvStores: make(map[string]*kvStore),
		queues:   make(map[string]*requestQueue),
	}, nil
}

func (c *Client) Datasets() storage.Datasets             { return (*datasetRegistry)(c) }
func (c *Client) KeyValueStores() storage.KeyValueStores { return (*kvRegistry)(c) }
func (c *Client) RequestQueues() storage.RequestQueues   { return (*queueRegistry)(c) }

// writeFileAtomic writes data to path via a temp file + rename, matching the
// teacher's checkpoint.go atomic-persistence pattern.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readMetadata(dir string) (storage.Metadata, error) {
	var meta storage.Metadata
	data, err := os.ReadFile(filepath.Join(dir, "__metadata__.json"))
	if os.IsNotExist(err) {
		return meta, nil
	}
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

func writeMetadata(dir string, meta storage.Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, "__metadata__.json"), data)
}

// --- Datasets: datasets/<id>/NNNNNNNNN.json, one file per item ---

type dataset struct {
	mu     sync.Mutex
	dir    string
	meta   storage.Metadata
	logger *slog.Logger
	count  int
}

func (d *dataset) PushItems(_ context.Context, items []any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, item := range items {
		d.count++
		name := fmt.Sprintf("%09d.json", d.count)
		data, err := json.MarshalIndent(item, "", "  ")
		if err != nil {
			return &storage.StorageError{Backend: "localstore", Op: "PushItems", Err: err}
		}
		if err := writeFileAtomic(filepath.Join(d.dir, name), data); err != nil {
			return &storage.StorageError{Backend: "localstore", Op: "PushItems", Err: err}
		}
	}
	d.meta.ModifiedAt = time.Now()
	if err := writeMetadata(d.dir, d.meta); err != nil {
		d.logger.Warn("failed to persist dataset metadata", "error", err)
	}
	return nil
}

func (d *dataset) ListItems(_ context.Context, opts storage.ListItemsOptions) ([]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, &storage.StorageError{Backend: "localstore", Op: "ListItems", Err: err}
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") && e.Name() != "__metadata__.json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if opts.Desc {
		for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
			names[i], names[j] = names[j], names[i]
		}
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(names) {
			return []any{}, nil
		}
		names = names[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(names) {
		names = names[:opts.Limit]
	}

	items := make([]any, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(d.dir, name))
		if err != nil {
			return nil, &storage.StorageError{Backend: "localstore", Op: "ListItems", Err: err}
		}
		var item any
		if err := json.Unmarshal(data, &item); err != nil {
			return nil, &storage.StorageError{Backend: "localstore", Op: "ListItems", Err: err}
		}
		items = append(items, item)
	}
	return items, nil
}

func (d *dataset) Get(_ context.Context) (storage.Metadata, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.meta, nil
}

func (d *dataset) Delete(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return os.RemoveAll(d.dir)
}

type datasetRegistry Client

func (r *datasetRegistry) List(_ context.Context) ([]storage.Metadata, error) {
	c := (*Client)(r)
	root := filepath.Join(c.dir, "datasets")
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

func (r *datasetRegistry) GetOrCreate(_ context.Context, name string) (storage.Dataset, error) {
	c := (*Client)(r)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.datasets[name]; ok {
		return d, nil
	}
	dir := filepath.Join(c.dir, "datasets", name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	meta, err := readMetadata(dir)
	if err != nil {
		return nil, err
	}
	if meta.ID == "" {
		meta = storage.Metadata{ID: name, Name: name, CreatedAt: time.Now(), ModifiedAt: time.Now()}
		if err := writeMetadata(dir, meta); err != nil {
			return nil, err
		}
	}
	d := &dataset{dir: dir, meta: meta, logger: c.logger}
	c.datasets[name] = d
	return d, nil
}

func (r *datasetRegistry) Get(ctx context.Context, id string) (storage.Dataset, error) {
	return r.GetOrCreate(ctx, id)
}

// --- Key-Value Stores: key_value_stores/<id>/<key>.<ext> + __metadata__.json ---

type kvStore struct {
	mu   sync.Mutex
	dir  string
	meta storage.Metadata
}

func extForContentType(ct string) string {
	switch {
	case strings.Contains(ct, "json"):
		return "json"
	case strings.Contains(ct, "text"):
		return "txt"
	default:
		return "bin"
	}
}

func (s *kvStore) recordPath(key string) (string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if base := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())); base == key {
			return filepath.Join(s.dir, e.Name()), nil
		}
	}
	return "", nil
}

func (s *kvStore) GetRecord(_ context.Context, key string) (*storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.recordPath(key)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ct := "application/octet-stream"
	switch filepath.Ext(path) {
	case ".json":
		ct = "application/json"
	case ".txt":
		ct = "text/plain"
	}
	return &storage.Record{Key: key, Value: data, ContentType: ct}, nil
}

func (s *kvStore) SetRecord(_ context.Context, rec storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, _ := s.recordPath(rec.Key); old != "" {
		os.Remove(old)
	}
	path := filepath.Join(s.dir, rec.Key+"."+extForContentType(rec.ContentType))
	if err := writeFileAtomic(path, rec.Value); err != nil {
		return err
	}
	s.meta.ModifiedAt = time.Now()
	return writeMetadata(s.dir, s.meta)
}

func (s *kvStore) DeleteRecord(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.recordPath(key)
	if err != nil || path == "" {
		return err
	}
	return os.Remove(path)
}

func (s *kvStore) ListKeys(_ context.Context, exclusiveStartKey string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if e.Name() == "__metadata__.json" {
			continue
		}
		keys = append(keys, strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
	}
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
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta, nil
}

func (s *kvStore) Delete(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.RemoveAll(s.dir)
}

type kvRegistry Client

func (r *kvRegistry) List(_ context.Context) ([]storage.Metadata, error) {
	c := (*Client)(r)
	root := filepath.Join(c.dir, "key_value_stores")
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

func (r *kvRegistry) GetOrCreate(_ context.Context, name string) (storage.KeyValueStore, error) {
	c := (*Client)(r)
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.kvStores[name]; ok {
		return s, nil
	}
	dir := filepath.Join(c.dir, "key_value_stores", name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	meta, err := readMetadata(dir)
	if err != nil {
		return nil, err
	}
	if meta.ID == "" {
		meta = storage.Metadata{ID: name, Name: name, CreatedAt: time.Now(), ModifiedAt: time.Now()}
		if err := writeMetadata(dir, meta); err != nil {
			return nil, err
		}
	}
	s := &kvStore{dir: dir, meta: meta}
	c.kvStores[name] = s
	return s, nil
}
