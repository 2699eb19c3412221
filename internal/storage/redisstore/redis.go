// Package redisstore is the distributed storage backend: a RequestQueue
// and KeyValueStore backed by Redis, for crawls that run across multiple
// processes/machines sharing one frontier. Datasets are intentionally not
// implemented here — Redis is a poor fit for an append-only item log at
// scale; use mongostore for that (see DESIGN.md).
//
// Grounded on the pack's adoption of github.com/redis/go-redis/v9 for
// shared distributed state (ContentSquare-chproxy and jordigilh-kubernaut
// both vendor it for this purpose); the concrete command usage below
// follows go-redis v9's standard idioms.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crawlcore/crawlcore/internal/storage"
	"github.com/crawlcore/crawlcore/internal/types"
)

// Client is the Redis-backed storage.RequestQueues + storage.KeyValueStores
// implementation. It does not implement storage.Datasets.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// New wraps an existing go-redis client. prefix namespaces all keys this
// backend writes, so one Redis instance can host multiple crawls.
func New(rdb *redis.Client, prefix string) *Client {
	if prefix == "" {
		prefix = "crawlcore"
	}
	return &Client{rdb: rdb, prefix: prefix}
}

func (c *Client) KeyValueStores() storage.KeyValueStores { return (*kvRegistry)(c) }
func (c *Client) RequestQueues() storage.RequestQueues   { return (*queueRegistry)(c) }

// Datasets satisfies storage.Client; every call returns errDatasetsUnsupported
// since Redis is not used as the item log (see the package doc comment).
func (c *Client) Datasets() storage.Datasets { return unsupportedDatasets{} }

type unsupportedDatasets struct{}

var errDatasetsUnsupported = fmt.Errorf("redisstore: Datasets is not supported, use mongostore or localstore")

func (unsupportedDatasets) List(ctx context.Context) ([]storage.Metadata, error) {
	return nil, errDatasetsUnsupported
}

func (unsupportedDatasets) GetOrCreate(ctx context.Context, name string) (storage.Dataset, error) {
	return nil, errDatasetsUnsupported
}

func (unsupportedDatasets) Get(ctx context.Context, id string) (storage.Dataset, error) {
	return nil, errDatasetsUnsupported
}

func (c *Client) key(parts ...string) string {
	all := append([]string{c.prefix}, parts...)
	out := all[0]
	for _, p := range all[1:] {
		out += ":" + p
	}
	return out
}

// --- Key-Value Store: one Redis hash per store, HSET key -> json(Record) ---

type kvStore struct {
	c    *Client
	name string
}

func (s *kvStore) hashKey() string { return s.c.key("kv", s.name, "records") }
func (s *kvStore) metaKey() string { return s.c.key("kv", s.name, "meta") }

func (s *kvStore) GetRecord(ctx context.Context, key string) (*storage.Record, error) {
	data, err := s.c.rdb.HGet(ctx, s.hashKey(), key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, &storage.StorageError{Backend: "redisstore", Op: "GetRecord", Err: err}
	}
	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &storage.StorageError{Backend: "redisstore", Op: "GetRecord", Err: err}
	}
	return &rec, nil
}

func (s *kvStore) SetRecord(ctx context.Context, rec storage.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return &storage.StorageError{Backend: "redisstore", Op: "SetRecord", Err: err}
	}
	pipe := s.c.rdb.TxPipeline()
	pipe.HSet(ctx, s.hashKey(), rec.Key, data)
	pipe.HSet(ctx, s.metaKey(), "modifiedAt", time.Now().Format(time.RFC3339Nano))
	if _, err := pipe.Exec(ctx); err != nil {
		return &storage.StorageError{Backend: "redisstore", Op: "SetRecord", Err: err}
	}
	return nil
}

func (s *kvStore) DeleteRecord(ctx context.Context, key string) error {
	if err := s.c.rdb.HDel(ctx, s.hashKey(), key).Err(); err != nil {
		return &storage.StorageError{Backend: "redisstore", Op: "DeleteRecord", Err: err}
	}
	return nil
}

func (s *kvStore) ListKeys(ctx context.Context, exclusiveStartKey string) ([]string, error) {
	keys, err := s.c.rdb.HKeys(ctx, s.hashKey()).Result()
	if err != nil {
		return nil, &storage.StorageError{Backend: "redisstore", Op: "ListKeys", Err: err}
	}
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

func (s *kvStore) Get(ctx context.Context) (storage.Metadata, error) {
	vals, err := s.c.rdb.HGetAll(ctx, s.metaKey()).Result()
	if err != nil {
		return storage.Metadata{}, &storage.StorageError{Backend: "redisstore", Op: "Get", Err: err}
	}
	meta := storage.Metadata{ID: s.name, Name: s.name}
	if ts, ok := vals["modifiedAt"]; ok {
		meta.ModifiedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return meta, nil
}

func (s *kvStore) Delete(ctx context.Context) error {
	if err := s.c.rdb.Del(ctx, s.hashKey(), s.metaKey()).Err(); err != nil {
		return &storage.StorageError{Backend: "redisstore", Op: "Delete", Err: err}
	}
	return nil
}

type kvRegistry Client

func (r *kvRegistry) List(ctx context.Context) ([]storage.Metadata, error) {
	return nil, fmt.Errorf("redisstore: listing all key-value stores is not supported, fetch by name")
}

func (r *kvRegistry) GetOrCreate(_ context.Context, name string) (storage.KeyValueStore, error) {
	return &kvStore{c: (*Client)(r), name: name}, nil
}

// --- Request Queue: Redis list for FIFO order, hash for records + dedup ---

type requestQueue struct {
	c    *Client
	name string
}

func (q *requestQueue) orderKey() string  { return q.c.key("queue", q.name, "order") }
func (q *requestQueue) recordsKey() string { return q.c.key("queue", q.name, "records") }
func (q *requestQueue) dedupKey() string  { return q.c.key("queue", q.name, "dedup") }
func (q *requestQueue) clientsKey() string { return q.c.key("queue", q.name, "clients") }
func (q *requestQueue) metaKey() string    { return q.c.key("queue", q.name, "meta") }

func (q *requestQueue) AddRequest(ctx context.Context, rec storage.QueueRecord, forefront bool) (storage.AddRequestResult, error) {
	results, _, err := q.AddRequests(ctx, []storage.QueueRecord{rec}, forefront)
	if err != nil {
		return storage.AddRequestResult{}, err
	}
	return results[0], nil
}

func (q *requestQueue) AddRequests(ctx context.Context, recs []storage.QueueRecord, forefront bool) ([]storage.AddRequestResult, []storage.QueueRecord, error) {
	results := make([]storage.AddRequestResult, 0, len(recs))
	var unprocessed []storage.QueueRecord

	for _, rec := range recs {
		existingID, err := q.c.rdb.HGet(ctx, q.dedupKey(), rec.UniqueKey).Result()
		if err != nil && err != redis.Nil {
			unprocessed = append(unprocessed, rec)
			continue
		}
		if err == nil {
			existing, gerr := q.GetRequest(ctx, existingID)
			if gerr != nil {
				unprocessed = append(unprocessed, rec)
				continue
			}
			results = append(results, storage.AddRequestResult{
				ID:                existingID,
				WasAlreadyPresent: true,
				WasAlreadyHandled: existing != nil && existing.HandledAt != nil,
			})
			continue
		}

		id := rec.ID
		if id == "" {
			id = types.NewRequestRecordID()
		}
		rec.ID = id
		data, err := json.Marshal(rec)
		if err != nil {
			unprocessed = append(unprocessed, rec)
			continue
		}

		pipe := q.c.rdb.TxPipeline()
		pipe.HSet(ctx, q.recordsKey(), id, data)
		pipe.HSetNX(ctx, q.dedupKey(), rec.UniqueKey, id)
		if forefront {
			pipe.LPush(ctx, q.orderKey(), id)
		} else {
			pipe.RPush(ctx, q.orderKey(), id)
		}
		pipe.HSet(ctx, q.metaKey(), "modifiedAt", time.Now().Format(time.RFC3339Nano))
		if _, err := pipe.Exec(ctx); err != nil {
			unprocessed = append(unprocessed, rec)
			continue
		}
		results = append(results, storage.AddRequestResult{ID: id})
	}
	return results, unprocessed, nil
}

func (q *requestQueue) GetRequest(ctx context.Context, id string) (*storage.QueueRecord, error) {
	data, err := q.c.rdb.HGet(ctx, q.recordsKey(), id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, &storage.StorageError{Backend: "redisstore", Op: "GetRequest", Err: err}
	}
	var rec storage.QueueRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &storage.StorageError{Backend: "redisstore", Op: "GetRequest", Err: err}
	}
	return &rec, nil
}

func (q *requestQueue) UpdateRequest(ctx context.Context, rec storage.QueueRecord, forefront bool) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return &storage.StorageError{Backend: "redisstore", Op: "UpdateRequest", Err: err}
	}
	pipe := q.c.rdb.TxPipeline()
	pipe.HSet(ctx, q.recordsKey(), rec.ID, data)
	if forefront {
		pipe.LRem(ctx, q.orderKey(), 0, rec.ID)
		pipe.LPush(ctx, q.orderKey(), rec.ID)
	}
	pipe.HSet(ctx, q.metaKey(), "modifiedAt", time.Now().Format(time.RFC3339Nano))
	if _, err := pipe.Exec(ctx); err != nil {
		return &storage.StorageError{Backend: "redisstore", Op: "UpdateRequest", Err: err}
	}
	return nil
}

func (q *requestQueue) ListHead(ctx context.Context, limit int) (storage.ListHeadResult, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.c.rdb.LRange(ctx, q.orderKey(), 0, int64(limit*2-1)).Result()
	if err != nil {
		return storage.ListHeadResult{}, &storage.StorageError{Backend: "redisstore", Op: "ListHead", Err: err}
	}

	var out []storage.QueueRecord
	for _, id := range ids {
		rec, err := q.GetRequest(ctx, id)
		if err != nil || rec == nil || rec.HandledAt != nil {
			continue
		}
		out = append(out, *rec)
		if len(out) >= limit {
			break
		}
	}

	modifiedAt := time.Now()
	if ts, err := q.c.rdb.HGet(ctx, q.metaKey(), "modifiedAt").Result(); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			modifiedAt = t
		}
	}

	clientCount, _ := q.c.rdb.SCard(ctx, q.clientsKey()).Result()
	return storage.ListHeadResult{
		Items:              out,
		QueueModifiedAt:    modifiedAt,
		HadMultipleClients: clientCount > 1,
	}, nil
}

func (q *requestQueue) HandledCount(ctx context.Context) (int, error) {
	ids, err := q.c.rdb.HKeys(ctx, q.recordsKey()).Result()
	if err != nil {
		return 0, &storage.StorageError{Backend: "redisstore", Op: "HandledCount", Err: err}
	}
	n := 0
	for _, id := range ids {
		rec, err := q.GetRequest(ctx, id)
		if err == nil && rec != nil && rec.HandledAt != nil {
			n++
		}
	}
	return n, nil
}

func (q *requestQueue) Get(ctx context.Context) (storage.Metadata, error) {
	meta := storage.Metadata{ID: q.name, Name: q.name}
	if ts, err := q.c.rdb.HGet(ctx, q.metaKey(), "modifiedAt").Result(); err == nil {
		meta.ModifiedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return meta, nil
}

func (q *requestQueue) Delete(ctx context.Context) error {
	if err := q.c.rdb.Del(ctx, q.orderKey(), q.recordsKey(), q.dedupKey(), q.clientsKey(), q.metaKey()).Err(); err != nil {
		return &storage.StorageError{Backend: "redisstore", Op: "Delete", Err: err}
	}
	return nil
}

type queueRegistry Client

func (r *queueRegistry) List(ctx context.Context) ([]storage.Metadata, error) {
	return nil, fmt.Errorf("redisstore: listing all request queues is not supported, fetch by name")
}

// GetOrCreate registers the calling client id in the queue's clients set
// (30s TTL, set here and not refreshed) so ListHead can
// report HadMultipleClients — the signal RequestQueue.isFinished() needs to
// stay conservative when more than one process shares this queue.
func (r *queueRegistry) GetOrCreate(ctx context.Context, name string) (storage.RequestQueueBackend, error) {
	q := &requestQueue{c: (*Client)(r), name: name}
	clientID := types.NewSessionID()
	if err := q.c.rdb.SAdd(ctx, q.clientsKey(), clientID).Err(); err == nil {
		q.c.rdb.Expire(ctx, q.clientsKey(), 30*time.Second)
	}
	return q, nil
}
