// Package mongostore is the Dataset storage backend for MongoDB: the
// scale-out answer for crawl output too large or too long-lived for
// localstore's per-file JSON layout. Grounded on the teacher's
// internal/storage/database.go (MongoStorage), generalized from a
// single fire-and-forget item sink into the ordered, paginated
// storage.Dataset contract.
package mongostore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/crawlcore/crawlcore/internal/storage"
)

// Client is the Mongo-backed storage.Datasets implementation. It does not
// implement KeyValueStores or RequestQueues: those need the low-latency
// random access a crawl loop hits on every tick, which a document
// collection serves poorly compared to localstore/redisstore.
type Client struct {
	mongo  *mongo.Client
	dbName string
	logger *slog.Logger

	mu       sync.Mutex
	datasets map[string]*dataset
}

// Connect dials MongoDB at uri and returns a dataset-only storage client.
func Connect(ctx context.Context, uri, dbName string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err := client.Ping(dialCtx, nil); err != nil {
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}

	return &Client{
		mongo:    client,
		dbName:   dbName,
		logger:   logger.With("component", "mongostore"),
		datasets: make(map[string]*dataset),
	}, nil
}

// Close disconnects the underlying Mongo client.
func (c *Client) Close(ctx context.Context) error {
	return c.mongo.Disconnect(ctx)
}

func (c *Client) Datasets() storage.Datasets { return (*datasetRegistry)(c) }

// KeyValueStores and RequestQueues satisfy storage.Client; every call
// returns errRandomAccessUnsupported (see the package doc comment).
func (c *Client) KeyValueStores() storage.KeyValueStores { return unsupportedKV{} }
func (c *Client) RequestQueues() storage.RequestQueues   { return unsupportedQueues{} }

var errRandomAccessUnsupported = fmt.Errorf("mongostore: KeyValueStores/RequestQueues are not supported, use localstore or redisstore")

type unsupportedKV struct{}

func (unsupportedKV) List(ctx context.Context) ([]storage.Metadata, error) {
	return nil, errRandomAccessUnsupported
}

func (unsupportedKV) GetOrCreate(ctx context.Context, name string) (storage.KeyValueStore, error) {
	return nil, errRandomAccessUnsupported
}

type unsupportedQueues struct{}

func (unsupportedQueues) List(ctx context.Context) ([]storage.Metadata, error) {
	return nil, errRandomAccessUnsupported
}

func (unsupportedQueues) GetOrCreate(ctx context.Context, name string) (storage.RequestQueueBackend, error) {
	return nil, errRandomAccessUnsupported
}

type sequenceDoc struct {
	ID  string `bson:"_id"`
	Seq int64  `bson:"seq"`
}

type itemDoc struct {
	Seq   int64 `bson:"_seq"`
	Value any   `bson:"value"`
}

type dataset struct {
	mu         sync.Mutex
	name       string
	meta       storage.Metadata
	collection *mongo.Collection
	seqColl    *mongo.Collection
	logger     *slog.Logger
}

func (d *dataset) nextSeq(ctx context.Context) (int64, error) {
	res := d.seqColl.FindOneAndUpdate(
		ctx,
		bson.M{"_id": d.name},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	)
	var doc sequenceDoc
	if err := res.Decode(&doc); err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

func (d *dataset) PushItems(ctx context.Context, items []any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	docs := make([]any, 0, len(items))
	for _, item := range items {
		seq, err := d.nextSeq(ctx)
		if err != nil {
			return &storage.StorageError{Backend: "mongostore", Op: "PushItems", Err: err}
		}
		docs = append(docs, itemDoc{Seq: seq, Value: item})
	}

	insertCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := d.collection.InsertMany(insertCtx, docs); err != nil {
		return &storage.StorageError{Backend: "mongostore", Op: "PushItems", Err: fmt.Errorf("mongodb insert: %w", err)}
	}
	d.meta.ModifiedAt = time.Now()
	d.logger.Debug("items stored in mongodb", "count", len(items), "dataset", d.name)
	return nil
}

func (d *dataset) ListItems(ctx context.Context, opts storage.ListItemsOptions) ([]any, error) {
	sortDir := 1
	if opts.Desc {
		sortDir = -1
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "_seq", Value: sortDir}})
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}

	cur, err := d.collection.Find(ctx, bson.M{}, findOpts)
	if err != nil {
		return nil, &storage.StorageError{Backend: "mongostore", Op: "ListItems", Err: err}
	}
	defer cur.Close(ctx)

	var out []any
	for cur.Next(ctx) {
		var doc itemDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, &storage.StorageError{Backend: "mongostore", Op: "ListItems", Err: err}
		}
		out = append(out, doc.Value)
	}
	return out, cur.Err()
}

func (d *dataset) Get(_ context.Context) (storage.Metadata, error) {
	return d.meta, nil
}

func (d *dataset) Delete(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.collection.Drop(ctx); err != nil {
		return &storage.StorageError{Backend: "mongostore", Op: "Delete", Err: err}
	}
	_, err := d.seqColl.DeleteOne(ctx, bson.M{"_id": d.name})
	return err
}

type datasetRegistry Client

func (r *datasetRegistry) List(ctx context.Context) ([]storage.Metadata, error) {
	c := (*Client)(r)
	names, err := c.mongo.Database(c.dbName).ListCollectionNames(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	out := make([]storage.Metadata, 0, len(names))
	for _, name := range names {
		if name == "_dataset_sequences" {
			continue
		}
		out = append(out, storage.Metadata{ID: name, Name: name})
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
	db := c.mongo.Database(c.dbName)
	d := &dataset{
		name:       name,
		meta:       storage.Metadata{ID: name, Name: name, CreatedAt: time.Now(), ModifiedAt: time.Now()},
		collection: db.Collection(name),
		seqColl:    db.Collection("_dataset_sequences"),
		logger:     c.logger,
	}
	c.datasets[name] = d
	return d, nil
}

func (r *datasetRegistry) Get(ctx context.Context, id string) (storage.Dataset, error) {
	return r.GetOrCreate(ctx, id)
}
