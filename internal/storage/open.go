package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/crawlcore/crawlcore/internal/config"
	"github.com/crawlcore/crawlcore/internal/storage/localstore"
	"github.com/crawlcore/crawlcore/internal/storage/memstore"
	"github.com/crawlcore/crawlcore/internal/storage/mongostore"
	"github.com/crawlcore/crawlcore/internal/storage/redisstore"
)

// Open constructs the Client named by cfg.Storage.Type ("local", "memory",
// "redis", or "mongo"). Redis and Mongo clients only implement the subset
// of Client their backend can serve well (see each subpackage's doc
// comment); callers that need Datasets with a redis-backed queue should
// pair a redisstore RequestQueues/KeyValueStores with a separate Datasets
// implementation.
func Open(ctx context.Context, cfg *config.StorageConfig, logger *slog.Logger) (Client, error) {
	switch cfg.Type {
	case "", "local":
		return localstore.New(cfg.OutputPath, logger)
	case "memory":
		return memstore.New(), nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return redisstore.New(rdb, "crawlcore"), nil
	case "mongo":
		return mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDB, logger)
	default:
		return nil, fmt.Errorf("unknown storage.type %q", cfg.Type)
	}
}
