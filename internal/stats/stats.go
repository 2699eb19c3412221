// Package stats implements Statistics (spec's per-crawl accounting): retry
// histograms, request durations, and periodic persistence, so a resumed
// crawl's totals reflect the whole run rather than just the current
// process's lifetime. Grounded on the teacher's Stats/DomainStats
// (internal/engine/engine.go), generalized from a fire-and-forget
// in-memory snapshot to something PersistState can round-trip through a
// key-value store.
package stats

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crawlcore/crawlcore/internal/storage"
)

// Statistics accumulates counters and timing histograms for one crawl run.
type Statistics struct {
	RequestsFinished atomic.Int64
	RequestsFailed   atomic.Int64
	RequestsRetried  atomic.Int64
	ItemsPersisted   atomic.Int64

	StartedAt time.Time

	mu              sync.Mutex
	retryHistogram  map[int]int64 // retryCount -> occurrences
	durations       []time.Duration
	maxDurationKeep int

	kvStore storage.KeyValueStore
}

// New constructs a Statistics accumulator, optionally persisting snapshots
// to kvStore (nil disables persistence).
func New(kvStore storage.KeyValueStore) *Statistics {
	return &Statistics{
		StartedAt:       time.Now(),
		retryHistogram:  make(map[int]int64),
		maxDurationKeep: 10_000,
		kvStore:         kvStore,
	}
}

// RecordFinished records a successfully handled request, its retry count,
// and how long the handler took.
func (s *Statistics) RecordFinished(retryCount int, duration time.Duration) {
	s.RequestsFinished.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryHistogram[retryCount]++
	if len(s.durations) < s.maxDurationKeep {
		s.durations = append(s.durations, duration)
	}
}

// RecordFailed records a request that exhausted its retry budget.
func (s *Statistics) RecordFailed(retryCount int) {
	s.RequestsFailed.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryHistogram[retryCount]++
}

// RecordRetry records one retry attempt (not yet terminal).
func (s *Statistics) RecordRetry() {
	s.RequestsRetried.Add(1)
}

// RecordItemsPersisted records items written to a Dataset.
func (s *Statistics) RecordItemsPersisted(n int) {
	s.ItemsPersisted.Add(int64(n))
}

// Snapshot is the JSON-serializable view PersistState writes and the CLI
// status endpoint reads.
type Snapshot struct {
	RequestsFinished int64           `json:"requestsFinished"`
	RequestsFailed   int64           `json:"requestsFailed"`
	RequestsRetried  int64           `json:"requestsRetried"`
	ItemsPersisted   int64           `json:"itemsPersisted"`
	RetryHistogram   map[int]int64   `json:"retryHistogram"`
	MeanDurationMs   float64         `json:"meanDurationMs"`
	P95DurationMs    float64         `json:"p95DurationMs"`
	Elapsed          time.Duration   `json:"elapsedNanos"`
}

// Snapshot returns a point-in-time copy of all tracked statistics.
func (s *Statistics) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	hist := make(map[int]int64, len(s.retryHistogram))
	for k, v := range s.retryHistogram {
		hist[k] = v
	}

	mean, p95 := percentiles(s.durations)
	return Snapshot{
		RequestsFinished: s.RequestsFinished.Load(),
		RequestsFailed:   s.RequestsFailed.Load(),
		RequestsRetried:  s.RequestsRetried.Load(),
		ItemsPersisted:   s.ItemsPersisted.Load(),
		RetryHistogram:   hist,
		MeanDurationMs:   mean,
		P95DurationMs:    p95,
		Elapsed:          time.Since(s.StartedAt),
	}
}

func percentiles(durations []time.Duration) (mean, p95 float64) {
	if len(durations) == 0 {
		return 0, 0
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	mean = float64(total.Milliseconds()) / float64(len(sorted))

	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	p95 = float64(sorted[idx].Milliseconds())
	return mean, p95
}

// PersistState writes the current snapshot under name in the configured
// key-value store, matching the periodic persistence a restart resumes
// from.
func (s *Statistics) PersistState(ctx context.Context, name string) error {
	if s.kvStore == nil || name == "" {
		return nil
	}
	data, err := json.Marshal(s.Snapshot())
	if err != nil {
		return err
	}
	return s.kvStore.SetRecord(ctx, storage.Record{Key: "stats-" + name, Value: data, ContentType: "application/json"})
}

// RunPeriodicPersist persists every interval until ctx is canceled.
func (s *Statistics) RunPeriodicPersist(ctx context.Context, name string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.PersistState(ctx, name)
		}
	}
}
