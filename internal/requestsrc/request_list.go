// Package requestsrc holds the two request sources the core pulls work
// from: RequestList, a frozen ordered sequence, and RequestQueue, a
// persistent deduplicated multiset. Grounded on the teacher's Frontier
// (internal/engine/frontier.go) for the in-memory bookkeeping idiom —
// mutex-guarded slices with a condition variable for blocking consumers —
// generalized to the cursor/reclaim/persistence semantics the sources
// need here.
package requestsrc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/crawlcore/crawlcore/internal/storage"
	"github.com/crawlcore/crawlcore/internal/types"
)

// RequestList is a finite, immutable-after-construction sequence of
// requests with a resumable cursor. It is not a back-pressure primitive:
// once opened its contents never grow.
type RequestList struct {
	mu        sync.Mutex
	name      string
	sources   []*types.Request
	nextIndex int
	reclaimed []*types.Request
	handled   map[string]bool // uniqueKey -> handled
	kvStore   storage.KeyValueStore
}

type requestListState struct {
	NextIndex     int      `json:"nextIndex"`
	ReclaimedKeys []string `json:"reclaimed"`
	HandledKeys   []string `json:"handled"`
}

// Open constructs a RequestList from sources in the given order. name
// identifies the persisted state record; an empty name is allowed but
// PersistState will then fail with a PersistenceError, per contract.
func Open(name string, sources []*types.Request, kvStore storage.KeyValueStore) *RequestList {
	return &RequestList{
		name:    name,
		sources: sources,
		handled: make(map[string]bool),
		kvStore: kvStore,
	}
}

// Restore reopens a RequestList and replays previously persisted cursor
// state, so a resumed crawl continues from the next un-handled index.
func Restore(ctx context.Context, name string, sources []*types.Request, kvStore storage.KeyValueStore) (*RequestList, error) {
	rl := Open(name, sources, kvStore)
	if kvStore == nil || name == "" {
		return rl, nil
	}
	rec, err := kvStore.GetRecord(ctx, stateKey(name))
	if err != nil {
		return nil, &storage.StorageError{Backend: "requestsrc", Op: "RequestList.Restore", Err: err}
	}
	if rec == nil {
		return rl, nil
	}
	var state requestListState
	if err := json.Unmarshal(rec.Value, &state); err != nil {
		return nil, &storage.StorageError{Backend: "requestsrc", Op: "RequestList.Restore", Err: err}
	}

	rl.nextIndex = state.NextIndex
	for _, key := range state.HandledKeys {
		rl.handled[key] = true
	}
	byKey := make(map[string]*types.Request, len(sources))
	for _, req := range sources {
		byKey[req.UniqueKey] = req
	}
	for _, key := range state.ReclaimedKeys {
		if req, ok := byKey[key]; ok {
			rl.reclaimed = append(rl.reclaimed, req)
		}
	}
	return rl, nil
}

func stateKey(name string) string { return "request-list-state-" + name }

// FetchNextRequest returns the next request to process: reclaimed requests
// re-emerge before unseen ones, preserving source order among the latter.
func (rl *RequestList) FetchNextRequest() *types.Request {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if len(rl.reclaimed) > 0 {
		req := rl.reclaimed[0]
		rl.reclaimed = rl.reclaimed[1:]
		return req
	}
	for rl.nextIndex < len(rl.sources) {
		req := rl.sources[rl.nextIndex]
		rl.nextIndex++
		if rl.handled[req.UniqueKey] {
			continue
		}
		return req
	}
	return nil
}

// MarkRequestHandled records a request as terminally processed.
func (rl *RequestList) MarkRequestHandled(req *types.Request) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	req.MarkHandled()
	rl.handled[req.UniqueKey] = true
}

// ReclaimRequest returns a request to the front of the pending set so it
// is retried before unseen sources.
func (rl *RequestList) ReclaimRequest(req *types.Request) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.reclaimed = append(rl.reclaimed, req)
}

// IsEmpty reports whether there is nothing left to hand out right now.
func (rl *RequestList) IsEmpty() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.reclaimed) > 0 {
		return false
	}
	for i := rl.nextIndex; i < len(rl.sources); i++ {
		if !rl.handled[rl.sources[i].UniqueKey] {
			return false
		}
	}
	return true
}

// IsFinished reports whether every source has reached a terminal state.
// Unlike IsEmpty it also requires nothing in-flight (every source marked
// handled, none reclaimed), i.e. there is truly nothing left to do, ever.
func (rl *RequestList) IsFinished() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.reclaimed) > 0 {
		return false
	}
	for _, req := range rl.sources {
		if !rl.handled[req.UniqueKey] {
			return false
		}
	}
	return true
}

// PersistState writes the cursor, reclaimed set, and handled set to the
// configured key-value store.
func (rl *RequestList) PersistState(ctx context.Context) error {
	rl.mu.Lock()
	if rl.name == "" {
		rl.mu.Unlock()
		return &types.PersistenceError{Reason: "RequestList.PersistState called with no name"}
	}
	if rl.kvStore == nil {
		rl.mu.Unlock()
		return nil
	}

	state := requestListState{NextIndex: rl.nextIndex}
	for _, req := range rl.reclaimed {
		state.ReclaimedKeys = append(state.ReclaimedKeys, req.UniqueKey)
	}
	for key := range rl.handled {
		state.HandledKeys = append(state.HandledKeys, key)
	}
	rl.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal request list state: %w", err)
	}
	if err := rl.kvStore.SetRecord(ctx, storage.Record{Key: stateKey(rl.name), Value: data, ContentType: "application/json"}); err != nil {
		return &storage.StorageError{Backend: "requestsrc", Op: "RequestList.PersistState", Err: err}
	}
	return nil
}

// Length returns the total number of sources this list was opened with.
func (rl *RequestList) Length() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.sources)
}

// HandledCount returns how many sources have reached a terminal state.
func (rl *RequestList) HandledCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.handled)
}
