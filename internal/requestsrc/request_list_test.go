package requestsrc

import (
	"context"
	"testing"

	"github.com/crawlcore/crawlcore/internal/storage/memstore"
	"github.com/crawlcore/crawlcore/internal/types"
)

func TestRequestListOrderAndReclaim(t *testing.T) {
	sources := []*types.Request{
		mustRequest(t, "https://example.com/1"),
		mustRequest(t, "https://example.com/2"),
		mustRequest(t, "https://example.com/3"),
	}
	rl := Open("list", sources, nil)

	first := rl.FetchNextRequest()
	if first.URLString() != "https://example.com/1" {
		t.Fatalf("expected first source, got %s", first.URLString())
	}
	rl.ReclaimRequest(first)

	// Reclaimed requests re-emerge before unseen sources.
	next := rl.FetchNextRequest()
	if next.URLString() != "https://example.com/1" {
		t.Fatalf("expected reclaimed request to come back first, got %s", next.URLString())
	}
	rl.MarkRequestHandled(next)

	second := rl.FetchNextRequest()
	if second.URLString() != "https://example.com/2" {
		t.Fatalf("expected second source, got %s", second.URLString())
	}
	rl.MarkRequestHandled(second)

	third := rl.FetchNextRequest()
	if third.URLString() != "https://example.com/3" {
		t.Fatalf("expected third source, got %s", third.URLString())
	}
	rl.MarkRequestHandled(third)

	if !rl.IsFinished() {
		t.Error("request list should be finished once every source is handled")
	}
	if rl.FetchNextRequest() != nil {
		t.Error("fetching past the end should return nil")
	}
}

func TestRequestListRestorePersistedCursor(t *testing.T) {
	ctx := context.Background()
	client := memstore.New()
	kv, err := client.KeyValueStores().GetOrCreate(ctx, "default")
	if err != nil {
		t.Fatalf("kv store: %v", err)
	}

	sources := []*types.Request{
		mustRequest(t, "https://example.com/1"),
		mustRequest(t, "https://example.com/2"),
	}
	rl := Open("resumable", sources, kv)

	first := rl.FetchNextRequest()
	rl.MarkRequestHandled(first)
	if err := rl.PersistState(ctx); err != nil {
		t.Fatalf("persist state: %v", err)
	}

	restored, err := Restore(ctx, "resumable", sources, kv)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.HandledCount() != 1 {
		t.Errorf("expected 1 handled request restored, got %d", restored.HandledCount())
	}

	next := restored.FetchNextRequest()
	if next == nil || next.URLString() != "https://example.com/2" {
		t.Fatalf("expected restored cursor to resume at the second source, got %v", next)
	}
}

func TestRequestListPersistWithoutNameFails(t *testing.T) {
	rl := Open("", nil, nil)
	err := rl.PersistState(context.Background())
	if err == nil {
		t.Fatal("expected an error persisting a nameless request list")
	}
	if _, ok := err.(*types.PersistenceError); !ok {
		t.Errorf("expected *types.PersistenceError, got %T", err)
	}
}
