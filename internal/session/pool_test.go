package session

import (
	"context"
	"testing"

	"github.com/crawlcore/crawlcore/internal/storage/memstore"
	"github.com/crawlcore/crawlcore/internal/types"
)

func TestSessionRetiresOnErrorScore(t *testing.T) {
	s := newSession(Config{MaxErrorScore: 3, MaxUsageCount: 100})
	s.MarkBad()
	s.MarkBad()
	if s.IsRetired() {
		t.Fatal("session should not retire before reaching maxErrorScore")
	}
	s.MarkBad()
	if !s.IsRetired() {
		t.Error("session should retire once errorScore reaches maxErrorScore")
	}
}

func TestSessionRetiresOnUsageBudget(t *testing.T) {
	s := newSession(Config{MaxUsageCount: 2, MaxErrorScore: 100})
	s.MarkGood()
	if s.IsRetired() {
		t.Fatal("session should not retire before its usage budget is exhausted")
	}
	s.MarkGood()
	if !s.IsRetired() {
		t.Error("session should retire once usageCount reaches maxUsageCount")
	}
}

func TestSessionRetireOnBlockedStatusCodes(t *testing.T) {
	s := newSession(Config{MaxUsageCount: 100, MaxErrorScore: 100})
	blocked := map[int]bool{403: true, 429: true}

	if s.RetireOnBlockedStatusCodes(200, blocked) {
		t.Error("a non-blocked status code must not retire the session")
	}
	if s.IsRetired() {
		t.Fatal("session should still be usable")
	}
	if !s.RetireOnBlockedStatusCodes(403, blocked) {
		t.Error("a blocked status code should report that it retired the session")
	}
	if !s.IsRetired() {
		t.Error("session should be retired after a blocked status code")
	}
}

func TestPoolGetSessionReusesUsableSession(t *testing.T) {
	pool := NewPool(PoolConfig{MaxPoolSize: 2, SessionConfig: Config{MaxUsageCount: 100, MaxErrorScore: 100}}, nil)

	s1, err := pool.GetSession()
	if err != nil {
		t.Fatalf("get first session: %v", err)
	}
	s1.MarkGood() // usageCount 1 < maxUsageCount, still usable — the pool hands it out again instead of growing

	s2, err := pool.GetSession()
	if err != nil {
		t.Fatalf("get second session: %v", err)
	}
	if s1.ID != s2.ID {
		t.Fatal("expected the still-usable session to be reused")
	}

	if pool.Size() != 1 {
		t.Fatalf("expected pool size 1, got %d", pool.Size())
	}
}

func TestPoolGetSessionErrorsWhenExhausted(t *testing.T) {
	pool := NewPool(PoolConfig{MaxPoolSize: 1, SessionConfig: Config{MaxUsageCount: 1, MaxErrorScore: 100}}, nil)

	s, err := pool.GetSession()
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	s.expiresAt = s.createdAt // expired but not retired: it keeps the only slot without being eligible

	_, err = pool.GetSession()
	if err != types.ErrSessionPoolEmpty {
		t.Errorf("expected ErrSessionPoolEmpty once the sole session expires, got %v", err)
	}
}

func TestPoolRetireOnBlockedStatusCodesEmitsEvent(t *testing.T) {
	pool := NewPool(PoolConfig{MaxPoolSize: 5, SessionConfig: Config{MaxUsageCount: 100, MaxErrorScore: 100}, BlockedStatusCodes: []int{403}}, nil)

	var retiredReason string
	pool.OnSessionRetired(func(ev EventRetired) { retiredReason = ev.Reason })

	s, err := pool.GetSession()
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !pool.RetireOnBlockedStatusCodes(s, 403) {
		t.Fatal("expected the session to be retired on a blocked status code")
	}
	if retiredReason != "blocked" {
		t.Errorf("expected retire event reason %q, got %q", "blocked", retiredReason)
	}
}

func TestPoolPersistState(t *testing.T) {
	ctx := context.Background()
	client := memstore.New()
	kv, err := client.KeyValueStores().GetOrCreate(ctx, "default")
	if err != nil {
		t.Fatalf("kv store: %v", err)
	}

	pool := NewPool(PoolConfig{MaxPoolSize: 5, SessionConfig: Config{MaxUsageCount: 100, MaxErrorScore: 100}}, kv)
	if _, err := pool.GetSession(); err != nil {
		t.Fatalf("get session: %v", err)
	}

	if err := pool.PersistState(ctx, "mycrawl"); err != nil {
		t.Fatalf("persist state: %v", err)
	}

	rec, err := kv.GetRecord(ctx, "session-pool-state-mycrawl")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a persisted session pool state record")
	}
}
