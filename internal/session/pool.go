package session

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/url"
	"sync"

	"github.com/crawlcore/crawlcore/internal/storage"
	"github.com/crawlcore/crawlcore/internal/types"
)

// EventRetired is the payload delivered to on-retire handlers.
type EventRetired struct {
	SessionID string
	Reason    string
}

// PoolConfig controls pool sizing and the per-session budgets it hands out.
type PoolConfig struct {
	MaxPoolSize       int
	SessionConfig     Config
	BlockedStatusCodes []int
	ProxyURLs         []string
	ProxyRotation     string // "round_robin" (default) or "random"
}

// Pool is a rotating collection of Sessions: callers ask for one via
// GetSession, using weighted-random selection across active sessions to
// encourage rotation rather than pinning to the newest (spec §4.3).
// Grounded on the teacher's ProxyManager rotation strategies
// (internal/fetcher/proxy.go), generalized from "pick a proxy" to "pick a
// session that bundles a proxy, a cookie jar, and a budget."
type Pool struct {
	mu       sync.Mutex
	sessions []*Session
	cfg      PoolConfig

	blockedCodes map[int]bool
	proxyIdx     int

	retireHandlers []func(EventRetired)
	kvStore        storage.KeyValueStore
}

// NewPool constructs an empty session pool.
func NewPool(cfg PoolConfig, kvStore storage.KeyValueStore) *Pool {
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = 1000
	}
	blocked := make(map[int]bool, len(cfg.BlockedStatusCodes))
	for _, c := range cfg.BlockedStatusCodes {
		blocked[c] = true
	}
	if len(blocked) == 0 {
		for _, c := range []int{401, 403, 429} {
			blocked[c] = true
		}
	}
	return &Pool{cfg: cfg, blockedCodes: blocked, kvStore: kvStore}
}

func (p *Pool) nextProxy() *url.URL {
	if len(p.cfg.ProxyURLs) == 0 {
		return nil
	}
	var raw string
	if p.cfg.ProxyRotation == "random" {
		raw = p.cfg.ProxyURLs[rand.Intn(len(p.cfg.ProxyURLs))]
	} else {
		raw = p.cfg.ProxyURLs[p.proxyIdx%len(p.cfg.ProxyURLs)]
		p.proxyIdx++
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	return u
}

// GetSession returns a session, creating a new one while under
// MaxPoolSize if none is eligible, else picking a random non-retired
// session to encourage rotation.
func (p *Pool) GetSession() (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.evictRetiredLocked()

	usable := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		if s.IsUsable() {
			usable = append(usable, s)
		}
	}

	if len(usable) == 0 && len(p.sessions) < p.cfg.MaxPoolSize {
		sessCfg := p.cfg.SessionConfig
		sessCfg.ProxyURL = p.nextProxy()
		s := newSession(sessCfg)
		p.sessions = append(p.sessions, s)
		return s, nil
	}
	if len(usable) == 0 {
		return nil, types.ErrSessionPoolEmpty
	}

	return usable[rand.Intn(len(usable))], nil
}

func (p *Pool) evictRetiredLocked() {
	live := p.sessions[:0]
	for _, s := range p.sessions {
		if s.IsRetired() {
			p.emitRetired(EventRetired{SessionID: s.ID, Reason: "retired"})
			continue
		}
		live = append(live, s)
	}
	p.sessions = live
}

func (p *Pool) emitRetired(ev EventRetired) {
	for _, h := range p.retireHandlers {
		h(ev)
	}
}

// OnSessionRetired registers a handler invoked whenever a session is
// evicted from the pool.
func (p *Pool) OnSessionRetired(h func(EventRetired)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retireHandlers = append(p.retireHandlers, h)
}

// RetireOnBlockedStatusCodes retires sess if statusCode falls in the
// pool's configured blocked set.
func (p *Pool) RetireOnBlockedStatusCodes(sess *Session, statusCode int) bool {
	retired := sess.RetireOnBlockedStatusCodes(statusCode, p.blockedCodes)
	if retired {
		p.mu.Lock()
		p.emitRetired(EventRetired{SessionID: sess.ID, Reason: "blocked"})
		p.mu.Unlock()
	}
	return retired
}

type poolState struct {
	ActiveCount  int `json:"activeCount"`
	RetiredCount int `json:"retiredCount"`
}

// PersistState writes a lightweight summary of pool occupancy. Individual
// sessions (cookies, proxies) are not restorable across restarts — a fresh
// crawl simply creates new ones, matching the teacher's session manager
// which never persisted jars either.
func (p *Pool) PersistState(ctx context.Context, name string) error {
	if p.kvStore == nil || name == "" {
		return nil
	}
	p.mu.Lock()
	state := poolState{}
	for _, s := range p.sessions {
		if s.IsRetired() {
			state.RetiredCount++
		} else {
			state.ActiveCount++
		}
	}
	p.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return p.kvStore.SetRecord(ctx, storage.Record{Key: "session-pool-state-" + name, Value: data, ContentType: "application/json"})
}

// Teardown retires every session the pool is holding.
func (p *Pool) Teardown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		s.Retire()
	}
	p.sessions = nil
}

// Size reports how many sessions (active and retired) the pool is tracking
// before the next eviction pass.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}
