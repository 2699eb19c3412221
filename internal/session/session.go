// Package session implements Session and SessionPool (spec §4.3): rotating
// holders of cookies, a proxy assignment, and a per-domain politeness
// limiter. Grounded on the teacher's SessionManager (per-domain cookie
// jars, internal/fetcher/session.go) and ProxyManager (rotation,
// internal/fetcher/proxy.go), merged into one rotating unit the way the
// spec's crawling context expects, with golang.org/x/time/rate replacing
// the teacher's domainThrottle time.Sleep for politeness.
package session

import (
	"context"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/crawlcore/crawlcore/internal/types"
)

// Session holds per-identity state a crawl rotates through: cookies, an
// optional proxy, and an error/usage budget that governs retirement.
type Session struct {
	mu sync.Mutex

	ID       string
	UserData map[string]any

	jar       *cookiejar.Jar
	proxyURL  *url.URL
	limiter   *rate.Limiter

	usageCount    int
	maxUsageCount int
	errorScore    int
	maxErrorScore int

	retired   bool
	createdAt time.Time
	expiresAt time.Time
}

// Config controls a single session's budget and politeness rate.
type Config struct {
	MaxUsageCount    int
	MaxErrorScore    int
	MaxAgeSeconds    int
	RequestsPerSecond float64 // 0 disables throttling
	ProxyURL         *url.URL
}

func newSession(cfg Config) *Session {
	jar, _ := cookiejar.New(nil)
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	maxAge := cfg.MaxAgeSeconds
	if maxAge <= 0 {
		maxAge = 3000 // ~50 minutes, matches common default session lifetimes
	}
	maxUsage := cfg.MaxUsageCount
	if maxUsage <= 0 {
		maxUsage = 50
	}
	maxErrors := cfg.MaxErrorScore
	if maxErrors <= 0 {
		maxErrors = 3
	}
	return &Session{
		ID:            types.NewSessionID(),
		UserData:      make(map[string]any),
		jar:           jar,
		proxyURL:      cfg.ProxyURL,
		limiter:       limiter,
		maxUsageCount: maxUsage,
		maxErrorScore: maxErrors,
		createdAt:     time.Now(),
		expiresAt:     time.Now().Add(time.Duration(maxAge) * time.Second),
	}
}

// Jar returns the cookie jar this session carries across requests.
func (s *Session) Jar() *cookiejar.Jar { return s.jar }

// ProxyURL returns the proxy assigned to this session, if any.
func (s *Session) ProxyURL() *url.URL { return s.proxyURL }

// Wait blocks until this session's politeness limiter admits one request.
func (s *Session) Wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

// IsUsable reports whether the session may still be handed out: not
// retired, not expired, and under its usage budget.
func (s *Session) IsUsable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retired {
		return false
	}
	if time.Now().After(s.expiresAt) {
		return false
	}
	return s.usageCount < s.maxUsageCount
}

// IsRetired reports whether the session has been retired.
func (s *Session) IsRetired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retired
}

// MarkGood records a successful use, easing the error score back down so a
// session that recovers from an intermittent failure isn't punished forever
// by it.
func (s *Session) MarkGood() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usageCount++
	if s.errorScore > 0 {
		s.errorScore--
	}
	if s.usageCount >= s.maxUsageCount {
		s.retired = true
	}
}

// MarkBad increments the error score, retiring the session once it
// reaches maxErrorScore.
func (s *Session) MarkBad() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usageCount++
	s.errorScore++
	if s.errorScore >= s.maxErrorScore {
		s.retired = true
	}
}

// Retire unconditionally marks the session retired (e.g. on a blocked
// response).
func (s *Session) Retire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retired = true
}

// RetireOnBlockedStatusCodes retires the session if statusCode is in the
// configured blocked set, returning whether it did. The crawler uses the
// return value to decide whether to raise a BlockedError.
func (s *Session) RetireOnBlockedStatusCodes(statusCode int, blockedCodes map[int]bool) bool {
	if !blockedCodes[statusCode] {
		return false
	}
	s.Retire()
	return true
}
