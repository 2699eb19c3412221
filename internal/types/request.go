package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FetcherType selects which NavigationHandler services a request when more
// than one is registered with the crawler.
type FetcherType string

const (
	FetcherHTTP    FetcherType = "http"
	FetcherBrowser FetcherType = "browser"
)

// Request is one unit of crawl work. Identity is UniqueKey, not ID: two
// requests sharing a UniqueKey are the same request for queue-membership
// purposes (spec §3). ID is assigned by the queue on first insert and is
// stable thereafter; once HandledAt is set the request is terminal.
type Request struct {
	ID        string
	UniqueKey string

	URL       *url.URL
	LoadedURL *url.URL // populated after redirects are followed
	Method    string
	Payload   []byte
	Headers   http.Header
	UserData  map[string]any

	Depth       int
	FetcherType FetcherType

	RetryCount int
	NoRetry    bool
	MaxRetries int

	ErrorMessages []string
	HandledAt     *time.Time

	ParentURL string
	CreatedAt time.Time
}

// Label reads the routing tag conventionally stashed in UserData["label"],
// letting a handler dispatch on request kind without a typed field.
func (r *Request) Label() string {
	if r.UserData == nil {
		return ""
	}
	if v, ok := r.UserData["label"].(string); ok {
		return v
	}
	return ""
}

// NewRequest builds a GET Request with a derived UniqueKey.
func NewRequest(rawURL string) (*Request, error) {
	return NewRequestWithMethod(rawURL, http.MethodGet, nil)
}

// NewRequestWithMethod builds a Request for an arbitrary method and payload.
// A GET constructed with a non-nil payload is rejected: that combination
// cannot round-trip through HTTP semantics, so a clean implementation
// rejects it up front rather than silently dropping the body (resolves the
// "maybeStringify" open question from spec §9 — see SPEC_FULL.md §7).
func NewRequestWithMethod(rawURL, method string, payload []byte) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &ValidationError{Field: "url", Err: fmt.Errorf("invalid URL %q: %w", rawURL, err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &ValidationError{Field: "url", Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)
	if method == http.MethodGet && len(payload) > 0 {
		return nil, &ValidationError{Field: "payload", Err: fmt.Errorf("GET request may not carry a payload")}
	}

	req := &Request{
		Method:      method,
		URL:         u,
		Payload:     payload,
		Headers:     make(http.Header),
		UserData:    make(map[string]any),
		FetcherType: FetcherHTTP,
		MaxRetries:  3,
		CreatedAt:   time.Now(),
	}
	req.UniqueKey = ComputeUniqueKey(method, u.String(), payload)
	return req, nil
}

// ComputeUniqueKey derives the default deduplication identity: the
// canonicalized URL for GET, or method+URL+payload digest otherwise.
func ComputeUniqueKey(method, rawURL string, payload []byte) string {
	canonical := CanonicalizeURL(rawURL)
	method = strings.ToUpper(method)
	if method == http.MethodGet || method == "" {
		return canonical
	}
	h := sha256.Sum256(payload)
	return fmt.Sprintf("%s:%s:%s", method, canonical, hex.EncodeToString(h[:8]))
}

// CanonicalizeURL normalizes a URL for deduplication: lowercases
// scheme/host, drops the fragment and default port, sorts query
// parameters, and strips a trailing slash (except on the root path).
func CanonicalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	host := u.Hostname()
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		u.Host = host
	}

	if u.RawQuery != "" {
		params := u.Query()
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var sorted []string
		for _, k := range keys {
			vals := append([]string(nil), params[k]...)
			sort.Strings(vals)
			for _, v := range vals {
				sorted = append(sorted, url.QueryEscape(k)+"="+url.QueryEscape(v))
			}
		}
		u.RawQuery = strings.Join(sorted, "&")
	}

	if u.Path != "/" && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	if u.Path == "" {
		u.Path = "/"
	}

	return u.String()
}

// URLString returns the request URL as a string.
func (r *Request) URLString() string {
	if r.URL == nil {
		return ""
	}
	return r.URL.String()
}

// LoadedURLString returns the post-redirect URL, falling back to URL.
func (r *Request) LoadedURLString() string {
	if r.LoadedURL != nil {
		return r.LoadedURL.String()
	}
	return r.URLString()
}

// Domain returns the request's hostname.
func (r *Request) Domain() string {
	if r.URL == nil {
		return ""
	}
	return r.URL.Hostname()
}

// IsHandled reports whether this request reached a terminal state.
func (r *Request) IsHandled() bool {
	return r.HandledAt != nil
}

// MarkHandled stamps the request terminal.
func (r *Request) MarkHandled() {
	now := time.Now()
	r.HandledAt = &now
}

// PushError appends a failure message to the request's history.
func (r *Request) PushError(err error) {
	if err == nil {
		return
	}
	r.ErrorMessages = append(r.ErrorMessages, err.Error())
}

// Clone deep-copies the request, including headers, payload, and user data.
func (r *Request) Clone() *Request {
	clone := *r
	if r.URL != nil {
		u := *r.URL
		clone.URL = &u
	}
	if r.LoadedURL != nil {
		u := *r.LoadedURL
		clone.LoadedURL = &u
	}
	clone.Headers = r.Headers.Clone()
	clone.Payload = append([]byte(nil), r.Payload...)
	clone.ErrorMessages = append([]string(nil), r.ErrorMessages...)
	clone.UserData = make(map[string]any, len(r.UserData))
	for k, v := range r.UserData {
		clone.UserData[k] = v
	}
	if r.HandledAt != nil {
		t := *r.HandledAt
		clone.HandledAt = &t
	}
	return &clone
}

// ValidateUserData rejects values that cannot round-trip through
// persistence (queue backends store UserData as JSON). The teacher's
// upstream had a back-compat path that silently swallowed values JSON
// couldn't encode; we reject eagerly instead (SPEC_FULL.md §7).
func (r *Request) ValidateUserData() error {
	if len(r.UserData) == 0 {
		return nil
	}
	if _, err := json.Marshal(r.UserData); err != nil {
		return &ValidationError{Field: "userData", Err: err}
	}
	return nil
}

// NewSessionID returns a fresh random identifier for a Session.
func NewSessionID() string {
	return uuid.NewString()
}

// NewRequestRecordID returns a fresh random identifier for a queue record.
// Distinct from UniqueKey: this is the backend-assigned primary key.
func NewRequestRecordID() string {
	return uuid.NewString()
}
