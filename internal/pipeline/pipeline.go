// Package pipeline chains item post-processors the way the teacher's item
// pipeline does (internal/pipeline/pipeline.go), generalized here to the
// small set of stages cmd/crawlcore's example handler actually needs:
// trimming extracted text, dropping incomplete records, and deduplicating
// on a caller-chosen key. The elaborate field-rename/filter/default-value
// stages the teacher carries for a general-purpose scraper are scraping
// quality features orthogonal to the crawl scheduling core (see
// DESIGN.md) and are not reproduced here.
package pipeline

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/crawlcore/crawlcore/internal/types"
)

// Middleware processes an item and returns the (possibly modified) item.
// Return nil to drop the item from the pipeline.
type Middleware interface {
	Name() string
	Process(item *types.Item) (*types.Item, error)
}

// StageError wraps the error a middleware returned, naming which stage
// failed and the item it was processing when it did.
type StageError struct {
	Stage string
	Item  *types.Item
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline stage %q failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Pipeline chains middleware processors together, running an item through
// each registered stage in turn until one drops it or every stage has run.
type Pipeline struct {
	middlewares []Middleware
	logger      *slog.Logger
}

// New creates a new Pipeline.
func New(logger *slog.Logger) *Pipeline {
	return &Pipeline{logger: logger.With("component", "pipeline")}
}

// Use adds a middleware to the pipeline chain.
func (p *Pipeline) Use(mw Middleware) {
	p.middlewares = append(p.middlewares, mw)
	p.logger.Debug("middleware added", "name", mw.Name(), "position", len(p.middlewares))
}

// Process runs the item through all middleware in order. A nil result with
// a nil error means a stage intentionally dropped the item.
func (p *Pipeline) Process(item *types.Item) (*types.Item, error) {
	current := item
	for _, mw := range p.middlewares {
		result, err := mw.Process(current)
		if err != nil {
			return nil, &StageError{Stage: mw.Name(), Item: current, Err: err}
		}
		if result == nil {
			p.logger.Debug("item dropped", "stage", mw.Name(), "url", item.URL)
			return nil, nil
		}
		current = result
	}
	return current, nil
}

// Len returns the number of middleware in the chain.
func (p *Pipeline) Len() int { return len(p.middlewares) }

// RequiredFieldsMiddleware drops items missing any of the named
// non-empty fields.
type RequiredFieldsMiddleware struct {
	Fields []string
}

func (m *RequiredFieldsMiddleware) Name() string { return "required_fields" }

func (m *RequiredFieldsMiddleware) Process(item *types.Item) (*types.Item, error) {
	for _, field := range m.Fields {
		val, ok := item.Get(field)
		if !ok || val == nil {
			return nil, nil
		}
		if s, isString := val.(string); isString && strings.TrimSpace(s) == "" {
			return nil, nil
		}
	}
	return item, nil
}

// DedupMiddleware drops items whose value at key has already been seen,
// falling back to the item's source URL when the field is absent.
type DedupMiddleware struct {
	mu   sync.Mutex
	seen map[string]struct{}
	key  string
}

func NewDedupMiddleware(key string) *DedupMiddleware {
	return &DedupMiddleware{seen: make(map[string]struct{}), key: key}
}

func (m *DedupMiddleware) Name() string { return "dedup" }

func (m *DedupMiddleware) Process(item *types.Item) (*types.Item, error) {
	val := item.GetString(m.key)
	if val == "" {
		val = item.URL
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.seen[val]; exists {
		return nil, nil
	}
	m.seen[val] = struct{}{}
	return item, nil
}

// TrimMiddleware trims whitespace from all string fields.
type TrimMiddleware struct{}

func (m *TrimMiddleware) Name() string { return "trim" }

func (m *TrimMiddleware) Process(item *types.Item) (*types.Item, error) {
	for _, key := range item.Keys() {
		if s := item.GetString(key); s != "" {
			item.Set(key, strings.TrimSpace(s))
		}
	}
	return item, nil
}
