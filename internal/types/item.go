// Package types holds the data types shared across the crawl core: requests,
// responses, the error taxonomy, and the Item record a request handler's
// extraction step produces. Grounded on the teacher's internal/types/item.go,
// trimmed of the CSV-export path (out of scope for a scheduling core — see
// DESIGN.md) since the only consumer here is the dataset backend, which
// stores Items as JSON.
package types

import (
	"encoding/json"
	"time"
)

// Item is one extracted record a request handler hands to a dataset for
// persistence — the output side of the crawl, as opposed to Request/Response
// which are the input/transport side.
type Item struct {
	// Fields stores the extracted key-value data.
	Fields map[string]any

	// URL is the source page URL this item was extracted from.
	URL string

	// SpiderName identifies which crawl run produced this item.
	SpiderName string

	// Timestamp is when this item was created.
	Timestamp time.Time

	// Depth is the crawl depth at which this item was found.
	Depth int

	// Checksum is a hash of the item content for deduplication.
	Checksum string
}

// NewItem creates a new empty Item from a source URL.
func NewItem(sourceURL string) *Item {
	return &Item{
		Fields:    make(map[string]any),
		URL:       sourceURL,
		Timestamp: time.Now(),
	}
}

// Set sets a field value.
func (i *Item) Set(key string, value any) {
	i.Fields[key] = value
}

// Get retrieves a field value.
func (i *Item) Get(key string) (any, bool) {
	v, ok := i.Fields[key]
	return v, ok
}

// GetString retrieves a field value as a string.
func (i *Item) GetString(key string) string {
	v, ok := i.Fields[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// Has returns true if the field exists.
func (i *Item) Has(key string) bool {
	_, ok := i.Fields[key]
	return ok
}

// Delete removes a field.
func (i *Item) Delete(key string) {
	delete(i.Fields, key)
}

// Keys returns all field names.
func (i *Item) Keys() []string {
	keys := make([]string, 0, len(i.Fields))
	for k := range i.Fields {
		keys = append(keys, k)
	}
	return keys
}

// ToJSON serializes the item to JSON bytes.
func (i *Item) ToJSON() ([]byte, error) {
	return json.Marshal(struct {
		Fields     map[string]any `json:"fields"`
		URL        string         `json:"url"`
		SpiderName string         `json:"spider_name,omitempty"`
		Timestamp  time.Time      `json:"timestamp"`
		Depth      int            `json:"depth"`
	}{
		Fields:     i.Fields,
		URL:        i.URL,
		SpiderName: i.SpiderName,
		Timestamp:  i.Timestamp,
		Depth:      i.Depth,
	})
}

// Clone creates a deep copy of the item.
func (i *Item) Clone() *Item {
	clone := &Item{
		Fields:     make(map[string]any, len(i.Fields)),
		URL:        i.URL,
		SpiderName: i.SpiderName,
		Timestamp:  i.Timestamp,
		Depth:      i.Depth,
		Checksum:   i.Checksum,
	}
	for k, v := range i.Fields {
		clone.Fields[k] = v
	}
	return clone
}
