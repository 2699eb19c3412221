// Package events implements the small pub-sub bus the crawler's components
// use to react to lifecycle signals (spec: Config & Event bus). Grounded
// on the teacher's engine.State transitions and pause/resume channels
// (internal/engine/engine.go), generalized into a named-topic bus so
// SessionPool, Statistics, and RequestList can each subscribe
// independently instead of the engine calling each by hand.
package events

import "sync"

// Name identifies an event topic.
type Name string

const (
	Migrating    Name = "MIGRATING"
	Aborting     Name = "ABORTING"
	PersistState Name = "PERSIST_STATE"
	SystemInfo   Name = "SYSTEM_INFO"
)

// Handler receives an event's payload, whose shape depends on Name.
type Handler func(payload any)

// Bus is a minimal synchronous publish/subscribe dispatcher. Handlers run
// on the publishing goroutine, in registration order — callers doing
// nontrivial work in a handler should hand off to their own goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Name][]Handler
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[Name][]Handler)}
}

// On registers h to run whenever name is published.
func (b *Bus) On(name Name, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Emit publishes payload to every handler registered for name.
func (b *Bus) Emit(name Name, payload any) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[name]...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(payload)
	}
}
