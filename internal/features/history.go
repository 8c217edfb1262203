package features

import (
	"sync"

	"github.com/1sec-project/sectriage/internal/core"
)

// DefaultHistorySize bounds a History built with a non-positive size.
const DefaultHistorySize = 1000

// History is the bounded, insertion-ordered record of recently seen events
// that frequency and behavioral features are computed against. One History
// belongs to one pipeline; feature values depend on the order events are
// appended.
type History struct {
	mu     sync.RWMutex
	events []core.Event
	max    int
}

// NewHistory creates an empty history holding at most max events.
func NewHistory(max int) *History {
	if max <= 0 {
		max = DefaultHistorySize
	}
	return &History{
		events: make([]core.Event, 0, max),
		max:    max,
	}
}

// Append adds ev and evicts the oldest entries beyond the bound.
func (h *History) Append(ev core.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	if over := len(h.events) - h.max; over > 0 {
		// Shift in place so the backing array does not grow without bound.
		n := copy(h.events, h.events[over:])
		clear(h.events[n:])
		h.events = h.events[:n]
	}
}

// Recent returns up to n of the newest events, oldest first.
func (h *History) Recent(n int) []core.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n > len(h.events) || n < 0 {
		n = len(h.events)
	}
	out := make([]core.Event, n)
	copy(out, h.events[len(h.events)-n:])
	return out
}

// Len returns the number of stored events.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.events)
}

// Cap returns the configured bound.
func (h *History) Cap() int {
	return h.max
}

// Reset drops every stored event.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.events)
	h.events = h.events[:0]
}
