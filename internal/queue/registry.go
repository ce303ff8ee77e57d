package queue

import (
	"sync"
	"time"
)

// DefaultRaceWindow is how long a cancellation suppresses re-processing of a dequeued item
const DefaultRaceWindow = 2 * time.Second

// Registry records recently cancelled items so a dequeue racing with a cancellation
// does not execute them. Entries are removed when the item is observed or expire.
type Registry struct {
	mu      sync.Mutex
	entries map[Key]time.Time
	now     func() time.Time
}

// NewRegistry creates an empty cancellation registry
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[Key]time.Time),
		now:     time.Now,
	}
}

// Cancel records a cancellation for the key
func (r *Registry) Cancel(key Key) {
	r.mu.Lock()
	r.entries[key] = r.now()
	r.mu.Unlock()
}

// CancelledAt returns when the key was cancelled
func (r *Registry) CancelledAt(key Key) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.entries[key]
	return at, ok
}

// CancelledWithin reports whether the key was cancelled within the window
func (r *Registry) CancelledWithin(key Key, window time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.entries[key]
	return ok && r.now().Sub(at) <= window
}

// Clear removes the entry for the key and reports whether it existed
func (r *Registry) Clear(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	delete(r.entries, key)
	return ok
}

// Purge drops entries older than maxAge and returns how many were removed
func (r *Registry) Purge(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-maxAge)
	removed := 0
	for key, at := range r.entries {
		if at.Before(cutoff) {
			delete(r.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked cancellations
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
