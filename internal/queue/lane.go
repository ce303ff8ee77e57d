package queue

import (
	"errors"
	"sync"

	"github.com/saltyorg/reqflow/internal/media"
)

// DefaultLaneSize is the default capacity of each lane
const DefaultLaneSize = 250

// ErrLaneFull is returned when an admission would exceed the lane capacity
var ErrLaneFull = errors.New("queue is full")

// Lane is a bounded FIFO of queue items. Pushing never blocks.
type Lane struct {
	kind    media.Kind
	mu      sync.Mutex
	items   []Item
	maxSize int
	// signal is poked (non-blocking) whenever an item is pushed
	signal chan struct{}
}

// NewLane creates a lane with the given capacity (DefaultLaneSize when <= 0)
func NewLane(kind media.Kind, maxSize int) *Lane {
	if maxSize <= 0 {
		maxSize = DefaultLaneSize
	}
	return &Lane{
		kind:    kind,
		maxSize: maxSize,
		signal:  make(chan struct{}, 1),
	}
}

// Kind returns the media kind served by the lane
func (l *Lane) Kind() media.Kind {
	return l.kind
}

// TryPush appends an item, returning ErrLaneFull instead of blocking
func (l *Lane) TryPush(item Item) error {
	l.mu.Lock()
	if len(l.items) >= l.maxSize {
		l.mu.Unlock()
		return ErrLaneFull
	}
	l.items = append(l.items, item)
	l.mu.Unlock()
	l.notify()
	return nil
}

// Pop removes and returns the oldest item
func (l *Lane) Pop() (Item, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) == 0 {
		return Item{}, false
	}
	item := l.items[0]
	l.items[0] = Item{}
	l.items = l.items[1:]
	return item, true
}

// Len returns the number of queued items
func (l *Lane) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Full reports whether the lane is at capacity
func (l *Lane) Full() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items) >= l.maxSize
}

// MaxSize returns the lane capacity
func (l *Lane) MaxSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxSize
}

// Resize changes the capacity. When the lane shrinks below its length the newest items are
// removed and returned.
func (l *Lane) Resize(maxSize int) []Item {
	if maxSize <= 0 {
		maxSize = DefaultLaneSize
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxSize = maxSize
	if len(l.items) <= maxSize {
		return nil
	}
	dropped := make([]Item, len(l.items)-maxSize)
	copy(dropped, l.items[maxSize:])
	for i := maxSize; i < len(l.items); i++ {
		l.items[i] = Item{}
	}
	l.items = l.items[:maxSize]
	return dropped
}

// Snapshot returns a copy of the queued items in order
func (l *Lane) Snapshot() []Item {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Item, len(l.items))
	copy(out, l.items)
	return out
}

// DrainAll removes and returns every queued item
func (l *Lane) DrainAll() []Item {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.items
	l.items = nil
	return out
}

// Refill puts items back ahead of anything pushed since the last DrainAll, in order, until the
// lane reaches its capacity. Items that did not fit are returned.
func (l *Lane) Refill(items []Item) []Item {
	if len(items) == 0 {
		return nil
	}
	l.mu.Lock()
	room := max(l.maxSize-len(l.items), 0)
	n := min(room, len(items))
	merged := make([]Item, 0, n+len(l.items))
	merged = append(merged, items[:n]...)
	merged = append(merged, l.items...)
	l.items = merged
	l.mu.Unlock()
	if n > 0 {
		l.notify()
	}
	return items[n:]
}

// Remove drops work items matching the predicate, keeping control messages. Returns the count removed.
func (l *Lane) Remove(match func(*WorkItem) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.items[:0]
	removed := 0
	for _, item := range l.items {
		if !item.IsControl() && item.Work != nil && match(item.Work) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	for i := len(kept); i < len(l.items); i++ {
		l.items[i] = Item{}
	}
	l.items = kept
	return removed
}

// Contains reports whether a work item with the key is queued
func (l *Lane) Contains(key Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, item := range l.items {
		if item.Work != nil && item.Work.Key() == key {
			return true
		}
	}
	return false
}

// HasControl reports whether a control message of the kind is queued
func (l *Lane) HasControl(kind ControlKind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, item := range l.items {
		if item.Control == kind {
			return true
		}
	}
	return false
}

// Signal returns a channel that receives a value after pushes
func (l *Lane) Signal() <-chan struct{} {
	return l.signal
}

func (l *Lane) notify() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}
