// ABOUTME: Thread-safe TTL tracker for per-key cooldowns.
// ABOUTME: Used to rate-limit repeated alerts and repeated corrective actions on the same target.

package cooldown

import (
	"container/list"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// entry stores the timestamp and list element for a tracked key.
type entry struct {
	timestamp time.Time
	element   *list.Element
}

// Tracker remembers when each key last fired and refuses it again until the
// cooldown elapses. Size is bounded; the oldest key is evicted first.
type Tracker struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	clock   clock.WithTicker
	done    chan struct{}
	closed  bool
}

// New creates a tracker with the given cooldown and maximum size.
// A background goroutine periodically removes expired keys.
func New(ttl time.Duration, maxSize int) *Tracker {
	return NewWithClock(ttl, maxSize, clock.RealClock{})
}

// NewWithClock creates a tracker driven by clk.
func NewWithClock(ttl time.Duration, maxSize int, clk clock.WithTicker) *Tracker {
	t := &Tracker{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clk,
		done:    make(chan struct{}),
	}
	go t.cleanup()
	return t
}

// Active reports whether key fired within the cooldown.
func (t *Tracker) Active(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.seen[key]
	return ok && t.clock.Since(e.timestamp) < t.ttl
}

// Allow atomically checks key and, if it is not cooling down, marks it.
// Returns true when the caller may act now.
func (t *Tracker) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.seen[key]
	if ok && t.clock.Since(e.timestamp) < t.ttl {
		return false
	}
	t.markLocked(key)
	return true
}

// AllowWithin is Allow with a per-call window in place of the tracker TTL.
func (t *Tracker) AllowWithin(key string, window time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.seen[key]
	if ok && t.clock.Since(e.timestamp) < window {
		return false
	}
	t.markLocked(key)
	return true
}

// Mark starts the cooldown for key unconditionally.
func (t *Tracker) Mark(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markLocked(key)
}

// Reset clears key so the next Allow succeeds.
func (t *Tracker) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.seen[key]; ok {
		t.order.Remove(e.element)
		delete(t.seen, key)
	}
}

// Since returns how long ago key was last marked, and whether it is tracked.
func (t *Tracker) Since(key string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.seen[key]
	if !ok {
		return 0, false
	}
	return t.clock.Since(e.timestamp), true
}

// Remaining returns how much cooldown is left for key.
func (t *Tracker) Remaining(key string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.seen[key]
	if !ok {
		return 0
	}
	if left := t.ttl - t.clock.Since(e.timestamp); left > 0 {
		return left
	}
	return 0
}

func (t *Tracker) markLocked(key string) {
	now := t.clock.Now()

	if e, exists := t.seen[key]; exists {
		e.timestamp = now
		t.order.MoveToBack(e.element)
		return
	}

	if len(t.seen) >= t.maxSize {
		t.evictOldest()
	}

	elem := t.order.PushBack(key)
	t.seen[key] = &entry{timestamp: now, element: elem}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (t *Tracker) evictOldest() {
	front := t.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	t.order.Remove(front)
	delete(t.seen, key)
}

func (t *Tracker) cleanup() {
	ticker := t.clock.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			t.runCleanup()
		case <-t.done:
			return
		}
	}
}

func (t *Tracker) runCleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, e := range t.seen {
		if t.clock.Since(e.timestamp) >= t.ttl {
			t.order.Remove(e.element)
			delete(t.seen, key)
		}
	}
}

// Len returns the number of tracked keys, including expired ones not yet cleaned.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		close(t.done)
		t.closed = true
	}
}
