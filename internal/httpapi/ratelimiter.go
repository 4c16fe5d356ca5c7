package httpapi

import (
	"sync"
	"time"
)

// window tracks the recent event timestamps for a single rate-limited key,
// trimmed lazily on each check rather than on a background ticker.
type window struct {
	events []time.Time
}

// SlidingWindowLimiter enforces a maximum number of events within a time
// window, tracked per caller key (the peer-sync export is shared across
// every peer dialing into the archive, so a single global counter would
// let one noisy peer starve the rest; keying by peer address gives each
// caller its own quota instead).
type SlidingWindowLimiter struct {
	windowSize time.Duration
	limit      int
	now        func() time.Time

	mu       sync.Mutex
	byKey    map[string]*window
	lastSeen map[string]time.Time
}

// NewSlidingWindowLimiter constructs a limiter allowing up to limit events
// per windowSize, per distinct key passed to Allow.
func NewSlidingWindowLimiter(windowSize time.Duration, limit int, timeSource func() time.Time) *SlidingWindowLimiter {
	if windowSize <= 0 || limit <= 0 {
		return &SlidingWindowLimiter{windowSize: windowSize, limit: limit}
	}
	if timeSource == nil {
		timeSource = time.Now
	}
	return &SlidingWindowLimiter{
		windowSize: windowSize,
		limit:      limit,
		now:        timeSource,
		byKey:      make(map[string]*window),
		lastSeen:   make(map[string]time.Time),
	}
}

// Allow reports whether the caller identified by key may proceed under the
// current rate limit. An empty key collapses every caller onto one shared
// bucket, matching the pre-keyed behavior for callers that don't need
// per-caller isolation.
func (l *SlidingWindowLimiter) Allow(key string) bool {
	if l == nil || l.limit <= 0 || l.windowSize <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evictStaleLocked(now)

	w, ok := l.byKey[key]
	if !ok {
		w = &window{}
		l.byKey[key] = w
	}
	l.lastSeen[key] = now

	cutoff := now.Add(-l.windowSize)
	kept := w.events[:0]
	for _, ts := range w.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.events = kept
	if len(w.events) >= l.limit {
		return false
	}
	w.events = append(w.events, now)
	return true
}

// evictStaleLocked drops buckets for keys that have not been seen within
// ten windows, bounding memory for a long-lived process fielding requests
// from a churning set of peers.
func (l *SlidingWindowLimiter) evictStaleLocked(now time.Time) {
	staleBefore := now.Add(-10 * l.windowSize)
	for key, seen := range l.lastSeen {
		if seen.Before(staleBefore) {
			delete(l.lastSeen, key)
			delete(l.byKey, key)
		}
	}
}
