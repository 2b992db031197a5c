// Package ratelimit implements the two independent admission limiters that
// guard the external platform: a sliding-window cap on broadcast creation
// and a burst-then-interval cap on job creation. Both are in-memory lists
// of timestamps pruned on each check.
package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow admits at most limit events within any trailing window.
// Allow and Record are separate on purpose: broadcast creations are only
// recorded when the platform call actually succeeds.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events []time.Time

	now func() time.Time // overridable in tests
}

// NewSlidingWindow creates a limiter admitting limit events per window.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow reports whether another event fits in the current window.
// It does not record anything; call Record after the event succeeds.
func (l *SlidingWindow) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.events) < l.limit
}

// Record registers a successful event at the current time.
func (l *SlidingWindow) Record() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.prune(now)
	l.events = append(l.events, now)
}

// Remaining returns how many events the current window still admits.
func (l *SlidingWindow) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return l.limit - len(l.events)
}

func (l *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.events) && !l.events[i].After(cutoff) {
		i++
	}
	l.events = l.events[i:]
}

// BurstInterval admits up to burst requests back to back, then requires at
// least interval between further admissions. Admitted requests are recorded
// immediately, regardless of what happens downstream.
type BurstInterval struct {
	mu       sync.Mutex
	burst    int
	interval time.Duration
	admitted []time.Time

	now func() time.Time
}

// NewBurstInterval creates a limiter with the given burst allowance and
// minimum spacing.
func NewBurstInterval(burst int, interval time.Duration) *BurstInterval {
	return &BurstInterval{
		burst:    burst,
		interval: interval,
		now:      time.Now,
	}
}

// Allow admits or rejects a request, recording it on admission.
func (l *BurstInterval) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.interval)
	i := 0
	for i < len(l.admitted) && !l.admitted[i].After(cutoff) {
		i++
	}
	l.admitted = l.admitted[i:]

	if len(l.admitted) < l.burst {
		l.admitted = append(l.admitted, now)
		return true
	}
	// Burst exhausted: admit only if the oldest retained admission is at
	// least interval old. Retained entries are all younger than interval,
	// so this only passes exactly at the boundary.
	if !now.Before(l.admitted[0].Add(l.interval)) {
		l.admitted = append(l.admitted, now)
		return true
	}
	return false
}
