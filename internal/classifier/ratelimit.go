package classifier

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// slidingWindowLimiter enforces at most `limit` permits per rolling
// `window`, used by DeepCloud to bound calls to 5 per 15 minutes
// (SPEC_FULL.md §4.H, invariant 5).
type slidingWindowLimiter struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	limit  int
	window time.Duration
	calls  []time.Time
}

func newSlidingWindowLimiter(limit int, window time.Duration, clock clockwork.Clock) *slidingWindowLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &slidingWindowLimiter{clock: clock, limit: limit, window: window}
}

// Allow records and permits a call if under quota, returning false otherwise.
func (l *slidingWindowLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune()
	if len(l.calls) >= l.limit {
		return false
	}
	l.calls = append(l.calls, l.clock.Now())
	return true
}

// Remaining reports the quota left in the current window without consuming it.
func (l *slidingWindowLimiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune()
	remaining := l.limit - len(l.calls)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// ResetAt reports when the oldest call in the window expires, i.e. the
// earliest time quota becomes available again.
func (l *slidingWindowLimiter) ResetAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune()
	if len(l.calls) == 0 {
		return l.clock.Now()
	}
	return l.calls[0].Add(l.window)
}

func (l *slidingWindowLimiter) prune() {
	now := l.clock.Now()
	cutoff := now.Add(-l.window)
	kept := l.calls[:0]
	for _, t := range l.calls {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.calls = kept
}
