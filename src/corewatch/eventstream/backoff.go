package eventstream

import (
	"sync"
	"time"
)

// reconnectTracker bounds how many consecutive reconnect attempts the
// subscriber makes before giving up and reporting itself degraded, and
// hands back a capped exponential delay between attempts. It is the same
// sliding-attempt-counter shape as a login rate limiter, repurposed here
// for a single collaborator (one event-stream endpoint) instead of a
// per-identity map: consecutive attempts reset to zero on any success.
type reconnectTracker struct {
	mu           sync.Mutex
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	attempts     int
}

func newReconnectTracker(maxAttempts int, initialDelay, maxDelay time.Duration) *reconnectTracker {
	return &reconnectTracker{
		maxAttempts:  maxAttempts,
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
	}
}

// NextDelay records one more attempt and returns the delay to wait before
// making it, and whether the attempt budget is exhausted (exceeded
// maxAttempts).
func (t *reconnectTracker) NextDelay() (delay time.Duration, exhausted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.attempts++
	if t.attempts > t.maxAttempts {
		return 0, true
	}

	delay = t.initialDelay
	for i := 1; i < t.attempts; i++ {
		delay *= 2
		if delay > t.maxDelay {
			delay = t.maxDelay
			break
		}
	}
	return delay, false
}

// Reset clears the consecutive-attempt count after a successful connection.
func (t *reconnectTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts = 0
}

// Attempts reports the current consecutive-attempt count.
func (t *reconnectTracker) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}
