package zotsync

import (
	"sync"
	"time"
)

// BreakerStatus is the externally visible state of one connection's breaker.
type BreakerStatus struct {
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	OpenedAt            *time.Time `json:"openedAt,omitempty"`
	RetryAt             *time.Time `json:"retryAt,omitempty"`
}

const (
	breakerClosed   = "closed"
	breakerOpen     = "open"
	breakerHalfOpen = "half_open"
)

type breakerEntry struct {
	failures int
	openedAt time.Time
	probing  bool
}

// connectionBreaker tracks consecutive failures per connection and blocks
// execution for a cooldown once the threshold is reached. After the cooldown
// a single probe job is let through; its outcome closes or re-opens the
// breaker.
type connectionBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	entries   map[string]*breakerEntry
}

func newConnectionBreaker(threshold int, cooldown time.Duration) *connectionBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &connectionBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		entries:   map[string]*breakerEntry{},
	}
}

// Allow reports whether a job for connectionID may run now. When the breaker
// is open past its cooldown, the first caller is admitted as the probe.
func (b *connectionBreaker) Allow(connectionID string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[connectionID]
	if !ok || e.failures < b.threshold {
		return true
	}
	if now.Sub(e.openedAt) < b.cooldown {
		return false
	}
	if e.probing {
		return false
	}
	e.probing = true
	return true
}

// RetryAt returns when an open breaker next admits a probe. Zero time means
// the breaker is not open.
func (b *connectionBreaker) RetryAt(connectionID string) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[connectionID]
	if !ok || e.failures < b.threshold {
		return time.Time{}
	}
	return e.openedAt.Add(b.cooldown)
}

func (b *connectionBreaker) RecordSuccess(connectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, connectionID)
}

func (b *connectionBreaker) RecordFailure(connectionID string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[connectionID]
	if !ok {
		e = &breakerEntry{}
		b.entries[connectionID] = e
	}
	e.failures++
	e.probing = false
	if e.failures >= b.threshold {
		e.openedAt = now
	}
}

// Status snapshots every tracked breaker keyed by connection ID.
func (b *connectionBreaker) Status(now time.Time) map[string]BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]BreakerStatus, len(b.entries))
	for id, e := range b.entries {
		st := BreakerStatus{State: breakerClosed, ConsecutiveFailures: e.failures}
		if e.failures >= b.threshold {
			opened := e.openedAt
			retry := e.openedAt.Add(b.cooldown)
			st.OpenedAt = &opened
			st.RetryAt = &retry
			if now.Before(retry) {
				st.State = breakerOpen
			} else {
				st.State = breakerHalfOpen
			}
		}
		out[id] = st
	}
	return out
}
