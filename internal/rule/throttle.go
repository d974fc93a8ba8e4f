package rule

import (
	"strings"
	"sync"
	"time"
)

type throttleEntry struct {
	count int
	last  time.Time
}

// Throttler keeps per-ticket and per-user throttle counters in memory,
// keyed by rule id and subject id.
type Throttler struct {
	mu      sync.Mutex
	entries map[string]*throttleEntry
}

func NewThrottler() *Throttler {
	return &Throttler{entries: make(map[string]*throttleEntry)}
}

func throttleKey(ruleID, subject string) string {
	return ruleID + "|" + subject
}

// Check reports whether key is throttled. A check that finds the last
// execution outside the window clears the counter.
func (t *Throttler) Check(key string, cfg Throttle, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return false
	}
	throttled, reset := throttleState(cfg, e.count, &e.last, now)
	if reset {
		e.count = 0
	}
	return throttled
}

// Record counts one execution against key.
func (t *Throttler) Record(key string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = &throttleEntry{}
		t.entries[key] = e
	}
	e.count++
	e.last = now
}

// Forget drops every counter of a rule.
func (t *Throttler) Forget(ruleID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prefix := ruleID + "|"
	for k := range t.entries {
		if strings.HasPrefix(k, prefix) {
			delete(t.entries, k)
		}
	}
}

// Prune drops entries idle for longer than maxAge.
func (t *Throttler) Prune(now time.Time, maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, e := range t.entries {
		if now.Sub(e.last) > maxAge {
			delete(t.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (t *Throttler) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
