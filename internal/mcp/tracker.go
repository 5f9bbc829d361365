package mcp

import (
	"sync"
	"time"
)

// inspectTracker remembers which runs a tenant looked at via get_run
// recently. resume_run consults it to nudge callers who resume a run
// without first reading why it stopped. Purely advisory and in-memory;
// a restart forgets everything, which only costs an extra nudge.
type inspectTracker struct {
	mu       sync.Mutex
	inspects map[inspectKey]time.Time
	window   time.Duration
}

type inspectKey struct {
	tenant string
	run    string
}

func newInspectTracker(window time.Duration) *inspectTracker {
	return &inspectTracker{
		inspects: make(map[inspectKey]time.Time),
		window:   window,
	}
}

// Record notes that the tenant inspected the run just now.
func (t *inspectTracker) Record(tenant, run string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Lazy purge keeps the map bounded without a background goroutine.
	if len(t.inspects) > 1000 {
		t.purgeStale()
	}
	t.inspects[inspectKey{tenant: tenant, run: run}] = time.Now()
}

// WasInspected reports whether the tenant looked at the run within the
// window.
func (t *inspectTracker) WasInspected(tenant, run string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	at, ok := t.inspects[inspectKey{tenant: tenant, run: run}]
	if !ok {
		return false
	}
	return time.Since(at) <= t.window
}

// purgeStale removes entries outside the window. Caller holds t.mu.
func (t *inspectTracker) purgeStale() {
	cutoff := time.Now().Add(-t.window)
	for key, at := range t.inspects {
		if at.Before(cutoff) {
			delete(t.inspects, key)
		}
	}
}
