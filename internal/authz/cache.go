package authz

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// statusCache is a short-TTL in-memory cache of key liveness. It keeps
// the revocation check off the database for repeated requests from the
// same token.
type statusCache struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]cachedStatus
	ttl     time.Duration
	done    chan struct{}
}

type cachedStatus struct {
	active    bool
	expiresAt time.Time
}

// newStatusCache creates a cache with the given TTL and starts the
// background eviction goroutine. Call Close to stop it.
func newStatusCache(ttl time.Duration) *statusCache {
	c := &statusCache{
		entries: make(map[uuid.UUID]cachedStatus),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Get returns the cached status and true if a valid entry exists.
func (c *statusCache) Get(keyID uuid.UUID) (bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[keyID]
	if !ok || time.Now().After(entry.expiresAt) {
		return false, false
	}
	return entry.active, true
}

// Set stores a key's status with the configured TTL.
func (c *statusCache) Set(keyID uuid.UUID, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[keyID] = cachedStatus{
		active:    active,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Invalidate removes a single entry.
func (c *statusCache) Invalidate(keyID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, keyID)
}

// Close stops the background eviction goroutine.
func (c *statusCache) Close() {
	close(c.done)
}

// evictLoop removes expired entries every minute.
func (c *statusCache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *statusCache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}
