package token

import (
	"sync"
	"time"
)

// credentialCache is a process-local TTL cache of decrypted credentials,
// keyed by tenant external ID. Entries are invalidated synchronously by
// any mutation of the tenant, so a hit is always read-your-writes
// consistent within the process.
type credentialCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	plaintext string
	expiresAt time.Time
}

func newCredentialCache(ttl time.Duration) *credentialCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &credentialCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *credentialCache) get(tenantID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[tenantID]
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, tenantID)
		return "", false
	}
	return entry.plaintext, true
}

func (c *credentialCache) set(tenantID, plaintext string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[tenantID] = cacheEntry{plaintext: plaintext, expiresAt: time.Now().Add(c.ttl)}
}

func (c *credentialCache) invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, tenantID)
}
