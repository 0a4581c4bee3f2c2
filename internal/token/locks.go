package token

import "sync"

// tenantLocks linearizes operations per tenant. Operations on distinct
// tenants never contend; concurrent store/retrieve/revoke calls for the
// same tenant are serialized so cache population can never race a revoke
// into serving a stale credential. Entries are reference counted and
// evicted once idle, so lookups against arbitrary unknown tenant IDs do
// not grow the map without bound.
type tenantLocks struct {
	mu    sync.Mutex
	locks map[string]*tenantLock
}

type tenantLock struct {
	mu   sync.Mutex
	refs int
}

func newTenantLocks() *tenantLocks {
	return &tenantLocks{locks: make(map[string]*tenantLock)}
}

// lock acquires the mutex for tenantID and returns its unlock func. The
// entry is dropped when the last holder or waiter releases it.
func (l *tenantLocks) lock(tenantID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[tenantID]
	if !ok {
		entry = &tenantLock{}
		l.locks[tenantID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, tenantID)
		}
		l.mu.Unlock()
	}
}

// size reports how many tenant entries are currently held.
func (l *tenantLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
