package authn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// userCache is the advisory read-through cache in front of the user store,
// keyed by both id and username. Entries expire after a short TTL and every
// user mutation evicts both keys, so handlers may serve a stale user for at
// most one TTL after an out-of-band database edit, never after one made
// through this service.
//
// time.Now() carries the monotonic clock, so TTL math is immune to wall
// clock jumps.
type userCache struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*userCacheEntry
	byName map[string]*userCacheEntry
	ttl    time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
}

type userCacheEntry struct {
	user      *User
	expiresAt time.Time
}

func newUserCache(ttl time.Duration) *userCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &userCache{
		byID:   make(map[uuid.UUID]*userCacheEntry),
		byName: make(map[string]*userCacheEntry),
		ttl:    ttl,
	}
}

func (c *userCache) getByID(id uuid.UUID) *User {
	c.mu.RLock()
	e := c.byID[id]
	c.mu.RUnlock()
	return c.take(e)
}

func (c *userCache) getByUsername(username string) *User {
	c.mu.RLock()
	e := c.byName[username]
	c.mu.RUnlock()
	return c.take(e)
}

func (c *userCache) take(e *userCacheEntry) *User {
	if e == nil || time.Now().After(e.expiresAt) {
		c.misses.Add(1)
		return nil
	}
	c.hits.Add(1)
	return e.user.clone()
}

// put stores a snapshot under both keys.
func (c *userCache) put(u *User) {
	e := &userCacheEntry{user: u.clone(), expiresAt: time.Now().Add(c.ttl)}
	c.mu.Lock()
	c.byID[u.ID] = e
	c.byName[u.Username] = e
	c.mu.Unlock()
}

// invalidate evicts both keys for one user.
func (c *userCache) invalidate(id uuid.UUID, username string) {
	c.mu.Lock()
	delete(c.byID, id)
	delete(c.byName, username)
	c.mu.Unlock()
}

func (c *userCache) stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
