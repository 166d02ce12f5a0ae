package authz

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DecisionCache memoizes decisions by request fingerprint. Entries age out
// on the TTL or fall off the LRU end at capacity; any policy mutation purges
// the whole cache rather than guessing which fingerprints a policy change
// touches.
type DecisionCache struct {
	lru    *expirable.LRU[string, *Decision]
	ttl    time.Duration
	size   int
	hits   atomic.Uint64
	misses atomic.Uint64
}

func NewDecisionCache(size int, ttl time.Duration) *DecisionCache {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &DecisionCache{
		lru:  expirable.NewLRU[string, *Decision](size, nil, ttl),
		ttl:  ttl,
		size: size,
	}
}

func (c *DecisionCache) Get(fingerprint string) (*Decision, bool) {
	d, ok := c.lru.Get(fingerprint)
	if ok {
		c.hits.Add(1)
		return d, true
	}
	c.misses.Add(1)
	return nil, false
}

func (c *DecisionCache) Put(fingerprint string, d *Decision) {
	c.lru.Add(fingerprint, d)
}

// Purge empties the cache and reports how many entries it held.
func (c *DecisionCache) Purge() int {
	n := c.lru.Len()
	c.lru.Purge()
	return n
}

func (c *DecisionCache) Len() int { return c.lru.Len() }

func (c *DecisionCache) Capacity() int { return c.size }

func (c *DecisionCache) TTL() time.Duration { return c.ttl }

func (c *DecisionCache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
