package registry

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// dedupCache is a bounded seen-set of packet hashes. Gossip delivers the
// same packet along many paths; only the first copy reaches the handlers.
// Eviction is FIFO once the bound is hit.
type dedupCache struct {
	mu    sync.Mutex
	seen  map[chainhash.Hash]struct{}
	order []chainhash.Hash
	limit int
}

func newDedupCache(limit int) *dedupCache {
	if limit <= 0 {
		limit = 8192
	}
	return &dedupCache{
		seen:  make(map[chainhash.Hash]struct{}, limit),
		limit: limit,
	}
}

// Mark records h and reports whether it was already present.
func (c *dedupCache) Mark(h chainhash.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[h]; ok {
		return true
	}
	c.seen[h] = struct{}{}
	c.order = append(c.order, h)
	if len(c.order) > c.limit {
		drop := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, drop)
	}
	return false
}

// Len returns the number of tracked hashes.
func (c *dedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
