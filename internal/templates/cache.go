// Package templates implements the bounded template cache: the pool's view
// of recently issued block templates, keyed by header hash, kept in
// lockstep with the job registry's FIFO eviction.
package templates

import (
	"math/big"
	"sync"

	"github.com/kaspa-pool/kaspool/internal/jobs"
)

// Template is an immutable block template as received from the upstream
// feed: the pre-PoW header hash miners solve against, the raw header and
// transaction set needed to reconstruct a full block on submit, and the
// target the candidate nonce must beat.
type Template struct {
	HeaderHash   [32]byte
	RawHeader    []byte
	Transactions [][]byte
	PrePoWHash   [32]byte
	DAAScore     uint64
	Target       *big.Int
	Timestamp    int64
}

// Cache is a bounded headerHash -> Template map, inserted idempotently and
// evicted oldest-first together with its paired jobs.Registry entry.
type Cache struct {
	mu       sync.RWMutex
	maxSize  int
	registry *jobs.Registry
	order    [][32]byte
	byHash   map[[32]byte]*Template
}

// NewCache creates a template cache bounded to maxSize entries, sharing
// eviction order with registry.
func NewCache(maxSize int, registry *jobs.Registry) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		maxSize:  maxSize,
		registry: registry,
		byHash:   make(map[[32]byte]*Template),
	}
}

// Insert adds t to the cache, idempotent on t.HeaderHash, and returns the
// job ID derived for it. If the cache is at capacity, the oldest template
// (and its job registry entry) is evicted first.
func (c *Cache) Insert(t *Template) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byHash[t.HeaderHash]; exists {
		return c.registry.Derive(t.HeaderHash, t.DAAScore)
	}

	for len(c.order) >= c.maxSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.byHash, oldest)
		c.registry.ExpireHash(oldest)
	}

	c.byHash[t.HeaderHash] = t
	c.order = append(c.order, t.HeaderHash)
	return c.registry.Derive(t.HeaderHash, t.DAAScore)
}

// Get returns the template for a header hash.
func (c *Cache) Get(hash [32]byte) (*Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byHash[hash]
	return t, ok
}

// GetByJobID resolves a job ID through the registry and returns its
// template, or false if either the job or its template has since expired.
func (c *Cache) GetByJobID(jobID string) (*Template, bool) {
	hash, ok := c.registry.Hash(jobID)
	if !ok {
		return nil, false
	}
	return c.Get(hash)
}

// Len returns the number of live templates.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}
