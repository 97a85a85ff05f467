// Package jobs implements the job registry: a stable mapping from short
// textual job IDs to the template header hash and DAA score they refer to,
// expired in the same order templates were inserted.
package jobs

import (
	"fmt"
	"sync"
)

// Registry maps job IDs to header hashes and DAA scores, issuing IDs from a
// process-wide monotonic counter and expiring them FIFO.
type Registry struct {
	mu       sync.RWMutex
	seq      uint64
	idToHash map[string][32]byte
	hashToID map[[32]byte]string
	daaScore map[string]uint64
	order    []string
}

// NewRegistry creates an empty job registry.
func NewRegistry() *Registry {
	return &Registry{
		idToHash: make(map[string][32]byte),
		hashToID: make(map[[32]byte]string),
		daaScore: make(map[string]uint64),
	}
}

// Derive issues (or returns the existing) job ID for headerHash. Re-deriving
// the same header hash before it is expired returns the original ID rather
// than minting a duplicate, keeping the registry idempotent on insert the
// way the template cache above it is.
func (r *Registry) Derive(headerHash [32]byte, daaScore uint64) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.hashToID[headerHash]; ok {
		return id
	}

	r.seq++
	id := fmt.Sprintf("%x", r.seq)

	r.idToHash[id] = headerHash
	r.hashToID[headerHash] = id
	r.daaScore[id] = daaScore
	r.order = append(r.order, id)
	return id
}

// Hash returns the header hash for a job ID.
func (r *Registry) Hash(jobID string) ([32]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.idToHash[jobID]
	return h, ok
}

// DaaScore returns the DAA score recorded for a job ID.
func (r *Registry) DaaScore(jobID string) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.daaScore[jobID]
	return d, ok
}

// Len returns the number of live jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// ExpireOldest removes and returns the oldest live job ID, FIFO. Used by the
// template cache to keep the job registry and template cache in lockstep.
func (r *Registry) ExpireOldest() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expireOldestLocked()
}

func (r *Registry) expireOldestLocked() (string, bool) {
	if len(r.order) == 0 {
		return "", false
	}
	id := r.order[0]
	r.order = r.order[1:]
	hash := r.idToHash[id]
	delete(r.idToHash, id)
	delete(r.hashToID, hash)
	delete(r.daaScore, id)
	return id, true
}

// ExpireHash expires whatever job ID maps to hash, wherever it sits in the
// FIFO order. Returns false if hash has no live job.
func (r *Registry) ExpireHash(hash [32]byte) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.hashToID[hash]
	if !ok {
		return "", false
	}
	delete(r.idToHash, id)
	delete(r.hashToID, hash)
	delete(r.daaScore, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return id, true
}
