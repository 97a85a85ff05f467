package powhash

import "github.com/kaspa-pool/kaspool/internal/templates"

// Checker is the production shares.PoWChecker: it rebuilds the mining input
// from a template's prePoWHash and timestamp, hashes it, and reports whether
// the result meets the worker's assigned difficulty. The template's network
// target is a separate, stricter threshold the caller checks itself for
// block detection.
type Checker struct{}

// NewChecker returns a stateless PoW checker.
func NewChecker() *Checker {
	return &Checker{}
}

// Check computes the PoW hash for (t, nonce) and reports whether it meets
// assignedDifficulty.
func (c *Checker) Check(t *templates.Template, nonce uint64, assignedDifficulty uint64) ([]byte, bool, error) {
	hash, err := HashHeader(t.PrePoWHash, t.Timestamp, nonce)
	if err != nil {
		return nil, false, err
	}
	return hash, HashMeetsDifficulty(hash, assignedDifficulty), nil
}
