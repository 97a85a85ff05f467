// Package shares implements the shares manager: per-worker statistics,
// duplicate/stale/invalid classification of submissions, the thread-safe
// share window the reward allocator drains, and the per-worker multi-window
// VarDiff controller.
package shares

import (
	"sync"
	"time"
)

// WorkerIdentity names one payout address + worker-name pair.
type WorkerIdentity struct {
	PayoutAddress string
	WorkerName    string
}

// Key renders the identity the way it is keyed in the worker map.
func (w WorkerIdentity) Key() string {
	return w.PayoutAddress + "." + w.WorkerName
}

// Classification is the outcome of AddShare.
type Classification int

const (
	// ClassValid is a share whose PoW meets the assigned difficulty.
	ClassValid Classification = iota
	// ClassBlock is a valid share whose PoW also meets the network target.
	ClassBlock
	// ClassDuplicate is a nonce already seen for this worker in the last 10m.
	ClassDuplicate
	// ClassStale is a share against a job no longer in the template cache.
	ClassStale
	// ClassInvalid is a share whose PoW does not meet the assigned difficulty.
	ClassInvalid
)

func (c Classification) String() string {
	switch c {
	case ClassValid:
		return "valid"
	case ClassBlock:
		return "block"
	case ClassDuplicate:
		return "duplicate"
	case ClassStale:
		return "stale"
	case ClassInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Contribution is a valid share recorded in the share window, awaiting
// allocation by the reward allocator.
type Contribution struct {
	PayoutAddress string
	WorkerName    string
	Difficulty    uint64
	Timestamp     time.Time
	JobID         string
	DaaScore      uint64
}

// recentShare is one entry in a worker's duplicate-detection deque.
type recentShare struct {
	timestamp  time.Time
	difficulty uint64
	nonce      uint64
}

// WorkerStats holds per-worker counters, the VarDiff state machine's fields,
// and the recent-share deque used for duplicate detection. One instance per
// authorized (address, workerName) pair, for the worker's process lifetime.
type WorkerStats struct {
	mu sync.Mutex

	Identity  WorkerIdentity
	ASICType  string
	StartTime time.Time
	LastShare time.Time

	SharesFound      uint64
	StaleShares      uint64
	InvalidShares    uint64
	DuplicatedShares uint64
	BlocksFound      uint64

	Difficulty    uint64
	MinDifficulty uint64
	MaxDifficulty uint64
	ClampPow2     bool

	VarDiffEnabled       bool
	VarDiffStartTime     time.Time
	VarDiffSharesFound   uint64
	VarDiffWindow        int
	ExpectedSharesPerMin float64

	Hashrate float64

	recent []recentShare
}

// NewWorkerStats constructs a fresh WorkerStats for identity, seeded with
// the port's configured difficulty bounds.
func NewWorkerStats(identity WorkerIdentity, asicType string, initial, min, max uint64, clampPow2, varDiffEnabled bool, expectedPerMinute float64, now time.Time) *WorkerStats {
	return &WorkerStats{
		Identity:             identity,
		ASICType:             asicType,
		StartTime:            now,
		LastShare:            now,
		Difficulty:           initial,
		MinDifficulty:        min,
		MaxDifficulty:        max,
		ClampPow2:            clampPow2,
		VarDiffEnabled:       varDiffEnabled,
		ExpectedSharesPerMin: expectedPerMinute,
	}
}

// pruneRecentLocked drops recent-share entries older than the 10-minute
// duplicate-detection window. Caller must hold w.mu.
func (w *WorkerStats) pruneRecentLocked(now time.Time) {
	cutoff := now.Add(-10 * time.Minute)
	i := 0
	for ; i < len(w.recent); i++ {
		if w.recent[i].timestamp.After(cutoff) {
			break
		}
	}
	if i > 0 {
		w.recent = w.recent[i:]
	}
}

// isDuplicateLocked reports whether nonce has been seen within the
// recent-share window. Caller must hold w.mu.
func (w *WorkerStats) isDuplicateLocked(nonce uint64) bool {
	for _, r := range w.recent {
		if r.nonce == nonce {
			return true
		}
	}
	return false
}

// refreshHashrateLocked recomputes the worker's estimated hashrate from the
// recent-share deque's accumulated difficulty over its observed span.
// Caller must hold w.mu.
func (w *WorkerStats) refreshHashrateLocked() {
	if len(w.recent) < 2 {
		return
	}
	span := w.recent[len(w.recent)-1].timestamp.Sub(w.recent[0].timestamp).Seconds()
	if span <= 0 {
		return
	}
	var work float64
	for _, r := range w.recent {
		work += float64(r.difficulty)
	}
	// Each accepted share at difficulty d represents ~d*2^32 hashes under
	// the Diff1Target convention used by powhash.DifficultyToTarget.
	w.Hashrate = (work * 4294967296.0) / span / 1e6
}
