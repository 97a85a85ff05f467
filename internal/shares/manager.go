package shares

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kaspa-pool/kaspool/internal/powhash"
	"github.com/kaspa-pool/kaspool/internal/templates"
	"github.com/kaspa-pool/kaspool/internal/util"
)

// varDiffTickInterval is how often the VarDiff controller re-evaluates
// every authorized worker.
const varDiffTickInterval = 10 * time.Second

// activitySweepInterval is how often silent workers are swept.
const activitySweepInterval = 10 * time.Minute

// silentWorkerTimeout is how long a worker may submit nothing before the
// activity sweep reports it.
const silentWorkerTimeout = 10 * time.Minute

// Errors returned by AddShare for its non-valid classifications. The
// Stratum layer maps these to the wire-level error codes.
var (
	ErrStale         = errors.New("shares: job not found")
	ErrLowDifficulty = errors.New("shares: low-difficulty share")
)

// PoWChecker verifies a candidate nonce against a worker's assigned
// difficulty. It is satisfied by internal/powhash in production and faked
// in tests. meetsAssigned reports whether the hash clears the worker's own
// difficulty target; block detection against the template's network target
// is a separate, stricter check the manager makes itself.
type PoWChecker interface {
	Check(t *templates.Template, nonce uint64, assignedDifficulty uint64) (hash []byte, meetsAssigned bool, err error)
}

// ShareWindow is the thread-safe deque of valid Contributions awaiting
// allocation. Contributions arrive DAA-score non-decreasing because
// templates are inserted in DAA order, which lets the allocator drain it by
// a simple prefix cut.
type ShareWindow struct {
	mu    sync.Mutex
	items []Contribution
}

// NewShareWindow creates an empty share window.
func NewShareWindow() *ShareWindow {
	return &ShareWindow{}
}

// Push appends a contribution.
func (s *ShareWindow) Push(c Contribution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, c)
}

// Drain removes and returns every contribution with DaaScore <= maxDaaScore,
// in insertion order, leaving later contributions in place.
func (s *ShareWindow) Drain(maxDaaScore uint64) []Contribution {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := 0
	for ; i < len(s.items); i++ {
		if s.items[i].DaaScore > maxDaaScore {
			break
		}
	}
	drained := make([]Contribution, i)
	copy(drained, s.items[:i])
	s.items = s.items[i:]
	return drained
}

// Len reports the number of contributions currently queued.
func (s *ShareWindow) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// DifficultyChangeFunc is invoked whenever VarDiff installs a new difficulty
// for a worker, so the stratum layer can push mining.set_difficulty.
type DifficultyChangeFunc func(identity WorkerIdentity, newDifficulty uint64)

// SilentWorkerFunc is invoked by the activity sweep for each worker that has
// submitted nothing within silentWorkerTimeout.
type SilentWorkerFunc func(identity WorkerIdentity)

// Manager owns every authorized worker's stats, the shared PoW checker, and
// the share window the reward allocator drains.
type Manager struct {
	mu      sync.RWMutex
	workers map[string]*WorkerStats
	window  *ShareWindow
	pow     PoWChecker
	cache   *templates.Cache

	onDifficultyChange DifficultyChangeFunc
	onSilentWorker     SilentWorkerFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a shares manager bound to a template cache and PoW
// checker.
func NewManager(cache *templates.Cache, pow PoWChecker) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		workers: make(map[string]*WorkerStats),
		window:  NewShareWindow(),
		pow:     pow,
		cache:   cache,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnDifficultyChange registers the callback fired when VarDiff retargets a
// worker. Must be called before Start.
func (m *Manager) OnDifficultyChange(fn DifficultyChangeFunc) {
	m.onDifficultyChange = fn
}

// OnSilentWorker registers the callback fired by the activity sweep for
// workers that have gone quiet. Must be called before Start.
func (m *Manager) OnSilentWorker(fn SilentWorkerFunc) {
	m.onSilentWorker = fn
}

// Start launches the VarDiff tick loop and the activity sweep loop. Call
// Stop to shut both down.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.varDiffLoop()
	go m.activitySweepLoop()
}

// Stop halts the background loops and waits for them to exit.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) varDiffLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(varDiffTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.tickVarDiff()
		}
	}
}

func (m *Manager) tickVarDiff() {
	now := time.Now()
	for _, ws := range m.snapshotWorkers() {
		ws.mu.Lock()
		newDiff, changed := ws.varDiffTick(now)
		identity := ws.Identity
		ws.mu.Unlock()

		if changed && m.onDifficultyChange != nil {
			m.onDifficultyChange(identity, newDiff)
		}
	}
}

func (m *Manager) activitySweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(activitySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweepSilentWorkers()
		}
	}
}

func (m *Manager) sweepSilentWorkers() {
	cutoff := time.Now().Add(-silentWorkerTimeout)
	for _, ws := range m.snapshotWorkers() {
		ws.mu.Lock()
		ws.refreshHashrateLocked()
		silent := ws.LastShare.Before(cutoff)
		identity := ws.Identity
		ws.mu.Unlock()

		if silent {
			util.Warnf("shares: worker %s silent since %s", identity.Key(), ws.LastShare)
			if m.onSilentWorker != nil {
				m.onSilentWorker(identity)
			}
		}
	}
}

func (m *Manager) snapshotWorkers() []*WorkerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*WorkerStats, 0, len(m.workers))
	for _, ws := range m.workers {
		out = append(out, ws)
	}
	return out
}

// Window exposes the share window for the reward allocator.
func (m *Manager) Window() *ShareWindow {
	return m.window
}

// ActiveWorkers returns a snapshot of every currently authorized worker, for
// the reward allocator's time-weighted fallback when a mined block's share
// window is empty.
func (m *Manager) ActiveWorkers() []*WorkerStats {
	return m.snapshotWorkers()
}

// Authorize creates (or returns the existing) WorkerStats for identity.
func (m *Manager) Authorize(identity WorkerIdentity, asicType string, initial, min, max uint64, clampPow2, varDiffEnabled bool, expectedPerMinute float64) *WorkerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := identity.Key()
	if existing, ok := m.workers[key]; ok {
		return existing
	}
	ws := NewWorkerStats(identity, asicType, initial, min, max, clampPow2, varDiffEnabled, expectedPerMinute, time.Now())
	m.workers[key] = ws
	return ws
}

// Worker looks up a worker's stats by identity key ("address.workerName").
func (m *Manager) Worker(key string) (*WorkerStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.workers[key]
	return ws, ok
}

// RemoveWorker drops a worker's stats, e.g. after its connection closes or
// an activity sweep finds it silent.
func (m *Manager) RemoveWorker(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, key)
}

// AddShare classifies one submission and, on a valid share, appends it to
// the share window. headerHash is resolved from jobID by the caller via the
// job registry before invoking this; a headerHash whose template is no
// longer in the template cache produces ClassStale.
func (m *Manager) AddShare(identity WorkerIdentity, jobID string, headerHash [32]byte, nonce uint64, daaScore uint64) (Classification, error) {
	ws, ok := m.Worker(identity.Key())
	if !ok {
		return ClassInvalid, errors.New("shares: worker not authorized")
	}

	ws.mu.Lock()
	now := time.Now()
	ws.pruneRecentLocked(now)
	if ws.isDuplicateLocked(nonce) {
		ws.DuplicatedShares++
		ws.mu.Unlock()
		return ClassDuplicate, nil
	}
	assignedDifficulty := ws.Difficulty
	ws.mu.Unlock()

	tpl, ok := m.cache.Get(headerHash)
	if !ok {
		ws.mu.Lock()
		ws.StaleShares++
		ws.mu.Unlock()
		return ClassStale, ErrStale
	}

	hash, meetsAssigned, err := m.pow.Check(tpl, nonce, assignedDifficulty)
	if err != nil {
		return ClassInvalid, err
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()

	if !meetsAssigned {
		ws.InvalidShares++
		ws.SharesFound++
		return ClassInvalid, ErrLowDifficulty
	}

	ws.SharesFound++
	ws.VarDiffSharesFound++
	ws.LastShare = now
	ws.recent = append(ws.recent, recentShare{timestamp: now, difficulty: ws.Difficulty, nonce: nonce})

	m.window.Push(Contribution{
		PayoutAddress: identity.PayoutAddress,
		WorkerName:    identity.WorkerName,
		Difficulty:    ws.Difficulty,
		Timestamp:     now,
		JobID:         jobID,
		DaaScore:      daaScore,
	})

	if powhash.HashMeetsTarget(hash, tpl.Target) {
		ws.BlocksFound++
		return ClassBlock, nil
	}

	return ClassValid, nil
}
