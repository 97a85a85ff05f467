package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/kaspa-pool/kaspool/internal/config"
	"github.com/kaspa-pool/kaspool/internal/shares"
	"github.com/kaspa-pool/kaspool/internal/storage"
	"github.com/kaspa-pool/kaspool/internal/upstream"
	"github.com/kaspa-pool/kaspool/internal/util"
)

// WorkerSource is the subset of the shares manager the collector reads.
type WorkerSource interface {
	ActiveWorkers() []*shares.WorkerStats
}

// UpstreamSource is the subset of the upstream manager the collector reads.
type UpstreamSource interface {
	States() []upstream.State
}

// StatsStore persists and serves the durable pool counters the reward
// allocator and treasury tracker own (blocks found, total paid); the
// collector merges them into its own live snapshot rather than maintaining
// a second copy.
type StatsStore interface {
	GetPoolStats(ctx context.Context) (*storage.PoolStats, error)
}

// Collector periodically recomputes the pool's live hashrate and upstream
// liveness gauges, and tracks reconnect counts per upstream node.
type Collector struct {
	workers   WorkerSource
	upstreams UpstreamSource
	stats     StatsStore

	interval    time.Duration
	largeWindow time.Duration
	staleAfter  time.Duration

	mu       sync.RWMutex
	snapshot Snapshot

	reconnectsMu sync.Mutex
	reconnects   map[string]int64
	wasHealthy   map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCollector builds a Collector. largeWindow and staleAfter come from
// config.MetricsConfig; interval is how often the collector ticks.
func NewCollector(workers WorkerSource, upstreams UpstreamSource, stats StatsStore, cfg config.MetricsConfig) *Collector {
	interval := cfg.CollectInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	largeWindow := cfg.HashrateLargeWindow
	if largeWindow <= 0 {
		largeWindow = time.Hour
	}
	staleAfter := cfg.UpstreamStaleAfter
	if staleAfter <= 0 {
		staleAfter = 120 * time.Second
	}
	return &Collector{
		workers:     workers,
		upstreams:   upstreams,
		stats:       stats,
		interval:    interval,
		largeWindow: largeWindow,
		staleAfter:  staleAfter,
		reconnects:  make(map[string]int64),
		wasHealthy:  make(map[string]bool),
	}
}

// Start launches the collection loop. Call Stop to shut it down.
func (c *Collector) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.collect(c.ctx)

	c.wg.Add(1)
	go c.loop()
}

// Stop halts the collection loop and waits for it to exit.
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Collector) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.collect(c.ctx)
		}
	}
}

// Snapshot returns the collector's latest view.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

func (c *Collector) collect(ctx context.Context) {
	instant, minerCount, workerCount := c.aggregateHashrate()
	upstreams := c.collectUpstreams()

	snap := Snapshot{
		Hashrate: instant,
		Miners:   minerCount,
		Workers:  workerCount,

		Upstreams: upstreams,
		TakenAt:   time.Now(),
	}

	c.mu.Lock()
	alpha := float64(c.interval) / float64(c.largeWindow)
	if alpha > 1 {
		alpha = 1
	}
	if c.snapshot.TakenAt.IsZero() {
		snap.HashrateLarge = instant
	} else {
		snap.HashrateLarge = c.snapshot.HashrateLarge + alpha*(instant-c.snapshot.HashrateLarge)
	}
	snap.BlocksFound = c.snapshot.BlocksFound
	snap.LastBlockFound = c.snapshot.LastBlockFound
	snap.LastBlockDAA = c.snapshot.LastBlockDAA
	snap.TotalPaid = c.snapshot.TotalPaid
	c.snapshot = snap
	c.mu.Unlock()

	if durable, err := c.stats.GetPoolStats(ctx); err == nil && durable != nil {
		c.mu.Lock()
		c.snapshot.BlocksFound = durable.BlocksFound
		c.snapshot.LastBlockFound = durable.LastBlockFound
		c.snapshot.LastBlockDAA = durable.LastBlockDAA
		c.snapshot.TotalPaid = durable.TotalPaid
		c.mu.Unlock()
	}
}

// aggregateHashrate sums every active worker's estimated hashrate (already
// computed by the shares manager from its recent-share deque) and counts
// distinct payout addresses and workers.
func (c *Collector) aggregateHashrate() (hashrate float64, miners int64, workers int64) {
	active := c.workers.ActiveWorkers()
	miningAddrs := make(map[string]struct{})
	for _, w := range active {
		hashrate += w.Hashrate
		miningAddrs[w.Identity.PayoutAddress] = struct{}{}
	}
	return hashrate, int64(len(miningAddrs)), int64(len(active))
}

// collectUpstreams builds the liveness view and runs the reconnection
// watchdog: a node transitioning unhealthy->healthy counts as a reconnect,
// and an unhealthy one whose last probe is older than staleAfter is flagged
// stale.
func (c *Collector) collectUpstreams() []UpstreamLiveness {
	states := c.upstreams.States()
	out := make([]UpstreamLiveness, 0, len(states))

	c.reconnectsMu.Lock()
	defer c.reconnectsMu.Unlock()

	now := time.Now()
	for _, s := range states {
		wasHealthy, known := c.wasHealthy[s.Name]
		if known && !wasHealthy && s.Healthy {
			c.reconnects[s.Name]++
			util.Infof("metrics: upstream %s reconnected (total=%d)", s.Name, c.reconnects[s.Name])
		}
		c.wasHealthy[s.Name] = s.Healthy

		stale := !s.Healthy && now.Sub(s.LastCheck) > c.staleAfter
		if stale {
			util.Warnf("metrics: upstream %s unhealthy and not probed for over %s", s.Name, c.staleAfter)
		}

		out = append(out, UpstreamLiveness{
			Name:         s.Name,
			Healthy:      s.Healthy,
			LastCheck:    s.LastCheck,
			ResponseTime: s.ResponseTime,
			DAAScore:     s.DAAScore,
			Difficulty:   s.Difficulty,
			Reconnects:   c.reconnects[s.Name],
			Stale:        stale,
		})
	}
	return out
}
