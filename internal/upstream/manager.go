package upstream

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kaspa-pool/kaspool/internal/config"
	"github.com/kaspa-pool/kaspool/internal/util"
)

// State reports one upstream node's health for monitoring.
type State struct {
	Name         string
	URL          string
	Healthy      bool
	LastCheck    time.Time
	SuccessCount int32
	FailCount    int32
	ResponseTime time.Duration
	DAAScore     uint64
	Difficulty   float64
	Weight       int
}

type upstreamNode struct {
	client *Client
	name   string
	weight int

	mu           sync.RWMutex
	healthy      bool
	failCount    int32
	successCount int32
	lastCheck    time.Time
	responseTime time.Duration
	daaScore     uint64
	difficulty   float64
}

// Manager holds a weighted pool of kaspad nodes and fails over between them
// on health-check or call failure.
type Manager struct {
	nodes []*upstreamNode
	cfg   *config.NodeConfig

	activeIdx int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a Manager from the node config's upstream list, falling
// back to the single rpc_url when no list is configured.
func NewManager(ctx context.Context, cfg *config.NodeConfig) *Manager {
	mgrCtx, cancel := context.WithCancel(ctx)
	m := &Manager{cfg: cfg, ctx: mgrCtx, cancel: cancel}

	if len(cfg.Upstreams) > 0 {
		for _, entry := range cfg.Upstreams {
			timeout := entry.Timeout
			if timeout == 0 {
				timeout = cfg.Timeout
			}
			weight := entry.Weight
			if weight == 0 {
				weight = 1
			}
			name := entry.Name
			if name == "" {
				name = entry.RPCURL
			}
			m.nodes = append(m.nodes, &upstreamNode{
				client:  NewClient(entry.RPCURL, timeout),
				name:    name,
				weight:  weight,
				healthy: true,
			})
		}
	} else if cfg.RPCURL != "" {
		m.nodes = append(m.nodes, &upstreamNode{
			client:  NewClient(cfg.RPCURL, cfg.Timeout),
			name:    "primary",
			weight:  1,
			healthy: true,
		})
	}

	sort.Slice(m.nodes, func(i, j int) bool { return m.nodes[i].weight > m.nodes[j].weight })
	return m
}

// Start runs an initial health check and launches the periodic probe loop.
func (m *Manager) Start() {
	if len(m.nodes) == 0 {
		util.Warn("upstream: no nodes configured")
		return
	}

	util.Infof("upstream: starting manager with %d node(s)", len(m.nodes))
	for i, n := range m.nodes {
		util.Infof("upstream:   [%d] %s (weight=%d)", i, n.name, n.weight)
	}

	m.checkAll()

	m.wg.Add(1)
	go m.healthCheckLoop()
}

// Stop halts the probe loop and waits for it to exit.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
	util.Info("upstream: manager stopped")
}

func (m *Manager) healthCheckLoop() {
	defer m.wg.Done()

	interval := m.cfg.HealthCheckInterval
	if interval == 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkAll()
		}
	}
}

func (m *Manager) checkAll() {
	var wg sync.WaitGroup
	for _, n := range m.nodes {
		wg.Add(1)
		go func(n *upstreamNode) {
			defer wg.Done()
			m.checkOne(n)
		}(n)
	}
	wg.Wait()
	m.selectBest()
}

func (m *Manager) checkOne(n *upstreamNode) {
	timeout := m.cfg.HealthCheckTimeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(m.ctx, timeout)
	defer cancel()

	start := time.Now()
	info, err := n.client.GetBlockDAGInfo(ctx)
	responseTime := time.Since(start)

	n.mu.Lock()
	defer n.mu.Unlock()

	n.lastCheck = time.Now()
	n.responseTime = responseTime

	maxFailures := m.cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 3
	}
	recoveryThreshold := m.cfg.RecoveryThreshold
	if recoveryThreshold == 0 {
		recoveryThreshold = 2
	}

	if err != nil {
		n.failCount++
		n.successCount = 0
		if n.failCount >= int32(maxFailures) && n.healthy {
			n.healthy = false
			util.Warnf("upstream: %s marked unhealthy after %d failures: %v", n.name, n.failCount, err)
		}
		return
	}

	n.successCount++
	n.daaScore = info.VirtualDAAScore
	n.difficulty = info.Difficulty
	if !n.healthy && n.successCount >= int32(recoveryThreshold) {
		n.healthy = true
		n.failCount = 0
		util.Infof("upstream: %s recovered (daaScore=%d, response=%v)", n.name, n.daaScore, responseTime)
	} else if n.healthy {
		n.failCount = 0
	}
}

func (m *Manager) selectBest() {
	bestIdx, bestWeight, bestDAA := -1, -1, uint64(0)

	for i, n := range m.nodes {
		n.mu.RLock()
		healthy, weight, daa := n.healthy, n.weight, n.daaScore
		n.mu.RUnlock()

		if !healthy {
			continue
		}
		if weight > bestWeight || (weight == bestWeight && daa > bestDAA) {
			bestIdx, bestWeight, bestDAA = i, weight, daa
		}
	}

	if bestIdx < 0 {
		util.Warn("upstream: no healthy nodes available")
		return
	}
	if old := atomic.LoadInt32(&m.activeIdx); int32(bestIdx) != old {
		atomic.StoreInt32(&m.activeIdx, int32(bestIdx))
		util.Infof("upstream: switched active node to %s (idx=%d, weight=%d, daaScore=%d)",
			m.nodes[bestIdx].name, bestIdx, bestWeight, bestDAA)
	}
}

// Client returns the current active node's client, or nil if none are
// configured.
func (m *Manager) Client() *Client {
	if len(m.nodes) == 0 {
		return nil
	}
	idx := atomic.LoadInt32(&m.activeIdx)
	if idx >= 0 && idx < int32(len(m.nodes)) {
		return m.nodes[idx].client
	}
	return m.nodes[0].client
}

// ActiveName returns the name of the currently active node.
func (m *Manager) ActiveName() string {
	if len(m.nodes) == 0 {
		return ""
	}
	idx := atomic.LoadInt32(&m.activeIdx)
	if idx >= 0 && idx < int32(len(m.nodes)) {
		return m.nodes[idx].name
	}
	return m.nodes[0].name
}

// States reports every node's current health for the metrics/API layer.
func (m *Manager) States() []State {
	states := make([]State, len(m.nodes))
	for i, n := range m.nodes {
		n.mu.RLock()
		states[i] = State{
			Name:         n.name,
			URL:          n.client.url,
			Healthy:      n.healthy,
			LastCheck:    n.lastCheck,
			SuccessCount: n.successCount,
			FailCount:    n.failCount,
			ResponseTime: n.responseTime,
			DAAScore:     n.daaScore,
			Difficulty:   n.difficulty,
			Weight:       n.weight,
		}
		n.mu.RUnlock()
	}
	return states
}

// HasHealthyNode reports whether at least one node is currently healthy.
func (m *Manager) HasHealthyNode() bool {
	for _, n := range m.nodes {
		n.mu.RLock()
		healthy := n.healthy
		n.mu.RUnlock()
		if healthy {
			return true
		}
	}
	return false
}

// RecordSuccess marks the active node healthy after a successful call made
// outside the periodic probe (e.g. a submitBlock).
func (m *Manager) RecordSuccess() {
	idx := atomic.LoadInt32(&m.activeIdx)
	if idx < 0 || idx >= int32(len(m.nodes)) {
		return
	}
	n := m.nodes[idx]
	n.mu.Lock()
	n.successCount++
	n.failCount = 0
	n.healthy = true
	n.mu.Unlock()
}

// RecordFailure marks a failed call against the active node and triggers
// failover once its failure streak crosses the configured threshold.
func (m *Manager) RecordFailure() {
	idx := atomic.LoadInt32(&m.activeIdx)
	if idx < 0 || idx >= int32(len(m.nodes)) {
		return
	}
	n := m.nodes[idx]

	maxFailures := m.cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 3
	}

	n.mu.Lock()
	n.failCount++
	n.successCount = 0
	shouldFailover := n.failCount >= int32(maxFailures) && n.healthy
	if shouldFailover {
		n.healthy = false
		util.Warnf("upstream: %s marked unhealthy due to call failures", n.name)
	}
	n.mu.Unlock()

	if shouldFailover {
		m.selectBest()
	}
}

// CallWithFailover runs fn against the active client, retrying against
// other healthy nodes in weight order if it fails.
func (m *Manager) CallWithFailover(fn func(*Client) error) error {
	client := m.Client()
	if client == nil {
		return nil
	}

	err := fn(client)
	if err == nil {
		m.RecordSuccess()
		return nil
	}
	m.RecordFailure()

	activeIdx := atomic.LoadInt32(&m.activeIdx)
	for i, n := range m.nodes {
		if int32(i) == activeIdx {
			continue
		}
		n.mu.RLock()
		healthy := n.healthy
		n.mu.RUnlock()
		if !healthy {
			continue
		}

		util.Infof("upstream: failing over to %s", n.name)
		if err := fn(n.client); err == nil {
			atomic.StoreInt32(&m.activeIdx, int32(i))
			util.Infof("upstream: failover to %s succeeded", n.name)
			return nil
		}

		n.mu.Lock()
		n.failCount++
		n.mu.Unlock()
	}

	return err
}

// NodeCount returns the number of configured nodes.
func (m *Manager) NodeCount() int {
	return len(m.nodes)
}

// HealthyCount returns the number of currently healthy nodes.
func (m *Manager) HealthyCount() int {
	count := 0
	for _, n := range m.nodes {
		n.mu.RLock()
		if n.healthy {
			count++
		}
		n.mu.RUnlock()
	}
	return count
}
