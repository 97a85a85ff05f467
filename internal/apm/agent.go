// Package apm wraps New Relic APM integration for the pool's domain
// events: share submissions, coinbase maturity, reward allocations, and
// worker connect/disconnect, plus the pool/network gauges the metrics
// collector produces each tick.
package apm

import (
	"context"
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/kaspa-pool/kaspool/internal/config"
	"github.com/kaspa-pool/kaspool/internal/util"
)

// Agent wraps New Relic APM functionality.
type Agent struct {
	cfg *config.APMConfig
	app *newrelic.Application
	mu  sync.RWMutex
}

// NewAgent creates a new APM agent.
func NewAgent(cfg *config.APMConfig) *Agent {
	return &Agent{cfg: cfg}
}

// Start initializes the New Relic agent.
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("apm: disabled")
		return nil
	}

	if a.cfg.LicenseKey == "" {
		util.Warn("apm: license key not configured, staying disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return err
	}

	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("apm: connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("apm: enabled for app %s", a.cfg.AppName)
	return nil
}

// Stop shuts down the agent.
func (a *Agent) Stop() {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		util.Info("apm: shutting down")
		app.Shutdown(10 * time.Second)
	}
}

// Application returns the underlying New Relic application, for gin
// middleware.
func (a *Agent) Application() *newrelic.Application {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app
}

// IsEnabled reports whether the agent connected successfully.
func (a *Agent) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app != nil
}

// StartTransaction starts a New Relic transaction.
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

// RecordCustomEvent records a custom event.
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric.
func (a *Agent) RecordCustomMetric(name string, value float64) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// NoticeError records an error against a transaction.
func (a *Agent) NoticeError(txn *newrelic.Transaction, err error) {
	if txn != nil && err != nil {
		txn.NoticeError(err)
	}
}

// NewContext attaches a transaction to ctx.
func (a *Agent) NewContext(ctx context.Context, txn *newrelic.Transaction) context.Context {
	if txn == nil {
		return ctx
	}
	return newrelic.NewContext(ctx, txn)
}

// FromContext retrieves a transaction from ctx.
func (a *Agent) FromContext(ctx context.Context) *newrelic.Transaction {
	return newrelic.FromContext(ctx)
}

// RecordShareSubmission records one classified share submission.
func (a *Agent) RecordShareSubmission(address, worker string, difficulty uint64, classification string) {
	a.RecordCustomEvent("ShareSubmission", map[string]interface{}{
		"address":        address,
		"worker":         worker,
		"difficulty":     difficulty,
		"classification": classification,
	})
}

// RecordCoinbaseMatured records a matured coinbase event reaching the
// reward allocator, keyed by DAA score rather than a chain height.
func (a *Agent) RecordCoinbaseMatured(daaScore uint64, rewardBlockHash string, minerReward, poolFee uint64) {
	a.RecordCustomEvent("CoinbaseMatured", map[string]interface{}{
		"daaScore":        daaScore,
		"rewardBlockHash": rewardBlockHash,
		"minerReward":     minerReward,
		"poolFee":         poolFee,
	})
}

// RecordRewardAllocated records one address's credited share of a matured
// coinbase.
func (a *Agent) RecordRewardAllocated(address, minerID string, amount, rebate uint64, path string) {
	a.RecordCustomEvent("RewardAllocated", map[string]interface{}{
		"address": address,
		"minerID": minerID,
		"amount":  amount,
		"rebate":  rebate,
		"path":    path,
	})
}

// RecordJobRefresh records a new template being broadcast to connected
// miners.
func (a *Agent) RecordJobRefresh(jobID string, daaScore uint64, workerCount int) {
	a.RecordCustomEvent("JobRefresh", map[string]interface{}{
		"jobID":       jobID,
		"daaScore":    daaScore,
		"workerCount": workerCount,
	})
}

// RecordMinerConnected records a worker authorizing on a Stratum session.
func (a *Agent) RecordMinerConnected(address, worker, ip string) {
	a.RecordCustomEvent("MinerConnected", map[string]interface{}{
		"address": address,
		"worker":  worker,
		"ip":      ip,
	})
}

// RecordMinerDisconnected records a Stratum session closing.
func (a *Agent) RecordMinerDisconnected(address, worker string) {
	a.RecordCustomEvent("MinerDisconnected", map[string]interface{}{
		"address": address,
		"worker":  worker,
	})
}

// UpdatePoolMetrics pushes the metrics collector's latest pool-wide
// gauges.
func (a *Agent) UpdatePoolMetrics(hashrate, hashrateLarge float64, miners, workers int64) {
	a.RecordCustomMetric("Custom/Pool/Hashrate", hashrate)
	a.RecordCustomMetric("Custom/Pool/HashrateLarge", hashrateLarge)
	a.RecordCustomMetric("Custom/Pool/Miners", float64(miners))
	a.RecordCustomMetric("Custom/Pool/Workers", float64(workers))
}

// UpdateNetworkMetrics pushes the network's current DAA score, difficulty,
// and estimated hashrate.
func (a *Agent) UpdateNetworkMetrics(daaScore, difficulty uint64, hashrate float64) {
	a.RecordCustomMetric("Custom/Network/DAAScore", float64(daaScore))
	a.RecordCustomMetric("Custom/Network/Difficulty", float64(difficulty))
	a.RecordCustomMetric("Custom/Network/Hashrate", hashrate)
}
