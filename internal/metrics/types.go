// Package metrics implements the pool-wide collector: hashrate estimation
// aggregated from every authorized worker, liveness gauges over the
// upstream node pool, and a reconnection watchdog that flags flapping
// nodes. It owns no durable state of its own; it reads the shares manager
// and upstream manager each tick and merges the result with the durable
// counters already persisted by the reward allocator.
package metrics

import "time"

// UpstreamLiveness reports one upstream node's health plus the watchdog's
// view of its recent stability.
type UpstreamLiveness struct {
	Name         string        `json:"name"`
	Healthy      bool          `json:"healthy"`
	LastCheck    time.Time     `json:"last_check"`
	ResponseTime time.Duration `json:"response_time"`
	DAAScore     uint64        `json:"daa_score"`
	Difficulty   float64       `json:"difficulty"`
	Reconnects   int64         `json:"reconnects"`
	Stale        bool          `json:"stale"`
}

// Snapshot is the collector's latest pool-wide view, cheap to read
// concurrently from the API and APM layers.
type Snapshot struct {
	Hashrate      float64 `json:"hashrate"`       // MH/s, instantaneous
	HashrateLarge float64 `json:"hashrate_large"` // MH/s, smoothed over the configured window
	Miners        int64   `json:"miners"`
	Workers       int64   `json:"workers"`

	BlocksFound    uint64 `json:"blocks_found"`
	LastBlockFound int64  `json:"last_block_found"`
	LastBlockDAA   uint64 `json:"last_block_daa_score"`
	TotalPaid      uint64 `json:"total_paid"`

	Upstreams []UpstreamLiveness `json:"upstreams"`
	TakenAt   time.Time          `json:"taken_at"`
}
