// Package storage implements the persistence gateway: the balance ledger,
// block-detail and reward-hash tables, and payout locks, all backed by
// Redis transactions standing in for the ledger's single-transaction
// requirement.
package storage

import "time"

// MinerBalance is one (minerId, wallet) ledger row: the primary balance
// credited from block rewards and the secondary balance credited from fee
// rebates, both monotonically increasing.
type MinerBalance struct {
	MinerID string `json:"miner_id"`
	Wallet  string `json:"wallet"`
	Balance uint64 `json:"balance"`
	Rebate  uint64 `json:"rebate"`
}

// WalletTotal is the per-wallet aggregate across every minerId that has
// ever credited it.
type WalletTotal struct {
	Wallet  string `json:"wallet"`
	Balance uint64 `json:"balance"`
	Rebate  uint64 `json:"rebate"`
}

// AllocationPath records which of the reward allocator's two paths produced
// a block's credits, for operator auditability.
type AllocationPath string

const (
	PathDAAWindow    AllocationPath = "daa_window"
	PathTimeWeighted AllocationPath = "time_weighted"
)

// BlockDetails is one mined-block row, upserted by MinedBlockHash. Only
// RewardBlockHash and MinerReward are updated on conflict; the rest of the
// row is fixed at first insert.
type BlockDetails struct {
	MinedBlockHash  string         `json:"mined_block_hash"`
	RewardBlockHash string         `json:"reward_block_hash"`
	MinerID         string         `json:"miner_id"` // submitting miner, fixed at first insert
	Address         string         `json:"address"`
	MinerReward     uint64         `json:"miner_reward"` // minerReward+poolFee, the gross credited
	PoolFee         uint64         `json:"pool_fee"`
	DAAScore        uint64         `json:"daa_score"`
	AllocationPath  AllocationPath `json:"allocation_path"`
	Timestamp       int64          `json:"timestamp"`
}

// RewardDetails is one reward-transaction row, upserted by RewardTxID.
type RewardDetails struct {
	RewardBlockHash string `json:"reward_block_hash"`
	RewardTxID      string `json:"reward_tx_id"`
	DAAScore        uint64 `json:"daa_score"`
	Timestamp       int64  `json:"timestamp"`
}

// User is a custodian-account lookup row: an identifier (e.g. an exchange
// sub-account id) that resolves to a payout address not itself valid as a
// protocol address.
type User struct {
	Identifier string `json:"identifier"`
	Address    string `json:"address"`
}

// MinerStats holds computed statistics for a miner, used by the stats API.
type MinerStats struct {
	Address       string    `json:"address"`
	Hashrate      float64   `json:"hashrate"`
	HashrateLarge float64   `json:"hashrate_large"`
	SharesValid   uint64    `json:"shares_valid"`
	SharesInvalid uint64    `json:"shares_invalid"`
	SharesStale   uint64    `json:"shares_stale"`
	Balance       uint64    `json:"balance"`
	Rebate        uint64    `json:"rebate"`
	LastShare     time.Time `json:"last_share"`
}

// PoolStats represents pool-wide statistics.
type PoolStats struct {
	Hashrate       float64 `json:"hashrate"`
	HashrateLarge  float64 `json:"hashrate_large"`
	Miners         int64   `json:"miners"`
	Workers        int64   `json:"workers"`
	LastBlockFound int64   `json:"last_block_found"`
	LastBlockDAA   uint64  `json:"last_block_daa_score"`
	BlocksFound    uint64  `json:"blocks_found"`
	TotalPaid      uint64  `json:"total_paid"`
}
