// Package treasury implements the treasury tracker: it watches block-added
// events for transactions paying the pool address, and on coinbase maturity
// resolves the originating block and emits a reward event for the
// allocator.
package treasury

import "time"

// CandidateBlock is one DAG block queued for pool-address transaction
// scanning.
type CandidateBlock struct {
	Hash         string
	DAAScore     uint64
	Timestamp    int64
	Transactions []Transaction
}

// Transaction is the minimal shape the scanner needs: its own id and the
// addresses/amounts of its outputs.
type Transaction struct {
	ID      string
	Outputs []Output
}

// Output is one transaction output.
type Output struct {
	Address string
	Amount  uint64
}

// CoinbaseEvent is emitted once a coinbase UTXO reaches maturity, ready for
// the reward allocator to consume.
type CoinbaseEvent struct {
	MinerReward    uint64
	PoolFee        uint64
	RewardBlockHash string
	TxID           string
	DAAScore       uint64
	BlockTimestamp time.Time
}

// MaturityNotification is what the upstream UTXO processor reports for a
// coinbase output that has reached spendable maturity.
type MaturityNotification struct {
	TxID           string
	Amount         uint64
	DAAScore       uint64
	BlockTimestamp time.Time
	IsCoinbase     bool
}

// BlockRecorder persists the txId -> rewardBlockHash mapping the tracker
// discovers while scanning blocks, and resolves it back on maturity.
type BlockRecorder interface {
	RecordRewardBlockHash(txID, blockHash string, daaScore uint64, isChainBlock bool) error
	LookupRewardBlockHash(txID string) (string, error)
}
