// Package rewards implements the reward allocator: given a matured coinbase
// event it resolves the mined block's exact DAA score, aggregates the
// contributing workers' share of the work (from the share window, or a
// synthetic time-weighted estimate when the window is empty), and credits
// the result through the persistence gateway.
package rewards

import (
	"context"

	"github.com/kaspa-pool/kaspool/internal/shares"
	"github.com/kaspa-pool/kaspool/internal/storage"
)

// ShareSource is the subset of the shares manager the allocator drains.
type ShareSource interface {
	Window() *shares.ShareWindow
	ActiveWorkers() []*shares.WorkerStats
}

// BlockResolver resolves a reward block's blue merge set down to the block
// that actually carries the pool's miner-info tag, per the mined-block
// resolution rule: the first merge-set-blue block whose miner-info string
// contains the configured tag is the mined block, and its DAA score is
// authoritative.
type BlockResolver interface {
	ResolveMinedBlock(ctx context.Context, rewardBlockHash string) (minedBlockHash string, daaScore uint64, err error)
}

// Ledger persists credited balances.
type Ledger interface {
	AddBalance(ctx context.Context, minerID, wallet string, kasAmount, rebateAmount uint64) error
}

// BlockRecorder persists the mined-block row an allocation pass is
// auditable against.
type BlockRecorder interface {
	AddBlockDetails(ctx context.Context, d storage.BlockDetails) error
}

// credit accumulates one payout address's aggregate difficulty across the
// contributions or synthetic shares assigned to it. minerID is fixed to
// whichever contribution is seen first for the address, per the spec's
// first-seen tie-break for display purposes only — credits are keyed by
// address, not minerID.
type credit struct {
	minerID    string
	difficulty uint64
}
