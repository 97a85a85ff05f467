package rewards

import (
	"context"
	"fmt"
	"time"

	"github.com/kaspa-pool/kaspool/internal/shares"
	"github.com/kaspa-pool/kaspool/internal/storage"
	"github.com/kaspa-pool/kaspool/internal/treasury"
	"github.com/kaspa-pool/kaspool/internal/util"
)

const (
	// poolAccount is the synthetic wallet the residual pool fee is credited
	// to once every rebate has been paid out of it.
	poolAccount = "pool"

	// defaultTimeWeightedHorizon is used when NewAllocator is given a zero
	// fallback window.
	defaultTimeWeightedHorizon = 5 * time.Minute

	// minWeightFraction is the floor applied to a worker's minDiff when
	// computing its fallback weight, so a worker that just connected still
	// earns a token credit rather than zero.
	minWeightFraction = 0.1
)

// Allocator runs the reward allocation algorithm: resolve the mined block,
// gather its contributing work (from the share window, or synthetically
// from currently active workers when the window is empty), and credit each
// contributing address its proportional share of the coinbase.
type Allocator struct {
	shares   ShareSource
	resolver BlockResolver
	ledger   Ledger
	blocks   BlockRecorder

	rebateBps      int
	fallbackWindow time.Duration
}

// NewAllocator builds an Allocator. rebateBps is the share (in basis
// points) of the pool fee rebated back to contributing miners; the reward
// and fee amounts themselves arrive already split in each CoinbaseEvent.
// fallbackWindow bounds how much of a worker's idle time counts toward its
// time-weighted fallback share when the DAA window has no recorded shares;
// a zero value uses defaultTimeWeightedHorizon.
func NewAllocator(src ShareSource, resolver BlockResolver, ledger Ledger, blocks BlockRecorder, rebateBps int, fallbackWindow time.Duration) *Allocator {
	if fallbackWindow <= 0 {
		fallbackWindow = defaultTimeWeightedHorizon
	}
	return &Allocator{
		shares:         src,
		resolver:       resolver,
		ledger:         ledger,
		blocks:         blocks,
		rebateBps:      rebateBps,
		fallbackWindow: fallbackWindow,
	}
}

// Allocate runs one full allocation pass for a matured coinbase event.
func (a *Allocator) Allocate(ctx context.Context, ev treasury.CoinbaseEvent) error {
	minedBlockHash, mineDaaScore, err := a.resolver.ResolveMinedBlock(ctx, ev.RewardBlockHash)
	if err != nil {
		return fmt.Errorf("resolve mined block for reward %s: %w", ev.RewardBlockHash, err)
	}

	credits, path := a.gatherWork(mineDaaScore)

	gross := ev.MinerReward + ev.PoolFee
	if err := a.blocks.AddBlockDetails(ctx, storage.BlockDetails{
		MinedBlockHash:  minedBlockHash,
		RewardBlockHash: ev.RewardBlockHash,
		MinerReward:     gross,
		PoolFee:         ev.PoolFee,
		DAAScore:        mineDaaScore,
		AllocationPath:  path,
		Timestamp:       ev.BlockTimestamp.Unix(),
	}); err != nil {
		return fmt.Errorf("record block details for %s: %w", minedBlockHash, err)
	}
	util.Warnf("block details for %s record gross miner_reward=%d (minerReward+poolFee), grossConvention=true", minedBlockHash, gross)

	if len(credits) == 0 {
		util.Warnf("reward allocation for reward block %s found no contributing work", ev.RewardBlockHash)
		return nil
	}

	var totalWork uint64
	for _, c := range credits {
		totalWork += c.difficulty
	}
	if totalWork == 0 {
		util.Warnf("reward allocation for reward block %s has zero total work", ev.RewardBlockHash)
		return nil
	}

	var rebateTotal uint64
	for address, c := range credits {
		work := c.difficulty

		share := (work * 100 * ev.MinerReward) / (totalWork * 100)
		rebate := (work * 100 * ev.PoolFee * uint64(a.rebateBps)) / (totalWork * 100 * 10000)
		rebateTotal += rebate

		if err := a.ledger.AddBalance(ctx, c.minerID, address, share, rebate); err != nil {
			return fmt.Errorf("credit %s: %w", address, err)
		}
	}

	if ev.PoolFee > 0 {
		residual := ev.PoolFee - rebateTotal
		if err := a.ledger.AddBalance(ctx, poolAccount, poolAccount, residual, 0); err != nil {
			return fmt.Errorf("credit pool residual fee: %w", err)
		}
	}
	return nil
}

// gatherWork drains the primary DAA-windowed share window; if it returns no
// contributions, it falls back to a synthetic, time-weighted estimate built
// from currently active workers.
func (a *Allocator) gatherWork(mineDaaScore uint64) (map[string]*credit, storage.AllocationPath) {
	contributions := a.shares.Window().Drain(mineDaaScore)
	if len(contributions) > 0 {
		return aggregateContributions(contributions), storage.PathDAAWindow
	}
	return a.timeWeightedFallback(), storage.PathTimeWeighted
}

func aggregateContributions(contributions []shares.Contribution) map[string]*credit {
	credits := make(map[string]*credit)
	for _, c := range contributions {
		identity := shares.WorkerIdentity{PayoutAddress: c.PayoutAddress, WorkerName: c.WorkerName}
		existing, ok := credits[c.PayoutAddress]
		if !ok {
			credits[c.PayoutAddress] = &credit{minerID: identity.Key(), difficulty: c.Difficulty}
			continue
		}
		existing.difficulty += c.Difficulty
	}
	return credits
}

// timeWeightedFallback builds synthetic work for every active worker,
// weighting each one's minDiff by how long it has gone since its last
// share: a worker idle for the full fallback window is assumed to have
// kept hashing unrecorded work and counts at its full minDiff, while one
// that just shared counts only at the floor weight.
func (a *Allocator) timeWeightedFallback() map[string]*credit {
	credits := make(map[string]*credit)
	now := time.Now()
	for _, w := range a.shares.ActiveWorkers() {
		idle := now.Sub(w.LastShare)
		if idle > a.fallbackWindow {
			idle = a.fallbackWindow
		}
		weight := float64(idle) / float64(a.fallbackWindow)

		floor := uint64(float64(w.MinDifficulty) * minWeightFraction)
		if floor < 1 {
			floor = 1
		}
		work := uint64(float64(w.MinDifficulty) * weight)
		if work < floor {
			work = floor
		}

		address := w.Identity.PayoutAddress
		existing, ok := credits[address]
		if !ok {
			credits[address] = &credit{minerID: w.Identity.Key(), difficulty: work}
			continue
		}
		existing.difficulty += work
	}
	return credits
}
