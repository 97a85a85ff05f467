package rewards

import (
	"context"
	"fmt"
	"strings"

	"github.com/kaspa-pool/kaspool/internal/upstream"
)

// UpstreamResolver implements BlockResolver against a live node: it fetches
// the reward block, then walks its blue merge set looking for the block
// whose miner-info string carries the pool's tag. That block's hash and DAA
// score are the mined block's, per the coinbase-maturity protocol: the
// reward-paying block is never itself the mined block on a BlockDAG, since
// rewards mature several merge depths after the block that earned them.
type UpstreamResolver struct {
	manager *upstream.Manager
	tag     string
}

// NewUpstreamResolver builds a resolver that looks for infoTag in each
// candidate block's miner-info field.
func NewUpstreamResolver(manager *upstream.Manager, infoTag string) *UpstreamResolver {
	return &UpstreamResolver{manager: manager, tag: infoTag}
}

func (r *UpstreamResolver) ResolveMinedBlock(ctx context.Context, rewardBlockHash string) (string, uint64, error) {
	var reward *upstream.BlockResult
	err := r.manager.CallWithFailover(func(c *upstream.Client) error {
		b, err := c.GetBlock(ctx, rewardBlockHash, false)
		if err != nil {
			return err
		}
		reward = b
		return nil
	})
	if err != nil {
		return "", 0, fmt.Errorf("resolve reward block %s: %w", rewardBlockHash, err)
	}

	for _, candidate := range reward.VerboseData.MergeSetBluesHashes {
		var block *upstream.BlockResult
		err := r.manager.CallWithFailover(func(c *upstream.Client) error {
			b, err := c.GetBlock(ctx, candidate, false)
			if err != nil {
				return err
			}
			block = b
			return nil
		})
		if err != nil {
			return "", 0, fmt.Errorf("resolve merge set member %s: %w", candidate, err)
		}
		if r.tag != "" && strings.Contains(block.Extra.MinerInfo, r.tag) {
			return block.Hash, block.Header.DAAScore, nil
		}
	}
	return "", 0, nil
}
