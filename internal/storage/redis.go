package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/kaspa-pool/kaspool/internal/util"
)

const (
	keyPrefix = "kaspool:"

	keyMinerBalance   = keyPrefix + "miners_balance:%s|%s" // minerId, wallet
	keyWalletTotal    = keyPrefix + "wallet_total:%s"      // wallet
	keyBlockDetails   = keyPrefix + "block_details:%s"     // minedBlockHash
	keyRewardDetails  = keyPrefix + "reward_details:%s"    // rewardTxId
	keyRewardHashByTx = keyPrefix + "reward_hash:%s"       // rewardTxId -> rewardBlockHash
	keyUsers          = keyPrefix + "users:%s"             // identifier
	keyPayoutLock     = keyPrefix + "payout:lock"
	keyBlacklist      = keyPrefix + "blacklist"
	keyWhitelist      = keyPrefix + "whitelist"
	keyStats          = keyPrefix + "stats"
	keyRecentBlocks   = keyPrefix + "recent_blocks" // ZSET: timestamp -> minedBlockHash
)

// RedisClient is the persistence gateway: a Redis-backed ledger, block-detail
// and reward-hash tables, and payout locks. Every exported method completes
// its writes in a single MULTI/EXEC transaction so a caller never observes a
// partially applied credit.
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis client.
func NewRedisClient(url, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	util.Info("storage: connected to Redis at ", url)
	return &RedisClient{client: client}, nil
}

// Close closes the Redis connection.
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// AddBalance credits a (minerId, wallet) ledger row and the wallet's
// aggregate in one transaction. Neither increment is idempotent: calling
// AddBalance again after a transport failure whose write actually landed
// double-credits, which the reward allocator avoids by draining its share
// window exactly once per mined block.
func (r *RedisClient) AddBalance(ctx context.Context, minerID, wallet string, kasAmount, rebateAmount uint64) error {
	minerKey := fmt.Sprintf(keyMinerBalance, minerID, wallet)
	walletKey := fmt.Sprintf(keyWalletTotal, wallet)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, minerKey, "miner_id", minerID, "wallet", wallet)
		pipe.HIncrBy(ctx, minerKey, "balance", int64(kasAmount))
		pipe.HIncrBy(ctx, minerKey, "rebate", int64(rebateAmount))

		pipe.HSet(ctx, walletKey, "wallet", wallet)
		pipe.HIncrBy(ctx, walletKey, "balance", int64(kasAmount))
		pipe.HIncrBy(ctx, walletKey, "rebate", int64(rebateAmount))
		return nil
	})
	return err
}

// GetMinerBalance returns one (minerId, wallet) ledger row, or nil if it has
// never been credited.
func (r *RedisClient) GetMinerBalance(ctx context.Context, minerID, wallet string) (*MinerBalance, error) {
	data, err := r.client.HGetAll(ctx, fmt.Sprintf(keyMinerBalance, minerID, wallet)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	balance, _ := strconv.ParseUint(data["balance"], 10, 64)
	rebate, _ := strconv.ParseUint(data["rebate"], 10, 64)
	return &MinerBalance{MinerID: minerID, Wallet: wallet, Balance: balance, Rebate: rebate}, nil
}

// GetWalletTotal returns a wallet's aggregate balance across every miner
// that has credited it, or nil if it has never been credited.
func (r *RedisClient) GetWalletTotal(ctx context.Context, wallet string) (*WalletTotal, error) {
	data, err := r.client.HGetAll(ctx, fmt.Sprintf(keyWalletTotal, wallet)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	balance, _ := strconv.ParseUint(data["balance"], 10, 64)
	rebate, _ := strconv.ParseUint(data["rebate"], 10, 64)
	return &WalletTotal{Wallet: wallet, Balance: balance, Rebate: rebate}, nil
}

// AddBlockDetails upserts a mined-block row by MinedBlockHash. On first
// insert every field is written; on conflict only RewardBlockHash and
// MinerReward are updated, matching the field set that can still change
// after a block has already been recorded (the reward transaction resolving
// later than the submit itself).
func (r *RedisClient) AddBlockDetails(ctx context.Context, d BlockDetails) error {
	key := fmt.Sprintf(keyBlockDetails, d.MinedBlockHash)

	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if exists == 0 {
			pipe.HSet(ctx, key,
				"mined_block_hash", d.MinedBlockHash,
				"miner_id", d.MinerID,
				"address", d.Address,
				"pool_fee", d.PoolFee,
				"daa_score", d.DAAScore,
				"allocation_path", string(d.AllocationPath),
				"timestamp", d.Timestamp,
			)
			pipe.ZAdd(ctx, keyRecentBlocks, &redis.Z{Score: float64(d.Timestamp), Member: d.MinedBlockHash})
		}
		if d.RewardBlockHash != "" {
			pipe.HSet(ctx, key, "reward_block_hash", d.RewardBlockHash)
		}
		if d.MinerReward != 0 {
			pipe.HSet(ctx, key, "miner_reward", d.MinerReward)
		}
		return nil
	})
	return err
}

// GetRecentBlocks returns the most recently mined blocks, newest first, up
// to limit.
func (r *RedisClient) GetRecentBlocks(ctx context.Context, limit int) ([]*BlockDetails, error) {
	hashes, err := r.client.ZRevRange(ctx, keyRecentBlocks, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}
	blocks := make([]*BlockDetails, 0, len(hashes))
	for _, hash := range hashes {
		d, err := r.GetBlockDetails(ctx, hash)
		if err != nil {
			return nil, err
		}
		if d != nil {
			blocks = append(blocks, d)
		}
	}
	return blocks, nil
}

// GetBlockDetails returns one mined-block row, or nil if unknown.
func (r *RedisClient) GetBlockDetails(ctx context.Context, minedBlockHash string) (*BlockDetails, error) {
	data, err := r.client.HGetAll(ctx, fmt.Sprintf(keyBlockDetails, minedBlockHash)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	d := &BlockDetails{
		MinedBlockHash:  minedBlockHash,
		RewardBlockHash: data["reward_block_hash"],
		MinerID:         data["miner_id"],
		Address:         data["address"],
		AllocationPath:  AllocationPath(data["allocation_path"]),
	}
	d.MinerReward, _ = strconv.ParseUint(data["miner_reward"], 10, 64)
	d.PoolFee, _ = strconv.ParseUint(data["pool_fee"], 10, 64)
	d.DAAScore, _ = strconv.ParseUint(data["daa_score"], 10, 64)
	d.Timestamp, _ = strconv.ParseInt(data["timestamp"], 10, 64)
	return d, nil
}

// AddRewardDetails upserts a reward-transaction row by RewardTxID and
// indexes the txId -> rewardBlockHash mapping GetRewardBlockHash reads.
func (r *RedisClient) AddRewardDetails(ctx context.Context, rewardBlockHash, rewardTxID string) error {
	key := fmt.Sprintf(keyRewardDetails, rewardTxID)
	now := time.Now().Unix()

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"reward_block_hash", rewardBlockHash,
			"reward_tx_id", rewardTxID,
			"timestamp", now,
		)
		pipe.Set(ctx, fmt.Sprintf(keyRewardHashByTx, rewardTxID), rewardBlockHash, 0)
		return nil
	})
	return err
}

// GetRewardBlockHash looks up the reward block hash recorded for a reward
// transaction id.
func (r *RedisClient) GetRewardBlockHash(ctx context.Context, rewardTxID string) (string, error) {
	hash, err := r.client.Get(ctx, fmt.Sprintf(keyRewardHashByTx, rewardTxID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return hash, err
}

// RecordRewardBlockHash implements treasury.BlockRecorder: it records the
// txId -> rewardBlockHash mapping the treasury tracker discovers while
// scanning blocks for pool-address payments. Non-chain blocks (orphaned by
// a DAG reorg before this call lands) are not recorded.
func (r *RedisClient) RecordRewardBlockHash(txID, blockHash string, daaScore uint64, isChainBlock bool) error {
	if !isChainBlock {
		return nil
	}
	return r.AddRewardDetails(context.Background(), blockHash, txID)
}

// LookupRewardBlockHash implements treasury.BlockRecorder's read side.
func (r *RedisClient) LookupRewardBlockHash(txID string) (string, error) {
	return r.GetRewardBlockHash(context.Background(), txID)
}

// RecordProvisionalBlock implements templates.BlockRecorder: it records a
// mined-block row at submit time, before the reward transaction (and thus
// the miner/pool reward split) is known.
func (r *RedisClient) RecordProvisionalBlock(ctx context.Context, minedBlockHash [32]byte, minerID, address string, daaScore uint64) error {
	return r.AddBlockDetails(ctx, BlockDetails{
		MinedBlockHash: fmt.Sprintf("%x", minedBlockHash[:]),
		MinerID:        minerID,
		Address:        address,
		DAAScore:       daaScore,
		Timestamp:      time.Now().Unix(),
	})
}

// GetUser resolves a custodian-account identifier to its payout address.
// The Stratum session layer does not call it: mining.authorize rejects
// every address that fails protocol-address validation.
func (r *RedisClient) GetUser(ctx context.Context, identifier string) (*User, error) {
	address, err := r.client.Get(ctx, fmt.Sprintf(keyUsers, identifier)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &User{Identifier: identifier, Address: address}, nil
}

// LockPayouts acquires a lock for payment processing.
func (r *RedisClient) LockPayouts(ctx context.Context, lockID string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, keyPayoutLock, lockID, ttl).Result()
}

// UnlockPayouts releases the payment lock, but only if the caller still
// owns it.
func (r *RedisClient) UnlockPayouts(ctx context.Context, lockID string) error {
	current, err := r.client.Get(ctx, keyPayoutLock).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if current == lockID {
		return r.client.Del(ctx, keyPayoutLock).Err()
	}
	return nil
}

// IsPayoutsLocked reports whether payouts are currently locked.
func (r *RedisClient) IsPayoutsLocked(ctx context.Context) (bool, error) {
	exists, err := r.client.Exists(ctx, keyPayoutLock).Result()
	return exists > 0, err
}

// IsBlacklisted checks if an address is blacklisted.
func (r *RedisClient) IsBlacklisted(address string) (bool, error) {
	return r.client.SIsMember(context.Background(), keyBlacklist, address).Result()
}

// GetBlacklist returns all blacklisted addresses.
func (r *RedisClient) GetBlacklist() ([]string, error) {
	return r.client.SMembers(context.Background(), keyBlacklist).Result()
}

// AddToBlacklist adds an address to the blacklist.
func (r *RedisClient) AddToBlacklist(address string) error {
	return r.client.SAdd(context.Background(), keyBlacklist, address).Err()
}

// GetWhitelist returns all whitelisted IPs.
func (r *RedisClient) GetWhitelist() ([]string, error) {
	return r.client.SMembers(context.Background(), keyWhitelist).Result()
}

// AddToWhitelist adds an IP to the whitelist.
func (r *RedisClient) AddToWhitelist(ip string) error {
	return r.client.SAdd(context.Background(), keyWhitelist, ip).Err()
}

// SetPoolStats updates pool-wide statistics.
func (r *RedisClient) SetPoolStats(ctx context.Context, stats *PoolStats) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, keyStats,
			"last_block_found", stats.LastBlockFound,
			"last_block_daa_score", stats.LastBlockDAA,
			"blocks_found", stats.BlocksFound,
			"total_paid", stats.TotalPaid,
		)
		return nil
	})
	return err
}

// GetPoolStats returns pool-wide statistics.
func (r *RedisClient) GetPoolStats(ctx context.Context) (*PoolStats, error) {
	data, err := r.client.HGetAll(ctx, keyStats).Result()
	if err != nil {
		return nil, err
	}
	stats := &PoolStats{}
	stats.LastBlockFound, _ = strconv.ParseInt(data["last_block_found"], 10, 64)
	stats.LastBlockDAA, _ = strconv.ParseUint(data["last_block_daa_score"], 10, 64)
	stats.BlocksFound, _ = strconv.ParseUint(data["blocks_found"], 10, 64)
	stats.TotalPaid, _ = strconv.ParseUint(data["total_paid"], 10, 64)
	return stats, nil
}
