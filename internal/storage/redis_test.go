package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	client, err := NewRedisClient(mr.Addr(), "", 0)
	if err != nil {
		mr.Close()
		t.Fatalf("Failed to create Redis client: %v", err)
	}

	return client, mr
}

func TestNewRedisClient(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client, err := NewRedisClient(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("NewRedisClient() error = %v", err)
	}
	defer client.Close()

	if client == nil {
		t.Fatal("NewRedisClient returned nil")
	}
}

func TestNewRedisClientInvalid(t *testing.T) {
	_, err := NewRedisClient("invalid:9999", "", 0)
	if err == nil {
		t.Error("NewRedisClient should return error for invalid address")
	}
}

func TestAddBalanceCreditsMinerAndWallet(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()
	ctx := context.Background()

	if err := client.AddBalance(ctx, "miner-1", "kaspa:wallet1", 1000, 10); err != nil {
		t.Fatalf("AddBalance() error = %v", err)
	}
	if err := client.AddBalance(ctx, "miner-1", "kaspa:wallet1", 500, 5); err != nil {
		t.Fatalf("AddBalance() error = %v", err)
	}

	mb, err := client.GetMinerBalance(ctx, "miner-1", "kaspa:wallet1")
	if err != nil {
		t.Fatalf("GetMinerBalance() error = %v", err)
	}
	if mb == nil || mb.Balance != 1500 || mb.Rebate != 15 {
		t.Fatalf("GetMinerBalance() = %+v, want balance=1500 rebate=15", mb)
	}

	wt, err := client.GetWalletTotal(ctx, "kaspa:wallet1")
	if err != nil {
		t.Fatalf("GetWalletTotal() error = %v", err)
	}
	if wt == nil || wt.Balance != 1500 || wt.Rebate != 15 {
		t.Fatalf("GetWalletTotal() = %+v, want balance=1500 rebate=15", wt)
	}
}

func TestAddBalanceAggregatesAcrossMiners(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()
	ctx := context.Background()

	client.AddBalance(ctx, "miner-1", "kaspa:shared", 1000, 0)
	client.AddBalance(ctx, "miner-2", "kaspa:shared", 2000, 0)

	wt, err := client.GetWalletTotal(ctx, "kaspa:shared")
	if err != nil {
		t.Fatalf("GetWalletTotal() error = %v", err)
	}
	if wt.Balance != 3000 {
		t.Errorf("GetWalletTotal().Balance = %d, want 3000", wt.Balance)
	}
}

func TestGetMinerBalanceNotFound(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	mb, err := client.GetMinerBalance(context.Background(), "nobody", "nowallet")
	if err != nil {
		t.Fatalf("GetMinerBalance() error = %v", err)
	}
	if mb != nil {
		t.Error("GetMinerBalance should return nil for an uncredited row")
	}
}

func TestAddBlockDetailsInsertThenConflictUpdate(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()
	ctx := context.Background()

	err := client.AddBlockDetails(ctx, BlockDetails{
		MinedBlockHash: "deadbeef",
		MinerID:        "miner-1",
		Address:        "kaspa:pool.rig1",
		PoolFee:        20_000_000,
		DAAScore:       555,
		AllocationPath: PathDAAWindow,
		Timestamp:      1000,
	})
	if err != nil {
		t.Fatalf("AddBlockDetails() insert error = %v", err)
	}

	// Conflict: only RewardBlockHash and MinerReward should change.
	err = client.AddBlockDetails(ctx, BlockDetails{
		MinedBlockHash:  "deadbeef",
		RewardBlockHash: "rewardhash1",
		MinerReward:     980_000_000,
		PoolFee:         999, // must not overwrite the first insert's value
		DAAScore:        1,  // must not overwrite the first insert's value
	})
	if err != nil {
		t.Fatalf("AddBlockDetails() conflict error = %v", err)
	}

	d, err := client.GetBlockDetails(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("GetBlockDetails() error = %v", err)
	}
	if d == nil {
		t.Fatal("GetBlockDetails() returned nil")
	}
	if d.RewardBlockHash != "rewardhash1" || d.MinerReward != 980_000_000 {
		t.Errorf("conflict fields not updated: %+v", d)
	}
	if d.PoolFee != 20_000_000 || d.DAAScore != 555 {
		t.Errorf("fixed-at-insert fields were overwritten: %+v", d)
	}
}

func TestAddRewardDetailsAndLookup(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()
	ctx := context.Background()

	if err := client.AddRewardDetails(ctx, "rewardhash1", "tx1"); err != nil {
		t.Fatalf("AddRewardDetails() error = %v", err)
	}

	hash, err := client.GetRewardBlockHash(ctx, "tx1")
	if err != nil {
		t.Fatalf("GetRewardBlockHash() error = %v", err)
	}
	if hash != "rewardhash1" {
		t.Errorf("GetRewardBlockHash() = %q, want rewardhash1", hash)
	}
}

func TestGetRewardBlockHashUnknown(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	hash, err := client.GetRewardBlockHash(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetRewardBlockHash() error = %v", err)
	}
	if hash != "" {
		t.Errorf("GetRewardBlockHash() = %q, want empty", hash)
	}
}

func TestRecordAndLookupRewardBlockHashTreasuryAdapter(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	if err := client.RecordRewardBlockHash("tx2", "rewardhash2", 777, true); err != nil {
		t.Fatalf("RecordRewardBlockHash() error = %v", err)
	}
	hash, err := client.LookupRewardBlockHash("tx2")
	if err != nil {
		t.Fatalf("LookupRewardBlockHash() error = %v", err)
	}
	if hash != "rewardhash2" {
		t.Errorf("LookupRewardBlockHash() = %q, want rewardhash2", hash)
	}

	// Non-chain blocks are not recorded.
	if err := client.RecordRewardBlockHash("tx3", "orphanhash", 1, false); err != nil {
		t.Fatalf("RecordRewardBlockHash() error = %v", err)
	}
	hash, _ = client.LookupRewardBlockHash("tx3")
	if hash != "" {
		t.Errorf("expected no mapping recorded for a non-chain block, got %q", hash)
	}
}

func TestRecordProvisionalBlock(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	var hash [32]byte
	hash[0] = 0xAB

	if err := client.RecordProvisionalBlock(context.Background(), hash, "miner-1", "kaspa:pool.rig1", 42); err != nil {
		t.Fatalf("RecordProvisionalBlock() error = %v", err)
	}

	minedHash := fmtHash(hash)
	d, err := client.GetBlockDetails(context.Background(), minedHash)
	if err != nil {
		t.Fatalf("GetBlockDetails() error = %v", err)
	}
	if d == nil {
		t.Fatal("GetBlockDetails() returned nil after RecordProvisionalBlock")
	}
	if d.MinerID != "miner-1" || d.DAAScore != 42 {
		t.Errorf("provisional block not recorded correctly: %+v", d)
	}
}

func fmtHash(h [32]byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 64)
	for i, b := range h {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

func TestGetUserNotFound(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	u, err := client.GetUser(context.Background(), "custodian-123")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if u != nil {
		t.Error("GetUser should return nil for an unknown identifier")
	}
}

func TestPayoutLock(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()
	ctx := context.Background()

	locked, err := client.IsPayoutsLocked(ctx)
	if err != nil {
		t.Fatalf("IsPayoutsLocked() error = %v", err)
	}
	if locked {
		t.Error("Payouts should not be locked initially")
	}

	acquired, err := client.LockPayouts(ctx, "lock123", 1*time.Minute)
	if err != nil {
		t.Fatalf("LockPayouts() error = %v", err)
	}
	if !acquired {
		t.Error("Should acquire lock")
	}

	acquired, _ = client.LockPayouts(ctx, "another_lock", 1*time.Minute)
	if acquired {
		t.Error("Should not acquire lock when already locked")
	}

	if err := client.UnlockPayouts(ctx, "lock123"); err != nil {
		t.Fatalf("UnlockPayouts() error = %v", err)
	}

	locked, _ = client.IsPayoutsLocked(ctx)
	if locked {
		t.Error("Payouts should not be locked after unlock")
	}
}

func TestBlacklist(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	address := "kaspa:blacklisted"

	blacklisted, err := client.IsBlacklisted(address)
	if err != nil {
		t.Fatalf("IsBlacklisted() error = %v", err)
	}
	if blacklisted {
		t.Error("Address should not be blacklisted initially")
	}

	if err := client.AddToBlacklist(address); err != nil {
		t.Fatalf("AddToBlacklist() error = %v", err)
	}

	blacklisted, err = client.IsBlacklisted(address)
	if err != nil {
		t.Fatalf("IsBlacklisted() error = %v", err)
	}
	if !blacklisted {
		t.Error("Address should be blacklisted")
	}

	list, err := client.GetBlacklist()
	if err != nil {
		t.Fatalf("GetBlacklist() error = %v", err)
	}
	if len(list) != 1 {
		t.Errorf("GetBlacklist() returned %d items, want 1", len(list))
	}
}

func TestWhitelist(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ip := "192.168.1.100"

	if err := client.AddToWhitelist(ip); err != nil {
		t.Fatalf("AddToWhitelist() error = %v", err)
	}

	list, err := client.GetWhitelist()
	if err != nil {
		t.Fatalf("GetWhitelist() error = %v", err)
	}
	if len(list) != 1 {
		t.Errorf("GetWhitelist() returned %d items, want 1", len(list))
	}
}

func TestSetAndGetPoolStats(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()
	ctx := context.Background()

	stats := &PoolStats{
		LastBlockFound: time.Now().Unix(),
		LastBlockDAA:   12345,
		BlocksFound:    7,
		TotalPaid:      100_000_000,
	}
	if err := client.SetPoolStats(ctx, stats); err != nil {
		t.Fatalf("SetPoolStats() error = %v", err)
	}

	got, err := client.GetPoolStats(ctx)
	if err != nil {
		t.Fatalf("GetPoolStats() error = %v", err)
	}
	if got.BlocksFound != 7 || got.TotalPaid != 100_000_000 {
		t.Errorf("GetPoolStats() = %+v, want blocksFound=7 totalPaid=100000000", got)
	}
}
