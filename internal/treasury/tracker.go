package treasury

import (
	"context"
	"sync"
	"time"

	"github.com/kaspa-pool/kaspool/internal/util"
)

// defaultScanParallelism is the worker pool size consuming the block queue
// when the operator does not override it.
const defaultScanParallelism = 10

// queuePollInterval is how often an idle worker polls the queue for new
// blocks when none are immediately available.
const queuePollInterval = 200 * time.Millisecond

// CoinbaseFunc is invoked for every matured coinbase event.
type CoinbaseFunc func(CoinbaseEvent)

// Tracker watches block-added notifications for pool-address payments and,
// on coinbase maturity, resolves the originating block and emits a reward
// event.
type Tracker struct {
	poolAddress   string
	feeBps        int
	poolStartTime time.Time
	parallelism   int

	queue    *blockQueue
	recorder BlockRecorder
	onEvent  CoinbaseFunc

	reconnectMu  sync.Mutex
	reconnecting bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTracker creates a treasury tracker for poolAddress, paying feeBps basis
// points to the pool, ignoring coinbase events earlier than poolStartTime.
func NewTracker(poolAddress string, feeBps int, poolStartTime time.Time, parallelism int, recorder BlockRecorder, onEvent CoinbaseFunc) *Tracker {
	if parallelism <= 0 {
		parallelism = defaultScanParallelism
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		poolAddress:   poolAddress,
		feeBps:        feeBps,
		poolStartTime: poolStartTime,
		parallelism:   parallelism,
		queue:         newBlockQueue(),
		recorder:      recorder,
		onEvent:       onEvent,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start launches the scan worker pool.
func (t *Tracker) Start() {
	for i := 0; i < t.parallelism; i++ {
		t.wg.Add(1)
		go t.scanLoop()
	}
}

// Stop halts every scan worker and waits for them to exit.
func (t *Tracker) Stop() {
	t.cancel()
	t.wg.Wait()
}

// OnBlockAdded enqueues a newly observed block for pool-address scanning.
// Safe to call from the upstream event feed's goroutine.
func (t *Tracker) OnBlockAdded(b CandidateBlock) {
	t.queue.Enqueue(b)
}

// QueueLen reports the number of blocks awaiting scan, for metrics.
func (t *Tracker) QueueLen() int {
	return t.queue.Len()
}

func (t *Tracker) scanLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(queuePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			for {
				b, ok := t.queue.Dequeue()
				if !ok {
					break
				}
				t.scanBlock(b)
			}
		}
	}
}

// scanBlock scans every output of every transaction in b for a payment to
// the pool address, recording the (txId, rewardBlockHash) mapping on match.
// Every scanned block is recorded as a chain block (isChainBlock is always
// true here): nothing between the event feed and this scan marks non-chain
// blocks, so a later block paying the same transaction overwrites the
// mapping.
func (t *Tracker) scanBlock(b CandidateBlock) {
	for _, tx := range b.Transactions {
		for _, out := range tx.Outputs {
			if out.Address != t.poolAddress {
				continue
			}
			if err := t.recorder.RecordRewardBlockHash(tx.ID, b.Hash, b.DAAScore, true); err != nil {
				util.Warnf("treasury: failed to record reward block hash for tx %s: %v", tx.ID, err)
			}
		}
	}
}

// HandleMaturity processes one coinbase maturity notification, emitting a
// coinbase event unless the block predates the pool's start time.
func (t *Tracker) HandleMaturity(n MaturityNotification) {
	if !n.IsCoinbase {
		return
	}
	if n.BlockTimestamp.Before(t.poolStartTime) {
		util.Debugf("treasury: ignoring coinbase %s predating pool start", n.TxID)
		return
	}

	poolFee := n.Amount * uint64(t.feeBps) / 10000
	minerReward := n.Amount - poolFee

	rewardBlockHash, err := t.recorder.LookupRewardBlockHash(n.TxID)
	if err != nil {
		util.Warnf("treasury: reward block hash lookup failed for tx %s: %v", n.TxID, err)
		rewardBlockHash = ""
	}

	event := CoinbaseEvent{
		MinerReward:     minerReward,
		PoolFee:         poolFee,
		RewardBlockHash: rewardBlockHash,
		TxID:            n.TxID,
		DAAScore:        n.DAAScore,
		BlockTimestamp:  n.BlockTimestamp,
	}

	if t.onEvent != nil {
		t.onEvent(event)
	}
}

// OnUTXOProcessorReconnect re-registers the tracker's listeners, guarding
// against double registration if called concurrently (e.g. two reconnect
// signals racing).
func (t *Tracker) OnUTXOProcessorReconnect(register func()) {
	t.reconnectMu.Lock()
	if t.reconnecting {
		t.reconnectMu.Unlock()
		return
	}
	t.reconnecting = true
	t.reconnectMu.Unlock()

	register()

	t.reconnectMu.Lock()
	t.reconnecting = false
	t.reconnectMu.Unlock()
}
