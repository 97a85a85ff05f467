// Command kaspool runs the mining pool server: it bridges a Stratum-speaking
// miner population to a kaspad node, tracks shares against issued block
// templates, submits solved blocks upstream, and credits miners once their
// share of a matured coinbase is known.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kaspa-pool/kaspool/internal/api"
	"github.com/kaspa-pool/kaspool/internal/apm"
	"github.com/kaspa-pool/kaspool/internal/config"
	"github.com/kaspa-pool/kaspool/internal/jobs"
	"github.com/kaspa-pool/kaspool/internal/metrics"
	"github.com/kaspa-pool/kaspool/internal/notify"
	"github.com/kaspa-pool/kaspool/internal/policy"
	"github.com/kaspa-pool/kaspool/internal/powhash"
	"github.com/kaspa-pool/kaspool/internal/profiling"
	"github.com/kaspa-pool/kaspool/internal/rewards"
	"github.com/kaspa-pool/kaspool/internal/shares"
	"github.com/kaspa-pool/kaspool/internal/storage"
	"github.com/kaspa-pool/kaspool/internal/stratum"
	"github.com/kaspa-pool/kaspool/internal/templates"
	"github.com/kaspa-pool/kaspool/internal/treasury"
	"github.com/kaspa-pool/kaspool/internal/upstream"
	"github.com/kaspa-pool/kaspool/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

// templateRefreshInterval bounds how long the pool will mine against a
// template when the node's block-added feed goes quiet, e.g. across a
// reconnect.
const templateRefreshInterval = 5 * time.Second

// utxoPollInterval is how often the pool polls its own address for newly
// matured coinbase outputs.
const utxoPollInterval = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("kaspool v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer util.Sync()

	util.Infof("kaspool v%s starting for network %s", version, cfg.Pool.Network)

	redis, err := storage.NewRedisClient(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		util.Fatalf("failed to connect to redis: %v", err)
	}
	defer redis.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upstreamMgr := upstream.NewManager(ctx, &cfg.Node)
	upstreamMgr.Start()

	policyCfg := policy.DefaultConfig()
	policyCfg.BanningEnabled = cfg.Security.BanningEnabled
	if cfg.Security.BanTimeout > 0 {
		policyCfg.BanTimeout = cfg.Security.BanTimeout
	}
	if cfg.Security.InvalidPercent > 0 {
		policyCfg.InvalidPercent = float32(cfg.Security.InvalidPercent)
	}
	if cfg.Security.CheckThreshold > 0 {
		policyCfg.CheckThreshold = int32(cfg.Security.CheckThreshold)
	}
	if cfg.Security.ConnectionLimit > 0 {
		policyCfg.ConnectionLimit = int32(cfg.Security.ConnectionLimit)
	}
	if cfg.Security.MalformedLimit > 0 {
		policyCfg.MalformedLimit = int32(cfg.Security.MalformedLimit)
	}
	policyCfg.IPSetName = cfg.Security.IPSetName
	policyServer := policy.NewPolicyServer(policyCfg, redis)
	policyServer.Start()

	var pprofServer *profiling.Server
	if cfg.Profiling.Enabled {
		pprofServer = profiling.NewServer(&cfg.Profiling)
		if err := pprofServer.Start(); err != nil {
			util.Errorf("failed to start pprof server: %v", err)
		}
	}

	agent := apm.NewAgent(&cfg.APM)
	if err := agent.Start(); err != nil {
		util.Errorf("failed to start apm agent: %v", err)
	}
	defer agent.Stop()

	notifier := notify.NewNotifier(&cfg.Notify)

	registry := jobs.NewRegistry()
	templateCache := templates.NewCache(cfg.Templates.CacheSize, registry)

	sharesMgr := shares.NewManager(templateCache, powhash.NewChecker())

	// NewServer registers the manager's difficulty-change callback, so it
	// runs before the manager's loops start.
	stratumSrv := stratum.NewServer(cfg.Stratum, registry, templateCache, sharesMgr, policyServer)
	sharesMgr.Start()
	defer sharesMgr.Stop()

	collector := metrics.NewCollector(sharesMgr, upstreamMgr, redis, cfg.Metrics)
	collector.Start(ctx)
	defer collector.Stop()

	resolver := rewards.NewUpstreamResolver(upstreamMgr, cfg.Pool.MinerInfoTag)
	allocator := rewards.NewAllocator(sharesMgr, resolver, redis, redis, cfg.Pool.RebateBps, cfg.Rewards.FallbackWindow)

	poolStart := time.Unix(cfg.Pool.StartUnixTime, 0)
	if cfg.Pool.StartUnixTime == 0 {
		poolStart = time.Now()
	}
	tracker := treasury.NewTracker(cfg.Pool.Address, cfg.Pool.FeeBps, poolStart, cfg.Treasury.WorkerPoolSize, redis,
		func(ev treasury.CoinbaseEvent) {
			agent.RecordCoinbaseMatured(ev.DAAScore, ev.RewardBlockHash, ev.MinerReward, ev.PoolFee)

			allocCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := allocator.Allocate(allocCtx, ev); err != nil {
				util.Errorf("reward allocation for %s failed: %v", ev.RewardBlockHash, err)
				return
			}

			blocks, err := redis.GetRecentBlocks(allocCtx, 1)
			if err != nil || len(blocks) == 0 {
				return
			}
			block := blocks[0]
			networkDifficulty := latestNetworkDifficulty(upstreamMgr)
			notifier.NotifyBlockFound(block, networkDifficulty)
			notifier.NotifyRewardsAllocated(block.DAAScore, block.MinerReward, 1)
		})
	tracker.Start()
	defer tracker.Stop()

	apiServer := api.NewServer(cfg, redis, collector)
	apiServer.SetUpstreamStateFunc(func() []api.UpstreamStatus {
		states := upstreamMgr.States()
		result := make([]api.UpstreamStatus, len(states))
		for i, st := range states {
			result[i] = api.UpstreamStatus{
				Name:           st.Name,
				URL:            st.URL,
				Healthy:        st.Healthy,
				ResponseTimeMs: float64(st.ResponseTime.Milliseconds()),
				DAAScore:       st.DAAScore,
				Difficulty:     st.Difficulty,
				Weight:         st.Weight,
				Reconnects:     0,
			}
		}
		return result
	})

	submitter := &submitterAdapter{manager: upstreamMgr}
	stratumSrv.OnBlockFound(func(identity shares.WorkerIdentity, headerHash [32]byte, nonce uint64) {
		submitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		result, err := templateCache.Submit(submitCtx, identity.Key(), identity.PayoutAddress, headerHash, nonce, submitter, redis)
		if err != nil {
			util.Errorf("block submit bookkeeping failed for %s: %v", identity.Key(), err)
			return
		}
		if !result.Accepted {
			util.Warnf("block submit rejected by node for %s: %s", identity.Key(), result.Reason)
		}
	})
	stratumSrv.OnShareEvent(func(identity shares.WorkerIdentity, class shares.Classification, difficulty uint64) {
		agent.RecordShareSubmission(identity.PayoutAddress, identity.WorkerName, difficulty, class.String())
	})
	stratumSrv.OnSessionEvent(func(address, worker, ip string, connected bool) {
		if connected {
			agent.RecordMinerConnected(address, worker, ip)
		} else {
			agent.RecordMinerDisconnected(address, worker)
		}
	})

	if err := stratumSrv.Start(); err != nil {
		util.Fatalf("failed to start stratum server: %v", err)
	}
	if cfg.API.Enabled {
		if err := apiServer.Start(); err != nil {
			util.Fatalf("failed to start api server: %v", err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		templateRefreshLoop(ctx, upstreamMgr, templateCache, stratumSrv, agent, cfg.Pool.Address, cfg.Pool.MinerInfoTag)
	}()

	feed := upstream.NewFeed(cfg.Node.WebsocketURL, cfg.Node.Timeout, cfg.Node.RetryInterval, func(note upstream.BlockAddedNotification) {
		scanCandidateBlock(ctx, upstreamMgr, tracker, note.Block.Header.Hash)
	})
	feed.Start()
	defer feed.Stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		utxoMaturityLoop(ctx, upstreamMgr, tracker, cfg.Pool.Address)
	}()

	util.Info("kaspool started. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	util.Info("shutting down...")
	cancel()
	wg.Wait()

	stratumSrv.Stop()
	if cfg.API.Enabled {
		apiServer.Stop()
	}
	policyServer.Stop()
	if pprofServer != nil {
		pprofServer.Stop()
	}
	upstreamMgr.Stop()

	util.Info("kaspool stopped")
}

// submitterAdapter bridges the upstream manager's failover-aware call
// surface to templates.Submitter. The node client's own SubmitBlock has no
// headerHash parameter: the template cache has already resolved it by the
// time Submitter is called, so it is simply discarded here.
type submitterAdapter struct {
	manager *upstream.Manager
}

func (s *submitterAdapter) SubmitBlock(ctx context.Context, _ [32]byte, rawHeader []byte, transactions [][]byte, nonce uint64) error {
	return s.manager.CallWithFailover(func(c *upstream.Client) error {
		return c.SubmitBlock(ctx, rawHeader, transactions, nonce)
	})
}

// templateRefreshLoop keeps the template cache warm on a fixed interval,
// independent of the block-added feed, so a quiet or reconnecting feed
// never leaves miners working a stale DAA score for long.
func templateRefreshLoop(ctx context.Context, upstreamMgr *upstream.Manager, cache *templates.Cache, stratumSrv *stratum.Server, agent *apm.Agent, payAddress, infoTag string) {
	ticker := time.NewTicker(templateRefreshInterval)
	defer ticker.Stop()

	for {
		refreshTemplate(ctx, upstreamMgr, cache, stratumSrv, agent, payAddress, infoTag)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func refreshTemplate(ctx context.Context, upstreamMgr *upstream.Manager, cache *templates.Cache, stratumSrv *stratum.Server, agent *apm.Agent, payAddress, infoTag string) {
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var raw *upstream.GetBlockTemplateResult
	err := upstreamMgr.CallWithFailover(func(c *upstream.Client) error {
		t, err := c.GetBlockTemplate(fetchCtx, payAddress, infoTag)
		if err != nil {
			return err
		}
		raw = t
		return nil
	})
	if err != nil {
		util.Warnf("template refresh failed: %v", err)
		return
	}

	tpl, err := convertTemplate(raw)
	if err != nil {
		util.Warnf("template refresh: malformed template from node: %v", err)
		return
	}

	jobID := cache.Insert(tpl)
	stratumSrv.BroadcastJob(jobID, tpl, true)
	agent.RecordJobRefresh(jobID, tpl.DAAScore, 0)
}

// convertTemplate decodes kaspad's getBlockTemplate response into the
// cache's Template shape. The header hash templates are keyed by, and the
// one PoW hashing solves against, is the pre-PoW hash: the full header
// (with nonce and timestamp filled in) only exists once a miner submits.
func convertTemplate(r *upstream.GetBlockTemplateResult) (*templates.Template, error) {
	rawHeader, err := hex.DecodeString(r.RawHeader)
	if err != nil {
		return nil, fmt.Errorf("raw header: %w", err)
	}
	prePoW, err := hex.DecodeString(r.PrePoWHash)
	if err != nil {
		return nil, fmt.Errorf("pre-pow hash: %w", err)
	}
	if len(prePoW) != 32 {
		return nil, fmt.Errorf("pre-pow hash: expected 32 bytes, got %d", len(prePoW))
	}
	target, ok := new(big.Int).SetString(r.Target, 10)
	if !ok {
		return nil, fmt.Errorf("target: invalid decimal %q", r.Target)
	}

	txs := make([][]byte, len(r.Transactions))
	for i, tx := range r.Transactions {
		b, err := hex.DecodeString(tx)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		txs[i] = b
	}

	var prePoWArr [32]byte
	copy(prePoWArr[:], prePoW)

	return &templates.Template{
		HeaderHash:   prePoWArr,
		RawHeader:    rawHeader,
		Transactions: txs,
		PrePoWHash:   prePoWArr,
		DAAScore:     r.DAAScore,
		Target:       target,
		Timestamp:    r.Timestamp,
	}, nil
}

// scanCandidateBlock fetches a newly added block's verbose transaction data
// and hands it to the treasury tracker for pool-address scanning.
func scanCandidateBlock(ctx context.Context, upstreamMgr *upstream.Manager, tracker *treasury.Tracker, hash string) {
	if hash == "" {
		return
	}
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var block *upstream.BlockResult
	err := upstreamMgr.CallWithFailover(func(c *upstream.Client) error {
		b, err := c.GetBlock(fetchCtx, hash, true)
		if err != nil {
			return err
		}
		block = b
		return nil
	})
	if err != nil {
		util.Warnf("treasury: fetch block %s failed: %v", hash, err)
		return
	}

	candidate := treasury.CandidateBlock{
		Hash:      block.Hash,
		DAAScore:  block.Header.DAAScore,
		Timestamp: block.Header.Timestamp,
	}
	for _, tx := range block.Transactions {
		txn := treasury.Transaction{ID: tx.VerboseData.TransactionID}
		for _, out := range tx.Outputs {
			txn.Outputs = append(txn.Outputs, treasury.Output{
				Address: out.VerboseData.ScriptPublicKeyAddress,
				Amount:  out.Amount,
			})
		}
		candidate.Transactions = append(candidate.Transactions, txn)
	}
	tracker.OnBlockAdded(candidate)
}

// utxoMaturityLoop polls the pool's own address for coinbase UTXOs and
// reports each one the tracker has not already been told about. kaspad only
// ever returns spendable (mature) outputs from this call, so the first
// sighting of a txId is itself the maturity signal.
func utxoMaturityLoop(ctx context.Context, upstreamMgr *upstream.Manager, tracker *treasury.Tracker, poolAddress string) {
	ticker := time.NewTicker(utxoPollInterval)
	defer ticker.Stop()

	seen := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		var utxos []upstream.UTXOEntry
		err := upstreamMgr.CallWithFailover(func(c *upstream.Client) error {
			entries, err := c.GetUTXOsByAddresses(fetchCtx, []string{poolAddress})
			if err != nil {
				return err
			}
			utxos = entries
			return nil
		})
		cancel()
		if err != nil {
			util.Warnf("treasury: utxo poll failed: %v", err)
			continue
		}

		for _, u := range utxos {
			if !u.IsCoinbase {
				continue
			}
			txID := u.Outpoint.TransactionID
			if _, ok := seen[txID]; ok {
				continue
			}
			seen[txID] = struct{}{}
			tracker.HandleMaturity(treasury.MaturityNotification{
				TxID:           txID,
				Amount:         u.Amount,
				DAAScore:       u.BlockDAAScore,
				BlockTimestamp: time.Now(),
				IsCoinbase:     true,
			})
		}
	}
}

// latestNetworkDifficulty reports the active upstream node's last observed
// difficulty, for block-found alerts.
func latestNetworkDifficulty(upstreamMgr *upstream.Manager) float64 {
	for _, st := range upstreamMgr.States() {
		if st.Name == upstreamMgr.ActiveName() {
			return st.Difficulty
		}
	}
	return 0
}
