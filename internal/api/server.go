// Package api provides the REST stats server.
package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kaspa-pool/kaspool/internal/config"
	"github.com/kaspa-pool/kaspool/internal/metrics"
	"github.com/kaspa-pool/kaspool/internal/storage"
	"github.com/kaspa-pool/kaspool/internal/util"
)

// Collector is the subset of the metrics collector the API reads.
type Collector interface {
	Snapshot() metrics.Snapshot
}

// Server is the REST stats server.
type Server struct {
	cfg       *config.Config
	redis     *storage.RedisClient
	collector Collector
	router    *gin.Engine
	server    *http.Server

	statsCacheMu   sync.RWMutex
	statsCache     *StatsResponse
	statsCacheTime time.Time

	upstreamStateFunc UpstreamStateFunc
}

// UpstreamStateFunc supplies the current upstream node states.
type UpstreamStateFunc func() []UpstreamStatus

// UpstreamStatus mirrors one upstream.State entry for the wire.
type UpstreamStatus struct {
	Name           string  `json:"name"`
	URL            string  `json:"url"`
	Healthy        bool    `json:"healthy"`
	ResponseTimeMs float64 `json:"response_time_ms"`
	DAAScore       uint64  `json:"daa_score"`
	Difficulty     float64 `json:"difficulty"`
	Weight         int     `json:"weight"`
	Reconnects     int64   `json:"reconnects"`
}

// StatsResponse is the /api/stats response.
type StatsResponse struct {
	Pool PoolStatsResponse `json:"pool"`
	Now  int64             `json:"now"`
}

// PoolStatsResponse reports pool-wide hashrate, headcount, and durable
// reward counters.
type PoolStatsResponse struct {
	Hashrate       float64 `json:"hashrate"`
	HashrateLarge  float64 `json:"hashrate_large"`
	Miners         int64   `json:"miners"`
	Workers        int64   `json:"workers"`
	BlocksFound    uint64  `json:"blocks_found"`
	LastBlockFound int64   `json:"last_block_found"`
	LastBlockDAA   uint64  `json:"last_block_daa_score"`
	TotalPaid      uint64  `json:"total_paid"`
	FeeBps         int     `json:"fee_bps"`
}

// MinerResponse is the /api/miners/:address response.
type MinerResponse struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
	Rebate  uint64 `json:"rebate"`
}

// BlockResponse is one entry in the /api/blocks response.
type BlockResponse struct {
	MinedBlockHash  string `json:"mined_block_hash"`
	RewardBlockHash string `json:"reward_block_hash"`
	MinerReward     uint64 `json:"miner_reward"`
	PoolFee         uint64 `json:"pool_fee"`
	DAAScore        uint64 `json:"daa_score"`
	AllocationPath  string `json:"allocation_path"`
	Timestamp       int64  `json:"timestamp"`
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, redis *storage.RedisClient, collector Collector) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:       cfg,
		redis:     redis,
		collector: collector,
		router:    router,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(func(c *gin.Context) {
		origin := "*"
		if len(s.cfg.API.CORSOrigins) > 0 {
			origin = s.cfg.API.CORSOrigins[0]
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	apiGroup := s.router.Group("/api")
	{
		apiGroup.GET("/stats", s.handleStats)
		apiGroup.GET("/blocks", s.handleBlocks)
		apiGroup.GET("/miners/:wallet", s.handleMiner)
	}

	if s.cfg.API.AdminEnabled && s.cfg.API.AdminPassword != "" {
		admin := s.router.Group("/admin")
		admin.Use(s.adminAuthMiddleware())
		{
			admin.GET("/stats", s.handleAdminStats)
			admin.GET("/blacklist", s.handleGetBlacklist)
			admin.POST("/blacklist", s.handleAddBlacklist)
			admin.GET("/whitelist", s.handleGetWhitelist)
			admin.POST("/whitelist", s.handleAddWhitelist)
			admin.GET("/upstreams", s.handleUpstreams)
		}
	}

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
}

// Start begins serving the API.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.API.Bind,
		Handler: s.router,
	}

	util.Infof("api: listening on %s", s.cfg.API.Bind)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("api: server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the API server.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// SetUpstreamStateFunc sets the callback for reporting upstream node
// status under /admin/upstreams.
func (s *Server) SetUpstreamStateFunc(fn UpstreamStateFunc) {
	s.upstreamStateFunc = fn
}

// handleStats returns pool-wide hashrate and reward counters, cached for
// api.stats_cache to absorb bursts of polling dashboards.
func (s *Server) handleStats(c *gin.Context) {
	s.statsCacheMu.RLock()
	if s.statsCache != nil && time.Since(s.statsCacheTime) < s.cfg.API.StatsCache {
		cache := s.statsCache
		s.statsCacheMu.RUnlock()
		c.JSON(200, cache)
		return
	}
	s.statsCacheMu.RUnlock()

	snap := s.collector.Snapshot()
	response := &StatsResponse{
		Pool: PoolStatsResponse{
			Hashrate:       snap.Hashrate,
			HashrateLarge:  snap.HashrateLarge,
			Miners:         snap.Miners,
			Workers:        snap.Workers,
			BlocksFound:    snap.BlocksFound,
			LastBlockFound: snap.LastBlockFound,
			LastBlockDAA:   snap.LastBlockDAA,
			TotalPaid:      snap.TotalPaid,
			FeeBps:         s.cfg.Pool.FeeBps,
		},
		Now: time.Now().Unix(),
	}

	s.statsCacheMu.Lock()
	s.statsCache = response
	s.statsCacheTime = time.Now()
	s.statsCacheMu.Unlock()

	c.JSON(200, response)
}

// handleBlocks returns the most recently mined blocks.
func (s *Server) handleBlocks(c *gin.Context) {
	blocks, err := s.redis.GetRecentBlocks(c.Request.Context(), 50)
	if err != nil {
		c.JSON(500, gin.H{"error": "failed to get blocks"})
		return
	}

	response := make([]BlockResponse, 0, len(blocks))
	for _, b := range blocks {
		response = append(response, BlockResponse{
			MinedBlockHash:  b.MinedBlockHash,
			RewardBlockHash: b.RewardBlockHash,
			MinerReward:     b.MinerReward,
			PoolFee:         b.PoolFee,
			DAAScore:        b.DAAScore,
			AllocationPath:  string(b.AllocationPath),
			Timestamp:       b.Timestamp,
		})
	}

	c.JSON(200, gin.H{"blocks": response})
}

// handleMiner returns one payout wallet's aggregate balance, across every
// minerId (address.workerName pair) that has ever credited it.
func (s *Server) handleMiner(c *gin.Context) {
	wallet := c.Param("wallet")
	if !util.ValidateAddress(wallet) {
		c.JSON(400, gin.H{"error": "invalid address"})
		return
	}

	total, err := s.redis.GetWalletTotal(c.Request.Context(), wallet)
	if err != nil {
		c.JSON(500, gin.H{"error": "failed to get wallet total"})
		return
	}
	if total == nil {
		c.JSON(404, gin.H{"error": "wallet not found"})
		return
	}

	c.JSON(200, MinerResponse{
		Address: wallet,
		Balance: total.Balance,
		Rebate:  total.Rebate,
	})
}

// adminAuthMiddleware validates the admin password, as either a bare
// Authorization header or a "Bearer <password>" value.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(401, gin.H{"error": "authorization required"})
			c.Abort()
			return
		}

		password := strings.TrimPrefix(auth, "Bearer ")
		if password != s.cfg.API.AdminPassword {
			c.JSON(403, gin.H{"error": "invalid password"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// AdminStatsResponse contains detailed admin statistics.
type AdminStatsResponse struct {
	Pool           PoolStatsResponse `json:"pool"`
	LockedPayouts  bool              `json:"locked_payouts"`
	BlacklistCount int               `json:"blacklist_count"`
	WhitelistCount int               `json:"whitelist_count"`
}

func (s *Server) handleAdminStats(c *gin.Context) {
	snap := s.collector.Snapshot()
	locked, _ := s.redis.IsPayoutsLocked(c.Request.Context())
	blacklist, _ := s.redis.GetBlacklist()
	whitelist, _ := s.redis.GetWhitelist()

	c.JSON(200, AdminStatsResponse{
		Pool: PoolStatsResponse{
			Hashrate:       snap.Hashrate,
			HashrateLarge:  snap.HashrateLarge,
			Miners:         snap.Miners,
			Workers:        snap.Workers,
			BlocksFound:    snap.BlocksFound,
			LastBlockFound: snap.LastBlockFound,
			LastBlockDAA:   snap.LastBlockDAA,
			TotalPaid:      snap.TotalPaid,
			FeeBps:         s.cfg.Pool.FeeBps,
		},
		LockedPayouts:  locked,
		BlacklistCount: len(blacklist),
		WhitelistCount: len(whitelist),
	})
}

func (s *Server) handleGetBlacklist(c *gin.Context) {
	blacklist, err := s.redis.GetBlacklist()
	if err != nil {
		c.JSON(500, gin.H{"error": "failed to get blacklist"})
		return
	}
	c.JSON(200, gin.H{"blacklist": blacklist})
}

// BlacklistRequest is the /admin/blacklist POST body.
type BlacklistRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleAddBlacklist(c *gin.Context) {
	var req BlacklistRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Address == "" {
		c.JSON(400, gin.H{"error": "address required"})
		return
	}

	if err := s.redis.AddToBlacklist(req.Address); err != nil {
		c.JSON(500, gin.H{"error": "failed to add to blacklist"})
		return
	}

	util.Infof("api: admin added %s to blacklist", req.Address)
	c.JSON(200, gin.H{"status": "ok", "address": req.Address})
}

func (s *Server) handleGetWhitelist(c *gin.Context) {
	whitelist, err := s.redis.GetWhitelist()
	if err != nil {
		c.JSON(500, gin.H{"error": "failed to get whitelist"})
		return
	}
	c.JSON(200, gin.H{"whitelist": whitelist})
}

// WhitelistRequest is the /admin/whitelist POST body.
type WhitelistRequest struct {
	IP string `json:"ip"`
}

func (s *Server) handleAddWhitelist(c *gin.Context) {
	var req WhitelistRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.IP == "" {
		c.JSON(400, gin.H{"error": "ip required"})
		return
	}

	if err := s.redis.AddToWhitelist(req.IP); err != nil {
		c.JSON(500, gin.H{"error": "failed to add to whitelist"})
		return
	}

	util.Infof("api: admin added %s to whitelist", req.IP)
	c.JSON(200, gin.H{"status": "ok", "ip": req.IP})
}

func (s *Server) handleUpstreams(c *gin.Context) {
	if s.upstreamStateFunc == nil {
		c.JSON(200, gin.H{"upstreams": []UpstreamStatus{}, "total": 0, "healthy": 0, "active": ""})
		return
	}

	upstreams := s.upstreamStateFunc()

	healthyCount := 0
	var activeUpstream string
	for _, u := range upstreams {
		if u.Healthy {
			healthyCount++
			if activeUpstream == "" {
				activeUpstream = u.Name
			}
		}
	}

	c.JSON(200, gin.H{
		"upstreams": upstreams,
		"total":     len(upstreams),
		"healthy":   healthyCount,
		"active":    activeUpstream,
	})
}
