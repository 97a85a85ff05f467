// Package config handles configuration loading and validation for the pool.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the pool.
type Config struct {
	Pool      PoolConfig      `mapstructure:"pool"`
	Node      NodeConfig      `mapstructure:"node"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Stratum   StratumConfig   `mapstructure:"stratum"`
	Templates TemplatesConfig `mapstructure:"templates"`
	Treasury  TreasuryConfig  `mapstructure:"treasury"`
	Rewards   RewardsConfig   `mapstructure:"rewards"`
	API       APIConfig       `mapstructure:"api"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Security  SecurityConfig  `mapstructure:"security"`
	APM       APMConfig       `mapstructure:"apm"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Log       LogConfig       `mapstructure:"log"`
}

// NotifyConfig configures Discord/Telegram operator alerts.
type NotifyConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
	PoolName     string `mapstructure:"pool_name"`
	PoolURL      string `mapstructure:"pool_url"`
}

// PoolConfig defines pool identity and payout settings.
type PoolConfig struct {
	Name          string `mapstructure:"name"`
	Network       string `mapstructure:"network"` // mainnet | testnet-10 | testnet-11
	Address       string `mapstructure:"address"`
	PrivateKey    string `mapstructure:"private_key"`
	FeeBps        int    `mapstructure:"fee_bps"`    // basis points, e.g. 100 = 1%
	RebateBps     int    `mapstructure:"rebate_bps"` // share of the fee rebated to miners
	MinerInfoTag  string `mapstructure:"miner_info_tag"`
	StartUnixTime int64  `mapstructure:"start_unix_time"`
}

// NodeConfig defines the upstream node connection.
type NodeConfig struct {
	RPCURL              string          `mapstructure:"rpc_url"`
	RESTURL             string          `mapstructure:"rest_url"`
	WebsocketURL        string          `mapstructure:"websocket_url"`
	Timeout             time.Duration   `mapstructure:"timeout"`
	RetryInterval       time.Duration   `mapstructure:"retry_interval"`
	Upstreams           []UpstreamEntry `mapstructure:"upstreams"`
	HealthCheckInterval time.Duration   `mapstructure:"health_check_interval"`
	HealthCheckTimeout  time.Duration   `mapstructure:"health_check_timeout"`
	MaxFailures         int             `mapstructure:"max_failures"`
	RecoveryThreshold   int             `mapstructure:"recovery_threshold"`
}

// UpstreamEntry configures one node endpoint in a failover pool.
type UpstreamEntry struct {
	Name    string        `mapstructure:"name"`
	RPCURL  string        `mapstructure:"rpc_url"`
	RESTURL string        `mapstructure:"rest_url"`
	Weight  int           `mapstructure:"weight"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RedisConfig defines Redis connection settings.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StratumPort describes one listening port and its mining policy.
type StratumPort struct {
	Port                int     `mapstructure:"port"`
	InitialDifficulty   uint64  `mapstructure:"initial_difficulty"`
	MinDifficulty       uint64  `mapstructure:"min_difficulty"`
	MaxDifficulty       uint64  `mapstructure:"max_difficulty"`
	SharesPerMinute     float64 `mapstructure:"shares_per_minute"`
	VarDiff             bool    `mapstructure:"var_diff"`
	ClampPow2           bool    `mapstructure:"clamp_pow2"`
	ExtraNonceSize      int     `mapstructure:"extra_nonce_size"`
	AllowUserDifficulty bool    `mapstructure:"allow_user_difficulty"`
}

// StratumConfig defines the downstream Stratum-like listener settings.
type StratumConfig struct {
	Ports          []StratumPort `mapstructure:"ports"`
	TLSCert        string        `mapstructure:"tls_cert"`
	TLSKey         string        `mapstructure:"tls_key"`
	MaxRequestSize int           `mapstructure:"max_request_size"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
}

// TemplatesConfig bounds the job/template cache.
type TemplatesConfig struct {
	CacheSize int `mapstructure:"cache_size"`
}

// TreasuryConfig tunes the pool-address UTXO/block-added pipeline.
type TreasuryConfig struct {
	MaxQueueSize     int           `mapstructure:"max_queue_size"`
	OverflowDropSize int           `mapstructure:"overflow_drop_size"`
	WorkerPoolSize   int           `mapstructure:"worker_pool_size"`
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
}

// RewardsConfig tunes the reward allocator's fallback behavior.
type RewardsConfig struct {
	FallbackWindow time.Duration `mapstructure:"fallback_window"`
}

// APIConfig defines the REST stats server.
type APIConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Bind          string        `mapstructure:"bind"`
	StatsCache    time.Duration `mapstructure:"stats_cache"`
	CORSOrigins   []string      `mapstructure:"cors_origins"`
	AdminEnabled  bool          `mapstructure:"admin_enabled"`
	AdminPassword string        `mapstructure:"admin_password"`
}

// MetricsConfig tunes the pool-wide hashrate/liveness collector.
type MetricsConfig struct {
	CollectInterval     time.Duration `mapstructure:"collect_interval"`
	HashrateLargeWindow time.Duration `mapstructure:"hashrate_large_window"`
	UpstreamStaleAfter  time.Duration `mapstructure:"upstream_stale_after"`
}

// SecurityConfig defines IP/connection policy settings.
type SecurityConfig struct {
	BanningEnabled  bool          `mapstructure:"banning_enabled"`
	BanTimeout      time.Duration `mapstructure:"ban_timeout"`
	InvalidPercent  float64       `mapstructure:"invalid_percent"`
	CheckThreshold  int           `mapstructure:"check_threshold"`
	ConnectionLimit int           `mapstructure:"connection_limit"`
	MalformedLimit  int           `mapstructure:"malformed_limit"`
	IPSetName       string        `mapstructure:"ip_set_name"`
}

// APMConfig defines ambient New Relic observability.
type APMConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	LicenseKey  string `mapstructure:"license_key"`
	AppName     string `mapstructure:"app_name"`
}

// ProfilingConfig defines the optional pprof server.
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/kaspool")
	}

	v.SetEnvPrefix("KASPOOL")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if len(cfg.Stratum.Ports) == 0 {
		cfg.Stratum.Ports = defaultStratumPorts()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func defaultStratumPorts() []StratumPort {
	return []StratumPort{
		{
			Port:                3333,
			InitialDifficulty:   4096,
			MinDifficulty:       64,
			MaxDifficulty:       1 << 30,
			SharesPerMinute:     20,
			VarDiff:             true,
			ClampPow2:           true,
			ExtraNonceSize:      2,
			AllowUserDifficulty: false,
		},
		{
			Port:                3334,
			InitialDifficulty:   4096,
			MinDifficulty:       64,
			MaxDifficulty:       1 << 30,
			SharesPerMinute:     20,
			VarDiff:             true,
			ClampPow2:           true,
			ExtraNonceSize:      2,
			AllowUserDifficulty: true,
		},
	}
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.name", "Kaspool")
	v.SetDefault("pool.network", "mainnet")
	v.SetDefault("pool.fee_bps", 100)
	v.SetDefault("pool.rebate_bps", 0)
	v.SetDefault("pool.miner_info_tag", "kaspool")

	v.SetDefault("node.rpc_url", "http://127.0.0.1:16110")
	v.SetDefault("node.rest_url", "http://127.0.0.1:16210")
	v.SetDefault("node.websocket_url", "ws://127.0.0.1:17110")
	v.SetDefault("node.timeout", "10s")
	v.SetDefault("node.retry_interval", "5s")
	v.SetDefault("node.health_check_interval", "5s")
	v.SetDefault("node.health_check_timeout", "3s")
	v.SetDefault("node.max_failures", 3)
	v.SetDefault("node.recovery_threshold", 2)

	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("stratum.max_request_size", 512)
	v.SetDefault("stratum.idle_timeout", "10m")

	v.SetDefault("templates.cache_size", 64)

	v.SetDefault("treasury.max_queue_size", 1000)
	v.SetDefault("treasury.overflow_drop_size", 100)
	v.SetDefault("treasury.worker_pool_size", 10)
	v.SetDefault("treasury.watchdog_interval", "30s")
	v.SetDefault("treasury.stale_after", "120s")

	v.SetDefault("rewards.fallback_window", "5m")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "0.0.0.0:8080")
	v.SetDefault("api.stats_cache", "10s")
	v.SetDefault("api.cors_origins", []string{"*"})
	v.SetDefault("api.admin_enabled", false)

	v.SetDefault("metrics.collect_interval", "15s")
	v.SetDefault("metrics.hashrate_large_window", "1h")
	v.SetDefault("metrics.upstream_stale_after", "120s")

	v.SetDefault("notify.enabled", false)

	v.SetDefault("security.banning_enabled", true)
	v.SetDefault("security.ban_timeout", "30m")
	v.SetDefault("security.invalid_percent", 50.0)
	v.SetDefault("security.check_threshold", 100)
	v.SetDefault("security.connection_limit", 10)
	v.SetDefault("security.malformed_limit", 5)

	v.SetDefault("apm.enabled", false)
	v.SetDefault("apm.app_name", "kaspool")

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Pool.Address == "" {
		return fmt.Errorf("pool.address is required")
	}

	switch c.Pool.Network {
	case "mainnet", "testnet-10", "testnet-11":
	default:
		return fmt.Errorf("pool.network must be one of mainnet, testnet-10, testnet-11")
	}

	if c.Pool.FeeBps < 0 || c.Pool.FeeBps > 10000 {
		return fmt.Errorf("pool.fee_bps must be between 0 and 10000")
	}

	if c.Pool.RebateBps < 0 || c.Pool.RebateBps > 10000 {
		return fmt.Errorf("pool.rebate_bps must be between 0 and 10000")
	}

	if c.Node.RPCURL == "" {
		return fmt.Errorf("node.rpc_url is required")
	}

	if len(c.Stratum.Ports) == 0 {
		return fmt.Errorf("stratum.ports must list at least one port")
	}

	for _, p := range c.Stratum.Ports {
		if p.MinDifficulty == 0 || p.MinDifficulty > p.MaxDifficulty {
			return fmt.Errorf("stratum port %d: min_difficulty must be > 0 and <= max_difficulty", p.Port)
		}
		if p.InitialDifficulty < p.MinDifficulty || p.InitialDifficulty > p.MaxDifficulty {
			return fmt.Errorf("stratum port %d: initial_difficulty must be within [min_difficulty, max_difficulty]", p.Port)
		}
		if p.SharesPerMinute <= 0 {
			return fmt.Errorf("stratum port %d: shares_per_minute must be positive", p.Port)
		}
	}

	if c.Templates.CacheSize <= 0 {
		return fmt.Errorf("templates.cache_size must be > 0")
	}

	if c.Treasury.WorkerPoolSize <= 0 {
		return fmt.Errorf("treasury.worker_pool_size must be > 0")
	}

	return nil
}
