package config

import "testing"

func validConfig() Config {
	return Config{
		Pool: PoolConfig{
			Name:    "Test Pool",
			Network: "mainnet",
			Address: "kaspa:qztest",
			FeeBps:  100,
		},
		Node: NodeConfig{
			RPCURL: "http://127.0.0.1:16110",
		},
		Stratum: StratumConfig{
			Ports: []StratumPort{
				{
					Port:              3333,
					InitialDifficulty: 4096,
					MinDifficulty:     64,
					MaxDifficulty:     1 << 30,
					SharesPerMinute:   20,
				},
			},
		},
		Templates: TemplatesConfig{CacheSize: 64},
		Treasury:  TreasuryConfig{WorkerPoolSize: 10},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing pool address",
			mutate:  func(c *Config) { c.Pool.Address = "" },
			wantErr: true,
			errMsg:  "pool.address is required",
		},
		{
			name:    "invalid network",
			mutate:  func(c *Config) { c.Pool.Network = "regtest" },
			wantErr: true,
			errMsg:  "pool.network must be one of mainnet, testnet-10, testnet-11",
		},
		{
			name:    "fee bps out of range",
			mutate:  func(c *Config) { c.Pool.FeeBps = 20000 },
			wantErr: true,
			errMsg:  "pool.fee_bps must be between 0 and 10000",
		},
		{
			name:    "rebate bps negative",
			mutate:  func(c *Config) { c.Pool.RebateBps = -1 },
			wantErr: true,
			errMsg:  "pool.rebate_bps must be between 0 and 10000",
		},
		{
			name:    "missing node url",
			mutate:  func(c *Config) { c.Node.RPCURL = "" },
			wantErr: true,
			errMsg:  "node.rpc_url is required",
		},
		{
			name:    "no stratum ports",
			mutate:  func(c *Config) { c.Stratum.Ports = nil },
			wantErr: true,
			errMsg:  "stratum.ports must list at least one port",
		},
		{
			name: "port difficulty range inverted",
			mutate: func(c *Config) {
				c.Stratum.Ports[0].MinDifficulty = 1000
				c.Stratum.Ports[0].MaxDifficulty = 10
			},
			wantErr: true,
			errMsg:  "stratum port 3333: min_difficulty must be > 0 and <= max_difficulty",
		},
		{
			name: "initial difficulty outside range",
			mutate: func(c *Config) {
				c.Stratum.Ports[0].InitialDifficulty = 1
			},
			wantErr: true,
			errMsg:  "stratum port 3333: initial_difficulty must be within [min_difficulty, max_difficulty]",
		},
		{
			name: "shares per minute not positive",
			mutate: func(c *Config) {
				c.Stratum.Ports[0].SharesPerMinute = 0
			},
			wantErr: true,
			errMsg:  "stratum port 3333: shares_per_minute must be positive",
		},
		{
			name:    "cache size not positive",
			mutate:  func(c *Config) { c.Templates.CacheSize = 0 },
			wantErr: true,
			errMsg:  "templates.cache_size must be > 0",
		},
		{
			name:    "worker pool size not positive",
			mutate:  func(c *Config) { c.Treasury.WorkerPoolSize = 0 },
			wantErr: true,
			errMsg:  "treasury.worker_pool_size must be > 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if tt.errMsg != "" && err.Error() != tt.errMsg {
					t.Errorf("error = %q, want %q", err.Error(), tt.errMsg)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoadFailsValidationWithoutPoolAddress(t *testing.T) {
	cfg, err := Load("")
	if err == nil {
		t.Fatal("expected validation error because pool.address is unset")
	}
	if cfg != nil {
		t.Error("Load should return nil config on validation failure")
	}
}

func TestDefaultStratumPorts(t *testing.T) {
	ports := defaultStratumPorts()
	if len(ports) != 2 {
		t.Fatalf("expected 2 default ports, got %d", len(ports))
	}
	if ports[0].AllowUserDifficulty {
		t.Error("first default port should not allow user-set difficulty")
	}
	if !ports[1].AllowUserDifficulty {
		t.Error("second default port should allow user-set difficulty")
	}
}
