package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Networks: map[string]NetworkConfig{
			"mainnet": {ChainID: 1, Transport: "https://rpc.example.com"},
		},
		Contracts: map[string]ContractConfig{
			"Token": {Network: "mainnet", Address: "0xAAA", StartBlock: 100},
		},
		Database: DatabaseConfig{ConnectionString: "postgres://localhost/ponder"},
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.ApplyDefaults()

	assert.Equal(t, "postgres", cfg.Database.Kind)
	assert.Equal(t, "public", cfg.Database.Schema)
	assert.Equal(t, 30_000_000_000, int(cfg.Merger.IdleTimeout.Duration))
	assert.Equal(t, 10000, cfg.Merger.BufferSize)
	assert.Equal(t, float64(50), cfg.Networks["mainnet"].MaxRequestsPerSecond)
	assert.Equal(t, uint64(65), cfg.Networks["mainnet"].FinalityDepth)
	assert.Equal(t, 10_000_000_000, int(cfg.Instance.HeartbeatInterval.Duration))
	assert.Equal(t, 60_000_000_000, int(cfg.Instance.StaleTimeout.Duration))
	assert.Equal(t, 3, cfg.Instance.RetainInstances)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{
			name:    "no networks",
			mutate:  func(c *Config) { c.Networks = nil },
			wantErr: "at least one network",
		},
		{
			name:    "missing chain id",
			mutate:  func(c *Config) { n := c.Networks["mainnet"]; n.ChainID = 0; c.Networks["mainnet"] = n },
			wantErr: "chainId is required",
		},
		{
			name:    "contract references unknown network",
			mutate:  func(c *Config) { ct := c.Contracts["Token"]; ct.Network = "nope"; c.Contracts["Token"] = ct },
			wantErr: "does not match any configured network",
		},
		{
			name: "address and factory both set",
			mutate: func(c *Config) {
				ct := c.Contracts["Token"]
				ct.Factory = &FactoryConfig{Address: "0xBBB", Event: "0xCCC"}
				c.Contracts["Token"] = ct
			},
			wantErr: "mutually exclusive",
		},
		{
			name:    "bad database kind",
			mutate:  func(c *Config) { c.Database.Kind = "mysql" },
			wantErr: "database.kind must be postgres or pglite",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.ApplyDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoggingConfig_GetComponentLevel(t *testing.T) {
	l := LoggingConfig{
		DefaultLevel:    "info",
		ComponentLevels: map[string]string{"synccache": "debug"},
	}

	assert.Equal(t, "debug", l.GetComponentLevel("synccache"))
	assert.Equal(t, "info", l.GetComponentLevel("historical"))
}
