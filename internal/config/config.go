// Package config defines the configuration surface consumed by the
// indexing engine core and loads it from YAML, TOML, or JSON files.
//
// The outer CLI/scaffolder layer is responsible for producing this
// structure (e.g. by compiling a ponder.config.ts); the core only loads,
// defaults, and validates it.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ponder-sh/ponder-core/internal/common"
)

// Config is the root configuration for one indexing engine instance.
type Config struct {
	Networks map[string]NetworkConfig  `yaml:"networks" toml:"networks" json:"networks"`
	Contracts map[string]ContractConfig `yaml:"contracts" toml:"contracts" json:"contracts"`
	Database  DatabaseConfig            `yaml:"database" toml:"database" json:"database"`
	Merger    MergerConfig              `yaml:"merger" toml:"merger" json:"merger"`
	Logging   LoggingConfig             `yaml:"logging" toml:"logging" json:"logging"`
	Metrics   MetricsConfig             `yaml:"metrics" toml:"metrics" json:"metrics"`
	Retry     RetryConfig               `yaml:"retry" toml:"retry" json:"retry"`
	Instance  InstanceConfig            `yaml:"instance" toml:"instance" json:"instance"`
}

// NetworkConfig describes one chain the instance syncs from.
type NetworkConfig struct {
	ChainID             uint64          `yaml:"chainId" toml:"chainId" json:"chainId"`
	Transport           string          `yaml:"transport" toml:"transport" json:"transport"`
	PollingInterval     common.Duration `yaml:"pollingInterval" toml:"pollingInterval" json:"pollingInterval"`
	MaxRequestsPerSecond float64        `yaml:"maxRequestsPerSecond" toml:"maxRequestsPerSecond" json:"maxRequestsPerSecond"`
	FinalityDepth       uint64          `yaml:"finalityDepth" toml:"finalityDepth" json:"finalityDepth"`
	DisableCache        bool            `yaml:"disableCache" toml:"disableCache" json:"disableCache"`
}

// ContractConfig declares a source: a contract's events on a network.
type ContractConfig struct {
	Network                    string         `yaml:"network" toml:"network" json:"network"`
	ABI                        string         `yaml:"abi" toml:"abi" json:"abi"`
	Address                    string         `yaml:"address,omitempty" toml:"address,omitempty" json:"address,omitempty"`
	Factory                    *FactoryConfig `yaml:"factory,omitempty" toml:"factory,omitempty" json:"factory,omitempty"`
	Filter                     *FilterConfig  `yaml:"filter,omitempty" toml:"filter,omitempty" json:"filter,omitempty"`
	StartBlock                 uint64         `yaml:"startBlock" toml:"startBlock" json:"startBlock"`
	EndBlock                   *uint64        `yaml:"endBlock,omitempty" toml:"endBlock,omitempty" json:"endBlock,omitempty"`
	IncludeTransactionReceipts bool           `yaml:"includeTransactionReceipts" toml:"includeTransactionReceipts" json:"includeTransactionReceipts"`
}

// FactoryConfig resolves child contract addresses dynamically.
type FactoryConfig struct {
	Address        string `yaml:"address" toml:"address" json:"address"`
	Event          string `yaml:"event" toml:"event" json:"event"`
	ParameterIndex int    `yaml:"parameter" toml:"parameter" json:"parameter"`
}

// FilterConfig is a server-side log filter narrowing a source.
type FilterConfig struct {
	Event string              `yaml:"event,omitempty" toml:"event,omitempty" json:"event,omitempty"`
	Args  map[string][]string `yaml:"args,omitempty" toml:"args,omitempty" json:"args,omitempty"`
}

// DatabaseConfig selects the Postgres-compatible backend.
type DatabaseConfig struct {
	Kind             string `yaml:"kind" toml:"kind" json:"kind"`
	ConnectionString string `yaml:"connectionString" toml:"connectionString" json:"connectionString"`
	Schema           string `yaml:"schema" toml:"schema" json:"schema"`
	MaxConns         int32  `yaml:"maxConns" toml:"maxConns" json:"maxConns"`
	MinConns         int32  `yaml:"minConns" toml:"minConns" json:"minConns"`
}

// MergerConfig tunes the event stream merger.
type MergerConfig struct {
	IdleTimeout common.Duration `yaml:"idleTimeout" toml:"idleTimeout" json:"idleTimeout"`
	BufferSize  int             `yaml:"bufferSize" toml:"bufferSize" json:"bufferSize"`
}

// LoggingConfig mirrors the teacher's per-component log level configuration.
type LoggingConfig struct {
	DefaultLevel    string            `yaml:"defaultLevel" toml:"defaultLevel" json:"defaultLevel"`
	Development     bool              `yaml:"development" toml:"development" json:"development"`
	ComponentLevels map[string]string `yaml:"componentLevels" toml:"componentLevels" json:"componentLevels"`
}

// GetComponentLevel returns the configured level for component, falling
// back to DefaultLevel when unset.
func (l LoggingConfig) GetComponentLevel(component string) string {
	if lvl, ok := l.ComponentLevels[component]; ok && lvl != "" {
		return lvl
	}
	return l.GetDefaultLevel()
}

// GetDefaultLevel returns DefaultLevel, defaulting to "info".
func (l LoggingConfig) GetDefaultLevel() string {
	if l.DefaultLevel == "" {
		return "info"
	}
	return l.DefaultLevel
}

// MetricsConfig controls the Prometheus HTTP surface.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	ListenAddress string `yaml:"listenAddress" toml:"listenAddress" json:"listenAddress"`
}

// RetryConfig governs RPC retry-with-backoff behavior. MaxAttempts of 0
// means unlimited attempts, per RpcTransient's error-handling policy.
type RetryConfig struct {
	MaxAttempts       int             `yaml:"maxAttempts" toml:"maxAttempts" json:"maxAttempts"`
	InitialBackoff    common.Duration `yaml:"initialBackoff" toml:"initialBackoff" json:"initialBackoff"`
	MaxBackoff        common.Duration `yaml:"maxBackoff" toml:"maxBackoff" json:"maxBackoff"`
	BackoffMultiplier float64         `yaml:"backoffMultiplier" toml:"backoffMultiplier" json:"backoffMultiplier"`
}

// InstanceConfig governs the instance registry's lifecycle behavior.
type InstanceConfig struct {
	// Dev disables crash-resume adoption and cuts over to live views
	// immediately rather than waiting for historical backfill to finish.
	Dev               bool            `yaml:"dev" toml:"dev" json:"dev"`
	HeartbeatInterval common.Duration `yaml:"heartbeatInterval" toml:"heartbeatInterval" json:"heartbeatInterval"`
	StaleTimeout      common.Duration `yaml:"staleTimeout" toml:"staleTimeout" json:"staleTimeout"`
	// RetainInstances is how many non-live instances stale GC preserves.
	RetainInstances int `yaml:"retainInstances" toml:"retainInstances" json:"retainInstances"`
}

// ApplyDefaults fills in every field left unset, matching spec §6's stated
// defaults (pollingInterval 1000ms, maxRequestsPerSecond 50, finalityDepth
// 65, idleTimeout 30s, bufferSize 10000).
func (c *Config) ApplyDefaults() {
	for name, n := range c.Networks {
		if n.PollingInterval.Duration == 0 {
			n.PollingInterval = common.NewDuration(1000 * time.Millisecond)
		}
		if n.MaxRequestsPerSecond == 0 {
			n.MaxRequestsPerSecond = 50
		}
		if n.FinalityDepth == 0 {
			n.FinalityDepth = 65
		}
		c.Networks[name] = n
	}

	if c.Database.Kind == "" {
		c.Database.Kind = "postgres"
	}
	if c.Database.Schema == "" {
		c.Database.Schema = "public"
	}
	if c.Database.ConnectionString == "" {
		c.Database.ConnectionString = os.Getenv("DATABASE_URL")
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = 2
	}

	if c.Merger.IdleTimeout.Duration == 0 {
		c.Merger.IdleTimeout = common.NewDuration(30 * time.Second)
	}
	if c.Merger.BufferSize == 0 {
		c.Merger.BufferSize = 10000
	}

	if c.Logging.DefaultLevel == "" {
		c.Logging.DefaultLevel = "info"
	}

	if c.Metrics.ListenAddress == "" {
		c.Metrics.ListenAddress = ":9090"
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 0 // unlimited, per RpcTransient policy
	}
	if c.Retry.InitialBackoff.Duration == 0 {
		c.Retry.InitialBackoff = common.NewDuration(1 * time.Second)
	}
	if c.Retry.MaxBackoff.Duration == 0 {
		c.Retry.MaxBackoff = common.NewDuration(60 * time.Second)
	}
	if c.Retry.BackoffMultiplier == 0 {
		c.Retry.BackoffMultiplier = 2.0
	}

	if c.Instance.HeartbeatInterval.Duration == 0 {
		c.Instance.HeartbeatInterval = common.NewDuration(10 * time.Second)
	}
	if c.Instance.StaleTimeout.Duration == 0 {
		c.Instance.StaleTimeout = common.NewDuration(60 * time.Second)
	}
	if c.Instance.RetainInstances == 0 {
		c.Instance.RetainInstances = 3
	}
}

// Validate checks that every required field is present and every enum
// field holds a recognized value.
func (c *Config) Validate() error {
	if len(c.Networks) == 0 {
		return fmt.Errorf("config: at least one network is required")
	}
	for name, n := range c.Networks {
		if n.ChainID == 0 {
			return fmt.Errorf("config: networks.%s.chainId is required", name)
		}
		if n.Transport == "" {
			return fmt.Errorf("config: networks.%s.transport is required", name)
		}
	}

	for name, ct := range c.Contracts {
		if _, ok := c.Networks[ct.Network]; !ok {
			return fmt.Errorf("config: contracts.%s.network %q does not match any configured network", name, ct.Network)
		}
		if ct.Address == "" && ct.Factory == nil {
			return fmt.Errorf("config: contracts.%s requires either address or factory", name)
		}
		if ct.Address != "" && ct.Factory != nil {
			return fmt.Errorf("config: contracts.%s: address and factory are mutually exclusive", name)
		}
	}

	switch c.Database.Kind {
	case "postgres", "pglite":
	default:
		return fmt.Errorf("config: database.kind must be postgres or pglite, got %q", c.Database.Kind)
	}
	if strings.TrimSpace(c.Database.ConnectionString) == "" {
		return fmt.Errorf("config: database.connectionString is required (or set DATABASE_URL)")
	}

	return nil
}
