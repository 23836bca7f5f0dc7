// Command ponder is the thin process entry point wrapping
// internal/orchestrator: it loads a config file, resolves declared
// contract sources against their ABIs, and runs the indexing engine until
// an interrupt signal or a fatal error. Matches the teacher's
// cmd/indexer/main.go shape (cobra root command, signal-driven graceful
// shutdown), generalized to a multi-chain config.
//
// This binary ships with no user tables and a handler that only logs
// decoded events: a real deployment's scaffolder compiles a typed schema
// and handler package and calls internal/orchestrator directly instead of
// running this binary, per the core's stated non-goals (no schema DSL or
// code generator lives in this module).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/ponder-sh/ponder-core/internal/config"
	"github.com/ponder-sh/ponder-core/internal/decode"
	"github.com/ponder-sh/ponder-core/internal/logger"
	"github.com/ponder-sh/ponder-core/internal/orchestrator"
	"github.com/ponder-sh/ponder-core/internal/ponderevent"
	"github.com/ponder-sh/ponder-core/internal/store"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		var heartbeatLost *ponderevent.HeartbeatLostError
		if errors.As(err, &heartbeatLost) {
			os.Exit(75)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ponder",
	Short:   "Ponder core - EVM event indexing engine",
	Version: "0.1.0",
	RunE:    run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "ponder.yaml", "path to configuration file")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	abiPaths := make(map[string]string, len(cfg.Contracts))
	for name, c := range cfg.Contracts {
		abiPaths[name] = c.ABI
	}

	abis, err := decode.LoadRegistry(abiPaths)
	if err != nil {
		return fmt.Errorf("load contract abis: %w", err)
	}

	sources, err := buildSources(*cfg, abis)
	if err != nil {
		return fmt.Errorf("resolve sources: %w", err)
	}

	log, err := logger.New(cfg.Logging.GetDefaultLevel(), cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	runner, err := orchestrator.New(orchestrator.Params{
		Core:                     *cfg,
		Sources:                  sources,
		ContractABIPaths:         abiPaths,
		HandlerSourceFingerprint: "cmd/ponder:log-only",
		Handler:                  logHandler(log),
	})
	if err != nil {
		return fmt.Errorf("build runner: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "shutting down gracefully...")
		cancel()
	}()

	return runner.Run(ctx)
}

// logHandler is the built-in no-op handler: it decodes nothing further and
// writes no user tables, just logging each event's contract, chain and
// block. A real deployment supplies its own orchestrator.HandlerFunc.
func logHandler(log *logger.Logger) orchestrator.HandlerFunc {
	l := log.WithComponent("handler")
	return func(ctx context.Context, event ponderevent.Event, htx *store.HandlerTx) error {
		l.Infof("event contract=%s chain=%d block=%d checkpoint=%s",
			event.Source.Contract, event.Checkpoint.ChainID, event.Checkpoint.BlockNumber, event.Checkpoint)
		return nil
	}
}

// buildSources resolves every configured contract into a declarative
// subscription. A filter's event topic is resolved from the contract's own
// loaded ABI; a factory's creation-event signature is hashed directly since
// it belongs to a separate parent contract whose ABI isn't necessarily
// registered under this contract's name.
func buildSources(cfg config.Config, abis *decode.Registry) ([]orchestrator.Source, error) {
	sources := make([]orchestrator.Source, 0, len(cfg.Contracts))

	for name, c := range cfg.Contracts {
		net, ok := cfg.Networks[c.Network]
		if !ok {
			return nil, fmt.Errorf("contract %s: network %q not configured", name, c.Network)
		}

		spec := ponderevent.SubscriptionSource{
			Contract:                   name,
			Network:                    c.Network,
			ChainID:                    net.ChainID,
			StartBlock:                 c.StartBlock,
			EndBlock:                   c.EndBlock,
			IncludeTransactionReceipts: c.IncludeTransactionReceipts,
		}

		switch {
		case c.Address != "":
			addr := common.HexToAddress(c.Address)
			spec.Address = &addr
		case c.Factory != nil:
			spec.Factory = &ponderevent.FactorySource{
				Address:        common.HexToAddress(c.Factory.Address),
				Event:          crypto.Keccak256Hash([]byte(c.Factory.Event)),
				ParameterIndex: c.Factory.ParameterIndex,
			}
		default:
			return nil, fmt.Errorf("contract %s: requires either address or factory", name)
		}

		if c.Filter != nil && c.Filter.Event != "" {
			topic, err := abis.EventTopic(name, c.Filter.Event)
			if err != nil {
				return nil, fmt.Errorf("contract %s: filter event %q: %w", name, c.Filter.Event, err)
			}
			spec.Filter.Event = topic
		}

		sources = append(sources, orchestrator.Source{Contract: name, Spec: spec})
	}

	return sources, nil
}
