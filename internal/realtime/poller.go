// Package realtime implements spec §4.C: per-chain polling of the chain
// head, maintaining an in-memory canonical chain window, detecting reorgs
// by walking back through parent hashes, and flushing blocks that have
// aged past the finality depth into the Sync Cache.
package realtime

import (
	"context"
	"fmt"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ponder-sh/ponder-core/internal/config"
	"github.com/ponder-sh/ponder-core/internal/logger"
	"github.com/ponder-sh/ponder-core/internal/metrics"
	"github.com/ponder-sh/ponder-core/internal/ponderevent"
	"github.com/ponder-sh/ponder-core/internal/rpc"
	"github.com/ponder-sh/ponder-core/internal/synccache"
)

// ethClient is the read-only RPC surface realtime sync needs.
type ethClient interface {
	GetLatestBlockHeader(ctx context.Context) (*types.Header, error)
	GetBlockByHash(ctx context.Context, hash [32]byte) (*types.Header, error)
	GetLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	BatchGetTransactions(ctx context.Context, hashes []common.Hash) ([]*types.Transaction, error)
	BatchGetReceipts(ctx context.Context, hashes []common.Hash) ([]*types.Receipt, error)
}

var _ ethClient = (*rpc.Client)(nil)

// Poller tails one chain's head, maintaining its canonical chain window and
// flushing finalized blocks to the Sync Cache for every live source.
type Poller struct {
	chainID       uint64
	client        ethClient
	store         *synccache.Store
	sources       []ponderevent.SubscriptionSource
	finalityDepth uint64
	pollInterval  time.Duration
	retryCfg      config.RetryConfig
	window        *chainWindow
	onEvent       func(Event)
	log           *logger.Logger
}

// NewPoller builds a Poller for one chain. onEvent is invoked synchronously
// from the polling loop for every BlockForward, Reorg or Flushed event; it
// must not block.
func NewPoller(chainID uint64, client *rpc.Client, store *synccache.Store, sources []ponderevent.SubscriptionSource, netCfg config.NetworkConfig, retryCfg config.RetryConfig, log *logger.Logger, onEvent func(Event)) *Poller {
	return newPoller(chainID, client, store, sources, netCfg, retryCfg, log, onEvent)
}

func newPoller(chainID uint64, client ethClient, store *synccache.Store, sources []ponderevent.SubscriptionSource, netCfg config.NetworkConfig, retryCfg config.RetryConfig, log *logger.Logger, onEvent func(Event)) *Poller {
	return &Poller{
		chainID:       chainID,
		client:        client,
		store:         store,
		sources:       sources,
		finalityDepth: netCfg.FinalityDepth,
		pollInterval:  netCfg.PollingInterval.Duration,
		retryCfg:      retryCfg,
		window:        newChainWindow(),
		onEvent:       onEvent,
		log:           log.WithComponent("realtime"),
	}
}

// Run polls until ctx is cancelled or a deep reorg makes further progress
// unsafe, in which case it returns a *ponderevent.DeepReorgError.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	if err := p.poll(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				return err
			}
		}
	}
}

// poll fetches the current head and advances, rewrites, or leaves the
// canonical chain unchanged, then flushes any newly-finalized blocks.
func (p *Poller) poll(ctx context.Context) error {
	var latest *types.Header
	err := rpc.WithRetry(ctx, p.chainID, p.retryCfg, "eth_getBlockByNumber_latest", func() error {
		h, fetchErr := p.client.GetLatestBlockHeader(ctx)
		latest = h
		return fetchErr
	})
	if err != nil {
		return fmt.Errorf("realtime: latest header: %w", err)
	}

	if p.window.Len() == 0 {
		p.window.Reset(latest)
		p.emit(Event{Kind: BlockForward, Block: latest})
		return p.flushFinalized(ctx, latest.Number.Uint64())
	}

	tip := p.window.Tip()
	if latest.Hash() == tip.Hash() {
		return nil
	}
	if latest.ParentHash == tip.Hash() {
		p.window.Append(latest)
		p.emit(Event{Kind: BlockForward, Block: latest})
		return p.flushFinalized(ctx, latest.Number.Uint64())
	}

	return p.handleReorg(ctx, latest)
}

// handleReorg walks back from the new head through parent hashes until it
// finds a block already present in the canonical chain, then truncates the
// chain to that ancestor and replays the new suffix forward.
func (p *Poller) handleReorg(ctx context.Context, newHead *types.Header) error {
	chain := []*types.Header{newHead}
	cursor := newHead

	var depth uint64
	for !p.window.Contains(cursor.ParentHash) {
		depth++
		if depth > p.finalityDepth {
			metrics.ReorgDetected(chainLabel(p.chainID), depth)
			return ponderevent.NewDeepReorgError(p.chainID, depth, p.finalityDepth)
		}

		var parent *types.Header
		err := rpc.WithRetry(ctx, p.chainID, p.retryCfg, "eth_getBlockByHash", func() error {
			h, fetchErr := p.client.GetBlockByHash(ctx, cursor.ParentHash)
			parent = h
			return fetchErr
		})
		if err != nil {
			return fmt.Errorf("realtime: walk back parent %s: %w", cursor.ParentHash, err)
		}
		chain = append(chain, parent)
		cursor = parent
	}

	ancestor, _ := p.window.Get(cursor.ParentHash)
	p.window.TruncateAfter(cursor.ParentHash)
	metrics.ReorgDetected(chainLabel(p.chainID), depth)
	p.emit(Event{Kind: Reorg, CommonAncestor: ancestor, Depth: depth})

	for i := len(chain) - 1; i >= 0; i-- {
		p.window.Append(chain[i])
		p.emit(Event{Kind: BlockForward, Block: chain[i]})
	}

	return p.flushFinalized(ctx, newHead.Number.Uint64())
}

// flushFinalized moves every window block that has aged past the finality
// depth into the Sync Cache, eagerly fetching each live source's logs for
// that block so historical sync never has to re-fetch it.
func (p *Poller) flushFinalized(ctx context.Context, headNumber uint64) error {
	if headNumber < p.finalityDepth {
		return nil
	}
	threshold := headNumber - p.finalityDepth + 1

	flushed := p.window.FlushBelow(threshold)
	if len(flushed) == 0 {
		return nil
	}
	for _, header := range flushed {
		if err := p.flushBlock(ctx, header); err != nil {
			return err
		}
	}

	from := flushed[0].Number.Uint64()
	to := flushed[len(flushed)-1].Number.Uint64()
	p.emit(Event{Kind: Flushed, FlushedFrom: from, FlushedTo: to})
	return nil
}

func (p *Poller) flushBlock(ctx context.Context, header *types.Header) error {
	blockNum := header.Number.Uint64()

	for _, source := range p.sources {
		if source.ChainID != p.chainID || blockNum < source.StartBlock {
			continue
		}
		if source.EndBlock != nil && blockNum > *source.EndBlock {
			continue
		}

		addresses, err := p.sourceAddresses(ctx, source, blockNum)
		if err != nil {
			return err
		}
		if len(addresses) == 0 {
			continue
		}

		query := ethereum.FilterQuery{
			FromBlock: header.Number,
			ToBlock:   header.Number,
			Addresses: addresses,
		}
		if source.Filter.Event != (common.Hash{}) {
			query.Topics = [][]common.Hash{{source.Filter.Event}}
		}

		var logs []types.Log
		err = rpc.WithRetry(ctx, p.chainID, p.retryCfg, "eth_getLogs", func() error {
			fetched, fetchErr := p.client.GetLogs(ctx, query)
			logs = fetched
			return fetchErr
		})
		if err != nil {
			return fmt.Errorf("realtime: fetch logs for block %d: %w", blockNum, err)
		}

		txs, err := p.transactionsForLogs(ctx, logs)
		if err != nil {
			return err
		}

		var receipts []*types.Receipt
		if source.IncludeTransactionReceipts {
			receipts, err = p.receiptsForLogs(ctx, logs)
			if err != nil {
				return err
			}
		}

		interval := synccache.Interval{FromBlock: blockNum, ToBlock: blockNum}
		if err := p.store.WriteChunk(ctx, p.chainID, source.Fingerprint(), interval, []*types.Header{header}, logs, txs, receipts); err != nil {
			return fmt.Errorf("realtime: write chunk for block %d: %w", blockNum, err)
		}
	}

	metrics.LastIndexedBlockSet(chainLabel(p.chainID), blockNum)
	return nil
}

// transactionsForLogs fetches the distinct transaction bodies referenced by
// logs, always, mirroring historical sync's unconditional transaction
// caching for a flushed block.
func (p *Poller) transactionsForLogs(ctx context.Context, logs []types.Log) ([]synccache.TxRecord, error) {
	hashes, meta := synccache.TxHashesAndMeta(logs)
	if len(hashes) == 0 {
		return nil, nil
	}

	var txs []*types.Transaction
	err := rpc.WithRetry(ctx, p.chainID, p.retryCfg, "eth_getTransactionByHash_batch", func() error {
		fetched, fetchErr := p.client.BatchGetTransactions(ctx, hashes)
		txs = fetched
		return fetchErr
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: fetch transactions: %w", err)
	}

	records := make([]synccache.TxRecord, len(txs))
	for i, t := range txs {
		rec := meta[hashes[i]]
		rec.Tx = t
		records[i] = rec
	}
	return records, nil
}

// receiptsForLogs fetches the distinct transaction receipts referenced by
// logs, only when the source's IncludeTransactionReceipts option is set.
func (p *Poller) receiptsForLogs(ctx context.Context, logs []types.Log) ([]*types.Receipt, error) {
	hashes, _ := synccache.TxHashesAndMeta(logs)
	if len(hashes) == 0 {
		return nil, nil
	}

	var receipts []*types.Receipt
	err := rpc.WithRetry(ctx, p.chainID, p.retryCfg, "eth_getTransactionReceipt_batch", func() error {
		fetched, fetchErr := p.client.BatchGetReceipts(ctx, hashes)
		receipts = fetched
		return fetchErr
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: fetch receipts: %w", err)
	}
	return receipts, nil
}

func (p *Poller) sourceAddresses(ctx context.Context, source ponderevent.SubscriptionSource, upToBlock uint64) ([]common.Address, error) {
	if source.Address != nil {
		return []common.Address{*source.Address}, nil
	}
	if source.Factory == nil {
		return nil, fmt.Errorf("realtime: source has neither address nor factory")
	}
	return resolveFactoryAddresses(ctx, p.client, *source.Factory, source.StartBlock, upToBlock)
}

func (p *Poller) emit(ev Event) {
	if p.onEvent != nil {
		p.onEvent(ev)
	}
}

func chainLabel(chainID uint64) string {
	return fmt.Sprintf("%d", chainID)
}
