// Package replay turns the raw blocks and logs durable in the Sync Cache
// into the ordered ponderevent.Event stream the merger consumes, for both
// historical backfill (a source's full covered range) and realtime flushes
// (the blocks each poll moves into the cache).
package replay

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ponder-sh/ponder-core/internal/decode"
	"github.com/ponder-sh/ponder-core/internal/ponderevent"
	"github.com/ponder-sh/ponder-core/internal/synccache"
)

// cacheReader is the Sync Cache surface replay needs to read back what
// historical and realtime sync wrote.
type cacheReader interface {
	GetLogs(ctx context.Context, chainID uint64, address common.Address, topic0 *common.Hash, fromBlock, toBlock uint64) ([]types.Log, error)
	GetBlockByHash(ctx context.Context, chainID uint64, hash common.Hash) (*types.Header, error)
	GetTransaction(ctx context.Context, chainID uint64, hash common.Hash) (*types.Transaction, error)
	GetReceipt(ctx context.Context, chainID uint64, hash common.Hash) (*types.Receipt, error)
}

var _ cacheReader = (*synccache.Store)(nil)

// Replayer decodes cached logs for a contract's subscriptions into ordered
// events, resolving each source's concrete addresses the same way sync does.
type Replayer struct {
	cache cacheReader
	abis  *decode.Registry
}

// New builds a Replayer over an already-populated Sync Cache and a loaded
// ABI registry.
func New(cache *synccache.Store, abis *decode.Registry) *Replayer {
	return &Replayer{cache: cache, abis: abis}
}

// Range decodes every matching log for source within [fromBlock, toBlock],
// against the given concrete addresses (the caller has already resolved
// factory children, if any), and returns them in ascending checkpoint
// order, each carrying its enclosing transaction and, if source requests
// it, its receipt. Setup events are not this package's concern: the
// orchestrator synthesizes those directly, once per source.
func (r *Replayer) Range(ctx context.Context, contract string, source ponderevent.SubscriptionSource, addresses []common.Address, fromBlock, toBlock uint64) ([]ponderevent.Event, error) {
	var topic0 *common.Hash
	if source.Filter.Event != (common.Hash{}) {
		t := source.Filter.Event
		topic0 = &t
	}

	var all []types.Log
	for _, addr := range addresses {
		logs, err := r.cache.GetLogs(ctx, source.ChainID, addr, topic0, fromBlock, toBlock)
		if err != nil {
			return nil, fmt.Errorf("replay: get logs for %s: %w", addr, err)
		}
		all = append(all, logs...)
	}

	events, err := r.decodeAndOrder(ctx, contract, source, all)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// decodeAndOrder decodes logs against the contract's ABI, attaches each
// log's checkpoint by looking up its block's timestamp, filters out logs
// that fail the declarative argument filter, and sorts the result.
func (r *Replayer) decodeAndOrder(ctx context.Context, contract string, source ponderevent.SubscriptionSource, logs []types.Log) ([]ponderevent.Event, error) {
	blockTimestamps := make(map[common.Hash]uint64)
	transactions := make(map[common.Hash]*types.Transaction)
	receipts := make(map[common.Hash]*types.Receipt)
	events := make([]ponderevent.Event, 0, len(logs))

	for i := range logs {
		log := logs[i]

		name, args, ok, err := r.abis.DecodeLog(contract, log)
		if err != nil {
			return nil, fmt.Errorf("replay: decode log block=%d index=%d: %w", log.BlockNumber, log.Index, err)
		}
		if !ok {
			continue
		}
		if !matchesArgFilter(source.Filter.Args, args) {
			continue
		}

		ts, err := r.blockTimestamp(ctx, source.ChainID, log.BlockHash, blockTimestamps)
		if err != nil {
			return nil, err
		}

		tx, err := r.transaction(ctx, source.ChainID, log.TxHash, transactions)
		if err != nil {
			return nil, err
		}

		var receipt *types.Receipt
		if source.IncludeTransactionReceipts {
			receipt, err = r.receipt(ctx, source.ChainID, log.TxHash, receipts)
			if err != nil {
				return nil, err
			}
		}

		logCopy := log
		events = append(events, ponderevent.Event{
			Kind: ponderevent.KindLog,
			Checkpoint: ponderevent.Checkpoint{
				ChainID:          source.ChainID,
				BlockTimestamp:   ts,
				BlockNumber:      log.BlockNumber,
				TransactionIndex: uint32(log.TxIndex),
				EventIndex:       uint32(log.Index),
			},
			Source:      ponderevent.Source{Contract: contract, Event: name},
			Log:         &logCopy,
			DecodedArgs: args,
			Transaction: tx,
			Receipt:     receipt,
		})
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Checkpoint.Before(events[j].Checkpoint) })
	return events, nil
}

func (r *Replayer) blockTimestamp(ctx context.Context, chainID uint64, hash common.Hash, cache map[common.Hash]uint64) (uint64, error) {
	if ts, ok := cache[hash]; ok {
		return ts, nil
	}
	header, err := r.cache.GetBlockByHash(ctx, chainID, hash)
	if err != nil {
		return 0, fmt.Errorf("replay: get block %s: %w", hash, err)
	}
	if header == nil {
		return 0, fmt.Errorf("replay: block %s not in cache", hash)
	}
	cache[hash] = header.Time
	return header.Time, nil
}

// transaction returns a log's enclosing transaction, memoized per call since
// many logs in a range share a transaction.
func (r *Replayer) transaction(ctx context.Context, chainID uint64, hash common.Hash, cache map[common.Hash]*types.Transaction) (*types.Transaction, error) {
	if tx, ok := cache[hash]; ok {
		return tx, nil
	}
	tx, err := r.cache.GetTransaction(ctx, chainID, hash)
	if err != nil {
		return nil, fmt.Errorf("replay: get transaction %s: %w", hash, err)
	}
	cache[hash] = tx
	return tx, nil
}

// receipt returns a log's enclosing transaction's receipt, memoized per
// call the same way transaction is.
func (r *Replayer) receipt(ctx context.Context, chainID uint64, hash common.Hash, cache map[common.Hash]*types.Receipt) (*types.Receipt, error) {
	if rcpt, ok := cache[hash]; ok {
		return rcpt, nil
	}
	rcpt, err := r.cache.GetReceipt(ctx, chainID, hash)
	if err != nil {
		return nil, fmt.Errorf("replay: get receipt %s: %w", hash, err)
	}
	cache[hash] = rcpt
	return rcpt, nil
}

// matchesArgFilter reports whether decoded satisfies every constraint in
// filter: for each named argument, decoded's string form must equal one of
// the allowed values. A nil or empty filter always matches.
func matchesArgFilter(filter map[string][]any, decoded map[string]any) bool {
	for name, allowed := range filter {
		value, ok := decoded[name]
		if !ok {
			return false
		}
		if !containsEqual(allowed, value) {
			return false
		}
	}
	return true
}

func containsEqual(allowed []any, value any) bool {
	valueStr := fmt.Sprintf("%v", value)
	for _, a := range allowed {
		if fmt.Sprintf("%v", a) == valueStr {
			return true
		}
	}
	return false
}
