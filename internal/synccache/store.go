// Package synccache implements the shared, multi-writer-safe cache of raw
// chain data (spec §3's Sync Cache): blocks, logs, and the interval
// bookkeeping that tracks which block ranges have already been fetched for
// a given (chainId, subscription fingerprint).
//
// Every instance connected to the same database shares this cache, so a
// second instance backfilling the same contract never re-fetches a range
// the first instance already pulled.
package synccache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"github.com/ponder-sh/ponder-core/internal/pgpool"
)

// Store is the Postgres-backed Sync Cache, shared across every instance
// connected to the same database.
type Store struct {
	pool *pgpool.Pool
}

// NewStore wraps an open pool as a Sync Cache.
func NewStore(pool *pgpool.Pool) *Store {
	return &Store{pool: pool}
}

// StoreBlock persists a block header, keyed by (chainId, blockHash) so a
// reorg that re-fetches the same number under a different hash does not
// collide with the row it's superseding.
func (s *Store) StoreBlock(ctx context.Context, chainID uint64, header *types.Header) error {
	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("synccache: marshal header: %w", err)
	}

	const q = `
		INSERT INTO sync.blocks (chain_id, block_number, block_hash, parent_hash, timestamp, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chain_id, block_hash) DO NOTHING
	`
	_, err = s.pool.Exec(ctx, q,
		chainID, header.Number.Uint64(), header.Hash().Hex(), header.ParentHash.Hex(), header.Time, data)
	if err != nil {
		return fmt.Errorf("synccache: store block: %w", err)
	}
	return nil
}

// GetBlockByHash returns a previously cached block header, or nil if not
// present. Replay uses it to read each log's block timestamp; realtime
// sync's reorg walk-back fetches parents over RPC, not from this cache.
func (s *Store) GetBlockByHash(ctx context.Context, chainID uint64, hash common.Hash) (*types.Header, error) {
	var row dbBlock
	const q = `
		SELECT data FROM sync.blocks WHERE chain_id = $1 AND block_hash = $2
	`
	err := pgxscan.Get(ctx, s.pool.Underlying(), &row, q, chainID, hash.Hex())
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("synccache: get block: %w", err)
	}

	var header types.Header
	if err := json.Unmarshal(row.Data, &header); err != nil {
		return nil, fmt.Errorf("synccache: unmarshal header: %w", err)
	}
	return &header, nil
}

// GetBlockByNumber returns the cached header for chainID's canonical block
// at blockNumber, or nil if not present. Used to resolve the timestamp of
// every watermark checkpoint and of the journal-pruning checkpoint.
func (s *Store) GetBlockByNumber(ctx context.Context, chainID uint64, blockNumber uint64) (*types.Header, error) {
	var row dbBlock
	const q = `
		SELECT data FROM sync.blocks WHERE chain_id = $1 AND block_number = $2
		ORDER BY block_number DESC LIMIT 1
	`
	err := pgxscan.Get(ctx, s.pool.Underlying(), &row, q, chainID, blockNumber)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("synccache: get block by number: %w", err)
	}

	var header types.Header
	if err := json.Unmarshal(row.Data, &header); err != nil {
		return nil, fmt.Errorf("synccache: unmarshal header: %w", err)
	}
	return &header, nil
}

type dbBlock struct {
	Data []byte `db:"data"`
}

// StoreLogs persists a batch of logs fetched for one chunk. Already-present
// rows (same chainId, blockHash, logIndex) are left untouched: the caller
// is expected to have already checked IsCovered before fetching.
func (s *Store) StoreLogs(ctx context.Context, chainID uint64, logs []types.Log) error {
	if len(logs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("synccache: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
		INSERT INTO sync.logs
			(chain_id, block_hash, log_index, block_number, tx_hash, tx_index, address, topic0, topic1, topic2, topic3, data, removed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (chain_id, block_hash, log_index) DO NOTHING
	`
	for i := range logs {
		l := &logs[i]
		data, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("synccache: marshal log: %w", err)
		}

		topics := topicColumns(l.Topics)
		_, err = tx.Exec(ctx, q,
			chainID, l.BlockHash.Hex(), l.Index, l.BlockNumber, l.TxHash.Hex(), l.TxIndex,
			l.Address.Hex(), topics[0], topics[1], topics[2], topics[3], data, l.Removed)
		if err != nil {
			return fmt.Errorf("synccache: insert log: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("synccache: commit: %w", err)
	}
	return nil
}

// TxRecord pairs a fetched transaction body with the block context already
// known from the log that referenced it: types.Transaction's own JSON form
// carries no block hash or index.
type TxRecord struct {
	BlockHash common.Hash
	TxIndex   uint
	Tx        *types.Transaction
}

// TxHashesAndMeta returns the distinct transaction hashes referenced by
// logs, each paired with the block hash and index of the log that first
// referenced it, so callers can batch-fetch transaction bodies by hash and
// reattach the block context without an extra RPC round trip.
func TxHashesAndMeta(logs []types.Log) ([]common.Hash, map[common.Hash]TxRecord) {
	seen := make(map[common.Hash]bool)
	var hashes []common.Hash
	meta := make(map[common.Hash]TxRecord)
	for _, l := range logs {
		if !seen[l.TxHash] {
			seen[l.TxHash] = true
			hashes = append(hashes, l.TxHash)
			meta[l.TxHash] = TxRecord{BlockHash: l.BlockHash, TxIndex: l.TxIndex}
		}
	}
	return hashes, meta
}

func topicColumns(topics []common.Hash) [4]*string {
	var out [4]*string
	for i := 0; i < len(topics) && i < 4; i++ {
		hex := topics[i].Hex()
		out[i] = &hex
	}
	return out
}

// GetLogs returns every non-removed log for address within [fromBlock,
// toBlock], optionally narrowed to a single event signature via topic0.
// Callers are responsible for consulting MissingRanges first; this never
// fetches from the RPC itself.
func (s *Store) GetLogs(ctx context.Context, chainID uint64, address common.Address, topic0 *common.Hash, fromBlock, toBlock uint64) ([]types.Log, error) {
	var rows []dbLogData
	var err error
	if topic0 != nil {
		const q = `
			SELECT data FROM sync.logs
			WHERE chain_id = $1 AND address = $2 AND topic0 = $3
			  AND block_number >= $4 AND block_number <= $5 AND NOT removed
			ORDER BY block_number ASC, log_index ASC
		`
		err = pgxscan.Select(ctx, s.pool.Underlying(), &rows, q, chainID, address.Hex(), topic0.Hex(), fromBlock, toBlock)
	} else {
		const q = `
			SELECT data FROM sync.logs
			WHERE chain_id = $1 AND address = $2
			  AND block_number >= $3 AND block_number <= $4 AND NOT removed
			ORDER BY block_number ASC, log_index ASC
		`
		err = pgxscan.Select(ctx, s.pool.Underlying(), &rows, q, chainID, address.Hex(), fromBlock, toBlock)
	}
	if err != nil {
		return nil, fmt.Errorf("synccache: get logs: %w", err)
	}

	logs := make([]types.Log, len(rows))
	for i, r := range rows {
		if err := json.Unmarshal(r.Data, &logs[i]); err != nil {
			return nil, fmt.Errorf("synccache: unmarshal log: %w", err)
		}
	}
	return logs, nil
}

type dbLogData struct {
	Data []byte `db:"data"`
}

// GetTransaction returns a cached transaction body, or nil if not present.
func (s *Store) GetTransaction(ctx context.Context, chainID uint64, hash common.Hash) (*types.Transaction, error) {
	var row dbTxData
	const q = `SELECT data FROM sync.transactions WHERE chain_id = $1 AND tx_hash = $2`
	err := pgxscan.Get(ctx, s.pool.Underlying(), &row, q, chainID, hash.Hex())
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("synccache: get transaction: %w", err)
	}

	var tx types.Transaction
	if err := json.Unmarshal(row.Data, &tx); err != nil {
		return nil, fmt.Errorf("synccache: unmarshal transaction: %w", err)
	}
	return &tx, nil
}

type dbTxData struct {
	Data []byte `db:"data"`
}

// GetReceipt returns a cached transaction receipt, or nil if not present.
func (s *Store) GetReceipt(ctx context.Context, chainID uint64, hash common.Hash) (*types.Receipt, error) {
	var row dbReceiptData
	const q = `SELECT data FROM sync.transaction_receipts WHERE chain_id = $1 AND tx_hash = $2`
	err := pgxscan.Get(ctx, s.pool.Underlying(), &row, q, chainID, hash.Hex())
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("synccache: get receipt: %w", err)
	}

	var receipt types.Receipt
	if err := json.Unmarshal(row.Data, &receipt); err != nil {
		return nil, fmt.Errorf("synccache: unmarshal receipt: %w", err)
	}
	return &receipt, nil
}

type dbReceiptData struct {
	Data []byte `db:"data"`
}

// MarkRemoved flags every log at or above fromBlock as removed. Rows are
// kept, not deleted. Realtime sync's reorg handling does not call it: the
// poller writes a block to the cache only once it is past the finality
// depth.
func (s *Store) MarkRemoved(ctx context.Context, chainID uint64, fromBlock uint64) error {
	const q = `UPDATE sync.logs SET removed = TRUE WHERE chain_id = $1 AND block_number >= $2`
	_, err := s.pool.Exec(ctx, q, chainID, fromBlock)
	if err != nil {
		return fmt.Errorf("synccache: mark removed: %w", err)
	}
	return nil
}

// PruneBefore deletes blocks and logs strictly below beforeBlock in one
// transaction. Nothing in the engine calls it on a schedule; the cache
// grows until it is called.
func (s *Store) PruneBefore(ctx context.Context, chainID uint64, beforeBlock uint64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("synccache: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM sync.logs WHERE chain_id = $1 AND block_number < $2`, chainID, beforeBlock); err != nil {
		return fmt.Errorf("synccache: prune logs: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM sync.blocks WHERE chain_id = $1 AND block_number < $2`, chainID, beforeBlock); err != nil {
		return fmt.Errorf("synccache: prune blocks: %w", err)
	}

	return tx.Commit(ctx)
}

// GetIntervals returns the recorded coverage for a subscription fingerprint,
// used by historical sync to compute MissingRanges before fetching.
func (s *Store) GetIntervals(ctx context.Context, chainID uint64, fingerprint string) ([]Interval, error) {
	var rows []dbInterval
	const q = `
		SELECT from_block, to_block FROM sync.intervals
		WHERE chain_id = $1 AND fingerprint = $2
		ORDER BY from_block ASC
	`
	if err := pgxscan.Select(ctx, s.pool.Underlying(), &rows, q, chainID, fingerprint); err != nil {
		return nil, fmt.Errorf("synccache: get intervals: %w", err)
	}

	intervals := make([]Interval, len(rows))
	for i, r := range rows {
		intervals[i] = Interval{FromBlock: r.FromBlock, ToBlock: r.ToBlock}
	}
	return intervals, nil
}

type dbInterval struct {
	FromBlock uint64 `db:"from_block"`
	ToBlock   uint64 `db:"to_block"`
}

// RecordInterval inserts a newly fetched chunk's coverage and then
// compacts the fingerprint's full interval set with MergeAdjoining, so
// repeated small chunks collapse into a single row over time instead of
// growing sync.intervals without bound.
func (s *Store) RecordInterval(ctx context.Context, chainID uint64, fingerprint string, iv Interval) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("synccache: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := recordIntervalTx(ctx, tx, chainID, fingerprint, iv); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// recordIntervalTx holds the interval-merge logic shared by RecordInterval
// (which opens its own transaction) and WriteChunk (which reuses the
// caller's), so a fetched chunk's logs, blocks, and interval row commit or
// roll back together.
func recordIntervalTx(ctx context.Context, tx pgx.Tx, chainID uint64, fingerprint string, iv Interval) error {
	var existing []dbInterval
	const selectQ = `
		SELECT from_block, to_block FROM sync.intervals
		WHERE chain_id = $1 AND fingerprint = $2
		FOR UPDATE
	`
	if err := pgxscan.Select(ctx, tx, &existing, selectQ, chainID, fingerprint); err != nil {
		return fmt.Errorf("synccache: lock intervals: %w", err)
	}

	all := make([]Interval, 0, len(existing)+1)
	for _, e := range existing {
		all = append(all, Interval{FromBlock: e.FromBlock, ToBlock: e.ToBlock})
	}
	all = append(all, iv)
	merged := MergeAdjoining(all)

	if _, err := tx.Exec(ctx, `DELETE FROM sync.intervals WHERE chain_id = $1 AND fingerprint = $2`, chainID, fingerprint); err != nil {
		return fmt.Errorf("synccache: clear intervals: %w", err)
	}
	const insertQ = `INSERT INTO sync.intervals (chain_id, fingerprint, from_block, to_block) VALUES ($1, $2, $3, $4)`
	for _, m := range merged {
		if _, err := tx.Exec(ctx, insertQ, chainID, fingerprint, m.FromBlock, m.ToBlock); err != nil {
			return fmt.Errorf("synccache: insert interval: %w", err)
		}
	}

	return nil
}

// WriteChunk durably persists one historical-sync chunk in a single
// transaction: logs, their enclosing block headers, the transactions that
// emitted them, their receipts (if fetched), then the intervals row. A
// failure at any point leaves sync.intervals untouched, so the chunk is
// simply replanned as missing on the next run.
func (s *Store) WriteChunk(ctx context.Context, chainID uint64, fingerprint string, iv Interval, headers []*types.Header, logs []types.Log, txs []TxRecord, receipts []*types.Receipt) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("synccache: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const blockQ = `
		INSERT INTO sync.blocks (chain_id, block_number, block_hash, parent_hash, timestamp, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chain_id, block_hash) DO NOTHING
	`
	for _, h := range headers {
		data, err := json.Marshal(h)
		if err != nil {
			return fmt.Errorf("synccache: marshal header: %w", err)
		}
		if _, err := tx.Exec(ctx, blockQ, chainID, h.Number.Uint64(), h.Hash().Hex(), h.ParentHash.Hex(), h.Time, data); err != nil {
			return fmt.Errorf("synccache: store block: %w", err)
		}
	}

	const logQ = `
		INSERT INTO sync.logs
			(chain_id, block_hash, log_index, block_number, tx_hash, tx_index, address, topic0, topic1, topic2, topic3, data, removed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (chain_id, block_hash, log_index) DO NOTHING
	`
	for i := range logs {
		l := &logs[i]
		data, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("synccache: marshal log: %w", err)
		}
		topics := topicColumns(l.Topics)
		if _, err := tx.Exec(ctx, logQ,
			chainID, l.BlockHash.Hex(), l.Index, l.BlockNumber, l.TxHash.Hex(), l.TxIndex,
			l.Address.Hex(), topics[0], topics[1], topics[2], topics[3], data, l.Removed); err != nil {
			return fmt.Errorf("synccache: insert log: %w", err)
		}
	}

	const txQ = `
		INSERT INTO sync.transactions (chain_id, block_hash, tx_hash, tx_index, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (chain_id, tx_hash) DO NOTHING
	`
	for _, t := range txs {
		if t.Tx == nil {
			continue
		}
		data, err := json.Marshal(t.Tx)
		if err != nil {
			return fmt.Errorf("synccache: marshal transaction: %w", err)
		}
		if _, err := tx.Exec(ctx, txQ, chainID, t.BlockHash.Hex(), t.Tx.Hash().Hex(), t.TxIndex, data); err != nil {
			return fmt.Errorf("synccache: insert transaction: %w", err)
		}
	}

	const receiptQ = `
		INSERT INTO sync.transaction_receipts (chain_id, tx_hash, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (chain_id, tx_hash) DO NOTHING
	`
	for _, rcpt := range receipts {
		if rcpt == nil {
			continue
		}
		data, err := json.Marshal(rcpt)
		if err != nil {
			return fmt.Errorf("synccache: marshal receipt: %w", err)
		}
		if _, err := tx.Exec(ctx, receiptQ, chainID, rcpt.TxHash.Hex(), data); err != nil {
			return fmt.Errorf("synccache: insert receipt: %w", err)
		}
	}

	if err := recordIntervalTx(ctx, tx, chainID, fingerprint, iv); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
