// Package rpc provides the read-only Ethereum RPC client used by historical
// and realtime sync, with retry-with-backoff and typed error classification.
package rpc

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/ponder-sh/ponder-core/internal/metrics"
)

// Client is a read-only RPC client for a single chain.
type Client struct {
	ChainID uint64

	eth *ethclient.Client
	rpc *gethrpc.Client
}

// Dial connects a Client to the given transport (http/ws URL).
func Dial(ctx context.Context, chainID uint64, transport string) (*Client, error) {
	rpcClient, err := gethrpc.DialContext(ctx, transport)
	if err != nil {
		return nil, fmt.Errorf("dial chain %d: %w", chainID, err)
	}

	return &Client{
		ChainID: chainID,
		eth:     ethclient.NewClient(rpcClient),
		rpc:     rpcClient,
	}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() {
	c.eth.Close()
}

// GetLogs retrieves logs matching the given filter query.
func (c *Client) GetLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	metrics.RPCRequestInc(chainLabel(c.ChainID), "eth_getLogs")
	return c.eth.FilterLogs(ctx, query)
}

// GetBlockHeader retrieves the header for a specific block number.
func (c *Client) GetBlockHeader(ctx context.Context, blockNum uint64) (*types.Header, error) {
	metrics.RPCRequestInc(chainLabel(c.ChainID), "eth_getBlockByNumber")
	return c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNum))
}

// GetLatestBlockHeader retrieves the latest observed block header.
func (c *Client) GetLatestBlockHeader(ctx context.Context) (*types.Header, error) {
	metrics.RPCRequestInc(chainLabel(c.ChainID), "eth_getBlockByNumber")
	return c.eth.HeaderByNumber(ctx, nil)
}

// GetFinalizedBlockHeader retrieves the chain's finalized block header.
func (c *Client) GetFinalizedBlockHeader(ctx context.Context) (*types.Header, error) {
	metrics.RPCRequestInc(chainLabel(c.ChainID), "eth_getBlockByNumber")
	return c.eth.HeaderByNumber(ctx, big.NewInt(int64(gethrpc.FinalizedBlockNumber)))
}

// GetSafeBlockHeader retrieves the chain's safe block header.
func (c *Client) GetSafeBlockHeader(ctx context.Context) (*types.Header, error) {
	metrics.RPCRequestInc(chainLabel(c.ChainID), "eth_getBlockByNumber")
	return c.eth.HeaderByNumber(ctx, big.NewInt(int64(gethrpc.SafeBlockNumber)))
}

// GetBlockByHash retrieves a block header by hash, used to walk back the
// parent chain during reorg detection.
func (c *Client) GetBlockByHash(ctx context.Context, hash [32]byte) (*types.Header, error) {
	metrics.RPCRequestInc(chainLabel(c.ChainID), "eth_getBlockByHash")
	return c.eth.HeaderByHash(ctx, hash)
}

// BatchGetBlockHeaders retrieves headers for multiple block numbers in
// batches of at most 100 requests per round trip.
func (c *Client) BatchGetBlockHeaders(ctx context.Context, blockNums []uint64) ([]*types.Header, error) {
	const maxBatch = 100

	results := make([]*types.Header, 0, len(blockNums))

	for i := 0; i < len(blockNums); i += maxBatch {
		end := min(i+maxBatch, len(blockNums))
		chunk := blockNums[i:end]

		batch := make([]gethrpc.BatchElem, len(chunk))
		chunkResults := make([]*types.Header, len(chunk))

		for j, blockNum := range chunk {
			batch[j] = gethrpc.BatchElem{
				Method: "eth_getBlockByNumber",
				Args:   []any{toBlockNumArg(blockNum), false},
				Result: &chunkResults[j],
			}
		}

		metrics.RPCRequestInc(chainLabel(c.ChainID), "eth_getBlockByNumber")
		if err := c.rpc.BatchCallContext(ctx, batch); err != nil {
			return nil, err
		}
		for _, elem := range batch {
			if elem.Error != nil {
				return nil, elem.Error
			}
		}

		results = append(results, chunkResults...)
	}

	return results, nil
}

// BatchGetTransactions retrieves full transaction bodies for the given
// hashes in batches of at most 100 requests per round trip. The response's
// block association fields are ignored: callers already know each hash's
// block from the log that referenced it.
func (c *Client) BatchGetTransactions(ctx context.Context, hashes []common.Hash) ([]*types.Transaction, error) {
	const maxBatch = 100

	results := make([]*types.Transaction, 0, len(hashes))

	for i := 0; i < len(hashes); i += maxBatch {
		end := min(i+maxBatch, len(hashes))
		chunk := hashes[i:end]

		batch := make([]gethrpc.BatchElem, len(chunk))
		chunkResults := make([]*types.Transaction, len(chunk))

		for j, hash := range chunk {
			batch[j] = gethrpc.BatchElem{
				Method: "eth_getTransactionByHash",
				Args:   []any{hash},
				Result: &chunkResults[j],
			}
		}

		metrics.RPCRequestInc(chainLabel(c.ChainID), "eth_getTransactionByHash")
		if err := c.rpc.BatchCallContext(ctx, batch); err != nil {
			return nil, err
		}
		for _, elem := range batch {
			if elem.Error != nil {
				return nil, elem.Error
			}
		}

		results = append(results, chunkResults...)
	}

	return results, nil
}

// BatchGetReceipts retrieves transaction receipts for the given hashes in
// batches of at most 100 requests per round trip.
func (c *Client) BatchGetReceipts(ctx context.Context, hashes []common.Hash) ([]*types.Receipt, error) {
	const maxBatch = 100

	results := make([]*types.Receipt, 0, len(hashes))

	for i := 0; i < len(hashes); i += maxBatch {
		end := min(i+maxBatch, len(hashes))
		chunk := hashes[i:end]

		batch := make([]gethrpc.BatchElem, len(chunk))
		chunkResults := make([]*types.Receipt, len(chunk))

		for j, hash := range chunk {
			batch[j] = gethrpc.BatchElem{
				Method: "eth_getTransactionReceipt",
				Args:   []any{hash},
				Result: &chunkResults[j],
			}
		}

		metrics.RPCRequestInc(chainLabel(c.ChainID), "eth_getTransactionReceipt")
		if err := c.rpc.BatchCallContext(ctx, batch); err != nil {
			return nil, err
		}
		for _, elem := range batch {
			if elem.Error != nil {
				return nil, elem.Error
			}
		}

		results = append(results, chunkResults...)
	}

	return results, nil
}

func toBlockNumArg(blockNum uint64) string {
	return fmt.Sprintf("0x%x", blockNum)
}

func chainLabel(chainID uint64) string {
	return fmt.Sprintf("%d", chainID)
}
