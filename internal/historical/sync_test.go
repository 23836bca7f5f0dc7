package historical

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ponder-sh/ponder-core/internal/config"
	"github.com/ponder-sh/ponder-core/internal/logger"
	"github.com/ponder-sh/ponder-core/internal/ponderevent"
	"github.com/ponder-sh/ponder-core/internal/synccache"
	"github.com/ponder-sh/ponder-core/tests/helpers"
)

// fakeEthClient lets tests drive Syncer without a live node.
type fakeEthClient struct {
	tooLargeRanges map[[2]uint64]bool
	logsByRange    map[[2]uint64][]types.Log
	finalized      uint64
	calls          int
}

func (f *fakeEthClient) GetLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	f.calls++
	key := [2]uint64{query.FromBlock.Uint64(), query.ToBlock.Uint64()}
	if f.tooLargeRanges[key] {
		return nil, &fakeDataErr{msg: "Query returned more than 10000 results"}
	}
	return f.logsByRange[key], nil
}

func (f *fakeEthClient) GetFinalizedBlockHeader(ctx context.Context) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(int64(f.finalized))}, nil
}

func (f *fakeEthClient) BatchGetBlockHeaders(ctx context.Context, blockNums []uint64) ([]*types.Header, error) {
	headers := make([]*types.Header, len(blockNums))
	for i, n := range blockNums {
		headers[i] = &types.Header{Number: big.NewInt(int64(n)), Time: n}
	}
	return headers, nil
}

func (f *fakeEthClient) BatchGetTransactions(ctx context.Context, hashes []common.Hash) ([]*types.Transaction, error) {
	txs := make([]*types.Transaction, len(hashes))
	for i := range hashes {
		txs[i] = types.NewTx(&types.LegacyTx{Nonce: uint64(i)})
	}
	return txs, nil
}

func (f *fakeEthClient) BatchGetReceipts(ctx context.Context, hashes []common.Hash) ([]*types.Receipt, error) {
	receipts := make([]*types.Receipt, len(hashes))
	for i, h := range hashes {
		receipts[i] = &types.Receipt{TxHash: h, Status: types.ReceiptStatusSuccessful}
	}
	return receipts, nil
}

type fakeDataErr struct{ msg string }

func (e *fakeDataErr) Error() string  { return e.msg }
func (e *fakeDataErr) ErrorData() any { return e.msg }

var _ gethrpc.DataError = (*fakeDataErr)(nil)

func TestSyncer_FetchLogsWithBisection_SplitsOnTooManyResults(t *testing.T) {
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	logA := types.Log{Address: addr, BlockNumber: 0}
	logB := types.Log{Address: addr, BlockNumber: 10}

	client := &fakeEthClient{
		tooLargeRanges: map[[2]uint64]bool{{0, 10}: true},
		logsByRange: map[[2]uint64][]types.Log{
			{0, 5}:  {logA},
			{6, 10}: {logB},
		},
	}

	s := newSyncer(1, client, nil, config.NetworkConfig{MaxRequestsPerSecond: 1000}, config.RetryConfig{MaxAttempts: 1}, logger.NewNop())

	logs, err := s.fetchLogsWithBisection(t.Context(), 1, []common.Address{addr}, common.Hash{}, synccache.Interval{FromBlock: 0, ToBlock: 10})
	require.NoError(t, err)
	assert.Len(t, logs, 2)
	assert.Equal(t, uint64(initialChunkSize/2), s.sizer.size(1), "recordTooLarge halves from the initial size")
}

func TestSyncer_FetchLogsWithBisection_PropagatesNonSplitErrors(t *testing.T) {
	addr := common.HexToAddress("0x2222222222222222222222222222222222222222")
	client := &fakeEthClient{}
	client.logsByRange = map[[2]uint64][]types.Log{}

	boom := fmt.Errorf("connection refused")
	failing := &erroringClient{fakeEthClient: client, err: boom}

	s := newSyncer(1, failing, nil, config.NetworkConfig{MaxRequestsPerSecond: 1000}, config.RetryConfig{MaxAttempts: 1}, logger.NewNop())

	_, err := s.fetchLogsWithBisection(t.Context(), 1, []common.Address{addr}, common.Hash{}, synccache.Interval{FromBlock: 0, ToBlock: 10})
	require.Error(t, err)
}

type erroringClient struct {
	*fakeEthClient
	err error
}

func (e *erroringClient) GetLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	return nil, e.err
}

func TestSyncer_SyncSource_Integration(t *testing.T) {
	pool := helpers.NewTestPool(t)
	store := synccache.NewStore(pool)

	addr := common.HexToAddress("0x3333333333333333333333333333333333333333")
	client := &fakeEthClient{
		finalized: 20,
		logsByRange: map[[2]uint64][]types.Log{
			{0, 20}: {{Address: addr, BlockNumber: 5, BlockHash: common.HexToHash("0xb5"), TxHash: common.HexToHash("0xt5")}},
		},
	}

	s := newSyncer(42, client, store, config.NetworkConfig{MaxRequestsPerSecond: 1000}, config.RetryConfig{MaxAttempts: 1}, logger.NewNop())

	source := ponderevent.SubscriptionSource{
		Contract:   "Token",
		ChainID:    42,
		Address:    &addr,
		StartBlock: 0,
	}

	result, err := s.SyncSource(t.Context(), source)
	require.NoError(t, err)
	assert.True(t, result.Done)
	assert.Equal(t, uint64(20), result.Checkpoint)

	logs, err := store.GetLogs(t.Context(), 42, addr, nil, 0, 20)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}
