package realtime

import (
	"context"
	"math/big"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ponder-sh/ponder-core/internal/config"
	"github.com/ponder-sh/ponder-core/internal/logger"
	"github.com/ponder-sh/ponder-core/internal/ponderevent"
	"github.com/ponder-sh/ponder-core/internal/synccache"
	"github.com/ponder-sh/ponder-core/tests/helpers"
)

// fakePollClient drives Poller deterministically: headsByHash answers
// GetBlockByHash, and latest is returned from GetLatestBlockHeader until
// advanced by the test.
type fakePollClient struct {
	latest     *types.Header
	headsByHash map[common.Hash]*types.Header
	logs       map[uint64][]types.Log
}

func newFakePollClient() *fakePollClient {
	return &fakePollClient{headsByHash: make(map[common.Hash]*types.Header), logs: make(map[uint64][]types.Log)}
}

func (f *fakePollClient) GetLatestBlockHeader(ctx context.Context) (*types.Header, error) {
	return f.latest, nil
}

func (f *fakePollClient) GetBlockByHash(ctx context.Context, hash [32]byte) (*types.Header, error) {
	return f.headsByHash[hash], nil
}

func (f *fakePollClient) GetLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	return f.logs[query.FromBlock.Uint64()], nil
}

func (f *fakePollClient) BatchGetTransactions(ctx context.Context, hashes []common.Hash) ([]*types.Transaction, error) {
	txs := make([]*types.Transaction, len(hashes))
	for i := range hashes {
		txs[i] = types.NewTx(&types.LegacyTx{Nonce: uint64(i)})
	}
	return txs, nil
}

func (f *fakePollClient) BatchGetReceipts(ctx context.Context, hashes []common.Hash) ([]*types.Receipt, error) {
	receipts := make([]*types.Receipt, len(hashes))
	for i, h := range hashes {
		receipts[i] = &types.Receipt{TxHash: h, Status: types.ReceiptStatusSuccessful}
	}
	return receipts, nil
}

func header(number int64, parent common.Hash, extra byte) *types.Header {
	return &types.Header{Number: big.NewInt(number), ParentHash: parent, Extra: []byte{extra}}
}

func testRetryCfg() config.RetryConfig { return config.RetryConfig{MaxAttempts: 1} }

func TestPoller_AppendsLinearBlocks(t *testing.T) {
	client := newFakePollClient()
	genesis := header(1, common.Hash{}, 0)
	client.latest = genesis

	var events []Event
	netCfg := config.NetworkConfig{FinalityDepth: 100, MaxRequestsPerSecond: 1000}
	p := newPoller(1, client, nil, nil, netCfg, testRetryCfg(), logger.NewNop(), func(e Event) { events = append(events, e) })

	require.NoError(t, p.poll(t.Context()))
	assert.Len(t, events, 1)
	assert.Equal(t, BlockForward, events[0].Kind)

	next := header(2, genesis.Hash(), 1)
	client.latest = next
	require.NoError(t, p.poll(t.Context()))
	assert.Len(t, events, 2)
	assert.Equal(t, next.Hash(), p.window.Tip().Hash())
}

func TestPoller_DetectsShallowReorg(t *testing.T) {
	client := newFakePollClient()
	genesis := header(1, common.Hash{}, 0)
	oldTip := header(2, genesis.Hash(), 1)
	client.latest = genesis

	netCfg := config.NetworkConfig{FinalityDepth: 100, MaxRequestsPerSecond: 1000}
	p := newPoller(1, client, nil, nil, netCfg, testRetryCfg(), logger.NewNop(), nil)
	require.NoError(t, p.poll(t.Context()))

	client.latest = oldTip
	require.NoError(t, p.poll(t.Context()))

	newBranch := header(2, genesis.Hash(), 2)
	client.headsByHash[newBranch.ParentHash] = genesis
	client.latest = newBranch

	var events []Event
	p.onEvent = func(e Event) { events = append(events, e) }
	require.NoError(t, p.poll(t.Context()))

	require.Len(t, events, 2)
	assert.Equal(t, Reorg, events[0].Kind)
	assert.Equal(t, genesis.Hash(), events[0].CommonAncestor.Hash())
	// A single-block reorg: the common ancestor is the new head's direct
	// parent, found without any GetBlockByHash walk-back calls.
	assert.Equal(t, uint64(0), events[0].Depth)
	assert.Equal(t, BlockForward, events[1].Kind)
	assert.Equal(t, newBranch.Hash(), p.window.Tip().Hash())
}

func TestPoller_DeepReorgIsFatal(t *testing.T) {
	client := newFakePollClient()
	genesis := header(1, common.Hash{}, 0)
	client.latest = genesis

	// A finalityDepth of 1 keeps the first block in the window; a depth of 0
	// would flush it at once and leave nothing to walk back to.
	netCfg := config.NetworkConfig{FinalityDepth: 1, MaxRequestsPerSecond: 1000}
	p := newPoller(1, client, nil, nil, netCfg, testRetryCfg(), logger.NewNop(), nil)
	require.NoError(t, p.poll(t.Context()))

	// Unrelated branch sharing no ancestor with the window: the second
	// walk-back step already exceeds a finalityDepth of 1.
	client.headsByHash[common.HexToHash("0xdead")] = header(0, common.HexToHash("0xbeef"), 8)
	foreignParent := header(1, common.HexToHash("0xdead"), 9)
	client.latest = foreignParent

	err := p.poll(t.Context())
	require.Error(t, err)
	var deepReorg *ponderevent.DeepReorgError
	require.ErrorAs(t, err, &deepReorg)
}

func TestPoller_FlushesFinalizedBlocksToStore(t *testing.T) {
	pool := helpers.NewTestPool(t)
	store := synccache.NewStore(pool)

	addr := common.HexToAddress("0x4444444444444444444444444444444444444444")
	client := newFakePollClient()
	genesis := header(1, common.Hash{}, 0)
	client.latest = genesis
	client.logs[1] = []types.Log{{Address: addr, BlockNumber: 1, BlockHash: genesis.Hash(), TxHash: common.HexToHash("0xt1")}}

	source := ponderevent.SubscriptionSource{
		Contract:   "Token",
		ChainID:    7,
		Address:    &addr,
		StartBlock: 0,
	}

	netCfg := config.NetworkConfig{FinalityDepth: 0, MaxRequestsPerSecond: 1000}
	p := newPoller(7, client, store, []ponderevent.SubscriptionSource{source}, netCfg, testRetryCfg(), logger.NewNop(), nil)

	require.NoError(t, p.poll(t.Context()))

	logs, err := store.GetLogs(t.Context(), 7, addr, nil, 1, 1)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}
