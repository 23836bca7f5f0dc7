package replay

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ponder-sh/ponder-core/internal/decode"
	"github.com/ponder-sh/ponder-core/internal/ponderevent"
)

func mustPackUint256(t *testing.T, v int64) []byte {
	t.Helper()
	typ, err := gethabi.NewType("uint256", "", nil)
	require.NoError(t, err)
	packed, err := gethabi.Arguments{{Type: typ}}.Pack(big.NewInt(v))
	require.NoError(t, err)
	return packed
}

const transferABI = `[
	{"anonymous": false, "inputs": [
		{"indexed": true, "name": "from", "type": "address"},
		{"indexed": true, "name": "to", "type": "address"},
		{"indexed": false, "name": "value", "type": "uint256"}
	], "name": "Transfer", "type": "event"}
]`

type fakeCache struct {
	logsByAddr map[common.Address][]types.Log
	blocks     map[common.Hash]*types.Header
	txs        map[common.Hash]*types.Transaction
	receipts   map[common.Hash]*types.Receipt
}

func (f *fakeCache) GetLogs(ctx context.Context, chainID uint64, address common.Address, topic0 *common.Hash, fromBlock, toBlock uint64) ([]types.Log, error) {
	return f.logsByAddr[address], nil
}

func (f *fakeCache) GetBlockByHash(ctx context.Context, chainID uint64, hash common.Hash) (*types.Header, error) {
	return f.blocks[hash], nil
}

func (f *fakeCache) GetTransaction(ctx context.Context, chainID uint64, hash common.Hash) (*types.Transaction, error) {
	return f.txs[hash], nil
}

func (f *fakeCache) GetReceipt(ctx context.Context, chainID uint64, hash common.Hash) (*types.Receipt, error) {
	return f.receipts[hash], nil
}

func newTestRegistry(t *testing.T) *decode.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte(transferABI), 0o644))
	reg, err := decode.LoadRegistry(map[string]string{"Token": path})
	require.NoError(t, err)
	return reg
}

func transferLog(t *testing.T, reg *decode.Registry, blockHash common.Hash, blockNumber uint64, txIndex, logIndex uint, from, to common.Address) types.Log {
	t.Helper()
	contractABI, _ := reg.ABI("Token")
	event := contractABI.Events["Transfer"]

	return types.Log{
		Address:     common.HexToAddress("0xaaaa"),
		Topics:      []common.Hash{event.ID, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:        mustPackUint256(t, 1),
		BlockHash:   blockHash,
		BlockNumber: blockNumber,
		TxHash:      common.BytesToHash([]byte{byte(blockNumber), byte(txIndex)}),
		TxIndex:     txIndex,
		Index:       logIndex,
	}
}

func TestReplayer_Range_OrdersByCheckpoint(t *testing.T) {
	reg := newTestRegistry(t)
	addr := common.HexToAddress("0xaaaa")
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")

	blockA := common.HexToHash("0xa")
	blockB := common.HexToHash("0xb")

	cache := &fakeCache{
		logsByAddr: map[common.Address][]types.Log{
			addr: {
				transferLog(t, reg, blockB, 20, 0, 0, from, to),
				transferLog(t, reg, blockA, 10, 0, 0, from, to),
			},
		},
		blocks: map[common.Hash]*types.Header{
			blockA: {Time: 100},
			blockB: {Time: 200},
		},
	}

	r := New(nil, reg)
	r.cache = cache

	source := ponderevent.SubscriptionSource{ChainID: 1, Address: &addr}
	events, err := r.Range(context.Background(), "Token", source, []common.Address{addr}, 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, uint64(10), events[0].Checkpoint.BlockNumber)
	assert.Equal(t, uint64(20), events[1].Checkpoint.BlockNumber)
	assert.Equal(t, "Transfer", events[0].Source.Event)
	assert.Equal(t, from, events[0].DecodedArgs["from"])
}

func TestReplayer_Range_AppliesArgFilter(t *testing.T) {
	reg := newTestRegistry(t)
	addr := common.HexToAddress("0xaaaa")
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	other := common.HexToAddress("0x3333333333333333333333333333333333333333")

	block := common.HexToHash("0xa")
	cache := &fakeCache{
		logsByAddr: map[common.Address][]types.Log{
			addr: {
				transferLog(t, reg, block, 10, 0, 0, from, to),
				transferLog(t, reg, block, 10, 0, 1, other, to),
			},
		},
		blocks: map[common.Hash]*types.Header{block: {Time: 100}},
	}

	r := New(nil, reg)
	r.cache = cache

	source := ponderevent.SubscriptionSource{
		ChainID: 1,
		Address: &addr,
		Filter:  ponderevent.EventFilter{Args: map[string][]any{"from": {from.Hex()}}},
	}
	events, err := r.Range(context.Background(), "Token", source, []common.Address{addr}, 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, from, events[0].DecodedArgs["from"])
}

func TestReplayer_Range_AttachesTransactionAndReceipt(t *testing.T) {
	reg := newTestRegistry(t)
	addr := common.HexToAddress("0xaaaa")
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")

	block := common.HexToHash("0xa")
	log := transferLog(t, reg, block, 10, 0, 0, from, to)
	tx := types.NewTx(&types.LegacyTx{Nonce: 1})

	cache := &fakeCache{
		logsByAddr: map[common.Address][]types.Log{addr: {log}},
		blocks:     map[common.Hash]*types.Header{block: {Time: 100}},
		txs:        map[common.Hash]*types.Transaction{log.TxHash: tx},
		receipts:   map[common.Hash]*types.Receipt{log.TxHash: {TxHash: log.TxHash, Status: types.ReceiptStatusSuccessful}},
	}

	r := New(nil, reg)
	r.cache = cache

	source := ponderevent.SubscriptionSource{ChainID: 1, Address: &addr, IncludeTransactionReceipts: true}
	events, err := r.Range(context.Background(), "Token", source, []common.Address{addr}, 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Transaction)
	assert.Equal(t, tx.Hash(), events[0].Transaction.Hash())
	require.NotNil(t, events[0].Receipt)
	assert.Equal(t, uint64(types.ReceiptStatusSuccessful), events[0].Receipt.Status)
}

func TestReplayer_Range_OmitsReceiptWhenNotRequested(t *testing.T) {
	reg := newTestRegistry(t)
	addr := common.HexToAddress("0xaaaa")
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")

	block := common.HexToHash("0xa")
	log := transferLog(t, reg, block, 10, 0, 0, from, to)
	tx := types.NewTx(&types.LegacyTx{Nonce: 1})

	cache := &fakeCache{
		logsByAddr: map[common.Address][]types.Log{addr: {log}},
		blocks:     map[common.Hash]*types.Header{block: {Time: 100}},
		txs:        map[common.Hash]*types.Transaction{log.TxHash: tx},
		receipts:   map[common.Hash]*types.Receipt{log.TxHash: {TxHash: log.TxHash, Status: types.ReceiptStatusSuccessful}},
	}

	r := New(nil, reg)
	r.cache = cache

	source := ponderevent.SubscriptionSource{ChainID: 1, Address: &addr}
	events, err := r.Range(context.Background(), "Token", source, []common.Address{addr}, 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotNil(t, events[0].Transaction)
	assert.Nil(t, events[0].Receipt)
}
