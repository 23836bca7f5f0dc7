package historical

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ponder-sh/ponder-core/internal/ponderevent"
)

// ResolveFactoryAddresses fetches every log the factory's parent contract
// has emitted for its child-creation event within [fromBlock, toBlock] and
// extracts each new child address from the configured parameter position,
// per spec §3's factory source.
func ResolveFactoryAddresses(ctx context.Context, client ethClient, factory ponderevent.FactorySource, fromBlock, toBlock uint64) ([]common.Address, error) {
	logs, err := client.GetLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{factory.Address},
		Topics:    [][]common.Hash{{factory.Event}},
	})
	if err != nil {
		return nil, fmt.Errorf("historical: resolve factory addresses: %w", err)
	}

	addresses := make([]common.Address, 0, len(logs))
	for i := range logs {
		addr, ok := extractFactoryChild(&logs[i], factory.ParameterIndex)
		if ok {
			addresses = append(addresses, addr)
		}
	}
	return addresses, nil
}

// extractFactoryChild pulls the child address out of an indexed topic when
// parameterIndex falls within the log's topics (topic0 is the event
// signature, so indexed parameter i lives at Topics[i+1]); non-indexed
// parameters packed into Data are not supported.
func extractFactoryChild(log *types.Log, parameterIndex int) (common.Address, bool) {
	topicIndex := parameterIndex + 1
	if topicIndex < 0 || topicIndex >= len(log.Topics) {
		return common.Address{}, false
	}
	return common.BytesToAddress(log.Topics[topicIndex].Bytes()), true
}
