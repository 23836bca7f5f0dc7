package realtime

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/ponder-sh/ponder-core/internal/ponderevent"
)

// resolveFactoryAddresses fetches every child-creation log the factory's
// parent contract has emitted in [fromBlock, upToBlock] and extracts the
// child address from the configured indexed parameter, the same rule
// historical sync uses so both components agree on a factory's address set.
func resolveFactoryAddresses(ctx context.Context, client ethClient, factory ponderevent.FactorySource, fromBlock, upToBlock uint64) ([]common.Address, error) {
	logs, err := client.GetLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(upToBlock),
		Addresses: []common.Address{factory.Address},
		Topics:    [][]common.Hash{{factory.Event}},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: resolve factory addresses: %w", err)
	}

	topicIndex := factory.ParameterIndex + 1
	addresses := make([]common.Address, 0, len(logs))
	for _, l := range logs {
		if topicIndex < 0 || topicIndex >= len(l.Topics) {
			continue
		}
		addresses = append(addresses, common.BytesToAddress(l.Topics[topicIndex].Bytes()))
	}
	return addresses, nil
}
