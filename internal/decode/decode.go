// Package decode loads contract ABIs and turns raw logs into the decoded
// argument maps carried by ponderevent.Event. The ABI itself is supplied as
// a file path by config.ContractConfig; everything about compiling a
// contract's schema or handler code lives outside this core, but decoding
// an already-fetched log against its ABI is part of the indexing pipeline
// proper.
package decode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Registry holds one parsed ABI per contract name.
type Registry struct {
	abis map[string]abi.ABI
}

// LoadRegistry reads and parses the ABI file named by each contract's ABI
// path. A path shared by multiple contracts is parsed once.
func LoadRegistry(contractABIPaths map[string]string) (*Registry, error) {
	cache := make(map[string]abi.ABI)
	reg := &Registry{abis: make(map[string]abi.ABI, len(contractABIPaths))}

	for name, path := range contractABIPaths {
		parsed, ok := cache[path]
		if !ok {
			loaded, err := loadABIFile(path)
			if err != nil {
				return nil, fmt.Errorf("decode: load abi for %s: %w", name, err)
			}
			parsed = loaded
			cache[path] = parsed
		}
		reg.abis[name] = parsed
	}

	return reg, nil
}

func loadABIFile(path string) (abi.ABI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("read %s: %w", path, err)
	}

	// Artifact files (e.g. Foundry/Hardhat output) wrap the ABI array under
	// an "abi" key; a raw ABI file is the array itself. Try the wrapped form
	// first since it's the common case for compiled build artifacts.
	var wrapped struct {
		ABI json.RawMessage `json:"abi"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.ABI) > 0 {
		data = wrapped.ABI
	}

	parsed, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return parsed, nil
}

// ABI returns the parsed ABI registered for contract, if any.
func (r *Registry) ABI(contract string) (abi.ABI, bool) {
	a, ok := r.abis[contract]
	return a, ok
}

// DecodeLog resolves log's event by its topic0 selector against contract's
// ABI and unpacks both indexed and non-indexed arguments into a single
// name-keyed map. Logs whose topic0 matches no event in the ABI (the
// contract emits an event this source never subscribed to) return
// ok=false, not an error.
func (r *Registry) DecodeLog(contract string, log types.Log) (eventName string, args map[string]any, ok bool, err error) {
	contractABI, has := r.ABI(contract)
	if !has {
		return "", nil, false, fmt.Errorf("decode: no abi registered for contract %s", contract)
	}
	if len(log.Topics) == 0 {
		return "", nil, false, nil
	}

	event, err := contractABI.EventByID(log.Topics[0])
	if err != nil {
		return "", nil, false, nil
	}

	args = make(map[string]any, len(event.Inputs))

	if len(log.Data) > 0 {
		unpacked := make(map[string]any)
		if err := contractABI.UnpackIntoMap(unpacked, event.Name, log.Data); err != nil {
			return "", nil, false, fmt.Errorf("decode: unpack %s.%s: %w", contract, event.Name, err)
		}
		for k, v := range unpacked {
			args[k] = v
		}
	}

	indexedInputs := indexedArguments(event.Inputs)
	if len(indexedInputs) > 0 {
		if err := abi.ParseTopicsIntoMap(args, indexedInputs, log.Topics[1:]); err != nil {
			return "", nil, false, fmt.Errorf("decode: parse topics %s.%s: %w", contract, event.Name, err)
		}
	}

	return event.Name, args, true, nil
}

func indexedArguments(inputs abi.Arguments) abi.Arguments {
	var indexed abi.Arguments
	for _, in := range inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	return indexed
}

// EventTopic returns the keccak topic0 for eventName in contract's ABI, used
// to build server-side log filters from a declarative EventFilter.
func (r *Registry) EventTopic(contract, eventName string) (common.Hash, error) {
	contractABI, ok := r.ABI(contract)
	if !ok {
		return common.Hash{}, fmt.Errorf("decode: no abi registered for contract %s", contract)
	}
	event, ok := contractABI.Events[eventName]
	if !ok {
		return common.Hash{}, fmt.Errorf("decode: event %s not found in %s abi", eventName, contract)
	}
	return event.ID, nil
}
