package ponderevent

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Kind identifies which variant of the Event union a value carries.
type Kind int

const (
	// KindLog is emitted for a decoded contract event log.
	KindLog Kind = iota
	// KindBlock is emitted once per block for sources that subscribe to
	// block-level handlers rather than (or in addition to) logs.
	KindBlock
	// KindTrace is emitted for a matched internal call trace.
	KindTrace
	// KindSetup is synthesized once per (contract, network) with checkpoint
	// equal to the contract's startBlock, before any real chain data.
	KindSetup
)

func (k Kind) String() string {
	switch k {
	case KindLog:
		return "log"
	case KindBlock:
		return "block"
	case KindTrace:
		return "trace"
	case KindSetup:
		return "setup"
	default:
		return "unknown"
	}
}

// Source identifies the (contract, event) pair a handler is registered
// against. KindSetup events carry an empty Event name: they are keyed by
// contract alone.
type Source struct {
	Contract string
	Event    string
}

// Event is the tagged union delivered to user handlers by the stream
// merger. Exactly one of the payload fields is meaningful, selected by Kind.
type Event struct {
	Kind       Kind
	Checkpoint Checkpoint
	Source     Source

	// Log is populated for KindLog.
	Log *types.Log
	// DecodedArgs holds the ABI-decoded event arguments for KindLog, keyed
	// by argument name.
	DecodedArgs map[string]any

	// Block is the enclosing block header. No event the core produces sets
	// it: replay leaves it nil on KindLog events, and KindBlock/KindTrace
	// events are not produced.
	Block *types.Header
	// Transaction is the enclosing transaction for KindLog/KindTrace events,
	// always populated from the Sync Cache. Receipt is populated only when
	// IncludeTransactionReceipts is set on the originating Source
	// subscription.
	Transaction *types.Transaction
	Receipt     *types.Receipt
}

// SubscriptionSource is a declarative subscription as configured by the
// user: a contract's events on a network, resolved either by a fixed
// address, a dynamic factory, or a server-side filter.
type SubscriptionSource struct {
	Contract string
	Network  string
	ChainID  uint64

	// Exactly one of Address or Factory must be set.
	Address *common.Address
	Factory *FactorySource

	// Filter narrows which logs are delivered, independent of address
	// resolution.
	Filter EventFilter

	StartBlock                uint64
	EndBlock                  *uint64
	IncludeTransactionReceipts bool
}

// FactorySource resolves child contract addresses dynamically by watching a
// specific log emitted by a parent contract (e.g. a factory's
// "PairCreated" event), extracting the new address from a named parameter.
type FactorySource struct {
	Address        common.Address
	Event          common.Hash
	ParameterIndex int
}

// EventFilter narrows delivered logs to a specific event signature and,
// optionally, indexed argument values.
type EventFilter struct {
	Event common.Hash
	Args  map[string][]any
}

// Fingerprint deterministically identifies this subscription for Sync Cache
// interval bookkeeping, independent of the block range being fetched.
func (s SubscriptionSource) Fingerprint() string {
	return fingerprint(s)
}
