package realtime

import "github.com/ethereum/go-ethereum/core/types"

// EventKind identifies which variant of Event a poll produced.
type EventKind int

const (
	// BlockForward is emitted once per new block appended to the canonical
	// chain, whether or not it followed a reorg.
	BlockForward EventKind = iota
	// Reorg is emitted whenever the new head's parent is not the previous
	// tip: CommonAncestor is the nearest block already in the window, which
	// is the previous tip itself when the head skipped ahead of it. The
	// canonical chain has already been truncated to CommonAncestor by the
	// time this is delivered.
	Reorg
	// Flushed is emitted once per poll that moves blocks out of the
	// canonical-chain window into the Sync Cache: their logs are now
	// durable and safe to decode and emit on the merged event stream.
	Flushed
)

// Event is delivered to Poller's subscriber on every poll that advances or
// rewrites the canonical chain.
type Event struct {
	Kind EventKind

	// Block is set for BlockForward: the new canonical-chain tip.
	Block *types.Header

	// CommonAncestor and Depth are set for Reorg: the last block both
	// chains agree on, and how many blocks were walked back past it to
	// find it.
	CommonAncestor *types.Header
	Depth          uint64

	// FlushedFrom and FlushedTo are set for Flushed: the inclusive range of
	// block numbers just moved into the Sync Cache.
	FlushedFrom uint64
	FlushedTo   uint64
}
