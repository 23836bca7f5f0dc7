package realtime

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// chainWindow is the in-memory canonical chain: a sliding window of
// unfinalized block headers, ordered oldest to newest, that Poller walks
// back through to find a common ancestor on reorg.
type chainWindow struct {
	headers []*types.Header
	byHash  map[common.Hash]int
}

func newChainWindow() *chainWindow {
	return &chainWindow{byHash: make(map[common.Hash]int)}
}

func (w *chainWindow) Len() int { return len(w.headers) }

// Tip returns the newest header in the window, or nil if empty.
func (w *chainWindow) Tip() *types.Header {
	if len(w.headers) == 0 {
		return nil
	}
	return w.headers[len(w.headers)-1]
}

// Reset discards the window and starts it fresh at h.
func (w *chainWindow) Reset(h *types.Header) {
	w.headers = []*types.Header{h}
	w.byHash = map[common.Hash]int{h.Hash(): 0}
}

// Append adds h as the new tip. Callers must ensure h.ParentHash equals the
// current tip's hash.
func (w *chainWindow) Append(h *types.Header) {
	w.byHash[h.Hash()] = len(w.headers)
	w.headers = append(w.headers, h)
}

// Contains reports whether hash is present anywhere in the window.
func (w *chainWindow) Contains(hash common.Hash) bool {
	_, ok := w.byHash[hash]
	return ok
}

// Get returns the header with the given hash, if present.
func (w *chainWindow) Get(hash common.Hash) (*types.Header, bool) {
	i, ok := w.byHash[hash]
	if !ok {
		return nil, false
	}
	return w.headers[i], true
}

// TruncateAfter drops every header after the one matching ancestorHash,
// making it the new tip. It is a no-op if ancestorHash is not in the
// window.
func (w *chainWindow) TruncateAfter(ancestorHash common.Hash) {
	i, ok := w.byHash[ancestorHash]
	if !ok {
		return
	}
	for _, h := range w.headers[i+1:] {
		delete(w.byHash, h.Hash())
	}
	w.headers = w.headers[:i+1]
}

// FlushBelow removes and returns every header whose number is strictly
// below threshold, oldest first, so the caller can persist them to durable
// storage once they can no longer be reorged away.
func (w *chainWindow) FlushBelow(threshold uint64) []*types.Header {
	cut := 0
	for cut < len(w.headers) && w.headers[cut].Number.Uint64() < threshold {
		delete(w.byHash, w.headers[cut].Hash())
		cut++
	}
	if cut == 0 {
		return nil
	}
	flushed := w.headers[:cut]
	remaining := make([]*types.Header, len(w.headers)-cut)
	copy(remaining, w.headers[cut:])
	w.headers = remaining
	return flushed
}
