// Package merger implements spec §4.D: the low-watermark join that merges
// every chain's ordered event stream into a single globally-ordered stream,
// advancing idle chains on a timeout so one quiet chain never stalls the
// others, and applying backpressure through bounded per-chain buffers.
package merger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ponder-sh/ponder-core/internal/config"
	"github.com/ponder-sh/ponder-core/internal/logger"
	"github.com/ponder-sh/ponder-core/internal/ponderevent"
)

// chainBuffer holds one chain's pending events, sorted ascending by
// checkpoint (callers must push in that order), and its low watermark: the
// checkpoint below which this chain promises not to emit anything further.
type chainBuffer struct {
	chainID      uint64
	inbox        chan ponderevent.Event
	events       []ponderevent.Event
	watermark    ponderevent.Checkpoint
	lastActivity time.Time
}

// Merger joins per-chain event streams into one globally-ordered stream.
type Merger struct {
	mu          sync.Mutex
	chains      map[uint64]*chainBuffer
	bufferSize  int
	idleTimeout time.Duration
	out         chan ponderevent.Event
	wake        chan struct{}
	log         *logger.Logger
}

// New builds a Merger. Register every chain with RegisterChain before Run.
func New(cfg config.MergerConfig, log *logger.Logger) *Merger {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 10_000
	}
	return &Merger{
		chains:      make(map[uint64]*chainBuffer),
		bufferSize:  bufferSize,
		idleTimeout: cfg.IdleTimeout.Duration,
		out:         make(chan ponderevent.Event, bufferSize),
		wake:        make(chan struct{}, 1),
		log:         log.WithComponent("merger"),
	}
}

// RegisterChain adds a chain to the join. initialWatermark should be the
// checkpoint at the chain's configured start (typically StartBlock with
// BlockTimestamp 0), so the merger withholds every chain's output until all
// chains have reported real progress.
func (m *Merger) RegisterChain(chainID uint64, initialWatermark ponderevent.Checkpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.chains[chainID] = &chainBuffer{
		chainID:      chainID,
		inbox:        make(chan ponderevent.Event, m.bufferSize),
		watermark:    initialWatermark,
		lastActivity: time.Now(),
	}
}

// Events returns the merged, globally-ordered output stream.
func (m *Merger) Events() <-chan ponderevent.Event {
	return m.out
}

// Push enqueues event on chainID's stream, blocking (backpressure) once the
// chain's bounded buffer is full, or returning ctx.Err() if ctx is
// cancelled first.
func (m *Merger) Push(ctx context.Context, chainID uint64, event ponderevent.Event) error {
	m.mu.Lock()
	buf, ok := m.chains[chainID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("merger: chain %d not registered", chainID)
	}

	select {
	case buf.inbox <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AdvanceWatermark reports that chainID has progressed to checkpoint with
// no event to emit there (e.g. it caught up to the finalized tip without a
// match). It never moves a chain's watermark backward.
func (m *Merger) AdvanceWatermark(chainID uint64, checkpoint ponderevent.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.chains[chainID]
	if !ok {
		return fmt.Errorf("merger: chain %d not registered", chainID)
	}
	if buf.watermark.Before(checkpoint) {
		buf.watermark = checkpoint
		buf.lastActivity = time.Now()
	}
	m.signalWakeLocked()
	return nil
}

// Run drains every chain's inbox into its buffer and emits events onto the
// merged output stream as soon as the low watermark makes them safe. It
// blocks until ctx is cancelled.
func (m *Merger) Run(ctx context.Context) error {
	m.mu.Lock()
	chains := make([]*chainBuffer, 0, len(m.chains))
	for _, buf := range m.chains {
		chains = append(chains, buf)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, buf := range chains {
		wg.Add(1)
		go func(buf *chainBuffer) {
			defer wg.Done()
			m.consumeChain(ctx, buf)
		}(buf)
	}

	idleCheck := time.NewTicker(m.idlePollInterval())
	defer idleCheck.Stop()

	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.wake:
			m.drainReady()
		case <-idleCheck.C:
			m.advanceIdleChains()
			m.drainReady()
		}
	}
}

func (m *Merger) idlePollInterval() time.Duration {
	if m.idleTimeout <= 0 {
		return time.Second
	}
	interval := m.idleTimeout / 2
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	return interval
}

func (m *Merger) consumeChain(ctx context.Context, buf *chainBuffer) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-buf.inbox:
			if !ok {
				return
			}
			m.mu.Lock()
			buf.events = append(buf.events, event)
			if buf.watermark.Before(event.Checkpoint) {
				buf.watermark = event.Checkpoint
			}
			buf.lastActivity = time.Now()
			m.mu.Unlock()
			m.signalWake()
		}
	}
}

func (m *Merger) signalWake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Merger) signalWakeLocked() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// drainReady emits every buffered event that is no longer than the current
// global low watermark, in ascending checkpoint order, across all chains.
func (m *Merger) drainReady() {
	for {
		event, ok := m.popReady()
		if !ok {
			return
		}
		m.out <- event
	}
}

func (m *Merger) popReady() (ponderevent.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	global, ok := m.globalWatermarkLocked()
	if !ok {
		return ponderevent.Event{}, false
	}

	var earliest *chainBuffer
	for _, buf := range m.chains {
		if len(buf.events) == 0 {
			continue
		}
		if earliest == nil || buf.events[0].Checkpoint.Before(earliest.events[0].Checkpoint) {
			earliest = buf
		}
	}
	if earliest == nil || earliest.events[0].Checkpoint.Compare(global) > 0 {
		return ponderevent.Event{}, false
	}

	event := earliest.events[0]
	earliest.events = earliest.events[1:]
	return event, true
}

// globalWatermarkLocked returns the minimum watermark across every
// registered chain: the point below which every chain has committed to
// producing nothing earlier. Must be called with m.mu held.
func (m *Merger) globalWatermarkLocked() (ponderevent.Checkpoint, bool) {
	if len(m.chains) == 0 {
		return ponderevent.Checkpoint{}, false
	}
	var global ponderevent.Checkpoint
	first := true
	for _, buf := range m.chains {
		if first || buf.watermark.Before(global) {
			global = buf.watermark
			first = false
		}
	}
	return global, true
}

// advanceIdleChains bumps the watermark of any chain that hasn't reported
// progress within idleTimeout to the current wall-clock time, so a quiet
// chain can't block events from busier chains indefinitely.
func (m *Merger) advanceIdleChains() {
	if m.idleTimeout <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	wallTs := uint64(now.Unix())
	for _, buf := range m.chains {
		if now.Sub(buf.lastActivity) < m.idleTimeout {
			continue
		}
		if wallTs <= buf.watermark.BlockTimestamp {
			continue
		}
		buf.watermark = ponderevent.Checkpoint{ChainID: buf.chainID, BlockTimestamp: wallTs}
		buf.lastActivity = now
		m.log.Debugf("advanced idle chain %d watermark to wall clock %d", buf.chainID, wallTs)
	}
}
