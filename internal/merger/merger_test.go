package merger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ponder-sh/ponder-core/internal/common"
	"github.com/ponder-sh/ponder-core/internal/config"
	"github.com/ponder-sh/ponder-core/internal/logger"
	"github.com/ponder-sh/ponder-core/internal/ponderevent"
)

func cp(ts, chainID, block uint64) ponderevent.Checkpoint {
	return ponderevent.Checkpoint{BlockTimestamp: ts, ChainID: chainID, BlockNumber: block}
}

func TestMerger_WithholdsUntilAllChainsReport(t *testing.T) {
	m := New(config.MergerConfig{BufferSize: 16}, logger.NewNop())
	m.RegisterChain(1, ponderevent.Checkpoint{})
	m.RegisterChain(2, ponderevent.Checkpoint{})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go m.Run(ctx)

	require.NoError(t, m.Push(t.Context(), 1, ponderevent.Event{Checkpoint: cp(10, 1, 1)}))

	select {
	case ev := <-m.Events():
		t.Fatalf("expected no output before chain 2 reports, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, m.AdvanceWatermark(2, cp(20, 2, 0)))

	select {
	case ev := <-m.Events():
		assert.Equal(t, uint64(10), ev.Checkpoint.BlockTimestamp)
	case <-time.After(time.Second):
		t.Fatal("expected event once both chains have reported")
	}
}

func TestMerger_OrdersAcrossChainsByTimestamp(t *testing.T) {
	m := New(config.MergerConfig{BufferSize: 16}, logger.NewNop())
	m.RegisterChain(1, ponderevent.Checkpoint{})
	m.RegisterChain(2, ponderevent.Checkpoint{})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go m.Run(ctx)

	require.NoError(t, m.Push(t.Context(), 1, ponderevent.Event{Checkpoint: cp(20, 1, 1)}))
	require.NoError(t, m.Push(t.Context(), 2, ponderevent.Event{Checkpoint: cp(10, 2, 1)}))
	require.NoError(t, m.AdvanceWatermark(1, cp(30, 1, 2)))
	require.NoError(t, m.AdvanceWatermark(2, cp(30, 2, 2)))

	first := requireEvent(t, m)
	second := requireEvent(t, m)

	assert.Equal(t, uint64(10), first.Checkpoint.BlockTimestamp)
	assert.Equal(t, uint64(20), second.Checkpoint.BlockTimestamp)
}

func TestMerger_IdleChainAdvancesOnTimeout(t *testing.T) {
	m := New(config.MergerConfig{BufferSize: 16, IdleTimeout: common.NewDuration(20 * time.Millisecond)}, logger.NewNop())
	m.RegisterChain(1, ponderevent.Checkpoint{})
	m.RegisterChain(2, ponderevent.Checkpoint{})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go m.Run(ctx)

	require.NoError(t, m.Push(t.Context(), 1, ponderevent.Event{Checkpoint: cp(10, 1, 1)}))
	// Chain 2 never reports; once idleTimeout elapses its watermark should
	// advance to wall-clock time, unblocking chain 1's buffered event.

	select {
	case ev := <-m.Events():
		assert.Equal(t, uint64(10), ev.Checkpoint.BlockTimestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("expected idle-chain advancement to unblock chain 1's event")
	}
}

func requireEvent(t *testing.T, m *Merger) ponderevent.Event {
	t.Helper()
	select {
	case ev := <-m.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("expected an event")
		return ponderevent.Event{}
	}
}
