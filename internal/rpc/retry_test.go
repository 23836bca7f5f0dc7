package rpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ponder-sh/ponder-core/internal/common"
	"github.com/ponder-sh/ponder-core/internal/config"
	"github.com/ponder-sh/ponder-core/internal/ponderevent"
)

func retryCfg() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    common.NewDuration(time.Millisecond),
		MaxBackoff:        common.NewDuration(5 * time.Millisecond),
		BackoffMultiplier: 2,
	}
}

func TestWithRetry_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 1, retryCfg(), "eth_getLogs", func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 1, retryCfg(), "eth_getLogs", func() error {
		calls++
		if calls < 2 {
			return errors.New("503 service unavailable")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWithRetry_NonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 1, retryCfg(), "eth_getLogs", func() error {
		calls++
		return errors.New("execution reverted")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var permErr *ponderevent.RPCPermanentError
	assert.ErrorAs(t, err, &permErr)
}

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	cfg := retryCfg()
	err := WithRetry(context.Background(), 1, cfg, "eth_getLogs", func() error {
		calls++
		return errors.New("503 service unavailable")
	})

	require.Error(t, err)
	assert.Equal(t, cfg.MaxAttempts, calls)

	var transientErr *ponderevent.RPCTransientError
	assert.ErrorAs(t, err, &transientErr)
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithRetry(ctx, 1, retryCfg(), "eth_getLogs", func() error {
		t.Fatal("fn should not be called with a cancelled context")
		return nil
	})

	require.Error(t, err)
}
