package rpc

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/ponder-sh/ponder-core/internal/config"
	"github.com/ponder-sh/ponder-core/internal/metrics"
	"github.com/ponder-sh/ponder-core/internal/ponderevent"
)

// retryableError reports whether err looks transient: network errors,
// timeouts, rate limiting, or temporary upstream failures.
func retryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") {
		return true
	}

	if strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "rate limit") {
		return true
	}

	if strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout") {
		return true
	}

	if strings.Contains(errStr, "connection pool") ||
		strings.Contains(errStr, "no available connection") {
		return true
	}

	return false
}

// calculateBackoff computes the exponential backoff (with +/-25% jitter)
// for the given attempt, capped at cfg.MaxBackoff.
func calculateBackoff(attempt int, cfg config.RetryConfig) time.Duration {
	if attempt <= 1 {
		return 0
	}

	backoff := float64(cfg.InitialBackoff.Duration) * math.Pow(cfg.BackoffMultiplier, float64(attempt-2))
	if backoff > float64(cfg.MaxBackoff.Duration) {
		backoff = float64(cfg.MaxBackoff.Duration)
	}

	jitterRange := backoff * 0.25
	backoff += (rand.Float64() * 2 * jitterRange) - jitterRange

	if backoff < 0 {
		backoff = 0
	}

	return time.Duration(backoff)
}

// WithRetry executes fn with exponential backoff, classifying the final
// error as an RPCTransientError or RPCPermanentError per spec §7.
// cfg.MaxAttempts of 0 means retry indefinitely (RpcTransient's documented
// policy); non-retryable errors are classified permanent and returned
// immediately without retry.
func WithRetry(ctx context.Context, chainID uint64, cfg config.RetryConfig, operation string, fn func() error) error {
	for attempt := 1; cfg.MaxAttempts == 0 || attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		if !retryableError(err) {
			return ponderevent.NewRPCPermanentError(chainID, err)
		}

		if cfg.MaxAttempts != 0 && attempt >= cfg.MaxAttempts {
			return ponderevent.NewRPCTransientError(chainID, err)
		}

		metrics.RPCRetryInc(chainLabel(chainID), operation)

		backoff := calculateBackoff(attempt, cfg)
		if backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return nil
}
