package instance

import (
	"context"
	"fmt"
	"time"

	"github.com/ponder-sh/ponder-core/internal/ponderevent"
)

// Heartbeat updates instanceID's heartbeat_at to now and advances its
// persisted checkpoint, so a competing process's dead-instance scan sees
// this one as alive and knows where it last got to if it ever doesn't.
func (r *Registry) Heartbeat(ctx context.Context, instanceID string, checkpoint ponderevent.Checkpoint) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET heartbeat_at = now(), chain_id = $2, block_timestamp = $3, block_number = $4, tx_index = $5, event_index = $6
		WHERE instance_id = $1
	`, r.metaTable())
	_, err := r.pool.Exec(ctx, query, instanceID,
		checkpoint.ChainID, checkpoint.BlockTimestamp, checkpoint.BlockNumber, checkpoint.TransactionIndex, checkpoint.EventIndex)
	if err != nil {
		return fmt.Errorf("instance: heartbeat: %w", err)
	}
	return nil
}

// RunHeartbeatLoop updates instanceID's heartbeat every HeartbeatInterval
// until ctx is cancelled, reading the current checkpoint fresh on every
// tick via getCheckpoint so the caller can advance it concurrently.
//
// If heartbeat updates keep failing for longer than StaleTimeout, another
// process may already be adopting this instance as dead; the loop returns
// a HeartbeatLostError so the caller can demote itself and exit rather
// than keep writing under an identity someone else now owns.
func (r *Registry) RunHeartbeatLoop(ctx context.Context, instanceID string, getCheckpoint func() ponderevent.Checkpoint) error {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval.Duration)
	defer ticker.Stop()

	var firstFailure time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Heartbeat(ctx, instanceID, getCheckpoint()); err != nil {
				r.log.Warnf("heartbeat failed for %s: %v", instanceID, err)
				if firstFailure.IsZero() {
					firstFailure = time.Now()
				}
				if time.Since(firstFailure) > r.cfg.StaleTimeout.Duration {
					return ponderevent.NewHeartbeatLostError(instanceID, err)
				}
				continue
			}
			firstFailure = time.Time{}
		}
	}
}
