package instance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ponder-sh/ponder-core/internal/config"
	"github.com/ponder-sh/ponder-core/internal/logger"
	"github.com/ponder-sh/ponder-core/internal/pgpool"
	"github.com/ponder-sh/ponder-core/internal/ponderevent"
	"github.com/ponder-sh/ponder-core/internal/store"
)

// Registry owns _ponder_meta lifecycle for one user schema: instance
// allocation, crash-resume adoption, heartbeats, live-view cutover, and
// stale GC. One Registry exists per running process.
type Registry struct {
	pool   *pgpool.Pool
	schema string
	cfg    config.InstanceConfig
	log    *logger.Logger
}

// New builds a Registry. schema is the user schema name (database.schema,
// default "public") under which _ponder_meta and every instance's physical
// tables live.
func New(pool *pgpool.Pool, schema string, cfg config.InstanceConfig, log *logger.Logger) *Registry {
	return &Registry{pool: pool, schema: schema, cfg: cfg, log: log.WithComponent("instance")}
}

func (r *Registry) metaTable() string {
	return fmt.Sprintf("%s.%s", quoteIdent(r.schema), quoteIdent("_ponder_meta"))
}

func (r *Registry) advisoryLockTable() string {
	return fmt.Sprintf("%s.%s", quoteIdent(r.schema), quoteIdent("_ponder_advisory_lock"))
}

// Open allocates or adopts this process's instance identity, creates its
// physical tables if it's starting fresh, and returns the resolved
// Instance. Call once at startup before any other indexing work begins.
func (r *Registry) Open(ctx context.Context, buildID string, defs []TableDef) (*Instance, error) {
	schemaJSON, err := marshalSchema(defs)
	if err != nil {
		return nil, err
	}

	inst, err := r.adoptOrAllocate(ctx, buildID, schemaJSON)
	if err != nil {
		return nil, err
	}

	if !inst.Adopted {
		if err := r.ensureTables(ctx, inst.InstanceID, defs); err != nil {
			return nil, err
		}
	}

	r.log.Infof("instance %s opened (build=%s adopted=%v status=%s)", inst.InstanceID, buildID, inst.Adopted, inst.Status)
	return inst, nil
}

// adoptOrAllocate implements spec §4.G steps 1-4: compute/accept build_id,
// scan for a dead instance with the same build sharing crash-recovery
// eligibility, and otherwise allocate a fresh instance_id and insert it as
// historical.
func (r *Registry) adoptOrAllocate(ctx context.Context, buildID string, schemaJSON []byte) (*Instance, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("instance: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if !r.cfg.Dev {
		adopted, err := r.findDeadInstance(ctx, tx, buildID)
		if err != nil {
			return nil, err
		}
		if adopted != nil {
			newStatus := adopted.Status
			if newStatus == StatusStopped {
				// A clean shutdown's tables are still intact; resume
				// backfill bookkeeping to be safe about view freshness.
				newStatus = StatusHistorical
			}

			updateQ := fmt.Sprintf(`UPDATE %s SET heartbeat_at = now(), status = $2 WHERE instance_id = $1`, r.metaTable())
			if _, err := tx.Exec(ctx, updateQ, adopted.InstanceID, string(newStatus)); err != nil {
				return nil, fmt.Errorf("instance: claim adopted instance: %w", err)
			}
			if err := tx.Commit(ctx); err != nil {
				return nil, fmt.Errorf("instance: commit adoption: %w", err)
			}

			adopted.Status = newStatus
			adopted.Adopted = true
			return adopted, nil
		}
	}

	instanceID, err := generateInstanceID()
	if err != nil {
		return nil, err
	}

	insertQ := fmt.Sprintf(`
		INSERT INTO %s (instance_id, build_id, schema_json, status, heartbeat_at, chain_id, block_timestamp, block_number, tx_index, event_index)
		VALUES ($1, $2, $3, 'historical', now(), 0, 0, 0, 0, 0)
	`, r.metaTable())
	if _, err := tx.Exec(ctx, insertQ, instanceID, buildID, schemaJSON); err != nil {
		return nil, fmt.Errorf("instance: insert new instance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("instance: commit new instance: %w", err)
	}

	return &Instance{InstanceID: instanceID, BuildID: buildID, Status: StatusHistorical}, nil
}

// findDeadInstance looks for the most recently heard-from instance sharing
// buildID whose heartbeat is older than StaleTimeout, locking the row so a
// concurrently starting process can't adopt the same one.
func (r *Registry) findDeadInstance(ctx context.Context, tx pgx.Tx, buildID string) (*Instance, error) {
	threshold := time.Now().Add(-r.cfg.StaleTimeout.Duration)

	query := fmt.Sprintf(`
		SELECT instance_id, status, chain_id, block_timestamp, block_number, tx_index, event_index
		FROM %s
		WHERE build_id = $1 AND heartbeat_at < $2
		ORDER BY heartbeat_at DESC
		LIMIT 1
		FOR UPDATE
	`, r.metaTable())

	row := tx.QueryRow(ctx, query, buildID, threshold)

	var (
		inst                Instance
		status              string
		chainID             uint64
		ts, block           uint64
		txIndex, eventIndex uint32
	)
	err := row.Scan(&inst.InstanceID, &status, &chainID, &ts, &block, &txIndex, &eventIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("instance: scan dead instance: %w", err)
	}

	inst.BuildID = buildID
	inst.Status = Status(status)
	inst.Checkpoint = ponderevent.Checkpoint{
		ChainID:          chainID,
		BlockTimestamp:   ts,
		BlockNumber:      block,
		TransactionIndex: txIndex,
		EventIndex:       eventIndex,
	}
	return &inst, nil
}

// ensureTables creates {instanceID}__<table> for every onchain table in
// defs, if it doesn't already exist. Offchain tables are user-owned and
// never created here.
func (r *Registry) ensureTables(ctx context.Context, instanceID string, defs []TableDef) error {
	for _, d := range defs {
		if d.Kind != store.Onchain {
			continue
		}
		physical := store.PhysicalTableName(instanceID, d.Name)
		query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (%s)`, quoteIdent(r.schema), quoteIdent(physical), d.ColumnsSQL)
		if _, err := r.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("instance: create table %s: %w", physical, err)
		}
	}
	return nil
}

// Status reads back one instance's current row, for reporting over HTTP.
func (r *Registry) Status(ctx context.Context, instanceID string) (*Instance, error) {
	query := fmt.Sprintf(`
		SELECT instance_id, build_id, status, chain_id, block_timestamp, block_number, tx_index, event_index
		FROM %s
		WHERE instance_id = $1
	`, r.metaTable())

	row := r.pool.QueryRow(ctx, query, instanceID)

	var (
		inst                Instance
		status              string
		chainID             uint64
		ts, block           uint64
		txIndex, eventIndex uint32
	)
	err := row.Scan(&inst.InstanceID, &inst.BuildID, &status, &chainID, &ts, &block, &txIndex, &eventIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("instance: scan status: %w", err)
	}

	inst.Status = Status(status)
	inst.Checkpoint = ponderevent.Checkpoint{
		ChainID:          chainID,
		BlockTimestamp:   ts,
		BlockNumber:      block,
		TransactionIndex: txIndex,
		EventIndex:       eventIndex,
	}
	return &inst, nil
}

// Stop marks instanceID as cleanly stopped. The orchestrator calls this
// during graceful shutdown, after draining in-flight work; per spec's
// shutdown contract this never drops tables or views itself.
func (r *Registry) Stop(ctx context.Context, instanceID string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = 'stopped', heartbeat_at = now() WHERE instance_id = $1`, r.metaTable())
	if _, err := r.pool.Exec(ctx, query, instanceID); err != nil {
		return fmt.Errorf("instance: mark stopped: %w", err)
	}
	return nil
}
