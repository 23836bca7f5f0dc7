package instance

import (
	"context"
	"fmt"

	"github.com/ponder-sh/ponder-core/internal/store"
)

// CutoverToLive flips every onchain table's public view to alias
// instanceID's physical tables and marks it live, all inside one
// transaction guarded by the single advisory lock row keyed to the user
// schema so no two instances ever race on the same view. Called once,
// when historical backfill finishes (or immediately in dev mode).
func (r *Registry) CutoverToLive(ctx context.Context, instanceID string, defs []TableDef) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("instance: begin cutover: %w", err)
	}
	defer tx.Rollback(ctx)

	lockQuery := fmt.Sprintf(`SELECT name FROM %s WHERE name = 'live_view_cutover' FOR UPDATE`, r.advisoryLockTable())
	var lockName string
	if err := tx.QueryRow(ctx, lockQuery).Scan(&lockName); err != nil {
		return fmt.Errorf("instance: acquire cutover lock: %w", err)
	}

	for _, d := range defs {
		if d.Kind != store.Onchain {
			continue
		}
		physical := store.PhysicalTableName(instanceID, d.Name)

		dropQuery := fmt.Sprintf(`DROP VIEW IF EXISTS %s.%s`, quoteIdent(r.schema), quoteIdent(d.Name))
		if _, err := tx.Exec(ctx, dropQuery); err != nil {
			return fmt.Errorf("instance: drop view %s: %w", d.Name, err)
		}

		createQuery := fmt.Sprintf(`CREATE VIEW %s.%s AS SELECT * FROM %s.%s`,
			quoteIdent(r.schema), quoteIdent(d.Name), quoteIdent(r.schema), quoteIdent(physical))
		if _, err := tx.Exec(ctx, createQuery); err != nil {
			return fmt.Errorf("instance: create view %s: %w", d.Name, err)
		}
	}

	statusQuery := fmt.Sprintf(`UPDATE %s SET status = 'live' WHERE instance_id = $1`, r.metaTable())
	if _, err := tx.Exec(ctx, statusQuery, instanceID); err != nil {
		return fmt.Errorf("instance: mark live: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("instance: commit cutover: %w", err)
	}

	r.log.Infof("instance %s cut over to live", instanceID)
	return nil
}
