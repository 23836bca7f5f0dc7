package instance

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"

	"github.com/ponder-sh/ponder-core/internal/store"
)

type staleRow struct {
	InstanceID string `db:"instance_id"`
	SchemaJSON []byte `db:"schema_json"`
}

// StaleGC drops the physical and shadow tables of stopped instances beyond
// the configured retention window and deletes their _ponder_meta rows.
// Call after a successful cutover. In dev mode every stopped instance
// other than keepInstanceID is dropped immediately: dev restarts never
// crash-resume, so there's nothing worth retaining.
func (r *Registry) StaleGC(ctx context.Context, keepInstanceID string) error {
	retain := r.cfg.RetainInstances
	if r.cfg.Dev {
		retain = 0
	}

	query := fmt.Sprintf(`
		SELECT instance_id, schema_json FROM %s
		WHERE status = 'stopped' AND instance_id != $1
		ORDER BY heartbeat_at DESC
	`, r.metaTable())

	var rows []staleRow
	if err := pgxscan.Select(ctx, r.pool.Underlying(), &rows, query, keepInstanceID); err != nil {
		return fmt.Errorf("instance: list stale instances: %w", err)
	}

	if len(rows) <= retain {
		return nil
	}

	for _, row := range rows[retain:] {
		if err := r.dropInstanceTables(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) dropInstanceTables(ctx context.Context, row staleRow) error {
	var desc schemaDescription
	if err := json.Unmarshal(row.SchemaJSON, &desc); err != nil {
		return fmt.Errorf("instance: unmarshal schema for %s: %w", row.InstanceID, err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("instance: begin gc: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, table := range desc.Tables {
		live := store.PhysicalTableName(row.InstanceID, table)
		shadow := row.InstanceID + "_reorg__" + table
		for _, name := range []string{live, shadow} {
			dropQ := fmt.Sprintf(`DROP TABLE IF EXISTS %s.%s`, quoteIdent(r.schema), quoteIdent(name))
			if _, err := tx.Exec(ctx, dropQ); err != nil {
				return fmt.Errorf("instance: drop table %s: %w", name, err)
			}
		}
	}

	deleteQ := fmt.Sprintf(`DELETE FROM %s WHERE instance_id = $1`, r.metaTable())
	if _, err := tx.Exec(ctx, deleteQ, row.InstanceID); err != nil {
		return fmt.Errorf("instance: delete meta row %s: %w", row.InstanceID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("instance: commit gc for %s: %w", row.InstanceID, err)
	}

	r.log.Infof("stale GC dropped instance %s", row.InstanceID)
	return nil
}
