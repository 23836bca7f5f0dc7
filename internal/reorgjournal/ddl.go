package reorgjournal

import (
	"context"
	"fmt"
	"strings"

	"github.com/ponder-sh/ponder-core/internal/pgpool"
	"github.com/ponder-sh/ponder-core/internal/store"
)

// EnsureShadowTables creates one "{instancePrefix}_reorg__<table>" shadow
// table per declared onchain table in schema, if it doesn't already exist.
// Called once per instance, alongside physical {instancePrefix}__<table>
// table creation.
func EnsureShadowTables(ctx context.Context, pool *pgpool.Pool, schema *store.Schema, instancePrefix string) error {
	for _, t := range schema.Tables() {
		if t.Kind != store.Onchain {
			continue
		}
		shadow := shadowTable(instancePrefix, t.Name)
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				seq BIGSERIAL PRIMARY KEY,
				chain_id BIGINT NOT NULL,
				block_timestamp BIGINT NOT NULL,
				block_number BIGINT NOT NULL,
				tx_index INT NOT NULL,
				event_index INT NOT NULL,
				op TEXT NOT NULL,
				pk JSONB NOT NULL,
				before_image JSONB
			)
		`, quoteIdent(shadow))
		if _, err := pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("reorgjournal: create shadow table for %s: %w", t.Name, err)
		}

		indexQuery := fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s ON %s (chain_id, block_timestamp, block_number, tx_index, event_index)`,
			quoteIdent(shadow+"_checkpoint_idx"), quoteIdent(shadow),
		)
		if _, err := pool.Exec(ctx, indexQuery); err != nil {
			return fmt.Errorf("reorgjournal: create checkpoint index for %s: %w", t.Name, err)
		}
	}
	return nil
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
