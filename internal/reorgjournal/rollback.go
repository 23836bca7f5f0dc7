package reorgjournal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/ponder-sh/ponder-core/internal/pgpool"
	"github.com/ponder-sh/ponder-core/internal/ponderevent"
	"github.com/ponder-sh/ponder-core/internal/store"
)

// journalRow is one recorded write, read back out of a shadow table in
// descending seq order (latest write first) for inverse-apply rollback.
type journalRow struct {
	seq         int64
	op          string
	pk          map[string]any
	beforeImage map[string]any
}

// Rollback undoes every write recorded against schema's onchain tables for
// chainID strictly after belowCheckpoint, applying inserts→delete,
// updates→restore-before-image, deletes→re-insert-before-image in
// descending checkpoint order, and consumes the journal rows it replays.
// Runs in a single transaction: either every table rolls back or none do.
func Rollback(ctx context.Context, pool *pgpool.Pool, schema *store.Schema, instancePrefix string, chainID uint64, belowCheckpoint ponderevent.Checkpoint) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reorgjournal: begin rollback: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, t := range schema.Tables() {
		if t.Kind != store.Onchain {
			continue
		}
		if err := rollbackTable(ctx, tx, t, instancePrefix, chainID, belowCheckpoint); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reorgjournal: commit rollback: %w", err)
	}
	return nil
}

func rollbackTable(ctx context.Context, tx pgx.Tx, t store.TableSchema, instancePrefix string, chainID uint64, below ponderevent.Checkpoint) error {
	rows, err := fetchJournalRowsDesc(ctx, tx, t.Name, instancePrefix, chainID, below)
	if err != nil {
		return err
	}

	liveTable := t.Name
	if instancePrefix != "" {
		liveTable = store.PhysicalTableName(instancePrefix, t.Name)
	}

	for _, row := range rows {
		switch row.op {
		case "insert":
			if err := deleteByPK(ctx, tx, liveTable, row.pk); err != nil {
				return err
			}
		case "update":
			if err := restoreRow(ctx, tx, t, liveTable, row.pk, row.beforeImage); err != nil {
				return err
			}
		case "delete":
			if err := restoreRow(ctx, tx, t, liveTable, row.pk, row.beforeImage); err != nil {
				return err
			}
		default:
			return fmt.Errorf("reorgjournal: unknown journal op %q on %s", row.op, t.Name)
		}

		if err := consumeJournalRow(ctx, tx, t.Name, instancePrefix, row.seq); err != nil {
			return err
		}
	}
	return nil
}

func fetchJournalRowsDesc(ctx context.Context, tx pgx.Tx, table, instancePrefix string, chainID uint64, below ponderevent.Checkpoint) ([]journalRow, error) {
	query := fmt.Sprintf(`
		SELECT seq, op, pk::text, before_image::text
		FROM %s
		WHERE chain_id = $1
		  AND (block_timestamp, block_number, tx_index, event_index) > ($2, $3, $4, $5)
		ORDER BY seq DESC
	`, quoteIdent(shadowTable(instancePrefix, table)))

	rs, err := tx.Query(ctx, query, chainID, below.BlockTimestamp, below.BlockNumber, below.TransactionIndex, below.EventIndex)
	if err != nil {
		return nil, fmt.Errorf("reorgjournal: fetch journal rows for %s: %w", table, err)
	}
	defer rs.Close()

	var out []journalRow
	for rs.Next() {
		var seq int64
		var op string
		var pkText string
		var beforeText *string
		if err := rs.Scan(&seq, &op, &pkText, &beforeText); err != nil {
			return nil, fmt.Errorf("reorgjournal: scan journal row for %s: %w", table, err)
		}

		var pk map[string]any
		if err := json.Unmarshal([]byte(pkText), &pk); err != nil {
			return nil, fmt.Errorf("reorgjournal: decode pk for %s: %w", table, err)
		}

		var before map[string]any
		if beforeText != nil {
			if err := json.Unmarshal([]byte(*beforeText), &before); err != nil {
				return nil, fmt.Errorf("reorgjournal: decode before image for %s: %w", table, err)
			}
		}

		out = append(out, journalRow{seq: seq, op: op, pk: pk, beforeImage: before})
	}
	return out, rs.Err()
}

func consumeJournalRow(ctx context.Context, tx pgx.Tx, table, instancePrefix string, seq int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE seq = $1`, quoteIdent(shadowTable(instancePrefix, table)))
	if _, err := tx.Exec(ctx, query, seq); err != nil {
		return fmt.Errorf("reorgjournal: consume journal row for %s: %w", table, err)
	}
	return nil
}

func deleteByPK(ctx context.Context, tx pgx.Tx, table string, pk map[string]any) error {
	cols, args := sortedPairs(pk)
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdent(table), whereClause(cols, 1))
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("reorgjournal: delete %s: %w", table, err)
	}
	return nil
}

// restoreRow re-inserts beforeImage into liveTable, upserting so it's
// idempotent whether the row currently exists (an update being undone) or
// not (a delete being undone).
func restoreRow(ctx context.Context, tx pgx.Tx, t store.TableSchema, liveTable string, pk, beforeImage map[string]any) error {
	cols, args := sortedPairs(beforeImage)
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	pkCols := t.PrimaryKeyColumns()
	updateClauses := make([]string, 0, len(cols))
	for _, col := range cols {
		if containsString(pkCols, col) {
			continue
		}
		updateClauses = append(updateClauses, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(col), quoteIdent(col)))
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		quoteIdent(liveTable), strings.Join(quoteIdents(cols), ", "), strings.Join(placeholders, ", "),
		strings.Join(quoteIdents(pkCols), ", "), strings.Join(updateClauses, ", "))

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("reorgjournal: restore %s: %w", t.Name, err)
	}
	return nil
}

// PruneBelow deletes journal rows no later than finalized for every
// onchain table: once a checkpoint is finalized it can never be reorged
// away, so its journal entry can never be needed again.
func PruneBelow(ctx context.Context, pool *pgpool.Pool, schema *store.Schema, instancePrefix string, chainID uint64, finalized ponderevent.Checkpoint) error {
	for _, t := range schema.Tables() {
		if t.Kind != store.Onchain {
			continue
		}
		query := fmt.Sprintf(`
			DELETE FROM %s
			WHERE chain_id = $1
			  AND (block_timestamp, block_number, tx_index, event_index) <= ($2, $3, $4, $5)
		`, quoteIdent(shadowTable(instancePrefix, t.Name)))
		if _, err := pool.Exec(ctx, query, chainID, finalized.BlockTimestamp, finalized.BlockNumber, finalized.TransactionIndex, finalized.EventIndex); err != nil {
			return fmt.Errorf("reorgjournal: prune %s: %w", t.Name, err)
		}
	}
	return nil
}

func sortedPairs(m map[string]any) ([]string, []any) {
	cols := make([]string, 0, len(m))
	for k := range m {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	args := make([]any, len(cols))
	for i, col := range cols {
		args[i] = m[col]
	}
	return cols, args
}

func whereClause(cols []string, startArg int) string {
	clauses := make([]string, len(cols))
	for i, col := range cols {
		clauses[i] = fmt.Sprintf("%s = $%d", quoteIdent(col), startArg+i)
	}
	return strings.Join(clauses, " AND ")
}

func quoteIdents(idents []string) []string {
	out := make([]string, len(idents))
	for i, id := range idents {
		out[i] = quoteIdent(id)
	}
	return out
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
