package reorgjournal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ponder-sh/ponder-core/internal/pgpool"
	"github.com/ponder-sh/ponder-core/internal/ponderevent"
	"github.com/ponder-sh/ponder-core/internal/store"
	"github.com/ponder-sh/ponder-core/tests/helpers"
)

func setupJournaledStore(t *testing.T) (*store.Store, *store.Schema, *pgpool.Pool) {
	t.Helper()
	pool := helpers.NewTestPool(t)
	ctx := t.Context()

	_, err := pool.Exec(ctx, `
		CREATE TABLE holders (
			id TEXT PRIMARY KEY,
			balance BIGINT NOT NULL
		)
	`)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DROP TABLE IF EXISTS holders`)
		_, _ = pool.Exec(context.Background(), `DROP TABLE IF EXISTS "_reorg__holders"`)
	})

	schema := store.NewSchema(
		store.TableSchema{Name: "holders", Kind: store.Onchain, PrimaryKey: []string{"id"}},
	)

	require.NoError(t, EnsureShadowTables(ctx, pool, schema, ""))

	writer := NewWriter(schema)
	s := store.New(pool, schema, writer)
	return s, schema, pool
}

func checkpoint(chainID, blockNumber uint64) ponderevent.Checkpoint {
	return ponderevent.Checkpoint{ChainID: chainID, BlockTimestamp: blockNumber, BlockNumber: blockNumber}
}

func TestWriter_RecordsInsertUpdateDelete(t *testing.T) {
	s, _, pool := setupJournaledStore(t)
	ctx := t.Context()

	err := s.RunHandler(ctx, checkpoint(1, 10), func(ctx context.Context, htx *store.HandlerTx) error {
		return htx.Insert(ctx, "holders", map[string]any{"id": "h1", "balance": int64(100)})
	})
	require.NoError(t, err)

	err = s.RunHandler(ctx, checkpoint(1, 11), func(ctx context.Context, htx *store.HandlerTx) error {
		return htx.Update(ctx, "holders", map[string]any{"id": "h1"}, map[string]any{"balance": int64(150)})
	})
	require.NoError(t, err)

	var row map[string]any
	err = s.RunHandler(ctx, checkpoint(1, 12), func(ctx context.Context, htx *store.HandlerTx) error {
		r, findErr := htx.Find(ctx, "holders", map[string]any{"id": "h1"})
		row = r
		return findErr
	})
	require.NoError(t, err)
	assert.EqualValues(t, 150, row["balance"])

	err = s.RunHandler(ctx, checkpoint(1, 13), func(ctx context.Context, htx *store.HandlerTx) error {
		return htx.Delete(ctx, "holders", map[string]any{"id": "h1"})
	})
	require.NoError(t, err)

	var count int
	countRow := pool.QueryRow(ctx, `SELECT count(*) FROM "_reorg__holders" WHERE chain_id = 1`)
	require.NoError(t, countRow.Scan(&count))
	assert.Equal(t, 3, count, "the insert, update and delete each leave one journal row")
}

func TestRollback_UndoesInsertAfterAncestor(t *testing.T) {
	s, schema, pool := setupJournaledStore(t)
	ctx := t.Context()

	err := s.RunHandler(ctx, checkpoint(1, 10), func(ctx context.Context, htx *store.HandlerTx) error {
		return htx.Insert(ctx, "holders", map[string]any{"id": "h1", "balance": int64(100)})
	})
	require.NoError(t, err)

	require.NoError(t, Rollback(ctx, pool, schema, "", 1, checkpoint(1, 9)))

	var row map[string]any
	err = s.RunHandler(ctx, checkpoint(1, 20), func(ctx context.Context, htx *store.HandlerTx) error {
		r, findErr := htx.Find(ctx, "holders", map[string]any{"id": "h1"})
		row = r
		return findErr
	})
	require.NoError(t, err)
	assert.Nil(t, row, "insert above ancestor checkpoint should be undone")
}

func TestRollback_RestoresUpdateBeforeImage(t *testing.T) {
	s, schema, pool := setupJournaledStore(t)
	ctx := t.Context()

	err := s.RunHandler(ctx, checkpoint(1, 10), func(ctx context.Context, htx *store.HandlerTx) error {
		return htx.Insert(ctx, "holders", map[string]any{"id": "h1", "balance": int64(100)})
	})
	require.NoError(t, err)

	err = s.RunHandler(ctx, checkpoint(1, 11), func(ctx context.Context, htx *store.HandlerTx) error {
		return htx.Update(ctx, "holders", map[string]any{"id": "h1"}, map[string]any{"balance": int64(999)})
	})
	require.NoError(t, err)

	require.NoError(t, Rollback(ctx, pool, schema, "", 1, checkpoint(1, 10)))

	var row map[string]any
	err = s.RunHandler(ctx, checkpoint(1, 20), func(ctx context.Context, htx *store.HandlerTx) error {
		r, findErr := htx.Find(ctx, "holders", map[string]any{"id": "h1"})
		row = r
		return findErr
	})
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.EqualValues(t, 100, row["balance"], "update above ancestor checkpoint should restore its before image")
}

func TestRollback_RestoresDeletedRow(t *testing.T) {
	s, schema, pool := setupJournaledStore(t)
	ctx := t.Context()

	err := s.RunHandler(ctx, checkpoint(1, 10), func(ctx context.Context, htx *store.HandlerTx) error {
		return htx.Insert(ctx, "holders", map[string]any{"id": "h1", "balance": int64(100)})
	})
	require.NoError(t, err)

	err = s.RunHandler(ctx, checkpoint(1, 11), func(ctx context.Context, htx *store.HandlerTx) error {
		return htx.Delete(ctx, "holders", map[string]any{"id": "h1"})
	})
	require.NoError(t, err)

	require.NoError(t, Rollback(ctx, pool, schema, "", 1, checkpoint(1, 10)))

	var row map[string]any
	err = s.RunHandler(ctx, checkpoint(1, 20), func(ctx context.Context, htx *store.HandlerTx) error {
		r, findErr := htx.Find(ctx, "holders", map[string]any{"id": "h1"})
		row = r
		return findErr
	})
	require.NoError(t, err)
	require.NotNil(t, row, "delete above ancestor checkpoint should be undone")
	assert.EqualValues(t, 100, row["balance"])
}

func TestRollback_LeavesRowsAtOrBelowAncestorUntouched(t *testing.T) {
	s, schema, pool := setupJournaledStore(t)
	ctx := t.Context()

	err := s.RunHandler(ctx, checkpoint(1, 10), func(ctx context.Context, htx *store.HandlerTx) error {
		return htx.Insert(ctx, "holders", map[string]any{"id": "h1", "balance": int64(100)})
	})
	require.NoError(t, err)

	require.NoError(t, Rollback(ctx, pool, schema, "", 1, checkpoint(1, 10)))

	var row map[string]any
	err = s.RunHandler(ctx, checkpoint(1, 20), func(ctx context.Context, htx *store.HandlerTx) error {
		r, findErr := htx.Find(ctx, "holders", map[string]any{"id": "h1"})
		row = r
		return findErr
	})
	require.NoError(t, err)
	require.NotNil(t, row, "row inserted at the ancestor checkpoint itself must survive")
}

func TestRollback_IsScopedToChainID(t *testing.T) {
	s, schema, pool := setupJournaledStore(t)
	ctx := t.Context()

	err := s.RunHandler(ctx, checkpoint(1, 10), func(ctx context.Context, htx *store.HandlerTx) error {
		return htx.Insert(ctx, "holders", map[string]any{"id": "chain1-row", "balance": int64(1)})
	})
	require.NoError(t, err)

	err = s.RunHandler(ctx, checkpoint(2, 10), func(ctx context.Context, htx *store.HandlerTx) error {
		return htx.Insert(ctx, "holders", map[string]any{"id": "chain2-row", "balance": int64(2)})
	})
	require.NoError(t, err)

	require.NoError(t, Rollback(ctx, pool, schema, "", 1, checkpoint(1, 0)))

	var chain1Row, chain2Row map[string]any
	err = s.RunHandler(ctx, checkpoint(1, 20), func(ctx context.Context, htx *store.HandlerTx) error {
		r, findErr := htx.Find(ctx, "holders", map[string]any{"id": "chain1-row"})
		chain1Row = r
		return findErr
	})
	require.NoError(t, err)
	err = s.RunHandler(ctx, checkpoint(1, 21), func(ctx context.Context, htx *store.HandlerTx) error {
		r, findErr := htx.Find(ctx, "holders", map[string]any{"id": "chain2-row"})
		chain2Row = r
		return findErr
	})
	require.NoError(t, err)

	assert.Nil(t, chain1Row, "chain 1's insert should roll back")
	assert.NotNil(t, chain2Row, "chain 2's insert is untouched by chain 1's rollback")
}

func TestRollback_HonorsInstancePrefix(t *testing.T) {
	pool := helpers.NewTestPool(t)
	ctx := t.Context()

	_, err := pool.Exec(ctx, `
		CREATE TABLE "xy12__holders" (
			id TEXT PRIMARY KEY,
			balance BIGINT NOT NULL
		)
	`)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DROP TABLE IF EXISTS "xy12__holders"`)
		_, _ = pool.Exec(context.Background(), `DROP TABLE IF EXISTS "xy12_reorg__holders"`)
	})

	schema := store.NewSchema(store.TableSchema{Name: "holders", Kind: store.Onchain, PrimaryKey: []string{"id"}})
	require.NoError(t, EnsureShadowTables(ctx, pool, schema, "xy12"))

	writer := NewWriterForInstance(schema, "xy12")
	s := store.NewForInstance(pool, schema, writer, "xy12")

	err = s.RunHandler(ctx, checkpoint(1, 10), func(ctx context.Context, htx *store.HandlerTx) error {
		return htx.Insert(ctx, "holders", map[string]any{"id": "h1", "balance": int64(100)})
	})
	require.NoError(t, err)

	require.NoError(t, Rollback(ctx, pool, schema, "xy12", 1, checkpoint(1, 9)))

	var count int
	row := pool.QueryRow(ctx, `SELECT count(*) FROM "xy12__holders" WHERE id = 'h1'`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 0, count, "rollback on an instance-scoped journal must undo writes in the matching physical table")
}

func TestPruneBelow_RemovesJournalEntriesAtOrBelowFinalized(t *testing.T) {
	s, schema, pool := setupJournaledStore(t)
	ctx := t.Context()

	err := s.RunHandler(ctx, checkpoint(1, 10), func(ctx context.Context, htx *store.HandlerTx) error {
		return htx.Insert(ctx, "holders", map[string]any{"id": "h1", "balance": int64(1)})
	})
	require.NoError(t, err)

	require.NoError(t, PruneBelow(ctx, pool, schema, "", 1, checkpoint(1, 10)))

	var count int
	row := pool.QueryRow(ctx, `SELECT count(*) FROM "_reorg__holders" WHERE chain_id = 1`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 0, count, "pruned journal rows must be gone")

	require.NoError(t, Rollback(ctx, pool, schema, "", 1, checkpoint(1, 0)))

	var holderRow map[string]any
	err = s.RunHandler(ctx, checkpoint(1, 20), func(ctx context.Context, htx *store.HandlerTx) error {
		r, findErr := htx.Find(ctx, "holders", map[string]any{"id": "h1"})
		holderRow = r
		return findErr
	})
	require.NoError(t, err)
	require.NotNil(t, holderRow, "pruned writes can no longer be rolled back, data stays put")
}
