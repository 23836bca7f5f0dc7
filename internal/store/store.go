package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ponder-sh/ponder-core/internal/pgpool"
	"github.com/ponder-sh/ponder-core/internal/ponderevent"
)

// JournalWriter records a before-image of every onchain write inside the
// same transaction the write happens in, so a reorg can roll it back.
// Implemented by internal/reorgjournal; declared here so Store depends on
// the interface, not the concrete journal.
type JournalWriter interface {
	RecordInsert(ctx context.Context, tx pgx.Tx, checkpoint ponderevent.Checkpoint, table string, pk map[string]any) error
	RecordUpdate(ctx context.Context, tx pgx.Tx, checkpoint ponderevent.Checkpoint, table string, pk map[string]any, beforeImage map[string]any) error
	RecordDelete(ctx context.Context, tx pgx.Tx, checkpoint ponderevent.Checkpoint, table string, pk map[string]any, beforeImage map[string]any) error
}

// Store is the typed read/write surface event handlers use.
type Store struct {
	pool    *pgpool.Pool
	schema  *Schema
	journal JournalWriter

	// instancePrefix namespaces every onchain table this Store touches as
	// "{instancePrefix}__{table}", per the instance registry's physical
	// table naming. Empty for stores not bound to a running instance (unit
	// tests operate directly against bare table names).
	instancePrefix string

	// mu enforces strict serialization: exactly one handler transaction is
	// open against the store at a time, so handler code never has to
	// reason about concurrent writes racing within a single instance.
	mu sync.Mutex
}

// New builds a Store with no instance namespacing: every table name is
// used as-is. journal may be nil, which disables reorg-safe rollback
// bookkeeping (used in tests that don't exercise reorgs).
func New(pool *pgpool.Pool, schema *Schema, journal JournalWriter) *Store {
	return NewForInstance(pool, schema, journal, "")
}

// NewForInstance builds a Store scoped to a running instance: every onchain
// table access is rewritten to "{instancePrefix}__{table}", matching the
// physical tables the instance registry creates. Offchain tables are never
// prefixed since they're owned by the user outside any instance namespace.
func NewForInstance(pool *pgpool.Pool, schema *Schema, journal JournalWriter, instancePrefix string) *Store {
	return &Store{pool: pool, schema: schema, journal: journal, instancePrefix: instancePrefix}
}

// physicalTable resolves the logical table name to the physical table this
// Store actually reads and writes.
func (s *Store) physicalTable(name string, kind TableKind) string {
	if s.instancePrefix == "" || kind != Onchain {
		return name
	}
	return PhysicalTableName(s.instancePrefix, name)
}

// PhysicalTableName builds the physical onchain table name an instance
// owns for logical table, "{instancePrefix}__{table}". Exported so
// internal/reorgjournal can address the same physical table during
// rollback without importing Store's internals.
func PhysicalTableName(instancePrefix, table string) string {
	return instancePrefix + "__" + table
}

// HandlerTx is the write surface passed to a single event handler
// invocation, scoped to one transaction and one checkpoint.
type HandlerTx struct {
	tx         pgx.Tx
	store      *Store
	checkpoint ponderevent.Checkpoint
}

// RunHandler runs fn inside its own transaction, serialized against every
// other handler invocation on this Store, and commits on success. A
// journal row is written in the same transaction as every onchain
// insert/update/delete fn performs, so rollback is always consistent.
func (s *Store) RunHandler(ctx context.Context, checkpoint ponderevent.Checkpoint, fn func(ctx context.Context, htx *HandlerTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin handler transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	htx := &HandlerTx{tx: tx, store: s, checkpoint: checkpoint}
	if err := fn(ctx, htx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit handler transaction: %w", err)
	}
	return nil
}

// Find returns the row matching pk, or nil if none exists.
func (h *HandlerTx) Find(ctx context.Context, table string, pk map[string]any) (map[string]any, error) {
	schema, err := h.store.requireTable(table)
	if err != nil {
		return nil, err
	}

	whereCols, whereArgs := sortedPairs(pk)
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s", quoteIdent(h.store.physicalTable(table, schema.Kind)), whereClause(whereCols, 1))

	rows, err := h.tx.Query(ctx, query, whereArgs...)
	if err != nil {
		return nil, fmt.Errorf("store: find %s: %w", table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	row, err := scanRow(rows)
	if err != nil {
		return nil, fmt.Errorf("store: find %s: %w", table, err)
	}
	return row, nil
}

// Insert writes a new onchain row and journals its primary key so a reorg
// can delete it again. Fails with a wrapped unique-constraint error if a
// row with the same primary key already exists.
func (h *HandlerTx) Insert(ctx context.Context, table string, row map[string]any) error {
	schema, err := h.store.requireOnchainTable(table)
	if err != nil {
		return err
	}

	cols, args := sortedPairs(row)
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(h.store.physicalTable(table, schema.Kind)), strings.Join(quoteIdents(cols), ", "), strings.Join(placeholders, ", "))

	if _, err := h.tx.Exec(ctx, query, args...); err != nil {
		return classifyWriteError(table, err)
	}

	if h.store.journal != nil {
		pk := extractPK(schema, row)
		if err := h.store.journal.RecordInsert(ctx, h.tx, h.checkpoint, table, pk); err != nil {
			return fmt.Errorf("store: journal insert %s: %w", table, err)
		}
	}
	return nil
}

// Update applies patch to the row matching pk, journaling the row's prior
// image. Returns ponderevent.RecordNotFoundError if no row matches.
func (h *HandlerTx) Update(ctx context.Context, table string, pk map[string]any, patch map[string]any) error {
	schema, err := h.store.requireOnchainTable(table)
	if err != nil {
		return err
	}

	before, err := h.Find(ctx, table, pk)
	if err != nil {
		return err
	}
	if before == nil {
		return ponderevent.NewRecordNotFoundError(table, pk)
	}

	setCols, setArgs := sortedPairs(patch)
	setClauses := make([]string, len(setCols))
	for i, col := range setCols {
		setClauses[i] = fmt.Sprintf("%s = $%d", quoteIdent(col), i+1)
	}

	whereCols, whereArgs := sortedPairs(pk)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", quoteIdent(h.store.physicalTable(table, schema.Kind)), strings.Join(setClauses, ", "), whereClause(whereCols, len(setCols)+1))

	args := append(setArgs, whereArgs...)
	tag, err := h.tx.Exec(ctx, query, args...)
	if err != nil {
		return classifyWriteError(table, err)
	}
	if tag.RowsAffected() == 0 {
		return ponderevent.NewRecordNotFoundError(table, pk)
	}

	if h.store.journal != nil {
		if err := h.store.journal.RecordUpdate(ctx, h.tx, h.checkpoint, table, pk, before); err != nil {
			return fmt.Errorf("store: journal update %s: %w", table, err)
		}
	}
	return nil
}

// Delete removes the row matching pk, journaling its prior image so a
// reorg can re-insert it. Returns ponderevent.RecordNotFoundError if no
// row matches.
func (h *HandlerTx) Delete(ctx context.Context, table string, pk map[string]any) error {
	schema, err := h.store.requireOnchainTable(table)
	if err != nil {
		return err
	}

	before, err := h.Find(ctx, table, pk)
	if err != nil {
		return err
	}
	if before == nil {
		return ponderevent.NewRecordNotFoundError(table, pk)
	}

	whereCols, whereArgs := sortedPairs(pk)
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdent(h.store.physicalTable(table, schema.Kind)), whereClause(whereCols, 1))
	if _, err := h.tx.Exec(ctx, query, whereArgs...); err != nil {
		return classifyWriteError(table, err)
	}

	if h.store.journal != nil {
		if err := h.store.journal.RecordDelete(ctx, h.tx, h.checkpoint, table, pk, before); err != nil {
			return fmt.Errorf("store: journal delete %s: %w", table, err)
		}
	}
	return nil
}

// PhysicalTable resolves a logical table name to the table this Store
// actually reads and writes, for handlers building raw SQL through SQL()
// that need to name a table explicitly.
func (h *HandlerTx) PhysicalTable(table string) (string, error) {
	schema, err := h.store.requireTable(table)
	if err != nil {
		return "", err
	}
	return h.store.physicalTable(table, schema.Kind), nil
}

// SQL is a read-only escape hatch for queries the typed API can't express.
// Only SELECT (and WITH ... SELECT) statements are accepted; anything else
// returns ponderevent.InvalidStoreMethodError.
func (h *HandlerTx) SQL(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	if !isReadOnlyQuery(query) {
		return nil, ponderevent.NewInvalidStoreMethodError("<raw sql>", "sql")
	}
	rows, err := h.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: sql: %w", err)
	}
	return rows, nil
}

// BatchUpsert writes rows to table one at a time, each as its own
// statement outside any handler transaction. It is NOT atomic: a failure
// partway through leaves earlier rows committed and later rows unwritten.
// It exists for bulk-loading seed data before indexing starts, not for use
// from event handlers (which must go through RunHandler/Insert for
// journaled, reorg-safe writes).
func (s *Store) BatchUpsert(ctx context.Context, table string, rows []map[string]any) error {
	schema, err := s.requireOnchainTable(table)
	if err != nil {
		return err
	}
	pkCols := schema.primaryKeyColumns()

	for i, row := range rows {
		cols, args := sortedPairs(row)
		placeholders := make([]string, len(cols))
		for j := range cols {
			placeholders[j] = fmt.Sprintf("$%d", j+1)
		}

		updateClauses := make([]string, 0, len(cols))
		for _, col := range cols {
			if containsString(pkCols, col) {
				continue
			}
			updateClauses = append(updateClauses, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(col), quoteIdent(col)))
		}

		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
			quoteIdent(s.physicalTable(table, schema.Kind)), strings.Join(quoteIdents(cols), ", "), strings.Join(placeholders, ", "),
			strings.Join(quoteIdents(pkCols), ", "), strings.Join(updateClauses, ", "))

		if _, err := s.pool.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("store: batch upsert %s row %d: %w", table, i, err)
		}
	}
	return nil
}

func (s *Store) requireTable(table string) (TableSchema, error) {
	schema, ok := s.schema.lookup(table)
	if !ok {
		return TableSchema{}, ponderevent.NewUndefinedTableError(table)
	}
	return schema, nil
}

func (s *Store) requireOnchainTable(table string) (TableSchema, error) {
	schema, err := s.requireTable(table)
	if err != nil {
		return TableSchema{}, err
	}
	if schema.Kind != Onchain {
		return TableSchema{}, ponderevent.NewInvalidStoreMethodError(table, "write")
	}
	return schema, nil
}

func extractPK(schema TableSchema, row map[string]any) map[string]any {
	pk := make(map[string]any, len(schema.PrimaryKey))
	for _, col := range schema.PrimaryKey {
		pk[col] = row[col]
	}
	return pk
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

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
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

// scanRow reads the current row into a column-name-keyed map.
func scanRow(rows pgx.Rows) (map[string]any, error) {
	values, err := rows.Values()
	if err != nil {
		return nil, err
	}
	fields := rows.FieldDescriptions()
	row := make(map[string]any, len(fields))
	for i, f := range fields {
		row[string(f.Name)] = values[i]
	}
	return row, nil
}

// isReadOnlyQuery reports whether query is a SELECT (optionally preceded
// by a read-only WITH clause), rejecting everything else so the sql
// escape hatch can't be used to bypass journaled writes.
func isReadOnlyQuery(query string) bool {
	trimmed := strings.TrimSpace(query)
	upper := strings.ToUpper(trimmed)
	if strings.HasPrefix(upper, "SELECT") {
		return true
	}
	if !strings.HasPrefix(upper, "WITH") {
		return false
	}
	// A WITH clause can wrap a data-modifying statement; reject any WITH
	// query that names one.
	for _, word := range strings.FieldsFunc(upper, func(r rune) bool {
		return r != '_' && (r < 'A' || r > 'Z') && (r < '0' || r > '9')
	}) {
		switch word {
		case "INSERT", "UPDATE", "DELETE", "MERGE":
			return false
		}
	}
	return true
}

// classifyWriteError wraps a pgx constraint-violation error into the typed
// ponderevent error handlers are expected to check for with errors.As.
func classifyWriteError(table string, err error) error {
	var pgErr *pgconn.PgError
	if !asPgError(err, &pgErr) {
		return fmt.Errorf("store: write %s: %w", table, err)
	}
	switch pgErr.Code {
	case "23505":
		return ponderevent.NewUniqueConstraintError(table, pgErr.ConstraintName, err)
	case "23502":
		return ponderevent.NewNotNullError(table, pgErr.ColumnName, err)
	case "23514":
		return ponderevent.NewCheckConstraintError(table, pgErr.ConstraintName, err)
	default:
		return fmt.Errorf("store: write %s: %w", table, err)
	}
}
