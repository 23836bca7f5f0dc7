// Package reorgjournal implements spec §4.F: a shadow "_reorg__<table>"
// table per onchain table recording every insert/update/delete a handler
// makes, so a reorg can unwind them in reverse order and restore the state
// as of the common ancestor block.
package reorgjournal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ponder-sh/ponder-core/internal/ponderevent"
	"github.com/ponder-sh/ponder-core/internal/store"
)

// shadowTable returns the shadow table name for an onchain table, namespaced
// to instancePrefix the same way the live table is: "{instancePrefix}_reorg__<table>".
// instancePrefix is empty for a Writer not bound to a running instance.
func shadowTable(instancePrefix, table string) string {
	if instancePrefix == "" {
		return "_reorg__" + table
	}
	return instancePrefix + "_reorg__" + table
}

// Writer records before-images into shadow tables. It satisfies
// store.JournalWriter.
type Writer struct {
	schema         *store.Schema
	instancePrefix string
}

// NewWriter builds a Writer with no instance namespacing. schema must be
// the same schema the Store using this Writer was built with.
func NewWriter(schema *store.Schema) *Writer {
	return NewWriterForInstance(schema, "")
}

// NewWriterForInstance builds a Writer scoped to a running instance's
// "{instancePrefix}_reorg__<table>" shadow tables.
func NewWriterForInstance(schema *store.Schema, instancePrefix string) *Writer {
	return &Writer{schema: schema, instancePrefix: instancePrefix}
}

var _ store.JournalWriter = (*Writer)(nil)

// RecordInsert journals that table gained the row identified by pk.
func (w *Writer) RecordInsert(ctx context.Context, tx pgx.Tx, checkpoint ponderevent.Checkpoint, table string, pk map[string]any) error {
	return w.record(ctx, tx, checkpoint, table, "insert", pk, nil)
}

// RecordUpdate journals beforeImage so an update can be reversed.
func (w *Writer) RecordUpdate(ctx context.Context, tx pgx.Tx, checkpoint ponderevent.Checkpoint, table string, pk map[string]any, beforeImage map[string]any) error {
	return w.record(ctx, tx, checkpoint, table, "update", pk, beforeImage)
}

// RecordDelete journals beforeImage so a delete can be reversed.
func (w *Writer) RecordDelete(ctx context.Context, tx pgx.Tx, checkpoint ponderevent.Checkpoint, table string, pk map[string]any, beforeImage map[string]any) error {
	return w.record(ctx, tx, checkpoint, table, "delete", pk, beforeImage)
}

func (w *Writer) record(ctx context.Context, tx pgx.Tx, checkpoint ponderevent.Checkpoint, table, op string, pk, beforeImage map[string]any) error {
	pkJSON, err := json.Marshal(pk)
	if err != nil {
		return fmt.Errorf("reorgjournal: marshal pk: %w", err)
	}

	var beforeJSON []byte
	if beforeImage != nil {
		beforeJSON, err = json.Marshal(beforeImage)
		if err != nil {
			return fmt.Errorf("reorgjournal: marshal before image: %w", err)
		}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (chain_id, block_timestamp, block_number, tx_index, event_index, op, pk, before_image)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, quoteIdent(shadowTable(w.instancePrefix, table)))

	_, err = tx.Exec(ctx, query,
		checkpoint.ChainID, checkpoint.BlockTimestamp, checkpoint.BlockNumber, checkpoint.TransactionIndex, checkpoint.EventIndex,
		op, pkJSON, beforeJSON,
	)
	if err != nil {
		return fmt.Errorf("reorgjournal: record %s on %s: %w", op, table, err)
	}
	return nil
}
