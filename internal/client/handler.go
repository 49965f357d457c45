package client

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rowmark/rowmark/internal/syncx"
)

// TableHandler applies replicated data for one table. Applications with
// real local tables implement this; the generic handler stores rows in
// sync_rows as JSON.
type TableHandler interface {
	Table() string

	// ApplyChange applies one incremental change inside the pull
	// transaction.
	ApplyChange(tx *sql.Tx, ch syncx.Change) error

	// ApplySnapshotRows applies one page of bootstrap rows.
	ApplySnapshotRows(tx *sql.Tx, rows []map[string]any) error

	// Reset clears the table's local state before a fresh bootstrap.
	Reset(tx *sql.Tx) error
}

// genericHandler replicates into the sync_rows key/value table. Row ids
// come from the change envelope, and for snapshot rows from the "id"
// column (configurable).
type genericHandler struct {
	table    string
	idColumn string
}

// NewGenericHandler returns a TableHandler over sync_rows. idColumn
// names the snapshot-row field holding the row id; empty means "id".
func NewGenericHandler(table, idColumn string) TableHandler {
	if idColumn == "" {
		idColumn = "id"
	}
	return &genericHandler{table: table, idColumn: idColumn}
}

func (g *genericHandler) Table() string { return g.table }

func (g *genericHandler) ApplyChange(tx *sql.Tx, ch syncx.Change) error {
	switch ch.Op {
	case syncx.OpDelete:
		_, err := tx.Exec(`DELETE FROM sync_rows WHERE table_name = ? AND row_id = ?`, g.table, ch.RowID)
		return err
	case syncx.OpUpsert:
		version := int64(0)
		if ch.RowVersion != nil {
			version = *ch.RowVersion
		}
		return g.upsert(tx, ch.RowID, ch.Row, version)
	default:
		return fmt.Errorf("client: %s: unknown change op %q", g.table, ch.Op)
	}
}

func (g *genericHandler) ApplySnapshotRows(tx *sql.Tx, rows []map[string]any) error {
	for _, row := range rows {
		rowID, _ := row[g.idColumn].(string)
		if rowID == "" {
			return fmt.Errorf("client: %s: snapshot row missing %q", g.table, g.idColumn)
		}
		version := int64(0)
		switch v := row["server_version"].(type) {
		case float64:
			version = int64(v)
		case int64:
			version = v
		case json.Number:
			version, _ = v.Int64()
		}
		if err := g.upsert(tx, rowID, row, version); err != nil {
			return err
		}
	}
	return nil
}

func (g *genericHandler) Reset(tx *sql.Tx) error {
	_, err := tx.Exec(`DELETE FROM sync_rows WHERE table_name = ?`, g.table)
	return err
}

func (g *genericHandler) upsert(tx *sql.Tx, rowID string, row map[string]any, version int64) error {
	rowJSON, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("client: %s: marshal row %s: %w", g.table, rowID, err)
	}
	_, err = tx.Exec(`
		INSERT INTO sync_rows (table_name, row_id, row_json, row_version, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (table_name, row_id) DO UPDATE SET
			row_json    = excluded.row_json,
			row_version = excluded.row_version,
			updated_at  = CURRENT_TIMESTAMP
	`, g.table, rowID, string(rowJSON), version)
	if err != nil {
		return fmt.Errorf("client: %s: upsert row %s: %w", g.table, rowID, err)
	}
	return nil
}
