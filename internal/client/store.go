// Package client implements the embedded sync client: a sqlite-backed
// outbox and replica plus the loop that exchanges combined push+pull
// envelopes with a sync server.
package client

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/rowmark/rowmark/internal/scope"
	"github.com/rowmark/rowmark/internal/syncx"
)

// Outbox commit statuses.
const (
	OutboxPending = "pending"
	OutboxSending = "sending"
	OutboxAcked   = "acked"
	OutboxFailed  = "failed"
)

// schema is the client-side bookkeeping schema. Replicated rows land in
// sync_rows unless a custom table handler routes them elsewhere.
const schema = `
CREATE TABLE IF NOT EXISTS sync_outbox_commits (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    client_commit_id TEXT NOT NULL UNIQUE,
    partition_id TEXT NOT NULL DEFAULT 'default',
    operations_json TEXT NOT NULL,
    schema_version INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending','sending','acked','failed')),
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    last_response_json TEXT,
    acked_commit_seq INTEGER,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_outbox_status ON sync_outbox_commits (status, id);

CREATE TABLE IF NOT EXISTS sync_subscriptions (
    id TEXT PRIMARY KEY,
    table_name TEXT NOT NULL,
    scopes_json TEXT NOT NULL DEFAULT '{}',
    params_json TEXT NOT NULL DEFAULT 'null',
    cursor INTEGER NOT NULL DEFAULT -1,
    bootstrap_json TEXT,
    status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active','revoked')),
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sync_conflicts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    client_commit_id TEXT NOT NULL,
    op_index INTEGER NOT NULL,
    table_name TEXT NOT NULL DEFAULT '',
    row_id TEXT NOT NULL DEFAULT '',
    code TEXT NOT NULL DEFAULT '',
    server_version INTEGER,
    server_row_json TEXT,
    message TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sync_rows (
    table_name TEXT NOT NULL,
    row_id TEXT NOT NULL,
    row_json TEXT NOT NULL,
    row_version INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (table_name, row_id)
);
`

// Store is the client's local sqlite database.
type Store struct {
	DB *sql.DB
}

// Open opens (creating if needed) the client database at path. Use
// ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("client: open %s: %w", path, err)
	}
	// sqlite allows one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("client: ensure schema: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.DB.Close() }

// OutboxCommit is one locally recorded commit awaiting (or done with)
// forwarding to the server.
type OutboxCommit struct {
	ID             int64
	ClientCommitID string
	Partition      string
	Operations     []syncx.Operation
	SchemaVersion  int
	Status         string
	Attempts       int
	LastError      string
	LastResponse   json.RawMessage
	AckedCommitSeq *int64
}

// Enqueue records a commit in the outbox with a fresh client commit id.
func (s *Store) Enqueue(partition string, ops []syncx.Operation) (*OutboxCommit, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("client: enqueue: no operations")
	}
	opsJSON, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("client: enqueue: %w", err)
	}
	c := &OutboxCommit{
		ClientCommitID: uuid.NewString(),
		Partition:      partition,
		Operations:     ops,
		Status:         OutboxPending,
	}
	res, err := s.DB.Exec(`
		INSERT INTO sync_outbox_commits (client_commit_id, partition_id, operations_json)
		VALUES (?, ?, ?)
	`, c.ClientCommitID, partition, string(opsJSON))
	if err != nil {
		return nil, fmt.Errorf("client: enqueue: %w", err)
	}
	c.ID, _ = res.LastInsertId()
	return c, nil
}

// NextSendable claims the oldest pending commit, or reclaims a sending
// commit whose claim is older than staleTimeout (a previous attempt
// that died mid-flight). The claimed commit is moved to sending and
// its prior error cleared.
func (s *Store) NextSendable(staleTimeout time.Duration) (*OutboxCommit, error) {
	staleBefore := time.Now().UTC().Add(-staleTimeout).Format("2006-01-02 15:04:05")
	row := s.DB.QueryRow(`
		SELECT id, client_commit_id, partition_id, operations_json, schema_version, status, attempts
		FROM sync_outbox_commits
		WHERE status = 'pending'
		   OR (status = 'sending' AND updated_at < ?)
		ORDER BY id
		LIMIT 1
	`, staleBefore)

	var c OutboxCommit
	var opsJSON string
	err := row.Scan(&c.ID, &c.ClientCommitID, &c.Partition, &opsJSON, &c.SchemaVersion, &c.Status, &c.Attempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("client: next sendable: %w", err)
	}
	if err := json.Unmarshal([]byte(opsJSON), &c.Operations); err != nil {
		// A corrupt row is still claimed so the loop can park it instead
		// of re-selecting it forever.
		log.Warn().Err(err).Int64("outbox_id", c.ID).Msg("corrupt outbox operations, claiming with empty list")
		c.Operations = nil
	}

	if _, err := s.DB.Exec(`
		UPDATE sync_outbox_commits
		SET status = 'sending', attempts = attempts + 1, last_error = '', updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, c.ID); err != nil {
		return nil, fmt.Errorf("client: claim outbox %d: %w", c.ID, err)
	}
	c.Status = OutboxSending
	c.Attempts++
	c.LastError = ""
	return &c, nil
}

func (s *Store) setOutboxStatus(id int64, status, lastError string) error {
	_, err := s.DB.Exec(`
		UPDATE sync_outbox_commits
		SET status = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, lastError, id)
	if err != nil {
		return fmt.Errorf("client: outbox %d -> %s: %w", id, status, err)
	}
	return nil
}

// MarkAcked finalizes a commit the server applied (or replayed),
// recording the server commit seq and response that acknowledged it.
func (s *Store) MarkAcked(id, commitSeq int64, response json.RawMessage) error {
	_, err := s.DB.Exec(`
		UPDATE sync_outbox_commits
		SET status = 'acked', last_error = '', acked_commit_seq = ?,
		    last_response_json = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, commitSeq, nullableJSON(response), id)
	if err != nil {
		return fmt.Errorf("client: outbox %d -> acked: %w", id, err)
	}
	return nil
}

// MarkPending requeues a commit after a retriable failure.
func (s *Store) MarkPending(id int64, reason string) error {
	return s.setOutboxStatus(id, OutboxPending, reason)
}

// MarkFailed parks a commit the server rejected. Failed commits are not
// retried; the conflict rows say why.
func (s *Store) MarkFailed(id int64, reason string, response json.RawMessage) error {
	_, err := s.DB.Exec(`
		UPDATE sync_outbox_commits
		SET status = 'failed', last_error = ?, last_response_json = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, reason, nullableJSON(response), id)
	if err != nil {
		return fmt.Errorf("client: outbox %d -> failed: %w", id, err)
	}
	return nil
}

func nullableJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// PendingCount returns how many commits still await forwarding.
func (s *Store) PendingCount() (int, error) {
	var n int
	err := s.DB.QueryRow(`
		SELECT COUNT(*) FROM sync_outbox_commits WHERE status IN ('pending','sending')
	`).Scan(&n)
	return n, err
}

// CleanupAcked deletes acked commits older than maxAge.
func (s *Store) CleanupAcked(maxAge time.Duration) (int64, error) {
	return s.cleanupOutbox(`status = 'acked' AND updated_at < ?`, maxAge)
}

// CleanupFailed deletes failed commits older than maxAge.
func (s *Store) CleanupFailed(maxAge time.Duration) (int64, error) {
	return s.cleanupOutbox(`status = 'failed' AND updated_at < ?`, maxAge)
}

// CleanupAll deletes every outbox commit older than maxAge regardless
// of status. Pending work is lost; use for replica resets.
func (s *Store) CleanupAll(maxAge time.Duration) (int64, error) {
	return s.cleanupOutbox(`updated_at < ?`, maxAge)
}

func (s *Store) cleanupOutbox(where string, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format("2006-01-02 15:04:05")
	res, err := s.DB.Exec(`DELETE FROM sync_outbox_commits WHERE `+where, cutoff)
	if err != nil {
		return 0, fmt.Errorf("client: cleanup outbox: %w", err)
	}
	return res.RowsAffected()
}

// Subscription is one locally tracked pull subscription.
type Subscription struct {
	ID             string
	Table          string
	Scopes         scope.Map
	Params         map[string]any
	Cursor         int64
	BootstrapState *syncx.BootstrapState
	Status         syncx.SubStatus
}

// SaveSubscription upserts a subscription. New subscriptions start at
// cursor -1, which requests a bootstrap on the next pull.
func (s *Store) SaveSubscription(sub Subscription) error {
	if sub.ID == "" || sub.Table == "" {
		return fmt.Errorf("client: subscription needs id and table")
	}
	if sub.Status == "" {
		sub.Status = syncx.SubActive
	}
	scopesJSON, err := json.Marshal(sub.Scopes)
	if err != nil {
		return err
	}
	paramsJSON, err := json.Marshal(sub.Params)
	if err != nil {
		return err
	}
	var bootstrapJSON any
	if sub.BootstrapState != nil {
		b, err := json.Marshal(sub.BootstrapState)
		if err != nil {
			return err
		}
		bootstrapJSON = string(b)
	}
	_, err = s.DB.Exec(`
		INSERT INTO sync_subscriptions (id, table_name, scopes_json, params_json, cursor, bootstrap_json, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			table_name     = excluded.table_name,
			scopes_json    = excluded.scopes_json,
			params_json    = excluded.params_json,
			cursor         = excluded.cursor,
			bootstrap_json = excluded.bootstrap_json,
			status         = excluded.status,
			updated_at     = CURRENT_TIMESTAMP
	`, sub.ID, sub.Table, string(scopesJSON), string(paramsJSON), sub.Cursor, bootstrapJSON, string(sub.Status))
	if err != nil {
		return fmt.Errorf("client: save subscription %s: %w", sub.ID, err)
	}
	return nil
}

// Subscriptions lists every tracked subscription, active or revoked.
func (s *Store) Subscriptions() ([]Subscription, error) {
	rows, err := s.DB.Query(`
		SELECT id, table_name, scopes_json, params_json, cursor, bootstrap_json, status
		FROM sync_subscriptions ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("client: list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var sub Subscription
		var scopesJSON, paramsJSON, status string
		var bootstrapJSON sql.NullString
		if err := rows.Scan(&sub.ID, &sub.Table, &scopesJSON, &paramsJSON, &sub.Cursor, &bootstrapJSON, &status); err != nil {
			return nil, err
		}
		sub.Status = syncx.SubStatus(status)
		if err := json.Unmarshal([]byte(scopesJSON), &sub.Scopes); err != nil {
			return nil, fmt.Errorf("client: subscription %s: corrupt scopes: %w", sub.ID, err)
		}
		if paramsJSON != "" && paramsJSON != "null" {
			if err := json.Unmarshal([]byte(paramsJSON), &sub.Params); err != nil {
				return nil, fmt.Errorf("client: subscription %s: corrupt params: %w", sub.ID, err)
			}
		}
		if bootstrapJSON.Valid {
			var st syncx.BootstrapState
			if err := json.Unmarshal([]byte(bootstrapJSON.String), &st); err != nil {
				return nil, fmt.Errorf("client: subscription %s: corrupt bootstrap state: %w", sub.ID, err)
			}
			sub.BootstrapState = &st
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// Conflict is one rejected operation preserved for the application to
// resolve.
type Conflict struct {
	ID             int64
	ClientCommitID string
	OpIndex        int
	Table          string
	RowID          string
	Code           string
	ServerVersion  *int64
	ServerRow      map[string]any
	Message        string
}

// RecordConflict stores one rejected operation.
func (s *Store) RecordConflict(c Conflict) error {
	var serverRowJSON any
	if c.ServerRow != nil {
		b, err := json.Marshal(c.ServerRow)
		if err != nil {
			return err
		}
		serverRowJSON = string(b)
	}
	_, err := s.DB.Exec(`
		INSERT INTO sync_conflicts
			(client_commit_id, op_index, table_name, row_id, code, server_version, server_row_json, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ClientCommitID, c.OpIndex, c.Table, c.RowID, c.Code, c.ServerVersion, serverRowJSON, c.Message)
	if err != nil {
		return fmt.Errorf("client: record conflict: %w", err)
	}
	return nil
}

// Conflicts lists recorded conflicts, oldest first.
func (s *Store) Conflicts() ([]Conflict, error) {
	rows, err := s.DB.Query(`
		SELECT id, client_commit_id, op_index, table_name, row_id, code, server_version, server_row_json, message
		FROM sync_conflicts ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("client: list conflicts: %w", err)
	}
	defer rows.Close()

	var out []Conflict
	for rows.Next() {
		var c Conflict
		var serverRowJSON sql.NullString
		if err := rows.Scan(&c.ID, &c.ClientCommitID, &c.OpIndex, &c.Table, &c.RowID, &c.Code, &c.ServerVersion, &serverRowJSON, &c.Message); err != nil {
			return nil, err
		}
		if serverRowJSON.Valid {
			if err := json.Unmarshal([]byte(serverRowJSON.String), &c.ServerRow); err != nil {
				return nil, fmt.Errorf("client: conflict %d: corrupt server row: %w", c.ID, err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolveConflict removes a conflict the application has dealt with.
func (s *Store) ResolveConflict(id int64) error {
	_, err := s.DB.Exec(`DELETE FROM sync_conflicts WHERE id = ?`, id)
	return err
}

// GetRow reads one replicated row from the generic store. The bool is
// false when the row is absent.
func (s *Store) GetRow(table, rowID string) (map[string]any, int64, bool, error) {
	var rowJSON string
	var version int64
	err := s.DB.QueryRow(`
		SELECT row_json, row_version FROM sync_rows WHERE table_name = ? AND row_id = ?
	`, table, rowID).Scan(&rowJSON, &version)
	if err == sql.ErrNoRows {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	var row map[string]any
	if err := json.Unmarshal([]byte(rowJSON), &row); err != nil {
		return nil, 0, false, fmt.Errorf("client: row %s/%s: %w", table, rowID, err)
	}
	return row, version, true, nil
}

// CountRows counts replicated rows of one table in the generic store.
func (s *Store) CountRows(table string) (int, error) {
	var n int
	err := s.DB.QueryRow(`SELECT COUNT(*) FROM sync_rows WHERE table_name = ?`, table).Scan(&n)
	return n, err
}
