// Package relay implements the edge relay: it runs a full sync server
// locally and bridges it to the main server, forwarding local commits
// upstream and importing upstream commits under mapped sequence
// numbers.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rowmark/rowmark/internal/handler"
	"github.com/rowmark/rowmark/internal/syncx"
)

// Forward outbox statuses.
const (
	ForwardPending    = "pending"
	ForwardForwarding = "forwarding"
	ForwardForwarded  = "forwarded"
	ForwardFailed     = "failed"
)

// Sequence map statuses.
const (
	SeqPending   = "pending"
	SeqForwarded = "forwarded"
	SeqConfirmed = "confirmed"
)

// cursorsKey is the relay_config key holding upstream pull cursors.
const cursorsKey = "main_cursors"

// ForwardEntry is one local commit queued for upstream forwarding. The
// client id and commit id are the originals, so the upstream push
// carries the same idempotency key the device would have used.
type ForwardEntry struct {
	ID                string
	Partition         string
	LocalCommitSeq    int64
	ClientID          string
	ClientCommitID    string
	Operations        []syncx.Operation
	SchemaVersion     int
	Status            string
	UpstreamCommitSeq *int64
	Error             string
	AttemptCount      int
}

// Store is the relay's pgx-backed bookkeeping: forward outbox, sequence
// map, conflicts, and config.
type Store struct {
	Pool *pgxpool.Pool
}

// NewStore wraps a pool that has the relay schema applied.
func NewStore(pool *pgxpool.Pool) *Store { return &Store{Pool: pool} }

// EnqueueForward inserts a forward outbox entry and its pending
// sequence-map row using db, which inside a push hook is the append
// transaction itself.
func (s *Store) EnqueueForward(ctx context.Context, db handler.DB, e ForwardEntry) error {
	opsJSON, err := json.Marshal(e.Operations)
	if err != nil {
		return fmt.Errorf("relay: marshal operations: %w", err)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if _, err := db.Exec(ctx, `
		INSERT INTO relay_forward_outbox
			(id, partition_id, local_commit_seq, client_id, client_commit_id, operations_json, schema_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.Partition, e.LocalCommitSeq, e.ClientID, e.ClientCommitID, opsJSON, e.SchemaVersion); err != nil {
		return fmt.Errorf("relay: enqueue forward: %w", err)
	}
	if _, err := db.Exec(ctx, `
		INSERT INTO relay_sequence_map (partition_id, local_commit_seq, status)
		VALUES ($1, $2, 'pending')
		ON CONFLICT (partition_id, local_commit_seq) DO NOTHING
	`, e.Partition, e.LocalCommitSeq); err != nil {
		return fmt.Errorf("relay: enqueue sequence map: %w", err)
	}
	return nil
}

// ClaimNextForward claims the oldest pending entry (or one stuck in
// forwarding longer than staleTimeout) and moves it to forwarding.
// Returns nil when the outbox is drained.
func (s *Store) ClaimNextForward(ctx context.Context, staleTimeout time.Duration) (*ForwardEntry, error) {
	row := s.Pool.QueryRow(ctx, `
		UPDATE relay_forward_outbox SET
			status = 'forwarding',
			attempt_count = attempt_count + 1,
			updated_at = NOW()
		WHERE id = (
			SELECT id FROM relay_forward_outbox
			WHERE status = 'pending'
			   OR (status = 'forwarding' AND updated_at < NOW() - $1::interval)
			ORDER BY local_commit_seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, partition_id, local_commit_seq, client_id, client_commit_id,
		          operations_json, schema_version, attempt_count
	`, fmt.Sprintf("%d milliseconds", staleTimeout.Milliseconds()))

	var e ForwardEntry
	var opsJSON []byte
	err := row.Scan(&e.ID, &e.Partition, &e.LocalCommitSeq, &e.ClientID, &e.ClientCommitID,
		&opsJSON, &e.SchemaVersion, &e.AttemptCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("relay: claim forward: %w", err)
	}
	if err := json.Unmarshal(opsJSON, &e.Operations); err != nil {
		return nil, fmt.Errorf("relay: outbox %s: corrupt operations: %w", e.ID, err)
	}
	e.Status = ForwardForwarding
	return &e, nil
}

// MarkForwarded finalizes a successful forward and confirms the
// sequence mapping.
func (s *Store) MarkForwarded(ctx context.Context, e *ForwardEntry, upstreamSeq int64, resp *syncx.PushResponse) error {
	respJSON := syncx.MarshalResult(resp)
	if _, err := s.Pool.Exec(ctx, `
		UPDATE relay_forward_outbox SET
			status = 'forwarded',
			upstream_commit_seq = $2,
			last_response_json = $3,
			error = NULL,
			updated_at = NOW()
		WHERE id = $1
	`, e.ID, upstreamSeq, respJSON); err != nil {
		return fmt.Errorf("relay: mark forwarded %s: %w", e.ID, err)
	}
	if _, err := s.Pool.Exec(ctx, `
		UPDATE relay_sequence_map SET
			upstream_commit_seq = $3,
			status = 'forwarded',
			updated_at = NOW()
		WHERE partition_id = $1 AND local_commit_seq = $2
	`, e.Partition, e.LocalCommitSeq, upstreamSeq); err != nil {
		return fmt.Errorf("relay: map sequence %d: %w", e.LocalCommitSeq, err)
	}
	return nil
}

// MarkForwardConflict parks an upstream-rejected entry and records the
// conflict for the operator.
func (s *Store) MarkForwardConflict(ctx context.Context, e *ForwardEntry, resp *syncx.PushResponse) error {
	respJSON := syncx.MarshalResult(resp)
	if _, err := s.Pool.Exec(ctx, `
		UPDATE relay_forward_outbox SET
			status = 'failed',
			last_response_json = $2,
			error = 'rejected upstream',
			updated_at = NOW()
		WHERE id = $1
	`, e.ID, respJSON); err != nil {
		return fmt.Errorf("relay: mark conflict %s: %w", e.ID, err)
	}
	if _, err := s.Pool.Exec(ctx, `
		INSERT INTO relay_forward_conflicts (id, partition_id, client_commit_id, response_json)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), e.Partition, e.ClientCommitID, respJSON); err != nil {
		return fmt.Errorf("relay: record conflict %s: %w", e.ClientCommitID, err)
	}
	return nil
}

// RequeueForward returns a claimed entry to pending after a transient
// failure.
func (s *Store) RequeueForward(ctx context.Context, id, reason string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE relay_forward_outbox SET
			status = 'pending', error = $2, updated_at = NOW()
		WHERE id = $1
	`, id, reason)
	if err != nil {
		return fmt.Errorf("relay: requeue %s: %w", id, err)
	}
	return nil
}

// PendingForwardCount counts entries still to be forwarded.
func (s *Store) PendingForwardCount(ctx context.Context) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM relay_forward_outbox WHERE status IN ('pending','forwarding')
	`).Scan(&n)
	return n, err
}

// ConfirmImported records an upstream→local sequence mapping for an
// imported commit, inside the import push transaction.
func (s *Store) ConfirmImported(ctx context.Context, db handler.DB, partition string, localSeq, upstreamSeq int64) error {
	_, err := db.Exec(ctx, `
		INSERT INTO relay_sequence_map (partition_id, local_commit_seq, upstream_commit_seq, status)
		VALUES ($1, $2, $3, 'confirmed')
		ON CONFLICT (partition_id, local_commit_seq) DO UPDATE SET
			upstream_commit_seq = EXCLUDED.upstream_commit_seq,
			status = 'confirmed',
			updated_at = NOW()
	`, partition, localSeq, upstreamSeq)
	if err != nil {
		return fmt.Errorf("relay: confirm import %d: %w", upstreamSeq, err)
	}
	return nil
}

// IsForwardedUpstreamSeq reports whether an upstream commit seq came
// from this relay's own forwarding, i.e. an echo the importer must not
// re-apply.
func (s *Store) IsForwardedUpstreamSeq(ctx context.Context, partition string, upstreamSeq int64) (bool, error) {
	var n int
	err := s.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM relay_sequence_map
		WHERE partition_id = $1 AND upstream_commit_seq = $2 AND status = 'forwarded'
	`, partition, upstreamSeq).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("relay: echo check %d: %w", upstreamSeq, err)
	}
	return n > 0, nil
}

// PruneSequenceMap deletes forwarded and confirmed sequence-map rows
// older than maxAge. Pending rows stay until forwarded.
func (s *Store) PruneSequenceMap(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `
		DELETE FROM relay_sequence_map
		WHERE status IN ('forwarded', 'confirmed') AND updated_at < NOW() - $1::interval
	`, fmt.Sprintf("%d milliseconds", maxAge.Milliseconds()))
	if err != nil {
		return 0, fmt.Errorf("relay: prune sequence map: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneForwardOutbox deletes forwarded outbox entries older than
// maxAge. Pending, forwarding, and failed entries are kept.
func (s *Store) PruneForwardOutbox(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `
		DELETE FROM relay_forward_outbox
		WHERE status = 'forwarded' AND updated_at < NOW() - $1::interval
	`, fmt.Sprintf("%d milliseconds", maxAge.Milliseconds()))
	if err != nil {
		return 0, fmt.Errorf("relay: prune forward outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Conflict is one upstream rejection awaiting operator resolution.
type Conflict struct {
	ID             string
	Partition      string
	ClientCommitID string
	Response       json.RawMessage
	CreatedAt      time.Time
}

// ListConflicts returns unresolved conflicts, oldest first.
func (s *Store) ListConflicts(ctx context.Context) ([]Conflict, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, partition_id, client_commit_id, response_json, created_at
		FROM relay_forward_conflicts
		WHERE resolved_at IS NULL
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("relay: list conflicts: %w", err)
	}
	defer rows.Close()

	var out []Conflict
	for rows.Next() {
		var c Conflict
		if err := rows.Scan(&c.ID, &c.Partition, &c.ClientCommitID, &c.Response, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolveConflict marks a conflict handled.
func (s *Store) ResolveConflict(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE relay_forward_conflicts SET resolved_at = NOW() WHERE id = $1 AND resolved_at IS NULL
	`, id)
	return err
}

// Cursors returns the persisted upstream pull cursors keyed by
// "partition|table".
func (s *Store) Cursors(ctx context.Context) (map[string]int64, error) {
	var raw json.RawMessage
	err := s.Pool.QueryRow(ctx, `
		SELECT value_json FROM relay_config WHERE key = $1
	`, cursorsKey).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return map[string]int64{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("relay: load cursors: %w", err)
	}
	out := map[string]int64{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("relay: corrupt cursors: %w", err)
	}
	return out, nil
}

// SaveCursors persists the upstream pull cursors.
func (s *Store) SaveCursors(ctx context.Context, cursors map[string]int64) error {
	raw, err := json.Marshal(cursors)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO relay_config (key, value_json) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value_json = EXCLUDED.value_json, updated_at = NOW()
	`, cursorsKey, raw)
	if err != nil {
		return fmt.Errorf("relay: save cursors: %w", err)
	}
	return nil
}

// CursorKey builds the cursors map key for one partition and table.
func CursorKey(partition, table string) string {
	return partition + "|" + table
}
