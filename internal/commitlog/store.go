// Package commitlog is the PostgreSQL implementation of the
// append-only commit log: commits, change rows, the per-table commit
// index, client cursors, and the maintenance jobs over them.
package commitlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rowmark/rowmark/internal/engine"
	"github.com/rowmark/rowmark/internal/handler"
	"github.com/rowmark/rowmark/internal/scope"
	"github.com/rowmark/rowmark/internal/syncx"
)

// Store implements engine.Log over a pgx pool.
type Store struct {
	Pool *pgxpool.Pool
}

// NewStore returns a commit log store over pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

// DB exposes the pool for handler snapshot reads outside a push
// transaction.
func (s *Store) DB() handler.DB { return s.Pool }

// Begin opens one atomic unit covering handler writes and the log
// append.
func (s *Store) Begin(ctx context.Context) (engine.LogTx, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("commitlog: begin: %w", err)
	}
	return &logTx{tx: tx}, nil
}

// MaxCommitSeq returns the highest allocated commit-seq of a partition,
// zero when the partition has never committed.
func (s *Store) MaxCommitSeq(ctx context.Context, partition string) (int64, error) {
	var seq int64
	err := s.Pool.QueryRow(ctx,
		`SELECT COALESCE(last_commit_seq, 0) FROM sync_partition_seq WHERE partition_id = $1`,
		partition).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("commitlog: max commit seq: %w", err)
	}
	return seq, nil
}

// LookupCached returns the stored result for an idempotency key, nil
// when the key is unseen.
func (s *Store) LookupCached(ctx context.Context, partition, clientID, clientCommitID string) (*engine.CachedResult, error) {
	return lookupCached(ctx, s.Pool, partition, clientID, clientCommitID)
}

// ScanTableCommitsAfter returns up to limit commit-seqs strictly after
// the cursor for (partition, table), ascending. Index rows whose parent
// commit has been pruned are skipped.
func (s *Store) ScanTableCommitsAfter(ctx context.Context, partition, table string, after int64, limit int) ([]int64, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT t.commit_seq
		FROM sync_table_commits t
		WHERE t.partition_id = $1 AND t.table_name = $2 AND t.commit_seq > $3
		  AND EXISTS (
			SELECT 1 FROM sync_commits c
			WHERE c.partition_id = t.partition_id AND c.commit_seq = t.commit_seq
		  )
		ORDER BY t.commit_seq
		LIMIT $4
	`, partition, table, after, limit)
	if err != nil {
		return nil, fmt.Errorf("commitlog: scan table commits: %w", err)
	}
	defer rows.Close()

	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, fmt.Errorf("commitlog: scan table commits: %w", err)
		}
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("commitlog: scan table commits: %w", err)
	}
	return seqs, nil
}

// ReadCommitsWithChanges loads the named commits with their change rows
// for one table, ordered (commit_seq ASC, change_id ASC). Scope
// filtering happens in the pull engine; this returns the raw rows.
func (s *Store) ReadCommitsWithChanges(ctx context.Context, partition, table string, seqs []int64) ([]syncx.Commit, error) {
	if len(seqs) == 0 {
		return nil, nil
	}

	commitRows, err := s.Pool.Query(ctx, `
		SELECT commit_seq, actor_id, created_at
		FROM sync_commits
		WHERE partition_id = $1 AND commit_seq = ANY($2)
		ORDER BY commit_seq
	`, partition, seqs)
	if err != nil {
		return nil, fmt.Errorf("commitlog: read commits: %w", err)
	}
	defer commitRows.Close()

	bynum := make(map[int64]*syncx.Commit, len(seqs))
	var out []*syncx.Commit
	for commitRows.Next() {
		var c syncx.Commit
		var createdAt time.Time
		if err := commitRows.Scan(&c.CommitSeq, &c.ActorID, &createdAt); err != nil {
			return nil, fmt.Errorf("commitlog: read commits: %w", err)
		}
		c.CreatedAt = syncx.RFC3339Ms(createdAt)
		bynum[c.CommitSeq] = &c
		out = append(out, &c)
	}
	if err := commitRows.Err(); err != nil {
		return nil, fmt.Errorf("commitlog: read commits: %w", err)
	}
	commitRows.Close()

	changeRows, err := s.Pool.Query(ctx, `
		SELECT change_id, commit_seq, table_name, row_id, op, row_json, row_version, scopes_json
		FROM sync_changes
		WHERE partition_id = $1 AND table_name = $2 AND commit_seq = ANY($3)
		ORDER BY commit_seq, change_id
	`, partition, table, seqs)
	if err != nil {
		return nil, fmt.Errorf("commitlog: read changes: %w", err)
	}
	defer changeRows.Close()

	for changeRows.Next() {
		var ch syncx.Change
		if err := changeRows.Scan(&ch.ChangeID, &ch.CommitSeq, &ch.Table, &ch.RowID,
			&ch.Op, &ch.Row, &ch.RowVersion, &ch.Scopes); err != nil {
			return nil, fmt.Errorf("commitlog: read changes: %w", err)
		}
		if c, ok := bynum[ch.CommitSeq]; ok {
			c.Changes = append(c.Changes, ch)
		}
	}
	if err := changeRows.Err(); err != nil {
		return nil, fmt.Errorf("commitlog: read changes: %w", err)
	}

	commits := make([]syncx.Commit, len(out))
	for i, c := range out {
		commits[i] = *c
	}
	return commits, nil
}

// RecordClientCursor upserts the last acknowledged commit-seq for a
// client. Last-writer-wins on (partition, client_id).
func (s *Store) RecordClientCursor(ctx context.Context, partition, clientID, actorID string, lastSeq int64, scopes scope.Map) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO sync_client_cursors (partition_id, client_id, actor_id, last_seq, scopes_json, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (partition_id, client_id) DO UPDATE SET
			actor_id    = EXCLUDED.actor_id,
			last_seq    = EXCLUDED.last_seq,
			scopes_json = EXCLUDED.scopes_json,
			updated_at  = NOW()
	`, partition, clientID, actorID, lastSeq, scopes)
	if err != nil {
		return fmt.Errorf("commitlog: record client cursor: %w", err)
	}
	return nil
}

// logTx is one append transaction.
type logTx struct {
	tx pgx.Tx
}

func (t *logTx) DB() handler.DB { return t.tx }

func (t *logTx) LookupCached(ctx context.Context, partition, clientID, clientCommitID string) (*engine.CachedResult, error) {
	return lookupCached(ctx, t.tx, partition, clientID, clientCommitID)
}

// AppendCommit allocates the next commit-seq and change-ids, then
// writes the commit row, its change rows in emission order, and one
// table-index row per affected table. All inside this transaction.
func (t *logTx) AppendCommit(ctx context.Context, p engine.AppendParams) (int64, error) {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO sync_partition_seq (partition_id) VALUES ($1)
		ON CONFLICT (partition_id) DO NOTHING
	`, p.Partition); err != nil {
		return 0, fmt.Errorf("commitlog: ensure partition: %w", err)
	}

	var seq int64
	if err := t.tx.QueryRow(ctx, `
		UPDATE sync_partition_seq
		SET last_commit_seq = last_commit_seq + 1
		WHERE partition_id = $1
		RETURNING last_commit_seq
	`, p.Partition).Scan(&seq); err != nil {
		return 0, fmt.Errorf("commitlog: allocate commit seq: %w", err)
	}

	var lastChangeID int64
	if len(p.Changes) > 0 {
		if err := t.tx.QueryRow(ctx, `
			UPDATE sync_partition_seq
			SET last_change_id = last_change_id + $2
			WHERE partition_id = $1
			RETURNING last_change_id
		`, p.Partition, len(p.Changes)).Scan(&lastChangeID); err != nil {
			return 0, fmt.Errorf("commitlog: allocate change ids: %w", err)
		}
	}
	firstChangeID := lastChangeID - int64(len(p.Changes)) + 1

	_, err := t.tx.Exec(ctx, `
		INSERT INTO sync_commits
			(partition_id, commit_seq, actor_id, client_id, client_commit_id, meta_json, result_json, change_count, tables)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.Partition, seq, p.ActorID, p.ClientID, p.ClientCommitID, p.Meta, p.Result, len(p.Changes), p.Tables)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, engine.ErrDuplicateCommit
		}
		return 0, fmt.Errorf("commitlog: insert commit: %w", err)
	}

	for i, ch := range p.Changes {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO sync_changes
				(partition_id, change_id, commit_seq, table_name, row_id, op, row_json, row_version, scopes_json, scope_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, p.Partition, firstChangeID+int64(i), seq, ch.Table, ch.RowID, string(ch.Op),
			ch.Row, ch.RowVersion, ch.Scopes, scope.Key(ch.Scopes))
		if err != nil {
			return 0, fmt.Errorf("commitlog: insert change: %w", err)
		}
	}

	for _, table := range p.Tables {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO sync_table_commits (partition_id, table_name, commit_seq)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, p.Partition, table, seq)
		if err != nil {
			return 0, fmt.Errorf("commitlog: insert table commit: %w", err)
		}
	}

	return seq, nil
}

// StoreResult caches the serialized push response on the commit row so
// replays can return it verbatim.
func (t *logTx) StoreResult(ctx context.Context, partition string, commitSeq int64, result json.RawMessage) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE sync_commits SET result_json = $3
		WHERE partition_id = $1 AND commit_seq = $2
	`, partition, commitSeq, result)
	if err != nil {
		return fmt.Errorf("commitlog: store result: %w", err)
	}
	return nil
}

func (t *logTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *logTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func lookupCached(ctx context.Context, db handler.DB, partition, clientID, clientCommitID string) (*engine.CachedResult, error) {
	var cached engine.CachedResult
	err := db.QueryRow(ctx, `
		SELECT commit_seq, COALESCE(result_json, '{}'::jsonb)
		FROM sync_commits
		WHERE partition_id = $1 AND client_id = $2 AND client_commit_id = $3
	`, partition, clientID, clientCommitID).Scan(&cached.CommitSeq, &cached.Result)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("commitlog: lookup cached: %w", err)
	}
	return &cached, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
