package commitlog

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// CompactBatchSize bounds how many superseded change rows one compact
// pass deletes.
const CompactBatchSize = 5000

// Compact removes superseded change rows older than fullHistoryHours,
// keeping the change with the highest (commit_seq, change_id) per
// (partition, table, row, canonical scope). Table-index rows left with
// no surviving changes are removed afterwards. Returns the number of
// change rows deleted; callers loop until it returns zero.
func (s *Store) Compact(ctx context.Context, fullHistoryHours int) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `
		WITH old AS (
			SELECT ch.partition_id, ch.change_id,
			       ROW_NUMBER() OVER (
				   PARTITION BY ch.partition_id, ch.table_name, ch.row_id, ch.scope_key
				   ORDER BY ch.commit_seq DESC, ch.change_id DESC
			       ) AS rn
			FROM sync_changes ch
			JOIN sync_commits co
			  ON co.partition_id = ch.partition_id AND co.commit_seq = ch.commit_seq
			WHERE co.created_at < NOW() - ($1 * INTERVAL '1 hour')
		),
		victims AS (
			SELECT partition_id, change_id FROM old WHERE rn > 1 LIMIT $2
		)
		DELETE FROM sync_changes c
		USING victims v
		WHERE c.partition_id = v.partition_id AND c.change_id = v.change_id
	`, fullHistoryHours, CompactBatchSize)
	if err != nil {
		return 0, fmt.Errorf("commitlog: compact: %w", err)
	}
	deleted := tag.RowsAffected()

	if deleted > 0 {
		if _, err := s.Pool.Exec(ctx, `
			DELETE FROM sync_table_commits t
			WHERE NOT EXISTS (
				SELECT 1 FROM sync_changes ch
				WHERE ch.partition_id = t.partition_id
				  AND ch.commit_seq = t.commit_seq
				  AND ch.table_name = t.table_name
			)
		`); err != nil {
			return deleted, fmt.Errorf("commitlog: compact table index: %w", err)
		}
	}

	log.Debug().Int64("deleted", deleted).Msg("compacted change rows")
	return deleted, nil
}

// PruneParams tunes commit pruning.
type PruneParams struct {
	// MaxAge is the active window; commits younger than it survive.
	MaxAge time.Duration
	// KeepNewest commits per partition survive regardless of age or
	// acknowledgement.
	KeepNewest int
	// FallbackMaxAge caps retention when clients never acknowledge:
	// commits older than it are pruned even above the watermark.
	FallbackMaxAge time.Duration
}

// Prune deletes acknowledged commits older than the active window.
// The watermark is the minimum acknowledged cursor across clients of
// the partition; commits above it are kept unless they exceed
// FallbackMaxAge. Change and table-index rows cascade.
func (s *Store) Prune(ctx context.Context, p PruneParams) (int64, error) {
	if p.KeepNewest < 0 {
		p.KeepNewest = 0
	}

	tag, err := s.Pool.Exec(ctx, `
		WITH watermarks AS (
			SELECT sp.partition_id,
			       COALESCE(
				   (SELECT MIN(cc.last_seq) FROM sync_client_cursors cc
				    WHERE cc.partition_id = sp.partition_id),
				   0) AS acked,
			       sp.last_commit_seq - $2 AS keep_floor
			FROM sync_partition_seq sp
		)
		DELETE FROM sync_commits c
		USING watermarks w
		WHERE c.partition_id = w.partition_id
		  AND c.commit_seq <= w.keep_floor
		  AND (
			(c.commit_seq <= w.acked AND c.created_at < NOW() - $1::interval)
			OR c.created_at < NOW() - $3::interval
		  )
	`, pgInterval(p.MaxAge), p.KeepNewest, pgInterval(p.FallbackMaxAge))
	if err != nil {
		return 0, fmt.Errorf("commitlog: prune: %w", err)
	}

	deleted := tag.RowsAffected()
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Msg("pruned acknowledged commits")
	}
	return deleted, nil
}

func pgInterval(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}
