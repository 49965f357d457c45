package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ServerSchema contains the SQL statements for the server-side sync
// tables. Every table carries a partition_id column; the default
// partition is the literal string "default".
const ServerSchema = `
-- sync_partition_seq: per-partition counters for commit_seq and
-- change_id. Incremented inside the append transaction so both stay
-- dense and monotonic within a partition.
CREATE TABLE IF NOT EXISTS sync_partition_seq (
    partition_id    TEXT PRIMARY KEY,
    last_commit_seq BIGINT NOT NULL DEFAULT 0,
    last_change_id  BIGINT NOT NULL DEFAULT 0
);

-- sync_commits: the append-only commit log. (partition_id, client_id,
-- client_commit_id) is the idempotency key; replays return result_json.
CREATE TABLE IF NOT EXISTS sync_commits (
    partition_id     TEXT NOT NULL DEFAULT 'default',
    commit_seq       BIGINT NOT NULL,
    actor_id         TEXT NOT NULL,
    client_id        TEXT NOT NULL,
    client_commit_id TEXT NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    meta_json        JSONB,
    result_json      JSONB,
    change_count     INT NOT NULL DEFAULT 0,
    tables           TEXT[] NOT NULL DEFAULT '{}',
    PRIMARY KEY (partition_id, commit_seq)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_commits_idempotency
    ON sync_commits(partition_id, client_id, client_commit_id);

-- sync_changes: per-row side effects of a commit. scope_key is the
-- canonical serialization of scopes_json, used for compaction grouping.
CREATE TABLE IF NOT EXISTS sync_changes (
    partition_id TEXT NOT NULL DEFAULT 'default',
    change_id    BIGINT NOT NULL,
    commit_seq   BIGINT NOT NULL,
    table_name   TEXT NOT NULL,
    row_id       TEXT NOT NULL,
    op           TEXT NOT NULL CHECK (op IN ('upsert', 'delete')),
    row_json     JSONB,
    row_version  BIGINT,
    scopes_json  JSONB NOT NULL DEFAULT '{}',
    scope_key    TEXT NOT NULL DEFAULT '{}',
    PRIMARY KEY (partition_id, change_id),
    FOREIGN KEY (partition_id, commit_seq)
        REFERENCES sync_commits(partition_id, commit_seq) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_sync_changes_commit
    ON sync_changes(partition_id, commit_seq, change_id);
CREATE INDEX IF NOT EXISTS idx_sync_changes_compact
    ON sync_changes(partition_id, table_name, row_id, scope_key, commit_seq);

-- sync_table_commits: (partition, table, commit_seq) index enabling
-- per-table commit scans without touching sync_changes first.
CREATE TABLE IF NOT EXISTS sync_table_commits (
    partition_id TEXT NOT NULL DEFAULT 'default',
    table_name   TEXT NOT NULL,
    commit_seq   BIGINT NOT NULL,
    PRIMARY KEY (partition_id, table_name, commit_seq),
    FOREIGN KEY (partition_id, commit_seq)
        REFERENCES sync_commits(partition_id, commit_seq) ON DELETE CASCADE
);

-- sync_client_cursors: last acknowledged commit_seq per client.
-- Last-writer-wins on (partition_id, client_id).
CREATE TABLE IF NOT EXISTS sync_client_cursors (
    partition_id TEXT NOT NULL DEFAULT 'default',
    client_id    TEXT NOT NULL,
    actor_id     TEXT NOT NULL,
    last_seq     BIGINT NOT NULL,
    scopes_json  JSONB NOT NULL DEFAULT '{}',
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (partition_id, client_id)
);

-- sync_snapshot_chunks: content-addressed gzip bootstrap pages. The
-- cache_key covers everything that affects the body; duplicate inserts
-- are no-ops.
CREATE TABLE IF NOT EXISTS sync_snapshot_chunks (
    id           TEXT PRIMARY KEY,
    partition_id TEXT NOT NULL DEFAULT 'default',
    cache_key    TEXT NOT NULL,
    sha256       TEXT NOT NULL,
    byte_length  INT NOT NULL,
    encoding     TEXT NOT NULL DEFAULT 'json-row-frame-v1',
    compression  TEXT NOT NULL DEFAULT 'gzip',
    body         BYTEA,
    blob_hash    TEXT,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at   TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_snapshot_chunks_cache_key
    ON sync_snapshot_chunks(partition_id, cache_key);
CREATE INDEX IF NOT EXISTS idx_sync_snapshot_chunks_expiry
    ON sync_snapshot_chunks(expires_at);
`

// RelaySchema contains the SQL statements for the relay-only tables.
const RelaySchema = `
-- relay_forward_outbox: local commits awaiting forwarding upstream.
-- client_id/client_commit_id are the ORIGINAL identifiers; preserving
-- them is what makes the upstream push idempotent.
CREATE TABLE IF NOT EXISTS relay_forward_outbox (
    id                 TEXT PRIMARY KEY,
    partition_id       TEXT NOT NULL DEFAULT 'default',
    local_commit_seq   BIGINT NOT NULL,
    client_id          TEXT NOT NULL,
    client_commit_id   TEXT NOT NULL,
    operations_json    JSONB NOT NULL,
    schema_version     INT NOT NULL DEFAULT 0,
    status             TEXT NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending', 'forwarding', 'forwarded', 'failed')),
    upstream_commit_seq BIGINT,
    error              TEXT,
    last_response_json JSONB,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    attempt_count      INT NOT NULL DEFAULT 0
);

-- commit_seq is dense per partition, so only the pair is unique.
CREATE UNIQUE INDEX IF NOT EXISTS idx_relay_forward_outbox_seq
    ON relay_forward_outbox(partition_id, local_commit_seq);
CREATE INDEX IF NOT EXISTS idx_relay_forward_outbox_status
    ON relay_forward_outbox(status, created_at);

-- relay_sequence_map: bridges the local and upstream commit-seq
-- namespaces. Rows imported from upstream are inserted as 'confirmed'.
CREATE TABLE IF NOT EXISTS relay_sequence_map (
    partition_id        TEXT NOT NULL DEFAULT 'default',
    local_commit_seq    BIGINT NOT NULL,
    upstream_commit_seq BIGINT,
    status              TEXT NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending', 'forwarded', 'confirmed')),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (partition_id, local_commit_seq)
);

CREATE INDEX IF NOT EXISTS idx_relay_sequence_map_upstream
    ON relay_sequence_map(partition_id, upstream_commit_seq);

-- relay_forward_conflicts: upstream rejections kept for operator
-- intervention.
CREATE TABLE IF NOT EXISTS relay_forward_conflicts (
    id               TEXT PRIMARY KEY,
    partition_id     TEXT NOT NULL DEFAULT 'default',
    client_commit_id TEXT NOT NULL,
    response_json    JSONB,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    resolved_at      TIMESTAMPTZ
);

-- relay_config: key-value row store, e.g. persisted upstream pull
-- cursors under key 'main_cursors'.
CREATE TABLE IF NOT EXISTS relay_config (
    key        TEXT PRIMARY KEY,
    value_json JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// partitionedTables lists the tables that predate the partition column.
// MigratePartitionColumns upgrades databases created before partitions
// existed; on current schemas every statement is a no-op.
var partitionedTables = []string{
	"sync_commits",
	"sync_changes",
	"sync_table_commits",
	"sync_client_cursors",
	"sync_snapshot_chunks",
}

// MigratePartitionColumns idempotently adds the partition_id column and
// its supporting unique indexes to pre-partition schemas.
func MigratePartitionColumns(ctx context.Context, pool *pgxpool.Pool) error {
	for _, table := range partitionedTables {
		stmt := fmt.Sprintf(
			`ALTER TABLE %s ADD COLUMN IF NOT EXISTS partition_id TEXT NOT NULL DEFAULT 'default'`,
			table)
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate %s: %w", table, err)
		}
	}
	if _, err := pool.Exec(ctx, `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_commits_idempotency
		ON sync_commits(partition_id, client_id, client_commit_id)
	`); err != nil {
		return fmt.Errorf("store: migrate idempotency index: %w", err)
	}
	return nil
}
