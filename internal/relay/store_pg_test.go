package relay

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowmark/rowmark/internal/store"
)

// openTestPool connects to TEST_DATABASE_URL with the relay schema
// applied, skipping when no database is available.
func openTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" || testing.Short() {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pool, err := store.OpenRelay(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func clearRelayTables(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()
	for _, table := range []string{"relay_forward_outbox", "relay_sequence_map", "relay_forward_conflicts"} {
		_, err := pool.Exec(ctx, "DELETE FROM "+table)
		require.NoError(t, err)
	}
}

func TestPruneSequenceMapKeepsPending(t *testing.T) {
	pool := openTestPool(t)
	clearRelayTables(t, pool)
	s := NewStore(pool)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `
		INSERT INTO relay_sequence_map (partition_id, local_commit_seq, upstream_commit_seq, status, updated_at) VALUES
			('default', 1, 10,   'forwarded', NOW() - interval '2 days'),
			('default', 2, 11,   'confirmed', NOW() - interval '2 days'),
			('default', 3, NULL, 'pending',   NOW() - interval '2 days'),
			('default', 4, 12,   'confirmed', NOW())
	`)
	require.NoError(t, err)

	n, err := s.PruneSequenceMap(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// The old pending row and the fresh confirmed row survive.
	var left int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM relay_sequence_map`).Scan(&left))
	assert.Equal(t, 2, left)
	var pendingLeft int
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM relay_sequence_map WHERE status = 'pending'
	`).Scan(&pendingLeft))
	assert.Equal(t, 1, pendingLeft)
}

func TestPruneForwardOutboxKeepsUndelivered(t *testing.T) {
	pool := openTestPool(t)
	clearRelayTables(t, pool)
	s := NewStore(pool)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `
		INSERT INTO relay_forward_outbox
			(id, partition_id, local_commit_seq, client_id, client_commit_id, operations_json, status, updated_at)
		VALUES
			('f1', 'default', 1, 'c1', 'cc-1', '[]', 'forwarded', NOW() - interval '2 days'),
			('f2', 'default', 2, 'c1', 'cc-2', '[]', 'pending',   NOW() - interval '2 days'),
			('f3', 'default', 3, 'c1', 'cc-3', '[]', 'failed',    NOW() - interval '2 days')
	`)
	require.NoError(t, err)

	n, err := s.PruneForwardOutbox(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, err := s.PendingForwardCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestEnqueueForwardSeqUniquePerPartition(t *testing.T) {
	pool := openTestPool(t)
	clearRelayTables(t, pool)
	s := NewStore(pool)
	ctx := context.Background()

	require.NoError(t, s.EnqueueForward(ctx, pool, ForwardEntry{
		Partition: "a", LocalCommitSeq: 5, ClientID: "c1", ClientCommitID: "cc-a",
	}))
	// The same commit seq in another partition is a different commit.
	require.NoError(t, s.EnqueueForward(ctx, pool, ForwardEntry{
		Partition: "b", LocalCommitSeq: 5, ClientID: "c1", ClientCommitID: "cc-b",
	}))
	// Within a partition it stays unique.
	err := s.EnqueueForward(ctx, pool, ForwardEntry{
		Partition: "a", LocalCommitSeq: 5, ClientID: "c1", ClientCommitID: "cc-dup",
	})
	assert.Error(t, err)
}
