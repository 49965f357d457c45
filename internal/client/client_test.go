package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowmark/rowmark/internal/scope"
	"github.com/rowmark/rowmark/internal/syncx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type syncStep struct {
	resp *syncx.SyncResponse
	err  error
}

// fakeTransport replays scripted responses and records requests.
type fakeTransport struct {
	steps    []syncStep
	requests []*syncx.SyncRequest
	chunks   map[string][]map[string]any
}

func (f *fakeTransport) Sync(ctx context.Context, req *syncx.SyncRequest) (*syncx.SyncResponse, error) {
	f.requests = append(f.requests, req)
	if len(f.steps) == 0 {
		return &syncx.SyncResponse{}, nil
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	return step.resp, step.err
}

func (f *fakeTransport) FetchChunk(ctx context.Context, ref syncx.ChunkRef) ([]map[string]any, error) {
	rows, ok := f.chunks[ref.ID]
	if !ok {
		return nil, &StatusError{StatusCode: 404, Body: "no such chunk"}
	}
	return rows, nil
}

func upsert(table, rowID string) syncx.Operation {
	return syncx.Operation{
		Table: table, RowID: rowID, Op: syncx.OpUpsert,
		Payload: map[string]any{"id": rowID, "user_id": "alice"},
	}
}

func TestOutboxLifecycle(t *testing.T) {
	s := newTestStore(t)

	c, err := s.Enqueue("default", []syncx.Operation{upsert("tasks", "t1")})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ClientCommitID)
	assert.Equal(t, OutboxPending, c.Status)

	n, err := s.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, err := s.NextSendable(time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, c.ID, claimed.ID)
	assert.Equal(t, OutboxSending, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
	require.Len(t, claimed.Operations, 1)
	assert.Equal(t, "t1", claimed.Operations[0].RowID)

	// A fresh sending claim is not handed out again.
	again, err := s.NextSendable(time.Minute)
	require.NoError(t, err)
	assert.Nil(t, again)

	require.NoError(t, s.MarkAcked(claimed.ID, 42, json.RawMessage(`{"ok":true}`)))
	n, err = s.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// The ack records which server commit acknowledged the write.
	var ackedSeq int64
	var respJSON string
	require.NoError(t, s.DB.QueryRow(`
		SELECT acked_commit_seq, last_response_json FROM sync_outbox_commits WHERE id = ?
	`, claimed.ID).Scan(&ackedSeq, &respJSON))
	assert.Equal(t, int64(42), ackedSeq)
	assert.JSONEq(t, `{"ok":true}`, respJSON)
}

func TestNextSendableClearsPriorError(t *testing.T) {
	s := newTestStore(t)
	c, err := s.Enqueue("default", []syncx.Operation{upsert("tasks", "t1")})
	require.NoError(t, err)

	first, err := s.NextSendable(time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.MarkPending(first.ID, "connection reset"))

	claimed, err := s.NextSendable(time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, c.ID, claimed.ID)
	assert.Empty(t, claimed.LastError)

	var lastError string
	require.NoError(t, s.DB.QueryRow(`
		SELECT last_error FROM sync_outbox_commits WHERE id = ?
	`, claimed.ID).Scan(&lastError))
	assert.Empty(t, lastError)
}

func TestNextSendableClaimsCorruptOperations(t *testing.T) {
	s := newTestStore(t)
	_, err := s.DB.Exec(`
		INSERT INTO sync_outbox_commits (client_commit_id, partition_id, operations_json)
		VALUES ('cc-bad', 'default', '{not json')
	`)
	require.NoError(t, err)

	// The corrupt row is claimed with an empty operation list rather
	// than wedging the queue.
	claimed, err := s.NextSendable(time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "cc-bad", claimed.ClientCommitID)
	assert.Empty(t, claimed.Operations)
	assert.Equal(t, OutboxSending, claimed.Status)

	require.NoError(t, s.MarkFailed(claimed.ID, "unparseable operations", nil))
	next, err := s.NextSendable(time.Minute)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestOutboxStaleSendingIsReclaimed(t *testing.T) {
	s := newTestStore(t)
	c, err := s.Enqueue("default", []syncx.Operation{upsert("tasks", "t1")})
	require.NoError(t, err)

	first, err := s.NextSendable(time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)

	// A negative timeout treats every sending claim as stale.
	reclaimed, err := s.NextSendable(-time.Hour)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, c.ID, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Attempts)
}

func TestOutboxEnqueueRejectsEmpty(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Enqueue("default", nil)
	assert.Error(t, err)
}

func TestCleanupOutboxPolicies(t *testing.T) {
	s := newTestStore(t)
	a, err := s.Enqueue("default", []syncx.Operation{upsert("tasks", "t1")})
	require.NoError(t, err)
	b, err := s.Enqueue("default", []syncx.Operation{upsert("tasks", "t2")})
	require.NoError(t, err)
	_, err = s.Enqueue("default", []syncx.Operation{upsert("tasks", "t3")})
	require.NoError(t, err)
	require.NoError(t, s.MarkAcked(a.ID, 1, nil))
	require.NoError(t, s.MarkFailed(b.ID, "rejected", nil))

	// A negative max age puts the cutoff in the future.
	n, err := s.CleanupAcked(-time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.CleanupFailed(-time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Per-status cleanups leave pending work alone; CleanupAll does not.
	count, err := s.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	n, err = s.CleanupAll(-time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	count, err = s.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSubscriptionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.Error(t, s.SaveSubscription(Subscription{}))

	sub := Subscription{
		ID:     "tasks-alice",
		Table:  "tasks",
		Scopes: scope.Map{"user_id": scope.String("alice")},
		Params: map[string]any{"include_done": true},
		Cursor: -1,
		BootstrapState: &syncx.BootstrapState{
			AsOfCommitSeq: 12,
			Tables:        []string{"projects", "tasks"},
			TableIndex:    1,
			RowCursor:     "t5",
		},
	}
	require.NoError(t, s.SaveSubscription(sub))

	subs, err := s.Subscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	got := subs[0]
	assert.Equal(t, syncx.SubActive, got.Status)
	assert.Equal(t, int64(-1), got.Cursor)
	assert.Equal(t, scope.Map{"user_id": scope.String("alice")}, got.Scopes)
	assert.Equal(t, map[string]any{"include_done": true}, got.Params)
	require.NotNil(t, got.BootstrapState)
	assert.Equal(t, int64(12), got.BootstrapState.AsOfCommitSeq)
	assert.Equal(t, 1, got.BootstrapState.TableIndex)

	// Upsert clears the bootstrap state and advances the cursor.
	sub.Cursor = 12
	sub.BootstrapState = nil
	require.NoError(t, s.SaveSubscription(sub))
	subs, err = s.Subscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, int64(12), subs[0].Cursor)
	assert.Nil(t, subs[0].BootstrapState)
}

func TestConflictRoundTrip(t *testing.T) {
	s := newTestStore(t)
	v := int64(4)
	require.NoError(t, s.RecordConflict(Conflict{
		ClientCommitID: "cc-1",
		OpIndex:        1,
		Table:          "tasks",
		RowID:          "t1",
		Code:           syncx.CodeVersionConflict,
		ServerVersion:  &v,
		ServerRow:      map[string]any{"id": "t1", "title": "server"},
		Message:        "stale base",
	}))

	conflicts, err := s.Conflicts()
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, "cc-1", c.ClientCommitID)
	assert.Equal(t, syncx.CodeVersionConflict, c.Code)
	require.NotNil(t, c.ServerVersion)
	assert.Equal(t, int64(4), *c.ServerVersion)
	assert.Equal(t, "server", c.ServerRow["title"])

	require.NoError(t, s.ResolveConflict(c.ID))
	conflicts, err = s.Conflicts()
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestSyncOncePushApplied(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Enqueue("default", []syncx.Operation{upsert("tasks", "t1")})
	require.NoError(t, err)

	tr := &fakeTransport{steps: []syncStep{{
		resp: &syncx.SyncResponse{Push: &syncx.PushResponse{
			OK: true, Status: syncx.PushApplied, CommitSeq: 1,
			Results: []syncx.OpResult{syncx.Applied(0)},
		}},
	}}}
	c := New("device-1", "", s, tr, Options{})

	sum, err := c.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.PushedCommits)

	n, err := s.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, n)

	require.Len(t, tr.requests, 1)
	assert.Equal(t, "device-1", tr.requests[0].ClientID)
	require.NotNil(t, tr.requests[0].Push)
	assert.Nil(t, tr.requests[0].Pull)
}

func TestSyncOncePushRejectedRecordsConflicts(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Enqueue("default", []syncx.Operation{
		upsert("tasks", "t1"),
		upsert("tasks", "t2"),
	})
	require.NoError(t, err)

	v := int64(7)
	tr := &fakeTransport{steps: []syncStep{{
		resp: &syncx.SyncResponse{Push: &syncx.PushResponse{
			Status: syncx.PushRejected,
			Results: []syncx.OpResult{
				syncx.Applied(0),
				{OpIndex: 1, Status: syncx.OpConflict, ServerVersion: &v, Message: "stale"},
			},
		}},
	}}}
	c := New("device-1", "", s, tr, Options{})

	sum, err := c.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.RejectedCommits)
	assert.Zero(t, sum.PushedCommits)

	conflicts, err := s.Conflicts()
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "tasks", conflicts[0].Table)
	assert.Equal(t, "t2", conflicts[0].RowID)
	assert.Equal(t, syncx.CodeVersionConflict, conflicts[0].Code)

	// Rejected commits are parked, not retried.
	n, err := s.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSyncOncePushRetriableRejectionRequeues(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Enqueue("default", []syncx.Operation{upsert("tasks", "t1")})
	require.NoError(t, err)

	tr := &fakeTransport{steps: []syncStep{{
		resp: &syncx.SyncResponse{Push: &syncx.PushResponse{
			Status: syncx.PushRejected,
			Results: []syncx.OpResult{
				syncx.OpErrorResult(0, syncx.CodeInternal, true, "store deadlock"),
			},
		}},
	}}}
	c := New("device-1", "", s, tr, Options{MaxPullRounds: 1})

	sum, err := c.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.RejectedCommits)

	// A transient rejection is requeued, not parked, and records no
	// conflicts.
	n, err := s.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	conflicts, err := s.Conflicts()
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	var lastError string
	require.NoError(t, s.DB.QueryRow(`
		SELECT last_error FROM sync_outbox_commits
	`).Scan(&lastError))
	assert.Equal(t, "store deadlock", lastError)

	// The requeued commit is claimable for the next round.
	claimed, err := s.NextSendable(time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
}

func TestSyncOnceTransportErrors(t *testing.T) {
	t.Run("permanent parks the commit", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.Enqueue("default", []syncx.Operation{upsert("tasks", "t1")})
		require.NoError(t, err)
		tr := &fakeTransport{steps: []syncStep{{err: &StatusError{StatusCode: 400, Body: "bad"}}}}
		c := New("device-1", "", s, tr, Options{})

		_, err = c.SyncOnce(context.Background())
		require.Error(t, err)
		n, err := s.PendingCount()
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("transient requeues the commit", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.Enqueue("default", []syncx.Operation{upsert("tasks", "t1")})
		require.NoError(t, err)
		tr := &fakeTransport{steps: []syncStep{{err: &StatusError{StatusCode: 503, Body: "down"}}}}
		c := New("device-1", "", s, tr, Options{})

		_, err = c.SyncOnce(context.Background())
		require.Error(t, err)
		n, err := s.PendingCount()
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		// The requeued commit is claimable immediately.
		next, err := s.NextSendable(time.Minute)
		require.NoError(t, err)
		require.NotNil(t, next)
	})
}

func TestSyncOnceAppliesIncrementalChanges(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveSubscription(Subscription{
		ID: "tasks-alice", Table: "tasks",
		Scopes: scope.Map{"user_id": scope.String("alice")},
		Cursor: 3,
	}))

	v1, v2 := int64(1), int64(2)
	tr := &fakeTransport{steps: []syncStep{{
		resp: &syncx.SyncResponse{Pull: &syncx.PullResponse{
			OK: true,
			Subscriptions: []syncx.SubscriptionResponse{{
				ID: "tasks-alice", Status: syncx.SubActive,
				NextCursor: 5,
				Commits: []syncx.Commit{
					{CommitSeq: 4, Changes: []syncx.Change{{
						Table: "tasks", RowID: "t1", Op: syncx.OpUpsert,
						Row: map[string]any{"id": "t1", "title": "hello"}, RowVersion: &v1,
					}}},
					{CommitSeq: 5, Changes: []syncx.Change{
						{Table: "tasks", RowID: "t2", Op: syncx.OpUpsert,
							Row: map[string]any{"id": "t2"}, RowVersion: &v2},
						{Table: "tasks", RowID: "t1", Op: syncx.OpDelete, RowVersion: &v2},
					}},
				},
			}},
		}},
	}}}
	c := New("device-1", "", s, tr, Options{})

	sum, err := c.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.PulledCommits)

	// t1 was upserted then deleted; t2 survives.
	_, _, ok, err := s.GetRow("tasks", "t1")
	require.NoError(t, err)
	assert.False(t, ok)
	row, version, ok, err := s.GetRow("tasks", "t2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t2", row["id"])
	assert.Equal(t, int64(2), version)

	subs, err := s.Subscriptions()
	require.NoError(t, err)
	assert.Equal(t, int64(5), subs[0].Cursor)

	// The request carried the stored cursor.
	require.NotNil(t, tr.requests[0].Pull)
	assert.Equal(t, int64(3), tr.requests[0].Pull.Subscriptions[0].Cursor)
	assert.True(t, tr.requests[0].Pull.DedupeRows)
}

func TestSyncOnceBootstrapResetsAndResumes(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveSubscription(Subscription{
		ID: "tasks-alice", Table: "tasks",
		Scopes: scope.Map{"user_id": scope.String("alice")},
		Cursor: -1,
	}))
	// Leftover local state from an earlier replica generation.
	tx, err := s.DB.Begin()
	require.NoError(t, err)
	require.NoError(t, NewGenericHandler("tasks", "").ApplySnapshotRows(tx, []map[string]any{
		{"id": "stale", "server_version": float64(9)},
	}))
	require.NoError(t, tx.Commit())

	midState := &syncx.BootstrapState{AsOfCommitSeq: 8, Tables: []string{"tasks"}, RowCursor: "t1"}
	tr := &fakeTransport{
		chunks: map[string][]map[string]any{
			"chunk-0": {{"id": "t1", "server_version": float64(1)}},
			"chunk-1": {{"id": "t2", "server_version": float64(1)}},
		},
		steps: []syncStep{
			{resp: &syncx.SyncResponse{Pull: &syncx.PullResponse{
				OK: true,
				Subscriptions: []syncx.SubscriptionResponse{{
					ID: "tasks-alice", Status: syncx.SubActive,
					Bootstrap: true, BootstrapState: midState, NextCursor: -1,
					Snapshots: []syncx.SnapshotPage{{
						Table: "tasks", IsFirstPage: true,
						Chunks: []syncx.ChunkRef{{ID: "chunk-0"}},
					}},
				}},
			}}},
			{resp: &syncx.SyncResponse{Pull: &syncx.PullResponse{
				OK: true,
				Subscriptions: []syncx.SubscriptionResponse{{
					ID: "tasks-alice", Status: syncx.SubActive,
					Bootstrap: true, NextCursor: 8,
					Snapshots: []syncx.SnapshotPage{{
						Table: "tasks", IsLastPage: true,
						Chunks: []syncx.ChunkRef{{ID: "chunk-1"}},
					}},
				}},
			}}},
		},
	}
	c := New("device-1", "", s, tr, Options{})

	sum, err := c.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.SnapshotPages)
	assert.False(t, sum.Bootstrapping)
	require.Len(t, tr.requests, 2)

	// The second request resumed with the server's state.
	resumed := tr.requests[1].Pull.Subscriptions[0]
	require.NotNil(t, resumed.BootstrapState)
	assert.Equal(t, "t1", resumed.BootstrapState.RowCursor)

	// The first page reset the stale replica.
	_, _, ok, err := s.GetRow("tasks", "stale")
	require.NoError(t, err)
	assert.False(t, ok)
	n, err := s.CountRows("tasks")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	subs, err := s.Subscriptions()
	require.NoError(t, err)
	assert.Equal(t, int64(8), subs[0].Cursor)
	assert.Nil(t, subs[0].BootstrapState)
}

func TestSyncOnceRevokedSubscriptionStopsPulling(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveSubscription(Subscription{
		ID: "tasks-alice", Table: "tasks",
		Scopes: scope.Map{"user_id": scope.String("alice")},
		Cursor: 3,
	}))

	tr := &fakeTransport{steps: []syncStep{{
		resp: &syncx.SyncResponse{Pull: &syncx.PullResponse{
			OK: true,
			Subscriptions: []syncx.SubscriptionResponse{{
				ID: "tasks-alice", Status: syncx.SubRevoked, NextCursor: 3,
			}},
		}},
	}}}
	c := New("device-1", "", s, tr, Options{})

	_, err := c.SyncOnce(context.Background())
	require.NoError(t, err)

	subs, err := s.Subscriptions()
	require.NoError(t, err)
	assert.Equal(t, syncx.SubRevoked, subs[0].Status)

	// Nothing left to push or pull; the next round is a no-op.
	sum, err := c.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.PulledCommits)
	assert.Len(t, tr.requests, 1)
}

func TestGenericHandlerVersionDecoding(t *testing.T) {
	s := newTestStore(t)
	h := NewGenericHandler("tasks", "uid")

	tx, err := s.DB.Begin()
	require.NoError(t, err)
	require.NoError(t, h.ApplySnapshotRows(tx, []map[string]any{
		{"uid": "t1", "server_version": float64(3)},
	}))
	err = h.ApplySnapshotRows(tx, []map[string]any{{"server_version": float64(1)}})
	assert.ErrorContains(t, err, `missing "uid"`)
	require.NoError(t, tx.Commit())

	_, version, ok, err := s.GetRow("tasks", "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), version)
}
