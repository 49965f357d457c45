package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowmark/rowmark/internal/handler"
	"github.com/rowmark/rowmark/internal/scope"
	"github.com/rowmark/rowmark/internal/syncx"
)

type pullFixture struct {
	push   *Push
	puller *Puller
	log    *memLog
	chunks *memChunks
	reg    *handler.Registry
}

func newPullFixture(t *testing.T, handlers ...handler.Handler) *pullFixture {
	t.Helper()
	reg := handler.NewRegistry()
	for _, h := range handlers {
		require.NoError(t, reg.Register(h))
	}
	log := newMemLog()
	chunks := newMemChunks()
	return &pullFixture{
		push:   &Push{Log: log, Registry: reg},
		puller: &Puller{Log: log, Chunks: chunks, Registry: reg},
		log:    log,
		chunks: chunks,
		reg:    reg,
	}
}

func (f *pullFixture) mustPush(t *testing.T, clientCommitID string, ops ...syncx.Operation) int64 {
	t.Helper()
	out, err := f.push.PushCommit(context.Background(), PushInput{
		Partition: syncx.DefaultPartition,
		ActorID:   "alice",
		ClientID:  "writer",
		Request:   &syncx.PushRequest{ClientCommitID: clientCommitID, Operations: ops},
	})
	require.NoError(t, err)
	require.Equal(t, syncx.PushApplied, out.Response.Status)
	return out.Response.CommitSeq
}

func (f *pullFixture) pull(t *testing.T, req *syncx.PullRequest) *PullOutcome {
	t.Helper()
	out, err := f.puller.Pull(context.Background(), PullInput{
		Partition: syncx.DefaultPartition,
		ActorID:   "alice",
		ClientID:  "reader",
		Request:   req,
	})
	require.NoError(t, err)
	return out
}

func aliceSub(id, table string, cursor int64) syncx.SubscriptionRequest {
	return syncx.SubscriptionRequest{
		ID: id, Table: table, Cursor: cursor,
		Scopes: scope.Map{"user_id": scope.String("alice")},
	}
}

func TestPullIncrementalFiltersByScope(t *testing.T) {
	h := newMemHandler("notes", scope.Map{"user_id": scope.Any()})
	f := newPullFixture(t, h)

	f.mustPush(t, "cc-1", upsertOp("notes", "r1", "alice"))
	f.mustPush(t, "cc-2", upsertOp("notes", "r2", "bob"))
	f.mustPush(t, "cc-3", upsertOp("notes", "r3", "alice"))

	out := f.pull(t, &syncx.PullRequest{Subscriptions: []syncx.SubscriptionRequest{
		aliceSub("s1", "notes", 0),
	}})

	require.Len(t, out.Response.Subscriptions, 1)
	sub := out.Response.Subscriptions[0]
	assert.Equal(t, syncx.SubActive, sub.Status)
	// The cursor covers all three commits even though only two matched.
	assert.Equal(t, int64(3), sub.NextCursor)
	require.Len(t, sub.Commits, 2)
	assert.Equal(t, "r1", sub.Commits[0].Changes[0].RowID)
	assert.Equal(t, "r3", sub.Commits[1].Changes[0].RowID)

	assert.Equal(t, int64(3), out.ClientCursor)
	assert.Equal(t, int64(3), f.log.cursors["reader"])
}

func TestPullCursorAdvancesWithNoMatches(t *testing.T) {
	h := newMemHandler("notes", scope.Map{"user_id": scope.Any()})
	f := newPullFixture(t, h)

	f.mustPush(t, "cc-1", upsertOp("notes", "r1", "bob"))
	f.mustPush(t, "cc-2", upsertOp("notes", "r2", "bob"))

	out := f.pull(t, &syncx.PullRequest{Subscriptions: []syncx.SubscriptionRequest{
		aliceSub("s1", "notes", 0),
	}})

	sub := out.Response.Subscriptions[0]
	assert.Empty(t, sub.Commits)
	assert.Equal(t, int64(2), sub.NextCursor)
}

func TestPullRevokedSubscription(t *testing.T) {
	h := newMemHandler("notes", scope.Map{"user_id": scope.String("bob")})
	f := newPullFixture(t, h)
	f.mustPush(t, "cc-1", syncx.Operation{
		Table: "notes", RowID: "r1", Op: syncx.OpUpsert,
		Payload: map[string]any{"user_id": "bob"},
	})

	out := f.pull(t, &syncx.PullRequest{Subscriptions: []syncx.SubscriptionRequest{
		aliceSub("s1", "notes", 1),
	}})

	sub := out.Response.Subscriptions[0]
	assert.Equal(t, syncx.SubRevoked, sub.Status)
	assert.Empty(t, sub.Scopes)
	assert.Empty(t, sub.Commits)
	// The cursor is not advanced for a revoked subscription.
	assert.Equal(t, int64(1), sub.NextCursor)
	assert.False(t, out.HasCursor)
}

func TestPullUnknownScopeKeyRejected(t *testing.T) {
	h := newMemHandler("notes", scope.Map{"user_id": scope.Any()})
	f := newPullFixture(t, h)

	_, err := f.puller.Pull(context.Background(), PullInput{
		Partition: syncx.DefaultPartition,
		ActorID:   "alice",
		ClientID:  "reader",
		Request: &syncx.PullRequest{Subscriptions: []syncx.SubscriptionRequest{{
			ID: "s1", Table: "notes", Cursor: 0,
			Scopes: scope.Map{"tenant_id": scope.String("t1")},
		}}},
	})
	var scopeErr *InvalidScopeError
	require.ErrorAs(t, err, &scopeErr)
	assert.Equal(t, "tenant_id", scopeErr.Key)
}

func TestPullDedupeRowsKeepsLastChange(t *testing.T) {
	h := newMemHandler("notes", scope.Map{"user_id": scope.Any()})
	f := newPullFixture(t, h)

	f.mustPush(t, "cc-1", upsertOp("notes", "r1", "alice"))
	f.mustPush(t, "cc-2", upsertOp("notes", "r1", "alice"))
	f.mustPush(t, "cc-3", upsertOp("notes", "r2", "alice"))

	out := f.pull(t, &syncx.PullRequest{
		DedupeRows: true,
		Subscriptions: []syncx.SubscriptionRequest{
			aliceSub("s1", "notes", 0),
		},
	})

	sub := out.Response.Subscriptions[0]
	require.Len(t, sub.Commits, 2)
	assert.Equal(t, int64(2), sub.Commits[0].CommitSeq)
	assert.Equal(t, "r1", sub.Commits[0].Changes[0].RowID)
	assert.Equal(t, int64(3), sub.Commits[1].CommitSeq)
	assert.Equal(t, "r2", sub.Commits[1].Changes[0].RowID)
}

func TestPullBootstrapPagesThroughChunks(t *testing.T) {
	h := newMemHandler("notes", scope.Map{"user_id": scope.Any()})
	f := newPullFixture(t, h)

	// Five rows for alice, one for bob, via pushes.
	for i := 0; i < 5; i++ {
		f.mustPush(t, fmt.Sprintf("cc-%d", i), upsertOp("notes", fmt.Sprintf("r%d", i), "alice"))
	}
	f.mustPush(t, "cc-bob", upsertOp("notes", "rz", "bob"))

	req := &syncx.PullRequest{
		LimitSnapshotRows: 2,
		MaxSnapshotPages:  2,
		Subscriptions: []syncx.SubscriptionRequest{
			aliceSub("s1", "notes", -1),
		},
	}
	out := f.pull(t, req)
	sub := out.Response.Subscriptions[0]

	assert.True(t, sub.Bootstrap)
	require.NotNil(t, sub.BootstrapState)
	assert.Equal(t, int64(6), sub.BootstrapState.AsOfCommitSeq)
	require.Len(t, sub.Snapshots, 2)
	assert.True(t, sub.Snapshots[0].IsFirstPage)
	assert.False(t, sub.Snapshots[0].IsLastPage)
	require.Len(t, sub.Snapshots[0].Chunks, 1)
	// Incomplete bootstrap keeps the request cursor.
	assert.Equal(t, int64(-1), sub.NextCursor)

	// Resume with the returned state until done.
	req.Subscriptions[0].BootstrapState = sub.BootstrapState
	out = f.pull(t, req)
	sub = out.Response.Subscriptions[0]

	assert.True(t, sub.Bootstrap)
	assert.Nil(t, sub.BootstrapState)
	assert.Equal(t, int64(6), sub.NextCursor)
	last := sub.Snapshots[len(sub.Snapshots)-1]
	assert.True(t, last.IsLastPage)

	// Only alice's rows ended up in chunks.
	total := 0
	for _, rows := range f.chunks.stored {
		for _, row := range rows {
			assert.Equal(t, "alice", row["user_id"])
			total++
		}
	}
	assert.Equal(t, 5, total)
}

func TestPullBootstrapWalksDependencyOrder(t *testing.T) {
	parents := newMemHandler("projects", scope.Map{"user_id": scope.Any()})
	children := newMemHandler("tasks", scope.Map{"user_id": scope.Any()})
	children.deps = []string{"projects"}
	f := newPullFixture(t, parents, children)

	f.mustPush(t, "cc-1", upsertOp("projects", "p1", "alice"))
	f.mustPush(t, "cc-2", upsertOp("tasks", "t1", "alice"))

	out := f.pull(t, &syncx.PullRequest{Subscriptions: []syncx.SubscriptionRequest{
		aliceSub("s1", "tasks", -1),
	}})
	sub := out.Response.Subscriptions[0]

	require.Len(t, sub.Snapshots, 2)
	assert.Equal(t, "projects", sub.Snapshots[0].Table)
	assert.Equal(t, "tasks", sub.Snapshots[1].Table)
	assert.Nil(t, sub.BootstrapState)
}

func TestPullCursorBeyondHeadTriggersBootstrap(t *testing.T) {
	h := newMemHandler("notes", scope.Map{"user_id": scope.Any()})
	f := newPullFixture(t, h)
	f.mustPush(t, "cc-1", upsertOp("notes", "r1", "alice"))

	out := f.pull(t, &syncx.PullRequest{Subscriptions: []syncx.SubscriptionRequest{
		aliceSub("s1", "notes", 42),
	}})
	assert.True(t, out.Response.Subscriptions[0].Bootstrap)
}

func TestPullTooManySubscriptions(t *testing.T) {
	h := newMemHandler("notes", scope.Map{"user_id": scope.Any()})
	f := newPullFixture(t, h)
	f.puller.MaxSubscriptions = 1

	_, err := f.puller.Pull(context.Background(), PullInput{
		Partition: syncx.DefaultPartition,
		ActorID:   "alice",
		ClientID:  "reader",
		Request: &syncx.PullRequest{Subscriptions: []syncx.SubscriptionRequest{
			aliceSub("s1", "notes", 0),
			aliceSub("s2", "notes", 0),
		}},
	})
	var invalid *InvalidRequestError
	assert.ErrorAs(t, err, &invalid)
}
