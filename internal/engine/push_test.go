package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowmark/rowmark/internal/handler"
	"github.com/rowmark/rowmark/internal/scope"
	"github.com/rowmark/rowmark/internal/syncx"
)

func newPushFixture(t *testing.T, h handler.Handler) (*Push, *memLog) {
	t.Helper()
	reg := handler.NewRegistry()
	require.NoError(t, reg.Register(h))
	log := newMemLog()
	return &Push{Log: log, Registry: reg}, log
}

func pushInput(ops ...syncx.Operation) PushInput {
	return PushInput{
		Partition: syncx.DefaultPartition,
		ActorID:   "alice",
		ClientID:  "device-1",
		Request: &syncx.PushRequest{
			ClientCommitID: "cc-1",
			Operations:     ops,
		},
	}
}

func upsertOp(table, rowID, user string) syncx.Operation {
	return syncx.Operation{
		Table: table, RowID: rowID, Op: syncx.OpUpsert,
		Payload: map[string]any{"user_id": user, "title": "t-" + rowID},
	}
}

func TestPushAppliesCommit(t *testing.T) {
	h := newMemHandler("notes", scope.Map{"user_id": scope.String("alice")})
	push, log := newPushFixture(t, h)

	out, err := push.PushCommit(context.Background(), pushInput(
		upsertOp("notes", "r1", "alice"),
		upsertOp("notes", "r2", "alice"),
	))
	require.NoError(t, err)

	assert.Equal(t, syncx.PushApplied, out.Response.Status)
	assert.Equal(t, int64(1), out.Response.CommitSeq)
	require.Len(t, out.Response.Results, 2)
	assert.Equal(t, syncx.OpApplied, out.Response.Results[0].Status)
	assert.Equal(t, []string{"notes"}, out.AffectedTables)
	assert.Equal(t, []string{"user_id=alice"}, out.ScopeKeys)

	seq, _ := log.MaxCommitSeq(context.Background(), syncx.DefaultPartition)
	assert.Equal(t, int64(1), seq)
	assert.Len(t, log.bySeq[1].changes, 2)
}

func TestPushReplayReturnsCachedResult(t *testing.T) {
	h := newMemHandler("notes", scope.Map{"user_id": scope.String("alice")})
	push, log := newPushFixture(t, h)

	first, err := push.PushCommit(context.Background(), pushInput(upsertOp("notes", "r1", "alice")))
	require.NoError(t, err)
	require.Equal(t, syncx.PushApplied, first.Response.Status)

	// Identical idempotency key, even with a different payload, replays.
	replay, err := push.PushCommit(context.Background(), pushInput(upsertOp("notes", "r1", "alice")))
	require.NoError(t, err)

	assert.Equal(t, syncx.PushCached, replay.Response.Status)
	assert.Equal(t, first.Response.CommitSeq, replay.Response.CommitSeq)
	require.Len(t, replay.Response.Results, 1)
	assert.Equal(t, syncx.OpApplied, replay.Response.Results[0].Status)

	// No second commit was appended.
	seq, _ := log.MaxCommitSeq(context.Background(), syncx.DefaultPartition)
	assert.Equal(t, int64(1), seq)
}

func TestPushRejectsWholeCommitOnConflict(t *testing.T) {
	h := newMemHandler("notes", scope.Map{"user_id": scope.String("alice")})
	push, log := newPushFixture(t, h)

	_, err := push.PushCommit(context.Background(), pushInput(upsertOp("notes", "r1", "alice")))
	require.NoError(t, err)

	stale := int64(99)
	in := pushInput(
		upsertOp("notes", "r2", "alice"),
		syncx.Operation{
			Table: "notes", RowID: "r1", Op: syncx.OpUpsert,
			Payload:     map[string]any{"user_id": "alice"},
			BaseVersion: &stale,
		},
	)
	in.Request.ClientCommitID = "cc-2"
	out, err := push.PushCommit(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, syncx.PushRejected, out.Response.Status)
	assert.False(t, out.Response.OK)
	assert.Zero(t, out.Response.CommitSeq)
	require.Len(t, out.Response.Results, 2)
	assert.Equal(t, syncx.OpApplied, out.Response.Results[0].Status)
	assert.Equal(t, syncx.OpConflict, out.Response.Results[1].Status)
	assert.Equal(t, int64(1), *out.Response.Results[1].ServerVersion)

	// The applied first op rolled back with the rest.
	seq, _ := log.MaxCommitSeq(context.Background(), syncx.DefaultPartition)
	assert.Equal(t, int64(1), seq)
}

func TestPushUnauthorizedScope(t *testing.T) {
	h := newMemHandler("notes", scope.Map{"user_id": scope.String("alice")})
	push, _ := newPushFixture(t, h)

	out, err := push.PushCommit(context.Background(), pushInput(upsertOp("notes", "r1", "mallory")))
	require.NoError(t, err)

	assert.Equal(t, syncx.PushRejected, out.Response.Status)
	assert.Equal(t, syncx.CodeUnauthorizedScope, out.Response.Results[0].Code)
	assert.False(t, out.Response.Results[0].Retriable)
}

func TestPushUnknownTableAndMissingPayload(t *testing.T) {
	h := newMemHandler("notes", scope.Map{"user_id": scope.String("alice")})
	push, _ := newPushFixture(t, h)

	out, err := push.PushCommit(context.Background(), pushInput(
		syncx.Operation{Table: "bogus", RowID: "r1", Op: syncx.OpUpsert, Payload: map[string]any{"user_id": "alice"}},
		syncx.Operation{Table: "notes", RowID: "r2", Op: syncx.OpUpsert},
	))
	require.NoError(t, err)

	assert.Equal(t, syncx.PushRejected, out.Response.Status)
	assert.Equal(t, syncx.CodeUnknownTable, out.Response.Results[0].Code)
	assert.Equal(t, syncx.CodePayloadMissing, out.Response.Results[1].Code)
}

func TestPushValidation(t *testing.T) {
	h := newMemHandler("notes", scope.Map{"user_id": scope.String("alice")})
	push, _ := newPushFixture(t, h)

	cases := []struct {
		name string
		req  *syncx.PushRequest
	}{
		{"missing commit id", &syncx.PushRequest{Operations: []syncx.Operation{upsertOp("notes", "r", "alice")}}},
		{"no operations", &syncx.PushRequest{ClientCommitID: "cc"}},
		{"bad op kind", &syncx.PushRequest{ClientCommitID: "cc", Operations: []syncx.Operation{
			{Table: "notes", RowID: "r", Op: "merge"},
		}}},
		{"missing row id", &syncx.PushRequest{ClientCommitID: "cc", Operations: []syncx.Operation{
			{Table: "notes", Op: syncx.OpUpsert},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := pushInput()
			in.Request = tc.req
			_, err := push.PushCommit(context.Background(), in)
			var invalid *InvalidRequestError
			assert.ErrorAs(t, err, &invalid)
		})
	}
}

func TestPushHandlerErrorIsRetriable(t *testing.T) {
	h := newMemHandler("notes", scope.Map{"user_id": scope.String("alice")})
	h.applyErr = errors.New("store briefly unavailable")
	push, _ := newPushFixture(t, h)

	out, err := push.PushCommit(context.Background(), pushInput(upsertOp("notes", "r1", "alice")))
	require.NoError(t, err)

	assert.Equal(t, syncx.PushRejected, out.Response.Status)
	assert.Equal(t, syncx.CodeInternal, out.Response.Results[0].Code)
	assert.True(t, out.Response.Results[0].Retriable)
}

func TestPushOnAppliedFailureRollsBack(t *testing.T) {
	h := newMemHandler("notes", scope.Map{"user_id": scope.String("alice")})
	push, log := newPushFixture(t, h)

	in := pushInput(upsertOp("notes", "r1", "alice"))
	in.OnApplied = func(ctx context.Context, tx LogTx, commitSeq int64) error {
		return errors.New("enqueue failed")
	}
	_, err := push.PushCommit(context.Background(), in)
	require.Error(t, err)

	seq, _ := log.MaxCommitSeq(context.Background(), syncx.DefaultPartition)
	assert.Zero(t, seq)
	cached, _ := log.LookupCached(context.Background(), syncx.DefaultPartition, "device-1", "cc-1")
	assert.Nil(t, cached)
}

func TestPushMaxOperations(t *testing.T) {
	h := newMemHandler("notes", scope.Map{"user_id": scope.String("alice")})
	push, _ := newPushFixture(t, h)
	push.MaxOperations = 2

	in := pushInput(
		upsertOp("notes", "r1", "alice"),
		upsertOp("notes", "r2", "alice"),
		upsertOp("notes", "r3", "alice"),
	)
	_, err := push.PushCommit(context.Background(), in)
	var invalid *InvalidRequestError
	assert.ErrorAs(t, err, &invalid)
}
