// Package engine implements the server-side push and pull pipelines
// over the commit log, snapshot chunk store, and handler registry.
package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rowmark/rowmark/internal/chunk"
	"github.com/rowmark/rowmark/internal/handler"
	"github.com/rowmark/rowmark/internal/scope"
	"github.com/rowmark/rowmark/internal/syncx"
)

// ErrDuplicateCommit reports an idempotency-key collision detected at
// append time (a concurrent replay); the caller re-reads the cached
// result.
var ErrDuplicateCommit = errors.New("engine: duplicate client commit")

// CachedResult is a previously stored push outcome.
type CachedResult struct {
	CommitSeq int64
	Result    json.RawMessage
}

// AppendParams describes one commit to append: the commit row, its
// change rows in emission order, and the sorted-unique affected tables.
type AppendParams struct {
	Partition      string
	ActorID        string
	ClientID       string
	ClientCommitID string
	Meta           map[string]any
	Result         json.RawMessage
	Changes        []syncx.Change
	Tables         []string
}

// LogTx is one atomic unit over the commit log. DB exposes the
// underlying SQL executor for table handlers; it is nil when the log is
// not SQL-backed (tests).
type LogTx interface {
	DB() handler.DB
	LookupCached(ctx context.Context, partition, clientID, clientCommitID string) (*CachedResult, error)
	AppendCommit(ctx context.Context, p AppendParams) (int64, error)
	StoreResult(ctx context.Context, partition string, commitSeq int64, result json.RawMessage) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Log is the engine's view of the commit log store.
type Log interface {
	Begin(ctx context.Context) (LogTx, error)
	DB() handler.DB
	MaxCommitSeq(ctx context.Context, partition string) (int64, error)
	LookupCached(ctx context.Context, partition, clientID, clientCommitID string) (*CachedResult, error)
	ScanTableCommitsAfter(ctx context.Context, partition, table string, after int64, limit int) ([]int64, error)
	ReadCommitsWithChanges(ctx context.Context, partition, table string, seqs []int64) ([]syncx.Commit, error)
	RecordClientCursor(ctx context.Context, partition, clientID, actorID string, lastSeq int64, scopes scope.Map) error
}

// Chunks is the engine's view of the snapshot chunk store.
type Chunks interface {
	FindOrStore(ctx context.Context, partition string, key chunk.Key, rows []map[string]any) (syncx.ChunkRef, error)
}
