package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rowmark/rowmark/internal/chunk"
	"github.com/rowmark/rowmark/internal/handler"
	"github.com/rowmark/rowmark/internal/scope"
	"github.com/rowmark/rowmark/internal/syncx"
)

// memLog is an in-memory engine.Log for pipeline tests. Single
// goroutine only; transactions stage state and publish on Commit.
type memLog struct {
	seq        int64
	changeID   int64
	byKey      map[string]*memCommit
	bySeq      map[int64]*memCommit
	tableIndex map[string][]int64
	cursors    map[string]int64
}

type memCommit struct {
	seq            int64
	actorID        string
	clientID       string
	clientCommitID string
	createdAt      time.Time
	changes        []syncx.Change
	result         json.RawMessage
	tables         []string
}

func newMemLog() *memLog {
	return &memLog{
		byKey:      make(map[string]*memCommit),
		bySeq:      make(map[int64]*memCommit),
		tableIndex: make(map[string][]int64),
		cursors:    make(map[string]int64),
	}
}

func idemKey(partition, clientID, clientCommitID string) string {
	return partition + "\x00" + clientID + "\x00" + clientCommitID
}

func (l *memLog) Begin(ctx context.Context) (LogTx, error) {
	return &memTx{log: l}, nil
}

func (l *memLog) DB() handler.DB { return nil }

func (l *memLog) MaxCommitSeq(ctx context.Context, partition string) (int64, error) {
	return l.seq, nil
}

func (l *memLog) LookupCached(ctx context.Context, partition, clientID, clientCommitID string) (*CachedResult, error) {
	if c, ok := l.byKey[idemKey(partition, clientID, clientCommitID)]; ok {
		return &CachedResult{CommitSeq: c.seq, Result: c.result}, nil
	}
	return nil, nil
}

func (l *memLog) ScanTableCommitsAfter(ctx context.Context, partition, table string, after int64, limit int) ([]int64, error) {
	var out []int64
	for _, seq := range l.tableIndex[table] {
		if seq > after {
			out = append(out, seq)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (l *memLog) ReadCommitsWithChanges(ctx context.Context, partition, table string, seqs []int64) ([]syncx.Commit, error) {
	var out []syncx.Commit
	for _, seq := range seqs {
		c, ok := l.bySeq[seq]
		if !ok {
			continue
		}
		commit := syncx.Commit{
			CommitSeq: c.seq,
			CreatedAt: syncx.RFC3339Ms(c.createdAt),
			ActorID:   c.actorID,
		}
		for _, ch := range c.changes {
			if ch.Table == table {
				commit.Changes = append(commit.Changes, ch)
			}
		}
		out = append(out, commit)
	}
	return out, nil
}

func (l *memLog) RecordClientCursor(ctx context.Context, partition, clientID, actorID string, lastSeq int64, scopes scope.Map) error {
	l.cursors[clientID] = lastSeq
	return nil
}

type memTx struct {
	log      *memLog
	staged   *memCommit
	rolledUp bool
}

func (t *memTx) DB() handler.DB { return nil }

func (t *memTx) LookupCached(ctx context.Context, partition, clientID, clientCommitID string) (*CachedResult, error) {
	return t.log.LookupCached(ctx, partition, clientID, clientCommitID)
}

func (t *memTx) AppendCommit(ctx context.Context, p AppendParams) (int64, error) {
	if _, dup := t.log.byKey[idemKey(p.Partition, p.ClientID, p.ClientCommitID)]; dup {
		return 0, ErrDuplicateCommit
	}
	seq := t.log.seq + 1
	changes := make([]syncx.Change, len(p.Changes))
	for i, ch := range p.Changes {
		ch.ChangeID = t.log.changeID + int64(i) + 1
		ch.CommitSeq = seq
		changes[i] = ch
	}
	t.staged = &memCommit{
		seq:            seq,
		actorID:        p.ActorID,
		clientID:       p.ClientID,
		clientCommitID: p.ClientCommitID,
		createdAt:      time.Now(),
		changes:        changes,
		tables:         p.Tables,
	}
	return seq, nil
}

func (t *memTx) StoreResult(ctx context.Context, partition string, commitSeq int64, result json.RawMessage) error {
	if t.staged == nil || t.staged.seq != commitSeq {
		return fmt.Errorf("no staged commit %d", commitSeq)
	}
	t.staged.result = result
	return nil
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.staged == nil {
		return nil
	}
	c := t.staged
	t.log.seq = c.seq
	t.log.changeID += int64(len(c.changes))
	t.log.byKey[idemKey("default", c.clientID, c.clientCommitID)] = c
	t.log.bySeq[c.seq] = c
	for _, table := range c.tables {
		t.log.tableIndex[table] = append(t.log.tableIndex[table], c.seq)
	}
	t.staged = nil
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	t.staged = nil
	return nil
}

// memChunks records FindOrStore calls and hands back verifiable refs.
type memChunks struct {
	stored map[string][]map[string]any
	keys   []chunk.Key
}

func newMemChunks() *memChunks {
	return &memChunks{stored: make(map[string][]map[string]any)}
}

func (c *memChunks) FindOrStore(ctx context.Context, partition string, key chunk.Key, rows []map[string]any) (syncx.ChunkRef, error) {
	body, sha, err := chunk.EncodeFrames(rows)
	if err != nil {
		return syncx.ChunkRef{}, err
	}
	id := "chunk-" + strconv.Itoa(len(c.keys))
	c.keys = append(c.keys, key)
	c.stored[id] = rows
	return syncx.ChunkRef{
		ID:          id,
		SHA256:      sha,
		ByteLength:  len(body),
		Encoding:    key.Encoding,
		Compression: key.Compression,
	}, nil
}

// memHandler is an in-memory table handler. Scope extraction reads the
// configured columns; snapshots filter rows against the context scopes.
type memHandler struct {
	table    string
	deps     []string
	patterns []string
	cols     []string
	allowed  scope.Map

	rows     map[string]map[string]any
	versions map[string]int64
	applyErr error
}

func newMemHandler(table string, allowed scope.Map) *memHandler {
	return &memHandler{
		table:    table,
		patterns: []string{"user:{user_id}"},
		cols:     []string{"user_id"},
		allowed:  allowed,
		rows:     make(map[string]map[string]any),
		versions: make(map[string]int64),
	}
}

func (h *memHandler) Table() string           { return h.table }
func (h *memHandler) ScopePatterns() []string { return h.patterns }
func (h *memHandler) DependsOn() []string     { return h.deps }

func (h *memHandler) ResolveScopes(ctx context.Context, hc handler.Context) (scope.Map, error) {
	return h.allowed, nil
}

func (h *memHandler) ExtractScopes(row map[string]any) (scope.Map, error) {
	out := scope.Map{}
	for _, col := range h.cols {
		s, _ := row[col].(string)
		if s == "" {
			return nil, fmt.Errorf("missing scope column %q", col)
		}
		out[col] = scope.String(s)
	}
	return out, nil
}

func (h *memHandler) Snapshot(ctx context.Context, hc handler.Context, page handler.PageRequest) (handler.Page, error) {
	ids := make([]string, 0, len(h.rows))
	for id := range h.rows {
		if id > page.RowCursor && h.visible(h.rows[id], hc.Scopes) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var out handler.Page
	for _, id := range ids {
		if len(out.Rows) == page.Limit {
			out.NextCursor = out.Rows[len(out.Rows)-1]["id"].(string)
			return out, nil
		}
		row := make(map[string]any, len(h.rows[id])+2)
		for k, v := range h.rows[id] {
			row[k] = v
		}
		row["id"] = id
		row["server_version"] = h.versions[id]
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

func (h *memHandler) visible(row map[string]any, scopes scope.Map) bool {
	for _, col := range h.cols {
		binding, ok := scopes[col]
		if !ok {
			return false
		}
		s, _ := row[col].(string)
		if !binding.Contains(s) {
			return false
		}
	}
	return true
}

func (h *memHandler) ApplyOperation(ctx context.Context, hc handler.Context, op syncx.Operation, opIndex int) (handler.ApplyResult, error) {
	if h.applyErr != nil {
		return handler.ApplyResult{}, h.applyErr
	}
	switch op.Op {
	case syncx.OpDelete:
		row, exists := h.rows[op.RowID]
		if !exists {
			return handler.ApplyResult{Result: syncx.Applied(opIndex)}, nil
		}
		scopes, _ := h.ExtractScopes(row)
		delete(h.rows, op.RowID)
		v := h.versions[op.RowID] + 1
		return handler.ApplyResult{
			Result: syncx.Applied(opIndex),
			Changes: []syncx.Change{{
				Table: h.table, RowID: op.RowID, Op: syncx.OpDelete,
				RowVersion: &v, Scopes: scopes,
			}},
		}, nil
	default:
		cur := h.versions[op.RowID]
		if op.BaseVersion != nil {
			if _, exists := h.rows[op.RowID]; !exists {
				return handler.ApplyResult{Result: syncx.OpErrorResult(opIndex, syncx.CodeRowMissing, false, "row missing")}, nil
			}
			if *op.BaseVersion != cur {
				return handler.ApplyResult{Result: syncx.Conflict(opIndex, cur, h.rows[op.RowID], "stale base")}, nil
			}
		}
		h.rows[op.RowID] = op.Payload
		h.versions[op.RowID] = cur + 1
		scopes, _ := h.ExtractScopes(op.Payload)
		v := cur + 1
		return handler.ApplyResult{
			Result: syncx.Applied(opIndex),
			Changes: []syncx.Change{{
				Table: h.table, RowID: op.RowID, Op: syncx.OpUpsert,
				Row: op.Payload, RowVersion: &v, Scopes: scopes,
			}},
		}, nil
	}
}
