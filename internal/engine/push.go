package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/rowmark/rowmark/internal/handler"
	"github.com/rowmark/rowmark/internal/scope"
	"github.com/rowmark/rowmark/internal/syncx"
)

// DefaultMaxOperations bounds the operations in one push commit.
const DefaultMaxOperations = 200

// Push validates, authorizes, and applies pushed commits against the
// commit log inside a single atomic unit.
type Push struct {
	Log           Log
	Registry      *handler.Registry
	MaxOperations int
}

// PushInput is one pushCommit invocation.
type PushInput struct {
	Partition string
	ActorID   string
	ClientID  string
	Request   *syncx.PushRequest

	// OnApplied, when set, runs inside the append transaction after
	// the commit is written; an error rolls the whole commit back.
	// The relay uses this to enqueue forwarding atomically.
	OnApplied func(ctx context.Context, tx LogTx, commitSeq int64) error
}

// PushOutcome carries the wire response plus the fan-out hints the
// caller needs for realtime wake-ups.
type PushOutcome struct {
	Response       *syncx.PushResponse
	AffectedTables []string
	ScopeKeys      []string
}

// PushCommit applies one pushed commit. Operation-level failures are
// reported in the response; only request-level problems (validation,
// store unavailability) return an error.
func (p *Push) PushCommit(ctx context.Context, in PushInput) (*PushOutcome, error) {
	req := in.Request
	if req == nil {
		return nil, &InvalidRequestError{Msg: "missing push payload"}
	}
	if req.ClientCommitID == "" {
		return nil, &InvalidRequestError{Msg: "clientCommitId is required"}
	}
	maxOps := p.MaxOperations
	if maxOps <= 0 {
		maxOps = DefaultMaxOperations
	}
	if len(req.Operations) == 0 {
		return nil, &InvalidRequestError{Msg: "operations must not be empty"}
	}
	if len(req.Operations) > maxOps {
		return nil, &InvalidRequestError{Msg: fmt.Sprintf("too many operations: %d > %d", len(req.Operations), maxOps)}
	}
	for i, op := range req.Operations {
		if op.Table == "" || op.RowID == "" {
			return nil, &InvalidRequestError{Msg: fmt.Sprintf("operation %d missing table or row_id", i)}
		}
		if op.Op != syncx.OpUpsert && op.Op != syncx.OpDelete {
			return nil, &InvalidRequestError{Msg: fmt.Sprintf("operation %d has unknown op %q", i, op.Op)}
		}
	}

	// Fast replay path before opening a transaction.
	if cached, err := p.Log.LookupCached(ctx, in.Partition, in.ClientID, req.ClientCommitID); err != nil {
		return nil, err
	} else if cached != nil {
		return cachedOutcome(cached), nil
	}

	tx, err := p.Log.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Re-check under the transaction; a concurrent replay may have won.
	if cached, err := tx.LookupCached(ctx, in.Partition, in.ClientID, req.ClientCommitID); err != nil {
		return nil, err
	} else if cached != nil {
		return cachedOutcome(cached), nil
	}

	hc := handler.Context{
		DB:        tx.DB(),
		Partition: in.Partition,
		ActorID:   in.ActorID,
		ClientID:  in.ClientID,
	}

	results := make([]syncx.OpResult, 0, len(req.Operations))
	var emitted []syncx.Change
	allowedByTable := make(map[string]scope.Map)
	rejected := false

	for i, op := range req.Operations {
		res := p.applyOne(ctx, hc, allowedByTable, op, i)
		results = append(results, res.Result)
		switch res.Result.Status {
		case syncx.OpApplied:
			emitted = append(emitted, res.Changes...)
		case syncx.OpConflict:
			rejected = true
		case syncx.OpError:
			rejected = true
		}
	}

	if rejected {
		// Nothing is written; the atomic unit rolls back.
		return &PushOutcome{Response: &syncx.PushResponse{
			Status:  syncx.PushRejected,
			Results: results,
		}}, nil
	}

	resp := &syncx.PushResponse{
		OK:      true,
		Status:  syncx.PushApplied,
		Results: results,
	}

	tables := affectedTables(emitted)
	seq, err := tx.AppendCommit(ctx, AppendParams{
		Partition:      in.Partition,
		ActorID:        in.ActorID,
		ClientID:       in.ClientID,
		ClientCommitID: req.ClientCommitID,
		Changes:        emitted,
		Tables:         tables,
	})
	if errors.Is(err, ErrDuplicateCommit) {
		// A concurrent push with the same idempotency key committed
		// first; treat this as a replay.
		tx.Rollback(ctx)
		cached, lerr := p.Log.LookupCached(ctx, in.Partition, in.ClientID, req.ClientCommitID)
		if lerr != nil || cached == nil {
			return nil, fmt.Errorf("engine: replay lookup after duplicate: %w", lerr)
		}
		return cachedOutcome(cached), nil
	}
	if err != nil {
		return nil, err
	}
	resp.CommitSeq = seq

	if err := tx.StoreResult(ctx, in.Partition, seq, syncx.MarshalResult(resp)); err != nil {
		return nil, err
	}

	if in.OnApplied != nil {
		if err := in.OnApplied(ctx, tx, seq); err != nil {
			return nil, fmt.Errorf("engine: on-applied hook: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("engine: commit: %w", err)
	}

	log.Debug().
		Str("partition", in.Partition).
		Str("client_id", in.ClientID).
		Int64("commit_seq", seq).
		Int("changes", len(emitted)).
		Msg("commit applied")

	return &PushOutcome{
		Response:       resp,
		AffectedTables: tables,
		ScopeKeys:      scopeKeys(emitted),
	}, nil
}

// applyOne authorizes and applies a single operation, converting every
// handler failure into a per-op result. Panics inside a handler are
// caught at this boundary.
func (p *Push) applyOne(ctx context.Context, hc handler.Context, allowedByTable map[string]scope.Map, op syncx.Operation, opIndex int) (out handler.ApplyResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("table", op.Table).Msg("handler panicked")
			out = handler.ApplyResult{Result: syncx.OpErrorResult(opIndex, syncx.CodeInternal, false,
				fmt.Sprintf("handler panic: %v", r))}
		}
	}()

	h, ok := p.Registry.Get(op.Table)
	if !ok {
		return handler.ApplyResult{Result: syncx.OpErrorResult(opIndex, syncx.CodeUnknownTable, false,
			fmt.Sprintf("no handler for table %q", op.Table))}
	}

	allowed, ok := allowedByTable[op.Table]
	if !ok {
		var err error
		allowed, err = h.ResolveScopes(ctx, hc)
		if err != nil {
			return handler.ApplyResult{Result: syncx.OpErrorResult(opIndex, syncx.CodeInternal, true, err.Error())}
		}
		allowedByTable[op.Table] = allowed
	}

	// Authorization: the row's scopes intersected with the actor's
	// allowed scopes must be non-empty. Deletes without a payload are
	// authorized inside the handler against the stored row.
	if op.Payload != nil {
		rowScopes, err := h.ExtractScopes(op.Payload)
		if err != nil {
			return handler.ApplyResult{Result: syncx.OpErrorResult(opIndex, syncx.CodeInvalidOperation, false, err.Error())}
		}
		if _, ok := scope.Intersect(rowScopes, allowed); !ok {
			return handler.ApplyResult{Result: syncx.OpErrorResult(opIndex, syncx.CodeUnauthorizedScope, false,
				"operation outside allowed scopes")}
		}
	} else if op.Op == syncx.OpUpsert {
		return handler.ApplyResult{Result: syncx.OpErrorResult(opIndex, syncx.CodePayloadMissing, false,
			"upsert requires a payload")}
	}

	opHC := hc
	opHC.Scopes = allowed
	res, err := h.ApplyOperation(ctx, opHC, op, opIndex)
	if err != nil {
		// Store-level failures are transient; the client retries.
		return handler.ApplyResult{Result: syncx.OpErrorResult(opIndex, syncx.CodeInternal, true, err.Error())}
	}
	res.Result.OpIndex = opIndex
	return res
}

func cachedOutcome(cached *CachedResult) *PushOutcome {
	resp := &syncx.PushResponse{OK: true, Status: syncx.PushCached, CommitSeq: cached.CommitSeq}
	if len(cached.Result) > 0 {
		var stored syncx.PushResponse
		if err := json.Unmarshal(cached.Result, &stored); err == nil {
			stored.OK = true
			stored.Status = syncx.PushCached
			if stored.CommitSeq == 0 {
				stored.CommitSeq = cached.CommitSeq
			}
			resp = &stored
		}
	}
	return &PushOutcome{Response: resp}
}

func affectedTables(changes []syncx.Change) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, ch := range changes {
		if _, dup := seen[ch.Table]; dup {
			continue
		}
		seen[ch.Table] = struct{}{}
		out = append(out, ch.Table)
	}
	sort.Strings(out)
	return out
}

func scopeKeys(changes []syncx.Change) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, ch := range changes {
		for _, k := range scope.PairKeys(ch.Scopes) {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
