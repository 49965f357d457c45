package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/rowmark/rowmark/internal/chunk"
	"github.com/rowmark/rowmark/internal/handler"
	"github.com/rowmark/rowmark/internal/scope"
	"github.com/rowmark/rowmark/internal/syncx"
)

// Pull limits and defaults; out-of-range request values clamp here.
const (
	DefaultMaxSubscriptions  = 200
	DefaultMaxLimitCommits   = 100
	DefaultLimitCommits      = 50
	DefaultLimitSnapshotRows = 1000
	MaxLimitSnapshotRows     = 5000
	DefaultMaxSnapshotPages  = 4
	MaxMaxSnapshotPages      = 10
)

// Puller resolves subscriptions, serves bootstrap snapshots through the
// chunk store, and streams incremental commits.
type Puller struct {
	Log              Log
	Chunks           Chunks
	Registry         *handler.Registry
	MaxSubscriptions int
	MaxLimitCommits  int
}

// PullInput is one pull invocation.
type PullInput struct {
	Partition string
	ActorID   string
	ClientID  string
	Request   *syncx.PullRequest
}

// PullOutcome carries the wire response plus the cursor bookkeeping the
// caller persists.
type PullOutcome struct {
	Response        *syncx.PullResponse
	EffectiveScopes scope.Map
	ClientCursor    int64
	HasCursor       bool
}

// Pull serves one pull request. Subscription-level scope errors reject
// the whole request; no partial pull response is returned.
func (p *Puller) Pull(ctx context.Context, in PullInput) (*PullOutcome, error) {
	req := in.Request
	if req == nil {
		return nil, &InvalidRequestError{Msg: "missing pull payload"}
	}

	maxSubs := p.MaxSubscriptions
	if maxSubs <= 0 {
		maxSubs = DefaultMaxSubscriptions
	}
	if len(req.Subscriptions) > maxSubs {
		return nil, &InvalidRequestError{Msg: fmt.Sprintf("too many subscriptions: %d > %d", len(req.Subscriptions), maxSubs)}
	}

	maxCommits := p.MaxLimitCommits
	if maxCommits <= 0 {
		maxCommits = DefaultMaxLimitCommits
	}
	limitCommits := syncx.ClampInt(req.LimitCommits, DefaultLimitCommits, 1, maxCommits)
	limitRows := syncx.ClampInt(req.LimitSnapshotRows, DefaultLimitSnapshotRows, 1, MaxLimitSnapshotRows)
	maxPages := syncx.ClampInt(req.MaxSnapshotPages, DefaultMaxSnapshotPages, 1, MaxMaxSnapshotPages)

	resp := &syncx.PullResponse{OK: true}
	var activeScopes []scope.Map
	var cursorFloor int64
	haveCursor := false

	for _, sub := range req.Subscriptions {
		subResp, cursor, err := p.pullOne(ctx, in, sub, limitCommits, limitRows, maxPages, req.DedupeRows)
		if err != nil {
			return nil, err
		}
		resp.Subscriptions = append(resp.Subscriptions, *subResp)
		if subResp.Status == syncx.SubActive {
			activeScopes = append(activeScopes, subResp.Scopes)
			if !haveCursor || cursor < cursorFloor {
				cursorFloor = cursor
				haveCursor = true
			}
		}
	}

	effective := scope.Union(activeScopes...)
	if haveCursor {
		if err := p.Log.RecordClientCursor(ctx, in.Partition, in.ClientID, in.ActorID, cursorFloor, effective); err != nil {
			// Cursor bookkeeping is advisory; the response is already
			// correct.
			log.Warn().Err(err).Str("client_id", in.ClientID).Msg("failed to record client cursor")
		}
	}

	return &PullOutcome{
		Response:        resp,
		EffectiveScopes: effective,
		ClientCursor:    cursorFloor,
		HasCursor:       haveCursor,
	}, nil
}

func (p *Puller) pullOne(ctx context.Context, in PullInput, sub syncx.SubscriptionRequest, limitCommits, limitRows, maxPages int, dedupe bool) (*syncx.SubscriptionResponse, int64, error) {
	h, ok := p.Registry.Get(sub.Table)
	if !ok {
		return nil, 0, &InvalidRequestError{Msg: fmt.Sprintf("unknown table %q", sub.Table)}
	}

	for key := range sub.Scopes {
		if !p.Registry.KnownScopeKey(sub.Table, key) {
			return nil, 0, &InvalidScopeError{Table: sub.Table, Key: key}
		}
	}

	hc := handler.Context{
		DB:        p.Log.DB(),
		Partition: in.Partition,
		ActorID:   in.ActorID,
		ClientID:  in.ClientID,
		Params:    sub.Params,
	}

	allowed, err := h.ResolveScopes(ctx, hc)
	if err != nil {
		return nil, 0, fmt.Errorf("engine: resolve scopes for %q: %w", sub.Table, err)
	}
	for key := range allowed {
		if !p.Registry.KnownScopeKey(sub.Table, key) {
			return nil, 0, &InvalidScopeError{Table: sub.Table, Key: key}
		}
	}

	requested, ok := scope.Intersect(sub.Scopes, allowed)
	if !ok {
		return &syncx.SubscriptionResponse{
			ID:         sub.ID,
			Status:     syncx.SubRevoked,
			Scopes:     scope.Map{},
			NextCursor: sub.Cursor,
			Commits:    []syncx.Commit{},
		}, 0, nil
	}
	hc.Scopes = requested

	maxSeq, err := p.Log.MaxCommitSeq(ctx, in.Partition)
	if err != nil {
		return nil, 0, err
	}

	if sub.BootstrapState != nil || sub.Cursor < 0 || sub.Cursor > maxSeq {
		return p.bootstrap(ctx, in, sub, hc, requested, maxSeq, limitRows, maxPages)
	}
	return p.incremental(ctx, in, sub, requested, limitCommits, dedupe)
}

// bootstrap serves paginated snapshots as of a commit-seq frozen on the
// first page, walking the table's dependency closure in order.
func (p *Puller) bootstrap(ctx context.Context, in PullInput, sub syncx.SubscriptionRequest, hc handler.Context, requested scope.Map, maxSeq int64, limitRows, maxPages int) (*syncx.SubscriptionResponse, int64, error) {
	state := sub.BootstrapState
	if state == nil {
		tables, err := p.Registry.BootstrapOrder(sub.Table)
		if err != nil {
			return nil, 0, &InvalidRequestError{Msg: err.Error()}
		}
		state = &syncx.BootstrapState{AsOfCommitSeq: maxSeq, Tables: tables}
	}
	if state.TableIndex < 0 || len(state.Tables) == 0 {
		return nil, 0, &InvalidRequestError{Msg: "malformed bootstrap state"}
	}

	var snapshots []syncx.SnapshotPage
	for pages := 0; state.TableIndex < len(state.Tables) && pages < maxPages; pages++ {
		table := state.Tables[state.TableIndex]
		th, ok := p.Registry.Get(table)
		if !ok {
			return nil, 0, &InvalidRequestError{Msg: fmt.Sprintf("bootstrap dependency %q not registered", table)}
		}

		page, err := th.Snapshot(ctx, hc, handler.PageRequest{
			Limit:         limitRows,
			RowCursor:     state.RowCursor,
			AsOfCommitSeq: state.AsOfCommitSeq,
		})
		if err != nil {
			return nil, 0, fmt.Errorf("engine: snapshot %q: %w", table, err)
		}

		ref, err := p.Chunks.FindOrStore(ctx, in.Partition, chunk.Key{
			Table:         table,
			ScopeKey:      scope.Key(requested),
			AsOfCommitSeq: state.AsOfCommitSeq,
			RowCursor:     state.RowCursor,
			RowLimit:      limitRows,
			Encoding:      chunk.EncodingJSONRowFrameV1,
			Compression:   chunk.CompressionGzip,
		}, page.Rows)
		if err != nil {
			return nil, 0, err
		}

		snapshots = append(snapshots, syncx.SnapshotPage{
			Table:       table,
			IsFirstPage: state.RowCursor == "",
			IsLastPage:  page.NextCursor == "",
			Chunks:      []syncx.ChunkRef{ref},
		})

		if page.NextCursor == "" {
			state.TableIndex++
			state.RowCursor = ""
		} else {
			state.RowCursor = page.NextCursor
		}
	}

	done := state.TableIndex >= len(state.Tables)
	resp := &syncx.SubscriptionResponse{
		ID:        sub.ID,
		Status:    syncx.SubActive,
		Scopes:    requested,
		Bootstrap: true,
		Commits:   []syncx.Commit{},
		Snapshots: snapshots,
	}
	if done {
		resp.BootstrapState = nil
		resp.NextCursor = state.AsOfCommitSeq
	} else {
		resp.BootstrapState = state
		resp.NextCursor = sub.Cursor
	}
	return resp, state.AsOfCommitSeq, nil
}

// incremental scans the per-table commit index strictly after the
// cursor. The cursor advances to the last scanned commit even when no
// change matched the requested scopes.
func (p *Puller) incremental(ctx context.Context, in PullInput, sub syncx.SubscriptionRequest, requested scope.Map, limitCommits int, dedupe bool) (*syncx.SubscriptionResponse, int64, error) {
	seqs, err := p.Log.ScanTableCommitsAfter(ctx, in.Partition, sub.Table, sub.Cursor, limitCommits)
	if err != nil {
		return nil, 0, err
	}

	next := sub.Cursor
	if len(seqs) > 0 {
		next = seqs[len(seqs)-1]
	}

	commits := []syncx.Commit{}
	if len(seqs) > 0 {
		raw, err := p.Log.ReadCommitsWithChanges(ctx, in.Partition, sub.Table, seqs)
		if err != nil {
			return nil, 0, err
		}
		for _, c := range raw {
			var kept []syncx.Change
			for _, ch := range c.Changes {
				if scope.Matches(ch.Scopes, requested) {
					kept = append(kept, ch)
				}
			}
			if len(kept) == 0 {
				continue
			}
			c.Changes = kept
			commits = append(commits, c)
		}
		if dedupe {
			commits = dedupeRows(commits)
		}
	}

	return &syncx.SubscriptionResponse{
		ID:         sub.ID,
		Status:     syncx.SubActive,
		Scopes:     requested,
		NextCursor: next,
		Commits:    commits,
	}, next, nil
}

// dedupeRows keeps only the last change per (table, row), attached to
// the latest commit that touched the row. Commits left without changes
// are dropped.
func dedupeRows(commits []syncx.Commit) []syncx.Commit {
	type rowKey struct {
		table string
		rowID string
	}
	last := make(map[rowKey]struct {
		commitSeq int64
		changeID  int64
	})
	for _, c := range commits {
		for _, ch := range c.Changes {
			k := rowKey{ch.Table, ch.RowID}
			prev, seen := last[k]
			if !seen || c.CommitSeq > prev.commitSeq ||
				(c.CommitSeq == prev.commitSeq && ch.ChangeID > prev.changeID) {
				last[k] = struct {
					commitSeq int64
					changeID  int64
				}{c.CommitSeq, ch.ChangeID}
			}
		}
	}

	out := commits[:0]
	for _, c := range commits {
		var kept []syncx.Change
		for _, ch := range c.Changes {
			winner := last[rowKey{ch.Table, ch.RowID}]
			if winner.commitSeq == c.CommitSeq && winner.changeID == ch.ChangeID {
				kept = append(kept, ch)
			}
		}
		if len(kept) > 0 {
			c.Changes = kept
			out = append(out, c)
		}
	}
	return out
}
