package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rowmark/rowmark/internal/client"
	"github.com/rowmark/rowmark/internal/engine"
	"github.com/rowmark/rowmark/internal/handler"
	"github.com/rowmark/rowmark/internal/scope"
	"github.com/rowmark/rowmark/internal/syncx"
)

// RejectPolicy decides what happens when an imported commit is rejected
// by the local engine.
type RejectPolicy string

const (
	// RejectHalt stops importing without advancing the cursor, so the
	// commit is retried and the operator sees the stall. The default.
	RejectHalt RejectPolicy = "halt"
	// RejectSkip logs the commit and moves on.
	RejectSkip RejectPolicy = "skip"
)

// ImportState is the bookkeeping surface the importer needs. *Store
// implements it; tests substitute an in-memory state.
type ImportState interface {
	Cursors(ctx context.Context) (map[string]int64, error)
	SaveCursors(ctx context.Context, cursors map[string]int64) error
	IsForwardedUpstreamSeq(ctx context.Context, partition string, upstreamSeq int64) (bool, error)
	ConfirmImported(ctx context.Context, db handler.DB, partition string, localSeq, upstreamSeq int64) error
}

// Importer pulls upstream commits and replays them into the local
// commit log as the synthetic client "relay:<id>", preserving the
// original actor. The client commit id "main:<seq>:<table>" makes
// re-imports idempotent.
type Importer struct {
	RelayID   string
	Partition string
	Engine    *engine.Push
	Registry  *handler.Registry
	Store     ImportState
	Transport client.Transport
	Mode      *ModeManager

	// OnPullReject defaults to RejectHalt.
	OnPullReject RejectPolicy
	// PullInterval is the idle poll cadence.
	PullInterval time.Duration
	// LimitCommits bounds commits pulled per table per round.
	LimitCommits int

	wake chan struct{}
}

// NewImporter assembles an importer with the halt policy.
func NewImporter(relayID, partition string, eng *engine.Push, reg *handler.Registry, store ImportState, transport client.Transport, mode *ModeManager, pullInterval time.Duration) *Importer {
	return &Importer{
		RelayID:      relayID,
		Partition:    partition,
		Engine:       eng,
		Registry:     reg,
		Store:        store,
		Transport:    transport,
		Mode:         mode,
		OnPullReject: RejectHalt,
		PullInterval: pullInterval,
		wake:         make(chan struct{}, 1),
	}
}

func (imp *Importer) clientID() string { return "relay:" + imp.RelayID }

// wildcardScopes requests every value of every scope key the table
// declares; the upstream server narrows this to what the relay's actor
// may see.
func (imp *Importer) wildcardScopes(table string) scope.Map {
	h, ok := imp.Registry.Get(table)
	if !ok {
		return scope.Map{}
	}
	m := scope.Map{}
	for _, pattern := range h.ScopePatterns() {
		if key, ok := scope.PatternKey(pattern); ok {
			m[key] = scope.Any()
		}
	}
	return m
}

// ImportSummary reports one import round.
type ImportSummary struct {
	Imported int
	Skipped  int
	Halted   bool
}

// ImportOnce pulls once for every registered table and replays the
// commits locally. Cursors only advance past commits that are durably
// imported (or deliberately skipped).
func (imp *Importer) ImportOnce(ctx context.Context) (ImportSummary, error) {
	var sum ImportSummary

	cursors, err := imp.Store.Cursors(ctx)
	if err != nil {
		return sum, err
	}

	tables := imp.Registry.Tables()
	pull := &syncx.PullRequest{LimitCommits: imp.LimitCommits}
	for _, table := range tables {
		pull.Subscriptions = append(pull.Subscriptions, syncx.SubscriptionRequest{
			ID:     "import:" + table,
			Table:  table,
			Scopes: imp.wildcardScopes(table),
			Cursor: cursors[CursorKey(imp.Partition, table)],
		})
	}
	if len(pull.Subscriptions) == 0 {
		return sum, nil
	}

	resp, err := imp.Transport.Sync(ctx, &syncx.SyncRequest{
		ClientID:  imp.clientID(),
		Partition: imp.Partition,
		Pull:      pull,
	})
	if err != nil {
		if imp.Mode != nil {
			imp.Mode.NoteFailure(err)
		}
		return sum, err
	}
	if imp.Mode != nil {
		imp.Mode.NoteSuccess()
	}
	if resp.Pull == nil {
		return sum, fmt.Errorf("relay: upstream returned no pull response")
	}

	dirty := false
	for _, subResp := range resp.Pull.Subscriptions {
		table, ok := strings.CutPrefix(subResp.ID, "import:")
		if !ok {
			log.Warn().Str("subscription", subResp.ID).Msg("pull response for unknown subscription")
			continue
		}
		if subResp.Status == syncx.SubRevoked {
			log.Warn().Str("table", table).Msg("upstream revoked relay subscription")
			continue
		}

		key := CursorKey(imp.Partition, table)
		cursor := cursors[key]
		halted := false
		for _, commit := range subResp.Commits {
			imported, err := imp.importCommit(ctx, table, commit)
			if err != nil {
				return sum, err
			}
			switch imported {
			case importApplied:
				sum.Imported++
			case importSkipped:
				sum.Skipped++
			case importHalted:
				sum.Halted = true
				halted = true
			}
			if halted {
				break
			}
			cursor = commit.CommitSeq
		}
		if !halted && subResp.NextCursor > cursor {
			// Commits the scope filter dropped still advance the cursor.
			cursor = subResp.NextCursor
		}
		if cursor != cursors[key] {
			cursors[key] = cursor
			dirty = true
		}
	}

	if dirty {
		if err := imp.Store.SaveCursors(ctx, cursors); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

type importResult int

const (
	importApplied importResult = iota
	importSkipped
	importHalted
)

func (imp *Importer) importCommit(ctx context.Context, table string, commit syncx.Commit) (importResult, error) {
	// Echo suppression: commits this relay forwarded come back in the
	// upstream stream and must not be applied twice.
	echo, err := imp.Store.IsForwardedUpstreamSeq(ctx, imp.Partition, commit.CommitSeq)
	if err != nil {
		return importHalted, err
	}
	if echo {
		return importSkipped, nil
	}

	ops := make([]syncx.Operation, 0, len(commit.Changes))
	for _, ch := range commit.Changes {
		op := syncx.Operation{Table: ch.Table, RowID: ch.RowID, Op: ch.Op}
		if ch.Op == syncx.OpUpsert {
			op.Payload = ch.Row
		}
		// No base_version: imports are authoritative and never conflict
		// on the local optimistic check.
		ops = append(ops, op)
	}
	if len(ops) == 0 {
		return importSkipped, nil
	}

	outcome, err := imp.Engine.PushCommit(ctx, engine.PushInput{
		Partition: imp.Partition,
		ActorID:   commit.ActorID,
		ClientID:  imp.clientID(),
		Request: &syncx.PushRequest{
			ClientCommitID: fmt.Sprintf("main:%d:%s", commit.CommitSeq, table),
			Operations:     ops,
		},
		OnApplied: func(ctx context.Context, tx engine.LogTx, localSeq int64) error {
			return imp.Store.ConfirmImported(ctx, tx.DB(), imp.Partition, localSeq, commit.CommitSeq)
		},
	})
	if err != nil {
		return importHalted, err
	}

	switch outcome.Response.Status {
	case syncx.PushApplied:
		return importApplied, nil
	case syncx.PushCached:
		// Already imported in an earlier round.
		return importSkipped, nil
	case syncx.PushRejected:
		if imp.OnPullReject == RejectSkip {
			log.Warn().
				Int64("upstream_seq", commit.CommitSeq).
				Str("table", table).
				Msg("imported commit rejected locally, skipping per policy")
			return importSkipped, nil
		}
		log.Error().
			Int64("upstream_seq", commit.CommitSeq).
			Str("table", table).
			Msg("imported commit rejected locally, halting import")
		return importHalted, nil
	default:
		return importHalted, fmt.Errorf("relay: unexpected local push status %q", outcome.Response.Status)
	}
}

// Wake nudges the import loop.
func (imp *Importer) Wake() {
	select {
	case imp.wake <- struct{}{}:
	default:
	}
}

// Run imports on the pull interval while online.
func (imp *Importer) Run(ctx context.Context) {
	for {
		if imp.Mode == nil || imp.Mode.Online() {
			if sum, err := imp.ImportOnce(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("import round failed")
			} else if sum.Imported > 0 {
				log.Debug().Int("imported", sum.Imported).Int("skipped", sum.Skipped).Msg("import round")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(imp.PullInterval):
		case <-imp.wake:
		}
	}
}
