package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rowmark/rowmark/internal/syncx"
)

// Bounds on how much work one SyncOnce may do.
const (
	DefaultMaxPushCommits = 20
	DefaultMaxPullRounds  = 10
	DefaultStaleTimeout   = 30 * time.Second
	DefaultPullInterval   = 10 * time.Second
)

// Options tunes the client loop.
type Options struct {
	StaleTimeout   time.Duration
	PullInterval   time.Duration
	MaxPushCommits int
	MaxPullRounds  int
}

func (o Options) withDefaults() Options {
	if o.StaleTimeout <= 0 {
		o.StaleTimeout = DefaultStaleTimeout
	}
	if o.PullInterval <= 0 {
		o.PullInterval = DefaultPullInterval
	}
	if o.MaxPushCommits <= 0 {
		o.MaxPushCommits = DefaultMaxPushCommits
	}
	if o.MaxPullRounds <= 0 {
		o.MaxPullRounds = DefaultMaxPullRounds
	}
	return o
}

// Client drains the outbox to a sync server and applies pulled data to
// the local replica.
type Client struct {
	ClientID  string
	Partition string
	Store     *Store
	Transport Transport

	opts     Options
	handlers map[string]TableHandler
	wake     chan struct{}
}

// New assembles a client. Tables without a registered handler replicate
// through the generic sync_rows handler.
func New(clientID, partition string, store *Store, transport Transport, opts Options) *Client {
	if partition == "" {
		partition = syncx.DefaultPartition
	}
	return &Client{
		ClientID:  clientID,
		Partition: partition,
		Store:     store,
		Transport: transport,
		opts:      opts.withDefaults(),
		handlers:  make(map[string]TableHandler),
		wake:      make(chan struct{}, 1),
	}
}

// RegisterHandler routes one table's replicated data to a custom
// handler.
func (c *Client) RegisterHandler(h TableHandler) {
	c.handlers[h.Table()] = h
}

func (c *Client) handlerFor(table string) TableHandler {
	if h, ok := c.handlers[table]; ok {
		return h
	}
	h := NewGenericHandler(table, "")
	c.handlers[table] = h
	return h
}

// Summary reports what one SyncOnce accomplished.
type Summary struct {
	PushedCommits   int
	RejectedCommits int
	PulledCommits   int
	SnapshotPages   int
	Bootstrapping   bool
}

// SyncOnce runs combined push+pull rounds until the outbox is drained
// and no subscription is mid-bootstrap, bounded by MaxPushCommits and
// MaxPullRounds.
func (c *Client) SyncOnce(ctx context.Context) (Summary, error) {
	var sum Summary

	for round := 0; round < c.opts.MaxPullRounds; round++ {
		if sum.PushedCommits+sum.RejectedCommits >= c.opts.MaxPushCommits {
			break
		}

		outbox, err := c.Store.NextSendable(c.opts.StaleTimeout)
		if err != nil {
			return sum, err
		}
		subs, err := c.Store.Subscriptions()
		if err != nil {
			return sum, err
		}

		req := &syncx.SyncRequest{ClientID: c.ClientID, Partition: c.Partition}
		if outbox != nil {
			req.Push = &syncx.PushRequest{
				ClientCommitID: outbox.ClientCommitID,
				SchemaVersion:  outbox.SchemaVersion,
				Operations:     outbox.Operations,
			}
		}
		var active []Subscription
		for _, sub := range subs {
			if sub.Status == syncx.SubActive {
				active = append(active, sub)
			}
		}
		if len(active) > 0 {
			pull := &syncx.PullRequest{DedupeRows: true}
			for _, sub := range active {
				pull.Subscriptions = append(pull.Subscriptions, syncx.SubscriptionRequest{
					ID:             sub.ID,
					Table:          sub.Table,
					Scopes:         sub.Scopes,
					Params:         sub.Params,
					Cursor:         sub.Cursor,
					BootstrapState: sub.BootstrapState,
				})
			}
			req.Pull = pull
		}
		if req.Push == nil && req.Pull == nil {
			return sum, nil
		}

		resp, err := c.Transport.Sync(ctx, req)
		if err != nil {
			if outbox != nil {
				var se *StatusError
				if errors.As(err, &se) && se.Permanent() {
					// The server will never accept this envelope; park it.
					c.Store.MarkFailed(outbox.ID, err.Error(), nil)
				} else {
					c.Store.MarkPending(outbox.ID, err.Error())
				}
			}
			return sum, err
		}

		if outbox != nil {
			rejected, err := c.classifyPush(outbox, resp.Push)
			if err != nil {
				return sum, err
			}
			if rejected {
				sum.RejectedCommits++
			} else {
				sum.PushedCommits++
			}
		}

		bootstrapping := false
		if resp.Pull != nil {
			byID := make(map[string]Subscription, len(active))
			for _, sub := range active {
				byID[sub.ID] = sub
			}
			for _, subResp := range resp.Pull.Subscriptions {
				local, ok := byID[subResp.ID]
				if !ok {
					log.Warn().Str("subscription", subResp.ID).Msg("pull response for unknown subscription")
					continue
				}
				pulled, pages, err := c.applySubscription(ctx, local, subResp)
				if err != nil {
					return sum, err
				}
				sum.PulledCommits += pulled
				sum.SnapshotPages += pages
				if subResp.BootstrapState != nil {
					bootstrapping = true
				}
			}
		}
		sum.Bootstrapping = bootstrapping

		morePush := false
		if outbox != nil {
			n, err := c.Store.PendingCount()
			if err != nil {
				return sum, err
			}
			morePush = n > 0
		}
		if !morePush && !bootstrapping {
			break
		}
	}
	return sum, nil
}

// classifyPush finalizes the outbox commit from the push response. The
// returned bool reports rejection. A rejection whose every non-applied
// result is a retriable error goes back to pending for the next round;
// anything else is parked with its conflicts recorded.
func (c *Client) classifyPush(outbox *OutboxCommit, push *syncx.PushResponse) (bool, error) {
	if push == nil {
		return false, c.Store.MarkPending(outbox.ID, "server returned no push response")
	}
	switch push.Status {
	case syncx.PushApplied, syncx.PushCached:
		return false, c.Store.MarkAcked(outbox.ID, push.CommitSeq, syncx.MarshalResult(push))
	case syncx.PushRejected:
		if retriableOnly(push.Results) {
			log.Warn().
				Str("client_commit_id", outbox.ClientCommitID).
				Msg("commit rejected with retriable errors, requeueing")
			return true, c.Store.MarkPending(outbox.ID, rejectReason(push.Results))
		}
		for _, res := range push.Results {
			if res.Status == syncx.OpApplied {
				continue
			}
			var table, rowID string
			if res.OpIndex >= 0 && res.OpIndex < len(outbox.Operations) {
				table = outbox.Operations[res.OpIndex].Table
				rowID = outbox.Operations[res.OpIndex].RowID
			}
			code := res.Code
			if res.Status == syncx.OpConflict {
				code = syncx.CodeVersionConflict
			}
			if err := c.Store.RecordConflict(Conflict{
				ClientCommitID: outbox.ClientCommitID,
				OpIndex:        res.OpIndex,
				Table:          table,
				RowID:          rowID,
				Code:           code,
				ServerVersion:  res.ServerVersion,
				ServerRow:      res.ServerRow,
				Message:        res.Message,
			}); err != nil {
				return true, err
			}
		}
		log.Warn().
			Str("client_commit_id", outbox.ClientCommitID).
			Int("operations", len(outbox.Operations)).
			Msg("commit rejected by server")
		return true, c.Store.MarkFailed(outbox.ID, "rejected", syncx.MarshalResult(push))
	default:
		return false, c.Store.MarkPending(outbox.ID, fmt.Sprintf("unexpected push status %q", push.Status))
	}
}

// retriableOnly reports whether a rejection carried only transient
// per-op errors, i.e. the server wants the commit again.
func retriableOnly(results []syncx.OpResult) bool {
	sawRetriable := false
	for _, res := range results {
		if res.Status == syncx.OpApplied {
			continue
		}
		if res.Status != syncx.OpError || !res.Retriable {
			return false
		}
		sawRetriable = true
	}
	return sawRetriable
}

func rejectReason(results []syncx.OpResult) string {
	for _, res := range results {
		if res.Status == syncx.OpError && res.Message != "" {
			return res.Message
		}
	}
	return "retriable rejection"
}

// applySubscription applies one subscription's slice of the pull
// response in a single local transaction.
func (c *Client) applySubscription(ctx context.Context, local Subscription, resp syncx.SubscriptionResponse) (pulledCommits, snapshotPages int, err error) {
	if resp.Status == syncx.SubRevoked {
		local.Status = syncx.SubRevoked
		local.BootstrapState = nil
		log.Warn().Str("subscription", local.ID).Str("table", local.Table).Msg("subscription revoked")
		return 0, 0, c.Store.SaveSubscription(local)
	}

	// Fetch chunk bodies before opening the write transaction.
	type pageRows struct {
		page syncx.SnapshotPage
		rows []map[string]any
	}
	var pages []pageRows
	for _, page := range resp.Snapshots {
		rows := page.Rows
		for _, ref := range page.Chunks {
			fetched, err := c.Transport.FetchChunk(ctx, ref)
			if err != nil {
				return 0, 0, fmt.Errorf("client: subscription %s: %w", local.ID, err)
			}
			rows = append(rows, fetched...)
		}
		pages = append(pages, pageRows{page: page, rows: rows})
	}

	tx, err := c.Store.DB.Begin()
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	for _, p := range pages {
		h := c.handlerFor(p.page.Table)
		if p.page.IsFirstPage {
			if err := h.Reset(tx); err != nil {
				return 0, 0, fmt.Errorf("client: reset %s: %w", p.page.Table, err)
			}
		}
		if err := h.ApplySnapshotRows(tx, p.rows); err != nil {
			return 0, 0, err
		}
		snapshotPages++
	}

	for _, commit := range resp.Commits {
		for _, ch := range commit.Changes {
			if err := c.handlerFor(ch.Table).ApplyChange(tx, ch); err != nil {
				return 0, 0, fmt.Errorf("client: apply change %s/%s: %w", ch.Table, ch.RowID, err)
			}
		}
		pulledCommits++
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}

	// Requested scopes stay as the application set them; the effective
	// scopes in resp.Scopes are recomputed by the server on every pull.
	local.Cursor = resp.NextCursor
	local.BootstrapState = resp.BootstrapState
	local.Status = syncx.SubActive
	return pulledCommits, snapshotPages, c.Store.SaveSubscription(local)
}

// Wake nudges the run loop to sync now, typically from a realtime
// notification. Non-blocking.
func (c *Client) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run syncs on the pull interval and on Wake until ctx is done.
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PullInterval)
	defer ticker.Stop()
	for {
		if _, err := c.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("client_id", c.ClientID).Msg("sync round failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.wake:
		}
	}
}
