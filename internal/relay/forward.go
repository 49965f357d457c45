package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rowmark/rowmark/internal/client"
	"github.com/rowmark/rowmark/internal/engine"
	"github.com/rowmark/rowmark/internal/syncx"
)

// Hook returns an OnApplied callback that enqueues the commit for
// upstream forwarding inside the append transaction. If the enqueue
// fails the local commit rolls back with it, so a locally accepted
// commit is always queued.
func Hook(store *Store, partition, clientID string, req *syncx.PushRequest) func(ctx context.Context, tx engine.LogTx, commitSeq int64) error {
	return func(ctx context.Context, tx engine.LogTx, commitSeq int64) error {
		return store.EnqueueForward(ctx, tx.DB(), ForwardEntry{
			Partition:      partition,
			LocalCommitSeq: commitSeq,
			ClientID:       clientID,
			ClientCommitID: req.ClientCommitID,
			Operations:     req.Operations,
			SchemaVersion:  req.SchemaVersion,
		})
	}
}

// ForwardQueue is the outbox surface the forwarder needs. *Store
// implements it; tests substitute an in-memory queue.
type ForwardQueue interface {
	ClaimNextForward(ctx context.Context, staleTimeout time.Duration) (*ForwardEntry, error)
	MarkForwarded(ctx context.Context, e *ForwardEntry, upstreamSeq int64, resp *syncx.PushResponse) error
	MarkForwardConflict(ctx context.Context, e *ForwardEntry, resp *syncx.PushResponse) error
	RequeueForward(ctx context.Context, id, reason string) error
}

// Forwarder drains the forward outbox to the main server in local
// commit order.
type Forwarder struct {
	Store     ForwardQueue
	Transport client.Transport
	Mode      *ModeManager

	// StaleTimeout reclaims entries stuck in forwarding.
	StaleTimeout time.Duration
	// RetryInterval is the idle poll cadence.
	RetryInterval time.Duration

	wake chan struct{}
}

// NewForwarder assembles a forwarder.
func NewForwarder(store ForwardQueue, transport client.Transport, mode *ModeManager, staleTimeout, retryInterval time.Duration) *Forwarder {
	return &Forwarder{
		Store:         store,
		Transport:     transport,
		Mode:          mode,
		StaleTimeout:  staleTimeout,
		RetryInterval: retryInterval,
		wake:          make(chan struct{}, 1),
	}
}

// Wake nudges the forwarder, typically from the push hook path or a
// mode transition.
func (f *Forwarder) Wake() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// ForwardOnce forwards a single outbox entry. The first return reports
// whether an entry was processed at all.
func (f *Forwarder) ForwardOnce(ctx context.Context) (bool, error) {
	e, err := f.Store.ClaimNextForward(ctx, f.StaleTimeout)
	if err != nil || e == nil {
		return false, err
	}

	resp, err := f.Transport.Sync(ctx, &syncx.SyncRequest{
		ClientID:  e.ClientID,
		Partition: e.Partition,
		Push: &syncx.PushRequest{
			ClientCommitID: e.ClientCommitID,
			SchemaVersion:  e.SchemaVersion,
			Operations:     e.Operations,
		},
	})
	if err != nil {
		if rqErr := f.Store.RequeueForward(ctx, e.ID, err.Error()); rqErr != nil {
			log.Error().Err(rqErr).Str("entry", e.ID).Msg("failed to requeue forward entry")
		}
		if f.Mode != nil {
			f.Mode.NoteFailure(err)
		}
		return true, err
	}
	if f.Mode != nil {
		f.Mode.NoteSuccess()
	}

	push := resp.Push
	if push == nil {
		err := f.Store.RequeueForward(ctx, e.ID, "no push response from upstream")
		return true, err
	}

	switch push.Status {
	case syncx.PushApplied, syncx.PushCached:
		// Cached means an earlier attempt (or the device itself, synced
		// elsewhere) already delivered this commit id.
		if err := f.Store.MarkForwarded(ctx, e, push.CommitSeq, push); err != nil {
			return true, err
		}
		log.Debug().
			Int64("local_seq", e.LocalCommitSeq).
			Int64("upstream_seq", push.CommitSeq).
			Str("status", string(push.Status)).
			Msg("commit forwarded")
		return true, nil
	case syncx.PushRejected:
		if err := f.Store.MarkForwardConflict(ctx, e, push); err != nil {
			return true, err
		}
		log.Warn().
			Int64("local_seq", e.LocalCommitSeq).
			Str("client_commit_id", e.ClientCommitID).
			Msg("commit rejected upstream, parked for operator")
		return true, nil
	default:
		return true, f.Store.RequeueForward(ctx, e.ID, "unexpected upstream status "+string(push.Status))
	}
}

// Run drains the outbox whenever online, then idles on the retry
// interval or a wake-up.
func (f *Forwarder) Run(ctx context.Context) {
	for {
		if f.Mode == nil || f.Mode.Online() {
			for {
				did, err := f.ForwardOnce(ctx)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					log.Warn().Err(err).Msg("forward attempt failed")
					break
				}
				if !did {
					break
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.RetryInterval):
		case <-f.wake:
		}
	}
}
