package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/rowmark/rowmark/internal/auth"
	"github.com/rowmark/rowmark/internal/engine"
	"github.com/rowmark/rowmark/internal/scope"
	"github.com/rowmark/rowmark/internal/syncx"
)

// maxSyncBody bounds the combined envelope; oversized pushes are a
// client bug, not a capacity problem.
const maxSyncBody = 10 << 20

// HandleSync serves the combined push+pull envelope. Push runs first so
// a client can observe its own commit in the same response's pull.
func (s *Server) HandleSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actorID := auth.ActorID(ctx)

	var req syncx.SyncRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxSyncBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, "clientId is required")
		return
	}
	if req.Push == nil && req.Pull == nil {
		writeError(w, http.StatusBadRequest, "at least one of push or pull is required")
		return
	}
	partition := req.PartitionOrDefault()

	resp := syncx.SyncResponse{}

	if req.Push != nil {
		in := engine.PushInput{
			Partition: partition,
			ActorID:   actorID,
			ClientID:  req.ClientID,
			Request:   req.Push,
		}
		if s.PushHook != nil {
			in.OnApplied = s.PushHook(req.ClientID, req.Push)
		}
		outcome, err := s.Push.PushCommit(ctx, in)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		resp.Push = outcome.Response

		if outcome.Response.Status == syncx.PushApplied {
			if s.Realtime != nil {
				s.Realtime.NotifySync(outcome.ScopeKeys, outcome.Response.CommitSeq, req.ClientID)
			}
			if s.AfterPush != nil {
				s.AfterPush()
			}
		}
	}

	if req.Pull != nil {
		outcome, err := s.Puller.Pull(ctx, engine.PullInput{
			Partition: partition,
			ActorID:   actorID,
			ClientID:  req.ClientID,
			Request:   req.Pull,
		})
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		resp.Pull = outcome.Response

		if s.Realtime != nil && outcome.HasCursor {
			s.Realtime.UpdateClientScopeKeys(req.ClientID, scope.PairKeys(outcome.EffectiveScopes))
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// writeEngineError maps engine failures onto status codes. Validation
// and scope errors are the client's fault; anything else is a 500.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var badReq *engine.InvalidRequestError
	var badScope *engine.InvalidScopeError
	switch {
	case errors.As(err, &badReq):
		writeError(w, http.StatusBadRequest, badReq.Msg)
	case errors.As(err, &badScope):
		writeJSON(w, http.StatusBadRequest, errResp{
			Error: badScope.Error(),
			Code:  syncx.CodeUnauthorizedScope,
		})
	default:
		log.Ctx(r.Context()).Error().Err(err).Msg("sync request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
