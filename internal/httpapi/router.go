// Package httpapi exposes the sync engine over HTTP: the combined
// /sync endpoint, snapshot chunk downloads, and the realtime websocket.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/rowmark/rowmark/internal/auth"
	"github.com/rowmark/rowmark/internal/chunk"
	"github.com/rowmark/rowmark/internal/engine"
	"github.com/rowmark/rowmark/internal/realtime"
	"github.com/rowmark/rowmark/internal/syncx"
)

// Server holds dependencies for the HTTP handlers.
type Server struct {
	DB       *pgxpool.Pool
	Push     *engine.Push
	Puller   *engine.Puller
	Chunks   *chunk.Store
	Realtime *realtime.Registry

	// PushHook, when set, supplies the OnApplied callback for each
	// pushed commit. The relay uses it to enqueue forwarding inside the
	// append transaction.
	PushHook func(clientID string, req *syncx.PushRequest) func(ctx context.Context, tx engine.LogTx, commitSeq int64) error

	// AfterPush, when set, runs after an applied push, e.g. to wake the
	// relay forwarder.
	AfterPush func()
}

// errResp is the request-level error body.
type errResp struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errResp{Error: msg})
}

// Routes creates the HTTP router.
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(jwt))

		r.Post("/sync", s.HandleSync)
		r.Get("/sync/snapshot-chunks/{chunkID}", s.HandleChunk)
		r.Get("/sync/realtime", s.HandleRealtime)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
