package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rowmark/rowmark/internal/auth"
	"github.com/rowmark/rowmark/internal/chunk"
	"github.com/rowmark/rowmark/internal/client"
	"github.com/rowmark/rowmark/internal/commitlog"
	"github.com/rowmark/rowmark/internal/config"
	"github.com/rowmark/rowmark/internal/engine"
	"github.com/rowmark/rowmark/internal/handler"
	"github.com/rowmark/rowmark/internal/httpapi"
	"github.com/rowmark/rowmark/internal/realtime"
	"github.com/rowmark/rowmark/internal/relay"
	"github.com/rowmark/rowmark/internal/store"
	"github.com/rowmark/rowmark/internal/syncx"
	"github.com/rowmark/rowmark/internal/tables"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "rowmark-relay").Logger()
	if env("ENV", "dev") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	opts := config.FromEnv()

	pgURL := env("DATABASE_URL", "")
	if pgURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}
	mainURL := strings.TrimRight(env("MAIN_SERVER_URL", ""), "/")
	if mainURL == "" {
		log.Fatal().Msg("MAIN_SERVER_URL is required")
	}
	relayID := env("RELAY_ID", "")
	if relayID == "" {
		log.Fatal().Msg("RELAY_ID is required")
	}
	partition := env("SYNC_PARTITION", syncx.DefaultPartition)

	pool, err := store.OpenRelay(ctx, pgURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	if err := tables.EnsureSchema(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure app schema")
	}

	reg := handler.NewRegistry()
	if err := tables.RegisterDefaults(reg); err != nil {
		log.Fatal().Err(err).Msg("failed to register table handlers")
	}

	commitLog := commitlog.NewStore(pool)
	chunks := chunk.NewStore(pool, nil, 128)
	relayStore := relay.NewStore(pool)

	push := &engine.Push{Log: commitLog, Registry: reg, MaxOperations: opts.MaxOperationsPerPush}
	puller := &engine.Puller{
		Log:              commitLog,
		Chunks:           chunks,
		Registry:         reg,
		MaxSubscriptions: opts.MaxSubscriptionsPerPull,
		MaxLimitCommits:  opts.MaxPullLimitCommits,
	}

	upstream := &client.HTTPTransport{
		BaseURL: mainURL,
		Token:   env("MAIN_SERVER_TOKEN", ""),
	}

	mode := relay.NewModeManager(upstream, relayID, partition, opts.HealthCheckInterval)
	forwarder := relay.NewForwarder(relayStore, upstream, mode, opts.StaleTimeout, opts.ForwardRetryInterval)
	importer := relay.NewImporter(relayID, partition, push, reg, relayStore, upstream, mode, opts.PullInterval)
	if env("RELAY_ON_PULL_REJECT", "halt") == "skip" {
		importer.OnPullReject = relay.RejectSkip
	}
	importer.LimitCommits = opts.MaxPullLimitCommits
	mode.OnOnline = func() {
		forwarder.Wake()
		importer.Wake()
	}

	hub := realtime.NewRegistry()
	heartbeatStop := make(chan struct{})
	go hub.RunHeartbeat(opts.HeartbeatInterval, heartbeatStop)

	go mode.Run(ctx)
	go forwarder.Run(ctx)
	go importer.Run(ctx)
	go runRelayMaintenance(ctx, relayStore, opts)

	srv := &httpapi.Server{
		DB:       pool,
		Push:     push,
		Puller:   puller,
		Chunks:   chunks,
		Realtime: hub,
		PushHook: func(clientID string, req *syncx.PushRequest) func(context.Context, engine.LogTx, int64) error {
			return relay.Hook(relayStore, partition, clientID, req)
		},
		AfterPush: forwarder.Wake,
	}

	jwtCfg := auth.JWTCfg{
		HS256Secret: env("JWT_HS256_SECRET", "dev-secret-change-in-production"),
		DevMode:     env("ENV", "dev") == "dev",
	}

	root := chi.NewRouter()
	root.Mount("/", srv.Routes(jwtCfg))
	root.Mount("/relay", relay.AdminRoutes(relay.AdminState{Store: relayStore, Mode: mode}))

	httpAddr := env("HTTP_ADDR", ":8082")
	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      root,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpAddr).Str("upstream", mainURL).Msg("starting relay HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")
	cancel()
	close(heartbeatStop)
	hub.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("relay stopped")
}

// runRelayMaintenance ages out delivered forward-outbox entries and
// settled sequence-map rows on the prune interval. Pending entries are
// never touched.
func runRelayMaintenance(ctx context.Context, relayStore *relay.Store, opts config.Options) {
	if opts.PruneInterval <= 0 {
		log.Info().Msg("relay maintenance disabled")
		return
	}
	ticker := time.NewTicker(opts.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := relayStore.PruneSequenceMap(ctx, opts.PruneMaxAge); err != nil {
			log.Warn().Err(err).Msg("sequence map prune failed")
		} else if n > 0 {
			log.Info().Int64("rows", n).Msg("pruned settled sequence-map entries")
		}

		if n, err := relayStore.PruneForwardOutbox(ctx, opts.PruneMaxAge); err != nil {
			log.Warn().Err(err).Msg("forward outbox prune failed")
		} else if n > 0 {
			log.Info().Int64("rows", n).Msg("pruned delivered forward-outbox entries")
		}
	}
}
