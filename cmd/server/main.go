package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rowmark/rowmark/internal/auth"
	"github.com/rowmark/rowmark/internal/chunk"
	"github.com/rowmark/rowmark/internal/commitlog"
	"github.com/rowmark/rowmark/internal/config"
	"github.com/rowmark/rowmark/internal/engine"
	"github.com/rowmark/rowmark/internal/handler"
	"github.com/rowmark/rowmark/internal/httpapi"
	"github.com/rowmark/rowmark/internal/realtime"
	"github.com/rowmark/rowmark/internal/store"
	"github.com/rowmark/rowmark/internal/tables"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "rowmark-server").Logger()

	// Pretty logging for local dev
	if env("ENV", "dev") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()
	opts := config.FromEnv()

	pgURL := env("DATABASE_URL", "")
	if pgURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}

	pool, err := store.Open(ctx, pgURL)
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

	push := &engine.Push{Log: commitLog, Registry: reg, MaxOperations: opts.MaxOperationsPerPush}
	puller := &engine.Puller{
		Log:              commitLog,
		Chunks:           chunks,
		Registry:         reg,
		MaxSubscriptions: opts.MaxSubscriptionsPerPull,
		MaxLimitCommits:  opts.MaxPullLimitCommits,
	}

	hub := realtime.NewRegistry()
	heartbeatStop := make(chan struct{})
	go hub.RunHeartbeat(opts.HeartbeatInterval, heartbeatStop)

	maintCtx, stopMaint := context.WithCancel(ctx)
	go runMaintenance(maintCtx, commitLog, chunks, opts)

	srv := &httpapi.Server{
		DB:       pool,
		Push:     push,
		Puller:   puller,
		Chunks:   chunks,
		Realtime: hub,
	}

	jwtCfg := auth.JWTCfg{
		HS256Secret: env("JWT_HS256_SECRET", "dev-secret-change-in-production"),
		DevMode:     env("ENV", "dev") == "dev",
	}

	httpAddr := env("HTTP_ADDR", ":8081")
	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      srv.Routes(jwtCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")
	close(heartbeatStop)
	stopMaint()
	hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}

// runMaintenance runs compaction, pruning, and chunk expiry sweeps on
// the prune interval until ctx is done.
func runMaintenance(ctx context.Context, commitLog *commitlog.Store, chunks *chunk.Store, opts config.Options) {
	if opts.PruneInterval <= 0 {
		log.Info().Msg("history maintenance disabled")
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

		for {
			n, err := commitLog.Compact(ctx, 24)
			if err != nil {
				log.Warn().Err(err).Msg("change compaction failed")
				break
			}
			if n == 0 {
				break
			}
		}

		if n, err := commitLog.Prune(ctx, commitlog.PruneParams{
			MaxAge:         opts.PruneMaxAge,
			KeepNewest:     1000,
			FallbackMaxAge: 4 * opts.PruneMaxAge,
		}); err != nil {
			log.Warn().Err(err).Msg("history pruning failed")
		} else if n > 0 {
			log.Info().Int64("commits", n).Msg("pruned acknowledged history")
		}

		if n, err := chunks.CleanupExpired(ctx, time.Now()); err != nil {
			log.Warn().Err(err).Msg("chunk cleanup failed")
		} else if n > 0 {
			log.Info().Int64("chunks", n).Msg("removed expired snapshot chunks")
		}
	}
}
