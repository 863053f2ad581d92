package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"warden/internal/api"
	"warden/internal/bans"
	"warden/internal/config"
	"warden/internal/journal"
	"warden/internal/metrics"
	"warden/internal/penalties"
	"warden/internal/sessions"
	"warden/internal/store"
	"warden/internal/sweeper"
	"warden/internal/tracing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Configure zerolog
	// Set log level from environment (default: info)
	logLevel := os.Getenv("LOG_LEVEL")
	switch logLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info", "":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Use pretty console logging in development, JSON in production
	if os.Getenv("LOG_FORMAT") == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	log.Info().Msg("Starting Warden moderation engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("WARDEN_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Tracing is best effort: a missing collector must not stop the server
	tp, err := tracing.Init(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Tracer shutdown failed")
			}
		}()
	}

	st, err := store.Open(store.Options{
		Path:        cfg.Database.Path,
		ServerID:    cfg.Server.ServerID,
		MultiServer: cfg.Server.MultiServer,
	})
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("Failed to open database")
	}
	defer st.Close()
	log.Info().Str("path", cfg.Database.Path).Msg("Database opened")

	jnl, err := journal.Open(journal.Options{Path: cfg.Journal.Path})
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Journal.Path).Msg("Failed to open denial journal")
	}
	defer jnl.Close()

	// Denial journal retention
	go func() {
		ticker := time.NewTicker(6 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().AddDate(0, 0, -cfg.Journal.RetentionDays)
				n, err := jnl.PurgeOlderThan(ctx, cutoff)
				if err != nil {
					log.Error().Err(err).Msg("Journal purge failed")
				} else if n > 0 {
					log.Info().Int("purged", n).Msg("Journal purged old denials")
				}
			}
		}
	}()

	tracker := penalties.NewTracker(cfg.PenaltyMode())
	registry := sessions.NewRegistry(tracker, st)

	cache := bans.NewCache(st, bans.Options{
		IgnoredIPs:   cfg.Bans.IgnoredIPs,
		Mode:         cfg.BanMode(),
		RefreshBatch: cfg.Bans.RefreshBatch,
	})
	cache.StartRefreshLoop(ctx, time.Duration(cfg.Bans.RefreshSeconds)*time.Second)

	sw := sweeper.New(st, cache, tracker, registry, sweeper.Options{
		Interval:  time.Duration(cfg.Sweeper.IntervalSeconds) * time.Second,
		BatchSize: cfg.Sweeper.BatchSize,
	})
	sw.Start(ctx)
	defer sw.Stop()

	metrics.StartCollector(ctx, metrics.StatsSource{
		CachedBanCount:      cache.Len,
		CachedIdentityCount: cache.IdentityCount,
		ActivePenaltyCount:  tracker.ActiveCount,
		SessionCount:        registry.Count,
	}, 15*time.Second)

	h := api.NewHandler(st, cache, tracker, registry, jnl, cfg.Server.ServerID)
	handler := api.SetupRouter(api.RouterConfig{
		Handlers: h,
		Logger:   log.Logger,
	})

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().
			Str("address", cfg.Server.ListenAddr).
			Str("ban_mode", cfg.Bans.Mode).
			Str("time_mode", cfg.Penalties.TimeMode).
			Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
}
