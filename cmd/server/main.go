package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/execution-hub/agent-studio/internal/api/http"
	appStudio "github.com/execution-hub/agent-studio/internal/application/studio"
	"github.com/execution-hub/agent-studio/internal/config"
	"github.com/execution-hub/agent-studio/internal/domain/studio"
	"github.com/execution-hub/agent-studio/internal/infrastructure/postgres"
	"github.com/execution-hub/agent-studio/internal/infrastructure/redis"
	"github.com/execution-hub/agent-studio/internal/infrastructure/sse"
	"github.com/execution-hub/agent-studio/internal/migrations"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}
	logger = logger.Level(cfg.Level())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// storage
	var (
		store     studio.EventStore
		persister studio.Persister
		snapshots httpapi.SnapshotReader
	)
	if cfg.StoreBackend == "postgres" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("db error")
		}
		defer pool.Close()
		if err := postgres.RunMigrations(ctx, pool, migrations.FS); err != nil {
			logger.Fatal().Err(err).Msg("migration error")
		}
		repo := postgres.NewStudioRepository(pool)
		store, persister, snapshots = repo, repo, repo
	}

	// fan-out sinks
	sseHub := sse.NewHub()
	fanout := appStudio.NewFanout(logger, cfg.FanoutQueue, cfg.SinkTimeout, sseHub)
	if cfg.RedisAddr != "" {
		client, err := redis.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis error")
		}
		defer client.Close()
		fanout.Add(redis.NewPublisher(client, cfg.RedisChannelPrefix))
	}

	coord := appStudio.NewCoordinator(studioConfig(cfg), store, fanout, logger)

	if cfg.MilestoneExpr != "" {
		if persister == nil {
			logger.Warn().Msg("STUDIO_MILESTONE_EXPR ignored without a postgres store")
		} else {
			milestone, err := appStudio.NewMilestone(cfg.MilestoneExpr, coord, persister, logger)
			if err != nil {
				logger.Fatal().Err(err).Msg("milestone error")
			}
			fanout.Add(milestone)
		}
	}
	go func() {
		if err := fanout.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("fanout stopped")
		}
	}()

	// API server
	apiServer := httpapi.NewServer(coord, sseHub, snapshots, httpapi.WSConfig{}, logger)
	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// start server
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Str("store", cfg.StoreBackend).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	coord.Shutdown()
	sseHub.Stop()
	_ = httpServer.Shutdown(ctxShutdown)
}

func studioConfig(cfg *config.Config) appStudio.Config {
	return appStudio.Config{
		Palette:          cfg.PaletteColors(),
		ReconnectGrace:   cfg.ReconnectGrace,
		SessionGrace:     cfg.SessionGrace,
		LogRetain:        cfg.LogRetain,
		SubscriberBuffer: cfg.SubscriberBuffer,
		ResumeTokenCost:  cfg.ResumeTokenCost,
	}
}
