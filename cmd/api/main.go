package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/google/web-prototyping-tool-sub004/internal/app"
	"github.com/google/web-prototyping-tool-sub004/internal/cache"
	"github.com/google/web-prototyping-tool-sub004/internal/config"
	"github.com/google/web-prototyping-tool-sub004/internal/history"
	"github.com/google/web-prototyping-tool-sub004/internal/peer"
	"github.com/google/web-prototyping-tool-sub004/internal/search"
	"github.com/google/web-prototyping-tool-sub004/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()
	logger := newLogger(cfg)

	db, err := store.Open(ctx, cfg.DatabaseURL, 10, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	if err := os.MkdirAll(cfg.VersionsDir, 0o755); err != nil {
		logger.Fatal().Err(err).Msg("failed to create versions dir")
	}

	dataStore := store.NewPostgresStore(db, store.PostgresOptions{
		MaxBatchOps:  cfg.BatchLimit,
		PollInterval: cfg.PollInterval,
		Logger:       logger,
	})

	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		options, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		redisClient = redis.NewClient(options)
		defer redisClient.Close()
	}

	snapshots := openCache(cfg, redisClient, logger)
	defer snapshots.Close()

	var peers app.PeerFactory
	if redisClient != nil {
		peers = func(sessionID string) peer.Channel {
			return peer.NewRedis(redisClient, sessionID, logger)
		}
	} else {
		logger.Warn().Msg("REDIS_URL empty, sessions sync through the change queue only")
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}

	searchService := search.NewService(meiliClient, pgfts, logger)

	service := app.New(cfg, app.Deps{
		Store:   dataStore,
		Cache:   snapshots,
		Peers:   peers,
		Search:  searchService,
		History: history.New(cfg.VersionsDir),
		Ping:    db.PingContext,
		Logger:  logger,
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("sync API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	// Flushes pending remote writes and the local cache of every session.
	if err := service.CloseAll(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("closing sessions")
	}
	if err := searchService.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("closing search indexer")
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.Production() {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
}

func openCache(cfg config.Config, client *redis.Client, logger zerolog.Logger) cache.Cache {
	if cfg.CacheBackend == "redis" && client != nil {
		logger.Info().Msg("using redis for the snapshot cache")
		return cache.NewRedisWithClient(client, cfg.CacheTTL)
	}
	logger.Info().Str("path", cfg.CachePath).Msg("using bolt for the snapshot cache")
	if err := os.MkdirAll(filepath.Dir(cfg.CachePath), 0o755); err != nil {
		logger.Fatal().Err(err).Msg("failed to create cache dir")
	}
	bolt, err := cache.OpenBolt(cfg.CachePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("snapshot cache unavailable")
	}
	return bolt
}
