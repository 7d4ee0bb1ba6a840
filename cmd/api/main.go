package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/splax/pipectl/internal/app/migrate"
	httpx "github.com/splax/pipectl/internal/http"
	"github.com/splax/pipectl/internal/pipeline"
	"github.com/splax/pipectl/internal/repository/postgres"
	"github.com/splax/pipectl/internal/service/correlate"
	"github.com/splax/pipectl/internal/service/engine"
	"github.com/splax/pipectl/internal/service/identity"
	"github.com/splax/pipectl/internal/service/instance"
	"github.com/splax/pipectl/internal/service/preview"
	"github.com/splax/pipectl/internal/ws"
	"github.com/splax/pipectl/pkg/config"
	"github.com/splax/pipectl/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("pipectl-api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	health := map[string]httpx.HealthCheck{"database": pool.Ping}

	identitySvc := identity.New(repo, repo, log, cfg)
	injector := pipeline.NewInjector(pipeline.Options{IngestURL: cfg.PreviewIngestURL})

	var pusher instance.Pusher
	if dir := strings.TrimSpace(cfg.EngineConfigDir); dir != "" {
		var reloader engine.Reloader
		dockerReloader, err := engine.NewDockerReloader(cfg.EngineContainerTemplate)
		if err != nil {
			log.Warn("docker reloader unavailable, engines must watch their config", "error", err)
		} else {
			defer dockerReloader.Close()
			reloader = dockerReloader
		}
		configPusher, err := engine.NewConfigPusher(dir, reloader, log)
		if err != nil {
			log.Error("failed to configure engine config push", "error", err)
			os.Exit(1)
		}
		pusher = configPusher
	}

	instanceSvc := instance.New(repo, identitySvc, injector, pusher, log, cfg)
	engineClient := engine.NewClient(instanceSvc, nil, log, cfg)

	var (
		buffer   preview.Store        = preview.NewMemoryStore(cfg.PreviewBufferCapacity)
		channels preview.ChannelStore = preview.NewMemoryChannels(cfg.CollectBufferCapacity)
		shared   redis.UniversalClient
	)
	if addr := strings.TrimSpace(cfg.PreviewRedisAddr); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.PreviewRedisPass, DB: cfg.PreviewRedisDB})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn("preview redis unavailable, using in-process buffers", "error", err)
			_ = client.Close()
		} else {
			defer client.Close()
			shared = client
			buffer = preview.NewRedisStore(client, cfg.PreviewRedisPrefix, cfg.PreviewBufferCapacity)
			channels = preview.NewRedisChannels(client, cfg.PreviewRedisPrefix, cfg.CollectBufferCapacity)
			health["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		}
	}

	hub := ws.NewHub()
	defer hub.Close()
	previewSvc := preview.New(buffer, channels, hub, log)

	policy := correlate.MissingTimestampFirst
	if cfg.LogUndatedLast {
		policy = correlate.MissingTimestampLast
	}
	correlateSvc := correlate.NewService(correlate.New(correlate.Options{MissingTimestamp: policy}, log), cfg.LogDir, cfg.LogFiles)

	limiter := rateLimiter(ctx, cfg, shared, log)

	router := httpx.NewRouter(log, httpx.Dependencies{
		Identity:      identitySvc,
		Instances:     instanceSvc,
		Engine:        engineClient,
		Preview:       previewSvc,
		Correlate:     correlateSvc,
		Hub:           hub,
		Limiter:       limiter,
		InternalToken: cfg.InternalToken,
		Health:        health,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// rateLimiter prefers a dedicated redis, then the preview redis, then memory.
func rateLimiter(ctx context.Context, cfg config.APIConfig, shared redis.UniversalClient, log *slog.Logger) httpx.RateLimiter {
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		opts := &redis.Options{Addr: addr, Password: cfg.RateLimitRedisPass, DB: cfg.RateLimitRedisDB}
		limiter, err := httpx.DialRedisRateLimiter(ctx, opts, cfg.PreviewRedisPrefix, log)
		if err == nil {
			return limiter
		}
		log.Warn("redis rate limiter unavailable", "error", err)
	}
	if shared != nil {
		return httpx.NewRedisRateLimiter(shared, cfg.PreviewRedisPrefix, log)
	}
	return httpx.NewMemoryRateLimiter()
}
