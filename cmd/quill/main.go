package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/quillworks/quill/api"
	"github.com/quillworks/quill/internal/auth"
	"github.com/quillworks/quill/internal/config"
	"github.com/quillworks/quill/internal/coordinator"
	"github.com/quillworks/quill/internal/ratelimit"
	"github.com/quillworks/quill/internal/runs"
	"github.com/quillworks/quill/internal/server"
	"github.com/quillworks/quill/internal/storage"
	"github.com/quillworks/quill/internal/telemetry"
	"github.com/quillworks/quill/internal/upstream"
	"github.com/quillworks/quill/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("QUILL_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("quill starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to Postgres and apply embedded migrations.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Connect to Redis (run locks, event logs, metadata).
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: parse url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Upstream generation provider. Without an API key the offline stub
	// keeps the full pipeline exercisable in development.
	var provider upstream.Provider
	if cfg.UpstreamAPIKey != "" {
		provider = upstream.NewClient(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey)
		logger.Info("upstream: live provider", "base_url", cfg.UpstreamBaseURL, "model", cfg.UpstreamModel)
	} else {
		provider = upstream.NewStub()
		logger.Warn("upstream: no API key configured, using offline stub provider")
	}

	runCfg := runs.Config{
		LockTTL:         cfg.LockTTL,
		RunTTL:          cfg.RunTTL,
		RunTimeout:      cfg.RunTimeout,
		CleanupDelay:    cfg.CleanupDelay,
		StreamBlock:     cfg.StreamBlock,
		PollInterval:    cfg.PollInterval,
		PollTimeout:     cfg.PollTimeout,
		MaxStreamLength: cfg.MaxStreamLength,
		Model:           cfg.UpstreamModel,
		ResearchCost:    cfg.ResearchCost,
		ComposeCost:     cfg.ComposeCost,
	}

	registry := runs.NewRegistry()
	coord := coordinator.New(rdb, logger)
	runSvc := runs.NewService(registry, coord, db, db, provider, logger, runCfg)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		DB:                  db,
		RunService:          runSvc,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Limiter:             limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Orphaned-debit sweep. Refunds debits left behind by crashed leaders.
	if cfg.ReconcileEvery > 0 {
		reconciler := runs.NewReconciler(coord, db, logger, cfg.ReconcileEvery, runCfg)
		g.Go(func() error {
			if err := reconciler.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("reconciler: %w", err)
			}
			return nil
		})
	} else {
		logger.Info("reconciler: disabled")
	}

	// Shut the HTTP server down when the signal context or any group
	// member fails; Start() then returns and the group drains.
	g.Go(func() error {
		<-gctx.Done()

		slog.Info("quill shutting down")
		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpCancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}

		// Detach local subscribers; in-flight runs settle through their
		// durable logs and the reconciler.
		registry.Shutdown()
		return nil
	})

	err = g.Wait()

	slog.Info("quill stopped")
	return err
}
