// AngelaMos | 2026
// main.go

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelamos/sessiond/internal/blacklist"
	"github.com/angelamos/sessiond/internal/cache"
	"github.com/angelamos/sessiond/internal/config"
	"github.com/angelamos/sessiond/internal/core"
	"github.com/angelamos/sessiond/internal/health"
	"github.com/angelamos/sessiond/internal/identity"
	"github.com/angelamos/sessiond/internal/middleware"
	"github.com/angelamos/sessiond/internal/server"
	"github.com/angelamos/sessiond/internal/sweeper"
	"github.com/angelamos/sessiond/internal/token"
)

const (
	drainDelay = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

//nolint:funlen // bootstrap code is inherently verbose
func run(configPath string) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting application",
		"name", cfg.App.Name,
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
	)

	var telemetry *core.Telemetry
	if cfg.Otel.Enabled {
		tel, telErr := core.NewTelemetry(ctx, cfg.Otel, cfg.App)
		if telErr != nil {
			logger.Warn("failed to initialize telemetry", "error", telErr)
		} else {
			telemetry = tel
			logger.Info("OpenTelemetry tracer initialized",
				"endpoint", cfg.Otel.Endpoint,
			)
		}
	}

	db, err := core.NewDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	logger.Info("database connected",
		"max_open_conns", cfg.Database.MaxOpenConns,
		"max_idle_conns", cfg.Database.MaxIdleConns,
	)

	redis, err := core.NewRedis(ctx, cfg.Redis, cfg.App.Name)
	if err != nil {
		return err
	}
	logger.Info("redis connected",
		"pool_size", cfg.Redis.PoolSize,
	)

	codec, err := token.NewCodec(cfg.Token)
	if err != nil {
		return err
	}
	logger.Info("token codec initialized",
		"algorithm", "ES256",
		"access_ttl", codec.AccessTTL().String(),
		"refresh_ttl", codec.RefreshTTL().String(),
	)

	var blacklistCache cache.Cache
	if cfg.Blacklist.CacheBackend == "memory" {
		blacklistCache = cache.NewMemory(cfg.Blacklist.CacheSize)
	} else {
		blacklistCache = cache.NewRedis(redis.Client, "blacklist:")
	}

	blacklistRepo := blacklist.NewRepository(db.DB)
	blacklistSvc := blacklist.NewService(
		blacklistRepo,
		blacklistCache,
		cfg.Blacklist.FailOpen,
		logger,
	)

	identityRepo := identity.NewRepository(db.DB)
	identitySvc := identity.NewService(identityRepo, logger)

	tokenRepo := token.NewRepository(db.DB)
	engine := token.NewEngine(
		tokenRepo,
		codec,
		blacklistSvc,
		identitySvc,
		logger,
		cfg.Database.QueryTimeout,
	)

	identityHandler := identity.NewHandler(identitySvc, engine)

	tokenHandler := token.NewHandler(
		engine,
		identitySvc,
		cfg.Token.RefreshCookiePath,
		cfg.IsProduction(),
	)

	healthHandler := health.NewHandler(
		health.Dependency{Name: "database", Checker: db},
		health.Dependency{Name: "redis", Checker: redis},
	)

	srv := server.New(server.Config{
		ServerConfig:  cfg.Server,
		HealthHandler: healthHandler,
		Logger:        logger,
	})

	router := srv.Router()

	router.Use(middleware.RequestID)
	router.Use(middleware.Logger(logger))
	router.Use(
		middleware.NewRateLimiter(redis.Client, middleware.RateLimitConfig{
			Limit: middleware.PerMinute(
				cfg.RateLimit.Requests,
				cfg.RateLimit.Burst,
			),
			FailOpen: true,
		}).Handler,
	)
	router.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	router.Use(middleware.CORS(cfg.CORS))

	healthHandler.RegisterRoutes(router)

	router.Get("/.well-known/jwks.json", codec.JWKSHandler())

	authenticator := middleware.Authenticator(
		codec,
		identity.NewGateAdapter(identitySvc),
	)
	adminOnly := middleware.RequireAdmin

	router.Route("/v1", func(r chi.Router) {
		tokenHandler.RegisterRoutes(r, authenticator, adminOnly)
		identityHandler.RegisterRoutes(r, authenticator)
		identityHandler.RegisterAdminRoutes(r, authenticator, adminOnly)
	})

	sweep := sweeper.New(cfg.Sweeper.Interval, logger,
		sweeper.Task{Name: "refresh_tokens", Run: engine.DeleteExpired},
		sweeper.Task{Name: "blacklist", Run: blacklistSvc.Sweep},
	)
	go sweep.Start(ctx)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		cfg.Server.ShutdownTimeout+drainDelay+5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx, drainDelay); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}

	poolStats := redis.PoolStats()
	logger.Debug("redis pool at shutdown",
		"hits", poolStats.Hits,
		"misses", poolStats.Misses,
		"timeouts", poolStats.Timeouts,
	)

	if err := redis.Close(); err != nil {
		logger.Error("redis close error", "error", err)
	}

	if err := db.Close(); err != nil {
		logger.Error("database close error", "error", err)
	}

	logger.Info("application stopped")
	return nil
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
