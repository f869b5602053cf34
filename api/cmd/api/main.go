// Command api serves the device sync protocol and the operator endpoints
// around it.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"pos-sync-platform/api/internal/branches"
	"pos-sync-platform/api/internal/devicesync"
	"pos-sync-platform/api/internal/orders"
	"pos-sync-platform/api/internal/repos"
	"pos-sync-platform/api/internal/store"
	"pos-sync-platform/shared/authx"
	"pos-sync-platform/shared/cachex"
	"pos-sync-platform/shared/config"
	"pos-sync-platform/shared/dbx"
	"pos-sync-platform/shared/lockx"
	"pos-sync-platform/shared/logx"
	"pos-sync-platform/shared/metricsx"
	"pos-sync-platform/shared/observability"
)

func main() {
	cfg, problems := config.Load("sync-api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, problems, version, logger); err != nil {
		logger.Error(context.Background(), "server_failed", "server failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
}

// app holds everything the handler chain needs. Optional backends stay nil
// when they are not configured or failed to start; problems then explains
// why /readyz fails.
type app struct {
	cfg      config.Config
	version  string
	logger   logx.Logger
	problems []config.Problem

	pool     *pgxpool.Pool
	cache    *cachex.Client
	verifier authx.Verifier
	store    *repos.Store
	branches *repos.BranchesRepo
	service  *devicesync.Service
}

func run(ctx context.Context, cfg config.Config, problems []config.Problem, version string, logger logx.Logger) error {
	metricsx.Register()
	if cfg.OtelEnabled {
		shutdown, err := observability.InitTracer(ctx, observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Version:     version,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		})
		if err != nil {
			logger.Warn(ctx, "otel_init_failed", "tracer init failed", slog.String("error", err.Error()))
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	a := wire(ctx, cfg, problems, version, logger)
	defer a.close()

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           a.handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
			slog.Int("max_batch_events", cfg.SyncMaxBatchEvents),
			slog.Int("ready_problems", len(a.problems)),
		)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown_signal", "shutdown requested")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed", slog.String("error", err.Error()))
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
	return nil
}

func wire(ctx context.Context, cfg config.Config, problems []config.Problem, version string, logger logx.Logger) *app {
	a := &app{cfg: cfg, version: version, logger: logger, problems: problems}
	fail := func(field string, event string, msg string, err error) {
		a.problems = append(a.problems, config.Problem{Field: field, Message: msg})
		logger.Error(ctx, event, msg, slog.String("error_code", "FAILED_PRECONDITION"), slog.String("error", err.Error()))
	}

	if cfg.DatabaseURL == "" {
		a.problems = append(a.problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	} else if pool, err := dbx.NewPool(ctx, cfg); err != nil {
		fail("DATABASE_URL", "db_init_failed", "failed to connect to database", err)
	} else {
		a.pool = pool
		if cfg.DBAutoMigrate {
			if err := repos.EnsureSchema(ctx, pool); err != nil {
				fail("DB_AUTO_MIGRATE", "db_migrate_failed", "schema migration failed", err)
			}
		}
		a.store = repos.NewStore(pool)
		a.branches = repos.NewBranchesRepo(pool)
	}

	var (
		settingsCache branches.Cache
		locker        devicesync.Locker
	)
	if cfg.RedisAddr == "" {
		logger.Warn(ctx, "redis_disabled", "REDIS_ADDR not set; branch settings cache and registration lock disabled")
	} else if cache, err := cachex.New(cfg); err != nil {
		fail("REDIS_ADDR", "redis_init_failed", "failed to connect to redis", err)
	} else {
		a.cache = cache
		settingsCache = cache
		locker = lockx.NewRedisLocker(cache.Client(), cfg.ServiceName+":lock:")
	}

	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		v, err := authx.NewJWTVerifier(ctx, authx.JWTOptions{
			Issuer:          cfg.OIDCIssuer,
			Audience:        cfg.OIDCAudience,
			JWKSURL:         cfg.OIDCJWKSURL,
			RefreshInterval: time.Duration(cfg.JWKSTTLSeconds) * time.Second,
			ClockSkew:       time.Duration(cfg.JWTClockSkewSec) * time.Second,
		})
		if err != nil {
			fail("OIDC_ISSUER", "jwt_init_failed", "failed to initialize JWT verifier", err)
		} else {
			a.verifier = v
		}
	}

	var branchSource branches.Source
	if a.branches != nil {
		branchSource = a.branches
	}
	reader := branches.NewReader(branchSource, settingsCache, time.Duration(cfg.BranchCacheTTLSec)*time.Second, logger)
	var syncStore store.Store
	if a.store != nil {
		syncStore = a.store
	}
	a.service = devicesync.NewService(syncStore, orders.NewService(), reader, logger, devicesync.Options{
		ReplayWindow:     cfg.SyncReplayWindow,
		MaxBatch:         cfg.SyncMaxBatchEvents,
		PullDefaultLimit: cfg.SyncPullDefaultLimit,
		PullMaxLimit:     cfg.SyncPullMaxLimit,
		EventsTopic:      cfg.SyncEventsTopic,
		ConflictsTopic:   cfg.SyncConflictsTopic,
		RegisterLockTTL:  time.Duration(cfg.RegisterLockSec) * time.Second,
		Locker:           locker,
	})
	return a
}

func (a *app) close() {
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
