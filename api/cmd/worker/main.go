// Command worker relays committed outbox rows to Kafka. An asynq scheduler
// fires the scan; each claimed row becomes one dispatch task.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"pos-sync-platform/api/internal/relay"
	"pos-sync-platform/api/internal/repos"
	"pos-sync-platform/shared/config"
	"pos-sync-platform/shared/dbx"
	"pos-sync-platform/shared/logx"
	"pos-sync-platform/shared/metricsx"
	"pos-sync-platform/shared/mqx"
	"pos-sync-platform/shared/observability"
)

func main() {
	cfg, problems := config.Load("outbox-relay", 8083)
	logger := logx.New(cfg.ServiceName, cfg.Env, strings.TrimSpace(os.Getenv("VERSION")), cfg.LogLevel)

	problems = append(problems, required(cfg)...)
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error(context.Background(), "worker_failed", "outbox relay failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
}

func required(cfg config.Config) []config.Problem {
	var out []config.Problem
	if cfg.DatabaseURL == "" {
		out = append(out, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		out = append(out, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		out = append(out, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	return out
}

func run(ctx context.Context, cfg config.Config, logger logx.Logger) error {
	metricsx.Register()
	if cfg.OtelEnabled {
		shutdown, err := observability.InitTracer(ctx, observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
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

	pool, err := dbx.NewPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("db init: %w", err)
	}
	defer pool.Close()

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		return fmt.Errorf("kafka producer init: %w", err)
	}
	defer producer.Close()

	hostname, _ := os.Hostname()
	scanEvery := time.Duration(max(cfg.OutboxScanSec, 1)) * time.Second
	relayer := &relay.Relay{
		Outbox:      repos.NewOutboxRepo(pool),
		Publisher:   producer,
		Logger:      logger.With(slog.String("component", "relay")),
		Owner:       cfg.ServiceName + "@" + hostname,
		BatchSize:   cfg.OutboxBatchSize,
		MaxAttempts: cfg.OutboxMaxAttempts,
		StaleAfter:  4 * scanEvery,
	}

	redisOpt := asynq.RedisClientOpt{Addr: cfg.AsynqRedisAddr, Password: cfg.AsynqRedisPass, DB: cfg.AsynqRedisDB}
	client := asynq.NewClient(redisOpt)
	defer client.Close()

	mux := asynq.NewServeMux()
	relayer.Register(mux, relay.AsynqEnqueue(client, cfg.AsynqQueue))

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC})
	if _, err := scheduler.Register(fmt.Sprintf("@every %s", scanEvery), relay.NewScanTask(cfg.AsynqQueue)); err != nil {
		return fmt.Errorf("register scan schedule: %w", err)
	}
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer scheduler.Shutdown()

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	go watchQueueDepth(ctx, inspector, cfg.AsynqQueue, 10*time.Second)

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     cfg.AsynqConcurrency,
		Queues:          map[string]int{cfg.AsynqQueue: 1},
		ShutdownTimeout: 10 * time.Second,
	})
	if err := server.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	logger.Info(ctx, "worker_start", "outbox relay started",
		slog.String("queue", cfg.AsynqQueue),
		slog.Int("concurrency", cfg.AsynqConcurrency),
		slog.String("owner", relayer.Owner),
		slog.Duration("scan_every", scanEvery),
	)

	<-ctx.Done()
	server.Shutdown()
	logger.Info(context.Background(), "worker_stop", "outbox relay stopped")
	return nil
}

func watchQueueDepth(ctx context.Context, inspector *asynq.Inspector, queue string, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if info, err := inspector.GetQueueInfo(queue); err == nil {
				metricsx.SetAsynqQueueDepth(queue, info.Size)
			}
		}
	}
}
