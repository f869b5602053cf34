// Command consumer writes relayed sync events and conflict changes to
// InfluxDB, one reader per topic in a shared consumer group.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"pos-sync-platform/api/internal/telemetry"
	"pos-sync-platform/shared/config"
	"pos-sync-platform/shared/influxx"
	"pos-sync-platform/shared/logx"
	"pos-sync-platform/shared/metricsx"
	"pos-sync-platform/shared/mqx"
	"pos-sync-platform/shared/observability"
)

func main() {
	cfg, problems := config.Load("sync-telemetry-consumer", 8082)
	logger := logx.New(cfg.ServiceName, cfg.Env, strings.TrimSpace(os.Getenv("VERSION")), cfg.LogLevel)

	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
	}
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
		logger.Error(context.Background(), "consumer_failed", "sync telemetry consumer failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
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

	sink, err := influxx.New(cfg)
	if err != nil {
		return fmt.Errorf("influx init: %w", err)
	}
	defer sink.Close()
	if err := sink.Ping(ctx); err != nil {
		logger.Warn(ctx, "influx_unreachable", "influx ping failed, writes will retry",
			slog.String("error", err.Error()),
		)
	}
	handler := telemetry.Handler{Sink: sink}

	var wg sync.WaitGroup
	for _, topic := range []string{cfg.SyncEventsTopic, cfg.SyncConflictsTopic} {
		reader, err := mqx.NewConsumer(cfg, topic, cfg.KafkaGroupID)
		if err != nil {
			return fmt.Errorf("kafka reader for %s: %w", topic, err)
		}
		c := &telemetry.Consumer{
			Reader:  reader,
			Handler: handler,
			Logger:  logger.With(slog.String("topic", topic)),
			Topic:   topic,
			Group:   cfg.KafkaGroupID,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer reader.Close()
			c.Run(ctx)
		}()
		logger.Info(ctx, "consumer_start", "sync telemetry consumer started",
			slog.String("topic", topic),
			slog.String("group", cfg.KafkaGroupID),
		)
	}
	wg.Wait()
	logger.Info(context.Background(), "consumer_stop", "sync telemetry consumer stopped")
	return nil
}
