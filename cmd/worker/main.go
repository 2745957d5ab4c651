package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opsdesk/opsdesk-backend/internal/bulk/consumer"
	"github.com/opsdesk/opsdesk-backend/internal/bulk/notifier"
	"github.com/opsdesk/opsdesk-backend/internal/bulk/tracking"
	"github.com/opsdesk/opsdesk-backend/internal/events"
	"github.com/opsdesk/opsdesk-backend/internal/reporting"
	"github.com/opsdesk/opsdesk-backend/internal/tickets"
	"github.com/opsdesk/opsdesk-backend/pkg/bigquery"
	"github.com/opsdesk/opsdesk-backend/pkg/config"
	"github.com/opsdesk/opsdesk-backend/pkg/db"
	"github.com/opsdesk/opsdesk-backend/pkg/instance"
	"github.com/opsdesk/opsdesk-backend/pkg/kafka"
	"github.com/opsdesk/opsdesk-backend/pkg/logger"
	"github.com/opsdesk/opsdesk-backend/pkg/metrics"
	"github.com/opsdesk/opsdesk-backend/pkg/migrate"
	"github.com/opsdesk/opsdesk-backend/pkg/redis"
)

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "worker"})

	_ = godotenv.Load()

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	cfg.Service.Kind = "worker"

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	requireResource(ctx, logg, "database", err)
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(ctx, "failed to close database client", err)
		}
	}()

	requireResource(ctx, logg, "dev migrations", migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient))

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	requireResource(ctx, logg, "redis", err)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(ctx, "failed to close redis client", err)
		}
	}()

	// Consumers cannot join their groups before the topics exist.
	requireResource(ctx, logg, "kafka topics", kafka.EnsureTopics(context.Background(), cfg.Kafka))

	pipelineMetrics := metrics.NewPipelineMetrics(prometheus.DefaultRegisterer)

	tracker, err := tracking.NewStore(tracking.Params{
		Commands: redisClient,
		Config:   cfg.Tracking,
		Logger:   logg,
	})
	requireResource(ctx, logg, "tracking store", err)

	ticketService, err := tickets.NewService(tickets.Params{
		DB:     dbClient,
		Repo:   tickets.NewRepository(dbClient.DB()),
		Bus:    events.NewBus(logg),
		Cache:  tickets.NewCache(redisClient, cfg.Cache.TTL(), logg),
		Logger: logg,
	})
	requireResource(ctx, logg, "ticket service", err)

	notificationsWriter := kafka.NewWriter(cfg.Kafka, cfg.Kafka.NotificationsTopic)
	defer func() {
		if err := notificationsWriter.Close(); err != nil {
			logg.Error(ctx, "failed to close notifications writer", err)
		}
	}()
	batchNotifier, err := notifier.New(notifier.Params{
		Writer: notificationsWriter,
		Kafka:  cfg.Kafka,
		Logger: logg,
	})
	requireResource(ctx, logg, "batch notifier", err)

	targets := notifier.Fanout{batchNotifier}
	if cfg.GCP.ReportingEnabled() {
		bqClient, err := bigquery.NewClient(context.Background(), cfg.GCP, cfg.BigQuery, logg)
		requireResource(ctx, logg, "bigquery client", err)
		defer func() {
			if err := bqClient.Close(); err != nil {
				logg.Error(ctx, "failed to close bigquery client", err)
			}
		}()

		reporter, err := reporting.New(reporting.Params{
			Client: bqClient,
			Table:  cfg.BigQuery.BatchFactsTable,
			Logger: logg,
		})
		requireResource(ctx, logg, "batch reporter", err)
		targets = append(targets, reporter)
	}

	dltWriter := kafka.NewWriter(cfg.Kafka, cfg.Kafka.DLTTopic())
	defer func() {
		if err := dltWriter.Close(); err != nil {
			logg.Error(ctx, "failed to close dlt writer", err)
		}
	}()

	concurrency := cfg.Bulk.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	readers := make([]consumer.Reader, 0, concurrency)
	for i := 0; i < concurrency; i++ {
		readers = append(readers, kafka.NewReader(cfg.Kafka, cfg.Kafka.BulkTopic, cfg.Kafka.ConsumerGroup, cfg.Bulk.MaxPollRecords))
	}

	pool, err := consumer.NewPool(consumer.Params{
		Readers:  readers,
		DLT:      dltWriter,
		Tickets:  ticketService,
		Tracker:  tracker,
		Notifier: targets,
		Bulk:     cfg.Bulk,
		Kafka:    cfg.Kafka,
		Metrics:  pipelineMetrics,
		Logger:   logg,
	})
	requireResource(ctx, logg, "consumer pool", err)

	recorder, err := consumer.NewRecorder(consumer.RecorderParams{
		Reader:  kafka.NewReader(cfg.Kafka, cfg.Kafka.DLTTopic(), cfg.Kafka.DLTGroup(), 1),
		Tracker: tracker,
		Logger:  logg,
	})
	requireResource(ctx, logg, "dlt recorder", err)

	service, err := NewService(ServiceParams{
		Config:      cfg,
		Logger:      logg,
		DB:          dbClient,
		Redis:       redisClient,
		Pool:        pool,
		DLTRecorder: recorder,
	})
	requireResource(ctx, logg, "worker service", err)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	runCtx = logg.WithFields(runCtx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.GetID(),
		"concurrency": concurrency,
	})
	logg.Info(runCtx, "bulk worker ready")

	if err := service.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(runCtx, "bulk worker failed", err)
		os.Exit(1)
	}

	logg.Info(runCtx, "bulk worker shutting down gracefully")
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, "resource not working: "+resource, err)
	os.Exit(1)
}
