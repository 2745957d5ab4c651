package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opsdesk/opsdesk-backend/api/controllers"
	"github.com/opsdesk/opsdesk-backend/api/routes"
	"github.com/opsdesk/opsdesk-backend/internal/bulk/notifier"
	"github.com/opsdesk/opsdesk-backend/internal/bulk/orchestrator"
	"github.com/opsdesk/opsdesk-backend/internal/bulk/parser"
	"github.com/opsdesk/opsdesk-backend/internal/bulk/producer"
	"github.com/opsdesk/opsdesk-backend/internal/bulk/tracking"
	"github.com/opsdesk/opsdesk-backend/internal/events"
	"github.com/opsdesk/opsdesk-backend/internal/tickets"
	"github.com/opsdesk/opsdesk-backend/pkg/config"
	"github.com/opsdesk/opsdesk-backend/pkg/db"
	pkgerrors "github.com/opsdesk/opsdesk-backend/pkg/errors"
	"github.com/opsdesk/opsdesk-backend/pkg/kafka"
	"github.com/opsdesk/opsdesk-backend/pkg/logger"
	"github.com/opsdesk/opsdesk-backend/pkg/metrics"
	"github.com/opsdesk/opsdesk-backend/pkg/migrate"
	"github.com/opsdesk/opsdesk-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "api"

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	// The worker also ensures topics; doing it here too means whichever
	// process boots first wins and the other call is a no-op.
	if err := kafka.EnsureTopics(context.Background(), cfg.Kafka); err != nil {
		warnCtx := logg.WithField(context.Background(), "error", err.Error())
		logg.Warn(warnCtx, "could not ensure kafka topics, publishes may fail until brokers recover")
	}

	bulkWriter := kafka.NewWriter(cfg.Kafka, cfg.Kafka.BulkTopic)
	defer func() {
		if err := bulkWriter.Close(); err != nil {
			logg.Error(context.Background(), "error closing bulk writer", err)
		}
	}()
	notificationsWriter := kafka.NewWriter(cfg.Kafka, cfg.Kafka.NotificationsTopic)
	defer func() {
		if err := notificationsWriter.Close(); err != nil {
			logg.Error(context.Background(), "error closing notifications writer", err)
		}
	}()

	registry := prometheus.NewRegistry()
	pipelineMetrics := metrics.NewPipelineMetrics(registry)

	tracker, err := tracking.NewStore(tracking.Params{
		Commands: redisClient,
		Config:   cfg.Tracking,
		Logger:   logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create tracking store", err)
		os.Exit(1)
	}

	batchNotifier, err := notifier.New(notifier.Params{
		Writer: notificationsWriter,
		Kafka:  cfg.Kafka,
		Logger: logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create batch notifier", err)
		os.Exit(1)
	}

	batchPublisher, err := producer.New(producer.Params{
		Writer: bulkWriter,
		Bulk:   cfg.Bulk,
		Kafka:  cfg.Kafka,
		Logger: logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create bulk producer", err)
		os.Exit(1)
	}

	bulkService, err := orchestrator.NewService(orchestrator.Params{
		Parser:    parser.New(cfg.Bulk),
		Publisher: batchPublisher,
		Tracker:   tracker,
		Notifier:  batchNotifier,
		Bulk:      cfg.Bulk,
		Kafka:     cfg.Kafka,
		Metrics:   pipelineMetrics,
		Logger:    logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create bulk orchestrator", err)
		os.Exit(1)
	}

	ticketService, err := tickets.NewService(tickets.Params{
		DB:     dbClient,
		Repo:   tickets.NewRepository(dbClient.DB()),
		Bus:    events.NewBus(logg),
		Cache:  tickets.NewCache(redisClient, cfg.Cache.TTL(), logg),
		Logger: logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create ticket service", err)
		os.Exit(1)
	}

	readiness := []controllers.ReadinessCheck{
		{Name: "postgres", Code: pkgerrors.CodeDatabaseError, Probe: dbClient.Ping},
		{Name: "redis", Code: pkgerrors.CodeRedisError, Probe: redisClient.Ping},
		{Name: "kafka", Code: pkgerrors.CodeKafkaBrokerUnavailable, Probe: func(ctx context.Context) error {
			return kafka.Ping(ctx, cfg.Kafka)
		}},
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	id := os.Getenv("DYNO")
	if id == "" {
		id = "local"
	}
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": id,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:    addr,
		Handler: routes.NewRouter(cfg, logg, redisClient, bulkService, ticketService, registry, readiness...),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
