package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/opsdesk/opsdesk-backend/internal/bulk/consumer"
	"github.com/opsdesk/opsdesk-backend/pkg/config"
	"github.com/opsdesk/opsdesk-backend/pkg/db"
	"github.com/opsdesk/opsdesk-backend/pkg/kafka"
	"github.com/opsdesk/opsdesk-backend/pkg/logger"
	"github.com/opsdesk/opsdesk-backend/pkg/redis"
)

type ServiceParams struct {
	Config      *config.Config
	Logger      *logger.Logger
	DB          *db.Client
	Redis       *redis.Client
	Pool        *consumer.Pool
	DLTRecorder *consumer.Recorder
}

// Service runs the chunk-processing pool and the DLT recorder side by side
// and winds both down when the context is canceled.
type Service struct {
	cfg      *config.Config
	logg     *logger.Logger
	db       *db.Client
	redis    *redis.Client
	pool     *consumer.Pool
	recorder *consumer.Recorder
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if params.Pool == nil {
		return nil, errors.New("consumer pool is required")
	}
	if params.DLTRecorder == nil {
		return nil, errors.New("dlt recorder is required")
	}

	return &Service{
		cfg:      params.Config,
		logg:     params.Logger,
		db:       params.DB,
		redis:    params.Redis,
		pool:     params.Pool,
		recorder: params.DLTRecorder,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := pingDependency(ctx, s.logg, "database", s.db.Ping); err != nil {
		return err
	}
	if err := pingDependency(ctx, s.logg, "redis", s.redis.Ping); err != nil {
		return err
	}
	if err := pingDependency(ctx, s.logg, "kafka", s.pingKafka); err != nil {
		return err
	}
	s.logg.Info(ctx, "all worker dependencies are ready")
	return nil
}

func (s *Service) pingKafka(ctx context.Context) error {
	return kafka.Ping(ctx, s.cfg.Kafka)
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.pool.Run(ctx)
	}()
	go func() {
		errCh <- s.recorder.Run(ctx)
	}()

	// First loop to stop decides the exit; the context cancellation that
	// follows drains the other one.
	err := <-errCh
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logg.Error(ctx, "consumer stopped unexpectedly", err)
		return err
	}
	return err
}
