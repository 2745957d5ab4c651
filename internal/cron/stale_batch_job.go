package cron

import (
	"context"
	"fmt"

	"github.com/opsdesk/opsdesk-backend/pkg/logger"
)

// StaleBatchJobParams configure the stale batch sweeper.
type StaleBatchJobParams struct {
	Logger  *logger.Logger
	Tracker batchSweeper
}

// batchSweeper is the slice of the tracking store the job uses.
type batchSweeper interface {
	SweepExpired(ctx context.Context) ([]string, error)
}

// NewStaleBatchJob builds the job that prunes active-batch set members
// whose status hash has already aged out of Redis.
func NewStaleBatchJob(params StaleBatchJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Tracker == nil {
		return nil, fmt.Errorf("tracker required")
	}
	return &staleBatchJob{
		logg:    params.Logger,
		tracker: params.Tracker,
	}, nil
}

type staleBatchJob struct {
	logg    *logger.Logger
	tracker batchSweeper
}

func (j *staleBatchJob) Name() string { return "stale-batch-sweep" }

func (j *staleBatchJob) Run(ctx context.Context) error {
	removed, err := j.tracker.SweepExpired(ctx)
	logCtx := j.logg.WithField(ctx, "batches_removed", len(removed))
	if len(removed) > 0 {
		logCtx = j.logg.WithField(logCtx, "batch_ids", removed)
	}
	if err != nil {
		// A partial sweep has already pruned what it could; the next cycle
		// picks up the rest.
		return fmt.Errorf("stale batch sweep: %w", err)
	}
	j.logg.Info(logCtx, "stale batch sweep complete")
	return nil
}
