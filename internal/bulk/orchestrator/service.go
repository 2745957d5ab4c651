// Package orchestrator accepts bulk submissions and serves the batch query
// surface. A submission is parse, track, publish in that order; the queries
// are read-only shaping over the tracking store.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/opsdesk/opsdesk-backend/internal/bulk"
	"github.com/opsdesk/opsdesk-backend/internal/bulk/parser"
	"github.com/opsdesk/opsdesk-backend/internal/bulk/producer"
	"github.com/opsdesk/opsdesk-backend/internal/bulk/tracking"
	"github.com/opsdesk/opsdesk-backend/pkg/config"
	pkgerrors "github.com/opsdesk/opsdesk-backend/pkg/errors"
	"github.com/opsdesk/opsdesk-backend/pkg/logger"
	"github.com/opsdesk/opsdesk-backend/pkg/metrics"
	"github.com/opsdesk/opsdesk-backend/pkg/pagination"
)

const defaultSubmitter = "system"

// Service is the submission and query surface for bulk uploads.
type Service interface {
	Submit(ctx context.Context, sub parser.Submission, uploadedBy string) (*SubmitResult, error)
	Status(ctx context.Context, batchID string) (*tracking.Snapshot, error)
	Failures(ctx context.Context, batchID string, page, size int) (*FailurePage, error)
	Active(ctx context.Context) ([]string, error)
	Cancel(ctx context.Context, batchID, reason string) (*CancelResult, error)
	DLT(ctx context.Context, topic string, limit int) (*DLTPage, error)
}

// SubmitResult is returned to the caller as soon as the batch is accepted.
type SubmitResult struct {
	BatchID      string
	TotalRecords int
	TotalChunks  int
	AcceptedAt   time.Time
	Report       *parser.Report
}

// FailurePage is one page of a batch's failure list.
type FailurePage struct {
	BatchID       string                   `json:"batchId"`
	Page          int                      `json:"page"`
	Size          int                      `json:"size"`
	TotalElements int64                    `json:"totalElements"`
	TotalPages    int                      `json:"totalPages"`
	Failures      []tracking.FailureRecord `json:"failures"`
}

// CancelResult reports the outcome of a cancellation request. Cancellation
// is advisory: workers skip chunks they have not started, but records
// already in flight are not interrupted.
type CancelResult struct {
	BatchID   string `json:"batchId"`
	Cancelled bool   `json:"cancelled"`
	Advisory  bool   `json:"advisory"`
	Reason    string `json:"reason,omitempty"`
}

// DLTPage is a snapshot of one topic's dead-letter audit list.
type DLTPage struct {
	Topic   string               `json:"topic"`
	Records []tracking.DLTRecord `json:"records"`
}

type recordParser interface {
	Parse(sub parser.Submission) ([]bulk.Record, *parser.Report, error)
}

type batchPublisher interface {
	Publish(ctx context.Context, submission producer.Submission) (*producer.Receipt, error)
}

type terminalNotifier interface {
	BatchTerminal(ctx context.Context, snapshot *tracking.Snapshot)
}

// Params wires the orchestrator.
type Params struct {
	Parser    recordParser
	Publisher batchPublisher
	Tracker   tracking.Store
	// Notifier is optional; when set, cancellations emit a terminal
	// notification from the cancelling process.
	Notifier terminalNotifier
	Bulk     config.BulkConfig
	Kafka    config.KafkaConfig
	Metrics  *metrics.PipelineMetrics
	Logger   *logger.Logger
}

type service struct {
	parser    recordParser
	publisher batchPublisher
	tracker   tracking.Store
	notifier  terminalNotifier
	chunkSize int
	dltTopic  string
	metrics   *metrics.PipelineMetrics
	logg      *logger.Logger
	now       func() time.Time
}

// NewService builds the submission orchestrator.
func NewService(params Params) (Service, error) {
	if params.Parser == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfigurationError, "orchestrator requires a parser")
	}
	if params.Publisher == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfigurationError, "orchestrator requires a publisher")
	}
	if params.Tracker == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfigurationError, "orchestrator requires a tracking store")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfigurationError, "orchestrator requires a logger")
	}
	if params.Bulk.ChunkSize <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeConfigurationError, "orchestrator requires a positive chunk size")
	}
	return &service{
		parser:    params.Parser,
		publisher: params.Publisher,
		tracker:   params.Tracker,
		notifier:  params.Notifier,
		chunkSize: params.Bulk.ChunkSize,
		dltTopic:  params.Kafka.DLTTopic(),
		metrics:   params.Metrics,
		logg:      params.Logger,
		now:       time.Now,
	}, nil
}

// Submit parses the upload, seeds tracking, and fans the records out to the
// bulk topic. The response returns as soon as the broker has the chunks;
// processing progress is observed through the status surface.
func (s *service) Submit(ctx context.Context, sub parser.Submission, uploadedBy string) (*SubmitResult, error) {
	if uploadedBy == "" {
		uploadedBy = defaultSubmitter
	}

	records, report, err := s.parser.Parse(sub)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeEmptyFile, "no valid records found in file").WithDetails(report)
	}

	batchID := bulk.NewBatchID()
	totalChunks := bulk.TotalChunks(len(records), s.chunkSize)
	logCtx := s.logg.WithBatchID(ctx, batchID)

	// Best effort: workers also initialize on first chunk delivery, so a
	// tracking outage here must not fail the submission.
	s.tracker.Initialize(ctx, tracking.InitializeParams{
		BatchID:        batchID,
		TotalChunks:    totalChunks,
		TotalRecords:   len(records),
		SubmittedBy:    uploadedBy,
		SourceFilename: sub.Filename,
	})

	receipt, err := s.publisher.Publish(ctx, producer.Submission{
		BatchID:        batchID,
		Records:        records,
		SubmittedBy:    uploadedBy,
		SourceFilename: sub.Filename,
	})
	if err != nil {
		// Nothing reached the broker, so retire the batch we just seeded.
		if _, cancelErr := s.tracker.Cancel(ctx, batchID, "publish failed"); cancelErr != nil {
			s.logg.Error(logCtx, "retiring unpublished batch", cancelErr)
		}
		return nil, err
	}

	s.metrics.IncBatchAccepted(len(records))
	s.logg.Info(logCtx, fmt.Sprintf("batch accepted with %d records in %d chunks", len(records), receipt.TotalChunks))

	return &SubmitResult{
		BatchID:      batchID,
		TotalRecords: len(records),
		TotalChunks:  receipt.TotalChunks,
		AcceptedAt:   s.now().UTC(),
		Report:       report,
	}, nil
}

// Status returns the stored batch snapshot. The status a caller sees is
// always the stored one, never recomputed from the chunk set.
func (s *service) Status(ctx context.Context, batchID string) (*tracking.Snapshot, error) {
	if batchID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeNullRequest, "batch id is required")
	}
	snap, err := s.tracker.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, pkgerrors.New(pkgerrors.CodeTicketNotFound, "batch not found")
	}
	return snap, nil
}

// Failures returns one page of the batch's failure list in insertion order.
func (s *service) Failures(ctx context.Context, batchID string, page, size int) (*FailurePage, error) {
	if batchID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeNullRequest, "batch id is required")
	}
	snap, err := s.tracker.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, pkgerrors.New(pkgerrors.CodeTicketNotFound, "batch not found")
	}

	offset, limit := pagination.NormalizePage(page, size)
	records, total, err := s.tracker.ListFailures(ctx, batchID, offset, limit)
	if err != nil {
		return nil, err
	}
	totalPages := 0
	if total > 0 {
		totalPages = int((total + int64(limit) - 1) / int64(limit))
	}
	return &FailurePage{
		BatchID:       batchID,
		Page:          offset / limit,
		Size:          limit,
		TotalElements: total,
		TotalPages:    totalPages,
		Failures:      records,
	}, nil
}

// Active lists batches that have not reached a terminal status.
func (s *service) Active(ctx context.Context) ([]string, error) {
	return s.tracker.ListActive(ctx)
}

// Cancel requests an advisory cancellation for the batch.
func (s *service) Cancel(ctx context.Context, batchID, reason string) (*CancelResult, error) {
	if batchID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeNullRequest, "batch id is required")
	}
	changed, err := s.tracker.Cancel(ctx, batchID, reason)
	if err != nil {
		return nil, err
	}
	if changed && s.notifier != nil {
		if snap, snapErr := s.tracker.Get(ctx, batchID); snapErr == nil && snap != nil {
			s.notifier.BatchTerminal(ctx, snap)
		}
	}
	return &CancelResult{BatchID: batchID, Cancelled: changed, Advisory: true, Reason: reason}, nil
}

// DLT returns an insertion-order snapshot of one topic's dead-letter list.
// An empty topic defaults to the bulk dead-letter topic, which is where the
// DLT consumer files everything it sees.
func (s *service) DLT(ctx context.Context, topic string, limit int) (*DLTPage, error) {
	if topic == "" {
		topic = s.dltTopic
	}
	if limit <= 0 {
		limit = pagination.DefaultPageSize
	}
	if limit > pagination.MaxPageSize {
		limit = pagination.MaxPageSize
	}
	records, err := s.tracker.ListDLT(ctx, topic, limit)
	if err != nil {
		return nil, err
	}
	return &DLTPage{Topic: topic, Records: records}, nil
}
