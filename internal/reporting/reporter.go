// Package reporting streams one fact row per finished batch into BigQuery.
package reporting

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	cbigquery "cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/opsdesk/opsdesk-backend/internal/bulk/tracking"
	pkgerrors "github.com/opsdesk/opsdesk-backend/pkg/errors"
	"github.com/opsdesk/opsdesk-backend/pkg/logger"
)

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaximumBackoff = 2 * time.Second
)

// BatchFactRow is the warehouse shape of a finished batch.
type BatchFactRow struct {
	BatchID         string                  `bigquery:"batch_id"`
	Status          string                  `bigquery:"status"`
	TotalRecords    int64                   `bigquery:"total_records"`
	TotalChunks     int64                   `bigquery:"total_chunks"`
	CompletedChunks int64                   `bigquery:"completed_chunks"`
	SuccessCount    int64                   `bigquery:"success_count"`
	FailureCount    int64                   `bigquery:"failure_count"`
	SkippedCount    int64                   `bigquery:"skipped_count"`
	SubmittedBy     string                  `bigquery:"submitted_by"`
	SourceFilename  string                  `bigquery:"source_filename"`
	StartedAt       cbigquery.NullTimestamp `bigquery:"started_at"`
	EndedAt         cbigquery.NullTimestamp `bigquery:"ended_at"`
	DurationSeconds cbigquery.NullFloat64   `bigquery:"duration_seconds"`
	RecordedAt      time.Time               `bigquery:"recorded_at"`
}

// RetryPolicy bounds how hard a single insert is retried.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaximumBackoff time.Duration
}

type tableInserter interface {
	InsertRows(ctx context.Context, table string, rows []any) error
}

// Params wires the reporter.
type Params struct {
	Client tableInserter
	Table  string
	Retry  RetryPolicy
	Logger *logger.Logger
}

// Reporter writes batch facts with bounded retries. Insert failures are
// logged and swallowed; the warehouse is an observer, never a gate.
type Reporter struct {
	client tableInserter
	table  string
	retry  RetryPolicy
	logg   *logger.Logger
	now    func() time.Time
}

// New builds the reporter. Zero-valued retry fields fall back to defaults.
func New(params Params) (*Reporter, error) {
	if params.Client == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfigurationError, "reporter requires a bigquery client")
	}
	table := strings.TrimSpace(params.Table)
	if table == "" {
		return nil, pkgerrors.New(pkgerrors.CodeConfigurationError, "reporter requires a table name")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfigurationError, "reporter requires a logger")
	}

	retry := params.Retry
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = defaultMaxAttempts
	}
	if retry.InitialBackoff <= 0 {
		retry.InitialBackoff = defaultInitialBackoff
	}
	if retry.MaximumBackoff <= 0 {
		retry.MaximumBackoff = defaultMaximumBackoff
	}
	if retry.MaximumBackoff < retry.InitialBackoff {
		retry.MaximumBackoff = retry.InitialBackoff
	}

	return &Reporter{
		client: params.Client,
		table:  table,
		retry:  retry,
		logg:   params.Logger,
		now:    time.Now,
	}, nil
}

// BatchTerminal records the finished batch in the warehouse.
func (r *Reporter) BatchTerminal(ctx context.Context, snapshot *tracking.Snapshot) {
	if snapshot == nil {
		return
	}
	logCtx := r.logg.WithBatchID(ctx, snapshot.BatchID)

	row := r.buildRow(snapshot)
	if err := r.insertWithRetry(ctx, []any{&row}); err != nil {
		r.logg.Error(logCtx, "recording batch fact", err)
		return
	}
	r.logg.Info(logCtx, "batch fact recorded")
}

func (r *Reporter) buildRow(snapshot *tracking.Snapshot) BatchFactRow {
	row := BatchFactRow{
		BatchID:         snapshot.BatchID,
		Status:          string(snapshot.Status),
		TotalRecords:    int64(snapshot.TotalRecords),
		TotalChunks:     int64(snapshot.TotalChunks),
		CompletedChunks: int64(snapshot.CompletedChunks),
		SuccessCount:    snapshot.SuccessCount,
		FailureCount:    snapshot.FailureCount,
		SkippedCount:    snapshot.SkippedCount,
		SubmittedBy:     snapshot.SubmittedBy,
		SourceFilename:  snapshot.SourceFilename,
		RecordedAt:      r.now().UTC(),
	}
	if snapshot.StartedAt != nil {
		row.StartedAt = cbigquery.NullTimestamp{Timestamp: snapshot.StartedAt.UTC(), Valid: true}
	}
	if snapshot.EndedAt != nil {
		row.EndedAt = cbigquery.NullTimestamp{Timestamp: snapshot.EndedAt.UTC(), Valid: true}
	}
	if snapshot.StartedAt != nil && snapshot.EndedAt != nil {
		row.DurationSeconds = cbigquery.NullFloat64{
			Float64: snapshot.EndedAt.Sub(*snapshot.StartedAt).Seconds(),
			Valid:   true,
		}
	}
	return row
}

func (r *Reporter) insertWithRetry(ctx context.Context, rows []any) error {
	attempts := 0
	backoff := r.retry.InitialBackoff

	for {
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		err := r.client.InsertRows(ctx, r.table, rows)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= r.retry.MaxAttempts || !retryableInsertError(err) {
			return err
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		timer.Stop()

		backoff = minDuration(backoff*2, r.retry.MaximumBackoff)
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// retryableInsertError unwraps the layered BigQuery error shapes; an insert
// is retried only when every row-level cause is itself retryable.
func retryableInsertError(err error) bool {
	if err == nil {
		return false
	}

	var multi *cbigquery.MultiError
	if errors.As(err, &multi) {
		if multi == nil || len(*multi) == 0 {
			return false
		}
		for _, inner := range *multi {
			if !retryableInsertError(inner) {
				return false
			}
		}
		return true
	}

	var putMulti *cbigquery.PutMultiError
	if errors.As(err, &putMulti) {
		if putMulti == nil || len(*putMulti) == 0 {
			return false
		}
		for _, rowErr := range *putMulti {
			if !retryableInsertError(rowErr.Errors) {
				return false
			}
		}
		return true
	}

	var rowErr *cbigquery.RowInsertionError
	if errors.As(err, &rowErr) {
		if rowErr == nil || len(rowErr.Errors) == 0 {
			return false
		}
		for _, inner := range rowErr.Errors {
			if !retryableInsertError(inner) {
				return false
			}
		}
		return true
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return retryableHTTPCode(apiErr.Code)
	}

	var statusErr interface{ GRPCStatus() *status.Status }
	if errors.As(err, &statusErr) {
		if st := statusErr.GRPCStatus(); st != nil {
			return retryableGRPCCode(st.Code())
		}
	}

	return false
}

func retryableHTTPCode(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func retryableGRPCCode(code codes.Code) bool {
	switch code {
	case codes.Aborted,
		codes.DeadlineExceeded,
		codes.Internal,
		codes.ResourceExhausted,
		codes.Unavailable:
		return true
	default:
		return false
	}
}
