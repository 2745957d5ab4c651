// Package consumer drains the bulk topic and drives chunk processing.
//
// Each worker owns one consumer-group reader. A fetched message is decoded,
// validated, processed record by record, marked complete in tracking, and
// only then committed. Retryable failures are redelivered in process with
// exponential backoff; everything else is parked on the dead-letter topic so
// a poisoned chunk never wedges its partition.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	kgo "github.com/segmentio/kafka-go"
	"go.uber.org/multierr"

	"github.com/opsdesk/opsdesk-backend/internal/bulk"
	"github.com/opsdesk/opsdesk-backend/internal/bulk/tracking"
	"github.com/opsdesk/opsdesk-backend/internal/tickets"
	"github.com/opsdesk/opsdesk-backend/pkg/config"
	"github.com/opsdesk/opsdesk-backend/pkg/enums"
	pkgerrors "github.com/opsdesk/opsdesk-backend/pkg/errors"
	"github.com/opsdesk/opsdesk-backend/pkg/logger"
	"github.com/opsdesk/opsdesk-backend/pkg/metrics"
)

// Dead-letter headers carry enough context to triage a parked chunk without
// decoding its payload. The DLT recorder copies them into the audit entry.
const (
	headerOriginTopic  = "x-dlt-origin-topic"
	headerErrorCode    = "x-dlt-error-code"
	headerErrorMessage = "x-dlt-error-message"
	headerFailedAt     = "x-dlt-failed-at"
)

const commitTimeout = 5 * time.Second

// Reader is the consumer-group surface a worker drives. *kafka.Reader
// satisfies it.
type Reader interface {
	FetchMessage(ctx context.Context) (kgo.Message, error)
	CommitMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

type chunkWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
}

type recordCreator interface {
	CreateFromRecord(ctx context.Context, batchID string, record bulk.Record) (tickets.CreateOutcome, error)
}

type terminalNotifier interface {
	BatchTerminal(ctx context.Context, snapshot *tracking.Snapshot)
}

// Params wires the worker pool.
type Params struct {
	// Readers holds one group member per worker. Pool takes ownership and
	// closes them when Run returns.
	Readers []Reader
	// DLT publishes exhausted and non-retryable chunks to the dead-letter
	// topic.
	DLT      chunkWriter
	Tickets  recordCreator
	Tracker  tracking.Store
	Notifier terminalNotifier
	Bulk     config.BulkConfig
	Kafka    config.KafkaConfig
	Metrics  *metrics.PipelineMetrics
	Logger   *logger.Logger
}

// Pool runs the chunk-processing workers.
type Pool struct {
	readers     []Reader
	dlt         chunkWriter
	tickets     recordCreator
	tracker     tracking.Store
	notifier    terminalNotifier
	backoff     backoffPolicy
	sendTimeout time.Duration
	metrics     *metrics.PipelineMetrics
	logg        *logger.Logger
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
}

// NewPool builds the worker pool. Notifier may be nil.
func NewPool(params Params) (*Pool, error) {
	if len(params.Readers) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeConfigurationError, "consumer pool requires at least one reader")
	}
	for _, reader := range params.Readers {
		if reader == nil {
			return nil, pkgerrors.New(pkgerrors.CodeConfigurationError, "consumer pool readers must be non-nil")
		}
	}
	if params.DLT == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfigurationError, "consumer pool requires a dead-letter writer")
	}
	if params.Tickets == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfigurationError, "consumer pool requires the ticket service")
	}
	if params.Tracker == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfigurationError, "consumer pool requires a tracking store")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfigurationError, "consumer pool requires a logger")
	}
	return &Pool{
		readers:     params.Readers,
		dlt:         params.DLT,
		tickets:     params.Tickets,
		tracker:     params.Tracker,
		notifier:    params.Notifier,
		backoff:     newBackoffPolicy(params.Bulk),
		sendTimeout: params.Kafka.ProducerSendTimeout(),
		metrics:     params.Metrics,
		logg:        params.Logger,
		sleep:       sleepContext,
		now:         time.Now,
	}, nil
}

// Run blocks until the context is canceled and every worker has drained.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	workerErrs := make([]error, len(p.readers))
	for i := range p.readers {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			workerErrs[workerID] = p.runWorker(ctx, workerID, p.readers[workerID])
		}(i)
	}
	wg.Wait()

	var combined error
	for _, err := range workerErrs {
		combined = multierr.Append(combined, err)
	}
	return combined
}

func (p *Pool) runWorker(ctx context.Context, workerID int, reader Reader) error {
	defer func() {
		if err := reader.Close(); err != nil {
			p.logg.Error(ctx, "closing bulk reader", err)
		}
	}()

	logCtx := p.logg.WithField(ctx, "worker_id", workerID)
	p.logg.Info(logCtx, "bulk worker started")
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				p.logg.Info(logCtx, "bulk worker stopping")
				return nil
			}
			p.logg.Error(logCtx, "fetching bulk message", err)
			return pkgerrors.Wrap(pkgerrors.CodeKafkaConsumerError, err, "fetch bulk message")
		}
		p.handleMessage(logCtx, reader, msg)
	}
}

// handleMessage sees one delivery through to a commit. The offset only
// advances after the chunk is fully processed or parked on the dead-letter
// topic, so a crash mid-flight redelivers it.
func (p *Pool) handleMessage(ctx context.Context, reader Reader, msg kgo.Message) {
	logCtx := p.logg.WithTopic(ctx, msg.Topic)
	logCtx = p.logg.WithFields(logCtx, map[string]any{
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})
	if len(msg.Key) > 0 {
		logCtx = p.logg.WithChunkKey(logCtx, string(msg.Key))
	}

	start := p.now()
	interval := p.backoff.initial
	for attempt := 1; ; attempt++ {
		err := p.processChunk(logCtx, msg)
		if err == nil {
			break
		}
		if !pkgerrors.IsRetryable(err) {
			p.logg.Error(logCtx, "chunk failed terminally, parking on dead-letter topic", err)
			if !p.park(logCtx, msg, err) {
				return
			}
			break
		}
		if attempt >= p.backoff.maxAttempts {
			p.logg.Error(logCtx, "chunk retries exhausted, parking on dead-letter topic", err)
			if !p.park(logCtx, msg, err) {
				return
			}
			break
		}

		p.metrics.IncRetry()
		retryCtx := p.logg.WithFields(logCtx, map[string]any{
			"attempt":  attempt,
			"retry_in": interval.String(),
		})
		p.logg.Warn(retryCtx, "chunk failed, scheduling redelivery")
		if sleepErr := p.sleep(ctx, interval); sleepErr != nil {
			// Shutdown during backoff: leave the offset uncommitted so the
			// chunk comes back after the rebalance.
			return
		}
		interval = p.backoff.next(interval)
	}

	p.metrics.ObserveChunkDuration(p.now().Sub(start))
	p.commit(logCtx, reader, msg)
}

// park publishes the raw message to the dead-letter topic. A false return
// means the publish itself failed; the caller must then skip the commit so
// the chunk is redelivered rather than silently dropped.
func (p *Pool) park(ctx context.Context, msg kgo.Message, cause error) bool {
	code := pkgerrors.Classify(cause)
	headers := []kgo.Header{
		{Key: headerOriginTopic, Value: []byte(msg.Topic)},
		{Key: headerErrorCode, Value: []byte(code)},
		{Key: headerErrorMessage, Value: []byte(cause.Error())},
		{Key: headerFailedAt, Value: []byte(p.now().UTC().Format(time.RFC3339Nano))},
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	defer cancel()
	if err := p.dlt.WriteMessages(writeCtx, kgo.Message{Key: msg.Key, Value: msg.Value, Headers: headers}); err != nil {
		p.logg.Error(ctx, "dead-letter publish failed, leaving offset uncommitted", err)
		return false
	}
	p.metrics.IncDLTPublished(string(code))
	p.metrics.IncChunkConsumed("dead_lettered")
	return true
}

func (p *Pool) commit(ctx context.Context, reader Reader, msg kgo.Message) {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := reader.CommitMessages(commitCtx, msg); err != nil {
		// At-least-once: the chunk is redelivered and the idempotent record
		// path absorbs the duplicates.
		p.logg.Error(ctx, "offset commit failed", err)
	}
}

// processChunk runs the per-delivery state machine: decode, validate, seed
// tracking, honor cancellation, create each record, then mark the chunk
// complete. A returned error aborts the attempt; nil means the chunk is
// disposed of regardless of individual record outcomes.
func (p *Pool) processChunk(ctx context.Context, msg kgo.Message) error {
	var event bulk.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeKafkaDeserializationError, err, "decode bulk event")
	}
	if err := event.Validate(); err != nil {
		return err
	}

	logCtx := p.logg.WithBatchID(ctx, event.BatchID)
	logCtx = p.logg.WithField(logCtx, "chunk_index", event.ChunkIndex)

	// Record count is this chunk's share times the chunk count, an estimate
	// that only sticks when the submitter's exact seed never arrived.
	p.tracker.Initialize(logCtx, tracking.InitializeParams{
		BatchID:        event.BatchID,
		TotalChunks:    event.TotalChunks,
		TotalRecords:   len(event.Records) * event.TotalChunks,
		SubmittedBy:    event.SubmittedBy,
		SourceFilename: event.SourceFilename,
	})

	if p.cancelled(logCtx, event.BatchID) {
		p.logg.Info(logCtx, "batch cancelled, skipping chunk")
		p.metrics.IncChunkConsumed("cancelled")
		return nil
	}

	p.tracker.MarkInProgress(logCtx, event.BatchID)

	if len(event.Records) == 0 {
		p.logg.Warn(logCtx, "bulk event carried no records")
	}
	for _, record := range event.Records {
		if err := p.processRecord(logCtx, event.BatchID, record); err != nil {
			return err
		}
	}

	completion := p.tracker.CompleteChunk(logCtx, event.BatchID, event.ChunkIndex)
	p.logg.Info(p.logg.WithFields(logCtx, map[string]any{
		"completed_chunks": completion.CompletedChunks,
		"status":           string(completion.Status),
	}), "chunk processed")
	if completion.JustEnded {
		p.announceTerminal(logCtx, event.BatchID)
	}
	p.metrics.IncChunkConsumed("processed")
	return nil
}

// cancelled polls the advisory cancellation flag. Store errors read as not
// cancelled; a cancel racing this check only costs one extra chunk of work.
func (p *Pool) cancelled(ctx context.Context, batchID string) bool {
	snapshot, err := p.tracker.Get(ctx, batchID)
	if err != nil || snapshot == nil {
		return false
	}
	return snapshot.Status == enums.BatchStatusCancelled
}

// processRecord creates one ticket and files the outcome. Only errors that
// are retryable at the chunk level propagate; everything else is recorded
// and the loop moves on so one bad row cannot poison its neighbors.
func (p *Pool) processRecord(ctx context.Context, batchID string, record bulk.Record) error {
	outcome, err := p.tickets.CreateFromRecord(ctx, batchID, record)
	if err == nil {
		if outcome.AlreadyExists {
			p.tracker.RecordSkipped(ctx, batchID, record.BusinessKey, "ticket number already exists")
			p.metrics.IncRecordOutcome("skipped")
			return nil
		}
		p.tracker.RecordSuccess(ctx, batchID)
		p.metrics.IncRecordOutcome("success")
		return nil
	}

	code := pkgerrors.Classify(err)
	switch code {
	case pkgerrors.CodeDuplicateTicket:
		// Lost the unique-constraint race to a concurrent writer.
		p.tracker.RecordFailure(ctx, batchID, record.BusinessKey, code, err.Error())
	case pkgerrors.CodeNullRequest,
		pkgerrors.CodeInvalidRowData,
		pkgerrors.CodeMissingTicketNumber,
		pkgerrors.CodeInvalidCustomerID,
		pkgerrors.CodeMissingTitle,
		pkgerrors.CodeInvalidStatusTransition,
		pkgerrors.CodeInvalidPriority:
		// Validation never survives a retry; record and move on.
		p.tracker.RecordFailure(ctx, batchID, record.BusinessKey, code, err.Error())
	case pkgerrors.CodeDatabaseError:
		p.tracker.RecordFailure(ctx, batchID, record.BusinessKey, code, err.Error())
	default:
		if pkgerrors.IsRetryable(err) {
			return err
		}
		p.tracker.RecordFailure(ctx, batchID, record.BusinessKey, pkgerrors.CodeChunkProcessingFailed, err.Error())
	}
	p.metrics.IncRecordOutcome("failure")
	return nil
}

func (p *Pool) announceTerminal(ctx context.Context, batchID string) {
	snapshot, err := p.tracker.Get(ctx, batchID)
	if err != nil || snapshot == nil {
		return
	}
	p.logg.Info(p.logg.WithField(ctx, "status", string(snapshot.Status)), "batch reached terminal status")
	if p.notifier != nil {
		p.notifier.BatchTerminal(ctx, snapshot)
	}
}
