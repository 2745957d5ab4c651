// Package tracking maintains bulk batch lifecycle state in Redis.
//
// Chunk processing must never stall because tracking is down, so every
// mutation here is best effort: store failures are logged and the update is
// replayed against a per-process in-memory fallback. The fallback is a
// degradation, not a guarantee; other processes cannot see it.
package tracking

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"go.uber.org/multierr"

	"github.com/opsdesk/opsdesk-backend/pkg/config"
	"github.com/opsdesk/opsdesk-backend/pkg/enums"
	pkgerrors "github.com/opsdesk/opsdesk-backend/pkg/errors"
	"github.com/opsdesk/opsdesk-backend/pkg/logger"
)

// Store tracks per-batch progress, failures, and dead-lettered chunks.
type Store interface {
	Initialize(ctx context.Context, params InitializeParams)
	MarkInProgress(ctx context.Context, batchID string)
	RecordSuccess(ctx context.Context, batchID string)
	RecordFailure(ctx context.Context, batchID, businessKey string, code pkgerrors.Code, message string)
	RecordSkipped(ctx context.Context, batchID, businessKey, reason string)
	CompleteChunk(ctx context.Context, batchID string, chunkIndex int) ChunkCompletion
	Cancel(ctx context.Context, batchID, reason string) (bool, error)
	Get(ctx context.Context, batchID string) (*Snapshot, error)
	ListActive(ctx context.Context) ([]string, error)
	SweepExpired(ctx context.Context) ([]string, error)
	ListFailures(ctx context.Context, batchID string, offset, limit int) ([]FailureRecord, int64, error)
	AppendDLT(ctx context.Context, topic, messageKey, payload string, cause error)
	ListDLT(ctx context.Context, topic string, limit int) ([]DLTRecord, error)
}

// commands is the slice of the Redis client the store uses.
type commands interface {
	HSet(ctx context.Context, key string, values ...any) error
	HSetNX(ctx context.Context, key, field string, value any) (bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	SAdd(ctx context.Context, key string, members ...any) (int64, error)
	SRem(ctx context.Context, key string, members ...any) error
	SMembers(ctx context.Context, key string) ([]string, error)
	RPush(ctx context.Context, key string, values ...any) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)
}

// Params wires the tracking store.
type Params struct {
	// Commands may be nil, in which case the store runs entirely on the
	// in-process fallback.
	Commands commands
	Config   config.TrackingConfig
	Logger   *logger.Logger
}

type redisStore struct {
	commands commands
	memory   *memoryStore
	batchTTL time.Duration
	dltTTL   time.Duration
	logg     *logger.Logger
	now      func() time.Time
}

// NewStore builds the Redis-backed tracking store.
func NewStore(params Params) (Store, error) {
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfigurationError, "tracking store requires a logger")
	}
	return &redisStore{
		commands: params.Commands,
		memory:   newMemoryStore(time.Now),
		batchTTL: params.Config.BatchTTL(),
		dltTTL:   params.Config.DLTTTL(),
		logg:     params.Logger,
		now:      time.Now,
	}, nil
}

// Initialize seeds the batch aggregate. The status field doubles as the
// creation guard, so concurrent workers racing on the first chunk of a batch
// resolve to exactly one writer; everyone else no-ops.
func (s *redisStore) Initialize(ctx context.Context, params InitializeParams) {
	if s.commands == nil {
		s.memory.initialize(params)
		return
	}
	created, err := s.commands.HSetNX(ctx, statusKey(params.BatchID), fieldStatus, string(enums.BatchStatusAccepted))
	if err != nil {
		s.degrade(ctx, "initialize", params.BatchID, err)
		s.memory.initialize(params)
		return
	}
	if !created {
		return
	}
	err = s.commands.HSet(ctx, statusKey(params.BatchID),
		fieldTotalChunks, params.TotalChunks,
		fieldCompletedChunks, 0,
		fieldTotalRecords, params.TotalRecords,
		fieldSuccessCount, 0,
		fieldFailureCount, 0,
		fieldSkippedCount, 0,
		fieldStartedAt, s.timestamp(),
		fieldSubmittedBy, params.SubmittedBy,
		fieldSourceFilename, params.SourceFilename,
	)
	if err != nil {
		s.degrade(ctx, "initialize", params.BatchID, err)
	}
	if _, err := s.commands.SAdd(ctx, keyActiveBatches, params.BatchID); err != nil {
		s.degrade(ctx, "initialize", params.BatchID, err)
	}
	s.touch(ctx, params.BatchID)
}

// MarkInProgress moves an ACCEPTED batch to IN_PROGRESS when the first chunk
// starts processing. Later states are left alone.
func (s *redisStore) MarkInProgress(ctx context.Context, batchID string) {
	if s.commands == nil {
		s.memory.markInProgress(batchID)
		return
	}
	if _, err := s.commands.Eval(ctx, markInProgressScript, []string{statusKey(batchID)}); err != nil {
		s.degrade(ctx, "mark in progress", batchID, err)
		s.memory.markInProgress(batchID)
	}
}

func (s *redisStore) RecordSuccess(ctx context.Context, batchID string) {
	if s.commands == nil {
		s.memory.recordSuccess(batchID)
		return
	}
	if _, err := s.commands.HIncrBy(ctx, statusKey(batchID), fieldSuccessCount, 1); err != nil {
		s.degrade(ctx, "record success", batchID, err)
		s.memory.recordSuccess(batchID)
		return
	}
	s.touch(ctx, batchID)
}

// RecordFailure increments the failure counter and appends the failure
// detail to the batch failure list in insertion order.
func (s *redisStore) RecordFailure(ctx context.Context, batchID, businessKey string, code pkgerrors.Code, message string) {
	record := FailureRecord{
		BusinessKey: businessKey,
		ErrorCode:   code,
		Message:     message,
		Timestamp:   s.now().UTC(),
	}
	if s.commands == nil {
		s.memory.recordFailure(batchID, record)
		return
	}
	if _, err := s.commands.HIncrBy(ctx, statusKey(batchID), fieldFailureCount, 1); err != nil {
		s.degrade(ctx, "record failure", batchID, err)
		s.memory.recordFailure(batchID, record)
		return
	}
	raw, err := json.Marshal(record)
	if err != nil {
		s.degrade(ctx, "record failure", batchID, err)
		return
	}
	if err := s.commands.RPush(ctx, failuresKey(batchID), string(raw)); err != nil {
		s.degrade(ctx, "record failure", batchID, err)
	}
	s.touch(ctx, batchID)
}

// RecordSkipped counts a record that was neither created nor failed. Skips
// only happen for business keys that already exist, so the detail entry in
// the failure list carries DUPLICATE_TICKET while the counter bumped is
// skipped_count, not failure_count.
func (s *redisStore) RecordSkipped(ctx context.Context, batchID, businessKey, reason string) {
	record := FailureRecord{
		BusinessKey: businessKey,
		ErrorCode:   pkgerrors.CodeDuplicateTicket,
		Message:     reason,
		Timestamp:   s.now().UTC(),
	}
	if s.commands == nil {
		s.memory.recordSkipped(batchID, record)
		return
	}
	if _, err := s.commands.HIncrBy(ctx, statusKey(batchID), fieldSkippedCount, 1); err != nil {
		s.degrade(ctx, "record skipped", batchID, err)
		s.memory.recordSkipped(batchID, record)
		return
	}
	raw, err := json.Marshal(record)
	if err != nil {
		s.degrade(ctx, "record skipped", batchID, err)
		return
	}
	if err := s.commands.RPush(ctx, failuresKey(batchID), string(raw)); err != nil {
		s.degrade(ctx, "record skipped", batchID, err)
	}
	s.touch(ctx, batchID)
}

// CompleteChunk marks one chunk done. The Lua script inserts the chunk index
// and derives the terminal status from counters read inside the same script
// run, so concurrent final chunks cannot both observe "last chunk".
func (s *redisStore) CompleteChunk(ctx context.Context, batchID string, chunkIndex int) ChunkCompletion {
	if s.commands == nil {
		return s.memory.completeChunk(batchID, chunkIndex)
	}
	reply, err := s.commands.Eval(ctx, completeChunkScript,
		[]string{statusKey(batchID), progressKey(batchID), keyActiveBatches},
		chunkIndex, s.timestamp(), batchID)
	if err != nil {
		s.degrade(ctx, "complete chunk", batchID, err)
		return s.memory.completeChunk(batchID, chunkIndex)
	}
	completion, ok := parseCompletion(reply)
	if !ok || completion.Status == "" {
		// Status hash expired or the reply is malformed; the local view is
		// all that is left.
		return s.memory.completeChunk(batchID, chunkIndex)
	}
	s.touch(ctx, batchID)
	return completion
}

// Cancel transitions a non-terminal batch to CANCELLED and reports whether
// this call performed the transition. Cancelling a terminal batch is a
// no-op; cancelling an unknown batch is an error.
func (s *redisStore) Cancel(ctx context.Context, batchID, reason string) (bool, error) {
	if s.commands == nil {
		return s.memory.cancel(batchID, reason)
	}
	reply, err := s.commands.Eval(ctx, cancelScript,
		[]string{statusKey(batchID), keyActiveBatches},
		s.timestamp(), reason, batchID)
	if err != nil {
		s.degrade(ctx, "cancel", batchID, err)
		return s.memory.cancel(batchID, reason)
	}
	values, ok := reply.([]any)
	if !ok || len(values) < 2 {
		return false, pkgerrors.New(pkgerrors.CodeRedisError, "unexpected cancel reply shape")
	}
	status, _ := values[0].(string)
	if status == "" {
		return false, pkgerrors.New(pkgerrors.CodeTicketNotFound, "batch not found")
	}
	changed, _ := values[1].(int64)
	return changed == 1, nil
}

// Get returns the batch snapshot, or nil when the batch is unknown.
func (s *redisStore) Get(ctx context.Context, batchID string) (*Snapshot, error) {
	if s.commands == nil {
		return s.memory.get(batchID), nil
	}
	fields, err := s.commands.HGetAll(ctx, statusKey(batchID))
	if err != nil {
		s.degrade(ctx, "get", batchID, err)
		return s.memory.get(batchID), nil
	}
	if len(fields) == 0 {
		return s.memory.get(batchID), nil
	}
	return snapshotFromFields(batchID, fields), nil
}

func (s *redisStore) ListActive(ctx context.Context) ([]string, error) {
	if s.commands == nil {
		return s.memory.listActive(), nil
	}
	members, err := s.commands.SMembers(ctx, keyActiveBatches)
	if err != nil {
		s.degrade(ctx, "list active", "", err)
		return s.memory.listActive(), nil
	}
	sort.Strings(members)
	return members, nil
}

// SweepExpired drops active-set members whose status hash is gone. The hash
// carries the idle TTL but the set member does not, so a batch that ages out
// leaves a dangling member behind until this runs.
func (s *redisStore) SweepExpired(ctx context.Context) ([]string, error) {
	if s.commands == nil {
		return nil, nil
	}
	members, err := s.commands.SMembers(ctx, keyActiveBatches)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeRedisError, err, "listing active batches")
	}
	sort.Strings(members)

	var removed []string
	var sweepErr error
	for _, batchID := range members {
		fields, err := s.commands.HGetAll(ctx, statusKey(batchID))
		if err != nil {
			sweepErr = multierr.Append(sweepErr, pkgerrors.Wrap(pkgerrors.CodeRedisError, err, "reading batch status"))
			continue
		}
		if len(fields) != 0 {
			continue
		}
		if err := s.commands.SRem(ctx, keyActiveBatches, batchID); err != nil {
			sweepErr = multierr.Append(sweepErr, pkgerrors.Wrap(pkgerrors.CodeRedisError, err, "removing stale member"))
			continue
		}
		removed = append(removed, batchID)
	}
	return removed, sweepErr
}

// ListFailures returns one page of failure details plus the total count.
func (s *redisStore) ListFailures(ctx context.Context, batchID string, offset, limit int) ([]FailureRecord, int64, error) {
	if offset < 0 {
		offset = 0
	}
	if s.commands == nil {
		records, total := s.memory.listFailures(batchID, offset, limit)
		return records, total, nil
	}
	total, err := s.commands.LLen(ctx, failuresKey(batchID))
	if err != nil {
		s.degrade(ctx, "list failures", batchID, err)
		records, memTotal := s.memory.listFailures(batchID, offset, limit)
		return records, memTotal, nil
	}
	if total == 0 || limit <= 0 || int64(offset) >= total {
		return nil, total, nil
	}
	raw, err := s.commands.LRange(ctx, failuresKey(batchID), int64(offset), int64(offset+limit-1))
	if err != nil {
		s.degrade(ctx, "list failures", batchID, err)
		records, memTotal := s.memory.listFailures(batchID, offset, limit)
		return records, memTotal, nil
	}
	records := make([]FailureRecord, 0, len(raw))
	for _, item := range raw {
		var record FailureRecord
		if err := json.Unmarshal([]byte(item), &record); err != nil {
			s.degrade(ctx, "decode failure record", batchID, err)
			continue
		}
		records = append(records, record)
	}
	return records, total, nil
}

// AppendDLT stores an audit entry for a dead-lettered message. Reprocessing
// is manual, so entries start with Reprocessed false.
func (s *redisStore) AppendDLT(ctx context.Context, topic, messageKey, payload string, cause error) {
	record := DLTRecord{
		OriginTopic:     topic,
		MessageKey:      messageKey,
		PayloadSnapshot: payload,
		Timestamp:       s.now().UTC(),
	}
	if cause != nil {
		record.ErrorMessage = cause.Error()
		record.ErrorClassTag = string(pkgerrors.Classify(cause))
	}
	if s.commands == nil {
		s.memory.appendDLT(record)
		return
	}
	raw, err := json.Marshal(record)
	if err != nil {
		s.degrade(ctx, "append dlt", "", err)
		return
	}
	if err := s.commands.RPush(ctx, dltKey(topic), string(raw)); err != nil {
		s.degrade(ctx, "append dlt", "", err)
		s.memory.appendDLT(record)
		return
	}
	if err := s.commands.Expire(ctx, dltKey(topic), s.dltTTL); err != nil {
		s.degrade(ctx, "append dlt", "", err)
	}
}

func (s *redisStore) ListDLT(ctx context.Context, topic string, limit int) ([]DLTRecord, error) {
	if s.commands == nil {
		return s.memory.listDLT(topic, limit), nil
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raw, err := s.commands.LRange(ctx, dltKey(topic), 0, stop)
	if err != nil {
		s.degrade(ctx, "list dlt", "", err)
		return s.memory.listDLT(topic, limit), nil
	}
	records := make([]DLTRecord, 0, len(raw))
	for _, item := range raw {
		var record DLTRecord
		if err := json.Unmarshal([]byte(item), &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// touch refreshes the idle TTL on the batch keys so state survives for the
// configured window past the last update.
func (s *redisStore) touch(ctx context.Context, batchID string) {
	for _, key := range []string{statusKey(batchID), progressKey(batchID), failuresKey(batchID)} {
		if err := s.commands.Expire(ctx, key, s.batchTTL); err != nil {
			s.degrade(ctx, "refresh ttl", batchID, err)
			return
		}
	}
}

func (s *redisStore) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func (s *redisStore) degrade(ctx context.Context, op, batchID string, err error) {
	logCtx := s.logg.WithField(ctx, "tracking_op", op)
	if batchID != "" {
		logCtx = s.logg.WithBatchID(logCtx, batchID)
	}
	s.logg.Error(logCtx, "tracking store degraded, using in-process fallback", err)
}

func parseCompletion(reply any) (ChunkCompletion, bool) {
	values, ok := reply.([]any)
	if !ok || len(values) < 3 {
		return ChunkCompletion{}, false
	}
	rawStatus, ok := values[0].(string)
	if !ok {
		return ChunkCompletion{}, false
	}
	completed, ok := values[1].(int64)
	if !ok {
		return ChunkCompletion{}, false
	}
	ended, ok := values[2].(int64)
	if !ok {
		return ChunkCompletion{}, false
	}
	status := enums.BatchStatus(rawStatus)
	return ChunkCompletion{
		Status:          status,
		CompletedChunks: int(completed),
		Terminal:        status.IsTerminal(),
		JustEnded:       ended == 1,
	}, true
}

func snapshotFromFields(batchID string, fields map[string]string) *Snapshot {
	return &Snapshot{
		BatchID:         batchID,
		Status:          enums.BatchStatus(fields[fieldStatus]),
		TotalChunks:     parseIntField(fields[fieldTotalChunks]),
		CompletedChunks: parseIntField(fields[fieldCompletedChunks]),
		TotalRecords:    parseIntField(fields[fieldTotalRecords]),
		SuccessCount:    parseCountField(fields[fieldSuccessCount]),
		FailureCount:    parseCountField(fields[fieldFailureCount]),
		SkippedCount:    parseCountField(fields[fieldSkippedCount]),
		StartedAt:       parseTimeField(fields[fieldStartedAt]),
		EndedAt:         parseTimeField(fields[fieldEndedAt]),
		SubmittedBy:     fields[fieldSubmittedBy],
		SourceFilename:  fields[fieldSourceFilename],
		CancelReason:    fields[fieldCancelReason],
	}
}

func parseIntField(raw string) int {
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return value
}

func parseCountField(raw string) int64 {
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return value
}

func parseTimeField(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil
	}
	parsed = parsed.UTC()
	return &parsed
}
