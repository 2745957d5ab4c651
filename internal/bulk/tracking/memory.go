package tracking

import (
	"sort"
	"sync"
	"time"

	"github.com/opsdesk/opsdesk-backend/pkg/enums"
	pkgerrors "github.com/opsdesk/opsdesk-backend/pkg/errors"
)

// memoryStore is the per-process fallback engaged when Redis is unreachable.
// It mirrors the remote semantics under a single mutex.
type memoryStore struct {
	mu      sync.Mutex
	batches map[string]*memoryBatch
	dlt     map[string][]DLTRecord
	now     func() time.Time
}

type memoryBatch struct {
	snapshot Snapshot
	chunks   map[int]bool
	failures []FailureRecord
}

func newMemoryStore(now func() time.Time) *memoryStore {
	return &memoryStore{
		batches: make(map[string]*memoryBatch),
		dlt:     make(map[string][]DLTRecord),
		now:     now,
	}
}

func (m *memoryStore) initialize(params InitializeParams) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[params.BatchID]; ok {
		return
	}
	started := m.now().UTC()
	m.batches[params.BatchID] = &memoryBatch{
		snapshot: Snapshot{
			BatchID:        params.BatchID,
			Status:         enums.BatchStatusAccepted,
			TotalChunks:    params.TotalChunks,
			TotalRecords:   params.TotalRecords,
			SubmittedBy:    params.SubmittedBy,
			SourceFilename: params.SourceFilename,
			StartedAt:      &started,
		},
		chunks: make(map[int]bool),
	}
}

// ensure returns the batch, creating a skeleton when an update arrives for a
// batch whose initialize call was lost. Skeletons have unknown totals, so
// they never self-terminate.
func (m *memoryStore) ensure(batchID string) *memoryBatch {
	batch, ok := m.batches[batchID]
	if !ok {
		started := m.now().UTC()
		batch = &memoryBatch{
			snapshot: Snapshot{
				BatchID:   batchID,
				Status:    enums.BatchStatusInProgress,
				StartedAt: &started,
			},
			chunks: make(map[int]bool),
		}
		m.batches[batchID] = batch
	}
	return batch
}

func (m *memoryStore) markInProgress(batchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := m.ensure(batchID)
	if batch.snapshot.Status == enums.BatchStatusAccepted {
		batch.snapshot.Status = enums.BatchStatusInProgress
	}
}

func (m *memoryStore) recordSuccess(batchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure(batchID).snapshot.SuccessCount++
}

func (m *memoryStore) recordFailure(batchID string, record FailureRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := m.ensure(batchID)
	batch.snapshot.FailureCount++
	batch.failures = append(batch.failures, record)
}

func (m *memoryStore) recordSkipped(batchID string, record FailureRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := m.ensure(batchID)
	batch.snapshot.SkippedCount++
	batch.failures = append(batch.failures, record)
}

func (m *memoryStore) completeChunk(batchID string, chunkIndex int) ChunkCompletion {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := m.ensure(batchID)
	batch.chunks[chunkIndex] = true
	snap := &batch.snapshot
	snap.CompletedChunks = len(batch.chunks)
	if snap.Status.IsTerminal() {
		return ChunkCompletion{Status: snap.Status, CompletedChunks: snap.CompletedChunks, Terminal: true}
	}
	if snap.TotalChunks > 0 && snap.CompletedChunks >= snap.TotalChunks {
		snap.Status = deriveTerminal(snap.SuccessCount, snap.FailureCount, snap.SkippedCount)
		ended := m.now().UTC()
		snap.EndedAt = &ended
		return ChunkCompletion{Status: snap.Status, CompletedChunks: snap.CompletedChunks, Terminal: true, JustEnded: true}
	}
	return ChunkCompletion{Status: snap.Status, CompletedChunks: snap.CompletedChunks}
}

func (m *memoryStore) cancel(batchID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, ok := m.batches[batchID]
	if !ok {
		return false, pkgerrors.New(pkgerrors.CodeTicketNotFound, "batch not found")
	}
	if batch.snapshot.Status.IsTerminal() {
		return false, nil
	}
	batch.snapshot.Status = enums.BatchStatusCancelled
	batch.snapshot.CancelReason = reason
	ended := m.now().UTC()
	batch.snapshot.EndedAt = &ended
	return true, nil
}

func (m *memoryStore) get(batchID string) *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, ok := m.batches[batchID]
	if !ok {
		return nil
	}
	snap := batch.snapshot
	return &snap
}

func (m *memoryStore) listActive() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, batch := range m.batches {
		if !batch.snapshot.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *memoryStore) listFailures(batchID string, offset, limit int) ([]FailureRecord, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch, ok := m.batches[batchID]
	if !ok {
		return nil, 0
	}
	total := int64(len(batch.failures))
	if limit <= 0 || offset >= len(batch.failures) {
		return nil, total
	}
	end := offset + limit
	if end > len(batch.failures) {
		end = len(batch.failures)
	}
	page := make([]FailureRecord, end-offset)
	copy(page, batch.failures[offset:end])
	return page, total
}

func (m *memoryStore) appendDLT(record DLTRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dlt[record.OriginTopic] = append(m.dlt[record.OriginTopic], record)
}

func (m *memoryStore) listDLT(topic string, limit int) []DLTRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := m.dlt[topic]
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	page := make([]DLTRecord, len(records))
	copy(page, records)
	return page
}
