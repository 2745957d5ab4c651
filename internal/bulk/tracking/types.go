package tracking

import (
	"time"

	"github.com/opsdesk/opsdesk-backend/pkg/enums"
	pkgerrors "github.com/opsdesk/opsdesk-backend/pkg/errors"
)

// Snapshot is a point-in-time view of one batch. External status responses
// are shaped from these stored fields, never recomputed from chunk lists.
type Snapshot struct {
	BatchID         string            `json:"batchId"`
	Status          enums.BatchStatus `json:"status"`
	TotalChunks     int               `json:"totalChunks"`
	CompletedChunks int               `json:"completedChunks"`
	TotalRecords    int               `json:"totalRecords"`
	SuccessCount    int64             `json:"successCount"`
	FailureCount    int64             `json:"failureCount"`
	SkippedCount    int64             `json:"skippedCount"`
	StartedAt       *time.Time        `json:"startedAt,omitempty"`
	EndedAt         *time.Time        `json:"endedAt,omitempty"`
	SubmittedBy     string            `json:"submittedBy,omitempty"`
	SourceFilename  string            `json:"sourceFilename,omitempty"`
	CancelReason    string            `json:"cancelReason,omitempty"`
}

// FailureRecord is one failed record within a batch, kept in insertion order.
type FailureRecord struct {
	BusinessKey string         `json:"businessKey"`
	ErrorCode   pkgerrors.Code `json:"errorCode"`
	Message     string         `json:"message"`
	Timestamp   time.Time      `json:"timestamp"`
}

// DLTRecord is one dead-lettered message observed by the DLT consumer.
type DLTRecord struct {
	OriginTopic     string     `json:"originTopic"`
	MessageKey      string     `json:"messageKey"`
	PayloadSnapshot string     `json:"payloadSnapshot"`
	Timestamp       time.Time  `json:"timestamp"`
	ErrorMessage    string     `json:"errorMessage"`
	ErrorClassTag   string     `json:"errorClassTag"`
	Reprocessed     bool       `json:"reprocessed"`
	ReprocessedAt   *time.Time `json:"reprocessedAt,omitempty"`
	Notes           string     `json:"notes,omitempty"`
}

// InitializeParams seeds a new batch aggregate.
type InitializeParams struct {
	BatchID        string
	TotalChunks    int
	TotalRecords   int
	SubmittedBy    string
	SourceFilename string
}

// ChunkCompletion reports the batch view right after a chunk completion.
// JustEnded is true only for the call that performed the terminal
// transition, so completion side effects fire exactly once.
type ChunkCompletion struct {
	Status          enums.BatchStatus
	CompletedChunks int
	Terminal        bool
	JustEnded       bool
}

// deriveTerminal maps final counters to the batch terminal status. A batch
// counts as COMPLETED only when every record succeeded; skipped duplicates
// demote it to PARTIALLY_COMPLETED. An empty batch lands on COMPLETED.
func deriveTerminal(successCount, failureCount, skippedCount int64) enums.BatchStatus {
	if failureCount == 0 && skippedCount == 0 {
		return enums.BatchStatusCompleted
	}
	if successCount == 0 && failureCount > 0 {
		return enums.BatchStatusFailed
	}
	return enums.BatchStatusPartiallyCompleted
}
