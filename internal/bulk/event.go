package bulk

import (
	"time"

	"github.com/google/uuid"

	pkgerrors "github.com/opsdesk/opsdesk-backend/pkg/errors"
)

// Event is the envelope published to the bulk topic, one per chunk. The
// consumer treats it as the unit of delivery and acknowledgment.
type Event struct {
	EventID        string    `json:"event_id"`
	BatchID        string    `json:"batch_id"`
	ChunkIndex     int       `json:"chunk_index"`
	TotalChunks    int       `json:"total_chunks"`
	Records        []Record  `json:"records"`
	SubmittedBy    string    `json:"submitted_by"`
	SourceFilename string    `json:"source_filename"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewEvent builds the envelope for one chunk of a batch.
func NewEvent(batchID string, chunkIndex, totalChunks int, records []Record, submittedBy, sourceFilename string) Event {
	return Event{
		EventID:        uuid.NewString(),
		BatchID:        batchID,
		ChunkIndex:     chunkIndex,
		TotalChunks:    totalChunks,
		Records:        records,
		SubmittedBy:    submittedBy,
		SourceFilename: sourceFilename,
		Timestamp:      time.Now().UTC(),
	}
}

// ChunkKey returns the transport key for the event's chunk.
func (e Event) ChunkKey() string {
	return ChunkKey(e.BatchID, e.ChunkIndex)
}

// Validate checks the structural minimum a consumer needs before touching
// the tracking store: a batch id and a records list, which may be empty.
func (e *Event) Validate() error {
	if e == nil {
		return pkgerrors.New(pkgerrors.CodeNullRequest, "bulk event is nil")
	}
	if e.BatchID == "" {
		return pkgerrors.New(pkgerrors.CodeInvalidRowData, "bulk event missing batch id")
	}
	if e.Records == nil {
		return pkgerrors.New(pkgerrors.CodeInvalidRowData, "bulk event missing records list")
	}
	if e.ChunkIndex < 0 || e.TotalChunks <= 0 || e.ChunkIndex >= e.TotalChunks {
		return pkgerrors.New(pkgerrors.CodeInvalidRowData, "bulk event chunk index out of range")
	}
	return nil
}
