package bulk

import (
	"github.com/opsdesk/opsdesk-backend/pkg/enums"
)

// Record is a single validated work item produced by the parser. Records are
// immutable once built; downstream components read but never mutate them.
type Record struct {
	BusinessKey string               `json:"business_key"`
	Title       string               `json:"title"`
	CustomerID  int64                `json:"customer_id"`
	Description *string              `json:"description,omitempty"`
	Status      enums.TicketStatus   `json:"status"`
	Priority    enums.TicketPriority `json:"priority"`
	AssigneeID  *int64               `json:"assignee_id,omitempty"`
}

// Chunk groups at most ChunkSize records for transport. The index is 0-based
// and total carries the batch-wide chunk count so any chunk is self-describing.
func Chunk(records []Record, size int) [][]Record {
	if size <= 0 {
		size = 1
	}
	if len(records) == 0 {
		return nil
	}
	chunks := make([][]Record, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		chunks = append(chunks, records[start:end])
	}
	return chunks
}

// TotalChunks returns the chunk count for a record count at the given size.
func TotalChunks(recordCount, size int) int {
	if size <= 0 || recordCount <= 0 {
		return 0
	}
	return (recordCount + size - 1) / size
}
