package bulk

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// batchIDPrefix namespaces batch identifiers so they are recognizable in
// logs, topics, and the tracking store.
const batchIDPrefix = "BATCH"

// NewBatchID mints a batch identifier of the form
// BATCH-<unix-millis>-<8 hex chars>. The millis component keeps identifiers
// roughly sortable by submission time; the random suffix breaks ties.
func NewBatchID() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:8]
	return fmt.Sprintf("%s-%d-%s", batchIDPrefix, time.Now().UnixMilli(), suffix)
}

// ChunkKey addresses a single chunk within a batch. It doubles as the
// partition key on the bulk topic.
func ChunkKey(batchID string, chunkIndex int) string {
	return fmt.Sprintf("%s-CHUNK-%d", batchID, chunkIndex)
}
