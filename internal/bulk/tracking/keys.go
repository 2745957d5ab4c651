package tracking

// Store keys are deliberately not routed through the client-level key
// namespace so operators can inspect them under the names the runbooks use.
const (
	keyActiveBatches  = "bulk:active-batches"
	keyStatusPrefix   = "bulk:batch:status:"
	keyProgressPrefix = "bulk:batch:progress:"
	keyFailuresPrefix = "bulk:batch:failures:"
	keyDLTPrefix      = "bulk:dlt:"
)

// Hash fields of the batch status key.
const (
	fieldStatus          = "status"
	fieldTotalChunks     = "total_chunks"
	fieldCompletedChunks = "completed_chunks"
	fieldTotalRecords    = "total_records"
	fieldSuccessCount    = "success_count"
	fieldFailureCount    = "failure_count"
	fieldSkippedCount    = "skipped_count"
	fieldStartedAt       = "started_at"
	fieldEndedAt         = "ended_at"
	fieldSubmittedBy     = "submitted_by"
	fieldSourceFilename  = "source_filename"
	fieldCancelReason    = "cancel_reason"
)

func statusKey(batchID string) string {
	return keyStatusPrefix + batchID
}

func progressKey(batchID string) string {
	return keyProgressPrefix + batchID
}

func failuresKey(batchID string) string {
	return keyFailuresPrefix + batchID
}

func dltKey(topic string) string {
	return keyDLTPrefix + topic
}
