package enums

import "fmt"

// BatchStatus is the lifecycle state of a bulk upload batch.
type BatchStatus string

const (
	BatchStatusAccepted           BatchStatus = "ACCEPTED"
	BatchStatusInProgress         BatchStatus = "IN_PROGRESS"
	BatchStatusCompleted          BatchStatus = "COMPLETED"
	BatchStatusPartiallyCompleted BatchStatus = "PARTIALLY_COMPLETED"
	BatchStatusFailed             BatchStatus = "FAILED"
	BatchStatusCancelled          BatchStatus = "CANCELLED"
)

var validBatchStatuses = []BatchStatus{
	BatchStatusAccepted,
	BatchStatusInProgress,
	BatchStatusCompleted,
	BatchStatusPartiallyCompleted,
	BatchStatusFailed,
	BatchStatusCancelled,
}

// String implements fmt.Stringer.
func (s BatchStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known BatchStatus.
func (s BatchStatus) IsValid() bool {
	for _, candidate := range validBatchStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status is absorbing: no further state
// changes are allowed once a batch reaches it.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusPartiallyCompleted, BatchStatusFailed, BatchStatusCancelled:
		return true
	default:
		return false
	}
}

// ParseBatchStatus converts raw input into a BatchStatus.
func ParseBatchStatus(value string) (BatchStatus, error) {
	for _, candidate := range validBatchStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid batch status %q", value)
}
