package enums

// RecordOutcome classifies what happened to a single record during chunk
// processing. Exactly one outcome is recorded per delivered record.
type RecordOutcome string

const (
	RecordOutcomeSuccess RecordOutcome = "success"
	RecordOutcomeFailure RecordOutcome = "failure"
	RecordOutcomeSkipped RecordOutcome = "skipped"
)

// String implements fmt.Stringer.
func (o RecordOutcome) String() string {
	return string(o)
}
