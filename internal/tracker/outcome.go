package tracker

import "dr_memo/internal/models"

type OutcomeKind string

const (
	OutcomeSensorError OutcomeKind = "sensor_error"
	OutcomeRejected    OutcomeKind = "rejected"
	OutcomeBuffered    OutcomeKind = "buffered"
	OutcomeSuppressed  OutcomeKind = "suppressed"
	OutcomeWritten     OutcomeKind = "written"
	OutcomeWriteFailed OutcomeKind = "write_failed"
)

// Outcome describes what the pipeline did with one fix.
type Outcome struct {
	Kind            OutcomeKind
	Sample          *Sample // raw sample, or the aggregate once aggregation ran
	Position        *models.TrackedPosition
	Buffered        int
	Distance        float64 // meters from last known position, -1 when none
	HistoryInserted bool
	Err             error
}
