package temporal

import (
	"context"
	"time"
)

// SummaryScheduleID is the Temporal schedule that triggers SummaryWorkflow.
const SummaryScheduleID = "solboard-summary"

// Scheduler manages the summary schedule.
type Scheduler interface {
	// UpsertSummarySchedule creates the schedule or updates its interval.
	UpsertSummarySchedule(ctx context.Context, interval time.Duration, input SummaryInput) error

	// DeleteSummarySchedule removes the schedule.
	DeleteSummarySchedule(ctx context.Context) error
}

// EnsureSummarySchedule installs the summary schedule at interval. A
// non-positive interval removes it; a missing schedule is not an error then.
func EnsureSummarySchedule(ctx context.Context, s Scheduler, interval time.Duration, input SummaryInput) error {
	if interval <= 0 {
		_ = s.DeleteSummarySchedule(ctx)
		return nil
	}
	return s.UpsertSummarySchedule(ctx, interval, input)
}
