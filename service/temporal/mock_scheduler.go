package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockScheduler is a mock implementation of Scheduler for testing.
type MockScheduler struct {
	mu        sync.Mutex
	interval  time.Duration
	input     SummaryInput
	exists    bool
	upserts   int
	upsertErr error
	deleteErr error
}

// NewMockScheduler creates a new MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{}
}

// UpsertSummarySchedule records the schedule.
func (m *MockScheduler) UpsertSummarySchedule(_ context.Context, interval time.Duration, input SummaryInput) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval = interval
	m.input = input
	m.exists = true
	m.upserts++
	return nil
}

// DeleteSummarySchedule removes the recorded schedule.
func (m *MockScheduler) DeleteSummarySchedule(context.Context) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.exists {
		return fmt.Errorf("schedule %q not found", SummaryScheduleID)
	}
	m.exists = false
	return nil
}

// Schedule returns the recorded interval and whether a schedule exists.
func (m *MockScheduler) Schedule() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval, m.exists
}

// Upserts returns how many times the schedule was written.
func (m *MockScheduler) Upserts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}

// SetUpsertError makes UpsertSummarySchedule fail.
func (m *MockScheduler) SetUpsertError(err error) {
	m.upsertErr = err
}

// SetDeleteError makes DeleteSummarySchedule fail.
func (m *MockScheduler) SetDeleteError(err error) {
	m.deleteErr = err
}
