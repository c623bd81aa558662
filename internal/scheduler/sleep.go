package scheduler

import (
	"context"
	"time"

	"github.com/mattjoyce/arcyd/internal/clock"
)

// SleepReporter receives the countdown of a SleepOperation.
type SleepReporter interface {
	StartSleep(seconds int)
	UpdateSleep(remaining int)
	FinishSleep()
}

// SleepOperation waits between passes one second at a time so the status
// channel shows the remaining time throughout.
type SleepOperation struct {
	seconds  int
	reporter SleepReporter
	clock    clock.Clock
}

func NewSleepOperation(seconds int, reporter SleepReporter, c clock.Clock) *SleepOperation {
	if c == nil {
		c = clock.Real()
	}
	return &SleepOperation{seconds: seconds, reporter: reporter, clock: c}
}

func (s *SleepOperation) Name() string { return "sleep" }

func (s *SleepOperation) Run(ctx context.Context) error {
	remaining := s.seconds
	s.reporter.StartSleep(remaining)
	for remaining > 0 {
		s.reporter.UpdateSleep(remaining)
		if err := s.clock.Sleep(ctx, time.Second); err != nil {
			return err
		}
		remaining--
	}
	s.reporter.FinishSleep()
	return nil
}
