package scheduler

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/mattjoyce/arcyd/internal/clock"
)

// DefaultRetryDelays is the backoff used for repository operations.
var DefaultRetryDelays = []time.Duration{10 * time.Minute, time.Hour}

// DefaultCriticalRetries is the number of immediate retries a critical
// operation gets before its failure is escalated.
const DefaultCriticalRetries = 3

// RetryOperation wraps a fallible action with an ordered list of delays.
// Each failure consumes the next delay: notify, wait, try again. Once the
// list is exhausted the action's last error is returned unchanged. The
// full list is restored on the next Run, so a pass never replenishes it
// but the next pass starts afresh.
type RetryOperation struct {
	name    string
	action  func(ctx context.Context) error
	delays  []time.Duration
	notify  NotifyFunc
	clock   clock.Clock
	metrics *Metrics
}

// RetryOption customizes a RetryOperation.
type RetryOption func(*RetryOperation)

// WithRetryClock replaces the real clock, mainly for tests.
func WithRetryClock(c clock.Clock) RetryOption {
	return func(r *RetryOperation) { r.clock = c }
}

// WithRetryMetrics records attempts and delays.
func WithRetryMetrics(m *Metrics) RetryOption {
	return func(r *RetryOperation) { r.metrics = m }
}

// NewRetryOperation copies delays so callers may reuse their slice.
func NewRetryOperation(name string, action func(ctx context.Context) error, delays []time.Duration, notify NotifyFunc, opts ...RetryOption) *RetryOperation {
	r := &RetryOperation{
		name:   name,
		action: action,
		delays: slices.Clone(delays),
		notify: notifyOrNop(notify),
		clock:  clock.Real(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RetryOperation) Name() string { return r.name }

// Delays returns the configured delay sequence.
func (r *RetryOperation) Delays() []time.Duration { return slices.Clone(r.delays) }

func (r *RetryOperation) Run(ctx context.Context) error {
	remaining := slices.Clone(r.delays)
	for {
		r.metrics.attempt(r.name)
		err := r.action(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return err
		}
		if len(remaining) == 0 {
			return err
		}

		delay := remaining[0]
		remaining = remaining[1:]
		r.metrics.delayed(r.name)
		r.notify(err, Delay{Duration: delay})
		if sleepErr := r.clock.Sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
}

// CriticalRetry runs action with a few immediate retries and no backoff.
// It is meant for shared state: if the action still fails the error is
// escalated as a FatalError so the whole loop stops.
func CriticalRetry(ctx context.Context, name string, retries int, action func(ctx context.Context) error, notify NotifyFunc) error {
	if retries < 0 {
		retries = 0
	}
	op := NewRetryOperation(name, action, make([]time.Duration, retries), notify)
	if err := op.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return &FatalError{Reason: "critical operation " + name + " failed", Err: err}
	}
	return nil
}
