// Package scheduler runs arcyd's unreliable operations: an ordered list of
// heterogeneous operations executed in full passes, either once or
// forever, with per-operation retry, control-file driven kill/pause/reset
// and fatal escalation.
//
// Execution is strictly sequential. One operation runs at a time and a
// pass completes before the next begins.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/arcyd/internal/clock"
	"github.com/mattjoyce/arcyd/internal/events"
)

// PassStatus classifies how a pass ended.
type PassStatus int

const (
	PassSucceeded PassStatus = iota
	PassReset
	PassFatal
	PassCancelled
)

func (s PassStatus) String() string {
	switch s {
	case PassSucceeded:
		return "succeeded"
	case PassReset:
		return "reset"
	case PassFatal:
		return "fatal"
	case PassCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome is the per-operation record of one pass.
type Outcome struct {
	Name      string
	Ran       bool
	Succeeded bool
	Err       error
	Duration  time.Duration
}

// PassResult describes a finished pass. ResetPath is set for PassReset and
// Err for PassFatal and PassCancelled.
type PassResult struct {
	ID         string
	Status     PassStatus
	ResetPath  string
	Err        error
	Outcomes   []Outcome
	StartedAt  time.Time
	FinishedAt time.Time
}

// AllSucceeded reports whether every operation ran and succeeded. It uses
// the per-operation flags, so two identical operations are still counted
// separately.
func (r PassResult) AllSucceeded() bool {
	if r.Status != PassSucceeded {
		return false
	}
	for _, o := range r.Outcomes {
		if !o.Succeeded {
			return false
		}
	}
	return true
}

// Failed returns the names of operations that did not succeed.
func (r PassResult) Failed() []string {
	var names []string
	for _, o := range r.Outcomes {
		if !o.Succeeded {
			names = append(names, o.Name)
		}
	}
	return names
}

// Scheduler executes passes over a list of operations.
type Scheduler struct {
	logger  *slog.Logger
	events  *events.Hub
	metrics *Metrics
	clock   clock.Clock
	notify  NotifyFunc
	observe func(PassResult)
	remove  func(path string) error
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithMetrics records pass metrics.
func WithMetrics(m *Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithResetNotify sets the callback invoked while handling a reset request
// and when the reset file cannot be removed.
func WithResetNotify(fn NotifyFunc) Option { return func(s *Scheduler) { s.notify = fn } }

// WithPassObserver registers fn to receive every finished pass.
func WithPassObserver(fn func(PassResult)) Option { return func(s *Scheduler) { s.observe = fn } }

// New creates a Scheduler. hub may be nil.
func New(logger *slog.Logger, hub *events.Hub, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = events.NewHub(128)
	}
	s := &Scheduler{
		logger: logger.With("component", "scheduler"),
		events: hub,
		clock:  clock.Real(),
		remove: os.Remove,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.notify = notifyOrNop(s.notify)
	return s
}

// RunOnce executes every operation in order until one returns an error.
func (s *Scheduler) RunOnce(ctx context.Context, ops []Operation) PassResult {
	result := PassResult{
		ID:       uuid.NewString(),
		Status:   PassSucceeded,
		Outcomes: make([]Outcome, len(ops)),
	}
	for i, op := range ops {
		result.Outcomes[i].Name = describe(op)
	}

	ctx = withPassID(ctx, result.ID)
	logger := s.logger.With("pass_id", result.ID)
	logger.Debug("pass started", "operations", len(ops))
	s.events.Publish(events.PassStarted, map[string]any{
		"pass_id":    result.ID,
		"operations": len(ops),
	})
	result.StartedAt = s.clock.Now()

	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			result.Status = PassCancelled
			result.Err = err
			break
		}

		start := s.clock.Now()
		err := op.Run(ctx)
		elapsed := s.clock.Now().Sub(start)
		s.metrics.operation(result.Outcomes[i].Name, elapsed)

		result.Outcomes[i].Ran = true
		result.Outcomes[i].Duration = elapsed
		if err == nil {
			result.Outcomes[i].Succeeded = true
			continue
		}
		result.Outcomes[i].Err = err
		s.classify(ctx, &result, err)
		s.events.Publish(events.OperationFailed, map[string]any{
			"pass_id":   result.ID,
			"operation": result.Outcomes[i].Name,
			"status":    result.Status.String(),
			"error":     err.Error(),
		})
		logger.Warn("pass stopped by operation", "operation", result.Outcomes[i].Name, "status", result.Status.String(), "error", err)
		break
	}

	result.FinishedAt = s.clock.Now()
	s.metrics.pass(result.Status, result.FinishedAt.Sub(result.StartedAt))
	s.events.Publish(events.PassFinished, map[string]any{
		"pass_id": result.ID,
		"status":  result.Status.String(),
		"failed":  result.Failed(),
	})
	logger.Debug("pass finished", "status", result.Status.String())
	if s.observe != nil {
		s.observe(result)
	}
	return result
}

func (s *Scheduler) classify(ctx context.Context, result *PassResult, err error) {
	var reset *ResetRequest
	switch {
	case errors.As(err, &reset):
		result.Status = PassReset
		result.ResetPath = reset.Path
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		result.Status = PassCancelled
		result.Err = err
	default:
		result.Status = PassFatal
		result.Err = err
	}
}

// RunForever repeats passes until a fatal error or cancellation. build is
// called for the first pass and again after every reset so the restarted
// cycle gets a fresh operation set. It never returns nil.
func (s *Scheduler) RunForever(ctx context.Context, build func() []Operation) error {
	ops := build()
	s.logger.Info("scheduler loop started", "operations", len(ops))
	for {
		result := s.RunOnce(ctx, ops)
		switch result.Status {
		case PassSucceeded:
			continue
		case PassReset:
			s.handleReset(result.ResetPath)
			ops = build()
		case PassCancelled:
			s.logger.Info("scheduler loop cancelled")
			return result.Err
		default:
			s.logger.Error("scheduler loop stopped by fatal error", "pass_id", result.ID, "error", result.Err)
			return result.Err
		}
	}
}

// RunSingle executes exactly one pass. A reset request is handled (the
// file is removed) but not retried, so the result reports failure.
func (s *Scheduler) RunSingle(ctx context.Context, ops []Operation) PassResult {
	result := s.RunOnce(ctx, ops)
	if result.Status == PassReset {
		s.handleReset(result.ResetPath)
	}
	return result
}

func (s *Scheduler) handleReset(path string) {
	s.metrics.reset()
	s.logger.Info("reset requested, restarting cycle", "path", path)
	s.events.Publish(events.PassReset, map[string]any{"path": path})
	s.notify(&ResetRequest{Path: path}, Delay{})
	if err := s.remove(path); err != nil {
		s.logger.Warn("failed to remove reset file", "path", path, "error", err)
		s.notify(err, Delay{})
	}
}
