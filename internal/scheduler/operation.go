package scheduler

import (
	"context"
	"fmt"
	"time"
)

//go:generate mockgen -destination=mocks/mock_operation.go -package=mocks github.com/mattjoyce/arcyd/internal/scheduler Operation

// Operation is a unit of work scheduled once per pass. Run returns nil on
// success. Any error stops the pass; see PassStatus for how errors are
// classified.
type Operation interface {
	Name() string
	Run(ctx context.Context) error
}

type funcOperation struct {
	name string
	fn   func(ctx context.Context) error
}

// NewFunc adapts a plain function into an Operation.
func NewFunc(name string, fn func(ctx context.Context) error) Operation {
	return &funcOperation{name: name, fn: fn}
}

func (o *funcOperation) Name() string                  { return o.name }
func (o *funcOperation) Run(ctx context.Context) error { return o.fn(ctx) }

// ResetRequest asks the outer loop to restart the cycle with a fresh
// operation set. Path is the control file that triggered it; the loop
// deletes it once the reset has been handled.
type ResetRequest struct {
	Path string
}

func (r *ResetRequest) Error() string { return "reset file: " + r.Path }

// FatalError terminates the scheduling loop.
type FatalError struct {
	Reason string
	Path   string
	Err    error
}

func (e *FatalError) Error() string {
	msg := e.Reason
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FatalError) Unwrap() error { return e.Err }

// Delay tells a notify callback what the scheduler is about to wait for.
// The zero value means no wait at all.
type Delay struct {
	Duration         time.Duration
	UntilFileRemoved bool
}

func (d Delay) String() string {
	switch {
	case d.UntilFileRemoved:
		return "until_file_removed"
	case d.Duration > 0:
		return d.Duration.String()
	default:
		return "none"
	}
}

// NotifyFunc is called before the scheduler blocks (or skips blocking)
// because of err. err may be nil for pure control notifications.
type NotifyFunc func(err error, delay Delay)

type passIDKey struct{}

func withPassID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, passIDKey{}, id)
}

// PassID returns the ID of the pass an operation is running in, or "" when
// called outside a pass.
func PassID(ctx context.Context) string {
	id, _ := ctx.Value(passIDKey{}).(string)
	return id
}

func notifyOrNop(fn NotifyFunc) NotifyFunc {
	if fn == nil {
		return func(error, Delay) {}
	}
	return fn
}

func describe(op Operation) string {
	if op == nil {
		return "<nil>"
	}
	if n := op.Name(); n != "" {
		return n
	}
	return fmt.Sprintf("%T", op)
}
