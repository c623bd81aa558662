package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/arcyd/internal/clock"
)

type notifyCall struct {
	err   error
	delay Delay
}

func recordNotify(calls *[]notifyCall) NotifyFunc {
	return func(err error, d Delay) { *calls = append(*calls, notifyCall{err: err, delay: d}) }
}

func TestRetryOperationExhaustsDelaysThenPropagates(t *testing.T) {
	fc := clock.Fake(time.Unix(0, 0))
	delays := []time.Duration{time.Minute, 10 * time.Minute, time.Hour}

	var finalErr error
	invocations := 0
	action := func(context.Context) error {
		invocations++
		finalErr = fmt.Errorf("attempt %d failed", invocations)
		return finalErr
	}

	var calls []notifyCall
	op := NewRetryOperation("repo-a", action, delays, recordNotify(&calls), WithRetryClock(fc))

	err := op.Run(context.Background())
	require.Error(t, err)
	assert.Same(t, finalErr, err, "final error must propagate unchanged")
	assert.Equal(t, len(delays)+1, invocations)
	assert.Equal(t, delays, fc.Sleeps())

	require.Len(t, calls, len(delays))
	for i, c := range calls {
		assert.Equal(t, delays[i], c.delay.Duration)
		assert.EqualError(t, c.err, fmt.Sprintf("attempt %d failed", i+1))
	}
}

func TestRetryOperationStopsAtFirstSuccess(t *testing.T) {
	delays := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}

	for k := 1; k <= len(delays)+1; k++ {
		t.Run(fmt.Sprintf("succeeds on attempt %d", k), func(t *testing.T) {
			fc := clock.Fake(time.Unix(0, 0))
			invocations := 0
			action := func(context.Context) error {
				invocations++
				if invocations < k {
					return errors.New("transient")
				}
				return nil
			}

			op := NewRetryOperation("op", action, delays, nil, WithRetryClock(fc))
			require.NoError(t, op.Run(context.Background()))
			assert.Equal(t, k, invocations)
			assert.Equal(t, delays[:k-1], fc.Sleeps()[:k-1])
			assert.Len(t, fc.Sleeps(), k-1)
		})
	}
}

func TestRetryOperationRestoresDelaysPerRun(t *testing.T) {
	fc := clock.Fake(time.Unix(0, 0))
	delays := []time.Duration{time.Minute}
	op := NewRetryOperation("op", func(context.Context) error { return errors.New("down") }, delays, nil, WithRetryClock(fc))

	require.Error(t, op.Run(context.Background()))
	require.Error(t, op.Run(context.Background()))

	assert.Equal(t, []time.Duration{time.Minute, time.Minute}, fc.Sleeps())
	assert.Equal(t, delays, op.Delays())
}

func TestRetryOperationDoesNotAliasCallerDelays(t *testing.T) {
	delays := []time.Duration{time.Minute, time.Hour}
	op := NewRetryOperation("op", func(context.Context) error { return nil }, delays, nil)
	delays[0] = 0
	assert.Equal(t, time.Minute, op.Delays()[0])
}

func TestRetryOperationCancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fc := clock.Fake(time.Unix(0, 0))
	fc.OnSleep = func(int, time.Duration) { cancel() }

	invocations := 0
	op := NewRetryOperation("op", func(context.Context) error {
		invocations++
		return errors.New("down")
	}, []time.Duration{time.Minute, time.Hour}, nil, WithRetryClock(fc))

	err := op.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, invocations)
}

func TestCriticalRetryEscalates(t *testing.T) {
	boom := errors.New("conduit unavailable")
	invocations := 0
	var calls []notifyCall

	err := CriticalRetry(context.Background(), "conduit cache", 3, func(context.Context) error {
		invocations++
		return boom
	}, recordNotify(&calls))

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "conduit cache")
	assert.Equal(t, 4, invocations)
	require.Len(t, calls, 3)
	for _, c := range calls {
		assert.Zero(t, c.delay.Duration, "critical retries never back off")
	}
}

func TestCriticalRetryRecovers(t *testing.T) {
	invocations := 0
	err := CriticalRetry(context.Background(), "watcher", 2, func(context.Context) error {
		invocations++
		if invocations == 2 {
			return nil
		}
		return errors.New("flaky")
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, 2, invocations)
}
