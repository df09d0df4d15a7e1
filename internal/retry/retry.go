// Package retry wraps idempotent boundary calls in a bounded retry with a fixed
// backoff schedule.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultSchedule is the wait between consecutive attempts.
var DefaultSchedule = []time.Duration{10 * time.Second, 15 * time.Second, 30 * time.Second}

// Policy bounds a retried call.
type Policy struct {
	MaxAttempts int
	Schedule    []time.Duration
	// Timer is swapped in tests to avoid real waits.
	Timer backoff.Timer
}

// DefaultPolicy makes 3 attempts on the default schedule.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Schedule: DefaultSchedule}
}

// Schedule is a backoff.BackOff that walks a fixed list of waits and then keeps
// repeating the last one. The attempt limit comes from Policy.MaxAttempts. An
// empty schedule stops at once.
type Schedule struct {
	waits []time.Duration
	next  int
}

func NewSchedule(waits []time.Duration) *Schedule {
	return &Schedule{waits: waits}
}

func (s *Schedule) NextBackOff() time.Duration {
	if len(s.waits) == 0 {
		return backoff.Stop
	}
	if s.next >= len(s.waits) {
		return s.waits[len(s.waits)-1]
	}
	d := s.waits[s.next]
	s.next++
	return d
}

func (s *Schedule) Reset() { s.next = 0 }

// Do runs op until it succeeds or the policy is exhausted. Retried failures are
// logged as warnings; the final failure is logged as an error and returned.
func Do[T any](ctx context.Context, logger *slog.Logger, name string, p Policy, op func(context.Context) (T, error)) (T, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	schedule := p.Schedule
	if schedule == nil {
		schedule = DefaultSchedule
	}

	var b backoff.BackOff = backoff.WithMaxRetries(NewSchedule(schedule), uint64(p.MaxAttempts-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	var result T
	operation := func() error {
		attempt++
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("Call failed, retrying.", "call", name, "attempt", attempt, "maxAttempts", p.MaxAttempts, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotifyWithTimer(operation, b, notify, p.Timer); err != nil {
		logger.Error("Call failed, giving up.", "call", name, "attempts", attempt, "error", err)
		var zero T
		return zero, err
	}
	return result, nil
}
