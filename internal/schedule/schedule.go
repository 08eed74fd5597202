// Package schedule computes the next run time for a scheduled task.
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/linkerlin/clawsched/internal/types"
)

// ErrInvalid marks a schedule value that cannot be parsed for its kind.
var ErrInvalid = errors.New("invalid schedule")

// Next returns the next run time for the given schedule kind and value.
//
//   - cron: value is a standard 5-field cron expression; the result is the
//     first time strictly after from that matches it.
//   - interval: value is a positive integer count of milliseconds; the result
//     is from plus that duration.
//   - once: value is an RFC3339 timestamp and is returned as-is, independent
//     of from.
func Next(kind, value string, from time.Time) (time.Time, error) {
	switch kind {
	case types.ScheduleCron:
		sched, err := cron.ParseStandard(value)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: cron %q: %v", ErrInvalid, value, err)
		}
		return sched.Next(from), nil
	case types.ScheduleInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: interval %q is not a number", ErrInvalid, value)
		}
		if ms <= 0 {
			return time.Time{}, fmt.Errorf("%w: interval %q must be positive", ErrInvalid, value)
		}
		return from.Add(time.Duration(ms) * time.Millisecond), nil
	case types.ScheduleOnce:
		at, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timestamp %q: %v", ErrInvalid, value, err)
		}
		return at, nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown kind %q", ErrInvalid, kind)
	}
}

// NextAfterRun returns the follow-up run time after an execution that
// finished at the given time, or nil when the task is done. A once task never
// recurs; cron and interval tasks are re-seeded from the completion time.
func NextAfterRun(t *types.ScheduledTask, finished time.Time) *time.Time {
	if t.ScheduleType == types.ScheduleOnce {
		return nil
	}
	next, err := Next(t.ScheduleType, t.ScheduleValue, finished)
	if err != nil {
		// The value parsed when the task was created; treat a later parse
		// failure like a one-shot and let the task complete.
		return nil
	}
	return &next
}
