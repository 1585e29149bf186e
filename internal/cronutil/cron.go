// Package cronutil parses cron expressions for recurring tasks and job
// templates.
package cronutil

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowmill-org/flowmill/internal/models"
)

var (
	standardParser = cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)
	secondsParser = cron.NewParser(
		cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)
)

// Parse parses a 5-field standard or 6-field (seconds included) cron
// expression, auto-detected by field count, and resolves the IANA timezone
// (UTC when empty). Malformed input yields a ValidationError.
func Parse(expr, tz string) (cron.Schedule, *time.Location, error) {
	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, nil, &models.ValidationError{
				Field:  "cronTimezone",
				Reason: fmt.Sprintf("unknown timezone %q", tz),
			}
		}
	}

	var (
		sched cron.Schedule
		err   error
	)
	switch len(strings.Fields(expr)) {
	case 5:
		sched, err = standardParser.Parse(expr)
	case 6:
		sched, err = secondsParser.Parse(expr)
	default:
		err = fmt.Errorf("expected 5 or 6 fields, got %d", len(strings.Fields(expr)))
	}
	if err != nil {
		return nil, nil, &models.ValidationError{
			Field:  "cronExpression",
			Reason: fmt.Sprintf("invalid expression %q: %v", expr, err),
		}
	}

	return sched, loc, nil
}

// Next computes the occurrence strictly after the given time in the
// schedule's timezone. The zero time means the schedule yields no further
// occurrences.
func Next(sched cron.Schedule, loc *time.Location, after time.Time) time.Time {
	return sched.Next(after.In(loc))
}
