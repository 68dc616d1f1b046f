package pluginscheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shady2k/lifemodel-sub006/internal/model"
)

// NextOccurrence computes the next fireAt (UTC) after current, given
// recurrence r interpreted in the IANA timezone tz. Daily/weekly use a
// cron expression built from the recurrence fields; monthly with an
// anchorDay+constraint form is hand-rolled since it has no direct cron
// equivalent (spec §4.4.2).
func NextOccurrence(current time.Time, r model.Recurrence, tz string) (time.Time, error) {
	loc, err := locationFor(tz)
	if err != nil {
		return time.Time{}, err
	}
	local := current.In(loc)

	interval := r.Interval
	if interval < 1 {
		interval = 1
	}

	switch r.Frequency {
	case model.RecurrenceDaily:
		return nextViaCron(local, loc, fmt.Sprintf("%d %d */%d * *", r.Minute, r.Hour, interval))
	case model.RecurrenceWeekly:
		dow := daysOfWeekField(r.DaysOfWeek)
		next, err := nextViaCron(local, loc, fmt.Sprintf("%d %d * * %s", r.Minute, r.Hour, dow))
		if err != nil {
			return time.Time{}, err
		}
		if interval > 1 {
			// Cron has no native "every N weeks" field; approximate by
			// skipping (interval-1) additional week-aligned occurrences.
			for i := 1; i < interval; i++ {
				next, err = nextViaCron(next.In(loc).Add(time.Minute), loc, fmt.Sprintf("%d %d * * %s", r.Minute, r.Hour, dow))
				if err != nil {
					return time.Time{}, err
				}
			}
		}
		return next, nil
	case model.RecurrenceMonthly:
		if r.Constraint != "" {
			return nextMonthlyConstraint(local, loc, r, interval)
		}
		return nextViaCron(local, loc, fmt.Sprintf("%d %d %d */%d *", r.Minute, r.Hour, r.DayOfMonth, interval))
	default:
		return time.Time{}, fmt.Errorf("pluginscheduler: unknown recurrence frequency %q", r.Frequency)
	}
}

func daysOfWeekField(days []time.Weekday) string {
	if len(days) == 0 {
		return "*"
	}
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = fmt.Sprintf("%d", int(d))
	}
	return strings.Join(parts, ",")
}

// nextViaCron parses spec as a standard 5-field cron expression (in loc's
// wall-clock terms) and returns the next trigger after after, converted
// to UTC. If the computed local wall-clock time does not exist that day
// (spring-forward DST gap), cron's own clock-walking semantics already
// land on the next existing local time, satisfying spec §9's rounding
// rule without extra handling.
func nextViaCron(after time.Time, loc *time.Location, spec string) (time.Time, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("pluginscheduler: invalid recurrence %q: %w", spec, err)
	}
	next := sched.Next(after)
	return next.In(time.UTC), nil
}

// nextMonthlyConstraint finds the first day on/after anchorDay of the
// (interval-stepped) target month whose weekday satisfies constraint.
func nextMonthlyConstraint(local time.Time, loc *time.Location, r model.Recurrence, interval int) (time.Time, error) {
	anchor := r.AnchorDay
	if anchor < 1 {
		anchor = 1
	}

	year, month := local.Year(), local.Month()
	targetMonth := time.Date(year, month, 1, 0, 0, 0, 0, loc).AddDate(0, interval, 0)
	candidate := time.Date(targetMonth.Year(), targetMonth.Month(), anchor, r.Hour, r.Minute, 0, 0, loc)

	for i := 0; i < 8; i++ { // at most a week of probing
		if matchesMonthlyConstraint(candidate.Weekday(), r.Constraint) {
			return candidate.In(time.UTC), nil
		}
		candidate = candidate.AddDate(0, 0, 1)
	}
	return time.Time{}, fmt.Errorf("pluginscheduler: could not satisfy monthly constraint %q", r.Constraint)
}

func matchesMonthlyConstraint(day time.Weekday, constraint model.MonthlyConstraint) bool {
	switch constraint {
	case model.ConstraintNextSaturday:
		return day == time.Saturday
	case model.ConstraintNextSunday:
		return day == time.Sunday
	case model.ConstraintNextWeekend:
		return day == time.Saturday || day == time.Sunday
	case model.ConstraintNextWeekday:
		return day >= time.Monday && day <= time.Friday
	default:
		return true
	}
}
