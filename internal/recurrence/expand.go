// Package recurrence turns a template occurrence plus a recurrence rule into
// the concrete occurrences inside a time window.
package recurrence

import (
	"errors"
	"fmt"
	"time"

	rrulego "github.com/teambition/rrule-go"

	"evcal/internal/model"
	"evcal/internal/rrule"
)

// MaxIterations caps every expansion regardless of COUNT, so a malformed
// rule cannot loop for long.
const MaxIterations = 1000

var (
	ErrUnsupportedFrequency = errors.New("recurrence: unsupported frequency")
	ErrInvalidWindow        = errors.New("recurrence: window end is before window start")
)

// ConfigurationError is returned when a rule whose FREQ the expander does not
// implement reaches it. Validated rules never trigger it.
type ConfigurationError struct {
	Freq rrulego.Frequency
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("recurrence: FREQ=%s is not supported by the expander", e.Freq)
}

func (e *ConfigurationError) Unwrap() error { return ErrUnsupportedFrequency }

// Template is the first occurrence of a recurring item. Prototype carries the
// display fields copied into every generated occurrence; its Start and End
// (both in the rule's time zone) fix the first start and the duration.
type Template struct {
	Prototype model.Occurrence
}

// Duration is held constant across all generated instances.
func (t Template) Duration() time.Duration {
	return t.Prototype.End.Sub(t.Prototype.Start)
}

// DurationMinutes is Duration expressed in whole minutes.
func (t Template) DurationMinutes() int {
	return int(t.Duration() / time.Minute)
}

// Expand generates occurrences of tpl under rule whose start lies in
// [windowStart, windowEnd] (inclusive) and whose calendar day is not in
// exceptions. Results are in chronological order. At most
// min(COUNT, MaxIterations) candidates are generated; candidates outside the
// window or on exception days still count towards COUNT.
//
// When the prototype belongs to a series, each result's Source.InstanceDate
// is set to its start date in the template's zone.
func Expand(tpl Template, rule rrule.Rule, windowStart, windowEnd time.Time, exceptions ExceptionSet) ([]model.Occurrence, error) {
	if !supported(rule.Freq) {
		return nil, &ConfigurationError{Freq: rule.Freq}
	}
	if windowEnd.Before(windowStart) {
		return nil, ErrInvalidWindow
	}

	interval := rule.Interval
	if interval < 1 {
		interval = 1
	}
	limit := MaxIterations
	if n, ok := rule.Count.Get(); ok && n < limit {
		limit = n
	}
	until, hasUntil := rule.Until.Get()

	var byDay map[time.Weekday]bool
	if rule.Freq == rrulego.WEEKLY {
		byDay = rule.Weekdays()
	}

	var dur span
	if tpl.Prototype.AllDay {
		dur.days = calendarDays(tpl.Prototype.Start, tpl.Prototype.End)
	} else {
		dur.elapsed = tpl.Duration()
	}
	current := tpl.Prototype.Start
	out := make([]model.Occurrence, 0)

	// UNTIL is checked after advancing, so the template start is always a
	// candidate.
	for n := 0; n < limit && !current.After(windowEnd); n++ {
		if !current.Before(windowStart) && !exceptions.Contains(current) {
			out = append(out, stamp(tpl.Prototype, current, dur))
		}
		current = advance(current, rule.Freq, interval, byDay)
		if hasUntil && current.After(until) {
			break
		}
	}

	return out, nil
}

func supported(f rrulego.Frequency) bool {
	switch f {
	case rrulego.DAILY, rrulego.WEEKLY, rrulego.MONTHLY, rrulego.YEARLY:
		return true
	}
	return false
}

// advance steps current by one rule period. AddDate works on wall-clock
// fields, so time-of-day survives DST changes.
func advance(current time.Time, freq rrulego.Frequency, interval int, byDay map[time.Weekday]bool) time.Time {
	switch freq {
	case rrulego.DAILY:
		return current.AddDate(0, 0, interval)
	case rrulego.WEEKLY:
		if len(byDay) == 0 {
			return current.AddDate(0, 0, 7*interval)
		}
		return nextWeekday(current, interval, byDay)
	case rrulego.MONTHLY:
		return current.AddDate(0, interval, 0)
	default: // YEARLY
		return current.AddDate(interval, 0, 0)
	}
}

// nextWeekday walks day by day to the next day in days. Weeks run Monday to
// Sunday; a day only qualifies in every interval-th week counted from the
// week of current.
func nextWeekday(current time.Time, interval int, days map[time.Weekday]bool) time.Time {
	next := current
	weeks := 0
	for i := 0; i < 7*(interval+1); i++ {
		next = next.AddDate(0, 0, 1)
		if next.Weekday() == time.Monday {
			weeks++
		}
		if days[next.Weekday()] && weeks%interval == 0 {
			return next
		}
	}
	return next
}

// span is the template length: elapsed time for timed occurrences, whole
// calendar days for all-day ones, whose length in hours changes across DST.
type span struct {
	elapsed time.Duration
	days    int
}

// calendarDays counts the date steps from a to b, ignoring time of day.
func calendarDays(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	d := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC).Sub(time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC))
	return int(d / (24 * time.Hour))
}

func stamp(proto model.Occurrence, start time.Time, dur span) model.Occurrence {
	occ := proto
	occ.Start = start
	if proto.AllDay {
		occ.End = start.AddDate(0, 0, dur.days)
	} else {
		occ.End = start.Add(dur.elapsed)
	}
	if occ.Source.SeriesID != "" {
		occ.Source.InstanceDate = start.Format(model.DateLayout)
	}
	if len(proto.Categories) > 0 {
		occ.Categories = append([]string(nil), proto.Categories...)
	}
	return occ
}
