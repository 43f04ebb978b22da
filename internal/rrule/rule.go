package rrule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/samber/mo"
	rrulego "github.com/teambition/rrule-go"
)

var (
	ErrMissingFrequency = errors.New("rrule: FREQ is missing")
	ErrUnknownFrequency = errors.New("rrule: unknown FREQ")
)

var frequencies = map[string]rrulego.Frequency{
	"YEARLY":   rrulego.YEARLY,
	"MONTHLY":  rrulego.MONTHLY,
	"WEEKLY":   rrulego.WEEKLY,
	"DAILY":    rrulego.DAILY,
	"HOURLY":   rrulego.HOURLY,
	"MINUTELY": rrulego.MINUTELY,
	"SECONDLY": rrulego.SECONDLY,
}

var weekdays = map[string]rrulego.Weekday{
	"MO": rrulego.MO,
	"TU": rrulego.TU,
	"WE": rrulego.WE,
	"TH": rrulego.TH,
	"FR": rrulego.FR,
	"SA": rrulego.SA,
	"SU": rrulego.SU,
}

// Rule is the structured form of a recurrence rule.
type Rule struct {
	Freq     rrulego.Frequency
	Interval int
	Count    mo.Option[int]
	Until    mo.Option[time.Time]
	ByDay    []rrulego.Weekday
}

// Build converts parsed components into a Rule. Components are expected to
// have passed Validate; lenient defaults apply to anything else (INTERVAL
// falls back to 1, unparsable COUNT/UNTIL are dropped, unknown BYDAY codes
// are skipped). Floating and date-only UNTIL values are read in loc.
//
// Build accepts every RFC 5545 frequency so that a rule which bypassed
// validation is still rejected loudly by the expander, not here.
func Build(components map[string]string, loc *time.Location) (Rule, error) {
	raw, ok := components[KeyFreq]
	if !ok || strings.TrimSpace(raw) == "" {
		return Rule{}, ErrMissingFrequency
	}
	freq, ok := frequencies[strings.ToUpper(strings.TrimSpace(raw))]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %q", ErrUnknownFrequency, raw)
	}

	r := Rule{Freq: freq, Interval: 1}

	if v, ok := components[KeyInterval]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 1 {
			r.Interval = n
		}
	}
	if v, ok := components[KeyCount]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 1 {
			r.Count = mo.Some(n)
		}
	}
	if v, ok := components[KeyUntil]; ok {
		if t, err := ParseUntil(v, loc); err == nil {
			r.Until = mo.Some(t)
		}
	}
	if v, ok := components[KeyByDay]; ok {
		seen := make(map[string]bool)
		for _, code := range strings.Split(v, ",") {
			code = strings.ToUpper(strings.TrimSpace(code))
			wd, ok := weekdays[code]
			if !ok || seen[code] {
				continue
			}
			seen[code] = true
			r.ByDay = append(r.ByDay, wd)
		}
	}

	return r, nil
}

// BuildString parses raw and builds the rule in one step.
func BuildString(raw string, loc *time.Location) (Rule, error) {
	return Build(Parse(raw), loc)
}

// Weekdays returns the BYDAY set as time.Weekday values.
func (r Rule) Weekdays() map[time.Weekday]bool {
	if len(r.ByDay) == 0 {
		return nil
	}
	out := make(map[time.Weekday]bool, len(r.ByDay))
	for i := range r.ByDay {
		// rrule-go numbers Monday as 0, time.Weekday numbers Sunday as 0.
		out[time.Weekday((r.ByDay[i].Day()+1)%7)] = true
	}
	return out
}

// String renders the rule in canonical RRULE form (without the "RRULE:"
// prefix), e.g. "FREQ=WEEKLY;INTERVAL=2;BYDAY=MO,WE".
func (r Rule) String() string {
	opt := rrulego.ROption{
		Freq:      r.Freq,
		Interval:  r.Interval,
		Byweekday: r.ByDay,
	}
	if n, ok := r.Count.Get(); ok {
		opt.Count = n
	}
	if t, ok := r.Until.Get(); ok {
		opt.Until = t
	}
	return opt.RRuleString()
}
