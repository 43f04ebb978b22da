// Package rrule parses and validates the RRULE subset used by event series:
// FREQ (DAILY/WEEKLY/MONTHLY/YEARLY), INTERVAL, COUNT, UNTIL and BYDAY.
package rrule

import (
	"strings"
	"time"
)

// Component keys understood by the expander. Unknown keys survive Parse and
// are ignored later.
const (
	KeyFreq     = "FREQ"
	KeyInterval = "INTERVAL"
	KeyCount    = "COUNT"
	KeyUntil    = "UNTIL"
	KeyByDay    = "BYDAY"
)

// Parse splits a raw rule into upper-cased component names and raw values.
//
// The input may be a bare "FREQ=WEEKLY;BYDAY=MO" string or a block such as
//
//	DTSTART:20240101T090000
//	RRULE:FREQ=WEEKLY;BYDAY=MO
//
// DTSTART lines are dropped, the RRULE: prefix is stripped and remaining
// lines are rejoined with ';'. Garbage yields an empty map; nothing here is
// fatal. When a key repeats, the last value wins.
func Parse(raw string) map[string]string {
	out := make(map[string]string)

	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	raw = strings.ReplaceAll(raw, "\r", "\n")

	var segments []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		upper := strings.ToUpper(line)
		if strings.HasPrefix(upper, "DTSTART:") || strings.HasPrefix(upper, "DTSTART;") {
			continue
		}
		if strings.HasPrefix(upper, "RRULE:") {
			line = line[len("RRULE:"):]
		}
		segments = append(segments, line)
	}

	for _, part := range strings.Split(strings.Join(segments, ";"), ";") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}

	return out
}

// ParseUntil parses an UNTIL value. Accepted forms:
//
//	20240131T235959Z   UTC date-time
//	20240131T235959    floating date-time, read in loc
//	20240131           date, inclusive through the end of that day in loc
//
// plus the ISO 8601 / RFC 3339 spellings of the same three forms.
func ParseUntil(v string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	v = strings.TrimSpace(v)

	if t, err := time.Parse("20060102T150405Z", v); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	for _, layout := range []string{"20060102T150405", "2006-01-02T15:04:05"} {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}

	var (
		d   time.Time
		err error
	)
	for _, layout := range []string{"20060102", "2006-01-02"} {
		if d, err = time.ParseInLocation(layout, v, loc); err == nil {
			return endOfDay(d), nil
		}
	}
	return time.Time{}, err
}

func endOfDay(d time.Time) time.Time {
	y, m, day := d.Date()
	return time.Date(y, m, day, 23, 59, 59, 0, d.Location())
}
