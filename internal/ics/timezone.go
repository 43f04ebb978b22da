package ics

import (
	"fmt"
	"time"

	ical "github.com/arran4/golang-ical"
)

// ZoneProvider supplies everything the encoder needs to reference a zone by
// TZID: the VTIMEZONE definition and wall-clock rendering of instants.
type ZoneProvider interface {
	TZID() string
	// LocalTime renders t as a DATE-TIME in this zone, without offset.
	LocalTime(t time.Time) string
	// VTimezone returns the unfolded BEGIN:VTIMEZONE ... END:VTIMEZONE lines.
	VTimezone() []string
}

// RuleZone is a zone with one fixed pair of DST transitions, each on the
// last Sunday of a month at a fixed UTC hour, as in the EU.
type RuleZone struct {
	ID         string
	StdName    string
	DstName    string
	StdOffset  time.Duration
	DstOffset  time.Duration
	DstStart   time.Month // last Sunday of this month, switch to DST
	DstEnd     time.Month // last Sunday of this month, back to standard
	SwitchHour int        // UTC hour of both switches
}

// Berlin is Europe/Berlin: CET (+01:00) and CEST (+02:00), switching on the
// last Sundays of March and October at 01:00 UTC.
var Berlin = &RuleZone{
	ID:         "Europe/Berlin",
	StdName:    "CET",
	DstName:    "CEST",
	StdOffset:  time.Hour,
	DstOffset:  2 * time.Hour,
	DstStart:   time.March,
	DstEnd:     time.October,
	SwitchHour: 1,
}

func (z *RuleZone) TZID() string { return z.ID }

// Offset returns the UTC offset in effect at t.
func (z *RuleZone) Offset(t time.Time) time.Duration {
	u := t.UTC()
	start := lastSunday(u.Year(), z.DstStart).Add(time.Duration(z.SwitchHour) * time.Hour)
	end := lastSunday(u.Year(), z.DstEnd).Add(time.Duration(z.SwitchHour) * time.Hour)
	if !u.Before(start) && u.Before(end) {
		return z.DstOffset
	}
	return z.StdOffset
}

func (z *RuleZone) LocalTime(t time.Time) string {
	return t.UTC().Add(z.Offset(t)).Format(dateTimeLayout)
}

func (z *RuleZone) VTimezone() []string {
	// Observance onsets are given in the local time in force before the switch.
	dstOnset := lastSunday(1970, z.DstStart).Add(time.Duration(z.SwitchHour)*time.Hour + z.StdOffset)
	stdOnset := lastSunday(1970, z.DstEnd).Add(time.Duration(z.SwitchHour)*time.Hour + z.DstOffset)

	return []string{
		"BEGIN:" + string(ical.ComponentVTimezone),
		string(ical.ComponentPropertyTzid) + ":" + z.ID,
		"BEGIN:" + string(ical.ComponentDaylight),
		string(ical.PropertyTzoffsetfrom) + ":" + formatOffset(z.StdOffset),
		string(ical.PropertyTzoffsetto) + ":" + formatOffset(z.DstOffset),
		string(ical.PropertyTzname) + ":" + z.DstName,
		string(ical.ComponentPropertyDtStart) + ":" + dstOnset.Format(dateTimeLayout),
		string(ical.ComponentPropertyRrule) + ":" + yearlyLastSunday(z.DstStart),
		"END:" + string(ical.ComponentDaylight),
		"BEGIN:" + string(ical.ComponentStandard),
		string(ical.PropertyTzoffsetfrom) + ":" + formatOffset(z.DstOffset),
		string(ical.PropertyTzoffsetto) + ":" + formatOffset(z.StdOffset),
		string(ical.PropertyTzname) + ":" + z.StdName,
		string(ical.ComponentPropertyDtStart) + ":" + stdOnset.Format(dateTimeLayout),
		string(ical.ComponentPropertyRrule) + ":" + yearlyLastSunday(z.DstEnd),
		"END:" + string(ical.ComponentStandard),
		"END:" + string(ical.ComponentVTimezone),
	}
}

func yearlyLastSunday(m time.Month) string {
	return fmt.Sprintf("FREQ=YEARLY;BYMONTH=%d;BYDAY=-1SU", int(m))
}

// lastSunday returns 00:00 UTC of the last Sunday in month m of year.
func lastSunday(year int, m time.Month) time.Time {
	d := time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC)
	return d.AddDate(0, 0, -int(d.Weekday()))
}

func formatOffset(d time.Duration) string {
	sign := '+'
	if d < 0 {
		sign = '-'
		d = -d
	}
	mins := int(d / time.Minute)
	return fmt.Sprintf("%c%02d%02d", sign, mins/60, mins%60)
}
