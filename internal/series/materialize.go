// Package series materializes recurring event series into resolved
// occurrences, merging stored per-instance overrides.
package series

import (
	"context"
	"errors"
	"fmt"
	"time"

	"evcal/internal/model"
	"evcal/internal/recurrence"
	"evcal/internal/rrule"

	appLog "evcal/internal/log"
)

var ErrMissingEndTime = errors.New("series: timed series has no end time")

// OverrideRepository yields the override records of one series. Callers pass
// every instance date they need in a single call.
type OverrideRepository interface {
	FetchOverrides(ctx context.Context, seriesID string, instanceDates []time.Time) ([]model.Override, error)
}

// Materializer expands series within a window. It holds no per-request
// state and is safe for concurrent use.
type Materializer struct {
	overrides   OverrideRepository
	defaultZone *time.Location
}

// NewMaterializer returns a Materializer reading overrides from repo. Series
// without a time zone are read in defaultZone (UTC if nil).
func NewMaterializer(repo OverrideRepository, defaultZone *time.Location) *Materializer {
	if defaultZone == nil {
		defaultZone = time.UTC
	}
	return &Materializer{overrides: repo, defaultZone: defaultZone}
}

// Materialize returns the occurrences of s whose start lies within the
// series' active range intersected with the window, with overrides merged.
//
// Data-integrity problems (unknown zone, missing end time, malformed
// exception dates) are logged as warnings and yield no occurrences and no
// error. Rule and repository failures are returned; callers materializing
// many series log them and carry on with the rest.
func (m *Materializer) Materialize(ctx context.Context, s model.Series, windowStart, windowEnd time.Time) ([]model.Occurrence, error) {
	loc, err := m.location(s.Timezone)
	if err != nil {
		appLog.Warn("series skipped: unknown time zone", "series_id", s.ID, "timezone", s.Timezone)
		return nil, nil
	}

	tpl, err := buildTemplate(s, loc)
	if err != nil {
		appLog.Warn("series skipped: "+err.Error(), "series_id", s.ID)
		return nil, nil
	}

	exceptions, err := recurrence.ParseExceptionDates(s.ExceptionDatesJSON)
	if err != nil {
		appLog.Warn("series skipped: "+err.Error(), "series_id", s.ID)
		return nil, nil
	}

	rule, err := rrule.BuildString(s.RRule, loc)
	if err != nil {
		return nil, fmt.Errorf("series %s: %w", s.ID, err)
	}

	from, until, ok := activeRange(s, rule, loc, windowStart, windowEnd)
	if !ok {
		return []model.Occurrence{}, nil
	}

	generated, err := recurrence.Expand(tpl, rule, from, until, exceptions)
	if err != nil {
		return nil, fmt.Errorf("series %s: %w", s.ID, err)
	}
	generated = clip(generated, from, until)
	if len(generated) == 0 {
		return generated, nil
	}

	dates := make([]time.Time, 0, len(generated))
	for _, occ := range generated {
		y, mo, d := occ.Start.Date()
		dates = append(dates, time.Date(y, mo, d, 0, 0, 0, 0, loc))
	}

	var byDate map[string]model.Override
	if m.overrides != nil {
		overrides, err := m.overrides.FetchOverrides(ctx, s.ID, dates)
		if err != nil {
			return nil, fmt.Errorf("series %s: fetch overrides: %w", s.ID, err)
		}
		byDate = IndexOverrides(overrides)
	}

	return MergeOverrides(generated, byDate), nil
}

func (m *Materializer) location(name string) (*time.Location, error) {
	if name == "" {
		return m.defaultZone, nil
	}
	return time.LoadLocation(name)
}

// buildTemplate builds the first occurrence from the series' start date and
// wall-clock times.
func buildTemplate(s model.Series, loc *time.Location) (recurrence.Template, error) {
	y, mo, d := s.StartDate.Date()
	day := time.Date(y, mo, d, 0, 0, 0, 0, loc)

	proto := model.Occurrence{
		Source:      model.SeriesSource(s.ID),
		Kind:        model.KindSeriesInstance,
		Title:       s.Title,
		Description: s.Description,
		Location:    s.Location,
		URL:         s.URL,
		Categories:  s.Categories,
		Status:      s.Status,
		Timezone:    loc.String(),
		UpdatedAt:   s.UpdatedAt,
	}

	if s.AllDay() {
		proto.AllDay = true
		proto.Start = day
		// All-day End is the last covered day, inclusive.
		days := (s.DefaultDurationMinutes + 24*60 - 1) / (24 * 60)
		if days < 1 {
			days = 1
		}
		proto.End = day.AddDate(0, 0, days-1)
		return recurrence.Template{Prototype: proto}, nil
	}

	if s.EndTime == "" {
		return recurrence.Template{}, ErrMissingEndTime
	}
	start, err := onDay(day, s.StartTime)
	if err != nil {
		return recurrence.Template{}, fmt.Errorf("series: bad start time %q: %w", s.StartTime, err)
	}
	end, err := onDay(day, s.EndTime)
	if err != nil {
		return recurrence.Template{}, fmt.Errorf("series: bad end time %q: %w", s.EndTime, err)
	}
	if !end.After(start) {
		// Overnight: ends on the following day.
		end = end.AddDate(0, 0, 1)
	}

	proto.Start = start
	proto.End = end
	return recurrence.Template{Prototype: proto}, nil
}

// activeRange intersects the series bounds with the window. The lower bound
// is the later of the series' first day and the start of the window's first
// day; the upper bound is the earliest of the series' last day (inclusive),
// the rule's UNTIL and the window end.
func activeRange(s model.Series, rule rrule.Rule, loc *time.Location, windowStart, windowEnd time.Time) (time.Time, time.Time, bool) {
	from := startOfDay(s.StartDate, loc)
	if ws := startOfDay(windowStart.In(loc), loc); ws.After(from) {
		from = ws
	}

	until := windowEnd
	if end, ok := s.EndDate.Get(); ok {
		if last := startOfDay(end, loc).AddDate(0, 0, 1).Add(-time.Second); last.Before(until) {
			until = last
		}
	} else if u, ok := rule.Until.Get(); ok && u.Before(until) {
		until = u
	}

	return from, until, !until.Before(from)
}

func clip(occs []model.Occurrence, from, until time.Time) []model.Occurrence {
	out := occs[:0]
	for _, occ := range occs {
		if occ.Start.Before(from) || occ.Start.After(until) {
			continue
		}
		out = append(out, occ)
	}
	return out
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
