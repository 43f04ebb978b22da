package series

import (
	"sort"
	"time"

	"evcal/internal/model"
)

const clockLayout = "15:04"

// IndexOverrides keys override records by instance date ("2006-01-02").
func IndexOverrides(overrides []model.Override) map[string]model.Override {
	out := make(map[string]model.Override, len(overrides))
	for _, ov := range overrides {
		out[ov.InstanceDate.Format(model.DateLayout)] = ov
	}
	return out
}

// MergeOverrides applies per-date overrides to generated series instances.
// An override replaces the fields it sets and is tagged KindOverride; a
// cancellation is kept as a KindCancelled occurrence instead of being
// dropped. Instances without an override keep KindSeriesInstance. The result
// is sorted by start time, since overrides may move an instance.
//
// Overrides whose instance date matches no generated occurrence are ignored.
func MergeOverrides(generated []model.Occurrence, overridesByDate map[string]model.Override) []model.Occurrence {
	out := make([]model.Occurrence, 0, len(generated))
	for _, occ := range generated {
		ov, ok := overridesByDate[occ.Source.InstanceDate]
		if !ok {
			occ.Kind = model.KindSeriesInstance
			out = append(out, occ)
			continue
		}
		out = append(out, applyOverride(occ, ov))
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

func applyOverride(occ model.Occurrence, ov model.Override) model.Occurrence {
	if ov.UpdatedAt.After(occ.UpdatedAt) {
		occ.UpdatedAt = ov.UpdatedAt
	}

	if ov.Cancelled {
		occ.Kind = model.KindCancelled
		occ.Status = model.StatusCancelled
		return occ
	}

	occ.Kind = model.KindOverride
	occ.Title = ov.Title.OrElse(occ.Title)
	occ.Description = ov.Description.OrElse(occ.Description)
	occ.Location = ov.Location.OrElse(occ.Location)

	if occ.AllDay {
		return occ
	}

	dur := occ.End.Sub(occ.Start)
	if v, ok := ov.StartTime.Get(); ok {
		if start, err := onDay(occ.Start, v); err == nil {
			occ.Start = start
			occ.End = start.Add(dur)
		}
	}
	if v, ok := ov.EndTime.Get(); ok {
		if end, err := onDay(occ.Start, v); err == nil {
			if !end.After(occ.Start) {
				end = end.AddDate(0, 0, 1)
			}
			occ.End = end
		}
	}
	return occ
}

// onDay places a "15:04" wall-clock time on day's calendar date in day's zone.
func onDay(day time.Time, clock string) (time.Time, error) {
	c, err := time.Parse(clockLayout, clock)
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := day.Date()
	return time.Date(y, m, d, c.Hour(), c.Minute(), 0, 0, day.Location()), nil
}
