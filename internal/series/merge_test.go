package series

import (
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evcal/internal/model"
)

func instance(day int, hour int) model.Occurrence {
	start := time.Date(2024, 7, day, hour, 0, 0, 0, time.UTC)
	return model.Occurrence{
		Source:    model.SourceID{SeriesID: "s1", InstanceDate: start.Format(model.DateLayout)},
		Kind:      model.KindSeriesInstance,
		Title:     "Choir rehearsal",
		Location:  "Hall A",
		Status:    model.StatusPublished,
		Start:     start,
		End:       start.Add(90 * time.Minute),
		Timezone:  "UTC",
		UpdatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func date(day int) time.Time {
	return time.Date(2024, 7, day, 0, 0, 0, 0, time.UTC)
}

func TestMergeOverrides_NoOverrides(t *testing.T) {
	generated := []model.Occurrence{instance(3, 19), instance(4, 19)}
	generated[1].Kind = ""

	got := MergeOverrides(generated, nil)
	require.Len(t, got, 2)
	for _, o := range got {
		assert.Equal(t, model.KindSeriesInstance, o.Kind)
	}
}

func TestMergeOverrides_Cancelled(t *testing.T) {
	updated := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)
	byDate := IndexOverrides([]model.Override{
		{SeriesID: "s1", InstanceDate: date(4), Cancelled: true, Title: mo.Some("ignored"), UpdatedAt: updated},
	})

	got := MergeOverrides([]model.Occurrence{instance(3, 19), instance(4, 19), instance(5, 19)}, byDate)
	require.Len(t, got, 3, "cancelled instances are kept, not dropped")

	assert.Equal(t, model.KindSeriesInstance, got[0].Kind)
	assert.Equal(t, model.KindCancelled, got[1].Kind)
	assert.Equal(t, model.StatusCancelled, got[1].Status)
	assert.Equal(t, "Choir rehearsal", got[1].Title)
	assert.Equal(t, updated, got[1].UpdatedAt)
	assert.Equal(t, model.KindSeriesInstance, got[2].Kind)
}

func TestMergeOverrides_ReplacesSetFields(t *testing.T) {
	byDate := IndexOverrides([]model.Override{{
		SeriesID:     "s1",
		InstanceDate: date(4),
		Title:        mo.Some("Choir rehearsal (guest conductor)"),
		Location:     mo.Some(""),
	}})

	got := MergeOverrides([]model.Occurrence{instance(4, 19)}, byDate)
	require.Len(t, got, 1)
	assert.Equal(t, model.KindOverride, got[0].Kind)
	assert.Equal(t, "Choir rehearsal (guest conductor)", got[0].Title)
	assert.Equal(t, "", got[0].Location, "a present empty value clears the field")
	assert.Equal(t, model.StatusPublished, got[0].Status)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), got[0].UpdatedAt, "older override keeps series timestamp")
}

func TestMergeOverrides_MovesAndResorts(t *testing.T) {
	byDate := IndexOverrides([]model.Override{
		// Move the 4th earlier in the day and the 3rd later, keeping duration.
		{SeriesID: "s1", InstanceDate: date(3), StartTime: mo.Some("21:00")},
		{SeriesID: "s1", InstanceDate: date(4), StartTime: mo.Some("08:00"), EndTime: mo.Some("08:45")},
	})

	got := MergeOverrides([]model.Occurrence{instance(3, 19), instance(4, 19)}, byDate)
	require.Len(t, got, 2)

	assert.Equal(t, time.Date(2024, 7, 3, 21, 0, 0, 0, time.UTC), got[0].Start)
	assert.Equal(t, time.Date(2024, 7, 3, 22, 30, 0, 0, time.UTC), got[0].End)
	assert.Equal(t, time.Date(2024, 7, 4, 8, 0, 0, 0, time.UTC), got[1].Start)
	assert.Equal(t, time.Date(2024, 7, 4, 8, 45, 0, 0, time.UTC), got[1].End)
}

func TestMergeOverrides_OvernightEnd(t *testing.T) {
	byDate := IndexOverrides([]model.Override{
		{SeriesID: "s1", InstanceDate: date(4), EndTime: mo.Some("01:00")},
	})

	got := MergeOverrides([]model.Occurrence{instance(4, 22)}, byDate)
	require.Len(t, got, 1)
	assert.Equal(t, time.Date(2024, 7, 5, 1, 0, 0, 0, time.UTC), got[0].End)
}

func TestMergeOverrides_InvalidTimeIgnored(t *testing.T) {
	byDate := IndexOverrides([]model.Override{
		{SeriesID: "s1", InstanceDate: date(4), StartTime: mo.Some("late")},
	})

	orig := instance(4, 19)
	got := MergeOverrides([]model.Occurrence{orig}, byDate)
	require.Len(t, got, 1)
	assert.Equal(t, model.KindOverride, got[0].Kind)
	assert.Equal(t, orig.Start, got[0].Start)
}

func TestMergeOverrides_AllDayIgnoresTimes(t *testing.T) {
	occ := instance(4, 0)
	occ.AllDay = true
	occ.End = occ.Start

	byDate := IndexOverrides([]model.Override{
		{SeriesID: "s1", InstanceDate: date(4), StartTime: mo.Some("10:00"), Title: mo.Some("Fair")},
	})
	got := MergeOverrides([]model.Occurrence{occ}, byDate)
	require.Len(t, got, 1)
	assert.Equal(t, "Fair", got[0].Title)
	assert.Equal(t, occ.Start, got[0].Start)
}

func TestMergeOverrides_UnmatchedOverrideIgnored(t *testing.T) {
	byDate := IndexOverrides([]model.Override{
		{SeriesID: "s1", InstanceDate: date(20), Cancelled: true},
	})
	got := MergeOverrides([]model.Occurrence{instance(4, 19)}, byDate)
	require.Len(t, got, 1)
	assert.Equal(t, model.KindSeriesInstance, got[0].Kind)
}
