package store

import (
	"context"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evcal/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func berlin(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	return loc
}

func date(s string) time.Time {
	d, err := time.Parse(model.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestEvent_UpsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	loc := berlin(t)

	ev := model.Event{
		ID:          "42",
		Title:       "Board meeting",
		Description: "Quarterly **review**",
		Location:    "Town hall",
		URL:         "https://example.org/e/42",
		Categories:  []string{"civic", "meeting"},
		Status:      model.StatusPublished,
		Start:       time.Date(2024, 7, 4, 18, 0, 0, 0, loc),
		End:         time.Date(2024, 7, 4, 20, 0, 0, 0, loc),
		Timezone:    "Europe/Berlin",
		UpdatedAt:   time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.UpsertEvent(ctx, ev))

	got, err := s.GetEvent(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, ev.Title, got.Title)
	assert.Equal(t, ev.Categories, got.Categories)
	assert.Equal(t, model.StatusPublished, got.Status)
	assert.True(t, ev.Start.Equal(got.Start))
	assert.True(t, ev.End.Equal(got.End))
	assert.Equal(t, "Europe/Berlin", got.Start.Location().String())
	assert.True(t, ev.UpdatedAt.Equal(got.UpdatedAt))

	ev.Title = "Board meeting (moved)"
	ev.Categories = nil
	require.NoError(t, s.UpsertEvent(ctx, ev))
	got, err = s.GetEvent(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "Board meeting (moved)", got.Title)
	assert.Nil(t, got.Categories)
}

func TestEvent_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetEvent(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEvent_AllDayKeepsCalendarDate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	loc := berlin(t)

	require.NoError(t, s.UpsertEvent(ctx, model.Event{
		ID:       "fair",
		Title:    "Street fair",
		Status:   model.StatusPublished,
		AllDay:   true,
		Start:    time.Date(2024, 8, 10, 0, 0, 0, 0, loc),
		End:      time.Date(2024, 8, 11, 0, 0, 0, 0, loc),
		Timezone: "Europe/Berlin",
	}))

	got, err := s.GetEvent(ctx, "fair")
	require.NoError(t, err)
	assert.True(t, got.AllDay)
	assert.Equal(t, "2024-08-10", got.Start.Format(model.DateLayout))
	assert.Equal(t, "2024-08-11", got.End.Format(model.DateLayout))
	assert.Equal(t, 0, got.Start.Hour())
}

func TestListEvents_Window(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mk := func(id string, start time.Time, allDay bool) model.Event {
		end := start.Add(2 * time.Hour)
		if allDay {
			end = start
		}
		return model.Event{ID: id, Title: id, Status: model.StatusPublished, AllDay: allDay,
			Start: start, End: end, Timezone: "UTC"}
	}
	require.NoError(t, s.UpsertEvent(ctx, mk("before", time.Date(2024, 6, 30, 10, 0, 0, 0, time.UTC), false)))
	require.NoError(t, s.UpsertEvent(ctx, mk("inside", time.Date(2024, 7, 2, 10, 0, 0, 0, time.UTC), false)))
	require.NoError(t, s.UpsertEvent(ctx, mk("allday-first", time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), true)))
	require.NoError(t, s.UpsertEvent(ctx, mk("allday-prev", time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC), true)))
	require.NoError(t, s.UpsertEvent(ctx, mk("after", time.Date(2024, 7, 10, 10, 0, 0, 0, time.UTC), false)))

	from := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 7, 7, 23, 59, 59, 0, time.UTC)
	got, err := s.ListEvents(ctx, from, to)
	require.NoError(t, err)

	var ids []string
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"allday-first", "inside"}, ids)
}

func TestSeries_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	open := model.Series{
		ID:                     "7",
		Title:                  "Weekly choir",
		Status:                 model.StatusPublished,
		RRule:                  "FREQ=WEEKLY;BYDAY=MO,WE",
		StartDate:              date("2024-07-01"),
		StartTime:              "19:00",
		EndTime:                "21:00",
		Timezone:               "Europe/Berlin",
		ExceptionDatesJSON:     `["2024-07-10"]`,
		DefaultDurationMinutes: 0,
	}
	closed := model.Series{
		ID:        "8",
		Title:     "Summer camp",
		Status:    model.StatusPublished,
		RRule:     "FREQ=DAILY",
		StartDate: date("2024-06-01"),
		EndDate:   mo.Some(date("2024-06-20")),
	}
	require.NoError(t, s.UpsertSeries(ctx, open))
	require.NoError(t, s.UpsertSeries(ctx, closed))

	got, err := s.GetSeries(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, open.RRule, got.RRule)
	assert.Equal(t, "2024-07-01", got.StartDate.Format(model.DateLayout))
	assert.True(t, got.EndDate.IsAbsent())
	assert.Equal(t, "19:00", got.StartTime)
	assert.Equal(t, `["2024-07-10"]`, got.ExceptionDatesJSON)
	assert.False(t, got.AllDay())

	camp, err := s.GetSeries(ctx, "8")
	require.NoError(t, err)
	assert.True(t, camp.AllDay())
	assert.Equal(t, "[]", camp.ExceptionDatesJSON)
	end, ok := camp.EndDate.Get()
	require.True(t, ok)
	assert.Equal(t, "2024-06-20", end.Format(model.DateLayout))

	_, err = s.GetSeries(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSeries_SkipsEnded(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, sr := range []model.Series{
		{ID: "a", Title: "open", RRule: "FREQ=WEEKLY", StartDate: date("2024-01-01")},
		{ID: "b", Title: "ended", RRule: "FREQ=WEEKLY", StartDate: date("2024-01-01"), EndDate: mo.Some(date("2024-06-30"))},
		{ID: "c", Title: "ends on window start", RRule: "FREQ=WEEKLY", StartDate: date("2024-01-01"), EndDate: mo.Some(date("2024-07-01"))},
	} {
		require.NoError(t, s.UpsertSeries(ctx, sr))
	}

	got, err := s.ListSeries(ctx, date("2024-07-01"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "c", got[1].ID)
}

func TestFetchOverrides(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.UpsertSeries(ctx, model.Series{ID: "7", Title: "choir", RRule: "FREQ=WEEKLY", StartDate: date("2024-07-01")}))

	require.NoError(t, s.UpsertOverride(ctx, model.Override{
		SeriesID: "7", InstanceDate: date("2024-07-03"), Cancelled: true,
	}))
	require.NoError(t, s.UpsertOverride(ctx, model.Override{
		SeriesID: "7", InstanceDate: date("2024-07-08"),
		Title:     mo.Some("Choir (guest conductor)"),
		StartTime: mo.Some("18:30"),
	}))
	require.NoError(t, s.UpsertOverride(ctx, model.Override{
		SeriesID: "7", InstanceDate: date("2024-09-01"), Cancelled: true,
	}))

	got, err := s.FetchOverrides(ctx, "7", []time.Time{date("2024-07-01"), date("2024-07-03"), date("2024-07-08")})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "2024-07-03", got[0].InstanceDate.Format(model.DateLayout))
	assert.True(t, got[0].Cancelled)
	assert.True(t, got[0].Title.IsAbsent())

	assert.False(t, got[1].Cancelled)
	assert.Equal(t, mo.Some("Choir (guest conductor)"), got[1].Title)
	assert.Equal(t, mo.Some("18:30"), got[1].StartTime)
	assert.True(t, got[1].EndTime.IsAbsent())
	assert.True(t, got[1].Location.IsAbsent())

	none, err := s.FetchOverrides(ctx, "7", nil)
	require.NoError(t, err)
	assert.Nil(t, none)

	other, err := s.FetchOverrides(ctx, "unknown", []time.Time{date("2024-07-03")})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestUpsertOverride_Replaces(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.UpsertSeries(ctx, model.Series{ID: "7", Title: "choir", RRule: "FREQ=WEEKLY", StartDate: date("2024-07-01")}))

	ov := model.Override{SeriesID: "7", InstanceDate: date("2024-07-03"), Cancelled: true}
	require.NoError(t, s.UpsertOverride(ctx, ov))
	ov.Cancelled = false
	ov.Location = mo.Some("Church hall")
	require.NoError(t, s.UpsertOverride(ctx, ov))

	got, err := s.FetchOverrides(ctx, "7", []time.Time{date("2024-07-03")})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Cancelled)
	assert.Equal(t, mo.Some("Church hall"), got[0].Location)
}

func TestUpsertOverride_RequiresSeries(t *testing.T) {
	s := newTestStore(t)
	err := s.UpsertOverride(context.Background(), model.Override{SeriesID: "ghost", InstanceDate: date("2024-07-03")})
	assert.Error(t, err)
}

func TestLoadZone_UnknownFallsBackToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, loadZone("", "event", "1"))
	assert.Equal(t, time.UTC, loadZone("Mars/Olympus_Mons", "event", "1"))
}
