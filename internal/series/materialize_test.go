package series

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	appLog "evcal/internal/log"
	"evcal/internal/model"
)

type mockOverrides struct {
	mock.Mock
}

func (m *mockOverrides) FetchOverrides(ctx context.Context, seriesID string, instanceDates []time.Time) ([]model.Override, error) {
	args := m.Called(ctx, seriesID, instanceDates)
	ovs, _ := args.Get(0).([]model.Override)
	return ovs, args.Error(1)
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	appLog.SetOutput(&buf)
	t.Cleanup(func() { appLog.SetOutput(os.Stderr) })
	return &buf
}

func berlin(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	return loc
}

func weeklyThursday() model.Series {
	return model.Series{
		ID:                 "s1",
		Title:              "Open rehearsal",
		Status:             model.StatusPublished,
		RRule:              "FREQ=WEEKLY;BYDAY=TH",
		StartDate:          time.Date(2024, 6, 6, 0, 0, 0, 0, time.UTC),
		StartTime:          "19:00",
		EndTime:            "21:30",
		Timezone:           "Europe/Berlin",
		ExceptionDatesJSON: `["2024-06-20"]`,
	}
}

func TestMaterialize_CancelledOverride(t *testing.T) {
	loc := berlin(t)
	repo := &mockOverrides{}
	repo.On("FetchOverrides", mock.Anything, "s1", mock.Anything).Return([]model.Override{
		{SeriesID: "s1", InstanceDate: time.Date(2024, 7, 4, 0, 0, 0, 0, time.UTC), Cancelled: true},
	}, nil).Once()

	m := NewMaterializer(repo, time.UTC)
	got, err := m.Materialize(context.Background(), weeklyThursday(),
		time.Date(2024, 6, 1, 0, 0, 0, 0, loc), time.Date(2024, 7, 15, 0, 0, 0, 0, loc))
	require.NoError(t, err)

	var dates []string
	for _, o := range got {
		dates = append(dates, o.Source.InstanceDate)
	}
	assert.Equal(t, []string{"2024-06-06", "2024-06-13", "2024-06-27", "2024-07-04", "2024-07-11"}, dates)

	cancelled := got[3]
	assert.Equal(t, model.KindCancelled, cancelled.Kind)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
	assert.Equal(t, time.Date(2024, 7, 4, 19, 0, 0, 0, loc), cancelled.Start)
	assert.Equal(t, time.Date(2024, 7, 4, 21, 30, 0, 0, loc), cancelled.End)
	assert.Equal(t, "Europe/Berlin", cancelled.Timezone)

	for _, i := range []int{0, 1, 2, 4} {
		assert.Equal(t, model.KindSeriesInstance, got[i].Kind)
	}

	repo.AssertExpectations(t)
	repo.AssertNumberOfCalls(t, "FetchOverrides", 1)

	// The single lookup carries exactly the generated instance dates.
	fetched := repo.Calls[0].Arguments.Get(2).([]time.Time)
	require.Len(t, fetched, 5)
	assert.Equal(t, "2024-07-04", fetched[3].Format(model.DateLayout))
}

func TestMaterialize_ActiveRange(t *testing.T) {
	loc := berlin(t)
	s := weeklyThursday()
	s.ExceptionDatesJSON = ""
	s.EndDate = mo.Some(time.Date(2024, 6, 27, 0, 0, 0, 0, time.UTC))

	m := NewMaterializer(nil, time.UTC)

	t.Run("end date is inclusive", func(t *testing.T) {
		got, err := m.Materialize(context.Background(), s,
			time.Date(2024, 1, 1, 0, 0, 0, 0, loc), time.Date(2024, 12, 31, 0, 0, 0, 0, loc))
		require.NoError(t, err)
		require.Len(t, got, 4)
		assert.Equal(t, "2024-06-27", got[3].Source.InstanceDate)
	})

	t.Run("window start snaps to start of day", func(t *testing.T) {
		// 20:00 on the 13th still includes that day's 19:00 instance.
		got, err := m.Materialize(context.Background(), s,
			time.Date(2024, 6, 13, 20, 0, 0, 0, loc), time.Date(2024, 12, 31, 0, 0, 0, 0, loc))
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "2024-06-13", got[0].Source.InstanceDate)
	})

	t.Run("window after series", func(t *testing.T) {
		got, err := m.Materialize(context.Background(), s,
			time.Date(2025, 1, 1, 0, 0, 0, 0, loc), time.Date(2025, 2, 1, 0, 0, 0, 0, loc))
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("rule until bounds open-ended series", func(t *testing.T) {
		open := s
		open.EndDate = mo.None[time.Time]()
		open.RRule = "FREQ=WEEKLY;BYDAY=TH;UNTIL=20240613"
		got, err := m.Materialize(context.Background(), open,
			time.Date(2024, 1, 1, 0, 0, 0, 0, loc), time.Date(2024, 12, 31, 0, 0, 0, 0, loc))
		require.NoError(t, err)
		require.Len(t, got, 2)
	})
}

func TestMaterialize_AllDay(t *testing.T) {
	s := model.Series{
		ID:                     "fair",
		Title:                  "Summer fair",
		RRule:                  "FREQ=YEARLY;COUNT=2",
		StartDate:              time.Date(2024, 8, 10, 0, 0, 0, 0, time.UTC),
		Timezone:               "Europe/Berlin",
		DefaultDurationMinutes: 2 * 24 * 60,
	}
	m := NewMaterializer(nil, time.UTC)
	got, err := m.Materialize(context.Background(), s,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.True(t, got[0].AllDay)
	assert.Equal(t, "2024-08-10", got[0].Start.Format(model.DateLayout))
	assert.Equal(t, "2024-08-11", got[0].End.Format(model.DateLayout), "end is the last covered day")
	assert.Equal(t, "2025-08-10", got[1].Start.Format(model.DateLayout))
}

func TestMaterialize_AllDayAcrossDST(t *testing.T) {
	tests := []struct {
		name   string
		start  time.Time
		starts []string
		ends   []string
	}{
		{
			name:   "template spans the March switch",
			start:  time.Date(2024, 3, 30, 0, 0, 0, 0, time.UTC),
			starts: []string{"2024-03-30", "2024-04-06", "2024-04-13"},
			ends:   []string{"2024-04-01", "2024-04-08", "2024-04-15"},
		},
		{
			name:   "instance spans the October switch",
			start:  time.Date(2024, 10, 12, 0, 0, 0, 0, time.UTC),
			starts: []string{"2024-10-12", "2024-10-19", "2024-10-26"},
			ends:   []string{"2024-10-14", "2024-10-21", "2024-10-28"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := model.Series{
				ID:                     "camp",
				Title:                  "Holiday camp",
				RRule:                  "FREQ=WEEKLY;COUNT=3",
				StartDate:              tt.start,
				Timezone:               "Europe/Berlin",
				DefaultDurationMinutes: 3 * 24 * 60,
			}
			m := NewMaterializer(nil, time.UTC)
			got, err := m.Materialize(context.Background(), s,
				time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
			require.NoError(t, err)
			require.Len(t, got, 3)

			for i, o := range got {
				assert.Equal(t, tt.starts[i], o.Start.Format(model.DateLayout))
				assert.Equal(t, tt.ends[i], o.End.Format(model.DateLayout))
				assert.Zero(t, o.End.Hour(), "all-day end stays at midnight")
			}
		})
	}
}

func TestMaterialize_Overnight(t *testing.T) {
	s := weeklyThursday()
	s.StartTime, s.EndTime = "22:00", "02:00"
	s.ExceptionDatesJSON = "[]"

	m := NewMaterializer(nil, time.UTC)
	got, err := m.Materialize(context.Background(), s,
		time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 4*time.Hour, got[0].End.Sub(got[0].Start))
}

func TestMaterialize_DataIntegrityWarnings(t *testing.T) {
	window := [2]time.Time{
		time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
	}

	tests := []struct {
		name   string
		mutate func(*model.Series)
		logged string
	}{
		{"missing end time", func(s *model.Series) { s.EndTime = "" }, "no end time"},
		{"malformed exception dates", func(s *model.Series) { s.ExceptionDatesJSON = "{oops" }, "malformed exception dates"},
		{"unknown zone", func(s *model.Series) { s.Timezone = "Mars/Olympus_Mons" }, "unknown time zone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLog(t)
			s := weeklyThursday()
			tt.mutate(&s)

			repo := &mockOverrides{}
			got, err := NewMaterializer(repo, time.UTC).Materialize(context.Background(), s, window[0], window[1])
			require.NoError(t, err)
			assert.Empty(t, got)
			assert.Contains(t, buf.String(), "[WARN]")
			assert.Contains(t, buf.String(), tt.logged)
			assert.Contains(t, buf.String(), "series_id=s1")
			repo.AssertNotCalled(t, "FetchOverrides", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestMaterialize_Errors(t *testing.T) {
	window := [2]time.Time{
		time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
	}

	t.Run("unsupported frequency", func(t *testing.T) {
		s := weeklyThursday()
		s.RRule = "FREQ=MINUTELY"
		_, err := NewMaterializer(nil, time.UTC).Materialize(context.Background(), s, window[0], window[1])
		require.Error(t, err)
		assert.Contains(t, err.Error(), "series s1")
	})

	t.Run("repository failure", func(t *testing.T) {
		boom := errors.New("database is locked")
		repo := &mockOverrides{}
		repo.On("FetchOverrides", mock.Anything, "s1", mock.Anything).Return(nil, boom)

		_, err := NewMaterializer(repo, time.UTC).Materialize(context.Background(), weeklyThursday(), window[0], window[1])
		assert.ErrorIs(t, err, boom)
	})
}

func TestMaterialize_DefaultZone(t *testing.T) {
	loc := berlin(t)
	s := weeklyThursday()
	s.Timezone = ""
	s.ExceptionDatesJSON = ""

	got, err := NewMaterializer(nil, loc).Materialize(context.Background(), s,
		time.Date(2024, 6, 1, 0, 0, 0, 0, loc), time.Date(2024, 6, 10, 0, 0, 0, 0, loc))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Europe/Berlin", got[0].Timezone)
	assert.Equal(t, time.Date(2024, 6, 6, 17, 0, 0, 0, time.UTC), got[0].Start.UTC())
}
