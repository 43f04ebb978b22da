package model

import (
	"time"

	"github.com/samber/mo"
)

// Kind tags where a resolved occurrence came from.
type Kind string

const (
	KindSingle         Kind = "single"
	KindSeriesInstance Kind = "seriesInstance"
	KindOverride       Kind = "override"
	KindCancelled      Kind = "cancelled"
)

// Status is the publication state of an event or series.
type Status string

const (
	StatusPublished Status = "published"
	StatusDraft     Status = "draft"
	StatusCancelled Status = "cancelled"
)

// DateLayout is the ISO calendar-date layout used for instance dates,
// exception dates and series bounds.
const DateLayout = "2006-01-02"

// SourceID identifies the logical origin of an occurrence: a standalone
// event, or one instance date of a series.
type SourceID struct {
	EventID      string `json:"event_id,omitempty"`
	SeriesID     string `json:"series_id,omitempty"`
	InstanceDate string `json:"instance_date,omitempty"`
}

// SeriesSource returns the source of a series instance whose date is not
// yet known.
func SeriesSource(seriesID string) SourceID {
	return SourceID{SeriesID: seriesID}
}

// String renders a stable key, e.g. "event:42" or "series:7@2024-07-04".
func (s SourceID) String() string {
	if s.SeriesID != "" {
		return "series:" + s.SeriesID + "@" + s.InstanceDate
	}
	return "event:" + s.EventID
}

// Occurrence is one concrete, resolved event occurrence. It is the only
// shape handed to renderers (JSON API, ICS encoder).
type Occurrence struct {
	Source SourceID `json:"source"`
	Kind   Kind     `json:"kind"`

	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Location    string   `json:"location,omitempty"`
	URL         string   `json:"url,omitempty"`
	Categories  []string `json:"categories,omitempty"`
	Status      Status   `json:"status"`

	AllDay bool `json:"all_day"`
	// Start / End carry the event's own time zone.
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Timezone string    `json:"timezone"`

	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Event is a standalone (non-recurring) event row.
type Event struct {
	ID          string
	Title       string
	Description string
	Location    string
	URL         string
	Categories  []string
	Status      Status

	AllDay   bool
	Start    time.Time
	End      time.Time
	Timezone string

	UpdatedAt time.Time
}

// Occurrence converts the event into its single resolved occurrence.
func (e Event) Occurrence() Occurrence {
	return Occurrence{
		Source:      SourceID{EventID: e.ID},
		Kind:        KindSingle,
		Title:       e.Title,
		Description: e.Description,
		Location:    e.Location,
		URL:         e.URL,
		Categories:  e.Categories,
		Status:      e.Status,
		AllDay:      e.AllDay,
		Start:       e.Start,
		End:         e.End,
		Timezone:    e.Timezone,
		UpdatedAt:   e.UpdatedAt,
	}
}

// Series is a persisted recurring template.
type Series struct {
	ID          string
	Title       string
	Description string
	Location    string
	URL         string
	Categories  []string
	Status      Status

	RRule string

	// StartDate is the first instance date and the series' activeFrom bound.
	StartDate time.Time
	// EndDate is the optional activeUntil bound.
	EndDate mo.Option[time.Time]

	// StartTime / EndTime are wall-clock "15:04" values. An empty StartTime
	// marks an all-day series.
	StartTime string
	EndTime   string
	Timezone  string

	// ExceptionDatesJSON is the raw JSON array of ISO dates as stored.
	ExceptionDatesJSON string
	// DefaultDurationMinutes is used for all-day series spanning several days.
	DefaultDurationMinutes int

	UpdatedAt time.Time
}

// AllDay reports whether the series has no time-of-day.
func (s Series) AllDay() bool {
	return s.StartTime == ""
}

// Override is a stored edit or cancellation of one series instance.
type Override struct {
	SeriesID     string
	InstanceDate time.Time
	Cancelled    bool

	Title       mo.Option[string]
	Description mo.Option[string]
	Location    mo.Option[string]
	// StartTime / EndTime replace the wall-clock times ("15:04") for this
	// instance only.
	StartTime mo.Option[string]
	EndTime   mo.Option[string]

	UpdatedAt time.Time
}
