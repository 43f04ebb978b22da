// Package store persists events, series and series overrides in SQLite and
// maps rows into the typed model at this boundary.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/samber/mo"

	appLog "evcal/internal/log"
	"evcal/internal/model"
)

var ErrNotFound = errors.New("store: not found")

// Instants are stored as UTC text in this layout, so text order is time order.
const instantLayout = "2006-01-02T15:04:05Z"

// Store implements the event, series and override repositories on SQLite.
type Store struct {
	db *sql.DB
}

// New opens (and migrates) the database at path. Use ":memory:" for an
// in-memory database.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		categories_json TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'published',
		all_day INTEGER NOT NULL DEFAULT 0,
		start_utc TEXT NOT NULL,
		end_utc TEXT NOT NULL,
		timezone TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_window
		ON events(start_utc, end_utc);

	CREATE TABLE IF NOT EXISTS series (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		categories_json TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'published',
		rrule TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT,
		start_time TEXT NOT NULL DEFAULT '',
		end_time TEXT NOT NULL DEFAULT '',
		timezone TEXT NOT NULL DEFAULT '',
		exdates_json TEXT NOT NULL DEFAULT '[]',
		default_duration_minutes INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS series_overrides (
		series_id TEXT NOT NULL REFERENCES series(id) ON DELETE CASCADE,
		instance_date TEXT NOT NULL,
		cancelled INTEGER NOT NULL DEFAULT 0,
		title TEXT,
		description TEXT,
		location TEXT,
		start_time TEXT,
		end_time TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (series_id, instance_date)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- events ---

// UpsertEvent inserts or replaces a standalone event.
func (s *Store) UpsertEvent(ctx context.Context, e model.Event) error {
	cats, err := json.Marshal(nonNil(e.Categories))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, title, description, location, url, categories_json, status,
			all_day, start_utc, end_utc, timezone, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title, description = excluded.description,
			location = excluded.location, url = excluded.url,
			categories_json = excluded.categories_json, status = excluded.status,
			all_day = excluded.all_day, start_utc = excluded.start_utc,
			end_utc = excluded.end_utc, timezone = excluded.timezone,
			updated_at = excluded.updated_at`,
		e.ID, e.Title, e.Description, e.Location, e.URL, string(cats), string(e.Status),
		e.AllDay, storeInstant(e.Start, e.AllDay), storeInstant(e.End, e.AllDay), e.Timezone,
		e.UpdatedAt.UTC().Format(instantLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert event %s: %w", e.ID, err)
	}
	return nil
}

const eventColumns = `id, title, description, location, url, categories_json, status,
	all_day, start_utc, end_utc, timezone, updated_at`

// GetEvent returns one event or ErrNotFound.
func (s *Store) GetEvent(ctx context.Context, id string) (model.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, ErrNotFound
	}
	return e, err
}

// ListEvents returns events overlapping [from, to], ordered by start.
func (s *Store) ListEvents(ctx context.Context, from, to time.Time) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE start_utc <= ? AND end_utc >= ? ORDER BY start_utc, id`,
		to.UTC().Format(instantLayout), from.UTC().AddDate(0, 0, -1).Format(instantLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		// The query widens by a day for all-day rows; trim exactly here.
		if e.Start.After(to) || eventEnd(e).Before(from) {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- series ---

// UpsertSeries inserts or replaces a series definition.
func (s *Store) UpsertSeries(ctx context.Context, sr model.Series) error {
	cats, err := json.Marshal(nonNil(sr.Categories))
	if err != nil {
		return err
	}
	exdates := sr.ExceptionDatesJSON
	if exdates == "" {
		exdates = "[]"
	}
	var endDate sql.NullString
	if d, ok := sr.EndDate.Get(); ok {
		endDate = sql.NullString{String: d.Format(model.DateLayout), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO series (id, title, description, location, url, categories_json, status,
			rrule, start_date, end_date, start_time, end_time, timezone, exdates_json,
			default_duration_minutes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title, description = excluded.description,
			location = excluded.location, url = excluded.url,
			categories_json = excluded.categories_json, status = excluded.status,
			rrule = excluded.rrule, start_date = excluded.start_date,
			end_date = excluded.end_date, start_time = excluded.start_time,
			end_time = excluded.end_time, timezone = excluded.timezone,
			exdates_json = excluded.exdates_json,
			default_duration_minutes = excluded.default_duration_minutes,
			updated_at = excluded.updated_at`,
		sr.ID, sr.Title, sr.Description, sr.Location, sr.URL, string(cats), string(sr.Status),
		sr.RRule, sr.StartDate.Format(model.DateLayout), endDate, sr.StartTime, sr.EndTime,
		sr.Timezone, exdates, sr.DefaultDurationMinutes, sr.UpdatedAt.UTC().Format(instantLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert series %s: %w", sr.ID, err)
	}
	return nil
}

const seriesColumns = `id, title, description, location, url, categories_json, status,
	rrule, start_date, end_date, start_time, end_time, timezone, exdates_json,
	default_duration_minutes, updated_at`

// GetSeries returns one series or ErrNotFound.
func (s *Store) GetSeries(ctx context.Context, id string) (model.Series, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+seriesColumns+` FROM series WHERE id = ?`, id)
	sr, err := scanSeries(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Series{}, ErrNotFound
	}
	return sr, err
}

// ListSeries returns every series that may be active at or after from:
// open-ended ones and those whose end date is not before from.
func (s *Store) ListSeries(ctx context.Context, from time.Time) ([]model.Series, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+seriesColumns+` FROM series WHERE end_date IS NULL OR end_date >= ? ORDER BY id`,
		from.Format(model.DateLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query series: %w", err)
	}
	defer rows.Close()

	var out []model.Series
	for rows.Next() {
		sr, err := scanSeries(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// --- overrides ---

// UpsertOverride inserts or replaces the override for one instance date.
func (s *Store) UpsertOverride(ctx context.Context, ov model.Override) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO series_overrides (series_id, instance_date, cancelled, title, description,
			location, start_time, end_time, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(series_id, instance_date) DO UPDATE SET
			cancelled = excluded.cancelled, title = excluded.title,
			description = excluded.description, location = excluded.location,
			start_time = excluded.start_time, end_time = excluded.end_time,
			updated_at = excluded.updated_at`,
		ov.SeriesID, ov.InstanceDate.Format(model.DateLayout), ov.Cancelled,
		nullString(ov.Title), nullString(ov.Description), nullString(ov.Location),
		nullString(ov.StartTime), nullString(ov.EndTime), ov.UpdatedAt.UTC().Format(instantLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert override %s@%s: %w", ov.SeriesID, ov.InstanceDate.Format(model.DateLayout), err)
	}
	return nil
}

// FetchOverrides loads the overrides of seriesID for the given instance
// dates with a single query.
func (s *Store) FetchOverrides(ctx context.Context, seriesID string, instanceDates []time.Time) ([]model.Override, error) {
	if len(instanceDates) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(instanceDates)+1)
	args = append(args, seriesID)
	for _, d := range instanceDates {
		args = append(args, d.Format(model.DateLayout))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(instanceDates)), ",")

	rows, err := s.db.QueryContext(ctx, `
		SELECT series_id, instance_date, cancelled, title, description, location,
			start_time, end_time, updated_at
		FROM series_overrides
		WHERE series_id = ? AND instance_date IN (`+placeholders+`)
		ORDER BY instance_date`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query overrides: %w", err)
	}
	defer rows.Close()

	var out []model.Override
	for rows.Next() {
		var (
			ov                                   model.Override
			date, updated                        string
			title, desc, loc, startTime, endTime sql.NullString
		)
		if err := rows.Scan(&ov.SeriesID, &date, &ov.Cancelled, &title, &desc, &loc,
			&startTime, &endTime, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		if ov.InstanceDate, err = time.Parse(model.DateLayout, date); err != nil {
			return nil, fmt.Errorf("override %s: bad instance date %q: %w", ov.SeriesID, date, err)
		}
		ov.Title = optString(title)
		ov.Description = optString(desc)
		ov.Location = optString(loc)
		ov.StartTime = optString(startTime)
		ov.EndTime = optString(endTime)
		ov.UpdatedAt, _ = time.Parse(instantLayout, updated)
		out = append(out, ov)
	}
	return out, rows.Err()
}

// --- row mapping ---

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(r scanner) (model.Event, error) {
	var (
		e                             model.Event
		cats, status, start, end, upd string
	)
	if err := r.Scan(&e.ID, &e.Title, &e.Description, &e.Location, &e.URL, &cats, &status,
		&e.AllDay, &start, &end, &e.Timezone, &upd); err != nil {
		return model.Event{}, err
	}
	e.Status = model.Status(status)
	e.Categories = decodeCategories(cats, "event", e.ID)
	e.UpdatedAt, _ = time.Parse(instantLayout, upd)

	loc := loadZone(e.Timezone, "event", e.ID)
	var err error
	if e.Start, err = loadInstant(start, e.AllDay, loc); err != nil {
		return model.Event{}, fmt.Errorf("event %s: bad start %q: %w", e.ID, start, err)
	}
	if e.End, err = loadInstant(end, e.AllDay, loc); err != nil {
		return model.Event{}, fmt.Errorf("event %s: bad end %q: %w", e.ID, end, err)
	}
	return e, nil
}

func scanSeries(r scanner) (model.Series, error) {
	var (
		sr                       model.Series
		cats, status, start, upd string
		end                      sql.NullString
	)
	if err := r.Scan(&sr.ID, &sr.Title, &sr.Description, &sr.Location, &sr.URL, &cats, &status,
		&sr.RRule, &start, &end, &sr.StartTime, &sr.EndTime, &sr.Timezone,
		&sr.ExceptionDatesJSON, &sr.DefaultDurationMinutes, &upd); err != nil {
		return model.Series{}, err
	}
	sr.Status = model.Status(status)
	sr.Categories = decodeCategories(cats, "series", sr.ID)
	sr.UpdatedAt, _ = time.Parse(instantLayout, upd)

	var err error
	if sr.StartDate, err = time.Parse(model.DateLayout, start); err != nil {
		return model.Series{}, fmt.Errorf("series %s: bad start date %q: %w", sr.ID, start, err)
	}
	if end.Valid && end.String != "" {
		d, err := time.Parse(model.DateLayout, end.String)
		if err != nil {
			return model.Series{}, fmt.Errorf("series %s: bad end date %q: %w", sr.ID, end.String, err)
		}
		sr.EndDate = mo.Some(d)
	}
	return sr, nil
}

// storeInstant writes timed values as UTC instants and all-day values as
// their calendar date at 00:00Z.
func storeInstant(t time.Time, allDay bool) string {
	if allDay {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Format(instantLayout)
	}
	return t.UTC().Format(instantLayout)
}

func loadInstant(v string, allDay bool, loc *time.Location) (time.Time, error) {
	t, err := time.Parse(instantLayout, v)
	if err != nil {
		return time.Time{}, err
	}
	if allDay {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, loc), nil
	}
	return t.In(loc), nil
}

// eventEnd is the last instant an event covers; all-day ends are inclusive days.
func eventEnd(e model.Event) time.Time {
	if e.AllDay {
		return e.End.AddDate(0, 0, 1).Add(-time.Second)
	}
	return e.End
}

func loadZone(name, kind, id string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Warn("unknown time zone; reading row in UTC", kind+"_id", id, "timezone", name)
		return time.UTC
	}
	return loc
}

func decodeCategories(raw, kind, id string) []string {
	if raw == "" {
		return nil
	}
	var cats []string
	if err := json.Unmarshal([]byte(raw), &cats); err != nil {
		appLog.Warn("malformed categories ignored", kind+"_id", id)
		return nil
	}
	if len(cats) == 0 {
		return nil
	}
	return cats
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullString(o mo.Option[string]) sql.NullString {
	v, ok := o.Get()
	return sql.NullString{String: v, Valid: ok}
}

func optString(ns sql.NullString) mo.Option[string] {
	if !ns.Valid {
		return mo.None[string]()
	}
	return mo.Some(ns.String)
}
