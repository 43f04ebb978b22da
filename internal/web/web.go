package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"evcal/internal/config"
	"evcal/internal/feed"
	"evcal/internal/ics"
	appLog "evcal/internal/log"
	"evcal/internal/model"
	"evcal/internal/rrule"
	"evcal/internal/store"
)

// maxWindow bounds /api/occurrences requests.
const maxWindow = 366 * 24 * time.Hour

// FeedService is the part of feed.Service the HTTP layer needs.
type FeedService interface {
	Occurrences(ctx context.Context, from, to time.Time) ([]model.Occurrence, error)
	EventCalendar(ctx context.Context, id, name string) (ics.Document, error)
	SeriesCalendar(ctx context.Context, id string, from, to time.Time, name string) (ics.Document, error)
}

// FeedCache serves the periodically rebuilt public feed.
type FeedCache interface {
	Latest() *feed.Snapshot
	Refresh(ctx context.Context) (*feed.Snapshot, error)
	Window() (time.Time, time.Time)
}

// Server provides the JSON API and the calendar downloads.
type Server struct {
	cfg   *config.Config
	feed  FeedService
	cache FeedCache
	mux   *http.ServeMux

	// In-memory cache for /api/occurrences responses keyed by window, to
	// avoid re-materializing every series on each poll.
	occMu    sync.RWMutex
	occCache map[string]*occurrencesCache
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, svc FeedService, cache FeedCache) *Server {
	s := &Server{
		cfg:      cfg,
		feed:     svc,
		cache:    cache,
		mux:      http.NewServeMux(),
		occCache: make(map[string]*occurrencesCache),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="evcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/occurrences", s.handleOccurrences)
	s.mux.HandleFunc("POST /api/rules/validate", s.handleValidateRule)
	s.mux.HandleFunc("GET /calendar.ics", s.handleCalendar)
	s.mux.HandleFunc("GET /events/{id}/calendar.ics", s.handleEventCalendar)
	s.mux.HandleFunc("GET /series/{id}/calendar.ics", s.handleSeriesCalendar)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// occurrencesResponse is the JSON response shape for /api/occurrences.
type occurrencesResponse struct {
	Occurrences []occurrenceDTO `json:"occurrences"`
	RangeStart  time.Time       `json:"range_start"`
	RangeEnd    time.Time       `json:"range_end"`
	TimeZone    string          `json:"timezone"`
}

// occurrencesCache holds a cached /api/occurrences response and its timestamp.
type occurrencesCache struct {
	resp      occurrencesResponse
	updatedAt time.Time
}

// occurrenceDTO is a JSON-friendly view of occurrences.
type occurrenceDTO struct {
	UID string `json:"uid"`
	model.Occurrence
}

// handleOccurrences returns resolved occurrences within a window.
//
// GET /api/occurrences?from=2024-07-01&to=2024-07-31
//   - from / to: ISO date (whole days in the configured zone) or RFC 3339
//   - both default to the published feed window
func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	loc := resolveLocationOrUTC(s.cfg.Timezone)

	defFrom, defTo := s.cache.Window()
	q := r.URL.Query()
	from, err := parseBound(q.Get("from"), loc, false, defFrom)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	to, err := parseBound(q.Get("to"), loc, true, defTo)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "to must not be before from")
		return
	}
	if to.Sub(from) > maxWindow {
		writeError(w, http.StatusBadRequest, "window too large")
		return
	}

	const occurrencesCacheTTL = 30 * time.Second
	key := from.Format(time.RFC3339) + "|" + to.Format(time.RFC3339)

	s.occMu.RLock()
	oc := s.occCache[key]
	s.occMu.RUnlock()
	if oc != nil && time.Since(oc.updatedAt) < occurrencesCacheTTL {
		writeJSON(w, http.StatusOK, oc.resp)
		return
	}

	appLog.Debug("api occurrences request",
		"range_start", from.Format(time.RFC3339),
		"range_end", to.Format(time.RFC3339),
	)

	occs, err := s.feed.Occurrences(ctx, from, to)
	if err != nil {
		appLog.Error("api occurrences: feed failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load occurrences")
		return
	}

	dtos := make([]occurrenceDTO, 0, len(occs))
	for _, occ := range occs {
		dtos = append(dtos, occurrenceDTO{
			UID:        ics.UID(occ.Source, s.cfg.Calendar.UIDDomain),
			Occurrence: occ,
		})
	}
	resp := occurrencesResponse{
		Occurrences: dtos,
		RangeStart:  from,
		RangeEnd:    to,
		TimeZone:    loc.String(),
	}

	s.occMu.Lock()
	for k, v := range s.occCache {
		if time.Since(v.updatedAt) >= occurrencesCacheTTL {
			delete(s.occCache, k)
		}
	}
	s.occCache[key] = &occurrencesCache{resp: resp, updatedAt: time.Now()}
	s.occMu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

type validateRequest struct {
	RRule string `json:"rrule"`
}

type validateResponse struct {
	Valid      bool                    `json:"valid"`
	Errors     []rrule.ValidationError `json:"errors"`
	Normalized string                  `json:"normalized,omitempty"`
}

// handleValidateRule reports every violation of a submitted rule at once,
// for form feedback. The body is {"rrule": "..."} or the bare rule text.
func (s *Server) handleValidateRule(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	raw := string(body)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req validateRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		raw = req.RRule
	}

	resp := validateResponse{Valid: true, Errors: []rrule.ValidationError{}}
	if verrs := rrule.ValidateString(raw); len(verrs) > 0 {
		resp.Valid = false
		resp.Errors = verrs
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	if rule, err := rrule.BuildString(raw, resolveLocationOrUTC(s.cfg.Timezone)); err == nil {
		resp.Normalized = rule.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCalendar serves the cached public feed, rendering it on first use.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	snap := s.cache.Latest()
	if snap == nil {
		var err error
		if snap, err = s.cache.Refresh(r.Context()); err != nil {
			appLog.Error("calendar feed unavailable", err)
			writeError(w, http.StatusServiceUnavailable, "calendar feed unavailable")
			return
		}
	}
	w.Header().Set("Last-Modified", snap.GeneratedAt.UTC().Format(http.TimeFormat))
	writeCalendar(w, s.cfg.Calendar.Name, snap.Body)
}

func (s *Server) handleEventCalendar(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	doc, err := s.feed.EventCalendar(r.Context(), id, "")
	if err != nil {
		s.calendarError(w, err, "event_id", id)
		return
	}
	writeCalendar(w, "event-"+id, doc.Bytes())
}

func (s *Server) handleSeriesCalendar(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	from, to := s.cache.Window()
	doc, err := s.feed.SeriesCalendar(r.Context(), id, from, to, "")
	if err != nil {
		s.calendarError(w, err, "series_id", id)
		return
	}
	writeCalendar(w, "series-"+id, doc.Bytes())
}

func (s *Server) calendarError(w http.ResponseWriter, err error, key, id string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	appLog.Error("calendar download failed", err, key, id)
	writeError(w, http.StatusInternalServerError, "failed to render calendar")
}

func writeCalendar(w http.ResponseWriter, name string, body []byte) {
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+slug(name)+`.ics"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// slug reduces name to [a-z0-9-] for use as a file name.
func slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "calendar"
	}
	return out
}

// parseBound reads an ISO date or RFC 3339 value. A date is the start of
// that day, or its last second when end is set.
func parseBound(v string, loc *time.Location, end bool, def time.Time) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseInLocation(model.DateLayout, v, loc)
	if err != nil {
		return time.Time{}, errors.New("expected YYYY-MM-DD or RFC 3339")
	}
	if end {
		return d.AddDate(0, 0, 1).Add(-time.Second), nil
	}
	return d, nil
}

func resolveLocationOrUTC(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to UTC", err, "name", name)
		return time.UTC
	}
	return loc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
