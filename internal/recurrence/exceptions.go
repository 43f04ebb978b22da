package recurrence

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"evcal/internal/model"
)

// ErrMalformedExceptionDates marks a stored exception-date list that could
// not be decoded.
var ErrMalformedExceptionDates = errors.New("recurrence: malformed exception dates")

// ExceptionSet is a set of calendar days on which an occurrence is
// suppressed. Membership is by calendar day, never by exact instant.
type ExceptionSet map[string]struct{}

// NewExceptionSet builds a set from the calendar days of the given times,
// each read in its own location.
func NewExceptionSet(dates ...time.Time) ExceptionSet {
	s := make(ExceptionSet, len(dates))
	for _, d := range dates {
		s[d.Format(model.DateLayout)] = struct{}{}
	}
	return s
}

// Contains reports whether t's calendar day, in t's location, is excluded.
func (s ExceptionSet) Contains(t time.Time) bool {
	if len(s) == 0 {
		return false
	}
	_, ok := s[t.Format(model.DateLayout)]
	return ok
}

// ParseExceptionDates decodes the stored JSON array of ISO dates. Entries may
// also be full RFC 3339 timestamps, in which case only their date part is
// used. An empty string or "null" yields an empty set.
func ParseExceptionDates(raw string) (ExceptionSet, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return ExceptionSet{}, nil
	}

	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedExceptionDates, err)
	}

	s := make(ExceptionSet, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if len(v) < len(model.DateLayout) {
			return nil, fmt.Errorf("%w: %q", ErrMalformedExceptionDates, v)
		}
		day := v[:len(model.DateLayout)]
		if _, err := time.Parse(model.DateLayout, day); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMalformedExceptionDates, v)
		}
		s[day] = struct{}{}
	}
	return s, nil
}
