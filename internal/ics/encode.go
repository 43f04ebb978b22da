// Package ics renders resolved occurrences as an RFC 5545 VCALENDAR feed.
package ics

import (
	"bytes"
	"io"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"evcal/internal/markdown"
	"evcal/internal/model"
)

const (
	dateTimeLayout = "20060102T150405"
	dateLayout     = "20060102"
	utcLayout      = "20060102T150405Z"

	DefaultProdID = "-//evcal//Community Events//EN"

	byteOrderMark = "\uFEFF"
	crlf          = "\r\n"
)

// Config holds the calendar-level settings of an Encoder.
type Config struct {
	ProdID      string
	Description string // X-WR-CALDESC, omitted when empty
	UIDDomain   string
	// PublishedTTL is an optional X-PUBLISHED-TTL duration such as "PT1H".
	PublishedTTL string

	// DefaultZone is announced as X-WR-TIMEZONE and used for occurrences
	// whose zone is not registered. Defaults to Berlin.
	DefaultZone ZoneProvider
	// Zones registers additional zones by TZID.
	Zones []ZoneProvider

	// Now stamps DTSTAMP; defaults to time.Now.
	Now func() time.Time
}

// Encoder renders documents. It is immutable after construction and safe
// for concurrent use.
type Encoder struct {
	cfg   Config
	zones map[string]ZoneProvider
}

func NewEncoder(cfg Config) *Encoder {
	if cfg.ProdID == "" {
		cfg.ProdID = DefaultProdID
	}
	if cfg.DefaultZone == nil {
		cfg.DefaultZone = Berlin
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	zones := map[string]ZoneProvider{cfg.DefaultZone.TZID(): cfg.DefaultZone}
	for _, z := range cfg.Zones {
		zones[z.TZID()] = z
	}
	return &Encoder{cfg: cfg, zones: zones}
}

// Document is a rendered VCALENDAR as physical (folded) lines.
type Document struct {
	lines []string
}

// Lines returns the physical lines, each at most MaxLineOctets octets.
func (d Document) Lines() []string {
	return d.lines
}

// Bytes returns the wire form: a UTF-8 BOM followed by CRLF-terminated lines.
func (d Document) Bytes() []byte {
	var b bytes.Buffer
	_, _ = d.WriteTo(&b)
	return b.Bytes()
}

func (d Document) String() string {
	return string(d.Bytes())
}

func (d Document) WriteTo(w io.Writer) (int64, error) {
	var total int64
	n, err := io.WriteString(w, byteOrderMark)
	total += int64(n)
	if err != nil {
		return total, err
	}
	for _, l := range d.lines {
		n, err = io.WriteString(w, l+crlf)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Encode renders occs, in the given order, as one VCALENDAR named
// calendarName. Missing optional fields are left out; nothing is repaired.
func (e *Encoder) Encode(occs []model.Occurrence, calendarName string) Document {
	w := &lineWriter{}
	stamp := e.cfg.Now().UTC().Format(utcLayout)

	w.begin(ical.ComponentVCalendar)
	w.raw(string(ical.PropertyVersion), "2.0")
	w.raw(string(ical.PropertyProductId), e.cfg.ProdID)
	w.raw(string(ical.PropertyCalscale), "GREGORIAN")
	w.raw(string(ical.PropertyMethod), string(ical.MethodPublish))
	w.text(string(ical.PropertyXWRCalName), calendarName)
	if e.cfg.Description != "" {
		w.text(string(ical.PropertyXWRCalDesc), e.cfg.Description)
	}
	w.raw(string(ical.PropertyXWRTimezone), e.cfg.DefaultZone.TZID())
	if e.cfg.PublishedTTL != "" {
		w.raw(string(ical.PropertyXPublishedTTL), e.cfg.PublishedTTL)
	}

	for _, z := range e.zonesFor(occs) {
		w.lines = append(w.lines, z.VTimezone()...)
	}

	for _, occ := range occs {
		e.writeEvent(w, occ, stamp)
	}

	w.end(ical.ComponentVCalendar)

	folded := make([]string, 0, len(w.lines))
	for _, l := range w.lines {
		folded = append(folded, Fold(l)...)
	}
	return Document{lines: folded}
}

func (e *Encoder) writeEvent(w *lineWriter, occ model.Occurrence, stamp string) {
	w.begin(ical.ComponentVEvent)
	w.raw(string(ical.ComponentPropertyUniqueId), UID(occ.Source, e.cfg.UIDDomain))
	w.raw(string(ical.ComponentPropertyDtstamp), stamp)

	if occ.AllDay {
		// DATE end is exclusive, the stored end day is inclusive.
		w.raw(string(ical.ComponentPropertyDtStart)+";VALUE=DATE", occ.Start.Format(dateLayout))
		w.raw(string(ical.ComponentPropertyDtEnd)+";VALUE=DATE", occ.End.AddDate(0, 0, 1).Format(dateLayout))
	} else {
		z := e.zoneFor(occ.Timezone)
		param := ";" + string(ical.ParameterTzid) + "=" + z.TZID()
		w.raw(string(ical.ComponentPropertyDtStart)+param, z.LocalTime(occ.Start))
		w.raw(string(ical.ComponentPropertyDtEnd)+param, z.LocalTime(occ.End))
	}

	w.text(string(ical.ComponentPropertySummary), occ.Title)
	if desc := markdown.ToPlainText(occ.Description); desc != "" {
		w.text(string(ical.ComponentPropertyDescription), desc)
	}
	if occ.Location != "" {
		w.text(string(ical.ComponentPropertyLocation), occ.Location)
	}
	if occ.URL != "" {
		w.raw(string(ical.ComponentPropertyUrl), stripBreaks(occ.URL))
	}
	if len(occ.Categories) > 0 {
		cats := make([]string, len(occ.Categories))
		for i, c := range occ.Categories {
			cats[i] = EscapeText(c)
		}
		w.raw(string(ical.ComponentPropertyCategories), strings.Join(cats, ","))
	}
	if status, ok := statusOf(occ); ok {
		w.raw(string(ical.ComponentPropertyStatus), string(status))
	}
	if !occ.UpdatedAt.IsZero() {
		w.raw(string(ical.ComponentPropertyLastModified), occ.UpdatedAt.UTC().Format(utcLayout))
	}

	w.end(ical.ComponentVEvent)
}

// statusOf maps publication state to STATUS. A cancelled instance is always
// CANCELLED, whatever its series status.
func statusOf(occ model.Occurrence) (ical.ObjectStatus, bool) {
	if occ.Kind == model.KindCancelled {
		return ical.ObjectStatusCancelled, true
	}
	switch occ.Status {
	case model.StatusPublished:
		return ical.ObjectStatusConfirmed, true
	case model.StatusDraft:
		return ical.ObjectStatusTentative, true
	case model.StatusCancelled:
		return ical.ObjectStatusCancelled, true
	}
	return "", false
}

func (e *Encoder) zoneFor(tzid string) ZoneProvider {
	if z, ok := e.zones[tzid]; ok {
		return z
	}
	return e.cfg.DefaultZone
}

// zonesFor lists the default zone first, then every other registered zone
// referenced by a timed occurrence, in order of first use.
func (e *Encoder) zonesFor(occs []model.Occurrence) []ZoneProvider {
	out := []ZoneProvider{e.cfg.DefaultZone}
	seen := map[string]bool{e.cfg.DefaultZone.TZID(): true}
	for _, occ := range occs {
		if occ.AllDay {
			continue
		}
		z := e.zoneFor(occ.Timezone)
		if !seen[z.TZID()] {
			seen[z.TZID()] = true
			out = append(out, z)
		}
	}
	return out
}

type lineWriter struct {
	lines []string
}

func (w *lineWriter) begin(c ical.ComponentType) {
	w.lines = append(w.lines, "BEGIN:"+string(c))
}

func (w *lineWriter) end(c ical.ComponentType) {
	w.lines = append(w.lines, "END:"+string(c))
}

// raw writes a value that is already in wire form.
func (w *lineWriter) raw(name, value string) {
	w.lines = append(w.lines, name+":"+value)
}

// text writes an escaped TEXT value.
func (w *lineWriter) text(name, value string) {
	w.lines = append(w.lines, name+":"+EscapeText(value))
}

func stripBreaks(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}
