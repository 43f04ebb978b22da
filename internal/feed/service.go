// Package feed assembles standalone events and materialized series into
// ordered occurrence lists and ICS documents.
package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"evcal/internal/ics"
	appLog "evcal/internal/log"
	"evcal/internal/model"
)

const defaultConcurrency = 4

// Repository is the read side of the event and series store.
type Repository interface {
	ListEvents(ctx context.Context, from, to time.Time) ([]model.Event, error)
	GetEvent(ctx context.Context, id string) (model.Event, error)
	ListSeries(ctx context.Context, from time.Time) ([]model.Series, error)
	GetSeries(ctx context.Context, id string) (model.Series, error)
}

// Materializer expands one series within a window.
type Materializer interface {
	Materialize(ctx context.Context, s model.Series, windowStart, windowEnd time.Time) ([]model.Occurrence, error)
}

// Options tunes a Service.
type Options struct {
	// IncludeCancelled keeps cancelled instances and cancelled events in the
	// output, marked STATUS:CANCELLED, so subscribed clients remove them.
	IncludeCancelled bool
	// Concurrency bounds how many series are materialized at once.
	Concurrency int
}

// Service builds feeds. It is safe for concurrent use.
type Service struct {
	repo    Repository
	mat     Materializer
	encoder *ics.Encoder
	opts    Options
}

func NewService(repo Repository, mat Materializer, encoder *ics.Encoder, opts Options) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &Service{repo: repo, mat: mat, encoder: encoder, opts: opts}
}

// Occurrences returns every occurrence starting in [from, to] ordered by
// start time. A series that fails to materialize is logged and left out.
func (s *Service) Occurrences(ctx context.Context, from, to time.Time) ([]model.Occurrence, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("feed: window end %s before start %s", to.Format(time.RFC3339), from.Format(time.RFC3339))
	}

	events, err := s.repo.ListEvents(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("feed: list events: %w", err)
	}
	seriesList, err := s.repo.ListSeries(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("feed: list series: %w", err)
	}

	out := make([]model.Occurrence, 0, len(events))
	for _, e := range events {
		out = append(out, e.Occurrence())
	}
	out = append(out, s.materializeAll(ctx, seriesList, from, to)...)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.finish(out), nil
}

// materializeAll expands series with at most opts.Concurrency in flight.
func (s *Service) materializeAll(ctx context.Context, list []model.Series, from, to time.Time) []model.Occurrence {
	results := make([][]model.Occurrence, len(list))
	sem := make(chan struct{}, s.opts.Concurrency)
	var wg sync.WaitGroup

	for i, sr := range list {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(i int, sr model.Series) {
			defer wg.Done()
			defer func() { <-sem }()

			occs, err := s.mat.Materialize(ctx, sr, from, to)
			if err != nil {
				appLog.Error("series materialization failed", err, "series_id", sr.ID)
				return
			}
			results[i] = occs
		}(i, sr)
	}
	wg.Wait()

	var out []model.Occurrence
	for _, occs := range results {
		out = append(out, occs...)
	}
	return out
}

// finish drops cancelled entries unless they are wanted and orders the rest
// by start, breaking ties by source for a stable feed.
func (s *Service) finish(occs []model.Occurrence) []model.Occurrence {
	if !s.opts.IncludeCancelled {
		kept := occs[:0]
		for _, occ := range occs {
			if occ.Kind == model.KindCancelled || occ.Status == model.StatusCancelled {
				continue
			}
			kept = append(kept, occ)
		}
		occs = kept
	}
	sort.SliceStable(occs, func(i, j int) bool {
		if !occs[i].Start.Equal(occs[j].Start) {
			return occs[i].Start.Before(occs[j].Start)
		}
		return occs[i].Source.String() < occs[j].Source.String()
	})
	return occs
}

// Calendar renders every occurrence in [from, to] as one document.
func (s *Service) Calendar(ctx context.Context, from, to time.Time, name string) (ics.Document, error) {
	occs, err := s.Occurrences(ctx, from, to)
	if err != nil {
		return ics.Document{}, err
	}
	return s.encoder.Encode(occs, name), nil
}

// EventCalendar renders a single standalone event. The name defaults to the
// event title.
func (s *Service) EventCalendar(ctx context.Context, id, name string) (ics.Document, error) {
	e, err := s.repo.GetEvent(ctx, id)
	if err != nil {
		return ics.Document{}, err
	}
	if name == "" {
		name = e.Title
	}
	return s.encoder.Encode([]model.Occurrence{e.Occurrence()}, name), nil
}

// SeriesCalendar renders the occurrences of one series in [from, to]. The
// name defaults to the series title.
func (s *Service) SeriesCalendar(ctx context.Context, id string, from, to time.Time, name string) (ics.Document, error) {
	sr, err := s.repo.GetSeries(ctx, id)
	if err != nil {
		return ics.Document{}, err
	}
	occs, err := s.mat.Materialize(ctx, sr, from, to)
	if err != nil {
		return ics.Document{}, fmt.Errorf("feed: %w", err)
	}
	if name == "" {
		name = sr.Title
	}
	return s.encoder.Encode(s.finish(occs), name), nil
}
