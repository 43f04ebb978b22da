package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "evcal/internal/log"
)

// RefresherConfig describes the rolling window of the published feed.
type RefresherConfig struct {
	Name         string
	Schedule     string // standard 5-field cron spec
	BackfillDays int
	HorizonDays  int
	Location     *time.Location

	// Now defaults to time.Now.
	Now func() time.Time
}

// Snapshot is one rendered feed.
type Snapshot struct {
	Body        []byte
	Occurrences int
	From, To    time.Time
	GeneratedAt time.Time
}

// Refresher re-renders the full calendar on a cron schedule and serves the
// last good rendering.
type Refresher struct {
	svc *Service
	cfg RefresherConfig

	mu   sync.RWMutex
	last *Snapshot
}

func NewRefresher(svc *Service, cfg RefresherConfig) *Refresher {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Refresher{svc: svc, cfg: cfg}
}

// Window returns the current feed window: from midnight BackfillDays ago to
// the end of the day HorizonDays ahead.
func (r *Refresher) Window() (time.Time, time.Time) {
	now := r.cfg.Now().In(r.cfg.Location)
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, r.cfg.Location)
	return today.AddDate(0, 0, -r.cfg.BackfillDays),
		today.AddDate(0, 0, r.cfg.HorizonDays+1).Add(-time.Second)
}

// Refresh renders the feed now. On failure the previous snapshot is kept.
func (r *Refresher) Refresh(ctx context.Context) (*Snapshot, error) {
	from, to := r.Window()

	occs, err := r.svc.Occurrences(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("refresh feed: %w", err)
	}
	doc := r.svc.encoder.Encode(occs, r.cfg.Name)

	snap := &Snapshot{
		Body:        doc.Bytes(),
		Occurrences: len(occs),
		From:        from,
		To:          to,
		GeneratedAt: r.cfg.Now(),
	}
	r.mu.Lock()
	r.last = snap
	r.mu.Unlock()

	appLog.Info("feed refreshed",
		"occurrences", snap.Occurrences,
		"from", from.Format(time.RFC3339),
		"to", to.Format(time.RFC3339),
		"bytes", len(snap.Body),
	)
	return snap, nil
}

// Latest returns the last successful snapshot, or nil before the first.
func (r *Refresher) Latest() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Start performs an initial refresh, then schedules further refreshes until
// ctx is cancelled. A failed initial refresh is logged, not fatal.
func (r *Refresher) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(r.cfg.Location))
	if _, err := c.AddFunc(r.cfg.Schedule, func() {
		if _, err := r.Refresh(ctx); err != nil {
			appLog.Error("scheduled feed refresh failed", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", r.cfg.Schedule, err)
	}

	if _, err := r.Refresh(ctx); err != nil {
		appLog.Error("initial feed refresh failed", err)
	}

	c.Start()
	appLog.Info("feed refresher started", "schedule", r.cfg.Schedule)

	go func() {
		<-ctx.Done()
		stopCtx := c.Stop()
		<-stopCtx.Done()
		appLog.Info("feed refresher stopped")
	}()
	return nil
}
