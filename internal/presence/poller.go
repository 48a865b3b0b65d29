package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lanternops/placewatch/internal/idset"
	"github.com/lanternops/placewatch/internal/logging"
	"github.com/lanternops/placewatch/internal/metrics"
	"github.com/lanternops/placewatch/pkg/roblox"
)

var log = logging.L("presence")

// Source performs the bulk presence lookup. *roblox.Client satisfies it.
type Source interface {
	Presences(ctx context.Context, userIDs []string) ([]roblox.Presence, error)
}

// Cycle summarises one poll.
type Cycle struct {
	Skipped     bool
	Watched     int
	Observed    int
	Present     int
	StartupScan bool
	Transitions Transitions
}

// Poller runs presence cycles for the watched set against one target place.
type Poller struct {
	source  Source
	tracker *Tracker
	watched func() idset.Set
	target  string
	now     func() time.Time
}

func NewPoller(source Source, tracker *Tracker, watched func() idset.Set, targetPlaceID string) *Poller {
	return &Poller{source: source, tracker: tracker, watched: watched, target: targetPlaceID, now: time.Now}
}

// WithClock replaces the time source used to stamp records.
func (p *Poller) WithClock(now func() time.Time) *Poller {
	p.now = now
	return p
}

func (p *Poller) Target() string { return p.target }

// Poll runs one cycle. A failed lookup, including roblox.ErrRateLimited,
// returns an error and changes nothing.
func (p *Poller) Poll(ctx context.Context) (Cycle, error) {
	watched := p.watched()
	if watched.Len() == 0 {
		metrics.PollCyclesTotal.WithLabelValues("skipped").Inc()
		return Cycle{Skipped: true}, nil
	}

	start := time.Now()
	presences, err := p.source.Presences(ctx, watched.Sorted())
	metrics.PollDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, roblox.ErrRateLimited) {
			metrics.PollCyclesTotal.WithLabelValues("rate_limited").Inc()
			log.Warn("presence rate limited, abandoning cycle", "watching", watched.Len())
			return Cycle{Watched: watched.Len()}, err
		}
		metrics.PollCyclesTotal.WithLabelValues("failed").Inc()
		log.Warn("presence poll failed", "watching", watched.Len(), logging.KeyError, err)
		return Cycle{Watched: watched.Len()}, fmt.Errorf("poll presence: %w", err)
	}

	observed := make([]Observation, 0, len(presences))
	for _, pr := range presences {
		if !watched.Has(pr.UserID) {
			continue
		}
		observed = append(observed, Observation{
			UserID:   pr.UserID,
			Type:     pr.Type,
			PlaceID:  pr.PlaceID,
			AtTarget: pr.PlaceID != "" && pr.PlaceID == p.target,
		})
	}

	tr, first := p.tracker.Commit(observed, p.now())
	metrics.PollCyclesTotal.WithLabelValues("ok").Inc()
	metrics.TransitionsTotal.WithLabelValues("joined").Add(float64(len(tr.Joined)))
	metrics.TransitionsTotal.WithLabelValues("left").Add(float64(len(tr.Left)))
	metrics.TransitionsTotal.WithLabelValues("already_present").Add(float64(len(tr.AlreadyPresent)))

	c := Cycle{
		Watched:     watched.Len(),
		Observed:    len(observed),
		Present:     len(p.tracker.PresentIDs()),
		StartupScan: first,
		Transitions: tr,
	}
	log.Debug("presence cycle complete",
		"watching", c.Watched,
		"observed", c.Observed,
		"present", c.Present,
		"joined", len(tr.Joined),
		"left", len(tr.Left),
		"alreadyPresent", len(tr.AlreadyPresent),
		logging.KeyDurationMs, time.Since(start).Milliseconds())
	return c, nil
}
