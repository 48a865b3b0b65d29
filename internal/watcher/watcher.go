// Package watcher owns all mutable watcher state and runs the start, stop,
// poll and roster-refresh operations.
//
// Every state-changing operation runs on a single-worker executor, so poll
// cycles, refreshes and start/stop never interleave. Scheduled jobs submit
// into the executor and wait. Status and List only read, taking the
// component locks, and always see a fully committed cycle.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lanternops/placewatch/internal/alert"
	"github.com/lanternops/placewatch/internal/events"
	"github.com/lanternops/placewatch/internal/health"
	"github.com/lanternops/placewatch/internal/logging"
	"github.com/lanternops/placewatch/internal/metrics"
	"github.com/lanternops/placewatch/internal/names"
	"github.com/lanternops/placewatch/internal/panel"
	"github.com/lanternops/placewatch/internal/presence"
	"github.com/lanternops/placewatch/internal/roster"
	"github.com/lanternops/placewatch/internal/schedule"
	"github.com/lanternops/placewatch/internal/store"
	"github.com/lanternops/placewatch/internal/workerpool"
	"github.com/lanternops/placewatch/pkg/roblox"
)

var log = logging.L("watcher")

// Job names.
const (
	JobPoll        = "poll"
	JobRoster      = "roster"
	JobRosterRetry = "roster-retry"
)

// Options are the static watch settings.
type Options struct {
	GroupID         int64
	MinRank         int
	TargetPlaceID   string
	PollInterval    time.Duration
	RosterInterval  time.Duration
	EmptyRetryDelay time.Duration
}

// Deps are the collaborators a Watcher drives. Health and Events are
// optional.
type Deps struct {
	Roster    *roster.Roster
	Refresher *roster.Refresher
	Tracker   *presence.Tracker
	Poller    *presence.Poller
	Names     *names.Resolver
	Panel     *panel.Publisher
	Alerts    *alert.Emitter
	Scheduler *schedule.Scheduler
	Executor  *workerpool.Pool
	Health    *health.Monitor
	Events    *events.Broker
}

type Watcher struct {
	opts Options

	roster    *roster.Roster
	refresher *roster.Refresher
	tracker   *presence.Tracker
	poller    *presence.Poller
	names     *names.Resolver
	panel     *panel.Publisher
	alerts    *alert.Emitter
	sched     *schedule.Scheduler
	exec      *workerpool.Pool
	health    *health.Monitor
	events    *events.Broker

	mu        sync.RWMutex
	startedAt time.Time
}

func New(opts Options, d Deps) *Watcher {
	if d.Health == nil {
		d.Health = health.NewMonitor()
	}
	if d.Events == nil {
		d.Events = events.NewBroker()
	}
	return &Watcher{
		opts:      opts,
		roster:    d.Roster,
		refresher: d.Refresher,
		tracker:   d.Tracker,
		poller:    d.Poller,
		names:     d.Names,
		panel:     d.Panel,
		alerts:    d.Alerts,
		sched:     d.Scheduler,
		exec:      d.Executor,
		health:    d.Health,
		events:    d.Events,
	}
}

// Start ensures the panel in channelID (or the stored one), refreshes the
// roster, runs the startup sweep and arms the poll and roster jobs. It
// returns the watched count.
func (w *Watcher) Start(ctx context.Context, channelID string) (int, error) {
	var count int
	err := w.exec.Run(ctx, func(ctx context.Context) error {
		var err error
		count, err = w.start(ctx, channelID)
		return err
	})
	return count, err
}

func (w *Watcher) start(ctx context.Context, channelID string) (int, error) {
	ptr, outcome, err := w.panel.Ensure(ctx, channelID)
	if err != nil {
		w.health.Update(health.ComponentPanel, health.Unhealthy, err.Error())
		return 0, fmt.Errorf("ensure panel: %w", err)
	}
	w.health.Update(health.ComponentPanel, health.Healthy, "")
	w.alerts.SetDestination(ptr.ChannelID)
	log.Info("starting watcher",
		logging.KeyChannelID, ptr.ChannelID,
		"panel", string(outcome),
		"groupId", w.opts.GroupID,
		"minRank", w.opts.MinRank,
		logging.KeyPlaceID, w.opts.TargetPlaceID)

	w.alerts.Emit(ctx, alert.Booting(w.opts.GroupID, w.opts.MinRank, w.opts.TargetPlaceID))

	count, err := w.refresh(ctx, false)
	if err != nil {
		log.Warn("initial roster refresh failed, continuing with previous roster", logging.KeyError, err)
	}
	w.alerts.Emit(ctx, alert.Started(count))

	w.sched.Cancel(JobPoll)
	w.sched.Cancel(JobRoster)

	w.tracker.ResetSweep()
	firstPoll := w.opts.PollInterval
	if err := w.pollCycle(ctx); err != nil {
		var d *schedule.DeferError
		if errors.As(err, &d) {
			firstPoll = d.Delay
		}
		log.Warn("startup sweep failed, next cycle will retry", logging.KeyError, err, "nextIn", firstPoll)
	}

	w.sched.EveryAfter(JobPoll, firstPoll, w.opts.PollInterval, w.pollJob)
	w.sched.Every(JobRoster, w.opts.RosterInterval, w.rosterJob)

	w.mu.Lock()
	w.startedAt = w.sched.Clock().Now()
	w.mu.Unlock()
	metrics.Running.Set(1)

	w.events.Publish(&events.Event{
		Type:     events.EventWatcherStarted,
		Message:  fmt.Sprintf("watching %d users", count),
		Metadata: map[string]string{"channelId": ptr.ChannelID, "watching": fmt.Sprint(count)},
	})
	return count, nil
}

// Stop cancels every job, sends the stopped alert and stamps the panel. An
// in-flight cycle finishes first because Stop waits its turn on the executor.
func (w *Watcher) Stop(ctx context.Context) error {
	return w.exec.Run(ctx, func(ctx context.Context) error {
		w.stop(ctx)
		return nil
	})
}

func (w *Watcher) stop(ctx context.Context) {
	w.sched.Cancel(JobPoll)
	w.sched.Cancel(JobRoster)
	w.sched.Cancel(JobRosterRetry)

	w.mu.Lock()
	w.startedAt = time.Time{}
	w.mu.Unlock()
	metrics.Running.Set(0)

	w.alerts.Emit(ctx, alert.Stopped())
	w.panel.Annotate(ctx)
	log.Info("watcher stopped")

	w.events.Publish(&events.Event{Type: events.EventWatcherStopped, Message: "watcher stopped"})
}

// running reports whether the watcher is between a completed start and a
// stop. Scheduled jobs check it on the executor, so a tick that queued
// behind Stop does nothing.
func (w *Watcher) running() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return !w.startedAt.IsZero()
}

func (w *Watcher) pollJob(ctx context.Context) error {
	return w.exec.Run(ctx, func(ctx context.Context) error {
		if !w.running() {
			return nil
		}
		return w.pollCycle(ctx)
	})
}

func (w *Watcher) rosterJob(ctx context.Context) error {
	return w.exec.Run(ctx, func(ctx context.Context) error {
		if !w.running() {
			return nil
		}
		count, err := w.refresh(ctx, false)
		if err != nil {
			return err
		}
		w.alerts.Emit(ctx, alert.RosterRefreshed(count))
		return nil
	})
}

// pollCycle runs one presence cycle and publishes its results. A 429 asks
// the scheduler to wait two intervals before the next cycle.
func (w *Watcher) pollCycle(ctx context.Context) error {
	c, err := w.poller.Poll(ctx)
	if err != nil {
		if errors.Is(err, roblox.ErrRateLimited) {
			w.health.Update(health.ComponentPresence, health.Degraded, "rate limited")
			return schedule.Defer(2*w.opts.PollInterval, err)
		}
		w.health.Update(health.ComponentPresence, health.Degraded, err.Error())
		w.events.Publish(&events.Event{Type: events.EventPollFailed, Message: err.Error()})
		return err
	}
	if c.Skipped {
		return nil
	}
	w.health.Update(health.ComponentPresence, health.Healthy, "")

	w.announce(ctx, c.Transitions)

	present := w.names.ResolveAll(ctx, w.tracker.PresentIDs())
	switch w.panel.Update(ctx, panel.State{Present: present}) {
	case panel.Failed:
		w.health.Update(health.ComponentPanel, health.Degraded, "panel update failed")
	case panel.Updated, panel.Recreated:
		w.health.Update(health.ComponentPanel, health.Healthy, "")
	}
	return nil
}

func (w *Watcher) announce(ctx context.Context, tr presence.Transitions) {
	emit := func(ids []string, typ events.EventType, text func(string) string) {
		for _, id := range ids {
			name := w.names.Resolve(ctx, id)
			w.alerts.Emit(ctx, text(name))
			w.events.Publish(&events.Event{
				Type:     typ,
				Message:  name,
				Metadata: map[string]string{"userId": id, "name": name, "placeId": w.opts.TargetPlaceID},
			})
			log.Info("presence transition", "type", string(typ), logging.KeyUserID, id, "name", name)
		}
	}
	emit(tr.AlreadyPresent, events.EventAlreadyPresent, alert.AlreadyPresent)
	emit(tr.Joined, events.EventJoined, alert.Joined)
	emit(tr.Left, events.EventLeft, alert.Left)
}

// refresh re-derives the roster. An empty result schedules one follow-up
// unless this call is itself the follow-up.
func (w *Watcher) refresh(ctx context.Context, followUp bool) (int, error) {
	count, err := w.refresher.Refresh(ctx)
	if err != nil {
		w.health.Update(health.ComponentRoster, health.Degraded, err.Error())
		return count, err
	}
	w.health.Update(health.ComponentRoster, health.Healthy, "")
	w.events.Publish(&events.Event{
		Type:     events.EventRosterRefresh,
		Metadata: map[string]string{"watching": fmt.Sprint(count)},
	})

	if count == 0 && !followUp && !w.sched.Active(JobRosterRetry) {
		log.Info("roster empty, scheduling one retry", "delay", w.opts.EmptyRetryDelay)
		w.sched.After(JobRosterRetry, w.opts.EmptyRetryDelay, w.rosterRetryJob)
	}
	return count, nil
}

func (w *Watcher) rosterRetryJob(ctx context.Context) error {
	return w.exec.Run(ctx, func(ctx context.Context) error {
		if !w.running() {
			return nil
		}
		count, err := w.refresh(ctx, true)
		if err != nil {
			return err
		}
		w.alerts.Emit(ctx, alert.RosterRetried(count))
		return nil
	})
}

// Status is a read-only snapshot for the status command.
type Status struct {
	Running        bool
	StartedAt      time.Time
	Watching       int
	Present        int
	MinRank        int
	GroupID        int64
	TargetPlaceID  string
	PollInterval   time.Duration
	RosterInterval time.Duration
	Panel          store.PanelPointer
	AlertsEnabled  bool
	LastCycle      time.Time
}

func (w *Watcher) Status() Status {
	w.mu.RLock()
	started := w.startedAt
	w.mu.RUnlock()

	return Status{
		Running:        w.sched.Active(JobPoll),
		StartedAt:      started,
		Watching:       w.roster.Len(),
		Present:        len(w.tracker.PresentIDs()),
		MinRank:        w.opts.MinRank,
		GroupID:        w.opts.GroupID,
		TargetPlaceID:  w.opts.TargetPlaceID,
		PollInterval:   w.opts.PollInterval,
		RosterInterval: w.opts.RosterInterval,
		Panel:          w.panel.Pointer(),
		AlertsEnabled:  w.alerts.Enabled(),
		LastCycle:      w.tracker.LastCycle(),
	}
}

// List returns the display names of everyone currently present.
func (w *Watcher) List(ctx context.Context) []string {
	return w.names.ResolveAll(ctx, w.tracker.PresentIDs())
}

// Health exposes the component monitor.
func (w *Watcher) Health() *health.Monitor { return w.health }

// Events exposes the event broker.
func (w *Watcher) Events() *events.Broker { return w.events }

// Shutdown cancels every job and drains the executor within ctx.
func (w *Watcher) Shutdown(ctx context.Context) {
	w.sched.Close()
	w.exec.Shutdown(ctx)
	metrics.Running.Set(0)
}
