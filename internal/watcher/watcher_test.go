package watcher

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanternops/placewatch/internal/alert"
	"github.com/lanternops/placewatch/internal/events"
	"github.com/lanternops/placewatch/internal/health"
	"github.com/lanternops/placewatch/internal/names"
	"github.com/lanternops/placewatch/internal/panel"
	"github.com/lanternops/placewatch/internal/presence"
	"github.com/lanternops/placewatch/internal/roster"
	"github.com/lanternops/placewatch/internal/schedule"
	"github.com/lanternops/placewatch/internal/store"
	"github.com/lanternops/placewatch/internal/workerpool"
	"github.com/lanternops/placewatch/pkg/roblox"
)

const target = "583507031"

type fakeRoblox struct {
	mu         sync.Mutex
	members    []roblox.GroupMember
	membersErr error
	places     map[string]string
	presErr    error
	presCalls  int
	users      map[string]string
}

func newFakeRoblox() *fakeRoblox {
	return &fakeRoblox{places: map[string]string{}, users: map[string]string{}}
}

func (f *fakeRoblox) setMembers(ranks map[string]int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members = nil
	for id, rank := range ranks {
		f.members = append(f.members, roblox.GroupMember{UserID: id, Rank: rank})
	}
}

func (f *fakeRoblox) setPlace(id, place string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if place == "" {
		delete(f.places, id)
		return
	}
	f.places[id] = place
}

func (f *fakeRoblox) setPresenceErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presErr = err
}

func (f *fakeRoblox) GroupMembers(ctx context.Context, groupID int64, cursor string, limit int) (roblox.MembersPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.membersErr != nil {
		return roblox.MembersPage{}, f.membersErr
	}
	return roblox.MembersPage{Members: append([]roblox.GroupMember(nil), f.members...)}, nil
}

func (f *fakeRoblox) Presences(ctx context.Context, ids []string) ([]roblox.Presence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presCalls++
	if f.presErr != nil {
		return nil, f.presErr
	}
	out := make([]roblox.Presence, 0, len(ids))
	for _, id := range ids {
		p := roblox.Presence{UserID: id, Type: roblox.Online}
		if place, ok := f.places[id]; ok {
			p.Type = roblox.InGame
			p.PlaceID = place
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeRoblox) User(ctx context.Context, id string) (roblox.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name, ok := f.users[id]; ok {
		return roblox.User{ID: id, Name: strings.ToLower(name), DisplayName: name}, nil
	}
	return roblox.User{}, errors.New("no such user")
}

type fakeChat struct {
	mu       sync.Mutex
	messages []string
	panels   map[string]panel.Snapshot
	nextID   int
	editErr  error
	gone     map[string]bool // deleted channels
}

func newFakeChat() *fakeChat {
	return &fakeChat{panels: map[string]panel.Snapshot{}, gone: map[string]bool{}}
}

func (c *fakeChat) deleteChannel(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gone[id] = true
	for k := range c.panels {
		delete(c.panels, k)
	}
}

func (c *fakeChat) SendMessage(ctx context.Context, channelID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, text)
	return nil
}

func (c *fakeChat) EditPanel(ctx context.Context, ptr store.PanelPointer, snap panel.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.editErr != nil {
		return c.editErr
	}
	if _, ok := c.panels[ptr.MessageID]; !ok {
		return panel.ErrStale
	}
	c.panels[ptr.MessageID] = snap
	return nil
}

func (c *fakeChat) CreatePanel(ctx context.Context, channelID string, snap panel.Snapshot) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gone[channelID] {
		return "", panel.ErrStale
	}
	c.nextID++
	id := "msg-" + strconv.Itoa(c.nextID)
	c.panels[id] = snap
	return id, nil
}

func (c *fakeChat) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

func (c *fakeChat) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
}

func (c *fakeChat) snapshot(id string) panel.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.panels[id]
}

func (c *fakeChat) panelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.panels)
}

type harness struct {
	w     *Watcher
	rbx   *fakeRoblox
	chat  *fakeChat
	clock *schedule.FakeClock
	sched *schedule.Scheduler
	exec  *workerpool.Pool
	pub   *panel.Publisher
	store store.Store
	ctx   context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := schedule.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	sched := schedule.New(clock)
	exec := workerpool.NewSerial(16)

	rbx := newFakeRoblox()
	chat := newFakeChat()
	st := store.NewFileStore(filepath.Join(t.TempDir(), "storage.json"))

	r := roster.New()
	tracker := presence.NewTracker()
	pub := panel.NewPublisher(chat, st, panel.Options{
		Title:         "Live Panel",
		GroupID:       872876,
		MinRank:       143,
		TargetPlaceID: target,
		MaxNames:      25,
		Timezone:      "UTC",
	}).WithClock(clock.Now)

	w := New(Options{
		GroupID:         872876,
		MinRank:         143,
		TargetPlaceID:   target,
		PollInterval:    10 * time.Second,
		RosterInterval:  15 * time.Minute,
		EmptyRetryDelay: 30 * time.Second,
	}, Deps{
		Roster:    r,
		Refresher: roster.NewRefresher(rbx, r, 872876, 143, roster.DefaultPageSize),
		Tracker:   tracker,
		Poller:    presence.NewPoller(rbx, tracker, r.Set, target).WithClock(clock.Now),
		Names:     names.NewResolver(rbx),
		Panel:     pub,
		Alerts:    alert.NewEmitter(chat, true),
		Scheduler: sched,
		Executor:  exec,
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		w.Shutdown(ctx)
	})

	return &harness{w: w, rbx: rbx, chat: chat, clock: clock, sched: sched, exec: exec, pub: pub, store: st, ctx: context.Background()}
}

func (h *harness) poll(t *testing.T) error {
	t.Helper()
	return h.sched.Tick(h.ctx, JobPoll)
}

func TestStartRunsStartupSweepInOrder(t *testing.T) {
	h := newHarness(t)
	h.rbx.setMembers(map[string]int{"1": 200, "2": 150, "3": 10})
	h.rbx.users["1"] = "Alice"
	h.rbx.users["2"] = "Bob"
	h.rbx.setPlace("1", target)

	count, err := h.w.Start(h.ctx, "chan-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	msgs := h.chat.sent()
	require.Len(t, msgs, 3)
	assert.Equal(t, alert.Booting(872876, 143, target), msgs[0])
	assert.Equal(t, alert.Started(2), msgs[1])
	assert.Equal(t, alert.AlreadyPresent("Alice"), msgs[2])

	st := h.w.Status()
	assert.True(t, st.Running)
	assert.Equal(t, 2, st.Watching)
	assert.Equal(t, 1, st.Present)
	assert.Equal(t, "chan-1", st.Panel.ChannelID)
	assert.True(t, h.sched.Active(JobRoster))

	snap := h.chat.snapshot(st.Panel.MessageID)
	assert.Equal(t, "Currently in game (1)", snap.FieldName)
	assert.Equal(t, "Alice", snap.FieldValue)

	saved, err := h.store.Load(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, st.Panel, saved.Panel)
}

func TestJoinAndLeaveAcrossCycles(t *testing.T) {
	h := newHarness(t)
	h.rbx.setMembers(map[string]int{"1": 200, "2": 200})
	h.rbx.users["1"] = "Alice"
	h.rbx.users["2"] = "Bob"
	h.rbx.setPlace("1", target)

	_, err := h.w.Start(h.ctx, "chan-1")
	require.NoError(t, err)
	h.chat.reset()

	h.rbx.setPlace("2", target)
	require.NoError(t, h.poll(t))
	assert.Equal(t, []string{alert.Joined("Bob")}, h.chat.sent())

	h.chat.reset()
	h.rbx.setPlace("1", "")
	require.NoError(t, h.poll(t))
	assert.Equal(t, []string{alert.Left("Alice")}, h.chat.sent())

	h.chat.reset()
	require.NoError(t, h.poll(t))
	assert.Empty(t, h.chat.sent(), "steady state must not alert")

	assert.Equal(t, []string{"Bob"}, h.w.List(h.ctx))
}

func TestUserAtOtherPlaceIsNotPresent(t *testing.T) {
	h := newHarness(t)
	h.rbx.setMembers(map[string]int{"1": 200})
	h.rbx.users["1"] = "Alice"
	h.rbx.setPlace("1", "999")

	_, err := h.w.Start(h.ctx, "chan-1")
	require.NoError(t, err)
	assert.Empty(t, h.w.List(h.ctx))
	assert.Equal(t, 0, h.w.Status().Present)
}

func TestRateLimitDefersNextCycle(t *testing.T) {
	h := newHarness(t)
	h.rbx.setMembers(map[string]int{"1": 200})
	_, err := h.w.Start(h.ctx, "chan-1")
	require.NoError(t, err)

	h.rbx.setPresenceErr(roblox.ErrRateLimited)
	err = h.poll(t)
	var d *schedule.DeferError
	require.ErrorAs(t, err, &d)
	assert.Equal(t, 20*time.Second, d.Delay)
	assert.ErrorIs(t, err, roblox.ErrRateLimited)

	c, ok := h.w.Health().Get(health.ComponentPresence)
	require.True(t, ok)
	assert.Equal(t, health.Degraded, c.Status)
}

func TestFailedCycleKeepsState(t *testing.T) {
	h := newHarness(t)
	h.rbx.setMembers(map[string]int{"1": 200})
	h.rbx.users["1"] = "Alice"
	h.rbx.setPlace("1", target)
	_, err := h.w.Start(h.ctx, "chan-1")
	require.NoError(t, err)
	h.chat.reset()

	h.rbx.setPresenceErr(errors.New("boom"))
	require.Error(t, h.poll(t))
	assert.Equal(t, []string{"Alice"}, h.w.List(h.ctx))
	assert.Empty(t, h.chat.sent())

	h.rbx.setPresenceErr(nil)
	require.NoError(t, h.poll(t))
	assert.Empty(t, h.chat.sent(), "recovered cycle with no change must not alert")
}

func TestStartupSweepRetriedAfterFailure(t *testing.T) {
	h := newHarness(t)
	h.rbx.setMembers(map[string]int{"1": 200})
	h.rbx.users["1"] = "Alice"
	h.rbx.setPlace("1", target)
	h.rbx.setPresenceErr(roblox.ErrRateLimited)

	_, err := h.w.Start(h.ctx, "chan-1")
	require.NoError(t, err)
	h.chat.reset()

	h.rbx.setPresenceErr(nil)
	require.NoError(t, h.poll(t))
	assert.Equal(t, []string{alert.AlreadyPresent("Alice")}, h.chat.sent())
}

func TestEmptyRosterSchedulesExactlyOneRetry(t *testing.T) {
	h := newHarness(t)

	count, err := h.w.Start(h.ctx, "chan-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	require.True(t, h.sched.Active(JobRosterRetry))

	h.rbx.mu.Lock()
	calls := h.rbx.presCalls
	h.rbx.mu.Unlock()
	assert.Zero(t, calls, "an empty roster must not hit the presence endpoint")

	h.chat.reset()
	require.NoError(t, h.sched.Tick(h.ctx, JobRosterRetry))
	assert.Equal(t, []string{alert.RosterRetried(0)}, h.chat.sent())
	assert.False(t, h.sched.Active(JobRosterRetry), "the retry must not reschedule itself")
}

func TestRosterJobAlertsNewCount(t *testing.T) {
	h := newHarness(t)
	h.rbx.setMembers(map[string]int{"1": 200})
	_, err := h.w.Start(h.ctx, "chan-1")
	require.NoError(t, err)
	h.chat.reset()

	h.rbx.setMembers(map[string]int{"1": 200, "2": 143, "3": 142})
	require.NoError(t, h.sched.Tick(h.ctx, JobRoster))
	assert.Equal(t, []string{alert.RosterRefreshed(2)}, h.chat.sent())
	assert.Equal(t, 2, h.w.Status().Watching)
}

func TestRosterFailureKeepsPreviousRoster(t *testing.T) {
	h := newHarness(t)
	h.rbx.setMembers(map[string]int{"1": 200, "2": 200})
	_, err := h.w.Start(h.ctx, "chan-1")
	require.NoError(t, err)
	h.chat.reset()

	h.rbx.mu.Lock()
	h.rbx.membersErr = errors.New("groups down")
	h.rbx.mu.Unlock()

	err = h.sched.Tick(h.ctx, JobRoster)
	assert.ErrorIs(t, err, roster.ErrNoPages)
	assert.Equal(t, 2, h.w.Status().Watching)
	assert.Empty(t, h.chat.sent())
}

func TestStopCancelsJobsAndAnnotatesPanel(t *testing.T) {
	h := newHarness(t)
	h.rbx.setMembers(map[string]int{"1": 200})
	_, err := h.w.Start(h.ctx, "chan-1")
	require.NoError(t, err)
	h.chat.reset()

	require.NoError(t, h.w.Stop(h.ctx))
	assert.False(t, h.w.Status().Running)
	assert.False(t, h.sched.Active(JobPoll))
	assert.False(t, h.sched.Active(JobRoster))
	assert.Equal(t, []string{alert.Stopped()}, h.chat.sent())

	snap := h.chat.snapshot(h.w.Status().Panel.MessageID)
	assert.True(t, strings.HasPrefix(snap.Footer, "Stopped at: "), snap.Footer)

	assert.ErrorIs(t, h.poll(t), schedule.ErrUnknownJob)
}

func TestRestartReusesStoredPanel(t *testing.T) {
	h := newHarness(t)
	h.rbx.setMembers(map[string]int{"1": 200})
	_, err := h.w.Start(h.ctx, "chan-1")
	require.NoError(t, err)
	first := h.w.Status().Panel

	require.NoError(t, h.w.Stop(h.ctx))
	_, err = h.w.Start(h.ctx, "")
	require.NoError(t, err)

	assert.Equal(t, first, h.w.Status().Panel)
	assert.Equal(t, 1, h.chat.panelCount())
}

func TestStartWithoutChannelOrPanelFails(t *testing.T) {
	h := newHarness(t)
	_, err := h.w.Start(h.ctx, "")
	require.ErrorIs(t, err, panel.ErrNoChannel)
	assert.False(t, h.w.Status().Running)
	assert.Empty(t, h.chat.sent())
}

func TestAlertsDisabledStillUpdatesPanel(t *testing.T) {
	h := newHarness(t)
	h.w.alerts.SetEnabled(false)
	h.rbx.setMembers(map[string]int{"1": 200})
	h.rbx.users["1"] = "Alice"
	h.rbx.setPlace("1", target)

	_, err := h.w.Start(h.ctx, "chan-1")
	require.NoError(t, err)
	assert.Empty(t, h.chat.sent())
	assert.Equal(t, "Alice", h.chat.snapshot(h.w.Status().Panel.MessageID).FieldValue)
	assert.False(t, h.w.Status().AlertsEnabled)
}

func TestTransitionsArePublishedAsEvents(t *testing.T) {
	h := newHarness(t)
	h.w.Events().Start()
	defer h.w.Events().Stop()
	sub := h.w.Events().Subscribe()
	defer h.w.Events().Unsubscribe(sub)

	h.rbx.setMembers(map[string]int{"1": 200})
	h.rbx.users["1"] = "Alice"
	_, err := h.w.Start(h.ctx, "chan-1")
	require.NoError(t, err)

	h.rbx.setPlace("1", target)
	require.NoError(t, h.poll(t))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.EventJoined {
				assert.Equal(t, "1", ev.Metadata["userId"])
				assert.Equal(t, "Alice", ev.Metadata["name"])
				return
			}
		case <-deadline:
			t.Fatal("no joined event received")
		}
	}
}

func TestScheduledPollFiresOnInterval(t *testing.T) {
	h := newHarness(t)
	h.rbx.setMembers(map[string]int{"1": 200})
	h.rbx.users["1"] = "Alice"
	_, err := h.w.Start(h.ctx, "chan-1")
	require.NoError(t, err)
	h.chat.reset()

	// poll and roster timers
	require.True(t, h.clock.BlockUntil(2, time.Second))
	h.rbx.setPlace("1", target)
	h.clock.Advance(10 * time.Second)

	assert.Eventually(t, func() bool {
		msgs := h.chat.sent()
		return len(msgs) == 1 && msgs[0] == alert.Joined("Alice")
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTickQueuedBehindStopDoesNothing(t *testing.T) {
	h := newHarness(t)
	h.rbx.setMembers(map[string]int{"1": 200})
	h.rbx.users["1"] = "Alice"
	_, err := h.w.Start(h.ctx, "chan-1")
	require.NoError(t, err)
	require.True(t, h.clock.BlockUntil(2, time.Second))
	h.chat.reset()

	// Hold the executor so Stop and then the poll tick queue behind it.
	held := make(chan struct{})
	release := make(chan struct{})
	go h.exec.Run(h.ctx, func(ctx context.Context) error {
		close(held)
		<-release
		return nil
	})
	<-held

	stopped := make(chan error, 1)
	go func() { stopped <- h.w.Stop(h.ctx) }()
	require.Eventually(t, func() bool { return h.exec.Queued() == 1 }, time.Second, time.Millisecond)

	h.rbx.setPlace("1", target)
	h.clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return h.exec.Queued() == 2 }, time.Second, time.Millisecond)

	close(release)
	require.NoError(t, <-stopped)
	require.NoError(t, h.exec.Run(h.ctx, func(ctx context.Context) error { return nil }))

	assert.Equal(t, []string{alert.Stopped()}, h.chat.sent())
	snap := h.chat.snapshot(h.w.Status().Panel.MessageID)
	assert.True(t, strings.HasPrefix(snap.Footer, "Stopped at: "), snap.Footer)
	assert.Empty(t, h.w.List(h.ctx))
}

func TestRateLimitedStartupSweepDelaysFirstPoll(t *testing.T) {
	h := newHarness(t)
	h.rbx.setMembers(map[string]int{"1": 200})
	h.rbx.users["1"] = "Alice"
	h.rbx.setPlace("1", target)
	h.rbx.setPresenceErr(roblox.ErrRateLimited)

	_, err := h.w.Start(h.ctx, "chan-1")
	require.NoError(t, err)
	h.rbx.setPresenceErr(nil)
	h.chat.reset()

	calls := func() int {
		h.rbx.mu.Lock()
		defer h.rbx.mu.Unlock()
		return h.rbx.presCalls
	}
	require.Equal(t, 1, calls())

	require.True(t, h.clock.BlockUntil(2, time.Second))
	h.clock.Advance(10 * time.Second)
	assert.Never(t, func() bool { return calls() > 1 }, 50*time.Millisecond, 5*time.Millisecond,
		"poll ran one interval after a rate-limited sweep")

	h.clock.Advance(10 * time.Second)
	assert.Eventually(t, func() bool {
		msgs := h.chat.sent()
		return len(msgs) == 1 && msgs[0] == alert.AlreadyPresent("Alice")
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStartInDeletedChannelForgetsPanel(t *testing.T) {
	h := newHarness(t)
	h.rbx.setMembers(map[string]int{"1": 200})
	_, err := h.w.Start(h.ctx, "chan-1")
	require.NoError(t, err)
	require.NoError(t, h.w.Stop(h.ctx))

	h.chat.deleteChannel("chan-1")
	_, err = h.w.Start(h.ctx, h.w.Status().Panel.ChannelID)
	require.ErrorIs(t, err, panel.ErrStale)
	assert.False(t, h.w.Status().Panel.Valid())
	assert.False(t, h.w.Status().Running)

	st, err := h.store.Load(h.ctx)
	require.NoError(t, err)
	assert.False(t, st.Panel.Valid(), "the dead pointer must not survive a restart")

	_, err = h.w.Start(h.ctx, "chan-2")
	require.NoError(t, err)
	assert.Equal(t, "chan-2", h.w.Status().Panel.ChannelID)
}
