package presence

import (
	"sync"
	"time"

	"github.com/lanternops/placewatch/internal/idset"
	"github.com/lanternops/placewatch/internal/metrics"
	"github.com/lanternops/placewatch/pkg/roblox"
)

// Record is the last known presence of one user.
type Record struct {
	Type     roblox.PresenceType
	PlaceID  string
	LastSeen time.Time
}

// Tracker holds the present set, per-user records and the startup-sweep
// flag. Commit applies a whole cycle under one lock so readers never observe
// a half-applied cycle.
type Tracker struct {
	mu        sync.RWMutex
	present   idset.Set
	records   map[string]Record
	sweepDone bool
	lastCycle time.Time
}

func NewTracker() *Tracker {
	return &Tracker{present: idset.New(), records: make(map[string]Record)}
}

// Present returns a copy of the present set.
func (t *Tracker) Present() idset.Set {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.present.Clone()
}

// PresentIDs returns the present set in ascending order.
func (t *Tracker) PresentIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.present.Sorted()
}

// Record returns the last known presence of id.
func (t *Tracker) Record(id string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[id]
	return r, ok
}

// SweepDone reports whether a cycle has completed since the last reset.
func (t *Tracker) SweepDone() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sweepDone
}

// LastCycle returns when the last cycle was committed.
func (t *Tracker) LastCycle() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastCycle
}

// ResetSweep makes the next committed cycle a startup sweep.
func (t *Tracker) ResetSweep() {
	t.mu.Lock()
	t.sweepDone = false
	t.mu.Unlock()
}

// Commit records every observation, replaces the present set and marks the
// sweep done. It returns the transitions and whether this was the startup
// sweep.
func (t *Tracker) Commit(observed []Observation, now time.Time) (Transitions, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	first := !t.sweepDone
	next, tr := Detect(t.present, observed, first)
	for _, o := range observed {
		t.records[o.UserID] = Record{Type: o.Type, PlaceID: o.PlaceID, LastSeen: now}
	}
	t.present = next
	t.sweepDone = true
	t.lastCycle = now

	metrics.PresentUsers.Set(float64(next.Len()))
	return tr, first
}
