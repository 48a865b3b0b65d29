// Package presence polls Roblox presence for the watched set and derives
// join and leave transitions against the target place.
package presence

import (
	"github.com/lanternops/placewatch/internal/idset"
	"github.com/lanternops/placewatch/pkg/roblox"
)

// Observation is one user's presence as reported in a poll response.
type Observation struct {
	UserID   string
	Type     roblox.PresenceType
	PlaceID  string
	AtTarget bool
}

// Transitions are the events produced by one completed cycle.
type Transitions struct {
	Joined         []string
	Left           []string
	AlreadyPresent []string
}

func (t Transitions) Empty() bool {
	return len(t.Joined) == 0 && len(t.Left) == 0 && len(t.AlreadyPresent) == 0
}

// Detect computes the new present set and the transitions relative to prev.
//
// On the first cycle every user at the target is reported as already present
// and nothing else is reported. Afterwards Joined is next minus prev and Left
// is prev minus next; a user who stays produces nothing. Ids keep response
// order; prev members absent from the response are appended to Left sorted.
func Detect(prev idset.Set, observed []Observation, firstCycle bool) (idset.Set, Transitions) {
	next := idset.New()
	for _, o := range observed {
		if o.AtTarget {
			next.Add(o.UserID)
		}
	}

	var tr Transitions
	emitted := idset.New()
	if firstCycle {
		for _, o := range observed {
			if next.Has(o.UserID) && !emitted.Has(o.UserID) {
				tr.AlreadyPresent = append(tr.AlreadyPresent, o.UserID)
				emitted.Add(o.UserID)
			}
		}
		return next, tr
	}

	for _, o := range observed {
		id := o.UserID
		if emitted.Has(id) {
			continue
		}
		switch {
		case next.Has(id) && !prev.Has(id):
			tr.Joined = append(tr.Joined, id)
			emitted.Add(id)
		case !next.Has(id) && prev.Has(id):
			tr.Left = append(tr.Left, id)
			emitted.Add(id)
		}
	}
	for _, id := range prev.Minus(next) {
		if !emitted.Has(id) {
			tr.Left = append(tr.Left, id)
		}
	}
	return next, tr
}
