// Package roster derives the watched user set from a Roblox group listing.
package roster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lanternops/placewatch/internal/idset"
	"github.com/lanternops/placewatch/internal/logging"
	"github.com/lanternops/placewatch/internal/metrics"
	"github.com/lanternops/placewatch/pkg/roblox"
)

var log = logging.L("roster")

// ErrNoPages is returned when the first page of the listing could not be
// fetched. The previous roster is left in place.
var ErrNoPages = errors.New("roster: no pages fetched")

// DefaultPageSize is the largest page the groups endpoint accepts.
const DefaultPageSize = 100

// Source fetches one page of group members. *roblox.Client satisfies it.
type Source interface {
	GroupMembers(ctx context.Context, groupID int64, cursor string, limit int) (roblox.MembersPage, error)
}

// Roster holds the current watched set. It is replaced wholesale, never
// edited in place.
type Roster struct {
	mu  sync.RWMutex
	ids idset.Set
}

func New() *Roster {
	return &Roster{ids: idset.New()}
}

// Set returns a copy of the watched ids.
func (r *Roster) Set() idset.Set {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ids.Clone()
}

// IDs returns the watched ids in ascending order.
func (r *Roster) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ids.Sorted()
}

func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ids.Len()
}

// Replace swaps in ids as the new watched set.
func (r *Roster) Replace(ids idset.Set) {
	r.mu.Lock()
	r.ids = ids.Clone()
	n := r.ids.Len()
	r.mu.Unlock()
	metrics.WatchedUsers.Set(float64(n))
}

// Refresher paginates the group listing into a Roster.
type Refresher struct {
	source   Source
	roster   *Roster
	groupID  int64
	minRank  int
	pageSize int
}

func NewRefresher(source Source, r *Roster, groupID int64, minRank, pageSize int) *Refresher {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Refresher{source: source, roster: r, groupID: groupID, minRank: minRank, pageSize: pageSize}
}

func (f *Refresher) MinRank() int { return f.minRank }

// Refresh walks every page and replaces the roster with the members whose
// rank is at least the threshold. A page failure after the first keeps what
// was gathered so far. A first-page failure keeps the previous roster and
// returns ErrNoPages.
func (f *Refresher) Refresh(ctx context.Context) (int, error) {
	start := time.Now()
	found := idset.New()
	seen := map[string]bool{}
	cursor := ""
	pages := 0
	partial := false

	for {
		page, err := f.source.GroupMembers(ctx, f.groupID, cursor, f.pageSize)
		if err != nil {
			if pages == 0 {
				metrics.RosterRefreshesTotal.WithLabelValues("failed").Inc()
				log.Warn("roster refresh failed, keeping previous roster",
					"groupId", f.groupID, "previous", f.roster.Len(), logging.KeyError, err)
				return f.roster.Len(), fmt.Errorf("%w: %w", ErrNoPages, err)
			}
			log.Warn("roster page failed, keeping partial roster",
				"groupId", f.groupID, "pages", pages, "found", found.Len(), logging.KeyError, err)
			partial = true
			break
		}
		pages++

		for _, m := range page.Members {
			if m.Rank >= f.minRank {
				found.Add(m.UserID)
			}
		}

		if page.NextCursor == "" {
			break
		}
		if seen[page.NextCursor] {
			log.Warn("roster cursor repeated, stopping pagination", "cursor", page.NextCursor)
			break
		}
		seen[page.NextCursor] = true
		cursor = page.NextCursor
	}

	f.roster.Replace(found)
	result := "ok"
	if partial {
		result = "partial"
	}
	metrics.RosterRefreshesTotal.WithLabelValues(result).Inc()
	log.Info("roster refreshed",
		"groupId", f.groupID,
		"minRank", f.minRank,
		"watching", found.Len(),
		"pages", pages,
		"partial", partial,
		logging.KeyDurationMs, time.Since(start).Milliseconds())
	return found.Len(), nil
}
