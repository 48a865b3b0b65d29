// Package panel renders watcher state into the live panel message and keeps
// the persisted pointer to that message current.
package panel

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultMaxNames caps the names listed in the panel field.
const DefaultMaxNames = 25

// maxFieldValue is the chat platform's embed field value limit.
const maxFieldValue = 1024

// Options is the static part of the panel.
type Options struct {
	Title         string
	GroupID       int64
	MinRank       int
	TargetPlaceID string
	MaxNames      int
	// Timezone is an IANA name used for footer stamps. Names that do not
	// load fall back to UTC.
	Timezone string
}

// State is the dynamic part: the resolved names of everyone present.
type State struct {
	Present []string
}

// Snapshot is a rendered panel.
type Snapshot struct {
	Title       string
	Description string
	FieldName   string
	FieldValue  string
	Footer      string
}

// Render is a pure function of its inputs. Two calls with the same state
// differ only in the footer stamp.
func Render(st State, opts Options, now time.Time) Snapshot {
	s := base(opts, st.Present)
	s.Footer = "Last update: " + Stamp(now, opts.Timezone)
	return s
}

// Waiting renders the placeholder posted before the first cycle.
func Waiting(opts Options) Snapshot {
	s := base(opts, nil)
	s.Footer = "Last update: waiting…"
	return s
}

func base(opts Options, present []string) Snapshot {
	names := append([]string(nil), present...)
	sort.Strings(names)
	return Snapshot{
		Title: opts.Title,
		Description: fmt.Sprintf("Watching **rank ≥ %d** in group **%d**\nTarget place: **%s**",
			opts.MinRank, opts.GroupID, opts.TargetPlaceID),
		FieldName:  fmt.Sprintf("Currently in game (%d)", len(names)),
		FieldValue: FormatList(names, opts.MaxNames),
	}
}

// FormatList joins names, listing at most max of them followed by "+N more".
// The result always fits an embed field.
func FormatList(names []string, max int) string {
	if len(names) == 0 {
		return "_none_"
	}
	if max <= 0 {
		max = DefaultMaxNames
	}
	if max > len(names) {
		max = len(names)
	}
	for ; max > 0; max-- {
		out := strings.Join(names[:max], ", ")
		if rest := len(names) - max; rest > 0 {
			out += fmt.Sprintf(", +%d more", rest)
		}
		if len(out) <= maxFieldValue {
			return out
		}
	}
	return fmt.Sprintf("+%d more", len(names))
}

// Stamp formats t for footers, e.g. "2026-01-02 15:04:05.000 UTC".
func Stamp(t time.Time, timezone string) string {
	if timezone != "" && timezone != "UTC" {
		if loc, err := time.LoadLocation(timezone); err == nil {
			return t.In(loc).Format("2006-01-02 15:04:05.000") + " " + timezone
		}
	}
	return t.UTC().Format("2006-01-02 15:04:05.000") + " UTC"
}
