// Package idset is a small string set used for watched and present user ids.
package idset

import "sort"

// Set is an unordered set of user ids. The zero value is an empty set that
// must not be written to; use New.
type Set map[string]struct{}

// New returns a set holding ids, duplicates collapsed.
func New(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s Set) Add(id string) { s[id] = struct{}{} }

func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s Set) Len() int { return len(s) }

// Sorted returns the members in ascending order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy. Cloning nil yields an empty set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Minus returns the members of s not in other, sorted.
func (s Set) Minus(other Set) []string {
	var out []string
	for id := range s {
		if !other.Has(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Equal reports whether both sets hold the same members.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Has(id) {
			return false
		}
	}
	return true
}
