// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

// Package selection holds the per-page set of checked shipment rows used by
// bulk actions. The one invariant: the selection is always a subset of the
// rows currently rendered, enforced by Prune after every table refresh.
package selection

import (
	"sort"
	"sync"
)

// AllState is the tri-state of the "select all" checkbox.
type AllState int

const (
	// AllUnchecked means nothing is selected.
	AllUnchecked AllState = iota
	// AllIndeterminate means some but not all rendered rows are selected.
	AllIndeterminate
	// AllChecked means every rendered row is selected (and there is at
	// least one).
	AllChecked
)

func (s AllState) String() string {
	switch s {
	case AllChecked:
		return "checked"
	case AllIndeterminate:
		return "indeterminate"
	default:
		return "unchecked"
	}
}

// Set is the selection state for one table page.
type Set struct {
	mu       sync.Mutex
	selected map[string]struct{}
	rendered map[string]struct{}
}

// New creates an empty selection over the given rendered rows.
func New(renderedIDs []string) *Set {
	s := &Set{
		selected: make(map[string]struct{}),
		rendered: make(map[string]struct{}, len(renderedIDs)),
	}
	for _, id := range renderedIDs {
		s.rendered[id] = struct{}{}
	}
	return s
}

// Toggle flips one row's checkbox. Toggling an unrendered ID is ignored.
func (s *Set) Toggle(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rendered[id]; !ok {
		return
	}
	if _, ok := s.selected[id]; ok {
		delete(s.selected, id)
	} else {
		s.selected[id] = struct{}{}
	}
}

// ToggleAll implements the header checkbox: if every rendered row is already
// selected, clear; otherwise select all rendered rows.
func (s *Set) ToggleAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.selected) == len(s.rendered) && len(s.rendered) > 0 {
		s.selected = make(map[string]struct{})
		return
	}
	for id := range s.rendered {
		s.selected[id] = struct{}{}
	}
}

// Selected returns the selected IDs, sorted.
func (s *Set) Selected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.selected))
	for id := range s.selected {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsSelected reports whether one row is checked.
func (s *Set) IsSelected(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.selected[id]
	return ok
}

// Count returns the number of selected rows.
func (s *Set) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.selected)
}

// Prune intersects the selection with the newly rendered rows after a table
// refresh. Selections referencing vanished rows are dropped. Pruning with
// the already-current rendered set leaves the selection unchanged.
func (s *Set) Prune(renderedIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := make(map[string]struct{}, len(renderedIDs))
	for _, id := range renderedIDs {
		fresh[id] = struct{}{}
	}
	s.rendered = fresh
	for id := range s.selected {
		if _, ok := fresh[id]; !ok {
			delete(s.selected, id)
		}
	}
}

// SelectAllState recomputes the header checkbox tri-state from the
// post-prune counts.
func (s *Set) SelectAllState() AllState {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case len(s.selected) == 0:
		return AllUnchecked
	case len(s.selected) == len(s.rendered):
		return AllChecked
	default:
		return AllIndeterminate
	}
}

// Clear empties the selection, keeping the rendered set.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = make(map[string]struct{})
}
