// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

package selection

import (
	"reflect"
	"testing"
)

func TestToggle(t *testing.T) {
	s := New([]string{"A", "B", "C"})

	s.Toggle("A")
	if !s.IsSelected("A") {
		t.Error("A not selected after toggle")
	}
	s.Toggle("A")
	if s.IsSelected("A") {
		t.Error("A still selected after second toggle")
	}

	// Unrendered IDs never enter the selection.
	s.Toggle("Z")
	if s.Count() != 0 {
		t.Errorf("count = %d after toggling unrendered ID", s.Count())
	}
}

func TestPruneIntersects(t *testing.T) {
	s := New([]string{"A", "B", "C"})
	s.Toggle("A")
	s.Toggle("B")
	s.Toggle("C")

	// The table refresh renders {B, C, D}: A vanishes, D is new.
	s.Prune([]string{"B", "C", "D"})

	if got := s.Selected(); !reflect.DeepEqual(got, []string{"B", "C"}) {
		t.Errorf("selection = %v, want [B C]", got)
	}
}

func TestPruneIsSubsetAndNoOp(t *testing.T) {
	s := New([]string{"A", "B"})
	s.Toggle("A")

	current := []string{"A", "B"}
	before := s.Selected()
	s.Prune(current)
	if got := s.Selected(); !reflect.DeepEqual(got, before) {
		t.Errorf("prune with current set changed selection: %v -> %v", before, got)
	}

	s.Prune([]string{"B"})
	for _, id := range s.Selected() {
		if id != "B" {
			t.Errorf("selection contains %q outside rendered set", id)
		}
	}
}

func TestSelectAllTriState(t *testing.T) {
	cases := []struct {
		name     string
		rendered []string
		selected []string
		want     AllState
	}{
		{"empty table", nil, nil, AllUnchecked},
		{"none selected", []string{"A", "B"}, nil, AllUnchecked},
		{"some selected", []string{"A", "B", "C"}, []string{"A"}, AllIndeterminate},
		{"all but one", []string{"A", "B", "C"}, []string{"A", "B"}, AllIndeterminate},
		{"all selected", []string{"A", "B"}, []string{"A", "B"}, AllChecked},
		{"single row selected", []string{"A"}, []string{"A"}, AllChecked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New(tc.rendered)
			for _, id := range tc.selected {
				s.Toggle(id)
			}
			if got := s.SelectAllState(); got != tc.want {
				t.Errorf("state = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestToggleAll(t *testing.T) {
	s := New([]string{"A", "B", "C"})

	s.ToggleAll()
	if s.Count() != 3 || s.SelectAllState() != AllChecked {
		t.Errorf("after select-all: count = %d, state = %v", s.Count(), s.SelectAllState())
	}

	s.ToggleAll()
	if s.Count() != 0 || s.SelectAllState() != AllUnchecked {
		t.Errorf("after clear-all: count = %d, state = %v", s.Count(), s.SelectAllState())
	}

	// Partial selection: toggle-all completes rather than clears.
	s.Toggle("A")
	s.ToggleAll()
	if s.SelectAllState() != AllChecked {
		t.Errorf("toggle-all from partial = %v, want checked", s.SelectAllState())
	}
}

func TestTriStateRecomputedAfterPrune(t *testing.T) {
	s := New([]string{"A", "B", "C"})
	s.Toggle("A")
	s.Toggle("B")
	if s.SelectAllState() != AllIndeterminate {
		t.Fatalf("precondition: state = %v", s.SelectAllState())
	}

	// After the refresh only the two selected rows remain: all selected.
	s.Prune([]string{"A", "B"})
	if s.SelectAllState() != AllChecked {
		t.Errorf("state after prune = %v, want checked", s.SelectAllState())
	}
}
