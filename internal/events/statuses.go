// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

package events

// ValidStatuses is the closed shipment status lifecycle, in rough
// chronological order.
var ValidStatuses = []string{
	"Dispatched",
	"At pickup site",
	"Pickup Complete",
	"In Transit",
	"Delayed",
	"Arrived at site",
	"Delivered",
	"Unloading complete",
}

// Statuses referenced by KPI computation.
const (
	StatusInTransit = "In Transit"
	StatusDelayed   = "Delayed"
	StatusDelivered = "Delivered"
)

// IsValidStatus reports whether s is a member of the status lifecycle.
func IsValidStatus(s string) bool {
	for _, v := range ValidStatuses {
		if v == s {
			return true
		}
	}
	return false
}
