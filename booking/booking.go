// Package booking exposes read-only access to the reservation system: the
// current wall-clock slot and whether an identity holds it. Slot CRUD lives
// in the booking web application, not here.
package booking

import (
	"context"
	"fmt"
	"time"
)

// SlotsPerDay is the number of bookable slots: one per wall-clock hour.
const SlotsPerDay = 24

// CurrentSlot returns the slot id (0-23) active at t.
func CurrentSlot(t time.Time) int {
	return t.Hour()
}

// SlotWindow formats a slot id as its wall-clock window, e.g. "08:00-09:00".
func SlotWindow(slot int) string {
	end := (slot + 1) % SlotsPerDay
	return fmt.Sprintf("%02d:00-%02d:00", slot, end)
}

// Store answers booking questions for the authorization bridge.
type Store interface {
	// IsBookedAt reports whether identity holds the booking for slot.
	IsBookedAt(ctx context.Context, identity string, slot int) (bool, error)
}
