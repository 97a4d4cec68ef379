package booking

import (
	"testing"
	"time"
)

func TestCurrentSlot(t *testing.T) {
	cases := []struct {
		at   time.Time
		want int
	}{
		{time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), 0},
		{time.Date(2025, 3, 10, 8, 15, 0, 0, time.UTC), 8},
		{time.Date(2025, 3, 10, 8, 59, 59, 0, time.UTC), 8},
		{time.Date(2025, 3, 10, 23, 30, 0, 0, time.UTC), 23},
	}
	for _, tc := range cases {
		if got := CurrentSlot(tc.at); got != tc.want {
			t.Errorf("CurrentSlot(%v) = %d, want %d", tc.at, got, tc.want)
		}
	}
}

func TestSlotWindow(t *testing.T) {
	cases := []struct {
		slot int
		want string
	}{
		{0, "00:00-01:00"},
		{8, "08:00-09:00"},
		{23, "23:00-00:00"},
	}
	for _, tc := range cases {
		if got := SlotWindow(tc.slot); got != tc.want {
			t.Errorf("SlotWindow(%d) = %q, want %q", tc.slot, got, tc.want)
		}
	}
}
