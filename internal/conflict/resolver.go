// Package conflict decides whether time windows collide with live bookings.
package conflict

import (
	"time"

	"probooking/internal/models"
)

// Overlaps uses half-open intervals: touching endpoints do not conflict.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// Blocks reports whether a booking in this status occupies its window.
func Blocks(status models.BookingStatus) bool {
	return status.Occupying()
}

// IsFree checks a window against an in-memory set of bookings.
func IsFree(start, end time.Time, bookings []*models.Booking) bool {
	for _, b := range bookings {
		if b == nil || !Blocks(b.Status) {
			continue
		}
		if Overlaps(start, end, b.Start, b.End) {
			return false
		}
	}
	return true
}

// FilterAvailable marks every slot that collides with an occupying booking as unavailable.
// The result is advisory; the commit path re-checks inside its transaction.
func FilterAvailable(slots []models.TimeSlot, bookings []*models.Booking) []models.TimeSlot {
	out := make([]models.TimeSlot, len(slots))
	for i, slot := range slots {
		out[i] = models.TimeSlot{
			Start:     slot.Start,
			End:       slot.End,
			Available: slot.Available && IsFree(slot.Start, slot.End, bookings),
		}
	}
	return out
}
