package models

import "time"

// Refund is a requested (and eventually processed) return of money for a booking.
type Refund struct {
	ID              int64      `json:"id"`
	BookingID       int64      `json:"booking_id"`
	RequestedAmount int64      `json:"requested_amount"`
	Reason          string     `json:"reason"`
	RequestedAt     time.Time  `json:"requested_at"`
	RequestedBy     ActorRole  `json:"requested_by"`
	ProcessedAmount int64      `json:"processed_amount"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	ProcessedBy     int64      `json:"processed_by,omitempty"`
}

func (r *Refund) Processed() bool {
	return r.ProcessedAt != nil
}
