package models

import "time"

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	StatusPendingPayment      BookingStatus = "pending_payment"
	StatusConfirmed           BookingStatus = "confirmed"
	StatusCancelledByCustomer BookingStatus = "cancelled_by_customer"
	StatusCancelledByPro      BookingStatus = "cancelled_by_pro"
	StatusCompleted           BookingStatus = "completed"
	StatusInDispute           BookingStatus = "in_dispute"
	StatusExpired             BookingStatus = "expired"
)

var bookingStatuses = []BookingStatus{
	StatusPendingPayment,
	StatusConfirmed,
	StatusCancelledByCustomer,
	StatusCancelledByPro,
	StatusCompleted,
	StatusInDispute,
	StatusExpired,
}

// BookingStatuses returns every known booking status.
func BookingStatuses() []BookingStatus {
	return append([]BookingStatus(nil), bookingStatuses...)
}

func (s BookingStatus) Valid() bool {
	for _, known := range bookingStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Occupying reports whether a booking in this status holds its time window.
func (s BookingStatus) Occupying() bool {
	return s == StatusConfirmed || s == StatusInDispute
}

func (s BookingStatus) Terminal() bool {
	switch s {
	case StatusCancelledByCustomer, StatusCancelledByPro, StatusExpired:
		return true
	}
	return false
}

func (s BookingStatus) Cancelled() bool {
	return s == StatusCancelledByCustomer || s == StatusCancelledByPro
}

// PaymentStatus tracks money movement for a booking.
type PaymentStatus string

const (
	PaymentUnpaid            PaymentStatus = "unpaid"
	PaymentPaid              PaymentStatus = "paid"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentRefunded          PaymentStatus = "refunded"
)

// Booking is a lesson reservation. HoldUntil is set while an unpaid booking
// still reserves its window.
type Booking struct {
	ID             int64         `json:"id"`
	ProID          int64         `json:"pro_id"`
	StudentID      int64         `json:"student_id"`
	Start          time.Time     `json:"start"`
	End            time.Time     `json:"end"`
	Amount         int64         `json:"amount"`
	PaidAmount     int64         `json:"paid_amount"`
	RefundedAmount int64         `json:"refunded_amount"`
	Status         BookingStatus `json:"status"`
	PaymentStatus  PaymentStatus `json:"payment_status"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	HoldUntil      *time.Time    `json:"hold_until,omitempty"`
	Version        int64         `json:"version"`

	Dispute *Dispute `json:"dispute,omitempty"`
	Refund  *Refund  `json:"refund,omitempty"`
}

// Duration returns the booked lesson length.
func (b *Booking) Duration() time.Duration {
	return b.End.Sub(b.Start)
}

// IsParticipant reports whether the actor is the booking's student or pro, or an admin.
func (b *Booking) IsParticipant(actor Actor) bool {
	switch actor.Role {
	case RoleAdmin, RoleSystem:
		return true
	case RoleCustomer:
		return actor.ID == b.StudentID
	case RolePro:
		return actor.ID == b.ProID
	}
	return false
}

// Holding reports whether an unpaid booking still blocks its window at now.
func (b *Booking) Holding(now time.Time) bool {
	return b.Status == StatusPendingPayment && b.HoldUntil != nil && now.Before(*b.HoldUntil)
}

// RefundableAmount is the part of the collected payment not yet refunded.
// A booking that was never paid has nothing to refund.
func (b *Booking) RefundableAmount() int64 {
	if b.PaidAmount <= 0 || b.RefundedAmount >= b.PaidAmount {
		return 0
	}
	return b.PaidAmount - b.RefundedAmount
}
