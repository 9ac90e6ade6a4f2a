package models

import "time"

type DisputeStatus string

const (
	DisputeOpened           DisputeStatus = "opened"
	DisputeProResponded     DisputeStatus = "pro_responded"
	DisputeEscalated        DisputeStatus = "escalated"
	DisputeResolvedPro      DisputeStatus = "resolved_pro"
	DisputeResolvedCustomer DisputeStatus = "resolved_customer"
)

var disputeStatuses = []DisputeStatus{
	DisputeOpened,
	DisputeProResponded,
	DisputeEscalated,
	DisputeResolvedPro,
	DisputeResolvedCustomer,
}

func DisputeStatuses() []DisputeStatus {
	return append([]DisputeStatus(nil), disputeStatuses...)
}

func (s DisputeStatus) Valid() bool {
	for _, known := range disputeStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s DisputeStatus) Resolved() bool {
	return s == DisputeResolvedPro || s == DisputeResolvedCustomer
}

// Dispute is the formal disagreement attached to one booking.
type Dispute struct {
	ID                 int64         `json:"id"`
	BookingID          int64         `json:"booking_id"`
	Status             DisputeStatus `json:"status"`
	OpenedBy           ActorRole     `json:"opened_by"`
	OpenedByID         int64         `json:"opened_by_id"`
	OpenedAt           time.Time     `json:"opened_at"`
	RespondBy          time.Time     `json:"respond_by"`
	EscalatedAt        *time.Time    `json:"escalated_at,omitempty"`
	MediateBy          *time.Time    `json:"mediate_by,omitempty"`
	ResolutionNotes    string        `json:"resolution_notes,omitempty"`
	ResolvedAt         *time.Time    `json:"resolved_at,omitempty"`
	ResolvedBy         ActorRole     `json:"resolved_by,omitempty"`
	PriorBookingStatus BookingStatus `json:"prior_booking_status"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// ResponseOverdue reports whether the counterparty missed the response window.
func (d *Dispute) ResponseOverdue(now time.Time) bool {
	return d.Status == DisputeOpened && !now.Before(d.RespondBy)
}

// MediationOverdue reports whether an escalated dispute outlived its mediation window.
func (d *Dispute) MediationOverdue(now time.Time) bool {
	return d.Status == DisputeEscalated && d.MediateBy != nil && !now.Before(*d.MediateBy)
}

// Counterparty returns the role expected to answer the dispute.
func (d *Dispute) Counterparty() ActorRole {
	if d.OpenedBy == RolePro {
		return RoleCustomer
	}
	return RolePro
}

// DisputeAction labels a log entry.
type DisputeAction string

const (
	ActionOpen         DisputeAction = "open"
	ActionRespond      DisputeAction = "respond"
	ActionEscalate     DisputeAction = "escalate"
	ActionAutoEscalate DisputeAction = "auto_escalate"
	ActionResolve      DisputeAction = "resolve"
	ActionComment      DisputeAction = "comment"
	// ActionRejected records a message whose requested action failed validation.
	ActionRejected DisputeAction = "rejected"
)

// DisputeLogEntry is an append-only audit line ordered by Sequence.
type DisputeLogEntry struct {
	DisputeID int64         `json:"dispute_id"`
	Sequence  int64         `json:"sequence"`
	ActorRole ActorRole     `json:"actor_role"`
	ActorID   int64         `json:"actor_id"`
	Action    DisputeAction `json:"action"`
	Message   string        `json:"message"`
	CreatedAt time.Time     `json:"created_at"`
}
