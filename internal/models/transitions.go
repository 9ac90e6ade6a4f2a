package models

// Verdict is the outcome of checking a transition against a table.
type Verdict int

const (
	Allowed Verdict = iota
	// Unreachable means the table has no edge from the current to the target status.
	Unreachable
	// Forbidden means the edge exists but the actor role may not take it.
	Forbidden
	// DisputeOnly means the edge is owned by the dispute flow and cannot be requested directly.
	DisputeOnly
)

type edgeRule struct {
	actors      []ActorRole
	disputeOnly bool
}

func (r edgeRule) permits(role ActorRole) bool {
	for _, a := range r.actors {
		if a == role {
			return true
		}
	}
	return false
}

func actors(roles ...ActorRole) []ActorRole { return roles }

var bookingTransitions = map[BookingStatus]map[BookingStatus]edgeRule{
	StatusPendingPayment: {
		StatusConfirmed:           {actors: actors(RoleSystem, RoleAdmin)},
		StatusCancelledByCustomer: {actors: actors(RoleCustomer, RoleAdmin)},
		StatusCancelledByPro:      {actors: actors(RolePro, RoleAdmin)},
		StatusExpired:             {actors: actors(RoleSystem, RoleAdmin)},
	},
	StatusConfirmed: {
		StatusCancelledByCustomer: {actors: actors(RoleCustomer, RoleAdmin)},
		StatusCancelledByPro:      {actors: actors(RolePro, RoleAdmin)},
		StatusCompleted:           {actors: actors(RoleSystem, RoleAdmin)},
		StatusInDispute:           {actors: actors(RoleCustomer, RolePro, RoleAdmin), disputeOnly: true},
	},
	StatusCompleted: {
		StatusInDispute: {actors: actors(RoleCustomer, RolePro, RoleAdmin), disputeOnly: true},
	},
	StatusInDispute: {
		StatusCompleted:      {actors: actors(RoleAdmin, RoleSystem), disputeOnly: true},
		StatusCancelledByPro: {actors: actors(RoleAdmin, RoleSystem), disputeOnly: true},
	},
	StatusCancelledByCustomer: {},
	StatusCancelledByPro:      {},
	StatusExpired:             {},
}

// CanTransitionTo reports whether the booking table has an edge to target.
func (s BookingStatus) CanTransitionTo(target BookingStatus) bool {
	_, ok := bookingTransitions[s][target]
	return ok
}

// NextStatuses lists every status reachable in one step.
func (s BookingStatus) NextStatuses() []BookingStatus {
	var out []BookingStatus
	for _, candidate := range bookingStatuses {
		if s.CanTransitionTo(candidate) {
			out = append(out, candidate)
		}
	}
	return out
}

// CheckBookingTransition is a pure function of (current, target, role).
func CheckBookingTransition(current, target BookingStatus, role ActorRole) Verdict {
	rule, ok := bookingTransitions[current][target]
	if !ok {
		return Unreachable
	}
	if rule.disputeOnly {
		return DisputeOnly
	}
	if !rule.permits(role) {
		return Forbidden
	}
	return Allowed
}

// CheckDisputeBookingTransition validates booking edges driven by the dispute flow.
func CheckDisputeBookingTransition(current, target BookingStatus, role ActorRole) Verdict {
	rule, ok := bookingTransitions[current][target]
	if !ok || !rule.disputeOnly {
		return Unreachable
	}
	if !rule.permits(role) {
		return Forbidden
	}
	return Allowed
}

var disputeTransitions = map[DisputeStatus]map[DisputeStatus]edgeRule{
	DisputeOpened: {
		DisputeProResponded: {actors: actors(RoleCustomer, RolePro)},
		DisputeEscalated:    {actors: actors(RoleCustomer, RolePro, RoleAdmin, RoleSystem)},
	},
	DisputeProResponded: {
		DisputeEscalated: {actors: actors(RoleCustomer, RolePro, RoleAdmin)},
	},
	DisputeEscalated: {
		DisputeResolvedPro:      {actors: actors(RoleAdmin, RoleSystem)},
		DisputeResolvedCustomer: {actors: actors(RoleAdmin, RoleSystem)},
	},
	DisputeResolvedPro:      {},
	DisputeResolvedCustomer: {},
}

func (s DisputeStatus) CanTransitionTo(target DisputeStatus) bool {
	_, ok := disputeTransitions[s][target]
	return ok
}

// CheckDisputeTransition is a pure function of (current, target, role).
func CheckDisputeTransition(current, target DisputeStatus, role ActorRole) Verdict {
	rule, ok := disputeTransitions[current][target]
	if !ok {
		return Unreachable
	}
	if !rule.permits(role) {
		return Forbidden
	}
	return Allowed
}

// DisputeOpenRoles may file a dispute.
var DisputeOpenRoles = actors(RoleCustomer, RolePro, RoleAdmin)

// Disputable reports whether a dispute may be opened against a booking in this status.
func (s BookingStatus) Disputable() bool {
	return s.CanTransitionTo(StatusInDispute)
}
