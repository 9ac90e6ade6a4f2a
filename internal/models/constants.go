package models

import "time"

const (
	// DefaultResponseWindow is how long the counterparty has to answer a dispute.
	DefaultResponseWindow = 48 * time.Hour

	// DefaultMediationWindow is how long an admin has to adjudicate an escalated dispute.
	DefaultMediationWindow = 7 * 24 * time.Hour

	// DefaultCompletionGrace is how long after completion a dispute may still be opened.
	DefaultCompletionGrace = 7 * 24 * time.Hour

	// DefaultPaymentHold is how long an unpaid booking blocks its slot for other buyers.
	DefaultPaymentHold = 15 * time.Minute

	// DefaultDateGrace lets clients ask for yesterday's date across timezone edges.
	DefaultDateGrace = 24 * time.Hour

	DefaultMaxAdvanceDays = 90
	DefaultLessonMinutes  = 60

	// ClockLayout is the wall clock format used in weekly rules.
	ClockLayout = "15:04"
	DateLayout  = "2006-01-02"
)
