package models

import "time"

const (
	TaskStatusPending   = "pending"
	TaskStatusRetry     = "retry"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

// NotificationTask is a lifecycle event persisted in the outbox until delivered.
type NotificationTask struct {
	ID          int64      `json:"id"`
	EventID     string     `json:"event_id"`
	EventType   string     `json:"event_type"`
	BookingID   int64      `json:"booking_id"`
	Payload     string     `json:"payload"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	LastError   *string    `json:"last_error"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at"`
	NextRetryAt *time.Time `json:"next_retry_at"`
}
