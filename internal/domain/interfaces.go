package domain

import (
	"context"
	"time"

	"probooking/internal/models"
)

// Queries is the storage surface usable both directly and inside a transaction.
type Queries interface {
	GetSettings(ctx context.Context, proID int64) (*models.BookingSettings, error)
	UpsertSettings(ctx context.Context, settings *models.BookingSettings) error

	GetBooking(ctx context.Context, id int64) (*models.Booking, error)
	ListProBookings(ctx context.Context, proID int64, from, to time.Time) ([]*models.Booking, error)
	ListOverlappingBookings(ctx context.Context, proID int64, from, to time.Time) ([]*models.Booking, error)
	UpdateBooking(ctx context.Context, booking *models.Booking) error
	HasConfirmedOverlap(ctx context.Context, proID int64, start, end time.Time, excludeID int64) (bool, error)

	GetDisputeByBooking(ctx context.Context, bookingID int64) (*models.Dispute, error)
	InsertDispute(ctx context.Context, dispute *models.Dispute) error
	UpdateDispute(ctx context.Context, dispute *models.Dispute) error
	AppendDisputeLog(ctx context.Context, entry *models.DisputeLogEntry) error
	ListDisputeLogs(ctx context.Context, disputeID int64) ([]models.DisputeLogEntry, error)

	GetActiveRefund(ctx context.Context, bookingID int64) (*models.Refund, error)
	GetLatestRefund(ctx context.Context, bookingID int64) (*models.Refund, error)
	InsertRefund(ctx context.Context, refund *models.Refund) error
	MarkRefundProcessed(ctx context.Context, refund *models.Refund) error
}

// Store is the persistent booking store.
type Store interface {
	Queries

	// InTx runs fn in a single write transaction; fn's error rolls it back.
	InTx(ctx context.Context, fn func(q Queries) error) error

	// CreateBookingIfFree re-checks the window and inserts in one transaction.
	CreateBookingIfFree(ctx context.Context, booking *models.Booking, now time.Time) error
	IsFree(ctx context.Context, proID int64, start, end, now time.Time) (bool, error)

	ListBookingsDueForCompletion(ctx context.Context, now time.Time, limit int) ([]*models.Booking, error)
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*models.Booking, error)
	ListDisputesByStatus(ctx context.Context, status models.DisputeStatus) ([]*models.Dispute, error)
	ListDisputesOpenedBetween(ctx context.Context, from, to time.Time) ([]*models.Dispute, error)
	ListRefundsRequestedBetween(ctx context.Context, from, to time.Time) ([]*models.Refund, error)
}

// OutboxStore persists lifecycle events until a dispatcher accepts them.
type OutboxStore interface {
	CreateNotificationTask(ctx context.Context, task *models.NotificationTask) error
	GetNotificationTask(ctx context.Context, id int64) (*models.NotificationTask, error)
	GetPendingNotificationTasks(ctx context.Context, limit int) ([]models.NotificationTask, error)
	UpdateNotificationTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error
	GetFailedNotificationTasks(ctx context.Context) ([]models.NotificationTask, error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// Dispatcher hands a lifecycle event to the external notification system.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *models.NotificationTask) error
}

// IdempotencyStore caches responses of write requests keyed by client key.
type IdempotencyStore interface {
	GetResponse(ctx context.Context, key string) (*models.StoredResponse, error)
	SaveResponse(ctx context.Context, key string, resp *models.StoredResponse, ttl time.Duration) error
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type NotificationEnqueuer interface {
	EnqueueTask(ctx context.Context, task *models.NotificationTask) error
}
