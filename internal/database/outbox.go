package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"probooking/internal/models"
)

const taskColumns = `id, event_id, event_type, booking_id, payload, status, retry_count, last_error,
	created_at, processed_at, next_retry_at`

func scanTasks(rows *sql.Rows) ([]models.NotificationTask, error) {
	defer rows.Close()

	var tasks []models.NotificationTask
	for rows.Next() {
		var t models.NotificationTask
		err := rows.Scan(
			&t.ID, &t.EventID, &t.EventType, &t.BookingID, &t.Payload, &t.Status, &t.RetryCount,
			&t.LastError, &t.CreatedAt, &t.ProcessedAt, &t.NextRetryAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notification tasks: %w", err)
	}
	return tasks, nil
}

// CreateNotificationTask stores an event in the outbox. Re-inserting the same event id is a no-op.
func (db *DB) CreateNotificationTask(ctx context.Context, task *models.NotificationTask) error {
	query := `INSERT INTO notification_outbox (event_id, event_type, booking_id, payload, status, retry_count, last_error, created_at, next_retry_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(event_id) DO NOTHING`
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	now := time.Now().UTC()
	result, err := db.ExecContext(ctx, query,
		task.EventID,
		task.EventType,
		task.BookingID,
		task.Payload,
		task.Status,
		task.RetryCount,
		task.LastError,
		now,
		utcPtr(task.NextRetryAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create notification task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		db.logger.Debug().Str("event_id", task.EventID).Msg("Notification task already queued")
		return db.QueryRowContext(ctx, `SELECT id, created_at FROM notification_outbox WHERE event_id = ?`, task.EventID).
			Scan(&task.ID, &task.CreatedAt)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	task.ID = id
	task.CreatedAt = now
	return nil
}

func (db *DB) GetNotificationTask(ctx context.Context, id int64) (*models.NotificationTask, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+taskColumns+` FROM notification_outbox WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get notification task: %w", err)
	}
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, ErrTaskNotFound
	}
	return &tasks[0], nil
}

func (db *DB) GetPendingNotificationTasks(ctx context.Context, limit int) ([]models.NotificationTask, error) {
	query := `SELECT ` + taskColumns + ` FROM notification_outbox
              WHERE status IN ('pending', 'retry') AND (next_retry_at IS NULL OR next_retry_at <= ?)
              ORDER BY created_at ASC, id ASC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending notification tasks: %w", err)
	}
	return scanTasks(rows)
}

func (db *DB) UpdateNotificationTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error {
	var query string
	var args []interface{}
	now := time.Now().UTC()

	var lastError *string
	if errMsg != "" {
		lastError = &errMsg
	}

	switch status {
	case models.TaskStatusRetry:
		query = `UPDATE notification_outbox SET status = ?, last_error = ?, next_retry_at = ?, retry_count = retry_count + 1 WHERE id = ?`
		args = []interface{}{status, lastError, utcPtr(nextRetryAt), id}
	case models.TaskStatusCompleted, models.TaskStatusFailed:
		query = `UPDATE notification_outbox SET status = ?, last_error = ?, next_retry_at = NULL, processed_at = ? WHERE id = ?`
		args = []interface{}{status, lastError, now, id}
	default:
		query = `UPDATE notification_outbox SET status = ?, last_error = ?, next_retry_at = ? WHERE id = ?`
		args = []interface{}{status, lastError, utcPtr(nextRetryAt), id}
	}

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update notification task status: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (db *DB) GetFailedNotificationTasks(ctx context.Context) ([]models.NotificationTask, error) {
	query := `SELECT ` + taskColumns + ` FROM notification_outbox WHERE status = 'failed' ORDER BY created_at DESC`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed notification tasks: %w", err)
	}
	return scanTasks(rows)
}
