package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"probooking/internal/models"
)

const refundColumns = `id, booking_id, requested_amount, reason, requested_at, requested_by,
	processed_amount, processed_at, processed_by`

func scanRefund(row rowScanner) (*models.Refund, error) {
	var r models.Refund
	err := row.Scan(
		&r.ID, &r.BookingID, &r.RequestedAmount, &r.Reason, &r.RequestedAt, &r.RequestedBy,
		&r.ProcessedAmount, &r.ProcessedAt, &r.ProcessedBy,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetActiveRefund returns the booking's unprocessed refund.
func (s queries) GetActiveRefund(ctx context.Context, bookingID int64) (*models.Refund, error) {
	query := `SELECT ` + refundColumns + ` FROM refunds WHERE booking_id = ? AND processed_at IS NULL`
	r, err := scanRefund(s.q.QueryRowContext(ctx, query, bookingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRefundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active refund: %w", err)
	}
	return r, nil
}

// GetLatestRefund returns the most recently requested refund, processed or not.
func (s queries) GetLatestRefund(ctx context.Context, bookingID int64) (*models.Refund, error) {
	query := `SELECT ` + refundColumns + ` FROM refunds WHERE booking_id = ? ORDER BY id DESC LIMIT 1`
	r, err := scanRefund(s.q.QueryRowContext(ctx, query, bookingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRefundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest refund: %w", err)
	}
	return r, nil
}

func (s queries) InsertRefund(ctx context.Context, refund *models.Refund) error {
	query := `INSERT INTO refunds (booking_id, requested_amount, reason, requested_at, requested_by)
              VALUES (?, ?, ?, ?, ?)`

	requestedAt := refund.RequestedAt.UTC()
	if refund.RequestedAt.IsZero() {
		requestedAt = time.Now().UTC()
	}

	result, err := s.q.ExecContext(ctx, query,
		refund.BookingID,
		refund.RequestedAmount,
		refund.Reason,
		requestedAt,
		refund.RequestedBy,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateRefund
	}
	if err != nil {
		return fmt.Errorf("failed to create refund: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	refund.ID = id
	refund.RequestedAt = requestedAt
	return nil
}

// MarkRefundProcessed stamps an unprocessed refund; a refund processed already is left untouched.
func (s queries) MarkRefundProcessed(ctx context.Context, refund *models.Refund) error {
	query := `UPDATE refunds SET processed_amount = ?, processed_at = ?, processed_by = ?
              WHERE id = ? AND processed_at IS NULL`

	processedAt := time.Now().UTC()
	if refund.ProcessedAt != nil {
		processedAt = refund.ProcessedAt.UTC()
	}

	result, err := s.q.ExecContext(ctx, query, refund.ProcessedAmount, processedAt, refund.ProcessedBy, refund.ID)
	if err != nil {
		return fmt.Errorf("failed to process refund: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		return ErrConcurrentModification
	}

	refund.ProcessedAt = &processedAt
	return nil
}

// ListRefundsRequestedBetween returns refunds requested within [from, to).
func (db *DB) ListRefundsRequestedBetween(ctx context.Context, from, to time.Time) ([]*models.Refund, error) {
	query := `SELECT ` + refundColumns + ` FROM refunds
              WHERE requested_at >= ? AND requested_at < ? ORDER BY requested_at ASC, id ASC`
	rows, err := db.QueryContext(ctx, query, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list refunds by period: %w", err)
	}
	defer rows.Close()

	var refunds []*models.Refund
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan refund: %w", err)
		}
		refunds = append(refunds, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate refunds: %w", err)
	}
	return refunds, nil
}
