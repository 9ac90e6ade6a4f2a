package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"probooking/internal/models"
)

const bookingColumns = `id, pro_id, student_id, start_time, end_time, amount, paid_amount,
	refunded_amount, status, payment_status, hold_until, created_at, updated_at,
	completed_at, version`

// blockingClause matches rows that occupy their window at the bound instant (unix seconds).
const blockingClause = `(status IN ('confirmed', 'in_dispute')
	OR (status = 'pending_payment' AND hold_until IS NOT NULL AND hold_until > ?))`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	var (
		b          models.Booking
		start, end int64
		holdUntil  sql.NullInt64
	)
	err := row.Scan(
		&b.ID, &b.ProID, &b.StudentID, &start, &end, &b.Amount, &b.PaidAmount,
		&b.RefundedAmount, &b.Status, &b.PaymentStatus, &holdUntil, &b.CreatedAt, &b.UpdatedAt,
		&b.CompletedAt, &b.Version,
	)
	if err != nil {
		return nil, err
	}
	b.Start = fromUnix(start)
	b.End = fromUnix(end)
	if holdUntil.Valid {
		h := fromUnix(holdUntil.Int64)
		b.HoldUntil = &h
	}
	return &b, nil
}

func scanBookings(rows *sql.Rows) ([]*models.Booking, error) {
	defer rows.Close()

	var bookings []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bookings: %w", err)
	}
	return bookings, nil
}

// CreateBookingIfFree re-runs the overlap check and inserts inside one immediate transaction.
func (db *DB) CreateBookingIfFree(ctx context.Context, booking *models.Booking, now time.Time) error {
	return db.withTx(ctx, func(tx *Tx) error {
		free, err := tx.isFree(ctx, booking.ProID, booking.Start, booking.End, now)
		if err != nil {
			return err
		}
		if !free {
			return ErrSlotTaken
		}
		return tx.insertBooking(ctx, booking)
	})
}

// IsFree reports whether no blocking booking of the pro overlaps [start, end).
func (db *DB) IsFree(ctx context.Context, proID int64, start, end, now time.Time) (bool, error) {
	return db.isFree(ctx, proID, start, end, now)
}

func (s queries) isFree(ctx context.Context, proID int64, start, end, now time.Time) (bool, error) {
	query := `SELECT COUNT(*) FROM bookings
              WHERE pro_id = ? AND start_time < ? AND end_time > ? AND ` + blockingClause

	var count int
	err := s.q.QueryRowContext(ctx, query, proID, toUnix(end), toUnix(start), toUnix(now)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check slot: %w", err)
	}
	return count == 0, nil
}

// HasConfirmedOverlap ignores unpaid holds; used when a hold turns into a confirmed booking.
func (s queries) HasConfirmedOverlap(ctx context.Context, proID int64, start, end time.Time, excludeID int64) (bool, error) {
	query := `SELECT COUNT(*) FROM bookings
              WHERE pro_id = ? AND id != ? AND start_time < ? AND end_time > ?
              AND status IN ('confirmed', 'in_dispute')`

	var count int
	err := s.q.QueryRowContext(ctx, query, proID, excludeID, toUnix(end), toUnix(start)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check confirmed overlap: %w", err)
	}
	return count > 0, nil
}

func (s queries) insertBooking(ctx context.Context, booking *models.Booking) error {
	query := `INSERT INTO bookings (
				pro_id, student_id, start_time, end_time, amount, paid_amount, refunded_amount,
				status, payment_status, hold_until, created_at, updated_at, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().UTC()
	var holdUntil any
	if booking.HoldUntil != nil {
		holdUntil = toUnix(*booking.HoldUntil)
	}

	result, err := s.q.ExecContext(ctx, query,
		booking.ProID,
		booking.StudentID,
		toUnix(booking.Start),
		toUnix(booking.End),
		booking.Amount,
		booking.PaidAmount,
		booking.RefundedAmount,
		booking.Status,
		booking.PaymentStatus,
		holdUntil,
		now,
		now,
		1,
	)
	if err != nil {
		return fmt.Errorf("failed to create booking: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	booking.ID = id
	booking.Start = booking.Start.UTC()
	booking.End = booking.End.UTC()
	booking.CreatedAt = now
	booking.UpdatedAt = now
	booking.Version = 1
	return nil
}

func (s queries) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = ?`
	b, err := scanBooking(s.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return b, nil
}

// UpdateBooking writes the mutable booking fields if the stored version still matches,
// then bumps booking.Version.
func (s queries) UpdateBooking(ctx context.Context, booking *models.Booking) error {
	query := `UPDATE bookings SET
				status = ?, payment_status = ?, paid_amount = ?, refunded_amount = ?,
				hold_until = ?, completed_at = ?, updated_at = ?, version = version + 1
			WHERE id = ? AND version = ?`

	now := time.Now().UTC()
	var holdUntil any
	if booking.HoldUntil != nil {
		holdUntil = toUnix(*booking.HoldUntil)
	}

	result, err := s.q.ExecContext(ctx, query,
		booking.Status,
		booking.PaymentStatus,
		booking.PaidAmount,
		booking.RefundedAmount,
		holdUntil,
		utcPtr(booking.CompletedAt),
		now,
		booking.ID,
		booking.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update booking: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		return ErrConcurrentModification
	}

	booking.Version++
	booking.UpdatedAt = now
	return nil
}

// ListProBookings returns a pro's bookings starting within [from, to), ordered by start.
func (s queries) ListProBookings(ctx context.Context, proID int64, from, to time.Time) ([]*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings
              WHERE pro_id = ? AND start_time >= ? AND start_time < ?
              ORDER BY start_time ASC, id ASC`
	rows, err := s.q.QueryContext(ctx, query, proID, toUnix(from), toUnix(to))
	if err != nil {
		return nil, fmt.Errorf("failed to list pro bookings: %w", err)
	}
	return scanBookings(rows)
}

// ListOverlappingBookings returns a pro's bookings that share any instant with [from, to),
// however long before from they started.
func (s queries) ListOverlappingBookings(ctx context.Context, proID int64, from, to time.Time) ([]*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings
              WHERE pro_id = ? AND start_time < ? AND end_time > ?
              ORDER BY start_time ASC, id ASC`
	rows, err := s.q.QueryContext(ctx, query, proID, toUnix(to), toUnix(from))
	if err != nil {
		return nil, fmt.Errorf("failed to list overlapping bookings: %w", err)
	}
	return scanBookings(rows)
}

// ListBookingsDueForCompletion returns confirmed bookings whose lesson has ended.
func (db *DB) ListBookingsDueForCompletion(ctx context.Context, now time.Time, limit int) ([]*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings
              WHERE status = 'confirmed' AND end_time <= ?
              ORDER BY end_time ASC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, toUnix(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings due for completion: %w", err)
	}
	return scanBookings(rows)
}

// ListExpiredHolds returns unpaid bookings whose hold ran out.
func (db *DB) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings
              WHERE status = 'pending_payment' AND hold_until IS NOT NULL AND hold_until <= ?
              ORDER BY hold_until ASC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, toUnix(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired holds: %w", err)
	}
	return scanBookings(rows)
}
