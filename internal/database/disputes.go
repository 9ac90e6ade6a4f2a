package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"probooking/internal/models"
)

const disputeColumns = `id, booking_id, status, opened_by, opened_by_id, opened_at, respond_by,
	escalated_at, mediate_by, resolution_notes, resolved_at, resolved_by,
	prior_booking_status, updated_at`

func scanDispute(row rowScanner) (*models.Dispute, error) {
	var d models.Dispute
	err := row.Scan(
		&d.ID, &d.BookingID, &d.Status, &d.OpenedBy, &d.OpenedByID, &d.OpenedAt, &d.RespondBy,
		&d.EscalatedAt, &d.MediateBy, &d.ResolutionNotes, &d.ResolvedAt, &d.ResolvedBy,
		&d.PriorBookingStatus, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func scanDisputes(rows *sql.Rows) ([]*models.Dispute, error) {
	defer rows.Close()

	var disputes []*models.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dispute: %w", err)
		}
		disputes = append(disputes, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate disputes: %w", err)
	}
	return disputes, nil
}

func (s queries) GetDisputeByBooking(ctx context.Context, bookingID int64) (*models.Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE booking_id = ?`
	d, err := scanDispute(s.q.QueryRowContext(ctx, query, bookingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispute: %w", err)
	}
	return d, nil
}

func (s queries) InsertDispute(ctx context.Context, dispute *models.Dispute) error {
	query := `INSERT INTO disputes (
				booking_id, status, opened_by, opened_by_id, opened_at, respond_by,
				escalated_at, mediate_by, resolution_notes, resolved_at, resolved_by,
				prior_booking_status, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().UTC()
	result, err := s.q.ExecContext(ctx, query,
		dispute.BookingID,
		dispute.Status,
		dispute.OpenedBy,
		dispute.OpenedByID,
		dispute.OpenedAt.UTC(),
		dispute.RespondBy.UTC(),
		utcPtr(dispute.EscalatedAt),
		utcPtr(dispute.MediateBy),
		dispute.ResolutionNotes,
		utcPtr(dispute.ResolvedAt),
		dispute.ResolvedBy,
		dispute.PriorBookingStatus,
		now,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateDispute
	}
	if err != nil {
		return fmt.Errorf("failed to create dispute: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	dispute.ID = id
	dispute.UpdatedAt = now
	return nil
}

func (s queries) UpdateDispute(ctx context.Context, dispute *models.Dispute) error {
	query := `UPDATE disputes SET
				status = ?, escalated_at = ?, mediate_by = ?, resolution_notes = ?,
				resolved_at = ?, resolved_by = ?, updated_at = ?
			WHERE id = ?`

	now := time.Now().UTC()
	result, err := s.q.ExecContext(ctx, query,
		dispute.Status,
		utcPtr(dispute.EscalatedAt),
		utcPtr(dispute.MediateBy),
		dispute.ResolutionNotes,
		utcPtr(dispute.ResolvedAt),
		dispute.ResolvedBy,
		now,
		dispute.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update dispute: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	dispute.UpdatedAt = now
	return nil
}

// AppendDisputeLog assigns the next sequence number for the dispute and stores the entry.
func (s queries) AppendDisputeLog(ctx context.Context, entry *models.DisputeLogEntry) error {
	query := `INSERT INTO dispute_logs (dispute_id, sequence, actor_role, actor_id, action, message, created_at)
              SELECT ?, COALESCE(MAX(sequence), 0) + 1, ?, ?, ?, ?, ?
              FROM dispute_logs WHERE dispute_id = ?
              RETURNING sequence`

	createdAt := entry.CreatedAt.UTC()
	if entry.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var sequence int64
	err := s.q.QueryRowContext(ctx, query,
		entry.DisputeID,
		entry.ActorRole,
		entry.ActorID,
		entry.Action,
		entry.Message,
		createdAt,
		entry.DisputeID,
	).Scan(&sequence)
	if err != nil {
		return fmt.Errorf("failed to append dispute log: %w", err)
	}

	entry.Sequence = sequence
	entry.CreatedAt = createdAt
	return nil
}

func (s queries) ListDisputeLogs(ctx context.Context, disputeID int64) ([]models.DisputeLogEntry, error) {
	query := `SELECT dispute_id, sequence, actor_role, actor_id, action, message, created_at
              FROM dispute_logs WHERE dispute_id = ? ORDER BY sequence ASC`
	rows, err := s.q.QueryContext(ctx, query, disputeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispute logs: %w", err)
	}
	defer rows.Close()

	entries := []models.DisputeLogEntry{}
	for rows.Next() {
		var e models.DisputeLogEntry
		if err := rows.Scan(&e.DisputeID, &e.Sequence, &e.ActorRole, &e.ActorID, &e.Action, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dispute log: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dispute logs: %w", err)
	}
	return entries, nil
}

func (db *DB) ListDisputesByStatus(ctx context.Context, status models.DisputeStatus) ([]*models.Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE status = ? ORDER BY id ASC`
	rows, err := db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list disputes by status: %w", err)
	}
	return scanDisputes(rows)
}

// ListDisputesOpenedBetween returns disputes opened within [from, to).
func (db *DB) ListDisputesOpenedBetween(ctx context.Context, from, to time.Time) ([]*models.Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes
              WHERE opened_at >= ? AND opened_at < ? ORDER BY opened_at ASC, id ASC`
	rows, err := db.QueryContext(ctx, query, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list disputes by period: %w", err)
	}
	return scanDisputes(rows)
}
