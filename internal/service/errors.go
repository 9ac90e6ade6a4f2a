package service

import (
	"errors"
	"fmt"

	"probooking/internal/apperrors"
	"probooking/internal/database"
	"probooking/internal/models"
)

// storageError translates database sentinels into typed outcomes.
// AppErrors pass through untouched; anything else is wrapped as an internal failure.
func storageError(err error, entity string, id int64) error {
	if err == nil {
		return nil
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}

	switch {
	case errors.Is(err, database.ErrBookingNotFound):
		return apperrors.NotFound("booking", id)
	case errors.Is(err, database.ErrSettingsNotFound):
		return apperrors.NotFound("pro", id)
	case errors.Is(err, database.ErrDisputeNotFound):
		return apperrors.NotFound("dispute", id)
	case errors.Is(err, database.ErrRefundNotFound):
		return apperrors.NotFound("refund", id)
	case errors.Is(err, database.ErrDuplicateRefund):
		return apperrors.DuplicateRefund(id)
	case errors.Is(err, database.ErrConcurrentModification):
		return &apperrors.AppError{
			Code:    apperrors.CodeIllegalTransition,
			Message: fmt.Sprintf("%s was modified concurrently, refresh and retry", entity),
			Details: map[string]any{"entity": entity, "id": id},
			Err:     err,
		}
	case errors.Is(err, database.ErrDuplicateDispute):
		return &apperrors.AppError{
			Code:    apperrors.CodeIllegalTransition,
			Message: "booking already has a dispute",
			Details: map[string]any{"booking_id": id},
			Err:     err,
		}
	}
	return fmt.Errorf("%s %d: %w", entity, id, err)
}

func bookingVerdictError(v models.Verdict, from, to models.BookingStatus) error {
	switch v {
	case models.Allowed:
		return nil
	case models.Forbidden:
		return apperrors.Unauthorized(fmt.Sprintf("role may not move booking from %s to %s", from, to))
	default:
		return apperrors.IllegalTransition(string(from), string(to))
	}
}

func disputeVerdictError(v models.Verdict, from, to models.DisputeStatus) error {
	switch v {
	case models.Allowed:
		return nil
	case models.Forbidden:
		return apperrors.Unauthorized(fmt.Sprintf("role may not move dispute from %s to %s", from, to))
	default:
		return apperrors.IllegalTransition(string(from), string(to))
	}
}

func requireParticipant(b *models.Booking, actor models.Actor) error {
	if !b.IsParticipant(actor) {
		return apperrors.Unauthorized(fmt.Sprintf("actor %s/%d is not a participant of booking %d", actor.Role, actor.ID, b.ID))
	}
	return nil
}
