package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"probooking/internal/apperrors"
	"probooking/internal/database"
	"probooking/internal/domain"
	"probooking/internal/events"
	"probooking/internal/metrics"
	"probooking/internal/models"

	"github.com/rs/zerolog"
)

type RefundService struct {
	*Core
	logger *zerolog.Logger
}

func NewRefundService(core *Core) *RefundService {
	l := core.logger.With().Str("component", "refund_service").Logger()
	return &RefundService{Core: core, logger: &l}
}

// RequestRefund attaches an unprocessed refund to a paid booking. The booking status is unchanged.
func (s *RefundService) RequestRefund(ctx context.Context, bookingID int64, actor models.Actor, amount int64, reason string) (*models.Refund, error) {
	if amount <= 0 {
		return nil, apperrors.InvalidArgument("amount", "must be positive")
	}

	b, err := s.loadBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := requireParticipant(b, actor); err != nil {
		return nil, err
	}
	if b.PaidAmount <= 0 {
		// an unpaid hold or an admin-confirmed booking never collected money
		return nil, apperrors.IllegalTransition(string(b.PaymentStatus), string(models.PaymentRefunded))
	}
	if amount > b.Amount {
		return nil, apperrors.InvalidArgument("amount", fmt.Sprintf("must not exceed the booking amount %d", b.Amount))
	}
	if amount > b.RefundableAmount() {
		return nil, apperrors.InvalidArgument("amount", fmt.Sprintf("must not exceed the refundable amount %d", b.RefundableAmount()))
	}

	unlock, err := s.bookingLocks.Lock(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	refund := &models.Refund{
		BookingID:       bookingID,
		RequestedAmount: amount,
		Reason:          strings.TrimSpace(reason),
		RequestedAt:     s.now(),
		RequestedBy:     actor.Role,
	}
	err = s.store.InTx(ctx, func(q domain.Queries) error {
		if _, err := q.GetActiveRefund(ctx, bookingID); err == nil {
			return apperrors.DuplicateRefund(bookingID)
		} else if !errors.Is(err, database.ErrRefundNotFound) {
			return err
		}
		if err := q.InsertRefund(ctx, refund); err != nil {
			return storageError(err, "booking", bookingID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("booking_id", bookingID).
		Int64("refund_id", refund.ID).
		Int64("amount", amount).
		Str("requested_by", string(actor.Role)).
		Msg("Refund requested")

	s.publishRefund(events.EventRefundRequested, b, refund, actor)
	return refund, nil
}

// ProcessRefund settles the booking's unprocessed refund with amount.
// Once a refund was processed, repeating the call returns that record and changes nothing.
func (s *RefundService) ProcessRefund(ctx context.Context, bookingID int64, actor models.Actor, amount int64) (*models.Refund, error) {
	if !actor.IsAdmin() {
		return nil, apperrors.Unauthorized("refund processing is admin only")
	}
	if amount < 0 {
		return nil, apperrors.InvalidArgument("amount", "must not be negative")
	}

	if _, err := s.loadBooking(ctx, bookingID); err != nil {
		return nil, err
	}

	unlock, err := s.bookingLocks.Lock(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		refund    *models.Refund
		booking   *models.Booking
		processed bool
	)
	err = s.store.InTx(ctx, func(q domain.Queries) error {
		active, err := q.GetActiveRefund(ctx, bookingID)
		if errors.Is(err, database.ErrRefundNotFound) {
			latest, err := q.GetLatestRefund(ctx, bookingID)
			if err != nil {
				return storageError(err, "refund", bookingID)
			}
			refund = latest
			return nil
		}
		if err != nil {
			return err
		}

		if amount > active.RequestedAmount {
			return apperrors.InvalidArgument("amount", fmt.Sprintf("must not exceed the requested amount %d", active.RequestedAmount))
		}

		now := s.now()
		active.ProcessedAmount = amount
		active.ProcessedAt = &now
		active.ProcessedBy = actor.ID
		if err := q.MarkRefundProcessed(ctx, active); err != nil {
			return storageError(err, "refund", bookingID)
		}

		b, err := q.GetBooking(ctx, bookingID)
		if err != nil {
			return storageError(err, "booking", bookingID)
		}
		b.RefundedAmount += amount
		b.PaymentStatus = refundedPaymentStatus(b)
		if err := q.UpdateBooking(ctx, b); err != nil {
			return storageError(err, "booking", bookingID)
		}

		refund, booking, processed = active, b, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !processed {
		s.logger.Debug().Int64("booking_id", bookingID).Int64("refund_id", refund.ID).Msg("Refund already processed")
		return refund, nil
	}

	metrics.ObserveRefund(amount)
	s.logger.Info().
		Int64("booking_id", bookingID).
		Int64("refund_id", refund.ID).
		Int64("amount", amount).
		Str("payment_status", string(booking.PaymentStatus)).
		Msg("Refund processed")

	s.publishRefund(events.EventRefundProcessed, booking, refund, actor)
	return refund, nil
}

// refundedPaymentStatus derives the payment status from the accumulated refunds.
func refundedPaymentStatus(b *models.Booking) models.PaymentStatus {
	if b.RefundedAmount <= 0 {
		return b.PaymentStatus
	}
	basis := b.Amount
	if b.PaidAmount > 0 {
		basis = b.PaidAmount
	}
	if b.RefundedAmount >= basis {
		return models.PaymentRefunded
	}
	return models.PaymentPartiallyRefunded
}
