package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"probooking/internal/apperrors"
	"probooking/internal/availability"
	"probooking/internal/conflict"
	"probooking/internal/database"
	"probooking/internal/domain"
	"probooking/internal/events"
	"probooking/internal/metrics"
	"probooking/internal/models"

	"github.com/rs/zerolog"
)

const sweepBatch = 100

// CreateBookingRequest is a student's claim on a window of a pro's time.
type CreateBookingRequest struct {
	ProID     int64
	StudentID int64
	Start     time.Time
	End       time.Time
	Amount    int64
}

type BookingService struct {
	*Core
	logger *zerolog.Logger
}

func NewBookingService(core *Core) *BookingService {
	l := core.logger.With().Str("component", "booking_service").Logger()
	return &BookingService{Core: core, logger: &l}
}

// activeSettings returns the pro's settings, NotFound when missing or inactive.
func (s *BookingService) activeSettings(ctx context.Context, q domain.Queries, proID int64) (*models.BookingSettings, error) {
	settings, err := q.GetSettings(ctx, proID)
	if err != nil {
		return nil, storageError(err, "pro", proID)
	}
	if !settings.Active {
		return nil, apperrors.NotFound("pro", proID)
	}
	return settings, nil
}

// ComputeSlots returns the pro's candidate windows for date, marked against live bookings.
func (s *BookingService) ComputeSlots(ctx context.Context, proID int64, date time.Time, durationMinutes int) ([]models.TimeSlot, error) {
	settings, err := s.activeSettings(ctx, s.store, proID)
	if err != nil {
		return nil, err
	}

	slots, err := availability.ComputeSlots(*settings, date, durationMinutes, s.now())
	if err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return slots, nil
	}

	bookings, err := s.store.ListOverlappingBookings(ctx, proID, slots[0].Start, slots[len(slots)-1].End)
	if err != nil {
		return nil, fmt.Errorf("list bookings for availability: %w", err)
	}
	return conflict.FilterAvailable(slots, bookings), nil
}

// DefaultDuration is the pro's standard lesson length in minutes.
func (s *BookingService) DefaultDuration(ctx context.Context, proID int64) (int, error) {
	settings, err := s.activeSettings(ctx, s.store, proID)
	if err != nil {
		return 0, err
	}
	return settings.LessonMinutes, nil
}

// CreateBooking claims the window for the student. The overlap check and the insert
// run in one transaction while the pro's lock is held.
func (s *BookingService) CreateBooking(ctx context.Context, req CreateBookingRequest) (*models.Booking, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}
	if _, err := s.activeSettings(ctx, s.store, req.ProID); err != nil {
		return nil, err
	}

	unlock, err := s.proLocks.Lock(ctx, req.ProID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()
	holdUntil := now.Add(s.policy.PaymentHold)
	booking := &models.Booking{
		ProID:         req.ProID,
		StudentID:     req.StudentID,
		Start:         req.Start.UTC(),
		End:           req.End.UTC(),
		Amount:        req.Amount,
		Status:        models.StatusPendingPayment,
		PaymentStatus: models.PaymentUnpaid,
		HoldUntil:     &holdUntil,
	}

	if err := s.store.CreateBookingIfFree(ctx, booking, now); err != nil {
		if errors.Is(err, database.ErrSlotTaken) {
			metrics.IncSlotConflict()
			s.logger.Info().
				Int64("pro_id", req.ProID).
				Int64("student_id", req.StudentID).
				Time("start", booking.Start).
				Msg("Slot conflict on booking commit")
			return nil, apperrors.SlotConflict(req.ProID)
		}
		return nil, fmt.Errorf("create booking: %w", err)
	}

	metrics.IncBookingCreated()
	s.logger.Info().
		Int64("booking_id", booking.ID).
		Int64("pro_id", booking.ProID).
		Int64("student_id", booking.StudentID).
		Msg("Booking created")

	s.publishBooking(events.EventBookingCreated, booking, models.Actor{ID: req.StudentID, Role: models.RoleCustomer}, nil)
	return booking, nil
}

func validateCreate(req CreateBookingRequest) error {
	switch {
	case req.ProID <= 0:
		return apperrors.InvalidArgument("pro_id", "must be positive")
	case req.StudentID <= 0:
		return apperrors.InvalidArgument("student_id", "must be positive")
	case req.Start.IsZero() || req.End.IsZero():
		return apperrors.InvalidArgument("start", "start and end are required")
	case !req.Start.Before(req.End):
		return apperrors.InvalidArgument("end", "must be after start")
	case req.Amount <= 0:
		return apperrors.InvalidArgument("amount", "must be positive")
	}
	return nil
}

// Transition moves a booking along an edge of the lifecycle table on behalf of actor.
func (s *BookingService) Transition(ctx context.Context, bookingID int64, target models.BookingStatus, actor models.Actor) (*models.Booking, error) {
	if !target.Valid() {
		return nil, apperrors.InvalidArgument("target_status", fmt.Sprintf("unknown status %q", target))
	}

	b, err := s.loadBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := requireParticipant(b, actor); err != nil {
		return nil, err
	}
	if err := bookingVerdictError(models.CheckBookingTransition(b.Status, target, actor.Role), b.Status, target); err != nil {
		return nil, err
	}

	switch target {
	case models.StatusConfirmed:
		return s.confirm(ctx, bookingID, actor, 0)
	case models.StatusCompleted:
		if s.now().Before(b.End) {
			return nil, apperrors.IllegalTransition(string(b.Status), string(target))
		}
	}

	late := false
	if target.Cancelled() {
		late = s.lateCancellation(ctx, b)
	}

	from := b.Status
	applyBookingStatus(b, target, s.now())
	if err := s.store.UpdateBooking(ctx, b); err != nil {
		return nil, storageError(err, "booking", bookingID)
	}

	metrics.IncBookingTransition(string(target))
	event := s.logger.Info()
	if late {
		event = s.logger.Warn().Bool("late_cancellation", true)
	}
	event.
		Int64("booking_id", b.ID).
		Str("from", string(from)).
		Str("to", string(target)).
		Str("actor_role", string(actor.Role)).
		Int64("actor_id", actor.ID).
		Msg("Booking transitioned")

	s.publishBooking(bookingEventType(target), b, actor, func(p *events.LifecycleEventPayload) {
		p.LateCancellation = late
	})
	return b, nil
}

// lateCancellation reports whether the lesson starts inside the pro's minimum notice.
func (s *BookingService) lateCancellation(ctx context.Context, b *models.Booking) bool {
	settings, err := s.store.GetSettings(ctx, b.ProID)
	if err != nil {
		return false
	}
	return b.Start.Sub(s.now()) < settings.MinNotice()
}

// ConfirmPayment is the payment callback: the hold becomes a confirmed booking
// and paidAmount is recorded as authoritative.
func (s *BookingService) ConfirmPayment(ctx context.Context, bookingID int64, paidAmount int64, actor models.Actor) (*models.Booking, error) {
	if paidAmount <= 0 {
		return nil, apperrors.InvalidArgument("paid_amount", "must be positive")
	}
	if actor.Role != models.RoleSystem && actor.Role != models.RoleAdmin {
		return nil, apperrors.Unauthorized("payment confirmation requires the system or an admin")
	}
	return s.confirm(ctx, bookingID, actor, paidAmount)
}

func (s *BookingService) confirm(ctx context.Context, bookingID int64, actor models.Actor, paidAmount int64) (*models.Booking, error) {
	b, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, storageError(err, "booking", bookingID)
	}

	unlock, err := s.proLocks.Lock(ctx, b.ProID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = s.store.InTx(ctx, func(q domain.Queries) error {
		fresh, err := q.GetBooking(ctx, bookingID)
		if err != nil {
			return storageError(err, "booking", bookingID)
		}
		if verr := bookingVerdictError(models.CheckBookingTransition(fresh.Status, models.StatusConfirmed, actor.Role), fresh.Status, models.StatusConfirmed); verr != nil {
			return verr
		}

		taken, err := q.HasConfirmedOverlap(ctx, fresh.ProID, fresh.Start, fresh.End, fresh.ID)
		if err != nil {
			return err
		}
		if taken {
			return apperrors.SlotConflict(fresh.ProID)
		}

		applyBookingStatus(fresh, models.StatusConfirmed, s.now())
		if paidAmount > 0 {
			fresh.PaidAmount = paidAmount
			fresh.PaymentStatus = models.PaymentPaid
		}
		if err := q.UpdateBooking(ctx, fresh); err != nil {
			return storageError(err, "booking", bookingID)
		}
		b = fresh
		return nil
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrSlotConflict) {
			metrics.IncSlotConflict()
		}
		return nil, err
	}

	metrics.IncBookingTransition(string(models.StatusConfirmed))
	s.logger.Info().
		Int64("booking_id", b.ID).
		Int64("paid_amount", b.PaidAmount).
		Str("actor_role", string(actor.Role)).
		Msg("Booking confirmed")

	s.publishBooking(events.EventBookingConfirmed, b, actor, nil)
	return b, nil
}

// GetBooking returns the booking after applying overdue transitions.
func (s *BookingService) GetBooking(ctx context.Context, bookingID int64, actor models.Actor) (*models.Booking, error) {
	b, err := s.loadBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := requireParticipant(b, actor); err != nil {
		return nil, err
	}
	return b, nil
}

// ListProBookings lists the pro's bookings starting in [from, to).
func (s *BookingService) ListProBookings(ctx context.Context, proID int64, from, to time.Time, actor models.Actor) ([]*models.Booking, error) {
	if actor.Role == models.RoleCustomer || (actor.Role == models.RolePro && actor.ID != proID) {
		return nil, apperrors.Unauthorized("only the pro or an admin may list a pro's bookings")
	}
	if !from.Before(to) {
		return nil, apperrors.InvalidArgument("to", "must be after from")
	}

	bookings, err := s.store.ListProBookings(ctx, proID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list pro bookings: %w", err)
	}
	for i, b := range bookings {
		settled, err := s.settleBooking(ctx, b)
		if err != nil {
			return nil, err
		}
		bookings[i] = settled
	}
	if bookings == nil {
		bookings = []*models.Booking{}
	}
	return bookings, nil
}

// SweepCompleted finalizes ended lessons and expires lapsed holds.
// It returns how many bookings were moved.
func (s *BookingService) SweepCompleted(ctx context.Context) (int, error) {
	now := s.now()
	moved := 0

	due, err := s.store.ListBookingsDueForCompletion(ctx, now, sweepBatch)
	if err != nil {
		return 0, err
	}
	expired, err := s.store.ListExpiredHolds(ctx, now, sweepBatch)
	if err != nil {
		return 0, err
	}

	for _, b := range append(due, expired...) {
		if err := ctx.Err(); err != nil {
			return moved, err
		}
		before := b.Status
		settled, err := s.settleBooking(ctx, b)
		if err != nil {
			s.logger.Error().Err(err).Int64("booking_id", b.ID).Msg("Failed to settle booking")
			continue
		}
		if settled.Status != before {
			moved++
		}
	}
	return moved, nil
}
