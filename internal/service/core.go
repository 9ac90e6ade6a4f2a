package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"probooking/internal/apperrors"
	"probooking/internal/config"
	"probooking/internal/conflict"
	"probooking/internal/database"
	"probooking/internal/domain"
	"probooking/internal/events"
	"probooking/internal/metrics"
	"probooking/internal/models"

	"github.com/rs/zerolog"
)

// Policy holds the time windows that drive lifecycle deadlines.
type Policy struct {
	PaymentHold         time.Duration
	ResponseWindow      time.Duration
	MediationWindow     time.Duration
	CompletionGrace     time.Duration
	AutoResolveCustomer bool
}

func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		PaymentHold:         cfg.Booking.PaymentHold,
		ResponseWindow:      cfg.Dispute.ResponseWindow,
		MediationWindow:     cfg.Dispute.MediationWindow,
		CompletionGrace:     cfg.Dispute.CompletionGrace,
		AutoResolveCustomer: cfg.Dispute.AutoResolveCustomer,
	}
}

func (p Policy) withDefaults() Policy {
	if p.PaymentHold <= 0 {
		p.PaymentHold = models.DefaultPaymentHold
	}
	if p.ResponseWindow <= 0 {
		p.ResponseWindow = models.DefaultResponseWindow
	}
	if p.MediationWindow <= 0 {
		p.MediationWindow = models.DefaultMediationWindow
	}
	if p.CompletionGrace <= 0 {
		p.CompletionGrace = models.DefaultCompletionGrace
	}
	return p
}

// Core is the state shared by every service: the store, the event bus,
// and the keyed locks that serialize commits per pro and refunds per booking.
type Core struct {
	store        domain.Store
	eventBus     domain.EventPublisher
	policy       Policy
	proLocks     *conflict.KeyedMutex
	bookingLocks *conflict.KeyedMutex
	logger       *zerolog.Logger
	now          func() time.Time
}

func NewCore(store domain.Store, eventBus domain.EventPublisher, policy Policy, logger *zerolog.Logger) *Core {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Core{
		store:        store,
		eventBus:     eventBus,
		policy:       policy.withDefaults(),
		proLocks:     conflict.NewKeyedMutex(),
		bookingLocks: conflict.NewKeyedMutex(),
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// loadBooking reads a booking, applies every overdue transition and attaches
// its dispute and latest refund.
func (c *Core) loadBooking(ctx context.Context, id int64) (*models.Booking, error) {
	b, err := c.store.GetBooking(ctx, id)
	if err != nil {
		return nil, storageError(err, "booking", id)
	}

	if b, err = c.settleBooking(ctx, b); err != nil {
		return nil, err
	}

	d, err := c.store.GetDisputeByBooking(ctx, id)
	switch {
	case errors.Is(err, database.ErrDisputeNotFound):
	case err != nil:
		return nil, fmt.Errorf("get dispute: %w", err)
	default:
		settled, err := c.settleDispute(ctx, d)
		if err != nil {
			return nil, err
		}
		if settled {
			// resolution may have moved the booking and attached a refund
			return c.reload(ctx, id)
		}
		b.Dispute = d
	}

	if err := c.attachRefund(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// reload fetches a booking with its attachments without settling deadlines again.
func (c *Core) reload(ctx context.Context, id int64) (*models.Booking, error) {
	b, err := c.store.GetBooking(ctx, id)
	if err != nil {
		return nil, storageError(err, "booking", id)
	}
	d, err := c.store.GetDisputeByBooking(ctx, id)
	switch {
	case errors.Is(err, database.ErrDisputeNotFound):
	case err != nil:
		return nil, fmt.Errorf("get dispute: %w", err)
	default:
		b.Dispute = d
	}
	if err := c.attachRefund(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *Core) attachRefund(ctx context.Context, b *models.Booking) error {
	r, err := c.store.GetLatestRefund(ctx, b.ID)
	if errors.Is(err, database.ErrRefundNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get refund: %w", err)
	}
	b.Refund = r
	return nil
}

// settleBooking completes confirmed bookings whose end passed and expires lapsed holds.
func (c *Core) settleBooking(ctx context.Context, b *models.Booking) (*models.Booking, error) {
	now := c.now()

	var target models.BookingStatus
	switch {
	case b.Status == models.StatusConfirmed && !now.Before(b.End):
		target = models.StatusCompleted
	case b.Status == models.StatusPendingPayment && b.HoldUntil != nil && !now.Before(*b.HoldUntil):
		target = models.StatusExpired
	default:
		return b, nil
	}

	prev := *b
	applyBookingStatus(b, target, now)
	if err := c.store.UpdateBooking(ctx, b); err != nil {
		if errors.Is(err, database.ErrConcurrentModification) {
			// someone else moved it first; their state wins
			fresh, getErr := c.store.GetBooking(ctx, b.ID)
			if getErr != nil {
				return nil, storageError(getErr, "booking", b.ID)
			}
			return fresh, nil
		}
		return nil, fmt.Errorf("settle booking %d: %w", b.ID, err)
	}

	c.logger.Info().
		Int64("booking_id", b.ID).
		Str("from", string(prev.Status)).
		Str("to", string(target)).
		Msg("Applied overdue booking transition")

	metrics.IncBookingTransition(string(target))
	c.publishBooking(bookingEventType(target), b, models.SystemActor(), nil)
	return b, nil
}

// settleDispute escalates a dispute whose response window passed and, when enabled,
// resolves a dispute whose mediation window passed. It reports whether anything changed.
func (c *Core) settleDispute(ctx context.Context, d *models.Dispute) (bool, error) {
	now := c.now()
	changed := false

	if d.ResponseOverdue(now) {
		escalated, err := c.autoEscalate(ctx, d)
		if err != nil {
			return false, err
		}
		changed = escalated
	}

	if c.policy.AutoResolveCustomer && d.MediationOverdue(now) && c.autoResolve(ctx, d.BookingID) {
		changed = true
	}
	return changed, nil
}

func (c *Core) autoEscalate(ctx context.Context, d *models.Dispute) (bool, error) {
	var escalated bool
	err := c.store.InTx(ctx, func(q domain.Queries) error {
		fresh, err := q.GetDisputeByBooking(ctx, d.BookingID)
		if err != nil {
			return err
		}
		if !fresh.ResponseOverdue(c.now()) {
			*d = *fresh
			return nil
		}

		// the deadline, not the moment it was noticed, is when the dispute escalated
		escalatedAt := fresh.RespondBy
		mediateBy := escalatedAt.Add(c.policy.MediationWindow)
		fresh.Status = models.DisputeEscalated
		fresh.EscalatedAt = &escalatedAt
		fresh.MediateBy = &mediateBy
		if err := q.UpdateDispute(ctx, fresh); err != nil {
			return err
		}
		if err := q.AppendDisputeLog(ctx, &models.DisputeLogEntry{
			DisputeID: fresh.ID,
			ActorRole: models.RoleSystem,
			Action:    models.ActionAutoEscalate,
			Message:   "response window elapsed",
		}); err != nil {
			return err
		}
		*d = *fresh
		escalated = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("escalate dispute %d: %w", d.ID, err)
	}
	if !escalated {
		return false, nil
	}

	metrics.IncDisputeTransition(string(models.DisputeEscalated), "timeout")
	b, err := c.store.GetBooking(ctx, d.BookingID)
	if err == nil {
		c.publishDispute(events.EventDisputeEscalated, b, d, models.SystemActor(), "response window elapsed", 0)
	}
	return true, nil
}

// autoResolve settles an overdue escalated dispute for the customer. An unprocessed refund
// already on the booking becomes the resolution's refund, otherwise the rest of the paid
// amount is refunded. A failure is logged and leaves the dispute escalated, so reads of
// the booking keep working. It reports whether the dispute may have changed.
func (c *Core) autoResolve(ctx context.Context, bookingID int64) bool {
	b, err := c.store.GetBooking(ctx, bookingID)
	if err != nil {
		c.logger.Error().Err(err).Int64("booking_id", bookingID).Msg("Auto-resolve skipped")
		return false
	}
	amount := b.RefundableAmount()

	_, err = c.resolve(ctx, bookingID, models.SystemActor(), models.DisputeResolvedCustomer,
		"auto-resolved: mediation window elapsed", &amount, true)
	switch {
	case err == nil:
		return true
	case errors.Is(err, apperrors.ErrIllegalTransition):
		// resolved concurrently
		return true
	default:
		c.logger.Error().Err(err).Int64("booking_id", bookingID).Msg("Auto-resolve failed")
		return false
	}
}

// resolve closes an escalated dispute and moves the booking out of in_dispute in one transaction.
// A customer resolution always carries a refund record: a zero amount is stored processed, and
// with adoptActive an unprocessed refund already on the booking is taken over instead of
// failing with DuplicateRefund.
func (c *Core) resolve(ctx context.Context, bookingID int64, actor models.Actor, resolution models.DisputeStatus, notes string, refundAmount *int64, adoptActive bool) (*models.Dispute, error) {
	unlock, err := c.bookingLocks.Lock(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := c.now()
	var (
		dispute   *models.Dispute
		booking   *models.Booking
		refund    *models.Refund
		newRefund bool
		rejectErr error
	)

	err = c.store.InTx(ctx, func(q domain.Queries) error {
		d, err := q.GetDisputeByBooking(ctx, bookingID)
		if err != nil {
			return storageError(err, "dispute", bookingID)
		}
		b, err := q.GetBooking(ctx, bookingID)
		if err != nil {
			return storageError(err, "booking", bookingID)
		}

		reject := func(verr error) error {
			rejectErr = verr
			if actor.Role == models.RoleSystem {
				return nil
			}
			return appendRejected(ctx, q, d, actor, notes)
		}

		if verr := disputeVerdictError(models.CheckDisputeTransition(d.Status, resolution, actor.Role), d.Status, resolution); verr != nil {
			return reject(verr)
		}

		bookingTarget := models.StatusCompleted
		if resolution == models.DisputeResolvedCustomer {
			bookingTarget = models.StatusCancelledByPro
		}
		if verr := bookingVerdictError(models.CheckDisputeBookingTransition(b.Status, bookingTarget, actor.Role), b.Status, bookingTarget); verr != nil {
			return reject(verr)
		}

		if resolution == models.DisputeResolvedCustomer {
			r, isNew, err := attachResolutionRefund(ctx, q, b, actor, notes, refundAmount, adoptActive, now)
			if err != nil {
				return err
			}
			refund, newRefund = r, isNew
		}

		d.Status = resolution
		d.ResolutionNotes = notes
		d.ResolvedAt = &now
		d.ResolvedBy = actor.Role
		if err := q.UpdateDispute(ctx, d); err != nil {
			return err
		}

		applyBookingStatus(b, bookingTarget, now)
		if err := q.UpdateBooking(ctx, b); err != nil {
			return storageError(err, "booking", bookingID)
		}

		if err := q.AppendDisputeLog(ctx, &models.DisputeLogEntry{
			DisputeID: d.ID,
			ActorRole: actor.Role,
			ActorID:   actor.ID,
			Action:    models.ActionResolve,
			Message:   notes,
		}); err != nil {
			return err
		}

		dispute, booking = d, b
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rejectErr != nil {
		return nil, rejectErr
	}

	trigger := "manual"
	if actor.Role == models.RoleSystem {
		trigger = "auto"
	}
	metrics.IncDisputeTransition(string(resolution), trigger)
	metrics.IncBookingTransition(string(booking.Status))

	c.logger.Info().
		Int64("booking_id", bookingID).
		Str("resolution", string(resolution)).
		Str("actor_role", string(actor.Role)).
		Msg("Dispute resolved")

	var refunded int64
	if refund != nil {
		refunded = refund.RequestedAmount
	}
	c.publishDispute(events.EventDisputeResolved, booking, dispute, actor, notes, refunded)
	if newRefund && !refund.Processed() {
		c.publishRefund(events.EventRefundRequested, booking, refund, actor)
	}
	return dispute, nil
}

// attachResolutionRefund finds or creates the refund record of a customer resolution.
func attachResolutionRefund(ctx context.Context, q domain.Queries, b *models.Booking, actor models.Actor, notes string, refundAmount *int64, adoptActive bool, now time.Time) (*models.Refund, bool, error) {
	active, err := q.GetActiveRefund(ctx, b.ID)
	switch {
	case err == nil && adoptActive:
		return active, false, nil
	case err == nil:
		return nil, false, apperrors.DuplicateRefund(b.ID)
	case !errors.Is(err, database.ErrRefundNotFound):
		return nil, false, err
	}

	var amount int64
	if refundAmount != nil {
		amount = *refundAmount
	}
	if amount > b.RefundableAmount() {
		return nil, false, apperrors.InvalidArgument("refund_amount", fmt.Sprintf("must not exceed the refundable amount %d", b.RefundableAmount()))
	}

	refund := &models.Refund{
		BookingID:       b.ID,
		RequestedAmount: amount,
		Reason:          notes,
		RequestedAt:     now,
		RequestedBy:     actor.Role,
	}
	if err := q.InsertRefund(ctx, refund); err != nil {
		return nil, false, storageError(err, "refund", b.ID)
	}
	if amount == 0 {
		// nothing to pay out; the record is settled as it is created
		refund.ProcessedAt = &now
		refund.ProcessedBy = actor.ID
		if err := q.MarkRefundProcessed(ctx, refund); err != nil {
			return nil, false, storageError(err, "refund", b.ID)
		}
	}
	return refund, true, nil
}

// appendRejected keeps the submitted message of a rejected dispute action.
func appendRejected(ctx context.Context, q domain.Queries, d *models.Dispute, actor models.Actor, message string) error {
	return q.AppendDisputeLog(ctx, &models.DisputeLogEntry{
		DisputeID: d.ID,
		ActorRole: actor.Role,
		ActorID:   actor.ID,
		Action:    models.ActionRejected,
		Message:   message,
	})
}

// applyBookingStatus sets status and the fields that travel with it.
func applyBookingStatus(b *models.Booking, target models.BookingStatus, now time.Time) {
	b.Status = target
	switch target {
	case models.StatusCompleted:
		if b.CompletedAt == nil {
			completedAt := now
			if b.End.Before(now) {
				completedAt = b.End
			}
			b.CompletedAt = &completedAt
		}
		b.HoldUntil = nil
	case models.StatusConfirmed, models.StatusExpired, models.StatusCancelledByCustomer, models.StatusCancelledByPro:
		b.HoldUntil = nil
	}
}

func bookingEventType(target models.BookingStatus) string {
	switch target {
	case models.StatusConfirmed:
		return events.EventBookingConfirmed
	case models.StatusCompleted:
		return events.EventBookingCompleted
	case models.StatusExpired:
		return events.EventBookingExpired
	default:
		return events.EventBookingCancelled
	}
}

func basePayload(b *models.Booking, actor models.Actor, now time.Time) events.LifecycleEventPayload {
	return events.LifecycleEventPayload{
		BookingID:     b.ID,
		ProID:         b.ProID,
		StudentID:     b.StudentID,
		ActorRole:     string(actor.Role),
		ActorID:       actor.ID,
		BookingStatus: string(b.Status),
		PaymentStatus: string(b.PaymentStatus),
		Start:         b.Start,
		End:           b.End,
		Amount:        b.Amount,
		OccurredAt:    now,
	}
}

func (c *Core) publish(eventType string, payload events.LifecycleEventPayload) {
	if c.eventBus == nil {
		return
	}
	if err := c.eventBus.PublishJSON(eventType, payload); err != nil {
		c.logger.Error().Err(err).Str("event_type", eventType).Int64("booking_id", payload.BookingID).Msg("publish event error")
	}
}

func (c *Core) publishBooking(eventType string, b *models.Booking, actor models.Actor, decorate func(p *events.LifecycleEventPayload)) {
	payload := basePayload(b, actor, c.now())
	if decorate != nil {
		decorate(&payload)
	}
	c.publish(eventType, payload)
}

func (c *Core) publishDispute(eventType string, b *models.Booking, d *models.Dispute, actor models.Actor, message string, refundAmount int64) {
	payload := basePayload(b, actor, c.now())
	payload.DisputeStatus = string(d.Status)
	payload.Message = message
	payload.RefundAmount = refundAmount
	c.publish(eventType, payload)
}

func (c *Core) publishRefund(eventType string, b *models.Booking, r *models.Refund, actor models.Actor) {
	payload := basePayload(b, actor, c.now())
	payload.RefundAmount = r.RequestedAmount
	if r.Processed() {
		payload.RefundAmount = r.ProcessedAmount
	}
	payload.Message = r.Reason
	c.publish(eventType, payload)
}
