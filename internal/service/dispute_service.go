package service

import (
	"context"
	"fmt"
	"strings"

	"probooking/internal/apperrors"
	"probooking/internal/domain"
	"probooking/internal/events"
	"probooking/internal/metrics"
	"probooking/internal/models"

	"github.com/rs/zerolog"
)

type DisputeService struct {
	*Core
	logger *zerolog.Logger
}

func NewDisputeService(core *Core) *DisputeService {
	l := core.logger.With().Str("component", "dispute_service").Logger()
	return &DisputeService{Core: core, logger: &l}
}

func requireMessage(field, message string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", apperrors.InvalidArgument(field, "required")
	}
	return message, nil
}

func canOpenDispute(role models.ActorRole) bool {
	for _, r := range models.DisputeOpenRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Open files a dispute against a confirmed booking, or a completed one still inside the grace period.
// The dispute, the booking status change and the first log entry commit together.
func (s *DisputeService) Open(ctx context.Context, bookingID int64, actor models.Actor, message string) (*models.Dispute, error) {
	message, err := requireMessage("message", message)
	if err != nil {
		return nil, err
	}

	b, err := s.loadBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := requireParticipant(b, actor); err != nil {
		return nil, err
	}
	if !canOpenDispute(actor.Role) {
		return nil, apperrors.Unauthorized("role may not open a dispute")
	}
	if b.Dispute != nil {
		return nil, apperrors.IllegalTransition(string(b.Status), string(models.StatusInDispute))
	}

	now := s.now()
	var dispute *models.Dispute
	err = s.store.InTx(ctx, func(q domain.Queries) error {
		fresh, err := q.GetBooking(ctx, bookingID)
		if err != nil {
			return storageError(err, "booking", bookingID)
		}
		if !fresh.Status.Disputable() {
			return apperrors.IllegalTransition(string(fresh.Status), string(models.StatusInDispute))
		}
		if fresh.Status == models.StatusCompleted {
			completedAt := fresh.End
			if fresh.CompletedAt != nil {
				completedAt = *fresh.CompletedAt
			}
			if now.After(completedAt.Add(s.policy.CompletionGrace)) {
				return &apperrors.AppError{
					Code:    apperrors.CodeIllegalTransition,
					Message: "the dispute window for this booking has closed",
					Details: map[string]any{"from": string(fresh.Status), "to": string(models.StatusInDispute)},
				}
			}
		}

		d := &models.Dispute{
			BookingID:          bookingID,
			Status:             models.DisputeOpened,
			OpenedBy:           actor.Role,
			OpenedByID:         actor.ID,
			OpenedAt:           now,
			RespondBy:          now.Add(s.policy.ResponseWindow),
			PriorBookingStatus: fresh.Status,
		}
		if err := q.InsertDispute(ctx, d); err != nil {
			return storageError(err, "booking", bookingID)
		}

		fresh.Status = models.StatusInDispute
		if err := q.UpdateBooking(ctx, fresh); err != nil {
			return storageError(err, "booking", bookingID)
		}

		if err := q.AppendDisputeLog(ctx, &models.DisputeLogEntry{
			DisputeID: d.ID,
			ActorRole: actor.Role,
			ActorID:   actor.ID,
			Action:    models.ActionOpen,
			Message:   message,
		}); err != nil {
			return err
		}

		dispute, b = d, fresh
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.IncDisputeTransition(string(models.DisputeOpened), "manual")
	metrics.IncBookingTransition(string(models.StatusInDispute))
	s.logger.Info().
		Int64("booking_id", bookingID).
		Int64("dispute_id", dispute.ID).
		Str("opened_by", string(actor.Role)).
		Msg("Dispute opened")

	s.publishDispute(events.EventDisputeOpened, b, dispute, actor, message, 0)
	return dispute, nil
}

// Respond records the counterparty's answer. Once answered or escalated, further
// messages from participants are kept as comments.
func (s *DisputeService) Respond(ctx context.Context, bookingID int64, actor models.Actor, message string) (*models.Dispute, error) {
	return s.act(ctx, bookingID, actor, message, models.DisputeProResponded)
}

// Escalate hands the dispute to an admin and starts the mediation window.
func (s *DisputeService) Escalate(ctx context.Context, bookingID int64, actor models.Actor, message string) (*models.Dispute, error) {
	return s.act(ctx, bookingID, actor, message, models.DisputeEscalated)
}

// act runs a participant action. A rejected action still commits the submitted
// message as a rejected log entry before its error is returned.
func (s *DisputeService) act(ctx context.Context, bookingID int64, actor models.Actor, message string, target models.DisputeStatus) (*models.Dispute, error) {
	message, err := requireMessage("message", message)
	if err != nil {
		return nil, err
	}

	b, err := s.loadBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := requireParticipant(b, actor); err != nil {
		return nil, err
	}
	if b.Dispute == nil {
		return nil, apperrors.NotFound("dispute", bookingID)
	}

	now := s.now()
	var (
		dispute   *models.Dispute
		action    models.DisputeAction
		rejectErr error
	)

	err = s.store.InTx(ctx, func(q domain.Queries) error {
		d, err := q.GetDisputeByBooking(ctx, bookingID)
		if err != nil {
			return storageError(err, "dispute", bookingID)
		}
		dispute = d

		action, rejectErr = s.decide(d, actor, target)
		if rejectErr != nil {
			return appendRejected(ctx, q, d, actor, message)
		}

		switch action {
		case models.ActionRespond:
			d.Status = models.DisputeProResponded
		case models.ActionEscalate:
			mediateBy := now.Add(s.policy.MediationWindow)
			d.Status = models.DisputeEscalated
			d.EscalatedAt = &now
			d.MediateBy = &mediateBy
		}
		if action != models.ActionComment {
			if err := q.UpdateDispute(ctx, d); err != nil {
				return err
			}
		}

		return q.AppendDisputeLog(ctx, &models.DisputeLogEntry{
			DisputeID: d.ID,
			ActorRole: actor.Role,
			ActorID:   actor.ID,
			Action:    action,
			Message:   message,
		})
	})
	if err != nil {
		return nil, err
	}
	if rejectErr != nil {
		s.logger.Info().
			Int64("booking_id", bookingID).
			Str("dispute_status", string(dispute.Status)).
			Str("requested", string(target)).
			Str("actor_role", string(actor.Role)).
			Msg("Dispute action rejected")
		return nil, rejectErr
	}

	switch action {
	case models.ActionRespond:
		metrics.IncDisputeTransition(string(models.DisputeProResponded), "manual")
		s.publishDispute(events.EventDisputeResponded, b, dispute, actor, message, 0)
	case models.ActionEscalate:
		metrics.IncDisputeTransition(string(models.DisputeEscalated), "manual")
		s.publishDispute(events.EventDisputeEscalated, b, dispute, actor, message, 0)
	case models.ActionComment:
		s.publishDispute(events.EventDisputeResponded, b, dispute, actor, message, 0)
	}

	s.logger.Info().
		Int64("booking_id", bookingID).
		Str("action", string(action)).
		Str("dispute_status", string(dispute.Status)).
		Msg("Dispute updated")
	return dispute, nil
}

// decide picks the log action for a request or returns the error that rejects it.
func (s *DisputeService) decide(d *models.Dispute, actor models.Actor, target models.DisputeStatus) (models.DisputeAction, error) {
	if target == models.DisputeProResponded && d.Status != models.DisputeOpened {
		if d.Status.Resolved() {
			return "", apperrors.IllegalTransition(string(d.Status), string(target))
		}
		if actor.Role == models.RoleCustomer || actor.Role == models.RolePro || actor.IsAdmin() {
			return models.ActionComment, nil
		}
		return "", apperrors.Unauthorized("role may not comment on a dispute")
	}

	if err := disputeVerdictError(models.CheckDisputeTransition(d.Status, target, actor.Role), d.Status, target); err != nil {
		return "", err
	}

	if target == models.DisputeProResponded {
		if actor.Role != d.Counterparty() {
			return "", apperrors.Unauthorized("only the other party may respond to a dispute")
		}
		return models.ActionRespond, nil
	}
	return models.ActionEscalate, nil
}

// Resolve records the admin's decision. resolved_customer attaches a refund of refundAmount
// unless it is zero.
func (s *DisputeService) Resolve(ctx context.Context, bookingID int64, actor models.Actor, resolution models.DisputeStatus, notes string, refundAmount *int64) (*models.Dispute, error) {
	if !resolution.Resolved() {
		return nil, apperrors.InvalidArgument("resolution", "must be resolved_pro or resolved_customer")
	}
	notes, err := requireMessage("notes", notes)
	if err != nil {
		return nil, err
	}
	switch resolution {
	case models.DisputeResolvedCustomer:
		if refundAmount == nil {
			return nil, apperrors.InvalidArgument("refund_amount", "required for resolved_customer")
		}
		if *refundAmount < 0 {
			return nil, apperrors.InvalidArgument("refund_amount", "must not be negative")
		}
	case models.DisputeResolvedPro:
		if refundAmount != nil && *refundAmount != 0 {
			return nil, apperrors.InvalidArgument("refund_amount", "not allowed for resolved_pro")
		}
	}

	b, err := s.loadBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := requireParticipant(b, actor); err != nil {
		return nil, err
	}
	if b.Dispute == nil {
		return nil, apperrors.NotFound("dispute", bookingID)
	}
	if refundAmount != nil && *refundAmount > b.Amount {
		return nil, apperrors.InvalidArgument("refund_amount", fmt.Sprintf("must not exceed %d", b.Amount))
	}

	return s.resolve(ctx, bookingID, actor, resolution, notes, refundAmount, false)
}

// GetDispute returns the booking's dispute after applying overdue deadlines.
func (s *DisputeService) GetDispute(ctx context.Context, bookingID int64, actor models.Actor) (*models.Dispute, error) {
	b, err := s.loadBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := requireParticipant(b, actor); err != nil {
		return nil, err
	}
	if b.Dispute == nil {
		return nil, apperrors.NotFound("dispute", bookingID)
	}
	return b.Dispute, nil
}

// GetDisputeLogs returns the dispute's log ordered by sequence.
func (s *DisputeService) GetDisputeLogs(ctx context.Context, bookingID int64, actor models.Actor) ([]models.DisputeLogEntry, error) {
	d, err := s.GetDispute(ctx, bookingID, actor)
	if err != nil {
		return nil, err
	}
	logs, err := s.store.ListDisputeLogs(ctx, d.ID)
	if err != nil {
		return nil, fmt.Errorf("list dispute logs: %w", err)
	}
	return logs, nil
}

// SweepOverdue escalates unanswered disputes and, when enabled, auto-resolves
// escalated disputes past their mediation window. It returns how many changed.
func (s *DisputeService) SweepOverdue(ctx context.Context) (int, error) {
	changed := 0
	for _, status := range []models.DisputeStatus{models.DisputeOpened, models.DisputeEscalated} {
		disputes, err := s.store.ListDisputesByStatus(ctx, status)
		if err != nil {
			return changed, err
		}
		for _, d := range disputes {
			if err := ctx.Err(); err != nil {
				return changed, err
			}
			settled, err := s.settleDispute(ctx, d)
			if err != nil {
				s.logger.Error().Err(err).Int64("dispute_id", d.ID).Msg("Failed to settle dispute")
				continue
			}
			if settled {
				changed++
			}
		}
	}
	return changed, nil
}
