package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"probooking/internal/apperrors"
	"probooking/internal/events"
	"probooking/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func logActions(entries []models.DisputeLogEntry) []models.DisputeAction {
	out := make([]models.DisputeAction, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func TestOpenDispute(t *testing.T) {
	ctx := context.Background()

	t.Run("OnConfirmedBooking", func(t *testing.T) {
		env := newTestEnv(t, Policy{})
		b := env.confirmedBooking(t, 9, 5000)

		d, err := env.disputes.Open(ctx, b.ID, customer, "  lesson was cut short  ")
		require.NoError(t, err)
		assert.Equal(t, models.DisputeOpened, d.Status)
		assert.Equal(t, models.RoleCustomer, d.OpenedBy)
		assert.Equal(t, models.StatusConfirmed, d.PriorBookingStatus)
		assert.Equal(t, baseNow.Add(models.DefaultResponseWindow), d.RespondBy)

		got, err := env.bookings.GetBooking(ctx, b.ID, customer)
		require.NoError(t, err)
		assert.Equal(t, models.StatusInDispute, got.Status)
		require.NotNil(t, got.Dispute)

		logs, err := env.disputes.GetDisputeLogs(ctx, b.ID, pro)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, models.ActionOpen, logs[0].Action)
		assert.Equal(t, "lesson was cut short", logs[0].Message)
		assert.Equal(t, int64(1), logs[0].Sequence)

		env.pub.AssertCalled(t, "PublishJSON", events.EventDisputeOpened, mock.MatchedBy(func(p events.LifecycleEventPayload) bool {
			return p.BookingID == b.ID && p.DisputeStatus == string(models.DisputeOpened)
		}))
	})

	t.Run("OnCompletedBookingWithinGrace", func(t *testing.T) {
		env := newTestEnv(t, Policy{})
		b := env.confirmedBooking(t, 9, 5000)
		env.clock = at(monday, 10, 0).Add(48 * time.Hour)

		d, err := env.disputes.Open(ctx, b.ID, pro, "student damaged the equipment")
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, d.PriorBookingStatus)
		assert.Equal(t, models.RoleCustomer, d.Counterparty())
	})

	t.Run("CompletedPastGrace", func(t *testing.T) {
		env := newTestEnv(t, Policy{CompletionGrace: 24 * time.Hour})
		b := env.confirmedBooking(t, 9, 5000)
		env.clock = at(monday, 10, 0).Add(25 * time.Hour)

		_, err := env.disputes.Open(ctx, b.ID, customer, "too late")
		assert.ErrorIs(t, err, apperrors.ErrIllegalTransition)
	})

	t.Run("Rejections", func(t *testing.T) {
		env := newTestEnv(t, Policy{})
		pending, err := env.bookings.CreateBooking(ctx, lessonRequest(11, 5000))
		require.NoError(t, err)
		b := env.confirmedBooking(t, 9, 5000)

		_, err = env.disputes.Open(ctx, b.ID, customer, "   ")
		assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)

		_, err = env.disputes.Open(ctx, pending.ID, customer, "not paid yet")
		assert.ErrorIs(t, err, apperrors.ErrIllegalTransition)

		_, err = env.disputes.Open(ctx, b.ID, stranger, "not mine")
		assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

		_, err = env.disputes.Open(ctx, b.ID, system, "automated")
		assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

		_, err = env.disputes.Open(ctx, b.ID, customer, "first")
		require.NoError(t, err)
		_, err = env.disputes.Open(ctx, b.ID, pro, "second")
		assert.ErrorIs(t, err, apperrors.ErrIllegalTransition)
	})
}

func TestRespondAndComment(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()
	b := env.confirmedBooking(t, 9, 5000)

	_, err := env.disputes.Open(ctx, b.ID, customer, "pro was late")
	require.NoError(t, err)

	// the opener cannot answer their own dispute; the message is still kept
	_, err = env.disputes.Respond(ctx, b.ID, customer, "any news?")
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	// non-participants leave no trace
	_, err = env.disputes.Respond(ctx, b.ID, stranger, "hello")
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	d, err := env.disputes.Respond(ctx, b.ID, pro, "traffic, offered a makeup lesson")
	require.NoError(t, err)
	assert.Equal(t, models.DisputeProResponded, d.Status)
	env.pub.AssertCalled(t, "PublishJSON", events.EventDisputeResponded, mock.Anything)

	d, err = env.disputes.Respond(ctx, b.ID, customer, "makeup lesson is not acceptable")
	require.NoError(t, err)
	assert.Equal(t, models.DisputeProResponded, d.Status)

	logs, err := env.disputes.GetDisputeLogs(ctx, b.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, []models.DisputeAction{
		models.ActionOpen,
		models.ActionRejected,
		models.ActionRespond,
		models.ActionComment,
	}, logActions(logs))
	assert.Equal(t, "any news?", logs[1].Message)
	for i, entry := range logs {
		assert.Equal(t, int64(i+1), entry.Sequence)
	}
}

func TestEscalate(t *testing.T) {
	env := newTestEnv(t, Policy{MediationWindow: 72 * time.Hour})
	ctx := context.Background()
	b := env.confirmedBooking(t, 9, 5000)

	_, err := env.disputes.Open(ctx, b.ID, customer, "refund please")
	require.NoError(t, err)

	env.advance(time.Hour)
	d, err := env.disputes.Escalate(ctx, b.ID, customer, "need an admin")
	require.NoError(t, err)
	assert.Equal(t, models.DisputeEscalated, d.Status)
	require.NotNil(t, d.MediateBy)
	assert.Equal(t, env.clock.Add(72*time.Hour), *d.MediateBy)

	_, err = env.disputes.Escalate(ctx, b.ID, pro, "again")
	assert.ErrorIs(t, err, apperrors.ErrIllegalTransition)

	// comments are still accepted while an admin decides
	d, err = env.disputes.Respond(ctx, b.ID, pro, "photos attached")
	require.NoError(t, err)
	assert.Equal(t, models.DisputeEscalated, d.Status)

	logs, err := env.disputes.GetDisputeLogs(ctx, b.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, []models.DisputeAction{
		models.ActionOpen,
		models.ActionEscalate,
		models.ActionRejected,
		models.ActionComment,
	}, logActions(logs))
}

func TestDispute_ScenarioC(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()
	b := env.confirmedBooking(t, 9, 5000)

	opened, err := env.disputes.Open(ctx, b.ID, customer, "no show")
	require.NoError(t, err)

	env.advance(47 * time.Hour)
	d, err := env.disputes.GetDispute(ctx, b.ID, customer)
	require.NoError(t, err)
	assert.Equal(t, models.DisputeOpened, d.Status)

	// no sweep runs; the read itself applies the deadline
	env.advance(2 * time.Hour)
	d, err = env.disputes.GetDispute(ctx, b.ID, customer)
	require.NoError(t, err)
	assert.Equal(t, models.DisputeEscalated, d.Status)
	require.NotNil(t, d.EscalatedAt)
	assert.True(t, d.EscalatedAt.Equal(opened.RespondBy))

	logs, err := env.disputes.GetDisputeLogs(ctx, b.ID, customer)
	require.NoError(t, err)
	assert.Equal(t, []models.DisputeAction{models.ActionOpen, models.ActionAutoEscalate}, logActions(logs))

	// the late answer is recorded as a comment, not a response
	d, err = env.disputes.Respond(ctx, b.ID, pro, "sorry, was travelling")
	require.NoError(t, err)
	assert.Equal(t, models.DisputeEscalated, d.Status)

	env.pub.AssertCalled(t, "PublishJSON", events.EventDisputeEscalated, mock.MatchedBy(func(p events.LifecycleEventPayload) bool {
		return p.ActorRole == string(models.RoleSystem)
	}))
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	amount := func(v int64) *int64 { return &v }

	t.Run("ScenarioD", func(t *testing.T) {
		env := newTestEnv(t, Policy{})
		b := env.escalatedDispute(t, 100000)

		d, err := env.disputes.Resolve(ctx, b.ID, admin, models.DisputeResolvedCustomer, "pro did not deliver", amount(50000))
		require.NoError(t, err)
		assert.Equal(t, models.DisputeResolvedCustomer, d.Status)
		assert.Equal(t, models.RoleAdmin, d.ResolvedBy)

		got, err := env.bookings.GetBooking(ctx, b.ID, admin)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelledByPro, got.Status)
		require.NotNil(t, got.Refund)
		assert.Equal(t, int64(50000), got.Refund.RequestedAmount)
		assert.False(t, got.Refund.Processed())

		r, err := env.refunds.ProcessRefund(ctx, b.ID, admin, 50000)
		require.NoError(t, err)
		assert.True(t, r.Processed())

		got, err = env.bookings.GetBooking(ctx, b.ID, admin)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentPartiallyRefunded, got.PaymentStatus)
		assert.Equal(t, int64(50000), got.RefundedAmount)

		env.pub.AssertCalled(t, "PublishJSON", events.EventDisputeResolved, mock.MatchedBy(func(p events.LifecycleEventPayload) bool {
			return p.RefundAmount == 50000
		}))
		env.pub.AssertCalled(t, "PublishJSON", events.EventRefundProcessed, mock.Anything)
	})

	t.Run("ForPro", func(t *testing.T) {
		env := newTestEnv(t, Policy{})
		b := env.escalatedDispute(t, 5000)

		_, err := env.disputes.Resolve(ctx, b.ID, admin, models.DisputeResolvedPro, "lesson happened", nil)
		require.NoError(t, err)

		got, err := env.bookings.GetBooking(ctx, b.ID, pro)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status)
		assert.Nil(t, got.Refund)
	})

	t.Run("ZeroRefundIsRecordedProcessed", func(t *testing.T) {
		env := newTestEnv(t, Policy{})
		b := env.escalatedDispute(t, 5000)

		_, err := env.disputes.Resolve(ctx, b.ID, admin, models.DisputeResolvedCustomer, "goodwill only", amount(0))
		require.NoError(t, err)

		got, err := env.bookings.GetBooking(ctx, b.ID, admin)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelledByPro, got.Status)
		require.NotNil(t, got.Refund)
		assert.Zero(t, got.Refund.RequestedAmount)
		assert.True(t, got.Refund.Processed())
		assert.Equal(t, models.PaymentPaid, got.PaymentStatus)
		assert.Zero(t, got.RefundedAmount)

		r, err := env.refunds.ProcessRefund(ctx, b.ID, admin, 0)
		require.NoError(t, err)
		assert.Equal(t, got.Refund.ID, r.ID, "nothing left to process")
		env.pub.AssertNotCalled(t, "PublishJSON", events.EventRefundRequested, mock.Anything)
	})

	t.Run("AdminOnly", func(t *testing.T) {
		env := newTestEnv(t, Policy{})
		b := env.escalatedDispute(t, 5000)

		_, err := env.disputes.Resolve(ctx, b.ID, pro, models.DisputeResolvedPro, "I win", nil)
		assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

		logs, err := env.disputes.GetDisputeLogs(ctx, b.ID, admin)
		require.NoError(t, err)
		last := logs[len(logs)-1]
		assert.Equal(t, models.ActionRejected, last.Action)
		assert.Equal(t, "I win", last.Message)

		d, err := env.disputes.GetDispute(ctx, b.ID, admin)
		require.NoError(t, err)
		assert.Equal(t, models.DisputeEscalated, d.Status)
	})

	t.Run("NotEscalatedYet", func(t *testing.T) {
		env := newTestEnv(t, Policy{})
		b := env.confirmedBooking(t, 9, 5000)
		_, err := env.disputes.Open(ctx, b.ID, customer, "problem")
		require.NoError(t, err)

		_, err = env.disputes.Resolve(ctx, b.ID, admin, models.DisputeResolvedPro, "premature", nil)
		assert.ErrorIs(t, err, apperrors.ErrIllegalTransition)
	})

	t.Run("Validation", func(t *testing.T) {
		env := newTestEnv(t, Policy{})
		b := env.escalatedDispute(t, 5000)

		_, err := env.disputes.Resolve(ctx, b.ID, admin, models.DisputeEscalated, "notes", nil)
		assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
		_, err = env.disputes.Resolve(ctx, b.ID, admin, models.DisputeResolvedPro, " ", nil)
		assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
		_, err = env.disputes.Resolve(ctx, b.ID, admin, models.DisputeResolvedCustomer, "notes", nil)
		assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
		_, err = env.disputes.Resolve(ctx, b.ID, admin, models.DisputeResolvedCustomer, "notes", amount(-1))
		assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
		_, err = env.disputes.Resolve(ctx, b.ID, admin, models.DisputeResolvedCustomer, "notes", amount(5001))
		assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
		_, err = env.disputes.Resolve(ctx, b.ID, admin, models.DisputeResolvedPro, "notes", amount(10))
		assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
	})

	t.Run("DuplicateRefundRollsBack", func(t *testing.T) {
		env := newTestEnv(t, Policy{})
		b := env.escalatedDispute(t, 5000)

		_, err := env.refunds.RequestRefund(ctx, b.ID, customer, 1000, "partial")
		require.NoError(t, err)

		_, err = env.disputes.Resolve(ctx, b.ID, admin, models.DisputeResolvedCustomer, "full refund", amount(4000))
		assert.ErrorIs(t, err, apperrors.ErrDuplicateRefund)

		d, err := env.disputes.GetDispute(ctx, b.ID, admin)
		require.NoError(t, err)
		assert.Equal(t, models.DisputeEscalated, d.Status)
	})
}

func TestAutoResolveOnMediationTimeout(t *testing.T) {
	env := newTestEnv(t, Policy{AutoResolveCustomer: true})
	ctx := context.Background()
	b := env.escalatedDispute(t, 5000)

	env.advance(models.DefaultMediationWindow + time.Minute)
	d, err := env.disputes.GetDispute(ctx, b.ID, customer)
	require.NoError(t, err)
	assert.Equal(t, models.DisputeResolvedCustomer, d.Status)
	assert.Equal(t, models.RoleSystem, d.ResolvedBy)

	got, err := env.bookings.GetBooking(ctx, b.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelledByPro, got.Status)
	require.NotNil(t, got.Refund)
	assert.Equal(t, int64(5000), got.Refund.RequestedAmount)
}

func TestAutoResolveAdoptsPendingRefund(t *testing.T) {
	env := newTestEnv(t, Policy{AutoResolveCustomer: true})
	ctx := context.Background()
	b := env.escalatedDispute(t, 5000)

	pending, err := env.refunds.RequestRefund(ctx, b.ID, customer, 1000, "partial")
	require.NoError(t, err)

	env.advance(models.DefaultMediationWindow + time.Minute)
	got, err := env.bookings.GetBooking(ctx, b.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelledByPro, got.Status)
	require.NotNil(t, got.Dispute)
	assert.Equal(t, models.DisputeResolvedCustomer, got.Dispute.Status)
	require.NotNil(t, got.Refund)
	assert.Equal(t, pending.ID, got.Refund.ID)
	assert.Equal(t, int64(1000), got.Refund.RequestedAmount)

	_, err = env.disputes.GetDispute(ctx, b.ID, customer)
	require.NoError(t, err)

	r, err := env.refunds.ProcessRefund(ctx, b.ID, admin, 1000)
	require.NoError(t, err)
	assert.Equal(t, pending.ID, r.ID)

	got, err = env.db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPartiallyRefunded, got.PaymentStatus)
	assert.Equal(t, int64(1000), got.RefundedAmount)
}

func TestSweepOverdue(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()
	b := env.confirmedBooking(t, 9, 5000)
	_, err := env.disputes.Open(ctx, b.ID, customer, "no show")
	require.NoError(t, err)

	changed, err := env.disputes.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, changed)

	env.advance(49 * time.Hour)
	changed, err = env.disputes.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	d, err := env.db.GetDisputeByBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DisputeEscalated, d.Status)

	// mediation timeout without the auto rule changes nothing
	env.advance(models.DefaultMediationWindow)
	changed, err = env.disputes.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, changed)
}

func TestDisputeLogs_ConcurrentComments(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()
	b := env.confirmedBooking(t, 9, 5000)

	_, err := env.disputes.Open(ctx, b.ID, customer, "opened")
	require.NoError(t, err)
	_, err = env.disputes.Respond(ctx, b.ID, pro, "responded")
	require.NoError(t, err)

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			actor := customer
			if n%2 == 0 {
				actor = pro
			}
			if _, err := env.disputes.Respond(ctx, b.ID, actor, fmt.Sprintf("comment %d", n)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("comment failed: %v", err)
	}

	logs, err := env.disputes.GetDisputeLogs(ctx, b.ID, admin)
	require.NoError(t, err)
	require.Len(t, logs, writers+2)
	seen := make(map[string]bool)
	for i, entry := range logs {
		assert.Equal(t, int64(i+1), entry.Sequence)
		seen[entry.Message] = true
	}
	for i := 0; i < writers; i++ {
		assert.True(t, seen[fmt.Sprintf("comment %d", i)])
	}
}
