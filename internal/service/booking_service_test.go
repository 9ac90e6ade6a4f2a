package service

import (
	"context"
	"errors"
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

func TestComputeSlots_ScenarioA(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()

	slots, err := env.bookings.ComputeSlots(ctx, testPro, monday, 60)
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, at(monday, 9, 0), slots[0].Start)
	assert.Equal(t, at(monday, 10, 0), slots[0].End)
	assert.Equal(t, at(monday, 10, 15), slots[1].Start)
	assert.Equal(t, at(monday, 11, 15), slots[1].End)
	assert.True(t, slots[0].Available)
	assert.True(t, slots[1].Available)
}

func TestComputeSlots_MarksConfirmedBookings(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()

	// an unpaid hold does not show on the advisory view
	pending, err := env.bookings.CreateBooking(ctx, lessonRequest(9, 5000))
	require.NoError(t, err)

	slots, err := env.bookings.ComputeSlots(ctx, testPro, monday, 60)
	require.NoError(t, err)
	assert.True(t, slots[0].Available)

	_, err = env.bookings.ConfirmPayment(ctx, pending.ID, 5000, system)
	require.NoError(t, err)

	slots, err = env.bookings.ComputeSlots(ctx, testPro, monday, 60)
	require.NoError(t, err)
	assert.False(t, slots[0].Available)
	assert.True(t, slots[1].Available)
}

func TestComputeSlots_LongBookingFromEarlier(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()

	req := lessonRequest(7, 9000)
	req.End = at(monday, 9, 30)
	b, err := env.bookings.CreateBooking(ctx, req)
	require.NoError(t, err)
	_, err = env.bookings.ConfirmPayment(ctx, b.ID, 9000, system)
	require.NoError(t, err)

	slots, err := env.bookings.ComputeSlots(ctx, testPro, monday, 60)
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.False(t, slots[0].Available, "the 07:00-09:30 lesson covers 09:00")
	assert.True(t, slots[1].Available)
}

func TestComputeSlots_Errors(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()

	_, err := env.bookings.ComputeSlots(ctx, 404, monday, 60)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	inactive := weekdaySettings(11)
	inactive.Active = false
	require.NoError(t, env.db.UpsertSettings(ctx, inactive))
	_, err = env.bookings.ComputeSlots(ctx, 11, monday, 60)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = env.bookings.ComputeSlots(ctx, testPro, monday, 0)
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)

	_, err = env.bookings.ComputeSlots(ctx, testPro, monday.AddDate(1, 0, 0), 60)
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
}

func TestCreateBooking(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()

	b, err := env.bookings.CreateBooking(ctx, lessonRequest(9, 5000))
	require.NoError(t, err)
	assert.NotZero(t, b.ID)
	assert.Equal(t, models.StatusPendingPayment, b.Status)
	assert.Equal(t, models.PaymentUnpaid, b.PaymentStatus)
	require.NotNil(t, b.HoldUntil)
	assert.Equal(t, baseNow.Add(models.DefaultPaymentHold), *b.HoldUntil)

	env.pub.AssertCalled(t, "PublishJSON", events.EventBookingCreated, mock.MatchedBy(func(p events.LifecycleEventPayload) bool {
		return p.BookingID == b.ID && p.StudentID == testStudent && p.BookingStatus == string(models.StatusPendingPayment)
	}))
}

func TestCreateBooking_Validation(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(r *CreateBookingRequest)
		want   error
	}{
		{"EndBeforeStart", func(r *CreateBookingRequest) { r.End = r.Start.Add(-time.Hour) }, apperrors.ErrInvalidArgument},
		{"EmptyRange", func(r *CreateBookingRequest) { r.End = r.Start }, apperrors.ErrInvalidArgument},
		{"ZeroAmount", func(r *CreateBookingRequest) { r.Amount = 0 }, apperrors.ErrInvalidArgument},
		{"NegativeAmount", func(r *CreateBookingRequest) { r.Amount = -1 }, apperrors.ErrInvalidArgument},
		{"MissingStudent", func(r *CreateBookingRequest) { r.StudentID = 0 }, apperrors.ErrInvalidArgument},
		{"UnknownPro", func(r *CreateBookingRequest) { r.ProID = 404 }, apperrors.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := lessonRequest(9, 5000)
			tt.mutate(&req)
			_, err := env.bookings.CreateBooking(ctx, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreateBooking_ScenarioB(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()

	const goroutines = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []*models.Booking
		conflicts int
		others    []error
	)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(student int64) {
			defer wg.Done()
			req := lessonRequest(9, 5000)
			req.StudentID = student
			b, err := env.bookings.CreateBooking(ctx, req)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, b)
			case errors.Is(err, apperrors.ErrSlotConflict):
				conflicts++
			default:
				others = append(others, err)
			}
		}(int64(100 + i))
	}
	wg.Wait()

	require.Empty(t, others)
	require.Len(t, winners, 1)
	assert.Equal(t, goroutines-1, conflicts)

	confirmed, err := env.bookings.ConfirmPayment(ctx, winners[0].ID, 5000, system)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, confirmed.Status)
}

func TestCreateBooking_HoldExpiry(t *testing.T) {
	env := newTestEnv(t, Policy{PaymentHold: 10 * time.Minute})
	ctx := context.Background()

	first, err := env.bookings.CreateBooking(ctx, lessonRequest(9, 5000))
	require.NoError(t, err)

	req := lessonRequest(9, 5000)
	req.StudentID = 21
	_, err = env.bookings.CreateBooking(ctx, req)
	assert.ErrorIs(t, err, apperrors.ErrSlotConflict)

	env.advance(11 * time.Minute)
	second, err := env.bookings.CreateBooking(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	got, err := env.bookings.GetBooking(ctx, first.ID, customer)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)
	assert.Nil(t, got.HoldUntil)
}

func TestTransition(t *testing.T) {
	ctx := context.Background()

	t.Run("CustomerCancelsOwnBooking", func(t *testing.T) {
		env := newTestEnv(t, Policy{})
		b := env.confirmedBooking(t, 9, 5000)

		got, err := env.bookings.Transition(ctx, b.ID, models.StatusCancelledByCustomer, customer)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelledByCustomer, got.Status)
		env.pub.AssertCalled(t, "PublishJSON", events.EventBookingCancelled, mock.Anything)
	})

	t.Run("LateCancellationIsFlagged", func(t *testing.T) {
		env := newTestEnv(t, Policy{})
		settings := weekdaySettings(testPro)
		settings.MinNoticeMinutes = 24 * 60
		require.NoError(t, env.db.UpsertSettings(ctx, settings))
		b := env.confirmedBooking(t, 9, 5000)

		_, err := env.bookings.Transition(ctx, b.ID, models.StatusCancelledByPro, pro)
		require.NoError(t, err)
		env.pub.AssertCalled(t, "PublishJSON", events.EventBookingCancelled, mock.MatchedBy(func(p events.LifecycleEventPayload) bool {
			return p.BookingID == b.ID && p.LateCancellation
		}))
	})

	t.Run("NonParticipant", func(t *testing.T) {
		env := newTestEnv(t, Policy{})
		b := env.confirmedBooking(t, 9, 5000)

		_, err := env.bookings.Transition(ctx, b.ID, models.StatusCancelledByCustomer, stranger)
		assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	})

	t.Run("WrongRoleForEdge", func(t *testing.T) {
		env := newTestEnv(t, Policy{})
		b := env.confirmedBooking(t, 9, 5000)

		_, err := env.bookings.Transition(ctx, b.ID, models.StatusCancelledByCustomer, pro)
		assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
		_, err = env.bookings.Transition(ctx, b.ID, models.StatusCompleted, customer)
		assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	})

	t.Run("UnreachableTargets", func(t *testing.T) {
		env := newTestEnv(t, Policy{})
		b := env.confirmedBooking(t, 9, 5000)

		_, err := env.bookings.Transition(ctx, b.ID, models.StatusInDispute, customer)
		assert.ErrorIs(t, err, apperrors.ErrIllegalTransition)
		_, err = env.bookings.Transition(ctx, b.ID, models.StatusPendingPayment, admin)
		assert.ErrorIs(t, err, apperrors.ErrIllegalTransition)

		_, err = env.bookings.Transition(ctx, b.ID, models.StatusCancelledByCustomer, customer)
		require.NoError(t, err)
		_, err = env.bookings.Transition(ctx, b.ID, models.StatusConfirmed, admin)
		assert.ErrorIs(t, err, apperrors.ErrIllegalTransition)
	})

	t.Run("CompletionOnlyAfterEnd", func(t *testing.T) {
		env := newTestEnv(t, Policy{})
		b := env.confirmedBooking(t, 9, 5000)

		_, err := env.bookings.Transition(ctx, b.ID, models.StatusCompleted, admin)
		assert.ErrorIs(t, err, apperrors.ErrIllegalTransition)
	})

	t.Run("UnknownTarget", func(t *testing.T) {
		env := newTestEnv(t, Policy{})
		b := env.confirmedBooking(t, 9, 5000)

		_, err := env.bookings.Transition(ctx, b.ID, models.BookingStatus("archived"), admin)
		assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
	})

	t.Run("UnknownBooking", func(t *testing.T) {
		env := newTestEnv(t, Policy{})
		_, err := env.bookings.Transition(ctx, 404, models.StatusCancelledByCustomer, admin)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}

func TestConfirmPayment(t *testing.T) {
	ctx := context.Background()

	t.Run("RecordsPaidAmount", func(t *testing.T) {
		env := newTestEnv(t, Policy{})
		b, err := env.bookings.CreateBooking(ctx, lessonRequest(9, 5000))
		require.NoError(t, err)

		got, err := env.bookings.ConfirmPayment(ctx, b.ID, 4800, system)
		require.NoError(t, err)
		assert.Equal(t, models.StatusConfirmed, got.Status)
		assert.Equal(t, models.PaymentPaid, got.PaymentStatus)
		assert.Equal(t, int64(4800), got.PaidAmount)
		assert.Nil(t, got.HoldUntil)
		env.pub.AssertCalled(t, "PublishJSON", events.EventBookingConfirmed, mock.Anything)

		_, err = env.bookings.ConfirmPayment(ctx, b.ID, 4800, system)
		assert.ErrorIs(t, err, apperrors.ErrIllegalTransition)
	})

	t.Run("OnlySystemOrAdmin", func(t *testing.T) {
		env := newTestEnv(t, Policy{})
		b, err := env.bookings.CreateBooking(ctx, lessonRequest(9, 5000))
		require.NoError(t, err)

		_, err = env.bookings.ConfirmPayment(ctx, b.ID, 5000, customer)
		assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
		_, err = env.bookings.ConfirmPayment(ctx, b.ID, 0, system)
		assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
	})

	t.Run("LatePaymentLosesToConfirmedBooking", func(t *testing.T) {
		env := newTestEnv(t, Policy{PaymentHold: 5 * time.Minute})
		late, err := env.bookings.CreateBooking(ctx, lessonRequest(9, 5000))
		require.NoError(t, err)

		env.advance(6 * time.Minute)
		req := lessonRequest(9, 5000)
		req.StudentID = 21
		winner, err := env.bookings.CreateBooking(ctx, req)
		require.NoError(t, err)
		_, err = env.bookings.ConfirmPayment(ctx, winner.ID, 5000, system)
		require.NoError(t, err)

		_, err = env.bookings.ConfirmPayment(ctx, late.ID, 5000, system)
		assert.ErrorIs(t, err, apperrors.ErrSlotConflict)
	})
}

func TestGetBooking_LazyCompletion(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()
	b := env.confirmedBooking(t, 9, 5000)

	got, err := env.bookings.GetBooking(ctx, b.ID, customer)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, got.Status)

	env.clock = at(monday, 10, 30)
	got, err = env.bookings.GetBooking(ctx, b.ID, pro)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(at(monday, 10, 0)))
	env.pub.AssertCalled(t, "PublishJSON", events.EventBookingCompleted, mock.Anything)

	_, err = env.bookings.GetBooking(ctx, b.ID, stranger)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestListProBookings(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()
	env.confirmedBooking(t, 9, 5000)
	env.confirmedBooking(t, 11, 5000)

	list, err := env.bookings.ListProBookings(ctx, testPro, monday, monday.AddDate(0, 0, 1), pro)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].Start.Before(list[1].Start))

	_, err = env.bookings.ListProBookings(ctx, testPro, monday, monday.AddDate(0, 0, 1), customer)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	_, err = env.bookings.ListProBookings(ctx, testPro, monday, monday, admin)
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
}

func TestSweepCompleted(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()

	done := env.confirmedBooking(t, 9, 5000)
	unpaid, err := env.bookings.CreateBooking(ctx, lessonRequest(11, 5000))
	require.NoError(t, err)

	env.clock = at(monday, 10, 5)
	moved, err := env.bookings.SweepCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	got, err := env.db.GetBooking(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)

	got, err = env.db.GetBooking(ctx, unpaid.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, got.Status)

	moved, err = env.bookings.SweepCompleted(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)
}
