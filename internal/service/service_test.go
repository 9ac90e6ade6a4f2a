package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"probooking/internal/database"
	"probooking/internal/models"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	// Sunday; the following Monday is 2026-11-02.
	baseNow = time.Date(2026, 11, 1, 12, 0, 0, 0, time.UTC)
	monday  = time.Date(2026, 11, 2, 0, 0, 0, 0, time.UTC)
)

const (
	testPro     int64 = 10
	testStudent int64 = 20
	otherPerson int64 = 99
)

var (
	admin    = models.Actor{ID: 1, Role: models.RoleAdmin}
	system   = models.SystemActor()
	customer = models.Actor{ID: testStudent, Role: models.RoleCustomer}
	pro      = models.Actor{ID: testPro, Role: models.RolePro}
	stranger = models.Actor{ID: otherPerson, Role: models.RoleCustomer}
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishJSON(eventType string, payload interface{}) error {
	return m.Called(eventType, payload).Error(0)
}

type testEnv struct {
	db       *database.DB
	pub      *mockPublisher
	core     *Core
	bookings *BookingService
	settings *SettingsService
	disputes *DisputeService
	refunds  *RefundService
	clock    time.Time
}

func newTestEnv(t *testing.T, policy Policy) *testEnv {
	t.Helper()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"), 5*time.Second, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pub := new(mockPublisher)
	pub.On("PublishJSON", mock.Anything, mock.Anything).Return(nil)

	env := &testEnv{db: db, pub: pub, clock: baseNow}
	env.core = NewCore(db, pub, policy, nil)
	env.core.now = func() time.Time { return env.clock }
	env.bookings = NewBookingService(env.core)
	env.settings = NewSettingsService(env.core)
	env.disputes = NewDisputeService(env.core)
	env.refunds = NewRefundService(env.core)

	require.NoError(t, db.UpsertSettings(context.Background(), weekdaySettings(testPro)))
	return env
}

func (e *testEnv) advance(d time.Duration) {
	e.clock = e.clock.Add(d)
}

// weekdaySettings is Mon-Fri 09:00-12:00 with 60 minute lessons and a 15 minute buffer.
func weekdaySettings(proID int64) *models.BookingSettings {
	morning := []models.Interval{{Start: "09:00", End: "12:00"}}
	return &models.BookingSettings{
		ProID: proID,
		Weekly: models.WeeklyRules{
			"monday":    morning,
			"tuesday":   morning,
			"wednesday": morning,
			"thursday":  morning,
			"friday":    morning,
		},
		LessonMinutes: 60,
		BufferMinutes: 15,
		Timezone:      "UTC",
		Active:        true,
	}
}

func at(day time.Time, hour, minute int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func lessonRequest(hour int, amount int64) CreateBookingRequest {
	return CreateBookingRequest{
		ProID:     testPro,
		StudentID: testStudent,
		Start:     at(monday, hour, 0),
		End:       at(monday, hour+1, 0),
		Amount:    amount,
	}
}

// confirmedBooking creates and pays for a Monday lesson starting at hour.
func (e *testEnv) confirmedBooking(t *testing.T, hour int, amount int64) *models.Booking {
	t.Helper()
	ctx := context.Background()

	b, err := e.bookings.CreateBooking(ctx, lessonRequest(hour, amount))
	require.NoError(t, err)
	b, err = e.bookings.ConfirmPayment(ctx, b.ID, amount, system)
	require.NoError(t, err)
	return b
}

// escalatedDispute opens a customer dispute on a confirmed booking and escalates it.
func (e *testEnv) escalatedDispute(t *testing.T, amount int64) *models.Booking {
	t.Helper()
	ctx := context.Background()

	b := e.confirmedBooking(t, 9, amount)
	_, err := e.disputes.Open(ctx, b.ID, customer, "the pro never showed up")
	require.NoError(t, err)
	_, err = e.disputes.Escalate(ctx, b.ID, customer, "no answer, need an admin")
	require.NoError(t, err)
	return b
}
