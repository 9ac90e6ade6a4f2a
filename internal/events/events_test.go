package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"probooking/internal/config"
	"probooking/internal/models"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus(nil)

	var received *Event
	var callCount int

	bus.Subscribe(EventBookingCreated, func(event *Event) error {
		received = event
		callCount++
		return nil
	})

	err := bus.PublishJSON(EventBookingCreated, LifecycleEventPayload{BookingID: 7, BookingStatus: "pending_payment"})
	require.NoError(t, err)

	assert.Equal(t, 1, callCount)
	require.NotNil(t, received)
	assert.Equal(t, EventBookingCreated, received.Type)
	assert.NotEmpty(t, received.ID)
	assert.False(t, received.CreatedAt.IsZero())

	var decoded LifecycleEventPayload
	require.NoError(t, json.Unmarshal(received.Payload, &decoded))
	assert.Equal(t, int64(7), decoded.BookingID)
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	bus := NewEventBus(nil)
	var count1, count2 int

	bus.Subscribe("event", func(_ *Event) error { count1++; return nil })
	bus.Subscribe("event", func(_ *Event) error { return errors.New("handler failure") })
	bus.Subscribe("event", func(_ *Event) error { count2++; return nil })

	bus.Publish(&Event{Type: "event"})

	assert.Equal(t, 1, count1)
	assert.Equal(t, 1, count2, "a failing handler does not stop the others")
}

func TestEventBusSubscribeAll(t *testing.T) {
	bus := NewEventBus(nil)
	seen := map[string]int{}
	bus.SubscribeAll(func(e *Event) error { seen[e.Type]++; return nil })

	for _, eventType := range AllEventTypes() {
		require.NoError(t, bus.PublishJSON(eventType, map[string]int{"booking_id": 1}))
	}
	assert.Len(t, seen, len(AllEventTypes()))
}

func TestNilBusPublishJSON(t *testing.T) {
	var bus *EventBus
	assert.NoError(t, bus.PublishJSON(EventBookingCreated, nil))
}

func TestNewJSONEventError(t *testing.T) {
	_, err := NewJSONEvent("bad", map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

type mockOutboxStore struct {
	mock.Mock
}

func (m *mockOutboxStore) CreateNotificationTask(ctx context.Context, task *models.NotificationTask) error {
	args := m.Called(ctx, task)
	task.ID = 11
	return args.Error(0)
}

func (m *mockOutboxStore) GetNotificationTask(ctx context.Context, id int64) (*models.NotificationTask, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(*models.NotificationTask), args.Error(1)
}

func (m *mockOutboxStore) GetPendingNotificationTasks(ctx context.Context, limit int) ([]models.NotificationTask, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]models.NotificationTask), args.Error(1)
}

func (m *mockOutboxStore) UpdateNotificationTaskStatus(ctx context.Context, id int64, status, errMsg string, next *time.Time) error {
	return m.Called(ctx, id, status, errMsg, next).Error(0)
}

func (m *mockOutboxStore) GetFailedNotificationTasks(ctx context.Context) ([]models.NotificationTask, error) {
	args := m.Called(ctx)
	return args.Get(0).([]models.NotificationTask), args.Error(1)
}

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) EnqueueTask(ctx context.Context, task *models.NotificationTask) error {
	return m.Called(ctx, task).Error(0)
}

func TestOutboxRecorder(t *testing.T) {
	logger := zerolog.New(io.Discard)
	store := new(mockOutboxStore)
	enqueuer := new(mockEnqueuer)

	store.On("CreateNotificationTask", mock.Anything, mock.MatchedBy(func(task *models.NotificationTask) bool {
		return task.EventType == EventDisputeOpened && task.BookingID == 42 && task.EventID != ""
	})).Return(nil).Once()
	enqueuer.On("EnqueueTask", mock.Anything, mock.MatchedBy(func(task *models.NotificationTask) bool {
		return task.ID == 11
	})).Return(errors.New("redis down")).Once()

	bus := NewEventBus(&logger)
	NewOutboxRecorder(store, enqueuer, &logger).Register(bus)

	require.NoError(t, bus.PublishJSON(EventDisputeOpened, LifecycleEventPayload{BookingID: 42}))

	store.AssertExpectations(t)
	enqueuer.AssertExpectations(t)
}

func TestOutboxRecorderRejectsGarbage(t *testing.T) {
	logger := zerolog.New(io.Discard)
	recorder := NewOutboxRecorder(new(mockOutboxStore), nil, &logger)
	err := recorder.Handle(&Event{ID: "x", Type: EventBookingCreated, Payload: []byte("not json")})
	assert.Error(t, err)
}

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaDispatcher(t *testing.T) {
	logger := zerolog.New(io.Discard)
	writer := &fakeWriter{}
	d := newKafkaDispatcher(writer, "booking-events", &logger)

	task := &models.NotificationTask{
		EventID:   "evt-9",
		EventType: EventRefundProcessed,
		BookingID: 9,
		Payload:   `{"booking_id":9}`,
	}
	require.NoError(t, d.Dispatch(context.Background(), task))
	require.Len(t, writer.messages, 1)

	msg := writer.messages[0]
	assert.Equal(t, "9", string(msg.Key))
	assert.JSONEq(t, task.Payload, string(msg.Value))
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, EventRefundProcessed, string(msg.Headers[0].Value))
	assert.Equal(t, "evt-9", string(msg.Headers[1].Value))

	writer.err = io.ErrClosedPipe
	assert.ErrorIs(t, d.Dispatch(context.Background(), task), ErrDispatcherClosed)

	writer.err = errors.New("leader not available")
	assert.ErrorContains(t, d.Dispatch(context.Background(), task), "booking-events")

	require.NoError(t, d.Close())
	assert.True(t, writer.closed)
}

func TestLogDispatcher(t *testing.T) {
	logger := zerolog.New(io.Discard)
	d := NewLogDispatcher(&logger)
	assert.NoError(t, d.Dispatch(context.Background(), &models.NotificationTask{EventID: "e", Payload: "{}"}))
}

func TestNewKafkaDispatcherValidation(t *testing.T) {
	logger := zerolog.New(io.Discard)

	_, err := NewKafkaDispatcher(config.KafkaConfig{Topic: "t"}, &logger)
	assert.Error(t, err)

	_, err = NewKafkaDispatcher(config.KafkaConfig{Brokers: []string{"localhost:9092"}}, &logger)
	assert.Error(t, err)

	d, err := NewKafkaDispatcher(config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "booking-events", RequireAcks: 1}, &logger)
	require.NoError(t, err)
	assert.NoError(t, d.Close())
}
