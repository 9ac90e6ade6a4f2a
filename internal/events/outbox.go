package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"probooking/internal/domain"
	"probooking/internal/models"

	"github.com/rs/zerolog"
)

const outboxWriteTimeout = 5 * time.Second

// OutboxRecorder persists published events so delivery survives restarts.
type OutboxRecorder struct {
	store    domain.OutboxStore
	enqueuer domain.NotificationEnqueuer
	logger   *zerolog.Logger
}

// NewOutboxRecorder wires the store and, optionally, a fast-path enqueuer.
func NewOutboxRecorder(store domain.OutboxStore, enqueuer domain.NotificationEnqueuer, logger *zerolog.Logger) *OutboxRecorder {
	return &OutboxRecorder{store: store, enqueuer: enqueuer, logger: logger}
}

// Register subscribes the recorder to every lifecycle event on bus.
func (r *OutboxRecorder) Register(bus *EventBus) {
	bus.SubscribeAll(r.Handle)
}

func (r *OutboxRecorder) Handle(event *Event) error {
	var snapshot struct {
		BookingID int64 `json:"booking_id"`
	}
	if err := json.Unmarshal(event.Payload, &snapshot); err != nil {
		return fmt.Errorf("decode event payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), outboxWriteTimeout)
	defer cancel()

	task := &models.NotificationTask{
		EventID:   event.ID,
		EventType: event.Type,
		BookingID: snapshot.BookingID,
		Payload:   string(event.Payload),
		Status:    models.TaskStatusPending,
	}
	if err := r.store.CreateNotificationTask(ctx, task); err != nil {
		return fmt.Errorf("persist notification task: %w", err)
	}

	if r.enqueuer != nil {
		if err := r.enqueuer.EnqueueTask(ctx, task); err != nil {
			// the poll loop picks the task up from the outbox
			r.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("Fast-path enqueue failed")
		}
	}
	return nil
}
