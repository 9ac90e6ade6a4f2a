package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	EventBookingCreated   = "booking.created"
	EventBookingConfirmed = "booking.confirmed"
	EventBookingCancelled = "booking.cancelled"
	EventBookingCompleted = "booking.completed"
	EventBookingExpired   = "booking.expired"

	EventDisputeOpened    = "dispute.opened"
	EventDisputeResponded = "dispute.responded"
	EventDisputeEscalated = "dispute.escalated"
	EventDisputeResolved  = "dispute.resolved"

	EventRefundRequested = "refund.requested"
	EventRefundProcessed = "refund.processed"
)

// AllEventTypes lists every lifecycle event the engine emits.
func AllEventTypes() []string {
	return []string{
		EventBookingCreated,
		EventBookingConfirmed,
		EventBookingCancelled,
		EventBookingCompleted,
		EventBookingExpired,
		EventDisputeOpened,
		EventDisputeResponded,
		EventDisputeEscalated,
		EventDisputeResolved,
		EventRefundRequested,
		EventRefundProcessed,
	}
}

// LifecycleEventPayload is the snapshot delivered to notification consumers.
type LifecycleEventPayload struct {
	BookingID     int64     `json:"booking_id"`
	ProID         int64     `json:"pro_id"`
	StudentID     int64     `json:"student_id"`
	ActorRole     string    `json:"actor_role"`
	ActorID       int64     `json:"actor_id,omitempty"`
	BookingStatus string    `json:"booking_status"`
	PaymentStatus string    `json:"payment_status,omitempty"`
	DisputeStatus string    `json:"dispute_status,omitempty"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Amount        int64     `json:"amount,omitempty"`
	RefundAmount  int64     `json:"refund_amount,omitempty"`
	Message       string    `json:"message,omitempty"`
	// LateCancellation is set when a cancellation lands inside the pro's min-notice window.
	LateCancellation bool      `json:"late_cancellation,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// Event represents a lightweight domain event.
type Event struct {
	ID        string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
	logger      *zerolog.Logger
}

// NewEventBus constructs an empty bus. Handler errors are logged to logger when it is not nil.
func NewEventBus(logger *zerolog.Logger) *EventBus {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &EventBus{subscribers: make(map[string][]EventHandler), logger: logger}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// SubscribeAll registers handler for every lifecycle event type.
func (b *EventBus) SubscribeAll(handler EventHandler) {
	for _, eventType := range AllEventTypes() {
		b.Subscribe(eventType, handler)
	}
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		if err := handler(event); err != nil {
			b.logger.Error().Err(err).Str("event_type", event.Type).Str("event_id", event.ID).Msg("Event handler failed")
		}
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	event, err := NewJSONEvent(eventType, payload)
	if err != nil {
		return err
	}

	b.Publish(&event)
	return nil
}

// NewJSONEvent builds an Event with JSON payload and a fresh id for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{ID: uuid.NewString(), Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}
