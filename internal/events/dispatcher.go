package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"probooking/internal/config"
	"probooking/internal/models"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const (
	HeaderEventType = "event-type"
	HeaderEventID   = "event-id"
)

var ErrDispatcherClosed = errors.New("dispatcher is closed")

// messageWriter is the subset of *kafka.Writer used for dispatch.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDispatcher publishes outbox tasks to a topic keyed by booking id,
// so a booking's events stay ordered within one partition.
type KafkaDispatcher struct {
	writer messageWriter
	topic  string
	logger *zerolog.Logger
}

func NewKafkaDispatcher(cfg config.KafkaConfig, logger *zerolog.Logger) (*KafkaDispatcher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}

	var requiredAcks kafka.RequiredAcks
	switch cfg.RequireAcks {
	case 0:
		requiredAcks = kafka.RequireNone
	case 1:
		requiredAcks = kafka.RequireOne
	default:
		requiredAcks = kafka.RequireAll
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: requiredAcks,
		MaxAttempts:  cfg.MaxAttempts,
		BatchTimeout: cfg.BatchTimeout,
		Logger:       kafka.LoggerFunc(func(string, ...any) {}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			logger.Error().Msgf(msg, args...)
		}),
	}

	return newKafkaDispatcher(writer, cfg.Topic, logger), nil
}

func newKafkaDispatcher(writer messageWriter, topic string, logger *zerolog.Logger) *KafkaDispatcher {
	return &KafkaDispatcher{writer: writer, topic: topic, logger: logger}
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, task *models.NotificationTask) error {
	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(task.BookingID, 10)),
		Value: []byte(task.Payload),
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(task.EventType)},
			{Key: HeaderEventID, Value: []byte(task.EventID)},
		},
		Time: task.CreatedAt,
	}

	if err := d.writer.WriteMessages(ctx, msg); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return ErrDispatcherClosed
		}
		return fmt.Errorf("write to %s: %w", d.topic, err)
	}

	d.logger.Debug().Str("event_id", task.EventID).Str("event_type", task.EventType).Msg("Event dispatched to kafka")
	return nil
}

func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}

// LogDispatcher writes events to the log; used when no broker is configured.
type LogDispatcher struct {
	logger *zerolog.Logger
}

func NewLogDispatcher(logger *zerolog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(_ context.Context, task *models.NotificationTask) error {
	d.logger.Info().
		Str("event_id", task.EventID).
		Str("event_type", task.EventType).
		Int64("booking_id", task.BookingID).
		RawJSON("payload", []byte(task.Payload)).
		Msg("Notification event")
	return nil
}
