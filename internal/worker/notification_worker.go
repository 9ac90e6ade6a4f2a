package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"probooking/internal/config"
	"probooking/internal/domain"
	"probooking/internal/metrics"
	"probooking/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultQueueKey      = "notifications:queue"
	defaultDeadLetterKey = "notifications:deadletter"
)

// NotificationWorker delivers outbox tasks through a Dispatcher.
// Tasks arrive through an in-memory channel, a redis list, or by polling the outbox.
type NotificationWorker struct {
	store         domain.OutboxStore
	dispatcher    domain.Dispatcher
	redis         *redis.Client
	retryPolicy   RetryPolicy
	queue         chan models.NotificationTask
	redisQueueKey string
	deadLetterKey string
	pollInterval  time.Duration
	batchSize     int
	logger        *zerolog.Logger
}

// NewNotificationWorker builds a worker with sane defaults.
func NewNotificationWorker(store domain.OutboxStore, dispatcher domain.Dispatcher, redisClient *redis.Client, cfg config.NotificationConfig, logger *zerolog.Logger) *NotificationWorker {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 20
	}

	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "notification_worker").Logger()

	return &NotificationWorker{
		store:         store,
		dispatcher:    dispatcher,
		redis:         redisClient,
		retryPolicy:   retryPolicyFromConfig(cfg),
		queue:         make(chan models.NotificationTask, 128),
		redisQueueKey: defaultQueueKey,
		deadLetterKey: defaultDeadLetterKey,
		pollInterval:  pollInterval,
		batchSize:     batchSize,
		logger:        &l,
	}
}

// EnqueueTask schedules an already persisted task for prompt delivery.
// A task that cannot be queued is still picked up by polling.
func (w *NotificationWorker) EnqueueTask(ctx context.Context, task *models.NotificationTask) error {
	if task == nil || task.ID == 0 {
		return errors.New("persisted task is required")
	}
	if task.EventType == "" {
		return errors.New("event type is required")
	}

	if w.redis != nil {
		if err := w.pushRedis(ctx, *task); err != nil {
			w.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("Redis push failed, falling back to memory queue")
		} else {
			return nil
		}
	}

	select {
	case w.queue <- *task:
	default:
		w.logger.Warn().Int64("task_id", task.ID).Msg("In-memory queue full, task left to polling")
	}
	return nil
}

// Start runs the delivery loop until ctx is done.
func (w *NotificationWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("Notification worker started")
	defer w.logger.Info().Msg("Notification worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if t, ok := w.tryLocalQueue(); ok {
			w.processTask(ctx, &t)
			continue
		}

		if t, ok := w.tryRedis(ctx); ok {
			w.processTask(ctx, &t)
			continue
		}

		if n := w.pollOnce(ctx); n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollInterval):
			}
		}
	}
}

// pollOnce delivers one batch of due outbox tasks and returns its size.
func (w *NotificationWorker) pollOnce(ctx context.Context) int {
	tasks, err := w.store.GetPendingNotificationTasks(ctx, w.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("Failed to fetch pending notifications")
		}
		return 0
	}
	for i := range tasks {
		w.processTask(ctx, &tasks[i])
	}
	return len(tasks)
}

func (w *NotificationWorker) tryLocalQueue() (models.NotificationTask, bool) {
	select {
	case t := <-w.queue:
		return t, true
	default:
		return models.NotificationTask{}, false
	}
}

func (w *NotificationWorker) tryRedis(ctx context.Context) (models.NotificationTask, bool) {
	if w.redis == nil {
		return models.NotificationTask{}, false
	}
	res, err := w.redis.BRPop(ctx, time.Second, w.redisQueueKey).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.Nil) {
			return models.NotificationTask{}, false
		}
		w.logger.Error().Err(err).Msg("Redis BRPOP error")
		return models.NotificationTask{}, false
	}
	if len(res) != 2 {
		return models.NotificationTask{}, false
	}
	var task models.NotificationTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		w.logger.Error().Err(err).Msg("Failed to decode queued notification")
		return models.NotificationTask{}, false
	}
	return task, true
}

// processTask delivers a task unless another path already settled it.
func (w *NotificationWorker) processTask(ctx context.Context, task *models.NotificationTask) {
	current, err := w.store.GetNotificationTask(ctx, task.ID)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to reload notification task")
		return
	}
	if current.Status == models.TaskStatusCompleted || current.Status == models.TaskStatusFailed {
		return
	}
	if current.NextRetryAt != nil && time.Now().Before(*current.NextRetryAt) {
		return
	}

	if err := w.dispatcher.Dispatch(ctx, current); err != nil {
		w.retryOrFail(ctx, current, err)
		return
	}

	if err := w.store.UpdateNotificationTaskStatus(ctx, current.ID, models.TaskStatusCompleted, "", nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", current.ID).Msg("Failed to mark notification delivered")
		return
	}
	metrics.IncNotification("delivered")
	w.logger.Debug().
		Int64("task_id", current.ID).
		Str("event_type", current.EventType).
		Int64("booking_id", current.BookingID).
		Msg("Notification delivered")
}

func (w *NotificationWorker) retryOrFail(ctx context.Context, task *models.NotificationTask, cause error) {
	attempt := task.RetryCount + 1
	if w.retryPolicy.Exhausted(attempt) {
		w.failTask(ctx, task, cause)
		return
	}

	nextTime := time.Now().Add(w.retryPolicy.NextDelay(attempt))
	if err := w.store.UpdateNotificationTaskStatus(ctx, task.ID, models.TaskStatusRetry, cause.Error(), &nextTime); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to schedule notification retry")
		return
	}
	metrics.IncNotification("retry")
	w.logger.Warn().
		Err(cause).
		Int64("task_id", task.ID).
		Int("attempt", attempt).
		Time("next_retry_at", nextTime).
		Msg("Notification delivery failed, will retry")
}

func (w *NotificationWorker) failTask(ctx context.Context, task *models.NotificationTask, cause error) {
	if err := w.store.UpdateNotificationTaskStatus(ctx, task.ID, models.TaskStatusFailed, cause.Error(), nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to mark notification failed")
	}
	metrics.IncNotification("failed")
	w.logger.Error().Err(cause).Int64("task_id", task.ID).Str("event_type", task.EventType).Msg("Notification moved to dead letter")
	w.pushDeadLetter(ctx, task)
}

func (w *NotificationWorker) pushRedis(ctx context.Context, task models.NotificationTask) error {
	if w.redis == nil {
		return errors.New("redis client is nil")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	return w.redis.LPush(ctx, w.redisQueueKey, data).Err()
}

func (w *NotificationWorker) pushDeadLetter(ctx context.Context, task *models.NotificationTask) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(task)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to encode dead letter")
		return
	}
	if err := w.redis.LPush(ctx, w.deadLetterKey, data).Err(); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Dead letter push failed")
	}
}
