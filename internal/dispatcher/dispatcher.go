package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskpulse/internal/bus"
	"taskpulse/internal/config"
	"taskpulse/internal/idempotency"
	"taskpulse/internal/models"
	"taskpulse/pkg/logger"

	"github.com/google/uuid"
)

// Consumer is the logical consumer name used to scope idempotency claims.
const Consumer = "notification-dispatcher"

// Store is the slice of the task-store boundary the dispatcher needs.
type Store interface {
	MarkReminder(ctx context.Context, id string, status models.ReminderStatus) error
	CancelReminder(ctx context.Context, taskID string) (bool, error)
}

// Publisher publishes events to the bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, event models.Event) error
}

// Dispatcher consumes reminder.due events and drives each notification
// attempt through received -> delivering -> delivered | failed. Exhausted or
// permanent failures are dead-lettered; duplicates are absorbed by the
// idempotency claim before any side effect.
type Dispatcher struct {
	claims      idempotency.Claimer
	store       Store
	pub         Publisher
	channel     Channel
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration

	// Sleep is injectable so tests can run the backoff schedule instantly.
	Sleep func(ctx context.Context, d time.Duration) error
	NewID func() string
}

// New builds a dispatcher with the retry policy from config.
func New(claims idempotency.Claimer, store Store, pub Publisher, channel Channel) *Dispatcher {
	cfg := config.Get()
	return &Dispatcher{
		claims:      claims,
		store:       store,
		pub:         pub,
		channel:     channel,
		maxAttempts: cfg.DispatcherMaxAttempts,
		backoffBase: cfg.DispatcherBackoffBase,
		backoffCap:  cfg.DispatcherBackoffCap,
		Sleep:       sleepCtx,
		NewID:       func() string { return uuid.New().String() },
	}
}

// Run subscribes the dispatcher's two inputs and blocks until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx = logger.WithComponent(ctx, Consumer)
	errCh := make(chan error, 2)
	go func() { errCh <- bus.Subscribe(ctx, bus.TopicReminderDue, Consumer, d.HandleReminderDue) }()
	go func() { errCh <- bus.Subscribe(ctx, bus.TopicTaskEvents, "reminder-canceller", d.HandleTaskEvent) }()
	return <-errCh
}

// HandleReminderDue processes one reminder.due delivery.
func (d *Dispatcher) HandleReminderDue(ctx context.Context, event models.Event) error {
	var due models.ReminderDueData
	if err := event.Decode(&due); err != nil {
		return fmt.Errorf("%w: bad reminder.due payload: %v", bus.ErrDrop, err)
	}

	claimed, err := d.claims.Claim(ctx, Consumer, event.ID)
	if err != nil {
		return err
	}
	if !claimed {
		logger.Debug(ctx, "Reminder already dispatched, skipping", "reminder_id", due.ReminderID)
		return nil
	}

	n := d.render(due)
	deliverErr := d.deliver(ctx, n)
	if deliverErr == nil {
		d.finish(ctx, event, due, n, models.ReminderSent, "")
		return nil
	}
	if errors.Is(deliverErr, context.Canceled) || errors.Is(deliverErr, context.DeadlineExceeded) {
		// Shutdown or timeout mid-delivery is transient, not exhaustion:
		// give the claim back so the redelivered event retries from scratch.
		d.releaseClaim(ctx, event.ID)
		return deliverErr
	}

	logger.Error(ctx, "Notification delivery failed", "reminder_id", due.ReminderID, "error", deliverErr)
	d.deadLetter(ctx, event, deliverErr)
	d.finish(ctx, event, due, n, models.ReminderFailed, deliverErr.Error())
	return nil
}

// HandleTaskEvent cancels a still-pending reminder when its task is completed
// or deleted. Best-effort: a reminder that already fired is a harmless race.
func (d *Dispatcher) HandleTaskEvent(ctx context.Context, event models.Event) error {
	if event.Type != models.EventTaskCompleted && event.Type != models.EventTaskDeleted {
		return nil
	}
	var data models.TaskEventData
	if err := event.Decode(&data); err != nil {
		return fmt.Errorf("%w: bad task event payload: %v", bus.ErrDrop, err)
	}
	cancelled, err := d.store.CancelReminder(ctx, data.TaskID)
	if err != nil {
		return err
	}
	if cancelled {
		logger.Info(ctx, "Cancelled pending reminder", "task_id", data.TaskID, "cause", string(event.Type))
	}
	return nil
}

func (d *Dispatcher) render(due models.ReminderDueData) Notification {
	channel := due.Channel
	if channel == "" {
		channel = "in-app"
	}
	return Notification{
		NotificationID: d.NewID(),
		UserID:         due.UserID,
		Channel:        channel,
		Title:          "Task Reminder",
		Body:           fmt.Sprintf("Reminder: %s is due at %s", due.TaskTitle, due.TaskDueDate.Format("2006-01-02 15:04")),
		Metadata: map[string]string{
			"reminder_id": due.ReminderID,
			"task_id":     due.TaskID,
			"action_url":  "/tasks/" + due.TaskID,
		},
	}
}

// releaseClaim gives an unfinished claim back so redelivery retries. The
// worker context may already be cancelled, so the release runs detached.
func (d *Dispatcher) releaseClaim(ctx context.Context, eventID string) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.claims.Release(relCtx, Consumer, eventID); err != nil {
		logger.Warn(ctx, "Claim release failed", "event_id", eventID, "error", err)
	}
}

// deliver runs the channel call with exponential backoff. Permanent failures
// short-circuit; anything else is retried up to maxAttempts.
func (d *Dispatcher) deliver(ctx context.Context, n Notification) error {
	backoff := d.backoffBase
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		lastErr = d.channel.Deliver(ctx, n)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrPermanent) {
			return lastErr
		}
		if attempt == d.maxAttempts {
			break
		}
		if err := d.Sleep(ctx, backoff); err != nil {
			return err
		}
		if backoff *= 2; backoff > d.backoffCap {
			backoff = d.backoffCap
		}
	}
	return fmt.Errorf("delivery attempts exhausted (%d): %w", d.maxAttempts, lastErr)
}

// finish records the terminal state: reminder transition plus the
// notification.sent / notification.failed result event. Bookkeeping failures
// are logged, not retried: the notification itself already resolved and the
// claim prevents a second delivery.
func (d *Dispatcher) finish(ctx context.Context, event models.Event, due models.ReminderDueData, n Notification, status models.ReminderStatus, deliveryErr string) {
	if err := d.store.MarkReminder(ctx, due.ReminderID, status); err != nil {
		logger.Error(ctx, "Reminder status update failed", "reminder_id", due.ReminderID, "status", string(status), "error", err)
	}

	resultType := models.EventNotificationSent
	if status == models.ReminderFailed {
		resultType = models.EventNotificationFailed
	}
	result, err := models.NewEvent(resultType, "/notifications", due.UserID, models.NotificationResultData{
		NotificationID: n.NotificationID,
		ReminderID:     due.ReminderID,
		TaskID:         due.TaskID,
		UserID:         due.UserID,
		Channel:        n.Channel,
		Title:          n.Title,
		Body:           n.Body,
		Error:          deliveryErr,
	})
	if err != nil {
		logger.Error(ctx, "Notification result event build failed", "error", err)
		return
	}
	if err := d.pub.Publish(ctx, bus.TopicNotifications, result); err != nil {
		logger.Error(ctx, "Notification result publish failed", "reminder_id", due.ReminderID, "error", err)
	}
}

// deadLetter routes the original event plus the failure reason to the DLQ
// topic for manual remediation.
func (d *Dispatcher) deadLetter(ctx context.Context, event models.Event, cause error) {
	dlq, err := models.NewEvent(models.EventNotificationFailed, "/notifications/dlq", event.PartitionKey, models.DeadLetterData{
		OriginalTopic: bus.TopicReminderDue,
		Event:         event,
		Error:         cause.Error(),
		Attempts:      d.maxAttempts,
	})
	if err != nil {
		logger.Error(ctx, "DLQ event build failed", "error", err)
		return
	}
	if err := d.pub.Publish(ctx, bus.TopicNotificationDLQ, dlq); err != nil {
		logger.Error(ctx, "DLQ publish failed", "event_id", event.ID, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
