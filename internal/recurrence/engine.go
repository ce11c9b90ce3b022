package recurrence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskpulse/internal/bus"
	"taskpulse/internal/config"
	"taskpulse/internal/idempotency"
	"taskpulse/internal/models"
	"taskpulse/internal/taskstore"
	"taskpulse/pkg/logger"
)

// Consumer is the logical consumer name used to scope idempotency claims.
const Consumer = "recurrence-engine"

// Store is the slice of the task-store boundary the engine needs.
type Store interface {
	GetTask(ctx context.Context, id string) (models.Task, error)
	CreateTask(ctx context.Context, task models.NewTask) (models.Task, error)
}

// Publisher publishes events to the bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, event models.Event) error
}

// Engine consumes task.completed events and creates the next occurrence of
// recurring tasks. The claim is taken before the create, so a redelivered
// completion never spawns a duplicate instance.
type Engine struct {
	claims      idempotency.Claimer
	store       Store
	pub         Publisher
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration

	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// NewEngine builds an engine with the retry policy from config.
func NewEngine(claims idempotency.Claimer, store Store, pub Publisher) *Engine {
	cfg := config.Get()
	return &Engine{
		claims:      claims,
		store:       store,
		pub:         pub,
		maxAttempts: cfg.DispatcherMaxAttempts,
		backoffBase: cfg.DispatcherBackoffBase,
		backoffCap:  cfg.DispatcherBackoffCap,
		Sleep:       sleepCtx,
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run subscribes to task events and blocks until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	ctx = logger.WithComponent(ctx, Consumer)
	return bus.Subscribe(ctx, bus.TopicTaskEvents, Consumer, e.HandleTaskEvent)
}

// HandleTaskEvent processes one task lifecycle event; only task.completed for
// tasks referencing a recurrence pattern does any work.
func (e *Engine) HandleTaskEvent(ctx context.Context, event models.Event) error {
	if event.Type != models.EventTaskCompleted {
		return nil
	}
	var data models.TaskEventData
	if err := event.Decode(&data); err != nil {
		return fmt.Errorf("%w: bad task event payload: %v", bus.ErrDrop, err)
	}
	if data.RecurrenceID == "" {
		return nil
	}

	claimed, err := e.claims.Claim(ctx, Consumer, event.ID)
	if err != nil {
		return err
	}
	if !claimed {
		logger.Debug(ctx, "Completion already processed, skipping", "task_id", data.TaskID)
		return nil
	}

	task, err := e.store.GetTask(ctx, data.TaskID)
	if errors.Is(err, taskstore.ErrNotFound) {
		// Task deleted between completion and processing: nothing to repeat.
		return nil
	}
	if err != nil {
		// Transient store failure before any side effect: release the claim
		// so redelivery retries from scratch.
		e.releaseClaim(ctx, event.ID)
		return err
	}
	if task.Recurrence == nil {
		return nil
	}

	anchor := e.Now()
	if task.DueDate != nil {
		anchor = *task.DueDate
	}
	nextDue, ok := Next(*task.Recurrence, anchor)
	if !ok {
		logger.Info(ctx, "Recurrence ended", "task_id", task.ID, "recurrence_id", task.Recurrence.ID)
		return nil
	}

	parentID := task.ParentTaskID
	if parentID == "" {
		parentID = task.ID
	}
	next := models.NewTask{
		UserID:                task.UserID,
		Title:                 task.Title,
		Description:           task.Description,
		DueDate:               &nextDue,
		Priority:              task.Priority,
		Tags:                  task.Tags,
		ReminderOffsetMinutes: task.ReminderOffsetMinutes,
		RecurrenceID:          task.Recurrence.ID,
		ParentTaskID:          parentID,
	}

	created, err := e.createWithRetry(ctx, next)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Shutdown mid-create is transient, not exhaustion: give the claim
		// back so the redelivered completion retries from scratch.
		e.releaseClaim(ctx, event.ID)
		return err
	}
	if err != nil {
		// Permanent create failure: dead-letter for manual remediation rather
		// than dropping the occurrence silently.
		logger.Error(ctx, "Next occurrence creation failed", "task_id", task.ID, "error", err)
		e.deadLetter(ctx, event, err)
		return nil
	}

	logger.Info(ctx, "Next occurrence created", "task_id", task.ID, "next_task_id", created.ID, "due_date", nextDue.Format(time.RFC3339))
	e.publishCreated(ctx, created)
	return nil
}

// releaseClaim gives an unfinished claim back so redelivery retries. The
// worker context may already be cancelled, so the release runs detached.
func (e *Engine) releaseClaim(ctx context.Context, eventID string) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.claims.Release(relCtx, Consumer, eventID); err != nil {
		logger.Warn(ctx, "Claim release failed", "event_id", eventID, "error", err)
	}
}

func (e *Engine) createWithRetry(ctx context.Context, task models.NewTask) (models.Task, error) {
	backoff := e.backoffBase
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		created, err := e.store.CreateTask(ctx, task)
		if err == nil {
			return created, nil
		}
		lastErr = err
		if attempt == e.maxAttempts {
			break
		}
		if err := e.Sleep(ctx, backoff); err != nil {
			return models.Task{}, err
		}
		if backoff *= 2; backoff > e.backoffCap {
			backoff = e.backoffCap
		}
	}
	return models.Task{}, fmt.Errorf("create attempts exhausted (%d): %w", e.maxAttempts, lastErr)
}

func (e *Engine) publishCreated(ctx context.Context, task models.Task) {
	recurrenceID := ""
	if task.Recurrence != nil {
		recurrenceID = task.Recurrence.ID
	}
	event, err := models.NewEvent(models.EventTaskCreated, "/recurrence", task.UserID, models.TaskEventData{
		TaskID:                task.ID,
		UserID:                task.UserID,
		Title:                 task.Title,
		Description:           task.Description,
		DueDate:               task.DueDate,
		Priority:              task.Priority,
		Tags:                  task.Tags,
		ReminderOffsetMinutes: task.ReminderOffsetMinutes,
		RecurrenceID:          recurrenceID,
		ParentTaskID:          task.ParentTaskID,
	})
	if err != nil {
		logger.Error(ctx, "task.created event build failed", "error", err)
		return
	}
	if err := e.pub.Publish(ctx, bus.TopicTaskEvents, event); err != nil {
		logger.Error(ctx, "task.created publish failed", "task_id", task.ID, "error", err)
	}
}

func (e *Engine) deadLetter(ctx context.Context, event models.Event, cause error) {
	dlq, err := models.NewEvent(models.EventTaskCompleted, "/recurrence/dlq", event.PartitionKey, models.DeadLetterData{
		OriginalTopic: bus.TopicTaskEvents,
		Event:         event,
		Error:         cause.Error(),
		Attempts:      e.maxAttempts,
	})
	if err != nil {
		logger.Error(ctx, "DLQ event build failed", "error", err)
		return
	}
	if err := e.pub.Publish(ctx, bus.TopicNotificationDLQ, dlq); err != nil {
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
