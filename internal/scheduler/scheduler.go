package scheduler

import (
	"context"
	"errors"
	"time"

	"taskpulse/internal/bus"
	"taskpulse/internal/config"
	"taskpulse/internal/models"
	"taskpulse/internal/taskstore"
	"taskpulse/pkg/logger"
)

// Store is the slice of the task-store boundary the scheduler needs.
type Store interface {
	DueReminders(ctx context.Context, before time.Time, limit int) ([]models.Reminder, error)
	MarkReminder(ctx context.Context, id string, status models.ReminderStatus) error
	GetTask(ctx context.Context, id string) (models.Task, error)
}

// Publisher publishes events to the bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, event models.Event) error
}

// Scheduler scans for due reminders on a fixed interval and emits
// reminder.due events. Safe to run in multiple replicas: the store's
// pending->fired transition is a conditional write, so one replica wins and
// the others see the reminder already transitioned. Duplicate publishes are
// harmless because the dispatcher is idempotent.
type Scheduler struct {
	store    Store
	pub      Publisher
	interval time.Duration
	batch    int
	Now      func() time.Time
}

// New builds a scheduler with intervals from config.
func New(store Store, pub Publisher) *Scheduler {
	cfg := config.Get()
	return &Scheduler{
		store:    store,
		pub:      pub,
		interval: cfg.SchedulerInterval,
		batch:    cfg.SchedulerBatch,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks, scanning once per interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx = logger.WithComponent(ctx, "reminder-scheduler")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.Info(ctx, "Reminder scheduler started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scan and returns the number of reminders fired. A query
// failure is only logged: nothing is lost, the next tick retries. A publish
// failure leaves the reminder pending for the same reason.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.Now()
	reminders, err := s.store.DueReminders(ctx, now, s.batch)
	if err != nil {
		logger.Error(ctx, "Due reminder query failed", "error", err)
		return 0
	}

	fired := 0
	for _, r := range reminders {
		task, err := s.store.GetTask(ctx, r.TaskID)
		if errors.Is(err, taskstore.ErrNotFound) {
			if err := s.store.MarkReminder(ctx, r.ID, models.ReminderCancelled); err != nil {
				logger.Warn(ctx, "Orphan reminder cancel failed", "reminder_id", r.ID, "error", err)
			}
			continue
		}
		if err != nil {
			logger.Error(ctx, "Reminder task lookup failed", "reminder_id", r.ID, "error", err)
			continue
		}
		if task.IsComplete {
			if err := s.store.MarkReminder(ctx, r.ID, models.ReminderCancelled); err != nil {
				logger.Warn(ctx, "Completed-task reminder cancel failed", "reminder_id", r.ID, "error", err)
			}
			continue
		}

		dueDate := r.ScheduledTime
		if task.DueDate != nil {
			dueDate = *task.DueDate
		}
		event, err := models.NewEvent(models.EventReminderDue, "/scheduler/reminders", r.UserID, models.ReminderDueData{
			ReminderID:  r.ID,
			TaskID:      r.TaskID,
			UserID:      r.UserID,
			TaskTitle:   task.Title,
			TaskDueDate: dueDate,
			Channel:     r.Channel,
			Attempt:     r.RetryCount + 1,
		})
		if err != nil {
			logger.Error(ctx, "Reminder event build failed", "reminder_id", r.ID, "error", err)
			continue
		}
		if err := s.pub.Publish(ctx, bus.TopicReminderDue, event); err != nil {
			logger.Error(ctx, "Reminder publish failed, will rescan", "reminder_id", r.ID, "error", err)
			continue
		}
		if err := s.store.MarkReminder(ctx, r.ID, models.ReminderFired); err != nil {
			// Next tick republishes; the dispatcher's claim absorbs the duplicate.
			logger.Warn(ctx, "Reminder fired-mark failed", "reminder_id", r.ID, "error", err)
			continue
		}
		fired++
	}
	if fired > 0 {
		logger.Info(ctx, "Reminders fired", "count", fired)
	}
	return fired
}
