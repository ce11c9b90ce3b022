package activity

import (
	"context"
	"fmt"

	"taskpulse/internal/bus"
	"taskpulse/internal/idempotency"
	"taskpulse/internal/models"
	"taskpulse/pkg/logger"

	"github.com/google/uuid"
)

// ConsumerName scopes this consumer's idempotency claims. Other consumers
// claim the same event ids under their own names.
const ConsumerName = "activity-log"

// Writer is the storage contract the recorder needs.
type Writer interface {
	Insert(ctx context.Context, entry models.ActivityLogEntry) error
}

// Recorder turns every lifecycle and notification-result event into exactly
// one append-only audit entry.
type Recorder struct {
	claims idempotency.Claimer
	store  Writer
	NewID  func() string
}

// NewRecorder builds a recorder.
func NewRecorder(claims idempotency.Claimer, store Writer) *Recorder {
	return &Recorder{
		claims: claims,
		store:  store,
		NewID:  func() string { return uuid.New().String() },
	}
}

// Run subscribes to the audited topics and blocks until ctx ends.
func (r *Recorder) Run(ctx context.Context) error {
	ctx = logger.WithComponent(ctx, ConsumerName)
	errCh := make(chan error, 2)
	go func() { errCh <- bus.Subscribe(ctx, bus.TopicTaskEvents, ConsumerName, r.HandleEvent) }()
	go func() { errCh <- bus.Subscribe(ctx, bus.TopicNotifications, ConsumerName, r.HandleEvent) }()
	return <-errCh
}

// HandleEvent claims the event and writes one entry. A failed write releases
// the claim so redelivery reprocesses the event; a duplicate claim is a
// silent no-op, never an error.
func (r *Recorder) HandleEvent(ctx context.Context, event models.Event) error {
	claimed, err := r.claims.Claim(ctx, ConsumerName, event.ID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	entityType, entityID, userID, err := classify(event)
	if err != nil {
		return fmt.Errorf("%w: %v", bus.ErrDrop, err)
	}

	entry := models.ActivityLogEntry{
		ID:         r.NewID(),
		UserID:     userID,
		EventType:  string(event.Type),
		EntityType: entityType,
		EntityID:   entityID,
		Timestamp:  event.Time,
		Details:    event.Data,
	}
	if err := r.store.Insert(ctx, entry); err != nil {
		if relErr := r.claims.Release(ctx, ConsumerName, event.ID); relErr != nil {
			logger.Warn(ctx, "Claim release failed", "event_id", event.ID, "error", relErr)
		}
		return err
	}
	return nil
}

// classify resolves the audited entity from the event payload.
func classify(event models.Event) (entityType, entityID, userID string, err error) {
	switch event.Type {
	case models.EventTaskCreated, models.EventTaskUpdated, models.EventTaskCompleted, models.EventTaskDeleted:
		var data models.TaskEventData
		if err := event.Decode(&data); err != nil {
			return "", "", "", err
		}
		return "task", data.TaskID, data.UserID, nil
	case models.EventReminderDue:
		var data models.ReminderDueData
		if err := event.Decode(&data); err != nil {
			return "", "", "", err
		}
		return "reminder", data.ReminderID, data.UserID, nil
	case models.EventNotificationSent, models.EventNotificationFailed:
		var data models.NotificationResultData
		if err := event.Decode(&data); err != nil {
			return "", "", "", err
		}
		return "notification", data.NotificationID, data.UserID, nil
	default:
		// Unknown types still leave an audit trace keyed by partition.
		return "event", event.ID, event.PartitionKey, nil
	}
}
