package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the lifecycle event types carried on the bus.
type EventType string

const (
	EventTaskCreated        EventType = "task.created"
	EventTaskUpdated        EventType = "task.updated"
	EventTaskCompleted      EventType = "task.completed"
	EventTaskDeleted        EventType = "task.deleted"
	EventReminderDue        EventType = "reminder.due"
	EventNotificationSent   EventType = "notification.sent"
	EventNotificationFailed EventType = "notification.failed"
)

// Event is the CloudEvents-style envelope for every bus message.
// PartitionKey is always the owning user id; the bus uses it as the message
// key so events for one user stay in publish order.
type Event struct {
	SpecVersion     string          `json:"specversion"`
	ID              string          `json:"id"`
	Type            EventType       `json:"type"`
	Source          string          `json:"source"`
	Time            time.Time       `json:"time"`
	DataContentType string          `json:"datacontenttype"`
	PartitionKey    string          `json:"partitionkey"`
	Data            json.RawMessage `json:"data"`
}

// NewEvent builds an envelope with a fresh id and UTC timestamp.
// Producers must not reuse ids; the id doubles as the idempotency key downstream.
func NewEvent(t EventType, source, userID string, data interface{}) (Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		SpecVersion:     "1.0",
		ID:              uuid.New().String(),
		Type:            t,
		Source:          source,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		PartitionKey:    userID,
		Data:            payload,
	}, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// TaskEventData is the payload for task.created/updated/completed/deleted events.
type TaskEventData struct {
	TaskID                string     `json:"task_id"`
	UserID                string     `json:"user_id"`
	Title                 string     `json:"title"`
	Description           string     `json:"description,omitempty"`
	DueDate               *time.Time `json:"due_date,omitempty"`
	Priority              string     `json:"priority,omitempty"`
	IsComplete            bool       `json:"is_complete"`
	Tags                  []string   `json:"tags,omitempty"`
	ReminderOffsetMinutes *int       `json:"reminder_offset_minutes,omitempty"`
	RecurrenceID          string     `json:"recurrence_id,omitempty"`
	ParentTaskID          string     `json:"parent_task_id,omitempty"`
}

// ReminderDueData is the payload for reminder.due events.
type ReminderDueData struct {
	ReminderID  string    `json:"reminder_id"`
	TaskID      string    `json:"task_id"`
	UserID      string    `json:"user_id"`
	TaskTitle   string    `json:"task_title"`
	TaskDueDate time.Time `json:"task_due_date"`
	Channel     string    `json:"delivery_channel"`
	Attempt     int       `json:"attempt"`
}

// NotificationResultData is the payload for notification.sent/notification.failed events.
type NotificationResultData struct {
	NotificationID string `json:"notification_id"`
	ReminderID     string `json:"reminder_id"`
	TaskID         string `json:"task_id"`
	UserID         string `json:"user_id"`
	Channel        string `json:"channel"`
	Title          string `json:"title"`
	Body           string `json:"body,omitempty"`
	Error          string `json:"error,omitempty"`
}

// DeadLetterData wraps an event that exhausted its retries, for manual inspection.
type DeadLetterData struct {
	OriginalTopic string `json:"original_topic"`
	Event         Event  `json:"event"`
	Error         string `json:"error"`
	Attempts      int    `json:"attempts"`
}
