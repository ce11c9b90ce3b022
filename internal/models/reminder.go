package models

import "time"

// ReminderStatus is the reminder lifecycle state kept by the task store.
// Reminders are only ever transitioned, never deleted.
type ReminderStatus string

const (
	ReminderPending   ReminderStatus = "pending"
	// ReminderFired is the scheduler's intermediate state: the reminder.due
	// event is on the bus but the dispatcher has not resolved it yet.
	ReminderFired     ReminderStatus = "fired"
	ReminderSent      ReminderStatus = "sent"
	ReminderCancelled ReminderStatus = "cancelled"
	ReminderFailed    ReminderStatus = "failed"
)

// Reminder is the task store's reminder record. At most one non-terminal
// reminder exists per task.
type Reminder struct {
	ID            string         `json:"id"`
	TaskID        string         `json:"task_id"`
	UserID        string         `json:"user_id"`
	ScheduledTime time.Time      `json:"scheduled_time"`
	Status        ReminderStatus `json:"status"`
	Channel       string         `json:"delivery_channel"`
	RetryCount    int            `json:"retry_count"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
}

// Task is the external task store's record, as returned by its read contract.
type Task struct {
	ID                    string             `json:"id"`
	UserID                string             `json:"user_id"`
	Title                 string             `json:"title"`
	Description           string             `json:"description,omitempty"`
	DueDate               *time.Time         `json:"due_date,omitempty"`
	Priority              string             `json:"priority,omitempty"`
	IsComplete            bool               `json:"is_complete"`
	Tags                  []string           `json:"tags,omitempty"`
	ReminderOffsetMinutes *int               `json:"reminder_offset_minutes,omitempty"`
	Recurrence            *RecurrencePattern `json:"recurrence,omitempty"`
	ParentTaskID          string             `json:"parent_task_id,omitempty"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
}

// NewTask is the create payload for the task store's create contract.
type NewTask struct {
	UserID                string     `json:"user_id"`
	Title                 string     `json:"title"`
	Description           string     `json:"description,omitempty"`
	DueDate               *time.Time `json:"due_date,omitempty"`
	Priority              string     `json:"priority,omitempty"`
	Tags                  []string   `json:"tags,omitempty"`
	ReminderOffsetMinutes *int       `json:"reminder_offset_minutes,omitempty"`
	RecurrenceID          string     `json:"recurrence_id,omitempty"`
	ParentTaskID          string     `json:"parent_task_id,omitempty"`
}
