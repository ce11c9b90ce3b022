package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskpulse/internal/bus"
	"taskpulse/internal/models"
	"taskpulse/internal/taskstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type markCall struct {
	id     string
	status models.ReminderStatus
}

type fakeStore struct {
	reminders []models.Reminder
	tasks     map[string]models.Task
	marks     []markCall
	queryErr  error
}

func (f *fakeStore) DueReminders(_ context.Context, _ time.Time, _ int) ([]models.Reminder, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.reminders, nil
}

func (f *fakeStore) MarkReminder(_ context.Context, id string, status models.ReminderStatus) error {
	f.marks = append(f.marks, markCall{id: id, status: status})
	return nil
}

func (f *fakeStore) GetTask(_ context.Context, id string) (models.Task, error) {
	task, ok := f.tasks[id]
	if !ok {
		return models.Task{}, taskstore.ErrNotFound
	}
	return task, nil
}

type published struct {
	topic string
	event models.Event
}

type fakePub struct {
	events []published
	err    error
}

func (f *fakePub) Publish(_ context.Context, topic string, event models.Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, published{topic: topic, event: event})
	return nil
}

func testScheduler(store *fakeStore, pub *fakePub) *Scheduler {
	s := New(store, pub)
	s.Now = func() time.Time { return time.Date(2026, time.April, 15, 9, 0, 0, 0, time.UTC) }
	return s
}

func pendingReminder() models.Reminder {
	return models.Reminder{
		ID:            "rem-1",
		TaskID:        "task-1",
		UserID:        "user-1",
		ScheduledTime: time.Date(2026, time.April, 15, 8, 45, 0, 0, time.UTC),
		Status:        models.ReminderPending,
		Channel:       "in-app",
	}
}

func TestTickFiresDueReminder(t *testing.T) {
	due := time.Date(2026, time.April, 15, 9, 0, 0, 0, time.UTC)
	store := &fakeStore{
		reminders: []models.Reminder{pendingReminder()},
		tasks: map[string]models.Task{
			"task-1": {ID: "task-1", UserID: "user-1", Title: "File taxes", DueDate: &due},
		},
	}
	pub := &fakePub{}
	s := testScheduler(store, pub)

	fired := s.Tick(context.Background())
	assert.Equal(t, 1, fired)

	require.Len(t, pub.events, 1)
	assert.Equal(t, bus.TopicReminderDue, pub.events[0].topic)
	assert.Equal(t, models.EventReminderDue, pub.events[0].event.Type)
	assert.Equal(t, "user-1", pub.events[0].event.PartitionKey)

	var data models.ReminderDueData
	require.NoError(t, pub.events[0].event.Decode(&data))
	assert.Equal(t, "rem-1", data.ReminderID)
	assert.Equal(t, "File taxes", data.TaskTitle)
	assert.True(t, data.TaskDueDate.Equal(due))
	assert.Equal(t, 1, data.Attempt)

	require.Len(t, store.marks, 1)
	assert.Equal(t, markCall{id: "rem-1", status: models.ReminderFired}, store.marks[0])
}

func TestTickCancelsOrphanedReminder(t *testing.T) {
	store := &fakeStore{
		reminders: []models.Reminder{pendingReminder()},
		tasks:     map[string]models.Task{},
	}
	pub := &fakePub{}
	s := testScheduler(store, pub)

	assert.Zero(t, s.Tick(context.Background()))
	assert.Empty(t, pub.events)
	require.Len(t, store.marks, 1)
	assert.Equal(t, markCall{id: "rem-1", status: models.ReminderCancelled}, store.marks[0])
}

func TestTickCancelsReminderForCompletedTask(t *testing.T) {
	store := &fakeStore{
		reminders: []models.Reminder{pendingReminder()},
		tasks: map[string]models.Task{
			"task-1": {ID: "task-1", UserID: "user-1", Title: "File taxes", IsComplete: true},
		},
	}
	pub := &fakePub{}
	s := testScheduler(store, pub)

	assert.Zero(t, s.Tick(context.Background()))
	assert.Empty(t, pub.events)
	require.Len(t, store.marks, 1)
	assert.Equal(t, models.ReminderCancelled, store.marks[0].status)
}

func TestTickLeavesReminderPendingOnPublishFailure(t *testing.T) {
	store := &fakeStore{
		reminders: []models.Reminder{pendingReminder()},
		tasks: map[string]models.Task{
			"task-1": {ID: "task-1", UserID: "user-1", Title: "File taxes"},
		},
	}
	pub := &fakePub{err: errors.New("broker unreachable")}
	s := testScheduler(store, pub)

	assert.Zero(t, s.Tick(context.Background()))
	// No transition: the next scan picks the reminder up again.
	assert.Empty(t, store.marks)
}

func TestTickSurvivesQueryFailure(t *testing.T) {
	store := &fakeStore{queryErr: errors.New("store down")}
	pub := &fakePub{}
	s := testScheduler(store, pub)

	assert.Zero(t, s.Tick(context.Background()))
	assert.Empty(t, pub.events)
}
