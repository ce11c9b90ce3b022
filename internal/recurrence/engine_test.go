package recurrence

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

type fakeClaims struct {
	held     map[string]bool
	claimErr error
	released []string
}

func newFakeClaims() *fakeClaims {
	return &fakeClaims{held: make(map[string]bool)}
}

func (f *fakeClaims) Claim(_ context.Context, consumer, eventID string) (bool, error) {
	if f.claimErr != nil {
		return false, f.claimErr
	}
	key := consumer + ":" + eventID
	if f.held[key] {
		return false, nil
	}
	f.held[key] = true
	return true, nil
}

func (f *fakeClaims) Release(_ context.Context, consumer, eventID string) error {
	key := consumer + ":" + eventID
	delete(f.held, key)
	f.released = append(f.released, key)
	return nil
}

type fakeStore struct {
	tasks       map[string]models.Task
	getErr      error
	created     []models.NewTask
	createFails int
}

func (f *fakeStore) GetTask(_ context.Context, id string) (models.Task, error) {
	if f.getErr != nil {
		return models.Task{}, f.getErr
	}
	task, ok := f.tasks[id]
	if !ok {
		return models.Task{}, taskstore.ErrNotFound
	}
	return task, nil
}

func (f *fakeStore) CreateTask(_ context.Context, task models.NewTask) (models.Task, error) {
	if f.createFails > 0 {
		f.createFails--
		return models.Task{}, errors.New("store down")
	}
	f.created = append(f.created, task)
	return models.Task{
		ID:           "next-task",
		UserID:       task.UserID,
		Title:        task.Title,
		DueDate:      task.DueDate,
		ParentTaskID: task.ParentTaskID,
	}, nil
}

type published struct {
	topic string
	event models.Event
}

type fakePub struct {
	events []published
}

func (f *fakePub) Publish(_ context.Context, topic string, event models.Event) error {
	f.events = append(f.events, published{topic: topic, event: event})
	return nil
}

func testEngine(store *fakeStore, pub *fakePub) (*Engine, *fakeClaims) {
	claims := newFakeClaims()
	e := NewEngine(claims, store, pub)
	e.Sleep = func(context.Context, time.Duration) error { return nil }
	e.Now = func() time.Time { return time.Date(2026, time.February, 2, 12, 0, 0, 0, time.UTC) }
	return e, claims
}

func completionEvent(t *testing.T, taskID, recurrenceID string) models.Event {
	t.Helper()
	event, err := models.NewEvent(models.EventTaskCompleted, "/tasks", "user-1", models.TaskEventData{
		TaskID:       taskID,
		UserID:       "user-1",
		RecurrenceID: recurrenceID,
	})
	require.NoError(t, err)
	return event
}

func recurringTask(due time.Time) models.Task {
	return models.Task{
		ID:      "task-1",
		UserID:  "user-1",
		Title:   "Water the plants",
		DueDate: &due,
		Recurrence: &models.RecurrencePattern{
			ID: "rec-1", Type: models.RecurrenceDaily, Interval: 1,
		},
	}
}

func TestEngineCreatesNextOccurrence(t *testing.T) {
	due := time.Date(2026, time.February, 2, 9, 0, 0, 0, time.UTC)
	store := &fakeStore{tasks: map[string]models.Task{"task-1": recurringTask(due)}}
	pub := &fakePub{}
	e, _ := testEngine(store, pub)

	err := e.HandleTaskEvent(context.Background(), completionEvent(t, "task-1", "rec-1"))
	require.NoError(t, err)

	require.Len(t, store.created, 1)
	next := store.created[0]
	assert.Equal(t, "user-1", next.UserID)
	assert.Equal(t, "Water the plants", next.Title)
	assert.Equal(t, "rec-1", next.RecurrenceID)
	assert.Equal(t, "task-1", next.ParentTaskID)
	require.NotNil(t, next.DueDate)
	assert.Equal(t, due.AddDate(0, 0, 1), *next.DueDate)

	require.Len(t, pub.events, 1)
	assert.Equal(t, bus.TopicTaskEvents, pub.events[0].topic)
	assert.Equal(t, models.EventTaskCreated, pub.events[0].event.Type)
	assert.Equal(t, "user-1", pub.events[0].event.PartitionKey)
}

func TestEngineRedeliveryIsNoop(t *testing.T) {
	due := time.Date(2026, time.February, 2, 9, 0, 0, 0, time.UTC)
	store := &fakeStore{tasks: map[string]models.Task{"task-1": recurringTask(due)}}
	pub := &fakePub{}
	e, _ := testEngine(store, pub)
	event := completionEvent(t, "task-1", "rec-1")

	require.NoError(t, e.HandleTaskEvent(context.Background(), event))
	require.NoError(t, e.HandleTaskEvent(context.Background(), event))

	assert.Len(t, store.created, 1)
	assert.Len(t, pub.events, 1)
}

func TestEngineIgnoresNonCompletionAndNonRecurring(t *testing.T) {
	store := &fakeStore{tasks: map[string]models.Task{}}
	pub := &fakePub{}
	e, claims := testEngine(store, pub)

	created, err := models.NewEvent(models.EventTaskCreated, "/tasks", "user-1", models.TaskEventData{TaskID: "task-1"})
	require.NoError(t, err)
	require.NoError(t, e.HandleTaskEvent(context.Background(), created))

	require.NoError(t, e.HandleTaskEvent(context.Background(), completionEvent(t, "task-1", "")))

	assert.Empty(t, store.created)
	assert.Empty(t, claims.held)
}

func TestEngineDeletedTaskIsNoop(t *testing.T) {
	store := &fakeStore{tasks: map[string]models.Task{}}
	pub := &fakePub{}
	e, _ := testEngine(store, pub)

	err := e.HandleTaskEvent(context.Background(), completionEvent(t, "gone", "rec-1"))
	require.NoError(t, err)
	assert.Empty(t, store.created)
	assert.Empty(t, pub.events)
}

func TestEngineReleasesClaimOnTransientLookupFailure(t *testing.T) {
	due := time.Date(2026, time.February, 2, 9, 0, 0, 0, time.UTC)
	store := &fakeStore{
		tasks:  map[string]models.Task{"task-1": recurringTask(due)},
		getErr: errors.New("store timeout"),
	}
	pub := &fakePub{}
	e, claims := testEngine(store, pub)
	event := completionEvent(t, "task-1", "rec-1")

	err := e.HandleTaskEvent(context.Background(), event)
	require.Error(t, err)
	assert.Len(t, claims.released, 1)

	// Redelivery after the store recovers completes the work.
	store.getErr = nil
	require.NoError(t, e.HandleTaskEvent(context.Background(), event))
	assert.Len(t, store.created, 1)
}

func TestEngineEndedRecurrenceCreatesNothing(t *testing.T) {
	due := time.Date(2026, time.February, 2, 9, 0, 0, 0, time.UTC)
	end := due.Add(-time.Hour)
	task := recurringTask(due)
	task.Recurrence.EndDate = &end
	store := &fakeStore{tasks: map[string]models.Task{"task-1": task}}
	pub := &fakePub{}
	e, _ := testEngine(store, pub)

	err := e.HandleTaskEvent(context.Background(), completionEvent(t, "task-1", "rec-1"))
	require.NoError(t, err)
	assert.Empty(t, store.created)
	assert.Empty(t, pub.events)
}

func TestEngineAnchorsOnCompletionTimeWithoutDueDate(t *testing.T) {
	task := recurringTask(time.Time{})
	task.DueDate = nil
	store := &fakeStore{tasks: map[string]models.Task{"task-1": task}}
	pub := &fakePub{}
	e, _ := testEngine(store, pub)

	err := e.HandleTaskEvent(context.Background(), completionEvent(t, "task-1", "rec-1"))
	require.NoError(t, err)
	require.Len(t, store.created, 1)
	require.NotNil(t, store.created[0].DueDate)
	assert.Equal(t, e.Now().AddDate(0, 0, 1), *store.created[0].DueDate)
}

func TestEngineShutdownReleasesClaimInsteadOfDeadLettering(t *testing.T) {
	due := time.Date(2026, time.February, 2, 9, 0, 0, 0, time.UTC)
	store := &fakeStore{
		tasks:       map[string]models.Task{"task-1": recurringTask(due)},
		createFails: 1,
	}
	pub := &fakePub{}
	e, claims := testEngine(store, pub)
	e.Sleep = func(context.Context, time.Duration) error { return context.Canceled }
	event := completionEvent(t, "task-1", "rec-1")

	err := e.HandleTaskEvent(context.Background(), event)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, pub.events)
	assert.Empty(t, store.created)
	assert.Empty(t, claims.held)

	// Redelivery after restart creates the occurrence.
	e.Sleep = func(context.Context, time.Duration) error { return nil }
	require.NoError(t, e.HandleTaskEvent(context.Background(), event))
	assert.Len(t, store.created, 1)
}

func TestEngineDeadLettersOnCreateExhaustion(t *testing.T) {
	due := time.Date(2026, time.February, 2, 9, 0, 0, 0, time.UTC)
	store := &fakeStore{
		tasks:       map[string]models.Task{"task-1": recurringTask(due)},
		createFails: 100,
	}
	pub := &fakePub{}
	e, _ := testEngine(store, pub)

	err := e.HandleTaskEvent(context.Background(), completionEvent(t, "task-1", "rec-1"))
	require.NoError(t, err)

	require.Len(t, pub.events, 1)
	assert.Equal(t, bus.TopicNotificationDLQ, pub.events[0].topic)
	var dlq models.DeadLetterData
	require.NoError(t, pub.events[0].event.Decode(&dlq))
	assert.Equal(t, bus.TopicTaskEvents, dlq.OriginalTopic)
	assert.Equal(t, e.maxAttempts, dlq.Attempts)
}

func TestEnginePreservesOriginalParent(t *testing.T) {
	due := time.Date(2026, time.February, 2, 9, 0, 0, 0, time.UTC)
	task := recurringTask(due)
	task.ParentTaskID = "root-task"
	store := &fakeStore{tasks: map[string]models.Task{"task-1": task}}
	pub := &fakePub{}
	e, _ := testEngine(store, pub)

	require.NoError(t, e.HandleTaskEvent(context.Background(), completionEvent(t, "task-1", "rec-1")))
	require.Len(t, store.created, 1)
	assert.Equal(t, "root-task", store.created[0].ParentTaskID)
}
